package memory

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
)

type embeddingsData struct {
	Index     int       `json:"index"`
	Embedding []float32 `json:"embedding"`
}

type embeddingsResponse struct {
	Object string           `json:"object"`
	Data   []embeddingsData `json:"data"`
	Model  string           `json:"model"`
}

// newEmbeddingsServer serves an OpenAI-compatible /embeddings endpoint
// backed by the given handler.
func newEmbeddingsServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/embeddings", handler)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func writeEmbeddings(t *testing.T, w http.ResponseWriter, data []embeddingsData) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(embeddingsResponse{Object: "list", Data: data, Model: "test"}); err != nil {
		t.Errorf("encode response: %v", err)
	}
}

func TestEmbedderOrdersByResponseIndex(t *testing.T) {
	var inputs []string
	srv := newEmbeddingsServer(t, func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Input []string `json:"input"`
			Model string   `json:"model"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		inputs = req.Input
		// Vectors arrive out of order; placement follows the index field.
		writeEmbeddings(t, w, []embeddingsData{
			{Index: 1, Embedding: []float32{0, 1}},
			{Index: 0, Embedding: []float32{1, 0}},
		})
	})

	e := NewEmbedder(EmbedderConfig{APIKey: "test", BaseURL: srv.URL, Model: "unit-embed"})
	got, err := e.Embed(context.Background(), []string{"first", "second"})
	if err != nil {
		t.Fatalf("Embed() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len(got) = %d, want 2", len(got))
	}
	if got[0][0] != 1 || got[1][1] != 1 {
		t.Errorf("embeddings misplaced: got %v", got)
	}
	if len(inputs) != 2 || inputs[0] != "first" {
		t.Errorf("request inputs = %v, want [first second]", inputs)
	}
}

func TestEmbedderEmptyInput(t *testing.T) {
	var calls atomic.Int32
	srv := newEmbeddingsServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeEmbeddings(t, w, nil)
	})

	e := NewEmbedder(EmbedderConfig{APIKey: "test", BaseURL: srv.URL})
	got, err := e.Embed(context.Background(), nil)
	if err != nil {
		t.Fatalf("Embed() error = %v", err)
	}
	if got != nil {
		t.Errorf("Embed() = %v, want nil", got)
	}
	if n := calls.Load(); n != 0 {
		t.Errorf("endpoint calls = %d, want 0", n)
	}
}

func TestEmbedderRetriesTransientFailure(t *testing.T) {
	var calls atomic.Int32
	srv := newEmbeddingsServer(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "upstream overloaded", http.StatusInternalServerError)
			return
		}
		writeEmbeddings(t, w, []embeddingsData{{Index: 0, Embedding: []float32{0.5}}})
	})

	e := NewEmbedder(EmbedderConfig{APIKey: "test", BaseURL: srv.URL})
	got, err := e.Embed(context.Background(), []string{"hello"})
	if err != nil {
		t.Fatalf("Embed() error = %v", err)
	}
	if len(got) != 1 || got[0][0] != 0.5 {
		t.Errorf("Embed() = %v, want [[0.5]]", got)
	}
	if n := calls.Load(); n != 2 {
		t.Errorf("endpoint calls = %d, want 2", n)
	}
}

func TestEmbedderCancelsDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	srv := newEmbeddingsServer(t, func(w http.ResponseWriter, r *http.Request) {
		cancel()
		http.Error(w, "boom", http.StatusInternalServerError)
	})

	e := NewEmbedder(EmbedderConfig{APIKey: "test", BaseURL: srv.URL})
	_, err := e.Embed(ctx, []string{"hello"})
	if err == nil {
		t.Fatal("Embed() error = nil, want context error")
	}
	if !strings.Contains(err.Error(), context.Canceled.Error()) {
		t.Errorf("Embed() error = %v, want context.Canceled", err)
	}
}

func TestEmbedderCountMismatch(t *testing.T) {
	srv := newEmbeddingsServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeEmbeddings(t, w, []embeddingsData{{Index: 0, Embedding: []float32{1}}})
	})

	e := NewEmbedder(EmbedderConfig{APIKey: "test", BaseURL: srv.URL, Model: "unit-embed"})
	_, err := e.Embed(context.Background(), []string{"one", "two"})
	if err == nil {
		t.Fatal("Embed() error = nil, want mismatch error")
	}
	if !strings.Contains(err.Error(), "got 1 embeddings for 2 inputs") {
		t.Errorf("Embed() error = %v, want count mismatch", err)
	}
	if !strings.Contains(err.Error(), "dropped after 3 attempts") {
		t.Errorf("Embed() error = %v, want attempt count in diagnostic", err)
	}
	if !strings.Contains(err.Error(), "model=unit-embed inputs=2 chars=6") {
		t.Errorf("Embed() error = %v, want batch size in diagnostic", err)
	}
}

func TestEmbedderRejectsOutOfRangeIndex(t *testing.T) {
	srv := newEmbeddingsServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeEmbeddings(t, w, []embeddingsData{{Index: 3, Embedding: []float32{1}}})
	})

	e := NewEmbedder(EmbedderConfig{APIKey: "test", BaseURL: srv.URL})
	_, err := e.Embed(context.Background(), []string{"only"})
	if err == nil {
		t.Fatal("Embed() error = nil, want index error")
	}
	if !strings.Contains(err.Error(), "index 3 out of range") {
		t.Errorf("Embed() error = %v, want out of range", err)
	}
}

func TestEmbedOne(t *testing.T) {
	srv := newEmbeddingsServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeEmbeddings(t, w, []embeddingsData{{Index: 0, Embedding: []float32{0.1, 0.2}}})
	})

	e := NewEmbedder(EmbedderConfig{APIKey: "test", BaseURL: srv.URL})
	got, err := e.EmbedOne(context.Background(), "hello")
	if err != nil {
		t.Fatalf("EmbedOne() error = %v", err)
	}
	if len(got) != 2 || got[1] != 0.2 {
		t.Errorf("EmbedOne() = %v, want [0.1 0.2]", got)
	}
}

func TestEmbedderModelDefault(t *testing.T) {
	e := NewEmbedder(EmbedderConfig{APIKey: "test"})
	if got := e.Model(); got != defaultEmbeddingModel {
		t.Errorf("Model() = %q, want %q", got, defaultEmbeddingModel)
	}
}
