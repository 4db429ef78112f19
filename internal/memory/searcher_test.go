package memory

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/meridianhq/conduit/internal/memory/vector"
	"github.com/meridianhq/conduit/pkg/models"
)

// capturingEmbedder records the texts it is asked to embed.
type capturingEmbedder struct {
	texts []string
}

func (c *capturingEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	c.texts = append(c.texts, texts...)
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

// flakyStore fails searches in one namespace and delegates the rest.
type flakyStore struct {
	vector.Store
	failNamespace string
}

func (f *flakyStore) Search(ctx context.Context, namespace string, embedding []float32, opts vector.SearchOptions) ([]models.SearchResult, error) {
	if namespace == f.failNamespace {
		return nil, errors.New("index corrupt")
	}
	return f.Store.Search(ctx, namespace, embedding, opts)
}

func TestSearcherMergesNamespaces(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	// Scores against the query [1 0 0]: exact match 1.0, then
	// progressively rotated vectors.
	seedEntry(t, store, "slack:C1", "deploy friday", []float32{1, 0, 0})
	seedEntry(t, store, "user", "name is Alice", []float32{0.9, 0.1, 0})
	seedEntry(t, store, "learnings", "retry on 429", []float32{0.2, 0.9, 0})

	s := NewSearcher(&stubEmbedder{}, store, nil)
	results, err := s.Search(ctx, "query", []string{"slack:C1", "user", "learnings"}, vector.SearchOptions{})
	if err != nil {
		t.Fatalf("Search error: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}
	for i := 1; i < len(results); i++ {
		if results[i].Score > results[i-1].Score {
			t.Errorf("results out of order: [%d]=%.3f > [%d]=%.3f", i, results[i].Score, i-1, results[i-1].Score)
		}
	}
	if results[0].Entry.Text != "deploy friday" {
		t.Errorf("best result = %q, want %q", results[0].Entry.Text, "deploy friday")
	}
}

func TestSearcherScansAllNamespacesWhenUnspecified(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seedEntry(t, store, "alpha", "one", []float32{1, 0, 0})
	seedEntry(t, store, "beta", "two", []float32{0.8, 0.2, 0})

	s := NewSearcher(&stubEmbedder{}, store, nil)
	results, err := s.Search(ctx, "query", nil, vector.SearchOptions{})
	if err != nil {
		t.Fatalf("Search error: %v", err)
	}
	if len(results) != 2 {
		t.Errorf("got %d results, want 2 (one per namespace)", len(results))
	}
}

func TestSearcherSkipsDuplicateNamespaces(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seedEntry(t, store, "user", "only entry", []float32{1, 0, 0})

	s := NewSearcher(&stubEmbedder{}, store, nil)
	results, err := s.Search(ctx, "query", []string{"user", "user", "", "user"}, vector.SearchOptions{})
	if err != nil {
		t.Fatalf("Search error: %v", err)
	}
	if len(results) != 1 {
		t.Errorf("got %d results, want 1 (duplicates scanned once)", len(results))
	}
}

func TestSearcherAppliesLimit(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	for i := 0; i < 15; i++ {
		seedEntry(t, store, "bulk", "entry", []float32{1, float32(i) * 0.01, 0})
	}

	s := NewSearcher(&stubEmbedder{}, store, nil)

	t.Run("default limit", func(t *testing.T) {
		results, err := s.Search(ctx, "query", []string{"bulk"}, vector.SearchOptions{})
		if err != nil {
			t.Fatalf("Search error: %v", err)
		}
		if len(results) != 10 {
			t.Errorf("got %d results, want default limit 10", len(results))
		}
	})

	t.Run("explicit limit", func(t *testing.T) {
		results, err := s.Search(ctx, "query", []string{"bulk"}, vector.SearchOptions{Limit: 3})
		if err != nil {
			t.Fatalf("Search error: %v", err)
		}
		if len(results) != 3 {
			t.Errorf("got %d results, want 3", len(results))
		}
	})
}

func TestSearcherEmptyQuery(t *testing.T) {
	emb := &capturingEmbedder{}
	s := NewSearcher(emb, newTestStore(t), nil)

	results, err := s.Search(context.Background(), "", []string{"user"}, vector.SearchOptions{})
	if err != nil {
		t.Fatalf("Search error: %v", err)
	}
	if results != nil {
		t.Errorf("got %d results, want none", len(results))
	}
	if len(emb.texts) != 0 {
		t.Errorf("embedder called %d times for empty query, want 0", len(emb.texts))
	}
}

func TestSearcherTruncatesLongQueries(t *testing.T) {
	emb := &capturingEmbedder{}
	s := NewSearcher(emb, newTestStore(t), nil)

	if _, err := s.Search(context.Background(), strings.Repeat("q", 5000), []string{"user"}, vector.SearchOptions{}); err != nil {
		t.Fatalf("Search error: %v", err)
	}
	if len(emb.texts) != 1 {
		t.Fatalf("embedder calls = %d, want 1", len(emb.texts))
	}
	if got := len(emb.texts[0]); got != 2000 {
		t.Errorf("embedded query length = %d, want 2000", got)
	}
}

func TestSearcherSkipsFailingNamespace(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seedEntry(t, store, "healthy", "kept", []float32{1, 0, 0})
	seedEntry(t, store, "broken", "lost", []float32{1, 0, 0})

	s := NewSearcher(&stubEmbedder{}, &flakyStore{Store: store, failNamespace: "broken"}, nil)
	results, err := s.Search(ctx, "query", []string{"broken", "healthy"}, vector.SearchOptions{})
	if err != nil {
		t.Fatalf("Search error: %v", err)
	}
	if len(results) != 1 || results[0].Entry.Text != "kept" {
		t.Errorf("results = %+v, want the healthy namespace only", results)
	}
}
