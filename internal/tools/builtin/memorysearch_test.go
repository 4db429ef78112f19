package builtin

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/meridianhq/conduit/internal/memory"
	"github.com/meridianhq/conduit/internal/memory/vector"
	"github.com/meridianhq/conduit/internal/tools"
	"github.com/meridianhq/conduit/pkg/models"
)

type fixedEmbedder struct{}

func (fixedEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

// recordingStore returns canned results per namespace and records
// what was searched.
type recordingStore struct {
	results  map[string][]models.SearchResult
	searched []string
	lastOpts vector.SearchOptions
}

func (s *recordingStore) Index(ctx context.Context, entries []*models.MemoryEntry) error { return nil }

func (s *recordingStore) Search(ctx context.Context, namespace string, embedding []float32, opts vector.SearchOptions) ([]models.SearchResult, error) {
	s.searched = append(s.searched, namespace)
	s.lastOpts = opts
	return s.results[namespace], nil
}

func (s *recordingStore) Delete(ctx context.Context, namespace string, ids []string) error {
	return nil
}
func (s *recordingStore) Count(ctx context.Context, namespace string) (int64, error) { return 0, nil }
func (s *recordingStore) Namespaces(ctx context.Context) ([]string, error)           { return nil, nil }
func (s *recordingStore) Compact(ctx context.Context) error                          { return nil }
func (s *recordingStore) Close() error                                               { return nil }

func newMemorySearchFixture(store *recordingStore) *MemorySearchTool {
	return NewMemorySearchTool(memory.NewSearcher(fixedEmbedder{}, store, nil))
}

func TestMemorySearchValidation(t *testing.T) {
	t.Run("query required", func(t *testing.T) {
		tool := newMemorySearchFixture(&recordingStore{})
		got, err := tool.Execute(context.Background(), map[string]any{"query": "  "})
		if err != nil {
			t.Fatalf("Execute() error = %v", err)
		}
		if got != "Error: query is required" {
			t.Errorf("Execute() = %q, want query error", got)
		}
	})

	t.Run("unavailable without searcher", func(t *testing.T) {
		tool := NewMemorySearchTool(nil)
		got, err := tool.Execute(context.Background(), map[string]any{"query": "anything"})
		if err != nil {
			t.Fatalf("Execute() error = %v", err)
		}
		want := "Memory search is not available (vector store not initialized)"
		if got != want {
			t.Errorf("Execute() = %q, want %q", got, want)
		}
	})

	t.Run("no results", func(t *testing.T) {
		tool := newMemorySearchFixture(&recordingStore{})
		got, err := tool.Execute(context.Background(), map[string]any{"query": "quantum sailing"})
		if err != nil {
			t.Fatalf("Execute() error = %v", err)
		}
		if got != "No memories found matching: quantum sailing" {
			t.Errorf("Execute() = %q, want no-results message", got)
		}
	})
}

func TestMemorySearchFormatsResults(t *testing.T) {
	created := time.Date(2026, 8, 20, 14, 0, 0, 0, time.UTC)
	store := &recordingStore{results: map[string][]models.SearchResult{
		"slack:C1": {
			{
				Entry: models.MemoryEntry{
					Text:      "User prefers dark mode in all editors",
					Metadata:  map[string]any{"type": "fact", "session": "slack:C1"},
					CreatedAt: created,
				},
				Score: 0.91,
			},
		},
		"user": {
			{
				Entry: models.MemoryEntry{
					Text:     "Discussed the quarterly planning doc",
					Metadata: map[string]any{"type": "conversation", "session": "cli:direct"},
				},
				Score: 0.62,
			},
		},
	}}
	tool := newMemorySearchFixture(store)
	ctx := tools.WithRoute(context.Background(), tools.Route{Channel: "slack", ChatID: "C1"})

	got, err := tool.Execute(ctx, map[string]any{"query": "preferences"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	for _, want := range []string{
		"Found 2 relevant memories:\n",
		"--- Memory 1 (similarity: 0.91) ---",
		"Type: fact",
		"Session: slack:C1",
		"Date: 2026-08-20",
		"Content: User prefers dark mode in all editors",
		"--- Memory 2 (similarity: 0.62) ---",
		"Type: conversation",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("Execute() output missing %q:\n%s", want, got)
		}
	}
	// The second entry has no creation time, so no Date line for it.
	if strings.Count(got, "Date:") != 1 {
		t.Errorf("Execute() output has %d Date lines, want 1:\n%s", strings.Count(got, "Date:"), got)
	}

	wantNS := []string{"slack:C1", "user", "learnings", "tools"}
	if len(store.searched) != len(wantNS) {
		t.Fatalf("searched namespaces = %v, want %v", store.searched, wantNS)
	}
	for i, ns := range wantNS {
		if store.searched[i] != ns {
			t.Errorf("searched[%d] = %q, want %q", i, store.searched[i], ns)
		}
	}
}

func TestMemorySearchTypeFilter(t *testing.T) {
	store := &recordingStore{results: map[string][]models.SearchResult{
		"user": {
			{Entry: models.MemoryEntry{Text: "a fact", Metadata: map[string]any{"type": "fact"}}, Score: 0.9},
			{Entry: models.MemoryEntry{Text: "a chat", Metadata: map[string]any{"type": "conversation"}}, Score: 0.8},
		},
	}}
	tool := newMemorySearchFixture(store)

	t.Run("keeps matching type", func(t *testing.T) {
		got, err := tool.Execute(context.Background(), map[string]any{"query": "x", "type_filter": "fact"})
		if err != nil {
			t.Fatalf("Execute() error = %v", err)
		}
		if !strings.Contains(got, "Found 1 relevant memories:") {
			t.Errorf("Execute() = %q, want one filtered result", got)
		}
		if strings.Contains(got, "a chat") {
			t.Errorf("Execute() = %q, want conversation entries filtered out", got)
		}
	})

	t.Run("reports filters when everything drops", func(t *testing.T) {
		empty := newMemorySearchFixture(&recordingStore{results: map[string][]models.SearchResult{
			"user": {{Entry: models.MemoryEntry{Text: "a chat", Metadata: map[string]any{"type": "conversation"}}, Score: 0.8}},
		}})
		got, err := empty.Execute(context.Background(), map[string]any{
			"query": "x", "type_filter": "fact", "time_range": "today",
		})
		if err != nil {
			t.Fatalf("Execute() error = %v", err)
		}
		want := "No memories found matching: x (filters: time_range=today, type=fact)"
		if got != want {
			t.Errorf("Execute() = %q, want %q", got, want)
		}
	})
}

func TestMemorySearchTimeRange(t *testing.T) {
	now := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC) // a Friday
	midnight := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)

	store := &recordingStore{}
	tool := newMemorySearchFixture(store)
	tool.now = func() time.Time { return now }

	if _, err := tool.Execute(context.Background(), map[string]any{"query": "x", "time_range": "yesterday"}); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if want := midnight.AddDate(0, 0, -1); !store.lastOpts.Since.Equal(want) {
		t.Errorf("Since = %v, want %v", store.lastOpts.Since, want)
	}
	if !store.lastOpts.Until.Equal(midnight) {
		t.Errorf("Until = %v, want %v", store.lastOpts.Until, midnight)
	}
}

func TestParseTimeRange(t *testing.T) {
	now := time.Date(2026, 1, 2, 10, 30, 0, 0, time.UTC) // a Friday
	midnight := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		token     string
		wantSince time.Time
		wantUntil time.Time
	}{
		{"today", "today", midnight, time.Time{}},
		{"yesterday", "yesterday", midnight.AddDate(0, 0, -1), midnight},
		{"this week starts monday", "this_week", time.Date(2025, 12, 29, 0, 0, 0, 0, time.UTC), time.Time{}},
		{"last n days", "last_7_days", now.AddDate(0, 0, -7), time.Time{}},
		{"last single day", "last_1_day", now.AddDate(0, 0, -1), time.Time{}},
		{"unknown token ignored", "next_week", time.Time{}, time.Time{}},
		{"empty", "", time.Time{}, time.Time{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			since, until := parseTimeRange(tt.token, now)
			if !since.Equal(tt.wantSince) {
				t.Errorf("since = %v, want %v", since, tt.wantSince)
			}
			if !until.Equal(tt.wantUntil) {
				t.Errorf("until = %v, want %v", until, tt.wantUntil)
			}
		})
	}
}
