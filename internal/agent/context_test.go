package agent

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/meridianhq/conduit/internal/memory"
	"github.com/meridianhq/conduit/internal/memory/vector"
	"github.com/meridianhq/conduit/pkg/models"
)

type fakeEmbedder struct{}

func (fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

// fakeVectorStore serves canned results per namespace and records
// what was searched and indexed.
type fakeVectorStore struct {
	mu       sync.Mutex
	searched []string
	results  map[string][]models.SearchResult
	indexed  []*models.MemoryEntry
	closed   bool
}

func newFakeVectorStore() *fakeVectorStore {
	return &fakeVectorStore{results: make(map[string][]models.SearchResult)}
}

func (f *fakeVectorStore) Index(_ context.Context, entries []*models.MemoryEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexed = append(f.indexed, entries...)
	return nil
}

func (f *fakeVectorStore) Search(_ context.Context, namespace string, _ []float32, _ vector.SearchOptions) ([]models.SearchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.searched = append(f.searched, namespace)
	return f.results[namespace], nil
}

func (f *fakeVectorStore) Delete(context.Context, string, []string) error { return nil }
func (f *fakeVectorStore) Count(context.Context, string) (int64, error)   { return 0, nil }
func (f *fakeVectorStore) Namespaces(context.Context) ([]string, error)   { return nil, nil }
func (f *fakeVectorStore) Compact(context.Context) error                  { return nil }

func (f *fakeVectorStore) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeVectorStore) searchedNamespaces() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.searched...)
}

func (f *fakeVectorStore) indexedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.indexed)
}

func TestBuildMessagesOrder(t *testing.T) {
	b := NewContextBuilder(ContextConfig{Prompt: "You are Conduit."})
	history := []models.Turn{
		{Role: models.RoleUser, Content: "earlier question"},
		{Role: models.RoleAssistant, Content: "earlier answer"},
	}

	msgs := b.BuildMessages(context.Background(), BuildInput{
		History:   history,
		Current:   "what now?",
		Namespace: "cli:direct",
	})

	if len(msgs) != 4 {
		t.Fatalf("len(msgs) = %d, want 4", len(msgs))
	}
	if msgs[0].Role != models.RoleSystem {
		t.Errorf("msgs[0].Role = %v, want system", msgs[0].Role)
	}
	if !strings.HasPrefix(msgs[0].Content, "You are Conduit.") {
		t.Errorf("system content does not start with the prompt: %q", msgs[0].Content)
	}
	if !strings.Contains(msgs[0].Content, "Current time:") {
		t.Errorf("system content missing current time: %q", msgs[0].Content)
	}
	if msgs[1].Content != "earlier question" || msgs[2].Content != "earlier answer" {
		t.Errorf("history not preserved verbatim: %q, %q", msgs[1].Content, msgs[2].Content)
	}
	if msgs[3].Role != models.RoleUser || msgs[3].Content != "what now?" {
		t.Errorf("msgs[3] = %+v, want current user turn", msgs[3])
	}
	if msgs[3].Timestamp.IsZero() {
		t.Error("current turn timestamp not set")
	}
}

func TestBuildMessagesDefaultPrompt(t *testing.T) {
	b := NewContextBuilder(ContextConfig{})

	msgs := b.BuildMessages(context.Background(), BuildInput{Current: "hi"})

	if !strings.HasPrefix(msgs[0].Content, defaultPrompt) {
		t.Errorf("system content = %q, want default prompt prefix", msgs[0].Content)
	}
}

func TestBuildMessagesChannelContext(t *testing.T) {
	b := NewContextBuilder(ContextConfig{Prompt: "p"})

	msgs := b.BuildMessages(context.Background(), BuildInput{
		Current:        "hi",
		ChannelContext: "alice: anyone around?",
	})

	if len(msgs) != 3 {
		t.Fatalf("len(msgs) = %d, want 3", len(msgs))
	}
	if msgs[1].Role != models.RoleSystem {
		t.Errorf("msgs[1].Role = %v, want system", msgs[1].Role)
	}
	if !strings.HasPrefix(msgs[1].Content, "[Channel context") {
		t.Errorf("channel context not tagged: %q", msgs[1].Content)
	}
	if !strings.Contains(msgs[1].Content, "alice: anyone around?") {
		t.Errorf("channel context body missing: %q", msgs[1].Content)
	}
}

func TestBuildMessagesMedia(t *testing.T) {
	b := NewContextBuilder(ContextConfig{Prompt: "p"})

	msgs := b.BuildMessages(context.Background(), BuildInput{
		Current: "look at this",
		Media:   []string{"/tmp/cat.png"},
	})

	last := msgs[len(msgs)-1]
	if last.Content != "look at this" {
		t.Errorf("Content = %q, want the user text", last.Content)
	}
	if len(last.Parts) != 1 {
		t.Fatalf("len(Parts) = %d, want 1", len(last.Parts))
	}
	if last.Parts[0].Type != "media" || last.Parts[0].MediaRef != "/tmp/cat.png" {
		t.Errorf("Parts[0] = %+v, want media part", last.Parts[0])
	}
	// The text lives only in Content; a text part here would make
	// providers render the message twice.
	for _, part := range last.Parts {
		if part.Type == "text" {
			t.Errorf("Parts carries text %q duplicating Content", part.Text)
		}
	}
}

func TestBuildMessagesRecall(t *testing.T) {
	store := newFakeVectorStore()
	store.results["user"] = []models.SearchResult{
		{Entry: models.MemoryEntry{Namespace: "user", Text: "User prefers short answers"}, Score: 0.9},
	}
	searcher := memory.NewSearcher(fakeEmbedder{}, store, nil)
	b := NewContextBuilder(ContextConfig{Prompt: "p", Searcher: searcher})

	msgs := b.BuildMessages(context.Background(), BuildInput{
		Current:   "remind me of my preferences",
		Namespace: "slack:C1",
	})

	if !strings.Contains(msgs[0].Content, "# Relevant Memories") {
		t.Fatalf("system content missing recall block: %q", msgs[0].Content)
	}
	if !strings.Contains(msgs[0].Content, "User prefers short answers") {
		t.Errorf("recalled memory missing: %q", msgs[0].Content)
	}

	want := []string{"slack:C1", "user", "learnings", "tools"}
	got := store.searchedNamespaces()
	if len(got) != len(want) {
		t.Fatalf("searched namespaces = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("searched[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestBuildMessagesRecallEmpty(t *testing.T) {
	searcher := memory.NewSearcher(fakeEmbedder{}, newFakeVectorStore(), nil)
	b := NewContextBuilder(ContextConfig{Prompt: "p", Searcher: searcher})

	msgs := b.BuildMessages(context.Background(), BuildInput{Current: "hi", Namespace: "cli:direct"})

	if strings.Contains(msgs[0].Content, "# Relevant Memories") {
		t.Errorf("recall block present with no results: %q", msgs[0].Content)
	}
}

func TestBuildMessagesCoreMemory(t *testing.T) {
	core, err := memory.NewCoreMemory(filepath.Join(t.TempDir(), "core.md"))
	if err != nil {
		t.Fatalf("NewCoreMemory() error = %v", err)
	}
	if err := core.Update("persona", "Terse and direct."); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	b := NewContextBuilder(ContextConfig{Prompt: "p", Core: core})

	msgs := b.BuildMessages(context.Background(), BuildInput{Current: "hi"})

	if !strings.Contains(msgs[0].Content, "# Core Memory") {
		t.Errorf("system content missing core memory: %q", msgs[0].Content)
	}
	if !strings.Contains(msgs[0].Content, "Terse and direct.") {
		t.Errorf("core memory content missing: %q", msgs[0].Content)
	}
}

func TestSetPromptTakesEffect(t *testing.T) {
	b := NewContextBuilder(ContextConfig{Prompt: "old prompt"})
	b.SetPrompt("new prompt")

	msgs := b.BuildMessages(context.Background(), BuildInput{Current: "hi"})

	if !strings.HasPrefix(msgs[0].Content, "new prompt") {
		t.Errorf("system content = %q, want new prompt", msgs[0].Content)
	}
}

func TestAddAssistantMessageWiresCalls(t *testing.T) {
	calls := []models.ToolCall{{ID: "call_1", Name: "exec", Arguments: map[string]any{"command": "ls"}}}

	msgs := AddAssistantMessage(nil, "", calls)

	if len(msgs) != 1 {
		t.Fatalf("len(msgs) = %d, want 1", len(msgs))
	}
	turn := msgs[0]
	if !turn.HasToolCalls() {
		t.Fatal("assistant turn has no tool calls")
	}
	if turn.ToolCalls[0].ID != "call_1" || turn.ToolCalls[0].Function.Name != "exec" {
		t.Errorf("wire call = %+v, want call_1/exec", turn.ToolCalls[0])
	}
	if turn.ToolCalls[0].Function.Arguments != `{"command":"ls"}` {
		t.Errorf("arguments = %q, want JSON string", turn.ToolCalls[0].Function.Arguments)
	}
	if turn.Timestamp.IsZero() {
		t.Error("timestamp not set")
	}
}

func TestAddToolResultPairsWithCall(t *testing.T) {
	msgs := AddToolResult(nil, "call_1", "exec", "file.txt")

	turn := msgs[0]
	if turn.Role != models.RoleTool || turn.ToolCallID != "call_1" || turn.Name != "exec" || turn.Content != "file.txt" {
		t.Errorf("tool turn = %+v, want paired result", turn)
	}
	if turn.Timestamp.IsZero() {
		t.Error("timestamp not set")
	}
}
