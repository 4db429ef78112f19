package session

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/meridianhq/conduit/pkg/models"
)

func TestCompactor_BelowThresholdUnchanged(t *testing.T) {
	c := NewCompactor(CompactorConfig{}, nil)
	turns := alternatingTurns(20)

	got := c.Compact(context.Background(), turns)
	if len(got) != 20 {
		t.Fatalf("len = %d, want 20", len(got))
	}
	for i := range got {
		if got[i].Content != turns[i].Content {
			t.Errorf("turn %d changed: %q", i, got[i].Content)
		}
	}
}

func TestCompactor_LayeredStructure(t *testing.T) {
	c := NewCompactor(CompactorConfig{}, nil)
	turns := alternatingTurns(60)
	// Seed the old layer with a declarative statement and the middle
	// layer with a question so both recall sections appear.
	turns[0].Content = "My name is Alice and I prefer tabs over spaces."
	turns[20].Content = "How should we structure the ingestion pipeline for this project?"

	got := c.Compact(context.Background(), turns)

	// 16 recent turns plus one synthetic recall turn.
	if len(got) != 17 {
		t.Fatalf("len = %d, want 17", len(got))
	}
	recall := got[0]
	if recall.Role != models.RoleAssistant {
		t.Errorf("recall role = %q, want assistant", recall.Role)
	}
	if !strings.HasPrefix(recall.Content, "[Recalling from earlier in our conversation]") {
		t.Errorf("recall content lacks prefix: %q", recall.Content)
	}
	if !strings.Contains(recall.Content, "Key facts:") {
		t.Errorf("recall content lacks key facts section: %q", recall.Content)
	}
	if !strings.Contains(recall.Content, "- My name is Alice and I prefer tabs over spaces") {
		t.Errorf("recall content lacks extracted fact: %q", recall.Content)
	}
	if !strings.Contains(recall.Content, "Recent discussion summary:") {
		t.Errorf("recall content lacks summary section: %q", recall.Content)
	}
	if !strings.Contains(recall.Content, "How should we structure the ingestion pipeline for this project?") {
		t.Errorf("recall content lacks user question: %q", recall.Content)
	}

	// Recent layer is the last 16 turns verbatim.
	for i := 0; i < 16; i++ {
		want := turns[44+i].Content
		if got[i+1].Content != want {
			t.Errorf("recent turn %d = %q, want %q", i, got[i+1].Content, want)
		}
	}
}

func TestCompactor_SecondPassStable(t *testing.T) {
	c := NewCompactor(CompactorConfig{}, nil)
	turns := alternatingTurns(60)

	once := c.Compact(context.Background(), turns)
	twice := c.Compact(context.Background(), once)
	if len(twice) != len(once) {
		t.Fatalf("second pass changed length: %d, want %d", len(twice), len(once))
	}
	for i := range once {
		if twice[i].Content != once[i].Content {
			t.Errorf("turn %d changed on second pass", i)
		}
	}
}

func TestCompactor_NeverSplitsToolExchange(t *testing.T) {
	c := NewCompactor(CompactorConfig{}, nil)

	turns := alternatingTurns(60)
	// Place a tool exchange straddling the default recent boundary
	// (last 16 turns of 60, so index 44). The assistant turn carrying
	// the calls sits at 43 with its tool results at 44 and 45.
	turns[43] = models.Turn{
		Role: models.RoleAssistant,
		ToolCalls: []models.WireToolCall{
			{ID: "c1", Type: "function", Function: models.WireFunction{Name: "exec", Arguments: "{}"}},
			{ID: "c2", Type: "function", Function: models.WireFunction{Name: "exec", Arguments: "{}"}},
		},
	}
	turns[44] = models.Turn{Role: models.RoleTool, ToolCallID: "c1", Name: "exec", Content: "ok"}
	turns[45] = models.Turn{Role: models.RoleTool, ToolCallID: "c2", Name: "exec", Content: "ok"}

	got := c.Compact(context.Background(), turns)

	// Every tool turn must be preceded, somewhere earlier, by the
	// assistant turn that issued its call.
	issued := map[string]bool{}
	for _, turn := range got {
		for _, call := range turn.ToolCalls {
			issued[call.ID] = true
		}
		if turn.Role == models.RoleTool && !issued[turn.ToolCallID] {
			t.Fatalf("tool turn %q has no preceding assistant call", turn.ToolCallID)
		}
	}

	// The boundary widened, so the exchange head is inside the kept
	// suffix rather than summarized away.
	found := false
	for _, turn := range got {
		if turn.HasToolCalls() {
			found = true
			break
		}
	}
	if !found {
		t.Error("assistant turn with tool calls was dropped")
	}
}

func TestCompactor_SummaryFallback(t *testing.T) {
	// Middle turns with no questions or long conclusions still produce
	// a summary section.
	turns := make([]models.Turn, 0, 30)
	for i := 0; i < 30; i++ {
		role := models.RoleUser
		if i%2 == 1 {
			role = models.RoleAssistant
		}
		turns = append(turns, models.Turn{Role: role, Content: "ok"})
	}
	if got := summarize(turns); got != "General discussion continued" {
		t.Errorf("summarize = %q, want fallback", got)
	}
}

func alternatingTurns(n int) []models.Turn {
	turns := make([]models.Turn, 0, n)
	for i := 0; i < n; i++ {
		if i%2 == 0 {
			turns = append(turns, models.Turn{Role: models.RoleUser, Content: fmt.Sprintf("user turn %d", i)})
		} else {
			turns = append(turns, models.Turn{Role: models.RoleAssistant, Content: fmt.Sprintf("assistant turn %d", i)})
		}
	}
	return turns
}
