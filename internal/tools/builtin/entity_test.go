package builtin

import (
	"context"
	"strings"
	"testing"

	"github.com/meridianhq/conduit/internal/memory"
)

func newEntityTool(t *testing.T) *EntityTool {
	t.Helper()
	store, err := memory.NewEntityStore("", nil)
	if err != nil {
		t.Fatalf("NewEntityStore() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return NewEntityTool(store)
}

func TestEntityTool(t *testing.T) {
	t.Run("upsert then get", func(t *testing.T) {
		tool := newEntityTool(t)
		got, err := tool.Execute(context.Background(), map[string]any{
			"action":      "upsert",
			"name":        "Ada",
			"entity_type": "person",
			"attributes":  map[string]any{"editor": "helix"},
		})
		if err != nil {
			t.Fatalf("Execute() error = %v", err)
		}
		if got != "Recorded entity 'Ada' (person)." {
			t.Errorf("Execute() = %q, want upsert confirmation", got)
		}

		got, err = tool.Execute(context.Background(), map[string]any{"action": "get", "name": "Ada"})
		if err != nil {
			t.Fatalf("Execute() error = %v", err)
		}
		if !strings.Contains(got, "Ada (person)") || !strings.Contains(got, `"editor":"helix"`) {
			t.Errorf("Execute() = %q, want entity with attributes", got)
		}
	})

	t.Run("relate and render directions", func(t *testing.T) {
		tool := newEntityTool(t)
		got, err := tool.Execute(context.Background(), map[string]any{
			"action": "relate", "source": "Ada", "relation": "works_on", "target": "conduit",
		})
		if err != nil {
			t.Fatalf("Execute() error = %v", err)
		}
		if got != "Recorded relation: Ada works_on conduit." {
			t.Errorf("Execute() = %q, want relation confirmation", got)
		}

		got, _ = tool.Execute(context.Background(), map[string]any{
			"action": "relate", "source": "Ada", "relation": "works_on", "target": "conduit",
		})
		if !strings.Contains(got, "already recorded") {
			t.Errorf("Execute() = %q, want duplicate notice", got)
		}

		got, err = tool.Execute(context.Background(), map[string]any{"action": "get", "name": "Ada"})
		if err != nil {
			t.Fatalf("Execute() error = %v", err)
		}
		if !strings.Contains(got, "-> works_on conduit") {
			t.Errorf("Execute() = %q, want outgoing relation", got)
		}

		got, err = tool.Execute(context.Background(), map[string]any{"action": "get", "name": "conduit"})
		if err != nil {
			t.Fatalf("Execute() error = %v", err)
		}
		if !strings.Contains(got, "<- Ada works_on") {
			t.Errorf("Execute() = %q, want incoming relation", got)
		}
	})

	t.Run("search matches substring", func(t *testing.T) {
		tool := newEntityTool(t)
		for _, name := range []string{"conduit", "conduit-docs", "other"} {
			if _, err := tool.Execute(context.Background(), map[string]any{
				"action": "upsert", "name": name, "entity_type": "project",
			}); err != nil {
				t.Fatalf("Execute() error = %v", err)
			}
		}
		got, err := tool.Execute(context.Background(), map[string]any{"action": "search", "query": "conduit"})
		if err != nil {
			t.Fatalf("Execute() error = %v", err)
		}
		if !strings.HasPrefix(got, "Found 2 entities:") {
			t.Errorf("Execute() = %q, want two matches", got)
		}
		if strings.Contains(got, "other") {
			t.Errorf("Execute() = %q, matched unrelated entity", got)
		}
	})

	t.Run("remove", func(t *testing.T) {
		tool := newEntityTool(t)
		if _, err := tool.Execute(context.Background(), map[string]any{
			"action": "upsert", "name": "temp", "entity_type": "note",
		}); err != nil {
			t.Fatalf("Execute() error = %v", err)
		}
		got, err := tool.Execute(context.Background(), map[string]any{"action": "remove", "name": "temp"})
		if err != nil {
			t.Fatalf("Execute() error = %v", err)
		}
		if got != "Removed entity 'temp' and its relations." {
			t.Errorf("Execute() = %q, want removal confirmation", got)
		}

		got, _ = tool.Execute(context.Background(), map[string]any{"action": "remove", "name": "temp"})
		if got != "No entity found named: temp" {
			t.Errorf("Execute() = %q, want missing notice", got)
		}
	})

	t.Run("missing entity", func(t *testing.T) {
		tool := newEntityTool(t)
		got, err := tool.Execute(context.Background(), map[string]any{"action": "get", "name": "nobody"})
		if err != nil {
			t.Fatalf("Execute() error = %v", err)
		}
		if got != "No entity found named: nobody" {
			t.Errorf("Execute() = %q, want missing notice", got)
		}
	})

	t.Run("nil store", func(t *testing.T) {
		tool := NewEntityTool(nil)
		got, err := tool.Execute(context.Background(), map[string]any{"action": "get", "name": "x"})
		if err != nil {
			t.Fatalf("Execute() error = %v", err)
		}
		if !strings.Contains(got, "not available") {
			t.Errorf("Execute() = %q, want unavailable notice", got)
		}
	})

	t.Run("unknown action", func(t *testing.T) {
		tool := newEntityTool(t)
		got, _ := tool.Execute(context.Background(), map[string]any{"action": "rename"})
		if !strings.HasPrefix(got, "Error: unknown action") {
			t.Errorf("Execute() = %q, want unknown action error", got)
		}
	})
}
