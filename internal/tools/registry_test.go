package tools

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

// fakeTool is a minimal Tool for registry tests.
type fakeTool struct {
	name   string
	desc   string
	schema string
	run    func(ctx context.Context, args map[string]any) (string, error)
}

func (f *fakeTool) Name() string        { return f.name }
func (f *fakeTool) Description() string { return f.desc }
func (f *fakeTool) Schema() json.RawMessage {
	if f.schema == "" {
		return json.RawMessage(`{"type":"object","properties":{}}`)
	}
	return json.RawMessage(f.schema)
}
func (f *fakeTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	if f.run != nil {
		return f.run(ctx, args)
	}
	return "ok", nil
}

func TestRegistry_RegisterAndExecute(t *testing.T) {
	r := NewRegistry(nil)
	r.Register(&fakeTool{name: "echo", run: func(_ context.Context, args map[string]any) (string, error) {
		text, _ := args["text"].(string)
		return text, nil
	}})

	got := r.Execute(context.Background(), "echo", map[string]any{"text": "hello"})
	if got != "hello" {
		t.Errorf("Execute() = %q, want %q", got, "hello")
	}
}

func TestRegistry_MissingTool(t *testing.T) {
	r := NewRegistry(nil)

	got := r.Execute(context.Background(), "nope", nil)
	if got != "Error: tool not found: nope" {
		t.Errorf("Execute() = %q, want missing-tool error string", got)
	}
}

func TestRegistry_ToolErrorBecomesString(t *testing.T) {
	r := NewRegistry(nil)
	r.Register(&fakeTool{name: "boom", run: func(_ context.Context, _ map[string]any) (string, error) {
		return "", errors.New("exploded")
	}})

	got := r.Execute(context.Background(), "boom", nil)
	if got != "Error: exploded" {
		t.Errorf("Execute() = %q, want %q", got, "Error: exploded")
	}
}

func TestRegistry_SchemaValidation(t *testing.T) {
	schema := `{
		"type": "object",
		"properties": {"count": {"type": "integer"}},
		"required": ["count"]
	}`
	r := NewRegistry(nil)
	r.Register(&fakeTool{name: "counter", schema: schema})

	t.Run("valid arguments dispatch", func(t *testing.T) {
		got := r.Execute(context.Background(), "counter", map[string]any{"count": 3})
		if got != "ok" {
			t.Errorf("Execute() = %q, want %q", got, "ok")
		}
	})

	t.Run("missing required field rejected", func(t *testing.T) {
		got := r.Execute(context.Background(), "counter", map[string]any{})
		if !strings.HasPrefix(got, "Error: invalid arguments for tool 'counter'") {
			t.Errorf("Execute() = %q, want invalid-arguments error", got)
		}
	})

	t.Run("wrong type rejected", func(t *testing.T) {
		got := r.Execute(context.Background(), "counter", map[string]any{"count": "three"})
		if !strings.HasPrefix(got, "Error: invalid arguments for tool 'counter'") {
			t.Errorf("Execute() = %q, want invalid-arguments error", got)
		}
	})
}

func TestRegistry_InvalidSchemaDisablesValidation(t *testing.T) {
	r := NewRegistry(nil)
	r.Register(&fakeTool{name: "loose", schema: `{not json`})

	// Dispatch still works; the bad schema just skips validation.
	got := r.Execute(context.Background(), "loose", map[string]any{"anything": true})
	if got != "ok" {
		t.Errorf("Execute() = %q, want %q", got, "ok")
	}
}

func TestRegistry_LastRegistrationWins(t *testing.T) {
	r := NewRegistry(nil)
	r.Register(&fakeTool{name: "dup", run: func(_ context.Context, _ map[string]any) (string, error) {
		return "first", nil
	}})
	r.Register(&fakeTool{name: "dup", run: func(_ context.Context, _ map[string]any) (string, error) {
		return "second", nil
	}})

	if got := r.Execute(context.Background(), "dup", nil); got != "second" {
		t.Errorf("Execute() = %q, want %q", got, "second")
	}
}

func TestRegistry_Definitions(t *testing.T) {
	r := NewRegistry(nil)
	r.Register(&fakeTool{name: "zeta", desc: "last"})
	r.Register(&fakeTool{name: "alpha", desc: "first"})

	defs := r.Definitions()
	if len(defs) != 2 {
		t.Fatalf("len(Definitions()) = %d, want 2", len(defs))
	}
	if defs[0].Function.Name != "alpha" || defs[1].Function.Name != "zeta" {
		t.Errorf("definitions not sorted by name: %q, %q", defs[0].Function.Name, defs[1].Function.Name)
	}
	if defs[0].Type != "function" {
		t.Errorf("Type = %q, want %q", defs[0].Type, "function")
	}
	if defs[0].Function.Description != "first" {
		t.Errorf("Description = %q, want %q", defs[0].Function.Description, "first")
	}
}

func TestRegistry_CloneWithout(t *testing.T) {
	r := NewRegistry(nil)
	r.Register(&fakeTool{name: "message"})
	r.Register(&fakeTool{name: "spawn"})
	r.Register(&fakeTool{name: "exec"})

	restricted := r.CloneWithout("message", "spawn")

	if _, ok := restricted.Get("exec"); !ok {
		t.Error("exec should remain in restricted registry")
	}
	if _, ok := restricted.Get("message"); ok {
		t.Error("message should be excluded from restricted registry")
	}
	if _, ok := restricted.Get("spawn"); ok {
		t.Error("spawn should be excluded from restricted registry")
	}

	// The original registry is untouched.
	if _, ok := r.Get("message"); !ok {
		t.Error("message should remain in the original registry")
	}
}

func TestRegistry_Names(t *testing.T) {
	r := NewRegistry(nil)
	r.Register(&fakeTool{name: "b"})
	r.Register(&fakeTool{name: "a"})

	names := r.Names()
	if len(names) != 2 || names[0] != "a" || names[1] != "b" {
		t.Errorf("Names() = %v, want [a b]", names)
	}
}

func TestRoute_ContextRoundTrip(t *testing.T) {
	t.Run("set and get", func(t *testing.T) {
		ctx := WithRoute(context.Background(), Route{Channel: "cli", ChatID: "direct"})
		route, ok := RouteFrom(ctx)
		if !ok {
			t.Fatal("RouteFrom() not found")
		}
		if route.Channel != "cli" || route.ChatID != "direct" {
			t.Errorf("RouteFrom() = %+v, want {cli direct}", route)
		}
	})

	t.Run("absent", func(t *testing.T) {
		if _, ok := RouteFrom(context.Background()); ok {
			t.Error("RouteFrom() should report absence on empty context")
		}
	})
}
