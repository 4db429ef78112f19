package providers

import (
	"encoding/json"
	"testing"

	openai "github.com/sashabaranov/go-openai"

	"github.com/meridianhq/conduit/pkg/models"
)

func TestConvertToOpenAIMessages(t *testing.T) {
	t.Run("text turns stay plain", func(t *testing.T) {
		msgs := convertToOpenAIMessages([]models.Turn{
			{Role: models.RoleSystem, Content: "You are helpful."},
			{Role: models.RoleUser, Content: "hello"},
			{Role: models.RoleAssistant, Content: "hi there"},
		})
		if len(msgs) != 3 {
			t.Fatalf("len(msgs) = %d, want 3", len(msgs))
		}
		if msgs[0].Role != "system" || msgs[0].Content != "You are helpful." {
			t.Errorf("system message = %+v", msgs[0])
		}
		if msgs[1].MultiContent != nil {
			t.Errorf("text-only user turn got MultiContent %+v", msgs[1].MultiContent)
		}
		if msgs[2].Content != "hi there" {
			t.Errorf("assistant content = %q, want %q", msgs[2].Content, "hi there")
		}
	})

	t.Run("tool turn becomes tool message", func(t *testing.T) {
		msgs := convertToOpenAIMessages([]models.Turn{
			{Role: models.RoleTool, Content: "total 4", ToolCallID: "call_1", Name: "exec"},
		})
		if len(msgs) != 1 {
			t.Fatalf("len(msgs) = %d, want 1", len(msgs))
		}
		got := msgs[0]
		if got.Role != "tool" {
			t.Errorf("Role = %q, want %q", got.Role, "tool")
		}
		if got.ToolCallID != "call_1" {
			t.Errorf("ToolCallID = %q, want %q", got.ToolCallID, "call_1")
		}
		if got.Name != "exec" {
			t.Errorf("Name = %q, want %q", got.Name, "exec")
		}
		if got.Content != "total 4" {
			t.Errorf("Content = %q, want %q", got.Content, "total 4")
		}
	})

	t.Run("assistant tool calls keep wire arguments", func(t *testing.T) {
		call := models.ToolCall{ID: "call_7", Name: "exec", Arguments: map[string]any{"command": "ls"}}
		msgs := convertToOpenAIMessages([]models.Turn{
			{Role: models.RoleAssistant, Content: "", ToolCalls: []models.WireToolCall{call.Wire()}},
		})
		if len(msgs) != 1 {
			t.Fatalf("len(msgs) = %d, want 1", len(msgs))
		}
		if len(msgs[0].ToolCalls) != 1 {
			t.Fatalf("len(ToolCalls) = %d, want 1", len(msgs[0].ToolCalls))
		}
		tc := msgs[0].ToolCalls[0]
		if tc.ID != "call_7" {
			t.Errorf("ID = %q, want %q", tc.ID, "call_7")
		}
		if tc.Type != openai.ToolTypeFunction {
			t.Errorf("Type = %q, want %q", tc.Type, openai.ToolTypeFunction)
		}
		if tc.Function.Name != "exec" {
			t.Errorf("Function.Name = %q, want %q", tc.Function.Name, "exec")
		}
		var args map[string]any
		if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
			t.Fatalf("arguments did not round-trip: %v", err)
		}
		if args["command"] != "ls" {
			t.Errorf("args[command] = %v, want %q", args["command"], "ls")
		}
	})

	t.Run("media parts become image urls", func(t *testing.T) {
		msgs := convertToOpenAIMessages([]models.Turn{
			{
				Role:    models.RoleUser,
				Content: "what is in this picture?",
				Parts: []models.ContentPart{
					{Type: "media", MediaRef: "https://example.com/cat.png"},
				},
			},
		})
		if len(msgs) != 1 {
			t.Fatalf("len(msgs) = %d, want 1", len(msgs))
		}
		parts := msgs[0].MultiContent
		if len(parts) != 2 {
			t.Fatalf("len(MultiContent) = %d, want 2", len(parts))
		}
		if parts[0].Type != openai.ChatMessagePartTypeText || parts[0].Text != "what is in this picture?" {
			t.Errorf("text part = %+v", parts[0])
		}
		if parts[1].Type != openai.ChatMessagePartTypeImageURL {
			t.Fatalf("part type = %q, want image_url", parts[1].Type)
		}
		if parts[1].ImageURL.URL != "https://example.com/cat.png" {
			t.Errorf("image url = %q, want %q", parts[1].ImageURL.URL, "https://example.com/cat.png")
		}
		if msgs[0].Content != "" {
			t.Errorf("Content = %q, want empty when MultiContent is set", msgs[0].Content)
		}
	})
}

func TestConvertToOpenAITools(t *testing.T) {
	schema := json.RawMessage(`{"type":"object","properties":{"command":{"type":"string"}},"required":["command"]}`)
	tools := convertToOpenAITools([]models.ToolDefinition{
		{Type: "function", Function: models.FunctionDefinition{
			Name:        "exec",
			Description: "Run a shell command",
			Parameters:  schema,
		}},
		{Type: "function", Function: models.FunctionDefinition{
			Name:       "broken",
			Parameters: json.RawMessage(`{not json`),
		}},
	})
	if len(tools) != 2 {
		t.Fatalf("len(tools) = %d, want 2", len(tools))
	}
	if tools[0].Function.Name != "exec" {
		t.Errorf("Name = %q, want %q", tools[0].Function.Name, "exec")
	}
	if tools[0].Function.Description != "Run a shell command" {
		t.Errorf("Description = %q", tools[0].Function.Description)
	}
	params, ok := tools[0].Function.Parameters.(map[string]any)
	if !ok {
		t.Fatalf("Parameters type = %T, want map", tools[0].Function.Parameters)
	}
	if params["type"] != "object" {
		t.Errorf("schema type = %v, want object", params["type"])
	}

	// A schema that fails to parse degrades to an empty object schema
	// instead of poisoning the request.
	fallback, ok := tools[1].Function.Parameters.(map[string]any)
	if !ok {
		t.Fatalf("fallback Parameters type = %T, want map", tools[1].Function.Parameters)
	}
	if fallback["type"] != "object" {
		t.Errorf("fallback schema type = %v, want object", fallback["type"])
	}
}
