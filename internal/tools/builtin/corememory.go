package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/meridianhq/conduit/internal/memory"
)

// CoreMemoryTool reads and edits the persistent scratchpad injected
// into every system prompt.
type CoreMemoryTool struct {
	core *memory.CoreMemory
}

// NewCoreMemoryTool creates a core_memory tool over the given
// scratchpad.
func NewCoreMemoryTool(core *memory.CoreMemory) *CoreMemoryTool {
	return &CoreMemoryTool{core: core}
}

func (t *CoreMemoryTool) Name() string { return "core_memory" }

func (t *CoreMemoryTool) Description() string {
	return "Read or edit your core memory scratchpad. It is always visible in your system prompt; " +
		"keep durable notes there (user preferences, ongoing projects). The whole pad is limited to 2000 characters."
}

func (t *CoreMemoryTool) Schema() json.RawMessage {
	return mustSchema(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"action": map[string]any{
				"type":        "string",
				"enum":        []string{"read", "write", "append"},
				"description": "read returns the pad (or one section); write replaces a section; append adds to it.",
			},
			"section": map[string]any{
				"type":        "string",
				"description": "Section name, e.g. 'user' or 'tasks'. Optional for read.",
			},
			"content": map[string]any{
				"type":        "string",
				"description": "Content for write and append.",
			},
		},
		"required": []string{"action"},
	})
}

func (t *CoreMemoryTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	var input struct {
		Action  string `json:"action"`
		Section string `json:"section"`
		Content string `json:"content"`
	}
	if err := decode(args, &input); err != nil {
		return fmt.Sprintf("Error: invalid parameters: %v", err), nil
	}
	if t.core == nil {
		return "Core memory is not available.", nil
	}

	action := strings.ToLower(strings.TrimSpace(input.Action))
	section := strings.TrimSpace(input.Section)

	switch action {
	case "read":
		if section != "" {
			content := t.core.Read(section)
			if content == "" {
				return fmt.Sprintf("Section '%s' is empty.", section), nil
			}
			return content, nil
		}
		if t.core.IsEmpty() {
			return "Core memory is empty.", nil
		}
		return t.core.Render(), nil

	case "write":
		if section == "" {
			return "Error: section is required", nil
		}
		if strings.TrimSpace(input.Content) == "" {
			return "Error: content is required", nil
		}
		if err := t.core.Update(section, input.Content); err != nil {
			return fmt.Sprintf("Error: %v", err), nil
		}
		return fmt.Sprintf("Updated core memory section '%s'.", section), nil

	case "append":
		if section == "" {
			return "Error: section is required", nil
		}
		if strings.TrimSpace(input.Content) == "" {
			return "Error: content is required", nil
		}
		if err := t.core.Append(section, input.Content); err != nil {
			return fmt.Sprintf("Error: %v", err), nil
		}
		return fmt.Sprintf("Appended to core memory section '%s'.", section), nil

	default:
		return fmt.Sprintf("Error: unknown action: %s (use read, write, or append)", input.Action), nil
	}
}
