package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/meridianhq/conduit/internal/subagent"
	"github.com/meridianhq/conduit/internal/tools"
	"github.com/meridianhq/conduit/pkg/models"
)

// originFrom resolves the conversation a spawned subagent should
// announce back to. Requests with no route land on the console.
func originFrom(ctx context.Context) models.Origin {
	route, ok := tools.RouteFrom(ctx)
	if !ok || route.Channel == "" || route.ChatID == "" {
		return models.Origin{Channel: "cli", ChatID: "direct"}
	}
	return models.Origin{Channel: route.Channel, ChatID: route.ChatID}
}

// SpawnTool starts a background subagent. The result is announced to
// the originating conversation when the subagent finishes.
type SpawnTool struct {
	manager *subagent.Manager
}

// NewSpawnTool creates a spawn tool backed by the given manager.
func NewSpawnTool(m *subagent.Manager) *SpawnTool {
	return &SpawnTool{manager: m}
}

func (t *SpawnTool) Name() string { return "spawn" }

func (t *SpawnTool) Description() string {
	return "Spawn a background subagent to handle a complex task independently. " +
		"Use this when a task will take a while or needs many tool calls. " +
		"The subagent completes the task and you are notified with the result."
}

func (t *SpawnTool) Schema() json.RawMessage {
	return mustSchema(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"task": map[string]any{
				"type":        "string",
				"description": "The task for the subagent to complete.",
			},
			"label": map[string]any{
				"type":        "string",
				"description": "Optional short label for the task (for display).",
			},
		},
		"required": []string{"task"},
	})
}

func (t *SpawnTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	var input struct {
		Task  string `json:"task"`
		Label string `json:"label"`
	}
	if err := decode(args, &input); err != nil {
		return fmt.Sprintf("Error: invalid parameters: %v", err), nil
	}
	if strings.TrimSpace(input.Task) == "" {
		return "Error: task is required", nil
	}
	if t.manager == nil {
		return "Error: subagent manager is not available", nil
	}
	return t.manager.Spawn(ctx, input.Task, input.Label, originFrom(ctx)), nil
}

// SpawnBatchTool runs several subagents concurrently and blocks until
// all finish, returning the combined report.
type SpawnBatchTool struct {
	manager *subagent.Manager
}

// NewSpawnBatchTool creates a spawn_batch tool backed by the given manager.
func NewSpawnBatchTool(m *subagent.Manager) *SpawnBatchTool {
	return &SpawnBatchTool{manager: m}
}

func (t *SpawnBatchTool) Name() string { return "spawn_batch" }

func (t *SpawnBatchTool) Description() string {
	return "Spawn multiple subagents to work on tasks in parallel. " +
		"Results are collected and returned together. Use for batch " +
		"operations like researching multiple topics or processing multiple items."
}

func (t *SpawnBatchTool) Schema() json.RawMessage {
	return mustSchema(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"tasks": map[string]any{
				"type":        "array",
				"description": "List of tasks to execute in parallel.",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"task": map[string]any{
							"type":        "string",
							"description": "The task description.",
						},
						"label": map[string]any{
							"type":        "string",
							"description": "Short label for display.",
						},
					},
					"required": []string{"task"},
				},
				"minItems": 1,
				"maxItems": 10,
			},
			"timeout_s": map[string]any{
				"type":        "integer",
				"description": "Seconds to wait for the whole batch (default: 300).",
				"minimum":     1,
			},
		},
		"required": []string{"tasks"},
	})
}

func (t *SpawnBatchTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	var input struct {
		Tasks []struct {
			Task  string `json:"task"`
			Label string `json:"label"`
		} `json:"tasks"`
		TimeoutS int `json:"timeout_s"`
	}
	if err := decode(args, &input); err != nil {
		return fmt.Sprintf("Error: invalid parameters: %v", err), nil
	}
	if len(input.Tasks) == 0 {
		return "Error: tasks is required", nil
	}
	if t.manager == nil {
		return "Error: subagent manager is not available", nil
	}

	entries := make([]subagent.BatchEntry, 0, len(input.Tasks))
	for _, task := range input.Tasks {
		if strings.TrimSpace(task.Task) == "" {
			return "Error: every batch entry needs a task", nil
		}
		entries = append(entries, subagent.BatchEntry{Task: task.Task, Label: task.Label})
	}
	timeout := time.Duration(input.TimeoutS) * time.Second
	return t.manager.SpawnBatch(ctx, entries, originFrom(ctx), timeout), nil
}

// SubagentStatusTool reports slot usage and the labels of running
// subagents.
type SubagentStatusTool struct {
	manager *subagent.Manager
}

// NewSubagentStatusTool creates a subagent_status tool.
func NewSubagentStatusTool(m *subagent.Manager) *SubagentStatusTool {
	return &SubagentStatusTool{manager: m}
}

func (t *SubagentStatusTool) Name() string { return "subagent_status" }

func (t *SubagentStatusTool) Description() string {
	return "Show subagent capacity and the tasks currently running in the background."
}

func (t *SubagentStatusTool) Schema() json.RawMessage {
	return mustSchema(map[string]any{
		"type":       "object",
		"properties": map[string]any{},
	})
}

func (t *SubagentStatusTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	if t.manager == nil {
		return "Error: subagent manager is not available", nil
	}
	capacity := t.manager.Capacity()
	running := t.manager.Running()

	var b strings.Builder
	fmt.Fprintf(&b, "Subagent slots: %d/%d in use (%d available)", capacity.Running, capacity.Max, capacity.Available)
	if len(running) == 0 {
		b.WriteString("\nNo subagents running.")
		return b.String(), nil
	}
	b.WriteString("\nRunning:")
	for _, rec := range running {
		fmt.Fprintf(&b, "\n- [%s] %s", rec.Label, rec.TaskID)
	}
	return b.String(), nil
}
