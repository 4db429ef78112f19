package subagent

import (
	"context"
	"encoding/json"
	"fmt"
)

// proofTool is registered into a subagent's restricted registry when
// a run registry tracks its task. Submitting proof marks the task
// completed.
type proofTool struct {
	registry *RunRegistry
	taskID   string
}

func (t *proofTool) Name() string { return "submit_proof" }

func (t *proofTool) Description() string {
	return "Submit verifiable evidence that your task is done: a commit hash, file path, command outcome, test counts, or PR URL. Call this once, before your final report."
}

func (t *proofTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"kind": {
				"type": "string",
				"enum": ["git", "file", "command", "test", "pr"],
				"description": "What kind of evidence this is"
			},
			"detail": {
				"type": "object",
				"description": "Evidence fields, e.g. {\"commit\": \"abc123\"} or {\"path\": \"out.txt\", \"summary\": \"...\"}"
			}
		},
		"required": ["kind"]
	}`)
}

func (t *proofTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	kind, _ := args["kind"].(string)
	detail, _ := args["detail"].(map[string]any)

	if err := t.registry.SubmitProof(t.taskID, Proof{Kind: kind, Detail: detail}); err != nil {
		return "", err
	}
	return fmt.Sprintf("Proof recorded for task %s.", t.taskID), nil
}
