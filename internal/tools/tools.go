// Package tools provides the tool registry that the agent loop
// dispatches LM tool calls through, plus the per-request routing
// context tools use to reach the originating conversation.
package tools

import (
	"context"
	"encoding/json"

	"github.com/meridianhq/conduit/pkg/models"
)

// Tool is a capability the LM can invoke. Execute returns the result
// text shown to the LM; an error return is converted to an error
// string by the registry so it round-trips as a tool result rather
// than aborting the loop.
type Tool interface {
	// Name returns the unique tool identifier, e.g. "exec".
	Name() string

	// Description tells the LM what the tool does.
	Description() string

	// Schema returns the JSON-schema object describing the tool's
	// parameters.
	Schema() json.RawMessage

	// Execute runs the tool with already-parsed arguments.
	Execute(ctx context.Context, args map[string]any) (string, error)
}

// Definition converts a tool to the wire shape advertised to the LM.
func Definition(t Tool) models.ToolDefinition {
	return models.ToolDefinition{
		Type: "function",
		Function: models.FunctionDefinition{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Schema(),
		},
	}
}
