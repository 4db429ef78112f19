package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	mcpgo "github.com/mark3labs/mcp-go/mcp"
)

// toolCaller is the slice of the MCP client the bridge needs.
type toolCaller interface {
	CallTool(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error)
}

// bridgeTool exposes one remote MCP tool through the registry. The
// remote input schema passes through untouched; results reduce to the
// concatenated text content.
type bridgeTool struct {
	caller      toolCaller
	server      string
	remoteName  string
	description string
	schema      json.RawMessage
}

func newBridgeTool(caller toolCaller, server string, remote mcpgo.Tool) *bridgeTool {
	schema, err := json.Marshal(remote.InputSchema)
	if err != nil || len(schema) == 0 {
		schema = json.RawMessage(`{"type":"object"}`)
	}
	return &bridgeTool{
		caller:      caller,
		server:      server,
		remoteName:  remote.Name,
		description: remote.Description,
		schema:      schema,
	}
}

// Name prefixes the remote name with the server so two servers can
// expose the same tool.
func (b *bridgeTool) Name() string {
	return b.server + "_" + b.remoteName
}

func (b *bridgeTool) Description() string {
	if b.description != "" {
		return b.description
	}
	return fmt.Sprintf("Tool %s provided by MCP server %s.", b.remoteName, b.server)
}

func (b *bridgeTool) Schema() json.RawMessage { return b.schema }

func (b *bridgeTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	req := mcpgo.CallToolRequest{}
	req.Params.Name = b.remoteName
	req.Params.Arguments = args

	resp, err := b.caller.CallTool(ctx, req)
	if err != nil {
		return fmt.Sprintf("Error: mcp call failed: %v", err), nil
	}
	if resp.IsError {
		if text := textFromResult(resp); text != "" {
			return "Error: " + text, nil
		}
		return "Error: mcp tool reported an error", nil
	}
	if text := textFromResult(resp); text != "" {
		return text, nil
	}
	return "(no text content)", nil
}

// textFromResult joins every text block in the result.
func textFromResult(resp *mcpgo.CallToolResult) string {
	var parts []string
	for _, content := range resp.Content {
		if text, ok := content.(mcpgo.TextContent); ok && text.Text != "" {
			parts = append(parts, text.Text)
		}
	}
	return strings.Join(parts, "\n")
}
