package models

import "encoding/json"

// LMResponse is one provider completion: text, tool-call requests, or
// both. ToolCalls preserve the order the LM returned them in.
type LMResponse struct {
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Usage     Usage      `json:"usage"`
}

// HasToolCalls reports whether the LM requested tool execution.
func (r *LMResponse) HasToolCalls() bool {
	return r != nil && len(r.ToolCalls) > 0
}

// Usage is the provider-reported token accounting for one call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// ToolDefinition is a tool advertised to the LM, in the
// {type:"function", function:{...}} wire shape.
type ToolDefinition struct {
	Type     string             `json:"type"`
	Function FunctionDefinition `json:"function"`
}

// FunctionDefinition carries a tool's name, description, and JSON
// schema for its parameters.
type FunctionDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}
