// Package models defines the core data types for Conduit.
package models

import (
	"encoding/json"
	"strings"
	"time"
)

// Role indicates the message author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// ChannelSystem is the reserved channel for internal messages such as
// subagent announces and scheduler deliveries. For system messages the
// chat id encodes the origin as "channel:chat_id".
const ChannelSystem = "system"

// InboundMessage is a message arriving from a channel adapter.
type InboundMessage struct {
	Channel  string         `json:"channel"`
	SenderID string         `json:"sender_id"`
	ChatID   string         `json:"chat_id"`
	Content  string         `json:"content"`
	Media    []string       `json:"media,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// SessionKey derives the session identity for this message. System
// messages carry the origin key in ChatID already, so it is returned
// as-is.
func (m InboundMessage) SessionKey() string {
	if m.Channel == ChannelSystem {
		return m.ChatID
	}
	return m.Channel + ":" + m.ChatID
}

// Origin splits a system message's ChatID into the originating
// channel and chat id. For non-system messages it returns the
// message's own pair. A system ChatID with no separator falls back to
// the CLI channel so a malformed origin still reaches somewhere
// visible.
func (m InboundMessage) Origin() (channel, chatID string) {
	if m.Channel != ChannelSystem {
		return m.Channel, m.ChatID
	}
	if idx := strings.Index(m.ChatID, ":"); idx >= 0 {
		return m.ChatID[:idx], m.ChatID[idx+1:]
	}
	return "cli", m.ChatID
}

// OutboundMessage is a reply handed back to a channel adapter.
// Metadata is echoed from the inbound message so adapters can clear
// typing or reaction indicators.
type OutboundMessage struct {
	Channel  string         `json:"channel"`
	ChatID   string         `json:"chat_id"`
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ToolCall is an LM's request to execute a tool, with arguments
// already parsed into a map. The wire form keeps arguments as a JSON
// string; see WireToolCall.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// Wire converts the call to its provider wire shape, serializing the
// arguments to a JSON string.
func (c ToolCall) Wire() WireToolCall {
	args, err := json.Marshal(c.Arguments)
	if err != nil {
		args = []byte("{}")
	}
	return WireToolCall{
		ID:   c.ID,
		Type: "function",
		Function: WireFunction{
			Name:      c.Name,
			Arguments: string(args),
		},
	}
}

// WireToolCall is the provider-protocol shape of a tool call as it
// appears in an assistant turn. Arguments is a JSON string, never an
// object.
type WireToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function WireFunction `json:"function"`
}

// WireFunction names the tool and carries its JSON-encoded arguments.
type WireFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Parsed converts the wire call back into the internal form.
func (c WireToolCall) Parsed() (ToolCall, error) {
	out := ToolCall{ID: c.ID, Name: c.Function.Name, Arguments: map[string]any{}}
	if strings.TrimSpace(c.Function.Arguments) == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(c.Function.Arguments), &out.Arguments); err != nil {
		return out, err
	}
	return out, nil
}

// ContentPart is one element of a multi-part turn. Media parts carry
// opaque references; adapters decide how to resolve them. The turn's
// text rides in Turn.Content, never duplicated into a text part, so
// providers render it exactly once. Providers without native media
// support surface the reference as a labeled text block.
type ContentPart struct {
	Type     string `json:"type"` // "text" or "media"
	Text     string `json:"text,omitempty"`
	MediaRef string `json:"media_ref,omitempty"`
}

// Turn is one element of a session history, shaped so it can be
// handed to an LM provider without translation loss.
type Turn struct {
	Role       Role           `json:"role"`
	Content    string         `json:"content"`
	Parts      []ContentPart  `json:"parts,omitempty"`
	ToolCalls  []WireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	Name       string         `json:"name,omitempty"`
	Timestamp  time.Time      `json:"timestamp,omitempty"`
}

// HasToolCalls reports whether this is an assistant turn awaiting
// tool results.
func (t Turn) HasToolCalls() bool {
	return t.Role == RoleAssistant && len(t.ToolCalls) > 0
}
