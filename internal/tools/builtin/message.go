package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/meridianhq/conduit/internal/bus"
	"github.com/meridianhq/conduit/internal/tools"
	"github.com/meridianhq/conduit/pkg/models"
)

// MessageTool sends an outbound message to the conversation the
// current request came from. The destination travels in the request
// context, so one instance serves every session.
type MessageTool struct {
	bus *bus.Bus
}

// NewMessageTool creates a message tool publishing through the given bus.
func NewMessageTool(b *bus.Bus) *MessageTool {
	return &MessageTool{bus: b}
}

func (t *MessageTool) Name() string { return "message" }

func (t *MessageTool) Description() string {
	return "Send a message to the user immediately, before your final reply. Useful for progress updates during long tasks."
}

func (t *MessageTool) Schema() json.RawMessage {
	return mustSchema(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"content": map[string]any{
				"type":        "string",
				"description": "The message text to send.",
			},
			"channel": map[string]any{
				"type":        "string",
				"description": "Destination channel (default: the current conversation).",
			},
			"chat_id": map[string]any{
				"type":        "string",
				"description": "Destination chat id (default: the current conversation).",
			},
		},
		"required": []string{"content"},
	})
}

func (t *MessageTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	var input struct {
		Content string `json:"content"`
		Channel string `json:"channel"`
		ChatID  string `json:"chat_id"`
	}
	if err := decode(args, &input); err != nil {
		return fmt.Sprintf("Error: invalid parameters: %v", err), nil
	}
	if strings.TrimSpace(input.Content) == "" {
		return "Error: content is required", nil
	}
	if t.bus == nil {
		return "Error: message bus is not available", nil
	}

	route, _ := tools.RouteFrom(ctx)
	channel := strings.TrimSpace(input.Channel)
	chatID := strings.TrimSpace(input.ChatID)
	if channel == "" {
		channel = route.Channel
	}
	if chatID == "" {
		chatID = route.ChatID
	}
	if channel == "" || chatID == "" {
		return "Error: no destination: pass channel and chat_id when calling outside a conversation", nil
	}

	err := t.bus.PublishOutbound(ctx, models.OutboundMessage{
		Channel: channel,
		ChatID:  chatID,
		Content: input.Content,
	})
	if err != nil {
		return fmt.Sprintf("Error: send failed: %v", err), nil
	}
	return fmt.Sprintf("Message sent to %s:%s", channel, chatID), nil
}
