package builtin

import (
	"context"
	"testing"
	"time"

	"github.com/meridianhq/conduit/internal/bus"
	"github.com/meridianhq/conduit/internal/tools"
)

func TestMessageTool(t *testing.T) {
	t.Run("sends to the conversation route", func(t *testing.T) {
		b := bus.New(bus.Config{})
		out := b.SubscribeOutbound()
		tool := NewMessageTool(b)
		ctx := tools.WithRoute(context.Background(), tools.Route{Channel: "slack", ChatID: "C1"})

		got, err := tool.Execute(ctx, map[string]any{"content": "on it"})
		if err != nil {
			t.Fatalf("Execute() error = %v", err)
		}
		if got != "Message sent to slack:C1" {
			t.Errorf("Execute() = %q, want %q", got, "Message sent to slack:C1")
		}

		select {
		case msg := <-out:
			if msg.Channel != "slack" || msg.ChatID != "C1" || msg.Content != "on it" {
				t.Errorf("outbound = %+v, want slack/C1/on it", msg)
			}
		case <-time.After(time.Second):
			t.Fatal("no outbound message published")
		}
	})

	t.Run("explicit destination overrides route", func(t *testing.T) {
		b := bus.New(bus.Config{})
		out := b.SubscribeOutbound()
		tool := NewMessageTool(b)
		ctx := tools.WithRoute(context.Background(), tools.Route{Channel: "slack", ChatID: "C1"})

		got, err := tool.Execute(ctx, map[string]any{
			"content": "ping", "channel": "telegram", "chat_id": "42",
		})
		if err != nil {
			t.Fatalf("Execute() error = %v", err)
		}
		if got != "Message sent to telegram:42" {
			t.Errorf("Execute() = %q, want telegram destination", got)
		}

		select {
		case msg := <-out:
			if msg.Channel != "telegram" || msg.ChatID != "42" {
				t.Errorf("outbound = %+v, want telegram/42", msg)
			}
		case <-time.After(time.Second):
			t.Fatal("no outbound message published")
		}
	})

	t.Run("content required", func(t *testing.T) {
		tool := NewMessageTool(bus.New(bus.Config{}))
		got, err := tool.Execute(context.Background(), map[string]any{"content": "   "})
		if err != nil {
			t.Fatalf("Execute() error = %v", err)
		}
		if got != "Error: content is required" {
			t.Errorf("Execute() = %q, want content error", got)
		}
	})

	t.Run("no destination outside a conversation", func(t *testing.T) {
		tool := NewMessageTool(bus.New(bus.Config{}))
		got, err := tool.Execute(context.Background(), map[string]any{"content": "hi"})
		if err != nil {
			t.Fatalf("Execute() error = %v", err)
		}
		want := "Error: no destination: pass channel and chat_id when calling outside a conversation"
		if got != want {
			t.Errorf("Execute() = %q, want %q", got, want)
		}
	})

	t.Run("nil bus", func(t *testing.T) {
		tool := NewMessageTool(nil)
		got, err := tool.Execute(context.Background(), map[string]any{"content": "hi"})
		if err != nil {
			t.Fatalf("Execute() error = %v", err)
		}
		if got != "Error: message bus is not available" {
			t.Errorf("Execute() = %q, want unavailable error", got)
		}
	})
}
