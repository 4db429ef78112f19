package providers

import (
	"context"

	"github.com/meridianhq/conduit/pkg/models"
)

// ChatCompleter adapts a Provider to the single-shot prompt surface
// the memory pipeline consumes: one system prompt, one user prompt,
// one text reply. No tools are offered on these calls.
type ChatCompleter struct {
	provider  Provider
	model     string
	maxTokens int
}

// NewChatCompleter builds the adapter. Every call uses model; a zero
// maxTokens leaves the cap to the provider default.
func NewChatCompleter(provider Provider, model string, maxTokens int) *ChatCompleter {
	return &ChatCompleter{provider: provider, model: model, maxTokens: maxTokens}
}

// Complete issues one completion and returns the reply text.
func (c *ChatCompleter) Complete(ctx context.Context, system, user string) (string, error) {
	resp, err := c.provider.Chat(ctx, ChatRequest{
		Model: c.model,
		Turns: []models.Turn{
			{Role: models.RoleSystem, Content: system},
			{Role: models.RoleUser, Content: user},
		},
		MaxTokens: c.maxTokens,
	})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}
