// Package providers implements LM provider integrations for the
// agent loop. Each provider converts the internal turn format to its
// API's shape, issues a non-streaming completion, and converts the
// result back, retrying transient failures with linear backoff.
package providers

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/meridianhq/conduit/pkg/models"
)

// ChatRequest is a single completion request. Turns may include a
// leading system turn; providers that keep system prompts out of the
// message array hoist it themselves.
type ChatRequest struct {
	Model     string
	Turns     []models.Turn
	Tools     []models.ToolDefinition
	MaxTokens int
}

// Provider is a chat-completion backend.
type Provider interface {
	// Name returns the stable lowercase provider identifier used in
	// config, logs, and metrics.
	Name() string

	// Chat issues one completion and returns the full response.
	Chat(ctx context.Context, req ChatRequest) (*models.LMResponse, error)
}

// Config selects and configures a provider.
type Config struct {
	// Provider is one of "openai", "anthropic", "openrouter".
	Provider string
	APIKey   string
	// BaseURL overrides the API endpoint (proxies, self-hosted
	// gateways).
	BaseURL string
	// MaxTokens caps each completion. Zero uses the provider default.
	MaxTokens int
}

// openRouterBaseURL is the OpenAI-compatible endpoint OpenRouter
// exposes.
const openRouterBaseURL = "https://openrouter.ai/api/v1"

// New builds the provider named in cfg.
func New(cfg Config) (Provider, error) {
	switch strings.ToLower(cfg.Provider) {
	case "openai", "":
		return NewOpenAIProvider(OpenAIConfig{
			APIKey:  cfg.APIKey,
			BaseURL: cfg.BaseURL,
		})
	case "openrouter":
		base := cfg.BaseURL
		if base == "" {
			base = openRouterBaseURL
		}
		return NewOpenAIProvider(OpenAIConfig{
			APIKey:  cfg.APIKey,
			BaseURL: base,
			name:    "openrouter",
		})
	case "anthropic":
		return NewAnthropicProvider(AnthropicConfig{
			APIKey:  cfg.APIKey,
			BaseURL: cfg.BaseURL,
		})
	default:
		return nil, fmt.Errorf("unknown provider: %s", cfg.Provider)
	}
}

// Retry policy shared by the providers. Delay grows linearly with the
// attempt number.
const (
	defaultMaxRetries = 3
	defaultRetryDelay = time.Second
)

// withRetries runs fn up to maxRetries times, sleeping retryDelay *
// attempt between tries. Non-retryable errors abort immediately.
func withRetries[T any](ctx context.Context, maxRetries int, retryDelay time.Duration, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-time.After(retryDelay * time.Duration(attempt)):
			}
		}
		out, err := fn()
		if err == nil {
			return out, nil
		}
		if !isRetryableError(err) {
			return zero, fmt.Errorf("non-retryable error: %w", err)
		}
		lastErr = err
	}
	return zero, fmt.Errorf("max retries exceeded: %w", lastErr)
}

// isRetryableError classifies transient failures: rate limits, server
// errors, and timeouts. Authentication and validation errors are not
// retried.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	if strings.Contains(msg, "rate limit") || strings.Contains(msg, "429") {
		return true
	}
	if strings.Contains(msg, "500") || strings.Contains(msg, "502") ||
		strings.Contains(msg, "503") || strings.Contains(msg, "504") {
		return true
	}
	if strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded") {
		return true
	}
	if strings.Contains(msg, "connection refused") || strings.Contains(msg, "connection reset") {
		return true
	}
	return false
}
