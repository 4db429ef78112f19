package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/meridianhq/conduit/pkg/models"
)

// OpenAIProvider talks to OpenAI's chat completions API, or any
// compatible endpoint when BaseURL is set (OpenRouter, proxies,
// self-hosted gateways).
//
// It handles format conversion in both directions:
//   - system turns stay in the message array (OpenAI convention)
//   - assistant tool calls carry their arguments as JSON strings
//   - each tool turn becomes a role "tool" message with its call id
//   - media parts become image-URL content parts
//
// The provider is safe for concurrent use.
type OpenAIProvider struct {
	client     *openai.Client
	name       string
	maxRetries int
	retryDelay time.Duration
}

// OpenAIConfig configures the provider.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string

	// name overrides the reported provider name, used for
	// OpenAI-compatible endpoints like OpenRouter.
	name string
}

// NewOpenAIProvider creates the provider. The API key is required.
func NewOpenAIProvider(cfg OpenAIConfig) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai: api key is required")
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	name := cfg.name
	if name == "" {
		name = "openai"
	}
	return &OpenAIProvider{
		client:     openai.NewClientWithConfig(clientCfg),
		name:       name,
		maxRetries: defaultMaxRetries,
		retryDelay: defaultRetryDelay,
	}, nil
}

// Name returns the configured provider identifier.
func (p *OpenAIProvider) Name() string { return p.name }

// Chat issues one non-streaming completion.
func (p *OpenAIProvider) Chat(ctx context.Context, req ChatRequest) (*models.LMResponse, error) {
	chatReq := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: convertToOpenAIMessages(req.Turns),
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = convertToOpenAITools(req.Tools)
	}

	resp, err := withRetries(ctx, p.maxRetries, p.retryDelay, func() (openai.ChatCompletionResponse, error) {
		return p.client.CreateChatCompletion(ctx, chatReq)
	})
	if err != nil {
		return nil, fmt.Errorf("openai chat: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("openai chat: empty response")
	}

	choice := resp.Choices[0]
	out := &models.LMResponse{
		Content: choice.Message.Content,
		Usage: models.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}
	for _, tc := range choice.Message.ToolCalls {
		call := models.ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: map[string]any{}}
		if tc.Function.Arguments != "" {
			// A malformed arguments payload still surfaces the call;
			// the registry reports the validation failure as a tool
			// result the model can react to.
			_ = json.Unmarshal([]byte(tc.Function.Arguments), &call.Arguments)
		}
		out.ToolCalls = append(out.ToolCalls, call)
	}
	return out, nil
}

func convertToOpenAIMessages(turns []models.Turn) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(turns))
	for _, turn := range turns {
		msg := openai.ChatCompletionMessage{Role: string(turn.Role)}

		switch turn.Role {
		case models.RoleUser, models.RoleSystem:
			if parts := mediaParts(turn); len(parts) > 0 {
				msg.MultiContent = parts
			} else {
				msg.Content = turn.Content
			}
		case models.RoleAssistant:
			msg.Content = turn.Content
			for _, tc := range turn.ToolCalls {
				msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Function.Name,
						Arguments: tc.Function.Arguments,
					},
				})
			}
		case models.RoleTool:
			msg.Content = turn.Content
			msg.ToolCallID = turn.ToolCallID
			msg.Name = turn.Name
		default:
			msg.Content = turn.Content
		}

		result = append(result, msg)
	}
	return result
}

// mediaParts builds the multi-content form for turns carrying media
// references. Returns nil for text-only turns.
func mediaParts(turn models.Turn) []openai.ChatMessagePart {
	hasMedia := false
	for _, part := range turn.Parts {
		if part.Type == "media" && part.MediaRef != "" {
			hasMedia = true
			break
		}
	}
	if !hasMedia {
		return nil
	}

	parts := make([]openai.ChatMessagePart, 0, len(turn.Parts)+1)
	if turn.Content != "" {
		parts = append(parts, openai.ChatMessagePart{
			Type: openai.ChatMessagePartTypeText,
			Text: turn.Content,
		})
	}
	for _, part := range turn.Parts {
		switch part.Type {
		case "text":
			if part.Text != "" {
				parts = append(parts, openai.ChatMessagePart{
					Type: openai.ChatMessagePartTypeText,
					Text: part.Text,
				})
			}
		case "media":
			if part.MediaRef != "" {
				parts = append(parts, openai.ChatMessagePart{
					Type: openai.ChatMessagePartTypeImageURL,
					ImageURL: &openai.ChatMessageImageURL{
						URL:    part.MediaRef,
						Detail: openai.ImageURLDetailAuto,
					},
				})
			}
		}
	}
	return parts
}

func convertToOpenAITools(tools []models.ToolDefinition) []openai.Tool {
	result := make([]openai.Tool, len(tools))
	for i, tool := range tools {
		var schema map[string]any
		if err := json.Unmarshal(tool.Function.Parameters, &schema); err != nil {
			// One bad schema must not break the whole call.
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Function.Name,
				Description: tool.Function.Description,
				Parameters:  schema,
			},
		}
	}
	return result
}

var _ Provider = (*OpenAIProvider)(nil)
