package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/meridianhq/conduit/pkg/models"
)

// anthropicDefaultMaxTokens applies when the request does not cap
// output; the API requires an explicit value.
const anthropicDefaultMaxTokens = 4096

// AnthropicProvider talks to Anthropic's Messages API.
//
// Anthropic differs from the OpenAI shape in ways the conversion
// handles here:
//   - system prompts live in a dedicated request field, so system
//     turns are hoisted out of the message array
//   - tool results are content blocks inside user messages rather
//     than a separate role
//   - tool arguments are structured JSON, not encoded strings
//
// The provider is safe for concurrent use.
type AnthropicProvider struct {
	client     anthropic.Client
	maxRetries int
	retryDelay time.Duration
}

// AnthropicConfig configures the provider.
type AnthropicConfig struct {
	APIKey  string
	BaseURL string
}

// NewAnthropicProvider creates the provider. The API key is required.
func NewAnthropicProvider(cfg AnthropicConfig) (*AnthropicProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: api key is required")
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &AnthropicProvider{
		client:     anthropic.NewClient(opts...),
		maxRetries: defaultMaxRetries,
		retryDelay: defaultRetryDelay,
	}, nil
}

// Name returns "anthropic".
func (p *AnthropicProvider) Name() string { return "anthropic" }

// Chat issues one non-streaming completion.
func (p *AnthropicProvider) Chat(ctx context.Context, req ChatRequest) (*models.LMResponse, error) {
	system, messages, err := convertToAnthropicMessages(req.Turns)
	if err != nil {
		return nil, fmt.Errorf("anthropic chat: %w", err)
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = anthropicDefaultMaxTokens
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if len(req.Tools) > 0 {
		tools, err := convertToAnthropicTools(req.Tools)
		if err != nil {
			return nil, fmt.Errorf("anthropic chat: %w", err)
		}
		params.Tools = tools
	}

	msg, err := withRetries(ctx, p.maxRetries, p.retryDelay, func() (*anthropic.Message, error) {
		return p.client.Messages.New(ctx, params)
	})
	if err != nil {
		return nil, fmt.Errorf("anthropic chat: %w", err)
	}

	out := &models.LMResponse{
		Usage: models.Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			out.Content += block.Text
		case "tool_use":
			call := models.ToolCall{ID: block.ID, Name: block.Name, Arguments: map[string]any{}}
			if len(block.Input) > 0 {
				_ = json.Unmarshal(block.Input, &call.Arguments)
			}
			out.ToolCalls = append(out.ToolCalls, call)
		}
	}
	return out, nil
}

// convertToAnthropicMessages hoists system turns into the returned
// system string and converts the rest into Anthropic messages.
func convertToAnthropicMessages(turns []models.Turn) (string, []anthropic.MessageParam, error) {
	var system []string
	var result []anthropic.MessageParam

	for _, turn := range turns {
		if turn.Role == models.RoleSystem {
			if turn.Content != "" {
				system = append(system, turn.Content)
			}
			continue
		}

		var content []anthropic.ContentBlockParamUnion

		switch turn.Role {
		case models.RoleTool:
			content = append(content, anthropic.NewToolResultBlock(
				turn.ToolCallID,
				turn.Content,
				strings.HasPrefix(turn.Content, "Error"),
			))
		case models.RoleAssistant:
			if turn.Content != "" {
				content = append(content, anthropic.NewTextBlock(turn.Content))
			}
			for _, tc := range turn.ToolCalls {
				parsed, err := tc.Parsed()
				if err != nil {
					return "", nil, fmt.Errorf("invalid tool call arguments for %s: %w", tc.Function.Name, err)
				}
				content = append(content, anthropic.NewToolUseBlock(tc.ID, parsed.Arguments, tc.Function.Name))
			}
		default:
			if turn.Content != "" {
				content = append(content, anthropic.NewTextBlock(turn.Content))
			}
			for _, part := range turn.Parts {
				switch part.Type {
				case "text":
					if part.Text != "" {
						content = append(content, anthropic.NewTextBlock(part.Text))
					}
				case "media":
					// The Messages API has no URL image block here, so
					// the reference surfaces as text rather than being
					// dropped.
					if part.MediaRef != "" {
						content = append(content, anthropic.NewTextBlock("[media attachment: "+part.MediaRef+"]"))
					}
				}
			}
		}

		if len(content) == 0 {
			continue
		}
		if turn.Role == models.RoleAssistant {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			// User and tool turns are both user messages here.
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}

	return strings.Join(system, "\n\n"), result, nil
}

func convertToAnthropicTools(tools []models.ToolDefinition) ([]anthropic.ToolUnionParam, error) {
	var result []anthropic.ToolUnionParam
	for _, tool := range tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(tool.Function.Parameters, &schema); err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", tool.Function.Name, err)
		}
		param := anthropic.ToolUnionParamOfTool(schema, tool.Function.Name)
		if param.OfTool == nil {
			return nil, fmt.Errorf("invalid tool schema for %s: missing tool definition", tool.Function.Name)
		}
		param.OfTool.Description = anthropic.String(tool.Function.Description)
		result = append(result, param)
	}
	return result, nil
}

var _ Provider = (*AnthropicProvider)(nil)
