package agent

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/meridianhq/conduit/internal/memory"
	"github.com/meridianhq/conduit/internal/memory/vector"
	"github.com/meridianhq/conduit/internal/observability"
	"github.com/meridianhq/conduit/pkg/models"
)

const defaultPrompt = "You are a helpful assistant. Answer directly and use the available tools when they help you complete the task."

// defaultRecallLimit caps how many recalled memories enter the system
// content per exchange.
const defaultRecallLimit = 5

// ContextBuilder assembles the turn sequence handed to the LM on each
// exchange: system content (prompt, skills, core memory, recalled
// memories), an optional channel-context note, the session history
// verbatim, and the current user turn.
type ContextBuilder struct {
	mu     sync.RWMutex
	prompt string
	skills string

	core        *memory.CoreMemory
	searcher    *memory.Searcher
	recallLimit int
	logger      *observability.Logger
}

// ContextConfig wires a ContextBuilder. Core and Searcher are
// optional; without them the system content is prompt and skills
// only.
type ContextConfig struct {
	Prompt      string
	Skills      string
	Core        *memory.CoreMemory
	Searcher    *memory.Searcher
	RecallLimit int
	Logger      *observability.Logger
}

// NewContextBuilder builds a ContextBuilder from cfg.
func NewContextBuilder(cfg ContextConfig) *ContextBuilder {
	limit := cfg.RecallLimit
	if limit <= 0 {
		limit = defaultRecallLimit
	}
	return &ContextBuilder{
		prompt:      cfg.Prompt,
		skills:      cfg.Skills,
		core:        cfg.Core,
		searcher:    cfg.Searcher,
		recallLimit: limit,
		logger:      cfg.Logger,
	}
}

// SetPrompt swaps the agent prompt. The serve command calls it when
// the prompt file changes on disk.
func (b *ContextBuilder) SetPrompt(prompt string) {
	b.mu.Lock()
	b.prompt = prompt
	b.mu.Unlock()
}

// SetSkills swaps the static skills text appended to the prompt.
func (b *ContextBuilder) SetSkills(skills string) {
	b.mu.Lock()
	b.skills = skills
	b.mu.Unlock()
}

// BuildInput is one exchange's raw material.
type BuildInput struct {
	History []models.Turn
	Current string
	Media   []string
	// ChannelContext is recent channel chatter forwarded by an
	// adapter, shown to the LM but never persisted.
	ChannelContext string
	// Namespace scopes memory recall, usually the session key.
	Namespace string
}

// BuildMessages assembles the LM-ready turns for one exchange. The
// returned slice always starts with a system turn and ends with the
// current user turn; everything the loop appends afterwards belongs
// to the live exchange.
func (b *ContextBuilder) BuildMessages(ctx context.Context, in BuildInput) []models.Turn {
	now := time.Now().UTC()
	msgs := make([]models.Turn, 0, len(in.History)+3)
	msgs = append(msgs, models.Turn{
		Role:      models.RoleSystem,
		Content:   b.systemContent(ctx, in.Current, in.Namespace),
		Timestamp: now,
	})
	if in.ChannelContext != "" {
		msgs = append(msgs, models.Turn{
			Role:      models.RoleSystem,
			Content:   "[Channel context: recent messages in this chat, provided for reference]\n" + in.ChannelContext,
			Timestamp: now,
		})
	}
	msgs = append(msgs, in.History...)
	msgs = append(msgs, userTurn(in.Current, in.Media, now))
	return msgs
}

func (b *ContextBuilder) systemContent(ctx context.Context, current, namespace string) string {
	b.mu.RLock()
	prompt, skills := b.prompt, b.skills
	b.mu.RUnlock()
	if prompt == "" {
		prompt = defaultPrompt
	}

	var sb strings.Builder
	sb.WriteString(prompt)
	if skills != "" {
		sb.WriteString("\n\n# Skills\n")
		sb.WriteString(skills)
	}
	if b.core != nil && !b.core.IsEmpty() {
		sb.WriteString("\n\n# Core Memory\n")
		sb.WriteString(b.core.Render())
	}
	if b.searcher != nil && strings.TrimSpace(current) != "" {
		if block := b.recallBlock(ctx, current, namespace); block != "" {
			sb.WriteString("\n\n")
			sb.WriteString(block)
		}
	}
	sb.WriteString("\n\nCurrent time: ")
	sb.WriteString(time.Now().Format(time.RFC1123))
	return sb.String()
}

// recallBlock searches the session namespace plus the three global
// namespaces with the current message as query. Failures degrade to
// an empty block; recall never blocks an exchange.
func (b *ContextBuilder) recallBlock(ctx context.Context, query, namespace string) string {
	namespaces := make([]string, 0, 4)
	if namespace != "" {
		namespaces = append(namespaces, namespace)
	}
	namespaces = append(namespaces, models.NamespaceUser, models.NamespaceLearnings, models.NamespaceTools)

	results, err := b.searcher.Search(ctx, query, namespaces, vector.SearchOptions{Limit: b.recallLimit})
	if err != nil {
		if b.logger != nil {
			b.logger.Warn(ctx, "memory recall failed", "error", err)
		}
		return ""
	}
	if len(results) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("# Relevant Memories\n")
	sb.WriteString("Recalled from earlier conversations; use them when they apply.\n")
	for _, r := range results {
		sb.WriteString("- ")
		sb.WriteString(strings.TrimSpace(r.Entry.Text))
		sb.WriteByte('\n')
	}
	return strings.TrimRight(sb.String(), "\n")
}

// userTurn builds the current user turn. Content carries the text;
// Parts carry only the media refs, so providers render the text
// exactly once.
func userTurn(content string, media []string, at time.Time) models.Turn {
	turn := models.Turn{Role: models.RoleUser, Content: content, Timestamp: at}
	for _, ref := range media {
		turn.Parts = append(turn.Parts, models.ContentPart{Type: "media", MediaRef: ref})
	}
	return turn
}

// AddAssistantMessage appends the assistant turn that requested the
// given tool calls. Arguments travel in wire form so the turn can be
// persisted and replayed without re-encoding.
func AddAssistantMessage(msgs []models.Turn, content string, calls []models.ToolCall) []models.Turn {
	wire := make([]models.WireToolCall, 0, len(calls))
	for _, call := range calls {
		wire = append(wire, call.Wire())
	}
	return append(msgs, models.Turn{
		Role:      models.RoleAssistant,
		Content:   content,
		ToolCalls: wire,
		Timestamp: time.Now().UTC(),
	})
}

// AddToolResult appends the tool turn answering callID. Every call an
// assistant turn carries must be answered before the next LM request.
func AddToolResult(msgs []models.Turn, callID, name, result string) []models.Turn {
	return append(msgs, models.Turn{
		Role:       models.RoleTool,
		ToolCallID: callID,
		Name:       name,
		Content:    result,
		Timestamp:  time.Now().UTC(),
	})
}
