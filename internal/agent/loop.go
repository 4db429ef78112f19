// Package agent runs the orchestration loop: it drains inbound
// messages from the bus, converses with the LM until a final reply
// emerges, executes requested tools, persists the exchange, and
// publishes the reply back to the originating channel.
package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/meridianhq/conduit/internal/agent/providers"
	"github.com/meridianhq/conduit/internal/bus"
	"github.com/meridianhq/conduit/internal/cron"
	"github.com/meridianhq/conduit/internal/memory"
	"github.com/meridianhq/conduit/internal/memory/vector"
	"github.com/meridianhq/conduit/internal/observability"
	"github.com/meridianhq/conduit/internal/restart"
	"github.com/meridianhq/conduit/internal/session"
	"github.com/meridianhq/conduit/internal/tools"
	"github.com/meridianhq/conduit/pkg/models"
)

const (
	// DefaultMaxIterations bounds the tool-call rounds in one exchange.
	DefaultMaxIterations = 20

	// DefaultExtractionInterval is how many user turns pass between
	// periodic memory extraction runs.
	DefaultExtractionInterval = 10

	// extractionWindow is how many trailing turns each periodic
	// extraction pass sees.
	extractionWindow = 20

	// pollInterval bounds each inbound consume so a stop request is
	// noticed within a second.
	pollInterval = time.Second
)

const (
	exhaustedReply   = "I've completed processing but have no response to give."
	systemTaskReply  = "Background task completed."
	errorReplyPrefix = "Sorry, I encountered an error: "
)

// State is the loop's lifecycle phase.
type State int32

const (
	StateIdle State = iota
	StateProcessing
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateProcessing:
		return "processing"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// ToolSource contributes tools at startup, typically an MCP server
// manager. Close releases whatever the registration holds open.
type ToolSource interface {
	Register(ctx context.Context, registry *tools.Registry) error
	Close() error
}

// Config wires the loop's collaborators. Provider, Bus, Sessions, and
// Tools are required; everything else degrades to a disabled feature
// when nil.
type Config struct {
	Provider  providers.Provider
	Model     string
	MaxTokens int

	Bus      *bus.Bus
	Sessions session.Store
	Tools    *tools.Registry
	Builder  *ContextBuilder

	// Compactor bounds session growth; nil disables compaction and
	// the pre-compaction flush.
	Compactor *session.Compactor

	// Extractor and Consolidator together enable memory maintenance.
	// Both must be set for any extraction to run.
	Extractor    *memory.Extractor
	Consolidator *memory.Consolidator

	// Vector is closed on Stop so buffered writes reach disk.
	Vector vector.Store

	// Scheduler receives the one-shot verification job when a restart
	// sentinel is found.
	Scheduler *cron.Scheduler

	// MCP registers external tools before the first message.
	MCP ToolSource

	// DataDir is where the restart sentinel lives. Empty skips the
	// startup check.
	DataDir string

	MaxIterations      int
	ExtractionInterval int
	FlushEnabled       bool
	ToolLessonsEnabled bool

	Logger  *observability.Logger
	Metrics *observability.Metrics
	Tracer  *observability.Tracer
}

// Loop is the message-processing core. One Loop serves one agent.
type Loop struct {
	provider  providers.Provider
	model     string
	maxTokens int

	bus      *bus.Bus
	sessions session.Store
	tools    *tools.Registry
	builder  *ContextBuilder

	compactor    *session.Compactor
	extractor    *memory.Extractor
	consolidator *memory.Consolidator

	vector    vector.Store
	scheduler *cron.Scheduler
	mcp       ToolSource
	dataDir   string

	maxIterations      int
	extractionInterval int
	flushEnabled       bool
	toolLessons        bool

	logger  *observability.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer

	running     atomic.Bool
	state       atomic.Int32
	maintenance sync.WaitGroup
}

// New validates cfg and builds a Loop.
func New(cfg Config) (*Loop, error) {
	if cfg.Provider == nil {
		return nil, errors.New("provider is required")
	}
	if cfg.Bus == nil {
		return nil, errors.New("bus is required")
	}
	if cfg.Sessions == nil {
		return nil, errors.New("session store is required")
	}
	if cfg.Tools == nil {
		return nil, errors.New("tool registry is required")
	}
	if cfg.Builder == nil {
		cfg.Builder = NewContextBuilder(ContextConfig{Logger: cfg.Logger})
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	if cfg.ExtractionInterval <= 0 {
		cfg.ExtractionInterval = DefaultExtractionInterval
	}

	l := &Loop{
		provider:           cfg.Provider,
		model:              cfg.Model,
		maxTokens:          cfg.MaxTokens,
		bus:                cfg.Bus,
		sessions:           cfg.Sessions,
		tools:              cfg.Tools,
		builder:            cfg.Builder,
		compactor:          cfg.Compactor,
		extractor:          cfg.Extractor,
		consolidator:       cfg.Consolidator,
		vector:             cfg.Vector,
		scheduler:          cfg.Scheduler,
		mcp:                cfg.MCP,
		dataDir:            cfg.DataDir,
		maxIterations:      cfg.MaxIterations,
		extractionInterval: cfg.ExtractionInterval,
		flushEnabled:       cfg.FlushEnabled,
		toolLessons:        cfg.ToolLessonsEnabled,
		logger:             cfg.Logger,
		metrics:            cfg.Metrics,
		tracer:             cfg.Tracer,
	}
	l.state.Store(int32(StateIdle))
	return l, nil
}

// State reports the loop's current phase.
func (l *Loop) State() State { return State(l.state.Load()) }

func (l *Loop) setState(s State) {
	// Stopping is terminal; a finishing handler must not flip it
	// back to idle.
	if State(l.state.Load()) == StateStopping && s != StateStopping {
		return
	}
	l.state.Store(int32(s))
}

// Run registers external tools, consumes any restart sentinel, then
// drains the inbound queue until Stop is called or ctx is cancelled.
// Processing failures never end the loop; they are answered with an
// apology carrying the error text.
func (l *Loop) Run(ctx context.Context) error {
	if l.mcp != nil {
		if err := l.mcp.Register(ctx, l.tools); err != nil && l.logger != nil {
			l.logger.Warn(ctx, "mcp registration failed", "error", err)
		}
	}
	l.checkRestartSignal(ctx)

	l.running.Store(true)
	if l.logger != nil {
		l.logger.Info(ctx, "agent loop started", "model", l.model, "tools", len(l.tools.Names()))
	}

	for l.running.Load() {
		pollCtx, cancel := context.WithTimeout(ctx, pollInterval)
		msg, err := l.bus.ConsumeInbound(pollCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}
		l.handle(ctx, msg)
	}
	return nil
}

// Stop ends the run loop after the in-flight message and waits for
// background memory maintenance before closing held resources. Call
// it after Run returns. Running subagents are not awaited.
func (l *Loop) Stop(ctx context.Context) error {
	l.setState(StateStopping)
	l.running.Store(false)

	done := make(chan struct{})
	go func() {
		l.maintenance.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if l.logger != nil {
			l.logger.Warn(ctx, "memory maintenance abandoned at shutdown")
		}
	}

	var errs []error
	if l.mcp != nil {
		if err := l.mcp.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close mcp: %w", err))
		}
	}
	if l.vector != nil {
		if err := l.vector.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close vector store: %w", err))
		}
	}
	if l.logger != nil {
		l.logger.Info(ctx, "agent loop stopped")
	}
	return errors.Join(errs...)
}

// ProcessDirect runs one message through the normal pipeline
// synchronously and returns the final reply. The chat command uses it
// for REPL turns. The session key is "channel:chat"; a bare name is
// treated as a chat id on the cli channel.
func (l *Loop) ProcessDirect(ctx context.Context, content, sessionKey string) (string, error) {
	channel, chatID := "cli", "direct"
	if sessionKey != "" {
		if idx := strings.Index(sessionKey, ":"); idx >= 0 {
			channel, chatID = sessionKey[:idx], sessionKey[idx+1:]
		} else {
			chatID = sessionKey
		}
	}
	out, err := l.processMessage(ctx, models.InboundMessage{
		Channel:  channel,
		SenderID: "user",
		ChatID:   chatID,
		Content:  content,
	})
	if err != nil {
		return "", err
	}
	if out == nil {
		return "", nil
	}
	return out.Content, nil
}

func (l *Loop) handle(ctx context.Context, msg models.InboundMessage) {
	l.setState(StateProcessing)
	defer l.setState(StateIdle)

	out, err := l.processMessage(ctx, msg)
	if err != nil {
		if l.logger != nil {
			l.logger.Error(ctx, "message processing failed", "channel", msg.Channel, "error", err)
		}
		if l.metrics != nil {
			l.metrics.RecordError("agent", "process_message")
		}
		out = &models.OutboundMessage{
			Channel:  msg.Channel,
			ChatID:   msg.ChatID,
			Content:  errorReplyPrefix + err.Error(),
			Metadata: msg.Metadata,
		}
	}
	if out == nil {
		return
	}
	if err := l.bus.PublishOutbound(ctx, *out); err != nil && l.logger != nil {
		l.logger.Error(ctx, "outbound publish failed", "channel", out.Channel, "error", err)
	}
}

// processMessage runs one inbound message to completion and returns
// the reply to publish, or nil when no delivery is wanted.
func (l *Loop) processMessage(ctx context.Context, msg models.InboundMessage) (*models.OutboundMessage, error) {
	if msg.Channel == models.ChannelSystem {
		return l.processSystemMessage(ctx, msg)
	}

	sessionKey := msg.SessionKey()
	if l.tracer != nil {
		var span trace.Span
		ctx, span = l.tracer.TraceMessageProcessing(ctx, msg.Channel, sessionKey)
		defer span.End()
	}
	if l.logger != nil {
		l.logger.Info(ctx, "processing message",
			"channel", msg.Channel, "sender", msg.SenderID, "session", sessionKey)
	}

	final, err := l.runExchange(ctx, exchange{
		sessionKey:     sessionKey,
		route:          tools.Route{Channel: msg.Channel, ChatID: msg.ChatID},
		content:        msg.Content,
		media:          msg.Media,
		channelContext: metadataString(msg.Metadata, "channel_context"),
		fallback:       exhaustedReply,
	})
	if err != nil {
		return nil, err
	}
	return &models.OutboundMessage{
		Channel:  msg.Channel,
		ChatID:   msg.ChatID,
		Content:  final,
		Metadata: msg.Metadata,
	}, nil
}

// processSystemMessage handles self-initiated work: cron firings,
// subagent announcements, verification jobs. The conversation lands
// in the origin's session, tagged so the transcript shows it was not
// the human speaking. The reply goes to the origin without metadata;
// a deliver=false marker suppresses it entirely.
func (l *Loop) processSystemMessage(ctx context.Context, msg models.InboundMessage) (*models.OutboundMessage, error) {
	channel, chatID := msg.Origin()
	sessionKey := channel + ":" + chatID
	if l.tracer != nil {
		var span trace.Span
		ctx, span = l.tracer.TraceMessageProcessing(ctx, models.ChannelSystem, sessionKey)
		defer span.End()
	}
	if l.logger != nil {
		l.logger.Info(ctx, "processing system message", "sender", msg.SenderID, "session", sessionKey)
	}

	final, err := l.runExchange(ctx, exchange{
		sessionKey: sessionKey,
		route:      tools.Route{Channel: channel, ChatID: chatID},
		content:    fmt.Sprintf("[System: %s] %s", msg.SenderID, msg.Content),
		fallback:   systemTaskReply,
	})
	if err != nil {
		return nil, err
	}
	if !wantsDelivery(msg.Metadata) {
		if l.logger != nil {
			l.logger.Debug(ctx, "outbound delivery suppressed", "session", sessionKey)
		}
		return nil, nil
	}
	return &models.OutboundMessage{Channel: channel, ChatID: chatID, Content: final}, nil
}

// exchange is one conversation round: the content to converse about
// and where its turns belong.
type exchange struct {
	sessionKey     string
	route          tools.Route
	content        string
	media          []string
	channelContext string
	fallback       string
}

func (l *Loop) runExchange(ctx context.Context, ex exchange) (string, error) {
	sess, err := l.sessions.GetOrCreate(ctx, ex.sessionKey)
	if err != nil {
		return "", fmt.Errorf("load session %q: %w", ex.sessionKey, err)
	}
	ctx = tools.WithRoute(ctx, ex.route)

	history := sess.History()
	l.maybeFlush(ctx, history, ex.sessionKey)
	if l.compactor != nil && len(history) > l.compactor.Threshold() {
		history = l.compactor.Compact(ctx, history)
		sess.ReplaceHistory(history)
		if l.metrics != nil {
			l.metrics.RecordCompaction()
		}
	}

	msgs := l.builder.BuildMessages(ctx, BuildInput{
		History:        history,
		Current:        ex.content,
		Media:          ex.media,
		ChannelContext: ex.channelContext,
		Namespace:      ex.sessionKey,
	})
	base := len(msgs)

	final, msgs, err := l.iterate(ctx, msgs, ex.fallback)
	if err != nil {
		return "", err
	}

	// Persist the full exchange, tool turns included, so the session
	// replays cleanly: user, assistant tool calls, tool results,
	// final assistant.
	sess.AddTurn(models.RoleUser, ex.content)
	if len(msgs) > base {
		sess.Append(msgs[base:]...)
	}
	sess.AddTurn(models.RoleAssistant, final)
	if err := l.sessions.Save(ctx, sess); err != nil {
		return "", fmt.Errorf("save session %q: %w", ex.sessionKey, err)
	}

	l.maybeExtract(ctx, sess, ex.sessionKey)
	return final, nil
}

// iterate converses until the LM answers without tool calls or the
// iteration bound is hit, in which case fallback becomes the reply.
// Tool calls execute sequentially in the order the LM issued them.
func (l *Loop) iterate(ctx context.Context, msgs []models.Turn, fallback string) (string, []models.Turn, error) {
	final, done := "", false
	for i := 0; i < l.maxIterations; i++ {
		resp, err := l.chat(ctx, msgs)
		if err != nil {
			return "", msgs, err
		}
		if !resp.HasToolCalls() {
			final, done = resp.Content, true
			break
		}
		msgs = AddAssistantMessage(msgs, resp.Content, resp.ToolCalls)
		for _, call := range resp.ToolCalls {
			msgs = AddToolResult(msgs, call.ID, call.Name, l.execute(ctx, call))
		}
	}
	if !done {
		final = fallback
		if l.logger != nil {
			l.logger.Warn(ctx, "iteration limit reached", "limit", l.maxIterations)
		}
	}
	return final, msgs, nil
}

func (l *Loop) chat(ctx context.Context, msgs []models.Turn) (*models.LMResponse, error) {
	var span trace.Span
	if l.tracer != nil {
		ctx, span = l.tracer.TraceLLMRequest(ctx, l.provider.Name(), l.model)
		defer span.End()
	}

	start := time.Now()
	resp, err := l.provider.Chat(ctx, providers.ChatRequest{
		Model:     l.model,
		Turns:     msgs,
		Tools:     l.tools.Definitions(),
		MaxTokens: l.maxTokens,
	})
	if l.metrics != nil {
		status := "success"
		var in, out int
		if err != nil {
			status = "error"
		} else {
			in, out = resp.Usage.InputTokens, resp.Usage.OutputTokens
		}
		l.metrics.RecordLLMRequest(l.provider.Name(), l.model, status, time.Since(start).Seconds(), in, out)
	}
	if err != nil {
		if l.tracer != nil {
			l.tracer.RecordError(span, err)
		}
		return nil, fmt.Errorf("chat completion: %w", err)
	}
	return resp, nil
}

func (l *Loop) execute(ctx context.Context, call models.ToolCall) string {
	var span trace.Span
	if l.tracer != nil {
		ctx, span = l.tracer.TraceToolExecution(ctx, call.Name)
		defer span.End()
	}

	start := time.Now()
	result := l.tools.Execute(ctx, call.Name, call.Arguments)
	if l.metrics != nil {
		// Tool failures travel in-band as "Error: ..." strings.
		status := "success"
		if strings.HasPrefix(result, "Error") {
			status = "error"
		}
		l.metrics.RecordToolExecution(call.Name, status, time.Since(start).Seconds())
	}
	return result
}

// maybeFlush runs a whole-history extraction pass right before
// compaction would discard the oldest turns, so long-lived facts
// survive the summary.
func (l *Loop) maybeFlush(ctx context.Context, history []models.Turn, namespace string) {
	if !l.flushEnabled || l.extractor == nil || l.consolidator == nil || l.compactor == nil {
		return
	}
	if len(history) < l.compactor.Threshold() {
		return
	}
	facts := l.extractor.ExtractForFlush(ctx, history)
	if len(facts) == 0 {
		return
	}
	if _, err := l.consolidator.Consolidate(ctx, facts, namespace); err != nil {
		if l.logger != nil {
			l.logger.Warn(ctx, "pre-compaction flush failed", "error", err)
		}
		return
	}
	if l.logger != nil {
		l.logger.Debug(ctx, "pre-compaction flush stored facts", "count", len(facts))
	}
}

// maybeExtract kicks off the periodic extraction passes every
// extractionInterval user turns. The passes run in the background;
// the reply does not wait for them.
func (l *Loop) maybeExtract(ctx context.Context, sess *session.Session, namespace string) {
	if l.extractor == nil || l.consolidator == nil {
		return
	}
	count := sess.UserTurnCount()
	if count == 0 || count%l.extractionInterval != 0 {
		return
	}
	window := tail(sess.History(), extractionWindow)
	l.maintenance.Add(1)
	go func() {
		defer l.maintenance.Done()
		l.extractAndConsolidate(ctx, window, namespace)
	}()
}

func (l *Loop) extractAndConsolidate(ctx context.Context, window []models.Turn, namespace string) {
	l.consolidate(ctx, l.extractor.Extract(ctx, window), namespace, "facts")
	l.consolidate(ctx, l.extractor.ExtractLessons(ctx, window), namespace, "lessons")
	if l.toolLessons {
		l.consolidate(ctx, l.extractor.ExtractToolLessons(ctx, window), namespace, "tool_lessons")
	}
}

func (l *Loop) consolidate(ctx context.Context, facts []models.Fact, namespace, kind string) {
	if len(facts) == 0 {
		return
	}
	if _, err := l.consolidator.Consolidate(ctx, facts, namespace); err != nil && l.logger != nil {
		l.logger.Warn(ctx, "consolidation failed", "kind", kind, "error", err)
	}
}

// checkRestartSignal consumes the restart sentinel, if present, and
// schedules the verification job it carries as a one-shot.
func (l *Loop) checkRestartSignal(ctx context.Context) {
	if l.dataDir == "" {
		return
	}
	sig, err := restart.LoadAndClear(l.dataDir)
	if err != nil {
		if l.logger != nil {
			l.logger.Warn(ctx, "restart sentinel unreadable", "error", err)
		}
		return
	}
	if sig == nil {
		return
	}
	if l.logger != nil {
		l.logger.Info(ctx, "restart signal found", "reason", sig.Reason)
	}

	job := sig.VerifyJob
	if job == nil || l.scheduler == nil || job.AtTime == "" {
		return
	}
	at, err := job.At()
	if err != nil {
		if l.logger != nil {
			l.logger.Warn(ctx, "verify job has invalid time", "error", err)
		}
		return
	}
	name := job.Name
	if name == "" {
		name = "verify_mcp"
	}
	message := job.Message
	if message == "" {
		message = "Verify MCP installation"
	}
	added, err := l.scheduler.Add(cron.JobSpec{
		Name:           name,
		Schedule:       cron.Schedule{Kind: cron.KindAt, At: at},
		Message:        message,
		Channel:        job.Channel,
		To:             job.To,
		Deliver:        job.Deliver,
		DeleteAfterRun: true,
	})
	if err != nil {
		if l.logger != nil {
			l.logger.Warn(ctx, "verify job scheduling failed", "error", err)
		}
		return
	}
	if l.logger != nil {
		l.logger.Info(ctx, "verification job scheduled", "job_id", added.ID, "at", at.Format(time.RFC3339))
	}
}

func metadataString(meta map[string]any, key string) string {
	if meta == nil {
		return ""
	}
	if v, ok := meta[key].(string); ok {
		return v
	}
	return ""
}

// wantsDelivery honors an explicit deliver=false metadata marker;
// anything else means deliver.
func wantsDelivery(meta map[string]any) bool {
	if meta == nil {
		return true
	}
	if v, ok := meta["deliver"].(bool); ok {
		return v
	}
	return true
}

func tail(turns []models.Turn, n int) []models.Turn {
	if len(turns) <= n {
		return turns
	}
	return turns[len(turns)-n:]
}
