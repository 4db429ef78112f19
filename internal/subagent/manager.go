package subagent

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/meridianhq/conduit/internal/agent/providers"
	"github.com/meridianhq/conduit/internal/bus"
	"github.com/meridianhq/conduit/internal/observability"
	"github.com/meridianhq/conduit/internal/tools"
	"github.com/meridianhq/conduit/pkg/models"
)

const (
	defaultMaxConcurrent = 5
	defaultMaxIterations = 15
	defaultBatchTimeout  = 300 * time.Second
	defaultPulseInterval = 60 * time.Second

	noFinalResponse = "Task completed but no final response was generated."
)

// restrictedTools are main-loop capabilities a subagent must not
// reach: messaging users directly, spawning further subagents, and
// editing schedules.
var restrictedTools = []string{"message", "spawn", "spawn_batch", "subagent_status", "cron"}

// Config wires a Manager.
type Config struct {
	Provider  providers.Provider
	Model     string
	Bus       *bus.Bus
	Tools     *tools.Registry
	Workspace string

	// Registry, when set, gives spawned work durable task tracking
	// with heartbeats and proof submission.
	Registry *RunRegistry

	// MaxConcurrent bounds simultaneously executing subagents.
	// Default 5.
	MaxConcurrent int

	// MaxIterations bounds each subagent's tool loop. Default 15.
	MaxIterations int

	// PulseInterval is the registry heartbeat period. Default 60s.
	PulseInterval time.Duration

	Logger  *observability.Logger
	Metrics *observability.Metrics
}

// Capacity reports slot usage for the status tool.
type Capacity struct {
	Running   int `json:"running"`
	Max       int `json:"max"`
	Available int `json:"available"`
}

// BatchEntry is one task in a SpawnBatch call.
type BatchEntry struct {
	Task  string
	Label string
}

// Manager spawns and supervises subagents. Spawn is fire-and-forget
// with an announce on completion; SpawnBatch blocks until all entries
// finish or the batch times out. A weighted semaphore bounds how many
// subagents execute at once; excess spawns queue on it.
type Manager struct {
	provider  providers.Provider
	model     string
	bus       *bus.Bus
	tools     *tools.Registry
	workspace string
	registry  *RunRegistry
	logger    *observability.Logger
	metrics   *observability.Metrics

	maxConcurrent int
	maxIterations int
	pulseInterval time.Duration
	sem           *semaphore.Weighted

	mu      sync.Mutex
	records map[string]models.TaskRecord
	stopped bool

	// runCtx parents every subagent; Stop cancels it, abandoning
	// in-flight work.
	runCtx context.Context
	cancel context.CancelFunc
}

// NewManager creates a manager. Provider, bus, and tools are required
// by callers; nil registry disables durable tracking.
func NewManager(cfg Config) *Manager {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = defaultMaxConcurrent
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = defaultMaxIterations
	}
	if cfg.PulseInterval <= 0 {
		cfg.PulseInterval = defaultPulseInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		provider:      cfg.Provider,
		model:         cfg.Model,
		bus:           cfg.Bus,
		tools:         cfg.Tools,
		workspace:     cfg.Workspace,
		registry:      cfg.Registry,
		logger:        cfg.Logger,
		metrics:       cfg.Metrics,
		maxConcurrent: cfg.MaxConcurrent,
		maxIterations: cfg.MaxIterations,
		pulseInterval: cfg.PulseInterval,
		sem:           semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		records:       make(map[string]models.TaskRecord),
		runCtx:        ctx,
		cancel:        cancel,
	}
}

// Spawn starts a subagent in the background and returns a status line
// for the LM. The result is announced to the originating conversation
// when the subagent finishes.
func (m *Manager) Spawn(ctx context.Context, task, label string, origin models.Origin) string {
	taskID := newTaskID()
	display := label
	if display == "" {
		display = task
		if len(display) > 30 {
			display = display[:30] + "..."
		}
	} else if len(display) > 30 {
		display = display[:30]
	}

	rec := models.TaskRecord{
		TaskID: taskID,
		Label:  display,
		Task:   task,
		Origin: origin,
	}
	if m.registry != nil {
		registryTask := m.registry.CreateTask(taskID, task)
		rec.RegistryTaskID = registryTask.ID
	}

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return "Error: subagent manager is stopped"
	}
	m.records[taskID] = rec
	queued := len(m.records) > m.maxConcurrent
	m.mu.Unlock()

	go m.run(rec)

	if m.logger != nil {
		m.logger.Info(ctx, "subagent spawned",
			"task_id", taskID,
			"label", display,
			"origin", origin.Channel+":"+origin.ChatID)
	}

	notice := ""
	if queued {
		notice = fmt.Sprintf(" (queued — all %d slots busy, will start when a slot opens)", m.maxConcurrent)
	}
	return fmt.Sprintf("Subagent [%s] started (id: %s).%s I'll notify you when it completes.", display, taskID, notice)
}

// SpawnBatch runs several subagents concurrently and blocks until all
// finish, returning a combined report. Entries run silently; only the
// combined result reaches the caller. Timeout zero means 5 minutes.
func (m *Manager) SpawnBatch(ctx context.Context, entries []BatchEntry, origin models.Origin, timeout time.Duration) string {
	if len(entries) == 0 {
		return "Error: no tasks provided"
	}
	if timeout <= 0 {
		timeout = defaultBatchTimeout
	}

	type outcome struct {
		label  string
		ok     bool
		result string
	}
	outcomes := make([]outcome, len(entries))

	runCtx, cancel := context.WithCancel(m.runCtx)
	defer cancel()

	var wg sync.WaitGroup
	for i, entry := range entries {
		label := entry.Label
		if label == "" {
			label = entry.Task
			if len(label) > 40 {
				label = label[:40]
			}
		}
		rec := models.TaskRecord{
			TaskID: newTaskID(),
			Label:  label,
			Task:   entry.Task,
			Origin: origin,
			Silent: true,
		}

		wg.Add(1)
		go func(i int, rec models.TaskRecord) {
			defer wg.Done()
			result, err := m.execute(runCtx, rec)
			if err != nil {
				outcomes[i] = outcome{label: rec.Label, result: fmt.Sprintf("Error: %v", err)}
				return
			}
			outcomes[i] = outcome{label: rec.Label, ok: true, result: result}
		}(i, rec)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		cancel()
		return fmt.Sprintf("Error: batch timed out after %ds. Some tasks may not have completed.", int(timeout.Seconds()))
	case <-ctx.Done():
		cancel()
		return fmt.Sprintf("Error: %v", ctx.Err())
	}

	succeeded := 0
	for _, o := range outcomes {
		if o.ok {
			succeeded++
		}
	}
	header := fmt.Sprintf("Batch complete: %d/%d succeeded", succeeded, len(outcomes))
	if failed := len(outcomes) - succeeded; failed > 0 {
		header += fmt.Sprintf(", %d failed", failed)
	}

	parts := []string{header, ""}
	for i, o := range outcomes {
		status := "[OK]"
		if !o.ok {
			status = "[FAIL]"
		}
		parts = append(parts,
			fmt.Sprintf("### %d. %s %s", i+1, status, o.label),
			strings.TrimSpace(o.result),
			"")
	}
	return strings.Join(parts, "\n")
}

// Capacity reports slot usage. Running counts only Spawn tasks; batch
// entries hold semaphore slots but are not individually tracked.
func (m *Manager) Capacity() Capacity {
	m.mu.Lock()
	defer m.mu.Unlock()
	running := len(m.records)
	available := m.maxConcurrent - running
	if available < 0 {
		available = 0
	}
	return Capacity{Running: running, Max: m.maxConcurrent, Available: available}
}

// Running lists in-flight Spawn tasks sorted by task id.
func (m *Manager) Running() []models.TaskRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.TaskRecord, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out
}

// Stop abandons in-flight subagents. Their provider calls are
// cancelled and no announces are delivered afterwards.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.mu.Unlock()
	m.cancel()
}

// run executes one spawned subagent and announces the outcome.
func (m *Manager) run(rec models.TaskRecord) {
	defer func() {
		m.mu.Lock()
		delete(m.records, rec.TaskID)
		m.mu.Unlock()
	}()

	result, err := m.execute(m.runCtx, rec)
	if err != nil {
		if m.logger != nil {
			m.logger.Error(m.runCtx, "subagent failed", "task_id", rec.TaskID, "error", err)
		}
		m.announce(rec, fmt.Sprintf("Error: %v", err), false)
		return
	}
	m.announce(rec, result, true)
}

// execute acquires a concurrency slot and runs the subagent loop.
func (m *Manager) execute(ctx context.Context, rec models.TaskRecord) (string, error) {
	if err := m.sem.Acquire(ctx, 1); err != nil {
		return "", fmt.Errorf("acquire slot: %w", err)
	}
	defer m.sem.Release(1)

	if m.metrics != nil {
		m.metrics.SubagentStarted()
	}
	status := "error"
	defer func() {
		if m.metrics != nil {
			m.metrics.SubagentFinished(status)
		}
	}()

	result, err := m.runLoop(ctx, rec)
	if err == nil {
		status = "ok"
	}
	return result, err
}

// runLoop is the subagent's own provider/tool iteration, independent
// of the main loop's session state.
func (m *Manager) runLoop(ctx context.Context, rec models.TaskRecord) (string, error) {
	registry := m.tools.CloneWithout(restrictedTools...)
	agentID := "subagent-" + rec.TaskID
	tracked := m.registry != nil && rec.RegistryTaskID != ""

	if tracked {
		if err := m.registry.Handshake(agentID, rec.RegistryTaskID, []string{"execute", "report"}, registry.Names()); err != nil {
			return "", fmt.Errorf("registry handshake: %w", err)
		}
		if err := m.registry.UpdateTaskState(rec.RegistryTaskID, TaskInProgress, "subagent started"); err != nil && m.logger != nil {
			m.logger.Warn(ctx, "task state update failed", "task_id", rec.RegistryTaskID, "error", err)
		}
		registry.Register(&proofTool{registry: m.registry, taskID: rec.RegistryTaskID})

		pulseCtx, stopPulse := context.WithCancel(ctx)
		pulseDone := make(chan struct{})
		go func() {
			defer close(pulseDone)
			m.pulseLoop(pulseCtx, agentID)
		}()
		defer func() {
			stopPulse()
			<-pulseDone
		}()
	}

	finish := func(result string, err error) (string, error) {
		if tracked {
			if err != nil {
				_ = m.registry.UpdateAgentState(agentID, AgentFailed, "subagent error")
				_ = m.registry.UpdateTaskState(rec.RegistryTaskID, TaskFailed, err.Error())
			} else {
				_ = m.registry.UpdateAgentState(agentID, AgentCompleted, "task finished")
				// Proof submission already completed the task; only a
				// proof-less success needs the transition here.
				if task := m.registry.Task(rec.RegistryTaskID); task != nil && task.State != TaskCompleted {
					_ = m.registry.UpdateTaskState(rec.RegistryTaskID, TaskCompleted, "task finished")
				}
			}
			_ = m.registry.UpdateAgentState(agentID, AgentIdle, "released")
		}
		return result, err
	}

	turns := []models.Turn{
		{Role: models.RoleSystem, Content: m.buildPrompt(rec, tracked)},
		{Role: models.RoleUser, Content: rec.Task},
	}

	// Tools invoked by the subagent route results to the spawning
	// conversation, not to the subagent's synthetic session.
	toolCtx := tools.WithRoute(ctx, tools.Route{Channel: rec.Origin.Channel, ChatID: rec.Origin.ChatID})

	for i := 0; i < m.maxIterations; i++ {
		resp, err := m.provider.Chat(toolCtx, providers.ChatRequest{
			Model: m.model,
			Turns: turns,
			Tools: registry.Definitions(),
		})
		if err != nil {
			return finish("", fmt.Errorf("subagent chat: %w", err))
		}

		if !resp.HasToolCalls() {
			if resp.Content == "" {
				return finish(noFinalResponse, nil)
			}
			return finish(resp.Content, nil)
		}

		wire := make([]models.WireToolCall, len(resp.ToolCalls))
		for j, call := range resp.ToolCalls {
			wire[j] = call.Wire()
		}
		turns = append(turns, models.Turn{
			Role:      models.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: wire,
		})
		for _, call := range resp.ToolCalls {
			result := registry.Execute(toolCtx, call.Name, call.Arguments)
			turns = append(turns, models.Turn{
				Role:       models.RoleTool,
				ToolCallID: call.ID,
				Name:       call.Name,
				Content:    result,
			})
		}
	}

	return finish(noFinalResponse, nil)
}

// announce routes the outcome back to the spawning conversation as a
// system-channel message the main loop will summarize for the user.
func (m *Manager) announce(rec models.TaskRecord, result string, ok bool) {
	if rec.Silent {
		return
	}
	statusText := "completed successfully"
	if !ok {
		statusText = "failed"
	}
	content := fmt.Sprintf("[Subagent '%s' %s]\n\nTask: %s\n\nResult:\n%s\n\nSummarize this naturally for the user. Keep it brief (1-2 sentences). Do not mention technical details like \"subagent\" or task IDs.",
		rec.Label, statusText, rec.Task, result)

	msg := models.InboundMessage{
		Channel:  models.ChannelSystem,
		SenderID: "subagent",
		ChatID:   rec.Origin.Channel + ":" + rec.Origin.ChatID,
		Content:  content,
	}
	if err := m.bus.PublishInbound(m.runCtx, msg); err != nil && m.logger != nil {
		m.logger.Warn(m.runCtx, "subagent announce dropped", "task_id", rec.TaskID, "error", err)
	}
}

// pulseLoop heartbeats the registry until the subagent finishes.
func (m *Manager) pulseLoop(ctx context.Context, agentID string) {
	ticker := time.NewTicker(m.pulseInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.registry.RecordPulse(agentID); err != nil && m.logger != nil {
				m.logger.Debug(ctx, "pulse failed", "agent_id", agentID, "error", err)
			}
		}
	}
}

func newTaskID() string {
	return uuid.NewString()[:8]
}
