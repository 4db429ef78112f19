// Package subagent runs background agent instances: isolated context,
// a focused prompt, a restricted tool surface, and bounded
// concurrency. Results are announced back to the originating
// conversation through the message bus.
package subagent

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/meridianhq/conduit/internal/observability"
)

// TaskState is the lifecycle of a registry task.
type TaskState string

const (
	TaskPending    TaskState = "pending"
	TaskInProgress TaskState = "in_progress"
	TaskCompleted  TaskState = "completed"
	TaskFailed     TaskState = "failed"
)

// AgentState is the lifecycle of a registered worker.
type AgentState string

const (
	AgentIdle      AgentState = "idle"
	AgentBusy      AgentState = "busy"
	AgentCompleted AgentState = "completed"
	AgentFailed    AgentState = "failed"
)

// Proof kinds accepted by SubmitProof.
var proofKinds = map[string]bool{
	"git":     true,
	"file":    true,
	"command": true,
	"test":    true,
	"pr":      true,
}

// Proof is verifiable evidence that a task's work actually happened:
// a commit hash, a file digest, a command exit code, test counts, or
// a PR URL.
type Proof struct {
	Kind        string         `json:"kind"`
	Detail      map[string]any `json:"detail,omitempty"`
	SubmittedAt time.Time      `json:"submitted_at"`
}

// Task is a unit of delegated work tracked across subagent restarts.
type Task struct {
	ID          string    `json:"id"`
	Description string    `json:"description"`
	State       TaskState `json:"state"`
	Reason      string    `json:"reason,omitempty"`
	AgentID     string    `json:"agent_id,omitempty"`
	Proofs      []Proof   `json:"proofs,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Agent is one registered worker and its heartbeat.
type Agent struct {
	ID           string     `json:"id"`
	TaskID       string     `json:"task_id"`
	State        AgentState `json:"state"`
	Reason       string     `json:"reason,omitempty"`
	Capabilities []string   `json:"capabilities,omitempty"`
	Tools        []string   `json:"tools,omitempty"`
	LastPulse    time.Time  `json:"last_pulse,omitempty"`
	RegisteredAt time.Time  `json:"registered_at"`
}

// RunRegistryConfig configures persistence and cleanup.
type RunRegistryConfig struct {
	// PersistPath is the JSON file the registry survives restarts in.
	// Empty disables persistence.
	PersistPath string

	// ArchiveAfter is how long finished tasks linger before the
	// sweeper removes them. Default one hour.
	ArchiveAfter time.Duration

	// SweepInterval is how often the sweeper runs. Zero disables it.
	SweepInterval time.Duration

	Logger *observability.Logger
}

// RunRegistry tracks delegated tasks, the agents working them, their
// heartbeats, and the proofs they submit. It is the durable side of
// subagent execution; the manager holds only in-flight state.
type RunRegistry struct {
	mu     sync.RWMutex
	cfg    RunRegistryConfig
	tasks  map[string]*Task
	agents map[string]*Agent

	sweeper *time.Ticker
	stopCh  chan struct{}
	stopped bool
}

// NewRunRegistry restores persisted state and starts the sweeper.
func NewRunRegistry(cfg RunRegistryConfig) *RunRegistry {
	if cfg.ArchiveAfter <= 0 {
		cfg.ArchiveAfter = time.Hour
	}
	r := &RunRegistry{
		cfg:    cfg,
		tasks:  make(map[string]*Task),
		agents: make(map[string]*Agent),
		stopCh: make(chan struct{}),
	}
	r.restore()
	if cfg.SweepInterval > 0 {
		r.sweeper = time.NewTicker(cfg.SweepInterval)
		go r.sweepLoop()
	}
	return r
}

// CreateTask registers a pending task and returns it.
func (r *RunRegistry) CreateTask(id, description string) *Task {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	task := &Task{
		ID:          id,
		Description: description,
		State:       TaskPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	r.tasks[id] = task
	r.persistLocked()

	copied := *task
	return &copied
}

// Handshake binds an agent to a task before work starts. The task
// must exist and not be finished already.
func (r *RunRegistry) Handshake(agentID, taskID string, capabilities, toolNames []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	task, ok := r.tasks[taskID]
	if !ok {
		return fmt.Errorf("handshake: task %s not found", taskID)
	}
	if task.State == TaskCompleted || task.State == TaskFailed {
		return fmt.Errorf("handshake: task %s already %s", taskID, task.State)
	}

	now := time.Now().UTC()
	r.agents[agentID] = &Agent{
		ID:           agentID,
		TaskID:       taskID,
		State:        AgentBusy,
		Capabilities: capabilities,
		Tools:        toolNames,
		LastPulse:    now,
		RegisteredAt: now,
	}
	task.AgentID = agentID
	task.UpdatedAt = now
	r.persistLocked()
	return nil
}

// UpdateTaskState transitions a task, recording why.
func (r *RunRegistry) UpdateTaskState(taskID string, state TaskState, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	task, ok := r.tasks[taskID]
	if !ok {
		return fmt.Errorf("task %s not found", taskID)
	}
	task.State = state
	task.Reason = reason
	task.UpdatedAt = time.Now().UTC()
	r.persistLocked()
	return nil
}

// UpdateAgentState transitions an agent, recording why.
func (r *RunRegistry) UpdateAgentState(agentID string, state AgentState, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[agentID]
	if !ok {
		return fmt.Errorf("agent %s not found", agentID)
	}
	agent.State = state
	agent.Reason = reason
	r.persistLocked()
	return nil
}

// RecordPulse refreshes an agent's heartbeat.
func (r *RunRegistry) RecordPulse(agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[agentID]
	if !ok {
		return fmt.Errorf("agent %s not found", agentID)
	}
	agent.LastPulse = time.Now().UTC()
	r.persistLocked()
	return nil
}

// SubmitProof attaches evidence to a task and marks it completed.
// Submitting proof is how a subagent declares its work done.
func (r *RunRegistry) SubmitProof(taskID string, proof Proof) error {
	if !proofKinds[proof.Kind] {
		return fmt.Errorf("unknown proof kind %q", proof.Kind)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	task, ok := r.tasks[taskID]
	if !ok {
		return fmt.Errorf("task %s not found", taskID)
	}
	if proof.SubmittedAt.IsZero() {
		proof.SubmittedAt = time.Now().UTC()
	}
	task.Proofs = append(task.Proofs, proof)
	task.State = TaskCompleted
	task.Reason = "proof submitted"
	task.UpdatedAt = time.Now().UTC()
	r.persistLocked()
	return nil
}

// Task returns a copy of the task, or nil.
func (r *RunRegistry) Task(id string) *Task {
	r.mu.RLock()
	defer r.mu.RUnlock()
	task, ok := r.tasks[id]
	if !ok {
		return nil
	}
	copied := *task
	copied.Proofs = append([]Proof(nil), task.Proofs...)
	return &copied
}

// Agent returns a copy of the agent, or nil.
func (r *RunRegistry) Agent(id string) *Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	agent, ok := r.agents[id]
	if !ok {
		return nil
	}
	copied := *agent
	return &copied
}

// Stats summarizes the registry for the status tool.
type Stats struct {
	Tasks         int                `json:"tasks"`
	TasksByState  map[TaskState]int  `json:"tasks_by_state"`
	Agents        int                `json:"agents"`
	AgentsByState map[AgentState]int `json:"agents_by_state"`
}

// Stats counts tasks and agents by state.
func (r *RunRegistry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := Stats{
		Tasks:         len(r.tasks),
		TasksByState:  make(map[TaskState]int),
		Agents:        len(r.agents),
		AgentsByState: make(map[AgentState]int),
	}
	for _, task := range r.tasks {
		stats.TasksByState[task.State]++
	}
	for _, agent := range r.agents {
		stats.AgentsByState[agent.State]++
	}
	return stats
}

// Stop halts the sweeper. Persisted state remains on disk.
func (r *RunRegistry) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	r.mu.Unlock()

	close(r.stopCh)
	if r.sweeper != nil {
		r.sweeper.Stop()
	}
}

func (r *RunRegistry) sweepLoop() {
	for {
		select {
		case <-r.stopCh:
			return
		case <-r.sweeper.C:
			r.sweep()
		}
	}
}

// sweep drops finished tasks past their archive window and any agents
// whose task is gone.
func (r *RunRegistry) sweep() {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().UTC().Add(-r.cfg.ArchiveAfter)
	mutated := false
	for id, task := range r.tasks {
		if (task.State == TaskCompleted || task.State == TaskFailed) && task.UpdatedAt.Before(cutoff) {
			delete(r.tasks, id)
			mutated = true
		}
	}
	for id, agent := range r.agents {
		if _, ok := r.tasks[agent.TaskID]; !ok {
			delete(r.agents, id)
			mutated = true
		}
	}
	if mutated {
		r.persistLocked()
	}
}

// registryState is the persisted document shape.
type registryState struct {
	Tasks  map[string]*Task  `json:"tasks"`
	Agents map[string]*Agent `json:"agents"`
}

func (r *RunRegistry) persistLocked() {
	if r.cfg.PersistPath == "" {
		return
	}
	data, err := json.MarshalIndent(registryState{Tasks: r.tasks, Agents: r.agents}, "", "  ")
	if err != nil {
		return
	}
	if err := os.MkdirAll(filepath.Dir(r.cfg.PersistPath), 0o755); err != nil {
		return
	}
	tmp := r.cfg.PersistPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return
	}
	_ = os.Rename(tmp, r.cfg.PersistPath)
}

func (r *RunRegistry) restore() {
	if r.cfg.PersistPath == "" {
		return
	}
	data, err := os.ReadFile(r.cfg.PersistPath)
	if err != nil {
		return
	}
	var state registryState
	if err := json.Unmarshal(data, &state); err != nil {
		return
	}
	for id, task := range state.Tasks {
		r.tasks[id] = task
	}
	for id, agent := range state.Agents {
		r.agents[id] = agent
	}
}
