// Package cron schedules messages the agent sends itself. A job is a
// schedule plus a message; when it fires, the scheduler publishes the
// message on the bus as system-channel inbound work and the agent
// loop processes it like anything else, routing the response to the
// job's channel.
package cron

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/meridianhq/conduit/internal/bus"
	"github.com/meridianhq/conduit/internal/observability"
	"github.com/meridianhq/conduit/pkg/models"
)

const defaultTickInterval = 30 * time.Second

// Scheduler owns the job list and the tick loop. Jobs persist as YAML
// when a store path is configured, so schedules survive restarts.
type Scheduler struct {
	bus          *bus.Bus
	logger       *observability.Logger
	metrics      *observability.Metrics
	now          func() time.Time
	tickInterval time.Duration
	path         string

	mu      sync.Mutex
	jobs    []*Job
	started bool
	wg      sync.WaitGroup
}

// Option configures the scheduler.
type Option func(*Scheduler)

// WithLogger configures the scheduler logger.
func WithLogger(logger *observability.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics configures firing counters.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(s *Scheduler) {
		if metrics != nil {
			s.metrics = metrics
		}
	}
}

// WithStorePath enables YAML persistence of the job list.
func WithStorePath(path string) Option {
	return func(s *Scheduler) {
		s.path = strings.TrimSpace(path)
	}
}

// WithNow overrides the clock for tests.
func WithNow(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithTickInterval overrides the scheduler tick interval.
func WithTickInterval(interval time.Duration) Option {
	return func(s *Scheduler) {
		if interval > 0 {
			s.tickInterval = interval
		}
	}
}

// NewScheduler creates a scheduler, restoring any persisted jobs.
func NewScheduler(b *bus.Bus, opts ...Option) (*Scheduler, error) {
	scheduler := &Scheduler{
		bus:          b,
		now:          time.Now,
		tickInterval: defaultTickInterval,
	}
	for _, opt := range opts {
		opt(scheduler)
	}

	if scheduler.path != "" {
		jobs, err := loadJobs(scheduler.path)
		if err != nil {
			return nil, err
		}
		now := scheduler.now()
		for _, job := range jobs {
			if job == nil {
				continue
			}
			// A restored job can have a stale NextRun; one in the past
			// fires on the first tick, which is what a schedule missed
			// during downtime should do.
			if job.Enabled && job.NextRun.IsZero() {
				if next, ok, err := job.Schedule.Next(now); err == nil && ok {
					job.NextRun = next
				} else {
					job.Enabled = false
				}
			}
			scheduler.jobs = append(scheduler.jobs, job)
		}
	}
	return scheduler, nil
}

// Add registers a job and returns a copy of it.
func (s *Scheduler) Add(spec JobSpec) (*Job, error) {
	if strings.TrimSpace(spec.Message) == "" {
		return nil, fmt.Errorf("job message required")
	}
	now := s.now()
	next, ok, err := spec.Schedule.Next(now)
	if err != nil {
		return nil, err
	}
	if !ok {
		if spec.Schedule.Kind != KindAt || spec.Schedule.At.IsZero() {
			return nil, fmt.Errorf("schedule has no next run")
		}
		// A one-shot whose time already passed still fires once, so a
		// slow restart cannot skip a pending verification job.
		next = now
	}

	job := &Job{
		ID:             newJobID(),
		Name:           strings.TrimSpace(spec.Name),
		Schedule:       spec.Schedule,
		Message:        spec.Message,
		Channel:        strings.TrimSpace(spec.Channel),
		To:             strings.TrimSpace(spec.To),
		Deliver:        spec.Deliver,
		DeleteAfterRun: spec.DeleteAfterRun,
		Enabled:        true,
		CreatedAt:      now,
		NextRun:        next,
	}
	if job.Name == "" {
		job.Name = job.ID
	}

	s.mu.Lock()
	s.jobs = append(s.jobs, job)
	err = s.persistLocked()
	s.mu.Unlock()
	if err != nil && s.logger != nil {
		s.logger.Warn(context.Background(), "cron persist failed", "error", err)
	}

	copyJob := *job
	return &copyJob, nil
}

// Remove deletes a job by id and reports whether it existed.
func (s *Scheduler) Remove(id string) bool {
	id = strings.TrimSpace(id)
	if id == "" {
		return false
	}
	s.mu.Lock()
	removed := s.removeLocked(id)
	var err error
	if removed {
		err = s.persistLocked()
	}
	s.mu.Unlock()
	if err != nil && s.logger != nil {
		s.logger.Warn(context.Background(), "cron persist failed", "error", err)
	}
	return removed
}

// Jobs returns a copy of the registered jobs in registration order.
func (s *Scheduler) Jobs() []*Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		if job == nil {
			continue
		}
		copyJob := *job
		out = append(out, &copyJob)
	}
	return out
}

// Start begins the tick loop until the context is cancelled.
// Idempotent; a second call is a no-op.
func (s *Scheduler) Start(ctx context.Context) error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.tickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.runDue(ctx)
			}
		}
	}()
	return nil
}

// Stop waits for the scheduler loop to exit.
func (s *Scheduler) Stop(ctx context.Context) error {
	if s == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce executes due jobs immediately (primarily for tests).
func (s *Scheduler) RunOnce(ctx context.Context) int {
	if s == nil {
		return 0
	}
	return s.runDue(ctx)
}

func (s *Scheduler) runDue(ctx context.Context) int {
	now := s.now()
	s.mu.Lock()
	jobs := make([]*Job, len(s.jobs))
	copy(jobs, s.jobs)
	s.mu.Unlock()

	count := 0
	var remove []string
	for _, job := range jobs {
		if job == nil {
			continue
		}
		s.mu.Lock()
		if !job.Enabled || job.NextRun.IsZero() || now.Before(job.NextRun) {
			s.mu.Unlock()
			continue
		}
		job.LastRun = now
		jobID := job.ID
		s.mu.Unlock()

		err := s.fire(ctx, job)
		if err != nil {
			if s.logger != nil {
				s.logger.Warn(ctx, "cron job failed", "id", jobID, "error", err)
			}
			if s.metrics != nil {
				s.metrics.RecordCronRun("error")
			}
		} else if s.metrics != nil {
			s.metrics.RecordCronRun("fired")
		}

		s.mu.Lock()
		if err != nil {
			job.LastError = err.Error()
		} else {
			job.LastError = ""
		}
		if job.Schedule.Kind == KindAt {
			// One-shots complete after a single firing.
			job.NextRun = time.Time{}
			job.Enabled = false
		} else if next, ok, nextErr := job.Schedule.Next(now); nextErr != nil {
			job.LastError = nextErr.Error()
			job.NextRun = time.Time{}
			job.Enabled = false
		} else if ok {
			job.NextRun = next
		} else {
			job.NextRun = time.Time{}
			job.Enabled = false
		}
		if job.DeleteAfterRun {
			remove = append(remove, job.ID)
		}
		s.mu.Unlock()
		count++
	}

	if count > 0 {
		s.mu.Lock()
		for _, id := range remove {
			s.removeLocked(id)
		}
		err := s.persistLocked()
		s.mu.Unlock()
		if err != nil && s.logger != nil {
			s.logger.Warn(ctx, "cron persist failed", "error", err)
		}
	}
	return count
}

// fire publishes the job's message as system-channel inbound work.
// The chat id carries the response origin; the deliver flag tells the
// loop whether the response should reach that channel at all.
func (s *Scheduler) fire(ctx context.Context, job *Job) error {
	channel, to := job.Origin()
	msg := models.InboundMessage{
		Channel:  models.ChannelSystem,
		SenderID: "cron",
		ChatID:   channel + ":" + to,
		Content:  job.Message,
		Metadata: map[string]any{
			"job_id":   job.ID,
			"job_name": job.Name,
			"deliver":  job.Deliver,
		},
	}
	if err := s.bus.PublishInbound(ctx, msg); err != nil {
		return err
	}
	if s.logger != nil {
		s.logger.Debug(ctx, "cron job fired", "id", job.ID, "name", job.Name)
	}
	return nil
}

func (s *Scheduler) removeLocked(id string) bool {
	for i, job := range s.jobs {
		if job != nil && job.ID == id {
			s.jobs = append(s.jobs[:i], s.jobs[i+1:]...)
			return true
		}
	}
	return false
}

func (s *Scheduler) persistLocked() error {
	if s.path == "" {
		return nil
	}
	return saveJobs(s.path, s.jobs)
}

func newJobID() string {
	return uuid.NewString()[:8]
}
