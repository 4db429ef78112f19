package cron

import (
	"strings"
	"time"
)

// Schedule kinds.
const (
	KindCron  = "cron"
	KindEvery = "every"
	KindAt    = "at"
)

// Schedule represents a parsed schedule. Exactly one of Expr, Every,
// or At is set depending on Kind.
type Schedule struct {
	Kind     string        `yaml:"kind" json:"kind"`
	Expr     string        `yaml:"expr,omitempty" json:"expr,omitempty"`
	Every    time.Duration `yaml:"every,omitempty" json:"every,omitempty"`
	At       time.Time     `yaml:"at,omitempty" json:"at,omitempty"`
	Timezone string        `yaml:"timezone,omitempty" json:"timezone,omitempty"`
}

// JobSpec describes a job to register. Channel and To route the
// agent's response; both empty means the console. Deliver false runs
// the job without surfacing the response to any channel.
type JobSpec struct {
	Name           string
	Schedule       Schedule
	Message        string
	Channel        string
	To             string
	Deliver        bool
	DeleteAfterRun bool
}

// Job is a registered scheduled job. When the schedule fires, the
// scheduler publishes Message as a system-channel inbound message and
// the agent loop processes it like any other.
type Job struct {
	ID             string    `yaml:"id" json:"id"`
	Name           string    `yaml:"name" json:"name"`
	Schedule       Schedule  `yaml:"schedule" json:"schedule"`
	Message        string    `yaml:"message" json:"message"`
	Channel        string    `yaml:"channel,omitempty" json:"channel,omitempty"`
	To             string    `yaml:"to,omitempty" json:"to,omitempty"`
	Deliver        bool      `yaml:"deliver" json:"deliver"`
	DeleteAfterRun bool      `yaml:"delete_after_run,omitempty" json:"delete_after_run,omitempty"`
	Enabled        bool      `yaml:"enabled" json:"enabled"`
	CreatedAt      time.Time `yaml:"created_at" json:"created_at"`
	NextRun        time.Time `yaml:"next_run,omitempty" json:"next_run,omitempty"`
	LastRun        time.Time `yaml:"last_run,omitempty" json:"last_run,omitempty"`
	LastError      string    `yaml:"last_error,omitempty" json:"last_error,omitempty"`
}

// Origin returns the "channel:chat_id" pair a fired job's response
// should reach. Jobs without explicit routing land on the console.
func (j *Job) Origin() (channel, to string) {
	channel = strings.TrimSpace(j.Channel)
	to = strings.TrimSpace(j.To)
	if channel == "" || to == "" {
		return "cli", "direct"
	}
	return channel, to
}
