// Package restart persists a one-shot signal across process restarts.
// A component that triggers a restart (for example after installing an
// MCP server) writes the sentinel; the agent loop consumes it on the
// next startup and schedules the verification job it carries.
package restart

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// SentinelFilename is the name of the restart sentinel file inside the
// data directory.
const SentinelFilename = "restart-sentinel.json"

// VerifyJob describes a follow-up check to schedule after the restart,
// delivered through the cron scheduler as a one-shot "at" job.
type VerifyJob struct {
	Name    string `json:"name,omitempty"`
	Message string `json:"message,omitempty"`
	Deliver bool   `json:"deliver"`
	Channel string `json:"channel,omitempty"`
	To      string `json:"to,omitempty"`
	// AtTime is RFC3339. A past time fires on the scheduler's next
	// tick.
	AtTime string `json:"at_time,omitempty"`
}

// At parses the job's timestamp.
func (v VerifyJob) At() (time.Time, error) {
	if v.AtTime == "" {
		return time.Time{}, fmt.Errorf("verify job has no at_time")
	}
	return time.Parse(time.RFC3339, v.AtTime)
}

// Signal is the persisted restart payload.
type Signal struct {
	Reason    string     `json:"reason"`
	VerifyJob *VerifyJob `json:"verify_job,omitempty"`
}

// Path returns the sentinel location inside dataDir.
func Path(dataDir string) string {
	return filepath.Join(dataDir, SentinelFilename)
}

// Write persists the signal atomically so a crash mid-write never
// leaves a truncated sentinel.
func Write(dataDir string, sig Signal) error {
	path := Path(dataDir)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	data, err := json.MarshalIndent(sig, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal restart signal: %w", err)
	}
	data = append(data, '\n')

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write restart signal: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("commit restart signal: %w", err)
	}
	return nil
}

// LoadAndClear reads the signal and removes the sentinel. A missing
// file returns (nil, nil); a malformed file is removed and returns an
// error so the caller can log and continue.
func LoadAndClear(dataDir string) (*Signal, error) {
	path := Path(dataDir)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read restart signal: %w", err)
	}
	// One-shot: cleared even when malformed so a bad sentinel cannot
	// wedge every startup.
	_ = os.Remove(path)

	var sig Signal
	if err := json.Unmarshal(data, &sig); err != nil {
		return nil, fmt.Errorf("parse restart signal: %w", err)
	}
	return &sig, nil
}
