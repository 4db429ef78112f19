package cron

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// jobsFile is the on-disk shape of the scheduler state.
type jobsFile struct {
	Jobs []*Job `yaml:"jobs"`
}

// loadJobs reads the persisted job list. A missing file is an empty
// scheduler, not an error.
func loadJobs(path string) ([]*Job, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read cron jobs: %w", err)
	}
	var file jobsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse cron jobs: %w", err)
	}
	return file.Jobs, nil
}

// saveJobs writes the job list atomically so a crash mid-write cannot
// corrupt the schedule.
func saveJobs(path string, jobs []*Job) error {
	data, err := yaml.Marshal(jobsFile{Jobs: jobs})
	if err != nil {
		return fmt.Errorf("encode cron jobs: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create cron dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write cron jobs: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace cron jobs: %w", err)
	}
	return nil
}
