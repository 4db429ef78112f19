package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/meridianhq/conduit/internal/cron"
	"github.com/meridianhq/conduit/internal/tools"
)

// CronTool creates, lists, and removes scheduled messages. A fired
// job arrives as a system message and is processed like any other
// inbound, so scheduled work can use every tool.
type CronTool struct {
	scheduler *cron.Scheduler
}

// NewCronTool creates a cron tool over the given scheduler.
func NewCronTool(scheduler *cron.Scheduler) *CronTool {
	return &CronTool{scheduler: scheduler}
}

func (t *CronTool) Name() string { return "cron" }

func (t *CronTool) Description() string {
	return "Schedule messages to yourself: reminders, recurring checks, one-shot follow-ups. " +
		"Give exactly one of cron (cron expression), every_seconds, or at (RFC3339 time)."
}

func (t *CronTool) Schema() json.RawMessage {
	return mustSchema(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"action": map[string]any{
				"type":        "string",
				"enum":        []string{"create", "list", "remove"},
				"description": "create schedules a job, list shows all jobs, remove deletes one by id.",
			},
			"message": map[string]any{
				"type":        "string",
				"description": "The message to process when the job fires (create).",
			},
			"name": map[string]any{
				"type":        "string",
				"description": "Optional job name (create).",
			},
			"cron": map[string]any{
				"type":        "string",
				"description": "Cron expression, e.g. '0 9 * * 1-5' (create).",
			},
			"every_seconds": map[string]any{
				"type":        "integer",
				"description": "Fixed interval in seconds (create).",
				"minimum":     1,
			},
			"at": map[string]any{
				"type":        "string",
				"description": "One-shot RFC3339 time, e.g. '2026-03-01T09:00:00Z' (create).",
			},
			"timezone": map[string]any{
				"type":        "string",
				"description": "IANA timezone for cron and at schedules (create).",
			},
			"channel": map[string]any{
				"type":        "string",
				"description": "Channel the result routes to (default: current conversation).",
			},
			"to": map[string]any{
				"type":        "string",
				"description": "Chat id the result routes to (default: current conversation).",
			},
			"deliver": map[string]any{
				"type":        "boolean",
				"description": "Deliver the result to the channel (default: true). False runs the job silently.",
			},
			"id": map[string]any{
				"type":        "string",
				"description": "Job id (remove).",
			},
		},
		"required": []string{"action"},
	})
}

func (t *CronTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	var input struct {
		Action       string `json:"action"`
		Message      string `json:"message"`
		Name         string `json:"name"`
		Cron         string `json:"cron"`
		EverySeconds int    `json:"every_seconds"`
		At           string `json:"at"`
		Timezone     string `json:"timezone"`
		Channel      string `json:"channel"`
		To           string `json:"to"`
		Deliver      *bool  `json:"deliver"`
		ID           string `json:"id"`
	}
	if err := decode(args, &input); err != nil {
		return fmt.Sprintf("Error: invalid parameters: %v", err), nil
	}
	if t.scheduler == nil {
		return "Error: cron scheduler is not available", nil
	}

	switch strings.ToLower(strings.TrimSpace(input.Action)) {
	case "create":
		if strings.TrimSpace(input.Message) == "" {
			return "Error: message is required", nil
		}
		schedule, err := cron.NewSchedule(cron.ScheduleSpec{
			Cron:     input.Cron,
			Every:    time.Duration(input.EverySeconds) * time.Second,
			At:       input.At,
			Timezone: input.Timezone,
		})
		if err != nil {
			return fmt.Sprintf("Error: %v", err), nil
		}

		channel := strings.TrimSpace(input.Channel)
		to := strings.TrimSpace(input.To)
		if route, ok := tools.RouteFrom(ctx); ok {
			if channel == "" {
				channel = route.Channel
			}
			if to == "" {
				to = route.ChatID
			}
		}
		deliver := true
		if input.Deliver != nil {
			deliver = *input.Deliver
		}

		job, err := t.scheduler.Add(cron.JobSpec{
			Name:     input.Name,
			Schedule: schedule,
			Message:  input.Message,
			Channel:  channel,
			To:       to,
			Deliver:  deliver,
			// One-shots clean themselves up after firing.
			DeleteAfterRun: schedule.Kind == cron.KindAt,
		})
		if err != nil {
			return fmt.Sprintf("Error: %v", err), nil
		}
		return fmt.Sprintf("Scheduled job %s (%s), next run %s",
			job.ID, job.Schedule.Describe(), job.NextRun.Format(time.RFC3339)), nil

	case "list":
		jobs := t.scheduler.Jobs()
		if len(jobs) == 0 {
			return "No scheduled jobs.", nil
		}
		var b strings.Builder
		fmt.Fprintf(&b, "%d scheduled job(s):", len(jobs))
		for _, job := range jobs {
			fmt.Fprintf(&b, "\n- %s [%s] %s", job.ID, job.Name, job.Schedule.Describe())
			if !job.Enabled || job.NextRun.IsZero() {
				b.WriteString(" (completed)")
			} else {
				fmt.Fprintf(&b, ", next run %s", job.NextRun.Format(time.RFC3339))
			}
			fmt.Fprintf(&b, ": %s", job.Message)
		}
		return b.String(), nil

	case "remove":
		id := strings.TrimSpace(input.ID)
		if id == "" {
			return "Error: id is required", nil
		}
		if !t.scheduler.Remove(id) {
			return "Error: job not found: " + id, nil
		}
		return "Removed job " + id, nil

	default:
		return fmt.Sprintf("Error: unknown action: %s (use create, list, or remove)", input.Action), nil
	}
}
