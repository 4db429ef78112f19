package cron

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var cronParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// ScheduleSpec is the raw schedule input from the cron tool or a
// restart sentinel. Exactly one of Cron, Every, or At should be set;
// At wins, then Every, then Cron.
type ScheduleSpec struct {
	Cron     string
	Every    time.Duration
	At       string
	Timezone string
}

// NewSchedule parses a schedule spec into a Schedule.
func NewSchedule(spec ScheduleSpec) (Schedule, error) {
	if strings.TrimSpace(spec.Cron) == "" && spec.Every == 0 && strings.TrimSpace(spec.At) == "" {
		return Schedule{}, fmt.Errorf("schedule is required")
	}
	sched := Schedule{
		Expr:     strings.TrimSpace(spec.Cron),
		Every:    spec.Every,
		Timezone: strings.TrimSpace(spec.Timezone),
	}
	if strings.TrimSpace(spec.At) != "" {
		at, err := parseAt(spec.At, sched.Timezone)
		if err != nil {
			return Schedule{}, err
		}
		sched.At = at
		sched.Kind = KindAt
		return sched, nil
	}
	if sched.Every > 0 {
		sched.Kind = KindEvery
		return sched, nil
	}
	if sched.Expr != "" {
		if _, err := cronParser.Parse(sched.Expr); err != nil {
			return Schedule{}, fmt.Errorf("invalid cron expression: %w", err)
		}
		sched.Kind = KindCron
		return sched, nil
	}
	return Schedule{}, fmt.Errorf("invalid schedule")
}

// Next returns the next run time for the schedule after the given time.
func (s Schedule) Next(now time.Time) (time.Time, bool, error) {
	switch s.Kind {
	case KindAt:
		if s.At.IsZero() {
			return time.Time{}, false, fmt.Errorf("at schedule missing timestamp")
		}
		if now.After(s.At) {
			return time.Time{}, false, nil
		}
		return s.At, true, nil
	case KindEvery:
		if s.Every <= 0 {
			return time.Time{}, false, fmt.Errorf("every schedule missing duration")
		}
		return now.Add(s.Every), true, nil
	case KindCron:
		if s.Expr == "" {
			return time.Time{}, false, fmt.Errorf("cron schedule missing expression")
		}
		loc := now.Location()
		if s.Timezone != "" {
			if tz, err := time.LoadLocation(s.Timezone); err == nil {
				loc = tz
			}
		}
		schedule, err := cronParser.Parse(s.Expr)
		if err != nil {
			return time.Time{}, false, fmt.Errorf("parse cron expression: %w", err)
		}
		next := schedule.Next(now.In(loc))
		return next, !next.IsZero(), nil
	default:
		return time.Time{}, false, fmt.Errorf("unknown schedule kind")
	}
}

// Describe renders the schedule for job listings.
func (s Schedule) Describe() string {
	switch s.Kind {
	case KindAt:
		return "at " + s.At.Format(time.RFC3339)
	case KindEvery:
		return "every " + s.Every.String()
	case KindCron:
		if s.Timezone != "" {
			return fmt.Sprintf("cron %q (%s)", s.Expr, s.Timezone)
		}
		return fmt.Sprintf("cron %q", s.Expr)
	default:
		return "unscheduled"
	}
}

func parseAt(value, tz string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, fmt.Errorf("at schedule value required")
	}
	if tz != "" {
		if loc, err := time.LoadLocation(tz); err == nil {
			if parsed, err := time.ParseInLocation(time.RFC3339, value, loc); err == nil {
				return parsed, nil
			}
			if parsed, err := time.ParseInLocation("2006-01-02 15:04", value, loc); err == nil {
				return parsed, nil
			}
		}
	}
	if parsed, err := time.Parse(time.RFC3339, value); err == nil {
		return parsed, nil
	}
	if parsed, err := time.Parse("2006-01-02 15:04", value); err == nil {
		return parsed, nil
	}
	return time.Time{}, fmt.Errorf("invalid at schedule: %s", value)
}
