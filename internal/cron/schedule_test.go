package cron

import (
	"testing"
	"time"
)

func TestScheduleNextAt(t *testing.T) {
	now := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	sched, err := NewSchedule(ScheduleSpec{At: "2026-01-01T10:00:00Z"})
	if err != nil {
		t.Fatalf("NewSchedule() error = %v", err)
	}
	next, ok, err := sched.Next(now)
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if !ok {
		t.Fatalf("expected schedule to be due")
	}
	if !next.Equal(now) {
		t.Fatalf("expected next run at %v, got %v", now, next)
	}
}

func TestScheduleNextEvery(t *testing.T) {
	now := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	sched, err := NewSchedule(ScheduleSpec{Every: 5 * time.Minute})
	if err != nil {
		t.Fatalf("NewSchedule() error = %v", err)
	}
	next, ok, err := sched.Next(now)
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if !ok {
		t.Fatalf("expected schedule to be valid")
	}
	expected := now.Add(5 * time.Minute)
	if !next.Equal(expected) {
		t.Fatalf("expected next run at %v, got %v", expected, next)
	}
}

func TestScheduleNextCron(t *testing.T) {
	now := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	sched, err := NewSchedule(ScheduleSpec{Cron: "0 */5 * * *"})
	if err != nil {
		t.Fatalf("NewSchedule() error = %v", err)
	}
	next, ok, err := sched.Next(now)
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if !ok {
		t.Fatalf("expected schedule to be valid")
	}
	if !next.After(now) {
		t.Fatalf("expected next run after now")
	}
}

func TestNewSchedule_EmptyRequired(t *testing.T) {
	_, err := NewSchedule(ScheduleSpec{})
	if err == nil {
		t.Error("expected error for empty schedule")
	}
}

func TestNewSchedule_InvalidCron(t *testing.T) {
	_, err := NewSchedule(ScheduleSpec{Cron: "invalid cron expr"})
	if err == nil {
		t.Error("expected error for invalid cron expression")
	}
}

func TestNewSchedule_AtWithTimezone(t *testing.T) {
	sched, err := NewSchedule(ScheduleSpec{
		At:       "2026-01-15 10:00",
		Timezone: "America/New_York",
	})
	if err != nil {
		t.Fatalf("NewSchedule() error = %v", err)
	}
	if sched.Kind != KindAt {
		t.Errorf("Kind = %q, want %q", sched.Kind, KindAt)
	}
}

func TestNewSchedule_InvalidAt(t *testing.T) {
	_, err := NewSchedule(ScheduleSpec{At: "not-a-date"})
	if err == nil {
		t.Error("expected error for invalid at value")
	}
}

func TestScheduleNext_AtPastDue(t *testing.T) {
	now := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)
	sched, err := NewSchedule(ScheduleSpec{At: "2026-01-01T10:00:00Z"})
	if err != nil {
		t.Fatalf("NewSchedule() error = %v", err)
	}
	_, ok, err := sched.Next(now)
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if ok {
		t.Error("expected ok=false for past due schedule")
	}
}

func TestScheduleNext_UnknownKind(t *testing.T) {
	sched := Schedule{Kind: "unknown"}
	_, _, err := sched.Next(time.Now())
	if err == nil {
		t.Error("expected error for unknown schedule kind")
	}
}

func TestScheduleNext_AtMissingTimestamp(t *testing.T) {
	sched := Schedule{Kind: KindAt}
	_, _, err := sched.Next(time.Now())
	if err == nil {
		t.Error("expected error for at schedule missing timestamp")
	}
}

func TestScheduleNext_EveryMissingDuration(t *testing.T) {
	sched := Schedule{Kind: KindEvery, Every: 0}
	_, _, err := sched.Next(time.Now())
	if err == nil {
		t.Error("expected error for every schedule missing duration")
	}
}

func TestScheduleNext_CronMissingExpression(t *testing.T) {
	sched := Schedule{Kind: KindCron, Expr: ""}
	_, _, err := sched.Next(time.Now())
	if err == nil {
		t.Error("expected error for cron schedule missing expression")
	}
}

func TestScheduleNext_CronWithTimezone(t *testing.T) {
	now := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	sched, err := NewSchedule(ScheduleSpec{
		Cron:     "0 9 * * *", // 9 AM daily
		Timezone: "America/New_York",
	})
	if err != nil {
		t.Fatalf("NewSchedule() error = %v", err)
	}
	next, ok, err := sched.Next(now)
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if !ok {
		t.Error("expected ok=true")
	}
	if next.IsZero() {
		t.Error("expected non-zero next time")
	}
}

func TestScheduleNext_CronWithSeconds(t *testing.T) {
	now := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	sched, err := NewSchedule(ScheduleSpec{Cron: "*/30 * * * * *"})
	if err != nil {
		t.Fatalf("NewSchedule() error = %v", err)
	}
	next, ok, err := sched.Next(now)
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if !ok {
		t.Error("expected ok=true")
	}
	expected := now.Add(30 * time.Second)
	if !next.Equal(expected) {
		t.Errorf("expected next run at %v, got %v", expected, next)
	}
}

func TestScheduleDescribe(t *testing.T) {
	tests := []struct {
		name  string
		sched Schedule
		want  string
	}{
		{
			name:  "at",
			sched: Schedule{Kind: KindAt, At: time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)},
			want:  "at 2026-01-01T10:00:00Z",
		},
		{
			name:  "every",
			sched: Schedule{Kind: KindEvery, Every: 5 * time.Minute},
			want:  "every 5m0s",
		},
		{
			name:  "cron",
			sched: Schedule{Kind: KindCron, Expr: "0 9 * * *"},
			want:  `cron "0 9 * * *"`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.sched.Describe(); got != tt.want {
				t.Errorf("Describe() = %q, want %q", got, tt.want)
			}
		})
	}
}
