package core

import (
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Trigger computes fire instants for a task. Implementations are pure:
// Next depends only on the reference instant passed in, never on the wall
// clock, so trigger math is testable against fixed times.
type Trigger interface {
	// Next returns the fire instant that follows ref. For the first fire
	// ref is the registration instant; for re-arms it is the previously
	// scheduled fire time, not the time execution finished.
	Next(ref time.Time) time.Time
	// Recurring reports whether the trigger fires more than once.
	Recurring() bool
}

// IntervalTrigger fires every Every, phase-locked to the scheduled times so
// slow executions do not accumulate drift.
type IntervalTrigger struct {
	Every time.Duration
}

func (t IntervalTrigger) Next(ref time.Time) time.Time { return ref.Add(t.Every) }

func (t IntervalTrigger) Recurring() bool { return true }

// CronTrigger fires on a 5-field cron schedule. Next is always strictly
// after the reference instant, so a fire can never re-trigger itself.
type CronTrigger struct {
	schedule cron.Schedule
}

func (t CronTrigger) Next(ref time.Time) time.Time { return t.schedule.Next(ref) }

func (t CronTrigger) Recurring() bool { return true }

// CronTriggerFromSchedule wraps an already-parsed cron schedule.
func CronTriggerFromSchedule(schedule cron.Schedule) CronTrigger {
	return CronTrigger{schedule: schedule}
}

// DateTrigger fires exactly once at At. A timestamp already in the past at
// registration fires on the next scheduler tick.
type DateTrigger struct {
	At time.Time
}

func (t DateTrigger) Next(ref time.Time) time.Time { return t.At }

func (t DateTrigger) Recurring() bool { return false }

// ParseCron ensures the expression is a valid 5-field cron definition and
// returns the underlying schedule.
func ParseCron(expr string) (cron.Schedule, error) {
	if strings.HasPrefix(strings.TrimSpace(expr), "@") {
		return nil, validationErrorf("cron_expression", "only 5-field cron expressions are supported")
	}
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return nil, validationErrorf("cron_expression", "%v", err)
	}
	return schedule, nil
}

// ParseTimestamp parses an execute_at value. RFC 3339 is preferred; a bare
// local timestamp without offset is accepted and interpreted in loc.
func ParseTimestamp(value string, loc *time.Location) (time.Time, error) {
	value = strings.TrimSpace(value)
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t, nil
	}
	if t, err := time.ParseInLocation("2006-01-02T15:04:05", value, loc); err == nil {
		return t, nil
	}
	return time.Time{}, validationErrorf("execute_at", "not a valid timestamp: %q", value)
}

// NextOccurrences returns the next n fire times of a recurring trigger from
// a base instant.
func NextOccurrences(trigger Trigger, base time.Time, n int) []time.Time {
	times := make([]time.Time, 0, n)
	next := base
	for i := 0; i < n; i++ {
		next = trigger.Next(next)
		times = append(times, next)
	}
	return times
}

// NewTrigger validates the task's trigger fields and builds the matching
// Trigger.
func NewTrigger(task *Task) (Trigger, error) {
	switch task.Type {
	case TaskTypeInterval:
		if task.IntervalSeconds == nil || *task.IntervalSeconds <= 0 {
			return nil, validationErrorf("interval_seconds", "must be a positive integer")
		}
		return IntervalTrigger{Every: time.Duration(*task.IntervalSeconds) * time.Second}, nil
	case TaskTypeCron:
		if task.CronExpression == nil || strings.TrimSpace(*task.CronExpression) == "" {
			return nil, validationErrorf("cron_expression", "required for cron tasks")
		}
		schedule, err := ParseCron(*task.CronExpression)
		if err != nil {
			return nil, err
		}
		return CronTrigger{schedule: schedule}, nil
	case TaskTypeDate:
		if task.ExecuteAt == nil {
			return nil, validationErrorf("execute_at", "required for date tasks")
		}
		return DateTrigger{At: *task.ExecuteAt}, nil
	default:
		return nil, validationErrorf("task_type", "unsupported type %q", task.Type)
	}
}

// ValidateTask checks the non-trigger required fields of a task definition.
func ValidateTask(task *Task) error {
	if strings.TrimSpace(task.ID) == "" {
		return validationErrorf("task_id", "required")
	}
	if strings.TrimSpace(task.ScriptPath) == "" {
		return validationErrorf("script_path", "required")
	}
	return nil
}
