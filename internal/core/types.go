package core

import (
	"time"
)

// TaskType selects the trigger kind for a task.
type TaskType string

const (
	TaskTypeInterval TaskType = "interval"
	TaskTypeCron     TaskType = "cron"
	TaskTypeDate     TaskType = "date"
)

// TaskStatus describes the lifecycle state of a task.
type TaskStatus string

const (
	TaskStatusActive    TaskStatus = "active"
	TaskStatusCompleted TaskStatus = "completed"
)

// Task represents a scheduled external-script job. The task ID is the
// caller-supplied identity and is immutable; exactly one of the trigger
// field groups is populated, matching Type.
type Task struct {
	ID              string
	Type            TaskType
	IntervalSeconds *int
	CronExpression  *string
	ExecuteAt       *time.Time
	ScriptPath      string
	ScriptArgs      []string
	Status          TaskStatus
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// ExecutionRecord captures the outcome of a single fire. Records are
// append-only and may outlive their task. ReturnCode -1 is reserved for
// timeouts and spawn failures.
type ExecutionRecord struct {
	ID         int64
	TaskID     string
	ExecutedAt time.Time
	ReturnCode int
	Stdout     string
	Stderr     string
}

// JobInfo is the in-memory view of an armed task. It exists only while the
// owning scheduler runs and is rebuilt from the store on startup.
type JobInfo struct {
	TaskID       string
	NextFireTime time.Time
}
