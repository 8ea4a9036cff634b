package ports

import (
	"context"
	"encoding/json"
	"time"
)

// TaskStatus represents the state of a task
type TaskStatus string

const (
	TaskStatusStarted   TaskStatus = "started"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
)

// Terminal reports whether the status is final. A completed or failed task
// must never transition again.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// Task represents one tracked unit of in-session work (e.g. a tool execution)
type Task struct {
	ID          string          `json:"task_id"`
	SessionID   string          `json:"session_id"`
	Descriptor  string          `json:"descriptor"`
	Status      TaskStatus      `json:"status"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Progress    json.RawMessage `json:"progress,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// TaskTracker manages task lifecycle state and multiplexes transition events
// into the session broadcast stream.
type TaskTracker interface {
	// Start creates a task in started state and emits task-started. A duplicate
	// non-terminal task id is rejected.
	Start(ctx context.Context, sessionID string, taskID string, descriptor string) (*Task, error)

	// Progress records a progress payload and emits task-progress. Unknown or
	// terminal task ids are a no-op.
	Progress(ctx context.Context, sessionID string, taskID string, payload json.RawMessage) error

	// Complete transitions the task to completed and emits task-completed.
	Complete(ctx context.Context, sessionID string, taskID string, result json.RawMessage) error

	// Fail transitions the task to failed and emits task-failed.
	Fail(ctx context.Context, sessionID string, taskID string, reason string) error

	// Get retrieves a task by (sessionID, taskID).
	Get(ctx context.Context, sessionID string, taskID string) (*Task, error)

	// ListBySession returns tasks for a session, newest first.
	ListBySession(ctx context.Context, sessionID string) ([]*Task, error)
}
