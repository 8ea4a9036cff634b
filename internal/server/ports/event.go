package ports

import (
	"encoding/json"
	"time"
)

// EventKind identifies one of the closed set of message kinds a session stream
// can carry. Producers and the broadcaster agree on this fixed contract; there
// is no open-ended envelope.
type EventKind string

const (
	EventContent       EventKind = "content"
	EventTaskStarted   EventKind = "task-started"
	EventTaskProgress  EventKind = "task-progress"
	EventTaskCompleted EventKind = "task-completed"
	EventTaskFailed    EventKind = "task-failed"
	EventError         EventKind = "error"
)

// Valid reports whether k is one of the known event kinds.
func (k EventKind) Valid() bool {
	switch k {
	case EventContent, EventTaskStarted, EventTaskProgress, EventTaskCompleted, EventTaskFailed, EventError:
		return true
	default:
		return false
	}
}

// Critical reports whether delivery of this kind should be retried when a
// subscriber queue is full. Terminal task events and error events are the
// frames a client must not miss to know how a unit of work ended.
func (k EventKind) Critical() bool {
	switch k {
	case EventTaskCompleted, EventTaskFailed, EventError:
		return true
	default:
		return false
	}
}

// BufferedMessage is an immutable, ordered, session-scoped record. Seq is
// monotonic per session and assigned by the replay buffer at publish time.
type BufferedMessage struct {
	Seq       uint64          `json:"seq"`
	SessionID string          `json:"session_id"`
	Kind      EventKind       `json:"kind"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Size returns the payload size in bytes, used for the replay buffer byte cap.
func (m BufferedMessage) Size() int {
	return len(m.Payload)
}

// Publisher is the sole entry point by which producers (agent content or the
// task tracker) deliver a message to a session's subscribers.
type Publisher interface {
	Publish(sessionID string, kind EventKind, payload json.RawMessage) (BufferedMessage, error)
}

// TaskStartedPayload is the payload of a task-started event.
type TaskStartedPayload struct {
	TaskID     string `json:"task_id"`
	Descriptor string `json:"descriptor"`
}

// TaskProgressPayload is the payload of a task-progress event.
type TaskProgressPayload struct {
	TaskID   string          `json:"task_id"`
	Progress json.RawMessage `json:"progress,omitempty"`
}

// TaskCompletedPayload is the payload of a task-completed event.
type TaskCompletedPayload struct {
	TaskID string          `json:"task_id"`
	Result json.RawMessage `json:"result,omitempty"`
}

// TaskFailedPayload is the payload of a task-failed event.
type TaskFailedPayload struct {
	TaskID string `json:"task_id"`
	Error  string `json:"error"`
}

// ErrorPayload is the payload of an error event. Producer-side failures are
// surfaced to subscribers as this kind rather than crashing the broadcaster.
type ErrorPayload struct {
	Message string `json:"message"`
	Source  string `json:"source,omitempty"`
}
