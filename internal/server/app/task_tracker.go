package app

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"relay/internal/logging"
	"relay/internal/server/ports"
)

const (
	defaultTaskRetention   = 5 * time.Minute
	defaultMaxTerminalKept = 4096
)

// TaskTrackerConfig bounds how long terminal tasks stay queryable.
type TaskTrackerConfig struct {
	// Retention is how long a completed or failed task remains in memory
	// after its terminal event has been broadcast.
	Retention time.Duration
	// MaxTerminal caps the number of retained terminal tasks.
	MaxTerminal int
}

func (c TaskTrackerConfig) withDefaults() TaskTrackerConfig {
	if c.Retention <= 0 {
		c.Retention = defaultTaskRetention
	}
	if c.MaxTerminal <= 0 {
		c.MaxTerminal = defaultMaxTerminalKept
	}
	return c
}

type taskKey struct {
	sessionID string
	taskID    string
}

// TaskTracker tracks the state of each in-flight unit of work per session and
// multiplexes lifecycle transitions into the broadcast stream. Terminal tasks
// are evicted after the retention window; they are not long-term storage.
type TaskTracker struct {
	mu       sync.Mutex
	active   map[taskKey]*ports.Task
	terminal *expirable.LRU[taskKey, *ports.Task]

	publisher ports.Publisher
	logger    logging.Logger
}

// NewTaskTracker creates a tracker that emits lifecycle events through the
// given publisher.
func NewTaskTracker(cfg TaskTrackerConfig, publisher ports.Publisher) *TaskTracker {
	cfg = cfg.withDefaults()
	return &TaskTracker{
		active:    make(map[taskKey]*ports.Task),
		terminal:  expirable.NewLRU[taskKey, *ports.Task](cfg.MaxTerminal, nil, cfg.Retention),
		publisher: publisher,
		logger:    logging.NewComponentLogger("TaskTracker"),
	}
}

// Start creates a task in started state and emits task-started. A task id that
// already exists for the session is rejected: a task id maps to exactly one
// lifecycle. An empty taskID gets a generated one.
func (t *TaskTracker) Start(ctx context.Context, sessionID string, taskID string, descriptor string) (*ports.Task, error) {
	if err := ValidateSessionID(sessionID); err != nil {
		return nil, err
	}
	if taskID == "" {
		taskID = "task-" + uuid.New().String()
	}
	key := taskKey{sessionID: sessionID, taskID: taskID}

	t.mu.Lock()
	if _, exists := t.active[key]; exists {
		t.mu.Unlock()
		t.logger.Error("Duplicate start for non-terminal task %s in session %s; rejected", taskID, sessionID)
		return nil, fmt.Errorf("task already started: %s", taskID)
	}
	if _, exists := t.terminal.Get(key); exists {
		t.mu.Unlock()
		t.logger.Error("Start for already-terminal task %s in session %s; rejected", taskID, sessionID)
		return nil, fmt.Errorf("task already terminal: %s", taskID)
	}

	task := &ports.Task{
		ID:         taskID,
		SessionID:  sessionID,
		Descriptor: descriptor,
		Status:     ports.TaskStatusStarted,
		StartedAt:  time.Now(),
	}
	t.active[key] = task
	snapshot := *task
	t.mu.Unlock()

	t.emit(sessionID, ports.EventTaskStarted, ports.TaskStartedPayload{
		TaskID:     taskID,
		Descriptor: descriptor,
	})
	return &snapshot, nil
}

// Progress records a progress payload and emits task-progress. Progress for an
// unknown or terminal task is a producer protocol violation: logged, ignored,
// and nothing is broadcast.
func (t *TaskTracker) Progress(ctx context.Context, sessionID string, taskID string, payload json.RawMessage) error {
	key := taskKey{sessionID: sessionID, taskID: taskID}

	t.mu.Lock()
	task, exists := t.active[key]
	if !exists {
		t.mu.Unlock()
		t.logger.Warn("Progress for unknown or terminal task %s in session %s; ignored", taskID, sessionID)
		return nil
	}
	task.Progress = payload
	t.mu.Unlock()

	t.emit(sessionID, ports.EventTaskProgress, ports.TaskProgressPayload{
		TaskID:   taskID,
		Progress: payload,
	})
	return nil
}

// Complete transitions the task to completed, emits task-completed and
// schedules eviction after the retention window.
func (t *TaskTracker) Complete(ctx context.Context, sessionID string, taskID string, result json.RawMessage) error {
	task, err := t.finish(sessionID, taskID, ports.TaskStatusCompleted, result, "")
	if err != nil {
		return err
	}

	t.emit(sessionID, ports.EventTaskCompleted, ports.TaskCompletedPayload{
		TaskID: task.ID,
		Result: result,
	})
	return nil
}

// Fail transitions the task to failed, emits task-failed and schedules
// eviction after the retention window.
func (t *TaskTracker) Fail(ctx context.Context, sessionID string, taskID string, reason string) error {
	task, err := t.finish(sessionID, taskID, ports.TaskStatusFailed, nil, reason)
	if err != nil {
		return err
	}

	t.emit(sessionID, ports.EventTaskFailed, ports.TaskFailedPayload{
		TaskID: task.ID,
		Error:  reason,
	})
	return nil
}

// finish moves a task from the active map to the terminal retention cache.
// Once terminal, a task never transitions again.
func (t *TaskTracker) finish(sessionID string, taskID string, status ports.TaskStatus, result json.RawMessage, reason string) (*ports.Task, error) {
	key := taskKey{sessionID: sessionID, taskID: taskID}

	t.mu.Lock()
	defer t.mu.Unlock()

	task, exists := t.active[key]
	if !exists {
		if _, terminal := t.terminal.Get(key); terminal {
			t.logger.Warn("Terminal transition for already-terminal task %s in session %s; rejected", taskID, sessionID)
			return nil, fmt.Errorf("task already terminal: %s", taskID)
		}
		return nil, fmt.Errorf("task not found: %s", taskID)
	}

	now := time.Now()
	task.Status = status
	task.CompletedAt = &now
	task.Result = result
	task.Error = reason

	delete(t.active, key)
	t.terminal.Add(key, task)
	return task, nil
}

// Get retrieves a task by (sessionID, taskID), terminal tasks included while
// they remain within the retention window.
func (t *TaskTracker) Get(ctx context.Context, sessionID string, taskID string) (*ports.Task, error) {
	key := taskKey{sessionID: sessionID, taskID: taskID}

	t.mu.Lock()
	defer t.mu.Unlock()

	if task, exists := t.active[key]; exists {
		snapshot := *task
		return &snapshot, nil
	}
	if task, exists := t.terminal.Get(key); exists {
		snapshot := *task
		return &snapshot, nil
	}
	return nil, fmt.Errorf("task not found: %s", taskID)
}

// ListBySession returns the session's tasks, newest first.
func (t *TaskTracker) ListBySession(ctx context.Context, sessionID string) ([]*ports.Task, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	tasks := make([]*ports.Task, 0)
	for key, task := range t.active {
		if key.sessionID == sessionID {
			snapshot := *task
			tasks = append(tasks, &snapshot)
		}
	}
	for _, key := range t.terminal.Keys() {
		if key.sessionID != sessionID {
			continue
		}
		if task, exists := t.terminal.Get(key); exists {
			snapshot := *task
			tasks = append(tasks, &snapshot)
		}
	}

	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].StartedAt.After(tasks[j].StartedAt)
	})
	return tasks, nil
}

// emit publishes a lifecycle event. A publish failure is surfaced to
// subscribers as an error-kind message rather than failing the transition.
func (t *TaskTracker) emit(sessionID string, kind ports.EventKind, payload any) {
	if t.publisher == nil {
		return
	}

	data, err := json.Marshal(payload)
	if err != nil {
		t.logger.Error("Failed to marshal %s payload for session %s: %v", kind, sessionID, err)
		return
	}
	if _, err := t.publisher.Publish(sessionID, kind, data); err != nil {
		t.logger.Error("Failed to publish %s for session %s: %v", kind, sessionID, err)
		if errData, merr := json.Marshal(ports.ErrorPayload{
			Message: fmt.Sprintf("failed to broadcast %s: %v", kind, err),
			Source:  "task-tracker",
		}); merr == nil {
			_, _ = t.publisher.Publish(sessionID, ports.EventError, errData)
		}
	}
}
