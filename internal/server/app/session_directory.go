package app

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"relay/internal/logging"
)

// SessionRecord describes one session known to the directory.
type SessionRecord struct {
	ID        string     `json:"session_id"`
	Active    bool       `json:"active"`
	CreatedAt time.Time  `json:"created_at"`
	ClosedAt  *time.Time `json:"closed_at,omitempty"`
}

// SessionDirectory is the in-memory session-lifecycle collaborator. It owns
// session existence and activity state; the hub only queries IsActive through
// the ActivityOracle interface and never mutates this state.
type SessionDirectory struct {
	mu       sync.RWMutex
	sessions map[string]*SessionRecord
	logger   logging.Logger
}

// NewSessionDirectory creates an empty directory.
func NewSessionDirectory() *SessionDirectory {
	return &SessionDirectory{
		sessions: make(map[string]*SessionRecord),
		logger:   logging.NewComponentLogger("SessionDirectory"),
	}
}

// Create registers a new active session. An empty id gets a generated one; an
// existing id is rejected.
func (d *SessionDirectory) Create(ctx context.Context, id string) (*SessionRecord, error) {
	if id == "" {
		id = "sess-" + uuid.New().String()
	}
	if err := ValidateSessionID(id); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.sessions[id]; exists {
		return nil, fmt.Errorf("session already exists: %s", id)
	}

	record := &SessionRecord{
		ID:        id,
		Active:    true,
		CreatedAt: time.Now(),
	}
	d.sessions[id] = record
	d.logger.Info("Session %s created", id)

	snapshot := *record
	return &snapshot, nil
}

// Close marks the session inactive. Its history may persist in the replay
// buffer until the hub janitor sweeps it.
func (d *SessionDirectory) Close(ctx context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	record, exists := d.sessions[id]
	if !exists {
		return fmt.Errorf("session not found: %s", id)
	}
	if record.Active {
		now := time.Now()
		record.Active = false
		record.ClosedAt = &now
		d.logger.Info("Session %s closed", id)
	}
	return nil
}

// Reopen marks a closed session active again.
func (d *SessionDirectory) Reopen(ctx context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	record, exists := d.sessions[id]
	if !exists {
		return fmt.Errorf("session not found: %s", id)
	}
	record.Active = true
	record.ClosedAt = nil
	d.logger.Info("Session %s reopened", id)
	return nil
}

// Get returns a session record by id.
func (d *SessionDirectory) Get(ctx context.Context, id string) (*SessionRecord, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	record, exists := d.sessions[id]
	if !exists {
		return nil, fmt.Errorf("session not found: %s", id)
	}
	snapshot := *record
	return &snapshot, nil
}

// List returns all known sessions, newest first.
func (d *SessionDirectory) List(ctx context.Context) []*SessionRecord {
	d.mu.RLock()
	defer d.mu.RUnlock()

	records := make([]*SessionRecord, 0, len(d.sessions))
	for _, record := range d.sessions {
		snapshot := *record
		records = append(records, &snapshot)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
	return records
}

// IsActive implements ports.ActivityOracle. Unknown sessions are not active.
func (d *SessionDirectory) IsActive(ctx context.Context, id string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	record, exists := d.sessions[id]
	return exists && record.Active
}
