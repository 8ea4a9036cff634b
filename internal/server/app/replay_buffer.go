package app

import (
	"encoding/json"
	"sync"
	"time"

	"relay/internal/logging"
	"relay/internal/server/ports"
)

const (
	defaultReplayMaxMessages = 1000
	defaultReplayMaxBytes    = 5 << 20 // 5 MiB of payload per session
)

// ReplayBufferConfig bounds the per-session history.
type ReplayBufferConfig struct {
	MaxMessages int
	MaxBytes    int
}

func (c ReplayBufferConfig) withDefaults() ReplayBufferConfig {
	if c.MaxMessages <= 0 {
		c.MaxMessages = defaultReplayMaxMessages
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = defaultReplayMaxBytes
	}
	return c
}

// ReplayBuffer keeps a bounded, ordered log of recently broadcast messages per
// session so late joiners can be backfilled. It is best-effort history: once
// eviction has occurred, early messages are unrecoverable by design.
type ReplayBuffer struct {
	mu       sync.RWMutex
	cfg      ReplayBufferConfig
	sessions map[string]*sessionLog
	logger   logging.Logger
}

// sessionLog is one session's slice of the buffer plus its seq counter.
// Created lazily on first append.
type sessionLog struct {
	nextSeq  uint64
	messages []ports.BufferedMessage
	bytes    int
}

// NewReplayBuffer creates a replay buffer with the given caps. Zero values
// fall back to the defaults (1000 messages, 5 MiB).
func NewReplayBuffer(cfg ReplayBufferConfig) *ReplayBuffer {
	return &ReplayBuffer{
		cfg:      cfg.withDefaults(),
		sessions: make(map[string]*sessionLog),
		logger:   logging.NewComponentLogger("ReplayBuffer"),
	}
}

// Append assigns the next per-session sequence number, stores the record and
// evicts from the front until both the count and byte caps hold. One deliberate
// exception: a single payload larger than MaxBytes is retained alone rather
// than leaving the session with no history at all, so the byte cap can be
// exceeded by exactly one oversized message. Returns the stored record so the
// caller knows the assigned ordering.
func (b *ReplayBuffer) Append(sessionID string, kind ports.EventKind, payload json.RawMessage) ports.BufferedMessage {
	b.mu.Lock()
	defer b.mu.Unlock()

	log, ok := b.sessions[sessionID]
	if !ok {
		log = &sessionLog{nextSeq: 1}
		b.sessions[sessionID] = log
	}

	msg := ports.BufferedMessage{
		Seq:       log.nextSeq,
		SessionID: sessionID,
		Kind:      kind,
		Payload:   payload,
		Timestamp: time.Now(),
	}
	log.nextSeq++
	log.messages = append(log.messages, msg)
	log.bytes += msg.Size()

	evicted := 0
	for len(log.messages) > b.cfg.MaxMessages || (log.bytes > b.cfg.MaxBytes && len(log.messages) > 1) {
		log.bytes -= log.messages[0].Size()
		log.messages[0] = ports.BufferedMessage{} // release payload
		log.messages = log.messages[1:]
		evicted++
	}
	if evicted > 0 {
		b.logger.Debug("Evicted %d message(s) from session %s (count=%d bytes=%d)",
			evicted, sessionID, len(log.messages), log.bytes)
	}

	// Reclaim the backing array once the leading gap dominates it.
	if cap(log.messages) > 2*b.cfg.MaxMessages && cap(log.messages) > 2*len(log.messages) {
		compacted := make([]ports.BufferedMessage, len(log.messages))
		copy(compacted, log.messages)
		log.messages = compacted
	}

	return msg
}

// Snapshot returns the session's buffered messages in insertion order. An
// unknown session yields an empty result. The returned slice is a copy.
func (b *ReplayBuffer) Snapshot(sessionID string) []ports.BufferedMessage {
	b.mu.RLock()
	defer b.mu.RUnlock()

	log, ok := b.sessions[sessionID]
	if !ok || len(log.messages) == 0 {
		return nil
	}

	snapshot := make([]ports.BufferedMessage, len(log.messages))
	copy(snapshot, log.messages)
	return snapshot
}

// Len returns the current message count and payload byte total for a session.
func (b *ReplayBuffer) Len(sessionID string) (count int, bytes int) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	log, ok := b.sessions[sessionID]
	if !ok {
		return 0, 0
	}
	return len(log.messages), log.bytes
}

// Drop discards a session's history and sequence counter. Called by the hub
// janitor once a session is inactive with no subscribers.
func (b *ReplayBuffer) Drop(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.sessions[sessionID]; ok {
		delete(b.sessions, sessionID)
		b.logger.Info("Dropped replay buffer for session %s", sessionID)
	}
}

// Sessions returns the ids of all sessions currently holding history.
func (b *ReplayBuffer) Sessions() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	ids := make([]string, 0, len(b.sessions))
	for id := range b.sessions {
		ids = append(ids, id)
	}
	return ids
}
