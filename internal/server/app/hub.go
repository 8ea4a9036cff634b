package app

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"relay/internal/logging"
	"relay/internal/observability"
	"relay/internal/server/ports"
)

const (
	defaultQueueCapacity   = 256
	defaultJanitorInterval = 30 * time.Second
)

// HubConfig configures fan-out behavior.
type HubConfig struct {
	// QueueCapacity bounds each subscriber's outbound queue.
	QueueCapacity int
	// ReplayOnSubscribe flushes the replay buffer to new subscribers by
	// default; the subscribe request can override per call.
	ReplayOnSubscribe bool
	// JanitorInterval controls how often inactive, subscriber-less session
	// state is garbage-collected.
	JanitorInterval time.Duration
}

func (c HubConfig) withDefaults() HubConfig {
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = defaultQueueCapacity
	}
	if c.JanitorInterval <= 0 {
		c.JanitorInterval = defaultJanitorInterval
	}
	return c
}

// Subscriber is the hub-side handle for one live client connection. The
// delivery layer drains Events into the network; the hub owns everything else.
type Subscriber struct {
	id        string
	queue     chan ports.BufferedMessage
	closeOnce sync.Once
}

// ID returns the unique connection identifier.
func (s *Subscriber) ID() string {
	return s.id
}

// Events is the subscriber's outbound delivery queue. It is closed when the
// connection is deregistered.
func (s *Subscriber) Events() <-chan ports.BufferedMessage {
	return s.queue
}

func (s *Subscriber) close() {
	s.closeOnce.Do(func() {
		close(s.queue)
	})
}

// connState is the Connection Registry entry: the subscriber handle plus the
// conn→session half of the mirrored subscription indices.
type connState struct {
	sub       *Subscriber
	sessionID string // "" when unsubscribed
}

// sessionState carries the session→subscriber-set half of the indices. Its
// mutex serializes publishes and subscription swaps for the session so
// unrelated sessions never contend. States are stable: once handed out they
// stay in the hub's map until the janitor reaps them, and reaping sets defunct
// (under the state mutex) so a publish holding a stale pointer re-resolves
// instead of appending into a dead state.
type sessionState struct {
	id          string
	mu          sync.Mutex
	subscribers map[string]*Subscriber
	defunct     bool
}

// Hub is the single authority that accepts outbound messages for a session,
// appends them to the session's replay buffer and delivers them to every
// current subscriber. It also owns the connection registry and the session
// subscriber table, keeping their mirrored indices consistent.
//
// Backpressure policy: each subscriber has a bounded queue; when it is full
// the oldest queued message for that subscriber is dropped to make room
// (slow consumers lose their own oldest messages, never anyone else's, and
// the hub never blocks). Critical kinds retry once after the drop.
type Hub struct {
	cfg     HubConfig
	oracle  ports.ActivityOracle
	buffer  *ReplayBuffer
	logger  logging.Logger
	metrics *observability.Collector

	mu       sync.RWMutex
	conns    map[string]*connState
	sessions map[string]*sessionState

	stats hubStats
}

// hubStats tracks delivery counters for the stats endpoint.
type hubStats struct {
	mu sync.Mutex

	eventsSent    int64
	eventsDropped int64
	totalConns    int64
}

// HubOption configures optional hub collaborators.
type HubOption func(*Hub)

// SubscribeOption configures a single Subscribe call.
type SubscribeOption func(*subscribeSettings)

type subscribeSettings struct {
	ack func(success bool)
}

func (s subscribeSettings) notify(success bool) {
	if s.ack != nil {
		s.ack(success)
	}
}

// WithSubscribeAck registers a hook invoked with the subscribe outcome. On
// success it fires after the subscription swap but before the replay flush,
// while publishes to the session are still held off, so the caller can order
// its confirmation ahead of every replayed message on the delivery path.
func WithSubscribeAck(fn func(success bool)) SubscribeOption {
	return func(s *subscribeSettings) {
		s.ack = fn
	}
}

// WithHubLogger overrides the component logger.
func WithHubLogger(logger logging.Logger) HubOption {
	return func(h *Hub) {
		h.logger = logging.OrNop(logger)
	}
}

// WithHubMetrics wires the metrics collector.
func WithHubMetrics(collector *observability.Collector) HubOption {
	return func(h *Hub) {
		h.metrics = collector
	}
}

// NewHub creates a hub. The oracle decides subscribe-time session activity and
// is owned by the session-lifecycle collaborator, never by the hub.
func NewHub(cfg HubConfig, oracle ports.ActivityOracle, buffer *ReplayBuffer, opts ...HubOption) *Hub {
	h := &Hub{
		cfg:      cfg.withDefaults(),
		oracle:   oracle,
		buffer:   buffer,
		logger:   logging.NewComponentLogger("Hub"),
		conns:    make(map[string]*connState),
		sessions: make(map[string]*sessionState),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Register adds a new connection with no subscription. Always succeeds.
func (h *Hub) Register() *Subscriber {
	sub := &Subscriber{
		id:    "conn-" + uuid.New().String(),
		queue: make(chan ports.BufferedMessage, h.cfg.QueueCapacity),
	}

	h.mu.Lock()
	h.conns[sub.id] = &connState{sub: sub}
	total := len(h.conns)
	h.mu.Unlock()

	h.stats.mu.Lock()
	h.stats.totalConns++
	h.stats.mu.Unlock()

	h.metrics.ConnectionOpened(context.Background())
	h.logger.Info("Connection %s registered (active: %d)", sub.id, total)
	return sub
}

// Deregister removes the connection and reconciles the subscriber table so no
// stale membership persists. Idempotent: deregistering an already-removed
// subscriber is a no-op. After it returns the subscriber is unreachable from
// any fan-out snapshot and its queue is closed.
func (h *Hub) Deregister(sub *Subscriber) {
	if sub == nil {
		return
	}

	h.mu.Lock()
	cs, ok := h.conns[sub.id]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(h.conns, sub.id)

	if cs.sessionID != "" {
		// The state entry stays even when the set empties; the janitor reaps
		// it once the session is inactive.
		if st := h.sessions[cs.sessionID]; st != nil {
			st.mu.Lock()
			delete(st.subscribers, sub.id)
			st.mu.Unlock()
		}
	}
	h.mu.Unlock()

	// Membership is gone, so no publish can enqueue to this subscriber anymore.
	sub.close()
	h.metrics.ConnectionClosed(context.Background())
	h.logger.Info("Connection %s deregistered (session: %q)", sub.id, cs.sessionID)
}

// CurrentSubscription returns the session the connection is watching, if any.
func (h *Hub) CurrentSubscription(sub *Subscriber) (string, bool) {
	if sub == nil {
		return "", false
	}
	h.mu.RLock()
	defer h.mu.RUnlock()

	cs, ok := h.conns[sub.id]
	if !ok || cs.sessionID == "" {
		return "", false
	}
	return cs.sessionID, true
}

// Members returns a snapshot of the connection ids subscribed to a session.
func (h *Hub) Members(sessionID string) []string {
	h.mu.RLock()
	st := h.sessions[sessionID]
	h.mu.RUnlock()
	if st == nil {
		return nil
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	ids := make([]string, 0, len(st.subscribers))
	for id := range st.subscribers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// SubscriberCount returns the number of connections subscribed to a session.
func (h *Hub) SubscriberCount(sessionID string) int {
	h.mu.RLock()
	st := h.sessions[sessionID]
	h.mu.RUnlock()
	if st == nil {
		return 0
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.subscribers)
}

// Subscribe binds the connection to sessionID, atomically replacing any prior
// subscription: the connection is never counted in two subscriber sets and
// never left in neither. Returns false when the session id fails the format
// check or the activity oracle reports the session not active; the prior
// subscription is untouched in that case.
//
// When replay is true the session's replay snapshot is flushed onto the
// subscriber's queue before any message published after this call returns, so
// the client observes no gap and no duplicate between history and live stream.
func (h *Hub) Subscribe(ctx context.Context, sub *Subscriber, sessionID string, replay bool, opts ...SubscribeOption) bool {
	var settings subscribeSettings
	for _, opt := range opts {
		if opt != nil {
			opt(&settings)
		}
	}

	if sub == nil {
		settings.notify(false)
		return false
	}
	if err := ValidateSessionID(sessionID); err != nil {
		h.logger.Warn("Subscribe rejected for %s: %v", sub.id, err)
		h.metrics.SubscribeResult(ctx, false)
		settings.notify(false)
		return false
	}
	if h.oracle == nil || !h.oracle.IsActive(ctx, sessionID) {
		h.logger.Info("Subscribe rejected for %s: session %s not active", sub.id, sessionID)
		h.metrics.SubscribeResult(ctx, false)
		settings.notify(false)
		return false
	}

	h.mu.Lock()
	cs, ok := h.conns[sub.id]
	if !ok {
		// Connection already deregistered; lost the race with disconnect.
		h.mu.Unlock()
		h.metrics.SubscribeResult(ctx, false)
		settings.notify(false)
		return false
	}

	oldID := cs.sessionID
	newSt := h.sessionStateLocked(sessionID)
	var oldSt *sessionState
	if oldID != "" && oldID != sessionID {
		oldSt = h.sessions[oldID]
	}
	cs.sessionID = sessionID

	// Both halves of the swap happen under the session locks so a concurrent
	// publish sees either the old membership or the new one, never a partial
	// state. Locks are taken in id order; publishes only ever hold one. The
	// janitor needs h.mu to reap a state, so newSt cannot go defunct before
	// its lock is held here.
	lockPair(oldSt, newSt)
	if oldSt != nil {
		delete(oldSt.subscribers, sub.id)
		oldSt.mu.Unlock()
	}
	newSt.subscribers[sub.id] = sub

	// The flush needs only newSt.mu to stay ordered against publishes;
	// releasing h.mu first keeps a large replay from stalling registration
	// and unrelated sessions.
	h.mu.Unlock()

	settings.notify(true)
	if replay {
		// Publishes to this session are blocked on newSt.mu, so the snapshot
		// is exactly the set of messages ordered before this subscribe.
		for _, msg := range h.buffer.Snapshot(sessionID) {
			h.enqueue(sub, msg)
		}
	}
	newSt.mu.Unlock()

	h.metrics.SubscribeResult(ctx, true)
	h.logger.Info("Connection %s subscribed to session %s (was: %q)", sub.id, sessionID, oldID)
	return true
}

// Publish appends the message to the session's replay buffer, which assigns
// its sequence number, then delivers it to a consistent snapshot of the
// session's subscribers. Per-session publish order is total and identical for
// all subscribers even when producers call concurrently. Publish never blocks
// on a slow consumer.
func (h *Hub) Publish(sessionID string, kind ports.EventKind, payload json.RawMessage) (ports.BufferedMessage, error) {
	if err := ValidateSessionID(sessionID); err != nil {
		return ports.BufferedMessage{}, err
	}
	if !kind.Valid() {
		return ports.BufferedMessage{}, fmt.Errorf("unknown event kind %q", kind)
	}

	for {
		h.mu.Lock()
		st := h.sessionStateLocked(sessionID)
		h.mu.Unlock()

		st.mu.Lock()
		if st.defunct {
			// Lost a race with the janitor: the entry was reaped after the
			// lookup. Re-resolve so the append lands in the live state a
			// concurrent subscriber snapshots from.
			st.mu.Unlock()
			continue
		}
		msg := h.buffer.Append(sessionID, kind, payload)
		delivered := 0
		for _, sub := range st.subscribers {
			h.enqueue(sub, msg)
			delivered++
		}
		st.mu.Unlock()

		h.metrics.EventPublished(context.Background(), string(kind), delivered)
		h.logger.Debug("Published %s seq=%d to session %s (%d subscriber(s))", kind, msg.Seq, sessionID, delivered)
		return msg, nil
	}
}

// enqueue performs the non-blocking hand-off to a subscriber queue. On a full
// queue the subscriber's own oldest message is dropped to make room; critical
// kinds (terminal task events, errors) retry the send after the drop so a
// saturated client still learns how a task ended.
func (h *Hub) enqueue(sub *Subscriber, msg ports.BufferedMessage) {
	select {
	case sub.queue <- msg:
		h.stats.recordSent()
		return
	default:
	}

	// Queue full: evict the oldest entry for this subscriber.
	select {
	case dropped := <-sub.queue:
		h.stats.recordDropped()
		h.metrics.EventDropped(context.Background(), string(dropped.Kind))
		h.logger.Warn("Queue full for %s on session %s; dropped seq=%d (%s)",
			sub.id, msg.SessionID, dropped.Seq, dropped.Kind)
	default:
		// Consumer drained it in the meantime.
	}

	select {
	case sub.queue <- msg:
		h.stats.recordSent()
	default:
		if !msg.Kind.Critical() {
			h.stats.recordDropped()
			h.metrics.EventDropped(context.Background(), string(msg.Kind))
			return
		}
		// One more attempt for critical frames: free a slot and send.
		select {
		case <-sub.queue:
			h.stats.recordDropped()
		default:
		}
		select {
		case sub.queue <- msg:
			h.stats.recordSent()
		default:
			h.stats.recordDropped()
			h.metrics.EventDropped(context.Background(), string(msg.Kind))
			h.logger.Warn("Failed to deliver critical %s seq=%d to %s", msg.Kind, msg.Seq, sub.id)
		}
	}
}

func (s *hubStats) recordSent() {
	s.mu.Lock()
	s.eventsSent++
	s.mu.Unlock()
}

func (s *hubStats) recordDropped() {
	s.mu.Lock()
	s.eventsDropped++
	s.mu.Unlock()
}

// sessionStateLocked returns the session's state, creating it lazily. Caller
// holds h.mu.
func (h *Hub) sessionStateLocked(sessionID string) *sessionState {
	st, ok := h.sessions[sessionID]
	if !ok {
		st = &sessionState{
			id:          sessionID,
			subscribers: make(map[string]*Subscriber),
		}
		h.sessions[sessionID] = st
	}
	return st
}

// lockPair locks up to two session states in deterministic id order.
func lockPair(a, b *sessionState) {
	switch {
	case a == nil:
		b.mu.Lock()
	case a.id < b.id:
		a.mu.Lock()
		b.mu.Lock()
	default:
		b.mu.Lock()
		a.mu.Lock()
	}
}

// Run periodically garbage-collects session state (replay buffer included)
// for sessions that are inactive and have no subscribers. Blocks until ctx is
// cancelled.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.JanitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.Sweep(ctx)
		}
	}
}

// Sweep performs one janitor pass. Exposed for tests.
func (h *Hub) Sweep(ctx context.Context) {
	for _, sessionID := range h.sweepCandidates() {
		if h.oracle != nil && h.oracle.IsActive(ctx, sessionID) {
			continue
		}

		h.mu.Lock()
		st, tracked := h.sessions[sessionID]
		if !tracked {
			h.buffer.Drop(sessionID)
			h.mu.Unlock()
			continue
		}
		st.mu.Lock()
		if len(st.subscribers) == 0 {
			// Mark before removal so a publish holding a stale pointer
			// re-resolves instead of appending into the reaped state.
			st.defunct = true
			delete(h.sessions, sessionID)
			h.buffer.Drop(sessionID)
		}
		st.mu.Unlock()
		h.mu.Unlock()
	}
}

// sweepCandidates is the union of tracked session states and sessions still
// holding replay history.
func (h *Hub) sweepCandidates() []string {
	seen := make(map[string]struct{})
	h.mu.RLock()
	for id := range h.sessions {
		seen[id] = struct{}{}
	}
	h.mu.RUnlock()
	for _, id := range h.buffer.Sessions() {
		seen[id] = struct{}{}
	}

	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	return ids
}

// HubStats is a point-in-time view of delivery counters for the stats API.
type HubStats struct {
	EventsSent        int64          `json:"events_sent"`
	EventsDropped     int64          `json:"events_dropped"`
	TotalConnections  int64          `json:"total_connections"`
	ActiveConnections int            `json:"active_connections"`
	SessionCount      int            `json:"session_count"`
	QueueDepth        map[string]int `json:"queue_depth,omitempty"` // per-session queued total
}

// Stats returns current hub counters.
func (h *Hub) Stats() HubStats {
	h.stats.mu.Lock()
	sent := h.stats.eventsSent
	dropped := h.stats.eventsDropped
	total := h.stats.totalConns
	h.stats.mu.Unlock()

	h.mu.RLock()
	active := len(h.conns)
	states := make([]*sessionState, 0, len(h.sessions))
	for _, st := range h.sessions {
		states = append(states, st)
	}
	h.mu.RUnlock()

	depth := make(map[string]int)
	for _, st := range states {
		st.mu.Lock()
		queued := 0
		for _, sub := range st.subscribers {
			queued += len(sub.queue)
		}
		st.mu.Unlock()
		if queued > 0 {
			depth[st.id] = queued
		}
	}

	return HubStats{
		EventsSent:        sent,
		EventsDropped:     dropped,
		TotalConnections:  total,
		ActiveConnections: active,
		SessionCount:      len(states),
		QueueDepth:        depth,
	}
}
