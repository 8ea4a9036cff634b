package app

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"relay/internal/logging"
	"relay/internal/server/ports"
)

// stubOracle is a test activity oracle with explicit per-session state.
type stubOracle struct {
	mu     sync.Mutex
	active map[string]bool
}

func newStubOracle(activeSessions ...string) *stubOracle {
	o := &stubOracle{active: make(map[string]bool)}
	for _, id := range activeSessions {
		o.active[id] = true
	}
	return o
}

func (o *stubOracle) set(sessionID string, active bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.active[sessionID] = active
}

func (o *stubOracle) IsActive(_ context.Context, sessionID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.active[sessionID]
}

func newTestHub(oracle ports.ActivityOracle, cfg HubConfig) *Hub {
	return NewHub(cfg, oracle, NewReplayBuffer(ReplayBufferConfig{}), WithHubLogger(logging.Nop()))
}

// drain reads every message currently queued for the subscriber.
func drain(sub *Subscriber) []ports.BufferedMessage {
	var msgs []ports.BufferedMessage
	for {
		select {
		case msg, ok := <-sub.Events():
			if !ok {
				return msgs
			}
			msgs = append(msgs, msg)
		default:
			return msgs
		}
	}
}

func TestHub_RegisterDeregister(t *testing.T) {
	hub := newTestHub(newStubOracle("s1"), HubConfig{})

	sub := hub.Register()
	if sub.ID() == "" {
		t.Fatal("Expected a connection id")
	}
	if _, ok := hub.CurrentSubscription(sub); ok {
		t.Error("Fresh connection must have no subscription")
	}

	hub.Deregister(sub)
	// Idempotent: a second deregister is a no-op, not a panic.
	hub.Deregister(sub)

	if _, open := <-sub.Events(); open {
		t.Error("Queue must be closed after deregister")
	}
}

func TestHub_SubscribeActiveSession(t *testing.T) {
	hub := newTestHub(newStubOracle("s1"), HubConfig{})
	sub := hub.Register()

	if !hub.Subscribe(context.Background(), sub, "s1", false) {
		t.Fatal("Subscribe to active session must succeed")
	}

	sessionID, ok := hub.CurrentSubscription(sub)
	if !ok || sessionID != "s1" {
		t.Errorf("Expected subscription s1, got %q (ok=%v)", sessionID, ok)
	}
	if members := hub.Members("s1"); len(members) != 1 || members[0] != sub.ID() {
		t.Errorf("Expected members [%s], got %v", sub.ID(), members)
	}
}

func TestHub_SubscribeInactiveKeepsPrior(t *testing.T) {
	oracle := newStubOracle("s1")
	hub := newTestHub(oracle, HubConfig{})
	sub := hub.Register()

	if !hub.Subscribe(context.Background(), sub, "s1", false) {
		t.Fatal("Subscribe to s1 must succeed")
	}
	if hub.Subscribe(context.Background(), sub, "s2", false) {
		t.Fatal("Subscribe to inactive s2 must fail")
	}

	// The failed subscribe must not disturb the existing membership.
	sessionID, ok := hub.CurrentSubscription(sub)
	if !ok || sessionID != "s1" {
		t.Errorf("Expected subscription still s1, got %q", sessionID)
	}
	if count := hub.SubscriberCount("s1"); count != 1 {
		t.Errorf("Expected 1 subscriber on s1, got %d", count)
	}
	if count := hub.SubscriberCount("s2"); count != 0 {
		t.Errorf("Expected 0 subscribers on s2, got %d", count)
	}
}

func TestHub_SubscribeInvalidSessionID(t *testing.T) {
	hub := newTestHub(newStubOracle(), HubConfig{})
	sub := hub.Register()

	for _, id := range []string{"", "   ", "bad/id", "a b", string(make([]byte, 200))} {
		if hub.Subscribe(context.Background(), sub, id, false) {
			t.Errorf("Subscribe with invalid id %q must fail", id)
		}
	}
}

func TestHub_SwitchSessionsExclusive(t *testing.T) {
	hub := newTestHub(newStubOracle("s1", "s2"), HubConfig{})
	sub := hub.Register()

	if !hub.Subscribe(context.Background(), sub, "s1", false) {
		t.Fatal("Subscribe to s1 failed")
	}
	if !hub.Subscribe(context.Background(), sub, "s2", false) {
		t.Fatal("Subscribe to s2 failed")
	}

	// Subscribing to a new session atomically supersedes the old one.
	if members := hub.Members("s1"); len(members) != 0 {
		t.Errorf("Expected no members on s1 after switch, got %v", members)
	}
	if members := hub.Members("s2"); len(members) != 1 || members[0] != sub.ID() {
		t.Errorf("Expected members [%s] on s2, got %v", sub.ID(), members)
	}
	if sessionID, _ := hub.CurrentSubscription(sub); sessionID != "s2" {
		t.Errorf("Expected current subscription s2, got %q", sessionID)
	}
}

func TestHub_PublishFanOutOrdering(t *testing.T) {
	hub := newTestHub(newStubOracle("s1"), HubConfig{})
	sub1 := hub.Register()
	sub2 := hub.Register()
	hub.Subscribe(context.Background(), sub1, "s1", false)
	hub.Subscribe(context.Background(), sub2, "s1", false)

	for i := 0; i < 20; i++ {
		payload := json.RawMessage(fmt.Sprintf(`{"n":%d}`, i))
		if _, err := hub.Publish("s1", ports.EventContent, payload); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}

	for name, sub := range map[string]*Subscriber{"sub1": sub1, "sub2": sub2} {
		msgs := drain(sub)
		if len(msgs) != 20 {
			t.Fatalf("%s: expected 20 messages, got %d", name, len(msgs))
		}
		for i, msg := range msgs {
			if msg.Seq != uint64(i+1) {
				t.Errorf("%s: out of order at %d: seq %d", name, i, msg.Seq)
			}
		}
	}
}

func TestHub_SessionIsolation(t *testing.T) {
	hub := newTestHub(newStubOracle("s1", "s2"), HubConfig{})
	sub1 := hub.Register()
	sub2 := hub.Register()
	hub.Subscribe(context.Background(), sub1, "s1", false)
	hub.Subscribe(context.Background(), sub2, "s2", false)

	if _, err := hub.Publish("s1", ports.EventContent, json.RawMessage(`{}`)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	if msgs := drain(sub1); len(msgs) != 1 {
		t.Errorf("s1 subscriber expected 1 message, got %d", len(msgs))
	}
	if msgs := drain(sub2); len(msgs) != 0 {
		t.Errorf("s2 subscriber expected no messages, got %d", len(msgs))
	}
}

func TestHub_DisconnectCleanup(t *testing.T) {
	hub := newTestHub(newStubOracle("s1"), HubConfig{})
	sub1 := hub.Register()
	sub2 := hub.Register()
	hub.Subscribe(context.Background(), sub1, "s1", false)
	hub.Subscribe(context.Background(), sub2, "s1", false)

	hub.Deregister(sub1)
	if members := hub.Members("s1"); len(members) != 1 || members[0] != sub2.ID() {
		t.Errorf("Expected only %s subscribed, got %v", sub2.ID(), members)
	}

	// Last subscriber leaving drops the subscriber table entry entirely.
	hub.Deregister(sub2)
	if count := hub.SubscriberCount("s1"); count != 0 {
		t.Errorf("Expected 0 subscribers, got %d", count)
	}

	// Publishes to the now-empty session still work (buffer keeps ordering).
	msg, err := hub.Publish("s1", ports.EventContent, json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("Publish after cleanup failed: %v", err)
	}
	if msg.Seq != 1 {
		t.Errorf("Expected seq 1, got %d", msg.Seq)
	}
}

func TestHub_ReplayFlushOnSubscribe(t *testing.T) {
	hub := newTestHub(newStubOracle("s1"), HubConfig{})

	for i := 0; i < 3; i++ {
		if _, err := hub.Publish("s1", ports.EventContent, json.RawMessage(`{}`)); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}

	sub := hub.Register()
	if !hub.Subscribe(context.Background(), sub, "s1", true) {
		t.Fatal("Subscribe failed")
	}

	// Live message after the subscribe continues the sequence with no gap.
	if _, err := hub.Publish("s1", ports.EventContent, json.RawMessage(`{}`)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	msgs := drain(sub)
	if len(msgs) != 4 {
		t.Fatalf("Expected 3 replayed + 1 live message, got %d", len(msgs))
	}
	for i, msg := range msgs {
		if msg.Seq != uint64(i+1) {
			t.Errorf("Expected seq %d at %d, got %d", i+1, i, msg.Seq)
		}
	}
}

func TestHub_SubscribeWithoutReplay(t *testing.T) {
	hub := newTestHub(newStubOracle("s1"), HubConfig{})

	hub.Publish("s1", ports.EventContent, json.RawMessage(`{}`))
	hub.Publish("s1", ports.EventContent, json.RawMessage(`{}`))

	sub := hub.Register()
	if !hub.Subscribe(context.Background(), sub, "s1", false) {
		t.Fatal("Subscribe failed")
	}

	hub.Publish("s1", ports.EventContent, json.RawMessage(`{}`))

	msgs := drain(sub)
	if len(msgs) != 1 {
		t.Fatalf("Expected only the live message, got %d", len(msgs))
	}
	if msgs[0].Seq != 3 {
		t.Errorf("Expected seq 3, got %d", msgs[0].Seq)
	}
}

func TestHub_QueueOverflowDropsOldest(t *testing.T) {
	hub := newTestHub(newStubOracle("s1"), HubConfig{QueueCapacity: 2})
	sub := hub.Register()
	hub.Subscribe(context.Background(), sub, "s1", false)

	for i := 0; i < 5; i++ {
		if _, err := hub.Publish("s1", ports.EventContent, json.RawMessage(`{}`)); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}

	// Oldest entries are shed; the queue holds the most recent messages.
	msgs := drain(sub)
	if len(msgs) != 2 {
		t.Fatalf("Expected queue capacity 2, got %d messages", len(msgs))
	}
	if msgs[0].Seq != 4 || msgs[1].Seq != 5 {
		t.Errorf("Expected seqs [4 5], got [%d %d]", msgs[0].Seq, msgs[1].Seq)
	}

	stats := hub.Stats()
	if stats.EventsDropped != 3 {
		t.Errorf("Expected 3 drops recorded, got %d", stats.EventsDropped)
	}
}

func TestHub_CriticalEventSurvivesFullQueue(t *testing.T) {
	hub := newTestHub(newStubOracle("s1"), HubConfig{QueueCapacity: 2})
	sub := hub.Register()
	hub.Subscribe(context.Background(), sub, "s1", false)

	hub.Publish("s1", ports.EventContent, json.RawMessage(`{}`))
	hub.Publish("s1", ports.EventContent, json.RawMessage(`{}`))
	hub.Publish("s1", ports.EventTaskFailed, json.RawMessage(`{"task_id":"t1"}`))

	msgs := drain(sub)
	if len(msgs) != 2 {
		t.Fatalf("Expected 2 queued messages, got %d", len(msgs))
	}
	last := msgs[len(msgs)-1]
	if last.Kind != ports.EventTaskFailed {
		t.Errorf("Expected terminal event delivered despite full queue, got %s", last.Kind)
	}
}

func TestHub_ReplayGaplessUnderChurn(t *testing.T) {
	hub := newTestHub(newStubOracle("s1"), HubConfig{QueueCapacity: 4096})

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			if _, err := hub.Publish("s1", ports.EventContent, json.RawMessage(`{}`)); err != nil {
				t.Errorf("Publish failed: %v", err)
				return
			}
		}
	}()

	// Each short-lived subscriber must see a contiguous stream: the replay
	// snapshot and the live publishes behind it may never leave a hole, even
	// while earlier subscribers deregister and session state turns over.
	for i := 0; i < 150; i++ {
		sub := hub.Register()
		droppedBefore := hub.Stats().EventsDropped
		if !hub.Subscribe(context.Background(), sub, "s1", true) {
			t.Fatal("Subscribe failed")
		}

		var last uint64
		for n := 0; n < 20; n++ {
			select {
			case msg := <-sub.Events():
				if last != 0 && msg.Seq != last+1 {
					// A hole is only legitimate when backpressure shed it.
					if hub.Stats().EventsDropped == droppedBefore {
						t.Fatalf("iteration %d: seq %d followed %d with no queue drops", i, msg.Seq, last)
					}
				}
				last = msg.Seq
			case <-time.After(2 * time.Second):
				t.Fatalf("iteration %d: no message received", i)
			}
		}
		hub.Deregister(sub)
	}

	close(stop)
	wg.Wait()
}

func TestHub_SubscribeAckBeforeReplayFlush(t *testing.T) {
	hub := newTestHub(newStubOracle("s1"), HubConfig{})
	hub.Publish("s1", ports.EventContent, json.RawMessage(`{}`))
	hub.Publish("s1", ports.EventContent, json.RawMessage(`{}`))
	sub := hub.Register()

	var ackSuccess *bool
	queuedAtAck := -1
	ok := hub.Subscribe(context.Background(), sub, "s1", true, WithSubscribeAck(func(success bool) {
		ackSuccess = &success
		queuedAtAck = len(sub.queue)
	}))
	if !ok {
		t.Fatal("Subscribe failed")
	}
	if ackSuccess == nil || !*ackSuccess {
		t.Fatal("Expected a success ack")
	}
	if queuedAtAck != 0 {
		t.Errorf("Ack must fire before the replay flush, found %d queued", queuedAtAck)
	}
	if msgs := drain(sub); len(msgs) != 2 {
		t.Errorf("Expected 2 replayed messages after the ack, got %d", len(msgs))
	}

	// Failures ack too, before any state changes.
	acked := false
	if hub.Subscribe(context.Background(), sub, "inactive-session", true, WithSubscribeAck(func(success bool) {
		acked = true
		if success {
			t.Error("Expected a failure ack")
		}
	})) {
		t.Fatal("Subscribe to inactive session must fail")
	}
	if !acked {
		t.Error("Expected the ack on a failed subscribe")
	}
}

func TestHub_ReplayFlushLargerThanQueue(t *testing.T) {
	hub := newTestHub(newStubOracle("s1"), HubConfig{QueueCapacity: 8})
	for i := 0; i < 100; i++ {
		hub.Publish("s1", ports.EventContent, json.RawMessage(`{}`))
	}

	sub := hub.Register()
	if !hub.Subscribe(context.Background(), sub, "s1", true) {
		t.Fatal("Subscribe failed")
	}

	// The flush slides the bounded queue forward; the newest history wins.
	msgs := drain(sub)
	if len(msgs) != 8 {
		t.Fatalf("Expected the queue capacity of 8 messages, got %d", len(msgs))
	}
	for i, msg := range msgs {
		if want := uint64(93 + i); msg.Seq != want {
			t.Errorf("Position %d: expected seq %d, got %d", i, want, msg.Seq)
		}
	}
}

func TestHub_PublishRejectsBadInput(t *testing.T) {
	hub := newTestHub(newStubOracle("s1"), HubConfig{})

	if _, err := hub.Publish("", ports.EventContent, nil); err == nil {
		t.Error("Expected error for empty session id")
	}
	if _, err := hub.Publish("s1", ports.EventKind("bogus"), nil); err == nil {
		t.Error("Expected error for unknown event kind")
	}
}

func TestHub_ConcurrentPublishTotalOrder(t *testing.T) {
	hub := newTestHub(newStubOracle("s1"), HubConfig{QueueCapacity: 4096})
	sub1 := hub.Register()
	sub2 := hub.Register()
	hub.Subscribe(context.Background(), sub1, "s1", false)
	hub.Subscribe(context.Background(), sub2, "s1", false)

	const producers = 8
	const perProducer = 100

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				payload := json.RawMessage(fmt.Sprintf(`{"p":%d,"i":%d}`, p, i))
				if _, err := hub.Publish("s1", ports.EventContent, payload); err != nil {
					t.Errorf("Publish failed: %v", err)
					return
				}
			}
		}(p)
	}
	wg.Wait()

	msgs1 := drain(sub1)
	msgs2 := drain(sub2)
	total := producers * perProducer
	if len(msgs1) != total || len(msgs2) != total {
		t.Fatalf("Expected %d messages each, got %d and %d", total, len(msgs1), len(msgs2))
	}

	// Both subscribers observe the same total order: seq strictly ascending
	// and identical payload order.
	for i := 0; i < total; i++ {
		if msgs1[i].Seq != uint64(i+1) {
			t.Fatalf("sub1 gap at %d: seq %d", i, msgs1[i].Seq)
		}
		if msgs2[i].Seq != msgs1[i].Seq {
			t.Fatalf("Subscribers diverge at %d: %d vs %d", i, msgs1[i].Seq, msgs2[i].Seq)
		}
		if string(msgs1[i].Payload) != string(msgs2[i].Payload) {
			t.Fatalf("Payload order diverges at %d", i)
		}
	}
}

func TestHub_ConcurrentSubscribeAndDisconnect(t *testing.T) {
	hub := newTestHub(newStubOracle("s1", "s2"), HubConfig{QueueCapacity: 16})

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sub := hub.Register()
			session := "s1"
			if i%2 == 0 {
				session = "s2"
			}
			hub.Subscribe(context.Background(), sub, session, true)
			hub.Publish(session, ports.EventContent, json.RawMessage(`{}`))
			hub.Deregister(sub)
		}(i)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Deadlock: concurrent subscribe/publish/disconnect did not finish")
	}

	// All connections gone: no stale membership anywhere.
	if count := hub.SubscriberCount("s1"); count != 0 {
		t.Errorf("Expected 0 subscribers on s1, got %d", count)
	}
	if count := hub.SubscriberCount("s2"); count != 0 {
		t.Errorf("Expected 0 subscribers on s2, got %d", count)
	}
	if stats := hub.Stats(); stats.ActiveConnections != 0 {
		t.Errorf("Expected 0 active connections, got %d", stats.ActiveConnections)
	}
}

func TestHub_SweepDropsInactiveSessions(t *testing.T) {
	oracle := newStubOracle("s1")
	hub := newTestHub(oracle, HubConfig{})

	hub.Publish("s1", ports.EventContent, json.RawMessage(`{}`))

	// Active session is retained even without subscribers.
	hub.Sweep(context.Background())
	if snapshot := hub.buffer.Snapshot("s1"); len(snapshot) != 1 {
		t.Fatalf("Active session buffer must survive the sweep, got %d messages", len(snapshot))
	}

	// Once inactive and subscriber-less, the buffer is garbage-collected.
	oracle.set("s1", false)
	hub.Sweep(context.Background())
	if snapshot := hub.buffer.Snapshot("s1"); len(snapshot) != 0 {
		t.Errorf("Inactive session buffer must be dropped, got %d messages", len(snapshot))
	}
}

func TestHub_SweepKeepsSubscribedSessions(t *testing.T) {
	oracle := newStubOracle("s1")
	hub := newTestHub(oracle, HubConfig{})
	sub := hub.Register()
	hub.Subscribe(context.Background(), sub, "s1", false)
	hub.Publish("s1", ports.EventContent, json.RawMessage(`{}`))

	oracle.set("s1", false)
	hub.Sweep(context.Background())

	// A subscribed session keeps its history even when inactive.
	if snapshot := hub.buffer.Snapshot("s1"); len(snapshot) != 1 {
		t.Errorf("Subscribed session buffer must survive the sweep, got %d", len(snapshot))
	}
}
