package session

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/buildkite/coderoom/internal/broadcast"
	"github.com/buildkite/coderoom/internal/protocol"
)

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

// Advance moves the clock forward and runs every timer that became due.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	pending := c.timers[:0]
	for _, t := range c.timers {
		switch {
		case t.stopped || t.fired:
		case !t.at.After(c.now):
			t.fired = true
			due = append(due, t)
		default:
			pending = append(pending, t)
		}
	}
	c.timers = pending
	c.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	for _, t := range due {
		t.f()
	}
}

type memoryStore struct {
	mu       sync.Mutex
	sessions map[string]Record
	messages map[string][]protocol.ChatMessage
	saved    chan Record
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		sessions: map[string]Record{},
		messages: map[string][]protocol.ChatMessage{},
		saved:    make(chan Record, 64),
	}
}

func (m *memoryStore) SaveSession(_ context.Context, rec Record) error {
	m.mu.Lock()
	m.sessions[rec.ID] = rec
	m.mu.Unlock()
	select {
	case m.saved <- rec:
	default:
	}
	return nil
}

func (m *memoryStore) LoadSession(_ context.Context, id string) (Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.sessions[id]
	return rec, ok, nil
}

func (m *memoryStore) AppendMessage(_ context.Context, msg protocol.ChatMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages[msg.SessionID] = append(m.messages[msg.SessionID], msg)
	return nil
}

func (m *memoryStore) RecentMessages(_ context.Context, sessionID string, limit int) ([]protocol.ChatMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := m.messages[sessionID]
	if len(all) > limit {
		all = all[len(all)-limit:]
	}
	return append([]protocol.ChatMessage(nil), all...), nil
}

func (m *memoryStore) record(id string) (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.sessions[id]
	return rec, ok
}

type harness struct {
	clock    *fakeClock
	bus      *broadcast.Broadcaster
	registry *Registry
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	h := &harness{clock: newFakeClock(), bus: &broadcast.Broadcaster{}}
	cfg := Config{
		Publisher:     h.bus,
		Clock:         h.clock,
		EvictionGrace: time.Minute,
		AutoCreate:    true,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	h.registry = NewRegistry(cfg)
	t.Cleanup(h.registry.Close)
	return h
}

// join subscribes userID to sessionID and joins, the way a connection does.
func (h *harness) join(t *testing.T, sessionID, userID string, role protocol.Role) (*Session, *broadcast.Subscription) {
	t.Helper()
	sub := h.bus.Subscribe(context.Background(), sessionID, userID)
	t.Cleanup(func() { h.bus.Unsubscribe(sub) })
	s, _, _, err := h.registry.Join(context.Background(), sessionID, User{ID: userID, Name: userID}, role, sub)
	if err != nil {
		t.Fatalf("Join(%q) returned error: %v", userID, err)
	}
	return s, sub
}

// drain returns every message queued for sub without blocking.
func drain(sub *broadcast.Subscription) []protocol.Message {
	var out []protocol.Message
	for {
		msg, ok := sub.Queue().TryNext()
		if !ok {
			return out
		}
		out = append(out, msg)
	}
}

func ofType(msgs []protocol.Message, kind string) []protocol.Message {
	var out []protocol.Message
	for _, msg := range msgs {
		if msg.Type == kind {
			out = append(out, msg)
		}
	}
	return out
}
