// Package broadcast routes session messages to every subscribed connection.
package broadcast

import (
	"context"
	"sync"

	"github.com/buildkite/coderoom/internal/protocol"
	"github.com/charmbracelet/log"
)

// Broadcaster fans messages out to the subscriptions of a session. It holds
// no session state of its own.
type Broadcaster struct {
	QueueSize int
	Logger    *log.Logger

	mu       sync.RWMutex
	sessions map[string]map[uint64]*Subscription
	nextID   uint64
}

// Subscription is one connection's registration for a session.
type Subscription struct {
	ID        uint64
	SessionID string
	UserID    string

	queue     *Queue
	ownsQueue bool
	stop      chan struct{}
	once      sync.Once
}

// Deliver enqueues msg for this subscription only.
func (s *Subscription) Deliver(msg protocol.Message) {
	s.queue.Deliver(msg)
}

// Next returns the next queued message.
func (s *Subscription) Next(ctx context.Context) (protocol.Message, error) {
	return s.queue.Next(ctx)
}

func (s *Subscription) Queue() *Queue {
	return s.queue
}

// Done is closed once the subscription has been removed.
func (s *Subscription) Done() <-chan struct{} {
	return s.stop
}

type publishOptions struct {
	exceptUser string
}

type PublishOption func(*publishOptions)

// ExceptUser skips every subscription held by userID.
func ExceptUser(userID string) PublishOption {
	return func(o *publishOptions) {
		o.exceptUser = userID
	}
}

// Subscribe registers a new subscription with its own queue. Cancelling ctx
// unsubscribes it.
func (b *Broadcaster) Subscribe(ctx context.Context, sessionID, userID string) *Subscription {
	return b.attach(ctx, sessionID, userID, NewQueue(b.QueueSize, b.Logger), true)
}

// Attach registers a subscription that delivers into q. The caller keeps
// ownership of q; unsubscribing does not close it.
func (b *Broadcaster) Attach(ctx context.Context, sessionID, userID string, q *Queue) *Subscription {
	return b.attach(ctx, sessionID, userID, q, false)
}

func (b *Broadcaster) attach(ctx context.Context, sessionID, userID string, q *Queue, owns bool) *Subscription {
	b.mu.Lock()
	b.ensureMapsLocked()
	b.nextID++
	sub := &Subscription{
		ID:        b.nextID,
		SessionID: sessionID,
		UserID:    userID,
		queue:     q,
		ownsQueue: owns,
		stop:      make(chan struct{}),
	}
	subs, ok := b.sessions[sessionID]
	if !ok {
		subs = map[uint64]*Subscription{}
		b.sessions[sessionID] = subs
	}
	subs[sub.ID] = sub
	b.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			b.Unsubscribe(sub)
		case <-sub.stop:
		}
	}()

	if b.Logger != nil {
		b.Logger.Debug("subscribed", "session_id", sessionID, "user_id", userID, "subscription", sub.ID)
	}
	return sub
}

// Unsubscribe removes sub. It is safe to call more than once.
func (b *Broadcaster) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	sub.once.Do(func() {
		b.mu.Lock()
		if subs, ok := b.sessions[sub.SessionID]; ok {
			delete(subs, sub.ID)
			if len(subs) == 0 {
				delete(b.sessions, sub.SessionID)
			}
		}
		b.mu.Unlock()

		close(sub.stop)
		if sub.ownsQueue {
			sub.queue.Close()
		}
		if b.Logger != nil {
			b.Logger.Debug("unsubscribed", "session_id", sub.SessionID, "user_id", sub.UserID, "subscription", sub.ID)
		}
	})
}

// Publish delivers msg to the session's subscriptions and returns how many
// received it.
func (b *Broadcaster) Publish(sessionID string, msg protocol.Message, opts ...PublishOption) int {
	var o publishOptions
	for _, opt := range opts {
		opt(&o)
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	delivered := 0
	for _, sub := range b.sessions[sessionID] {
		if o.exceptUser != "" && sub.UserID == o.exceptUser {
			continue
		}
		if sub.queue.Deliver(msg) {
			delivered++
		}
	}
	return delivered
}

// Subscribers returns the number of live subscriptions for sessionID.
func (b *Broadcaster) Subscribers(sessionID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.sessions[sessionID])
}

func (b *Broadcaster) ensureMapsLocked() {
	if b.sessions == nil {
		b.sessions = map[string]map[uint64]*Subscription{}
	}
}
