package broadcast

import (
	"context"
	"errors"
	"sync"

	"github.com/buildkite/coderoom/internal/protocol"
	"github.com/charmbracelet/log"
)

// DefaultQueueSize bounds each outbound queue.
const DefaultQueueSize = 256

var ErrQueueClosed = errors.New("queue closed")

// Queue is a bounded outbound message queue. When full, the oldest message
// is discarded so a slow reader never blocks publishers.
type Queue struct {
	size   int
	logger *log.Logger

	mu      sync.Mutex
	items   []protocol.Message
	notify  chan struct{}
	closed  bool
	dropped int
}

func NewQueue(size int, logger *log.Logger) *Queue {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &Queue{
		size:   size,
		logger: logger,
		notify: make(chan struct{}, 1),
	}
}

// Deliver enqueues msg. It reports false when the queue is closed.
func (q *Queue) Deliver(msg protocol.Message) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	var droppedType string
	if len(q.items) >= q.size {
		droppedType = q.items[0].Type
		q.items[0] = protocol.Message{}
		q.items = q.items[1:]
		q.dropped++
	}
	q.items = append(q.items, msg)
	dropped := q.dropped
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	if droppedType != "" && q.logger != nil {
		q.logger.Warn("outbound queue full, dropped oldest message", "type", droppedType, "dropped_total", dropped)
	}
	return true
}

// Next blocks until a message is available, the queue is closed or ctx is
// done. Messages queued before Close are still returned.
func (q *Queue) Next(ctx context.Context) (protocol.Message, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			msg := q.items[0]
			q.items[0] = protocol.Message{}
			q.items = q.items[1:]
			q.mu.Unlock()
			return msg, nil
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return protocol.Message{}, ErrQueueClosed
		}

		select {
		case <-ctx.Done():
			return protocol.Message{}, ctx.Err()
		case <-q.notify:
		}
	}
}

// Ready is signalled whenever a message may be available.
func (q *Queue) Ready() <-chan struct{} {
	return q.notify
}

// TryNext returns the next message without blocking.
func (q *Queue) TryNext() (protocol.Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return protocol.Message{}, false
	}
	msg := q.items[0]
	q.items[0] = protocol.Message{}
	q.items = q.items[1:]
	return msg, true
}

func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Dropped returns how many messages were discarded because the queue was
// full.
func (q *Queue) Dropped() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
