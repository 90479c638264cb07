package session

import (
	"context"
	"sync"
	"time"

	"github.com/buildkite/coderoom/internal/protocol"
	"github.com/charmbracelet/log"
)

// Record is the persisted part of a session.
type Record struct {
	ID        string
	Name      string
	OwnerID   string
	Language  string
	Code      string
	Version   int64
	Public    bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Store persists session records and chat history.
type Store interface {
	SaveSession(ctx context.Context, rec Record) error
	LoadSession(ctx context.Context, id string) (Record, bool, error)
	AppendMessage(ctx context.Context, msg protocol.ChatMessage) error
	RecentMessages(ctx context.Context, sessionID string, limit int) ([]protocol.ChatMessage, error)
}

const (
	maxPendingMessages = 1024
	storeWriteTimeout  = 5 * time.Second
)

// writer persists in the background so no session lock waits on the store.
// Session saves are coalesced per id; messages are written in order.
type writer struct {
	store  Store
	logger *log.Logger

	mu       sync.Mutex
	sessions map[string]Record
	messages []protocol.ChatMessage
	wake     chan struct{}
	stop     chan struct{}
	done     chan struct{}
	stopped  bool
}

func newWriter(store Store, logger *log.Logger) *writer {
	w := &writer{
		store:    store,
		logger:   logger,
		sessions: map[string]Record{},
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	if store == nil {
		close(w.done)
		w.stopped = true
		return w
	}
	go w.run()
	return w
}

func (w *writer) saveSession(rec Record) {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.sessions[rec.ID] = rec
	w.mu.Unlock()
	w.signal()
}

func (w *writer) appendMessage(msg protocol.ChatMessage) {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	if len(w.messages) >= maxPendingMessages {
		w.messages = w.messages[1:]
		if w.logger != nil {
			w.logger.Warn("store backlog full, dropped oldest chat message", "session_id", msg.SessionID)
		}
	}
	w.messages = append(w.messages, msg)
	w.mu.Unlock()
	w.signal()
}

func (w *writer) signal() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *writer) run() {
	defer close(w.done)
	for {
		select {
		case <-w.wake:
			w.flush()
		case <-w.stop:
			w.flush()
			return
		}
	}
}

func (w *writer) flush() {
	w.mu.Lock()
	sessions := w.sessions
	messages := w.messages
	w.sessions = map[string]Record{}
	w.messages = nil
	w.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), storeWriteTimeout)
	defer cancel()
	for _, msg := range messages {
		if err := w.store.AppendMessage(ctx, msg); err != nil && w.logger != nil {
			w.logger.Warn("failed to persist chat message", "session_id", msg.SessionID, "error", err)
		}
	}
	for _, rec := range sessions {
		if err := w.store.SaveSession(ctx, rec); err != nil && w.logger != nil {
			w.logger.Warn("failed to persist session", "session_id", rec.ID, "error", err)
		}
	}
}

// close flushes pending writes and stops the writer.
func (w *writer) close() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		<-w.done
		return
	}
	w.stopped = true
	w.mu.Unlock()
	close(w.stop)
	<-w.done
}
