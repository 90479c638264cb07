package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/buildkite/coderoom/internal/ids"
	"github.com/buildkite/coderoom/internal/protocol"
	"github.com/charmbracelet/log"
)

const (
	DefaultMaxParticipants = 10
	DefaultEvictionGrace   = 3 * time.Minute
	DefaultChatTail        = 100
	DefaultLanguage        = "python"
)

// Config configures a Registry.
type Config struct {
	Publisher       Publisher
	Store           Store
	Clock           Clock
	Logger          *log.Logger
	MaxParticipants int
	EvictionGrace   time.Duration
	ChatTail        int
	DefaultLanguage string
	// AutoCreate creates unknown sessions on first join.
	AutoCreate bool
}

// CreateRequest describes a session created explicitly.
type CreateRequest struct {
	ID              string
	Name            string
	OwnerID         string
	Language        string
	Public          bool
	MaxParticipants int
}

// Registry is the only place sessions are created or evicted.
type Registry struct {
	cfg    Config
	writer *writer

	mu       sync.RWMutex
	sessions map[string]*entry
	closed   bool
}

type entry struct {
	session *Session
	timer   Timer
	gen     uint64
}

func NewRegistry(cfg Config) *Registry {
	if cfg.Clock == nil {
		cfg.Clock = SystemClock{}
	}
	if cfg.MaxParticipants <= 0 {
		cfg.MaxParticipants = DefaultMaxParticipants
	}
	if cfg.EvictionGrace < 0 {
		cfg.EvictionGrace = 0
	}
	if cfg.ChatTail <= 0 {
		cfg.ChatTail = DefaultChatTail
	}
	if strings.TrimSpace(cfg.DefaultLanguage) == "" {
		cfg.DefaultLanguage = DefaultLanguage
	}
	return &Registry{
		cfg:      cfg,
		writer:   newWriter(cfg.Store, cfg.Logger),
		sessions: map[string]*entry{},
	}
}

// Create registers a new session. A previously persisted session with the
// same id is restored.
func (r *Registry) Create(ctx context.Context, req CreateRequest) (*Session, error) {
	id := strings.TrimSpace(req.ID)
	if id == "" {
		id = ids.NewSessionID()
	}
	req.ID = id

	r.mu.RLock()
	_, exists := r.sessions[id]
	r.mu.RUnlock()
	if exists {
		return nil, fmt.Errorf("%w: %q", ErrSessionExists, id)
	}

	s := r.newSession(ctx, req)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, errors.New("registry closed")
	}
	if _, exists := r.sessions[id]; exists {
		return nil, fmt.Errorf("%w: %q", ErrSessionExists, id)
	}
	r.sessions[id] = &entry{session: s}
	// An explicitly created session starts empty and is subject to the
	// same grace period as one whose last participant left.
	r.scheduleEvictionLocked(id)
	s.mu.Lock()
	s.writer.saveSession(s.recordLocked())
	s.mu.Unlock()
	if r.cfg.Logger != nil {
		r.cfg.Logger.Info("session created", "session_id", id)
	}
	return s, nil
}

// Get returns a live session.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[strings.TrimSpace(id)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrSessionNotFound, id)
	}
	return e.session, nil
}

// Join adds user to the session, creating it first when auto-create is
// enabled. Any pending eviction is cancelled.
func (r *Registry) Join(ctx context.Context, sessionID string, user User, role protocol.Role, inbox Inbox) (*Session, protocol.SessionState, string, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, protocol.SessionState{}, "", fmt.Errorf("%w: empty id", ErrSessionNotFound)
	}

	// A session may be closed by eviction between lookup and join; the
	// retry then lands on a fresh session.
	for attempt := 0; attempt < 2; attempt++ {
		s, err := r.acquire(ctx, sessionID, user.ID)
		if err != nil {
			return nil, protocol.SessionState{}, "", err
		}
		state, color, err := s.Join(user, role, inbox)
		if errors.Is(err, ErrSessionNotFound) {
			continue
		}
		if err != nil {
			if s.ParticipantCount() == 0 {
				r.scheduleEviction(sessionID, s)
			}
			return nil, protocol.SessionState{}, "", err
		}
		return s, state, color, nil
	}
	return nil, protocol.SessionState{}, "", fmt.Errorf("%w: %q", ErrSessionNotFound, sessionID)
}

func (r *Registry) acquire(ctx context.Context, sessionID, userID string) (*Session, error) {
	r.mu.Lock()
	if e, ok := r.sessions[sessionID]; ok && !e.session.isClosed() {
		r.cancelEvictionLocked(e)
		r.mu.Unlock()
		return e.session, nil
	}
	r.mu.Unlock()

	if !r.cfg.AutoCreate {
		return nil, fmt.Errorf("%w: %q", ErrSessionNotFound, sessionID)
	}

	s := r.newSession(ctx, CreateRequest{ID: sessionID, OwnerID: userID})
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, errors.New("registry closed")
	}
	if e, ok := r.sessions[sessionID]; ok && !e.session.isClosed() {
		r.cancelEvictionLocked(e)
		return e.session, nil
	}
	r.sessions[sessionID] = &entry{session: s}
	if r.cfg.Logger != nil {
		r.cfg.Logger.Info("session created", "session_id", sessionID, "owner_id", userID)
	}
	return s, nil
}

// newSession builds a session, restoring buffer and chat from the store.
// It does not touch the registry map.
func (r *Registry) newSession(ctx context.Context, req CreateRequest) *Session {
	now := r.cfg.Clock.Now()
	limit := req.MaxParticipants
	if limit <= 0 {
		limit = r.cfg.MaxParticipants
	}
	s := &Session{
		id:              req.ID,
		publisher:       r.cfg.Publisher,
		clock:           r.cfg.Clock,
		writer:          r.writer,
		logger:          r.cfg.Logger,
		name:            strings.TrimSpace(req.Name),
		ownerID:         strings.TrimSpace(req.OwnerID),
		language:        strings.TrimSpace(req.Language),
		public:          req.Public,
		maxParticipants: limit,
		participants:    map[string]*participant{},
		chatTail:        r.cfg.ChatTail,
		createdAt:       now,
		lastActivity:    now,
	}

	if r.cfg.Store != nil {
		rec, ok, err := r.cfg.Store.LoadSession(ctx, req.ID)
		switch {
		case err != nil:
			if r.cfg.Logger != nil {
				r.cfg.Logger.Warn("failed to load session", "session_id", req.ID, "error", err)
			}
		case ok:
			s.code = rec.Code
			s.version = rec.Version
			s.createdAt = rec.CreatedAt
			if s.name == "" {
				s.name = rec.Name
			}
			if rec.OwnerID != "" {
				s.ownerID = rec.OwnerID
			}
			if s.language == "" {
				s.language = rec.Language
			}
			s.public = s.public || rec.Public
		}
		chat, err := r.cfg.Store.RecentMessages(ctx, req.ID, r.cfg.ChatTail)
		if err != nil {
			if r.cfg.Logger != nil {
				r.cfg.Logger.Warn("failed to load chat history", "session_id", req.ID, "error", err)
			}
		} else {
			s.chat = chat
		}
	}

	if s.name == "" {
		s.name = req.ID
	}
	if s.language == "" {
		s.language = r.cfg.DefaultLanguage
	}
	return s
}

// Leave removes one connection of userID from the session and schedules
// eviction when the session becomes empty.
func (r *Registry) Leave(sessionID, userID string) (int, error) {
	s, err := r.Get(sessionID)
	if err != nil {
		return 0, err
	}
	remaining, err := s.Leave(userID)
	if err != nil {
		return remaining, err
	}
	if remaining == 0 {
		r.scheduleEviction(s.id, s)
	}
	return remaining, nil
}

func (r *Registry) scheduleEviction(id string, s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.sessions[id]; ok && e.session == s {
		r.scheduleEvictionLocked(id)
	}
}

func (r *Registry) scheduleEvictionLocked(id string) {
	e := r.sessions[id]
	r.cancelEvictionLocked(e)
	gen := e.gen
	grace := r.cfg.EvictionGrace
	if grace == 0 {
		go r.evict(id, gen)
		return
	}
	e.timer = r.cfg.Clock.AfterFunc(grace, func() {
		r.evict(id, gen)
	})
}

func (r *Registry) cancelEvictionLocked(e *entry) {
	e.gen++
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

func (r *Registry) evict(id string, gen uint64) {
	r.mu.Lock()
	e, ok := r.sessions[id]
	if !ok || e.gen != gen {
		r.mu.Unlock()
		return
	}
	rec, closed := e.session.closeIfEmpty()
	if !closed {
		r.mu.Unlock()
		return
	}
	e.timer = nil
	delete(r.sessions, id)
	r.mu.Unlock()

	r.writer.saveSession(rec)
	if r.cfg.Logger != nil {
		r.cfg.Logger.Info("session evicted", "session_id", id)
	}
}

// List returns snapshots of every live session, oldest first.
func (r *Registry) List() []protocol.SessionState {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, e := range r.sessions {
		sessions = append(sessions, e.session)
	}
	r.mu.RUnlock()

	out := make([]protocol.SessionState, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Close stops eviction timers and flushes every session to the store.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	sessions := make([]*Session, 0, len(r.sessions))
	for _, e := range r.sessions {
		r.cancelEvictionLocked(e)
		sessions = append(sessions, e.session)
	}
	r.mu.Unlock()

	for _, s := range sessions {
		s.mu.Lock()
		rec := s.recordLocked()
		s.mu.Unlock()
		r.writer.saveSession(rec)
	}
	r.writer.close()
}
