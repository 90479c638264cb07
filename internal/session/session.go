// Package session holds collaborative rooms: one shared buffer, a roster
// and a chat tail per session, plus the registry that creates and evicts
// them.
package session

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/buildkite/coderoom/internal/broadcast"
	"github.com/buildkite/coderoom/internal/protocol"
	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/samber/lo"
)

var (
	ErrSessionNotFound    = errors.New("session not found")
	ErrSessionExists      = errors.New("session already exists")
	ErrSessionFull        = errors.New("session is full")
	ErrNotAuthorized      = errors.New("not authorized")
	ErrUnknownParticipant = errors.New("unknown participant")
)

// palette is assigned round-robin; colors repeat once it wraps.
var palette = []string{
	"#FF6B6B", "#4ECDC4", "#45B7D1", "#96CEB4", "#FFEAA7",
	"#DDA0DD", "#98D8C8", "#F7DC6F", "#BB8FCE", "#85C1E9",
}

// Publisher is the outbound side of a session.
type Publisher interface {
	Publish(sessionID string, msg protocol.Message, opts ...broadcast.PublishOption) int
}

// Inbox receives messages addressed to a single connection.
type Inbox interface {
	Deliver(msg protocol.Message)
}

type User struct {
	ID   string
	Name string
}

type participant struct {
	protocol.Participant
	conns int
}

// Session is one collaborative room. All methods are safe for concurrent
// use; mutations are serialized and published while the lock is held, so
// every subscriber sees them in processing order.
type Session struct {
	id        string
	publisher Publisher
	clock     Clock
	writer    *writer
	logger    *log.Logger

	mu              sync.Mutex
	name            string
	ownerID         string
	language        string
	code            string
	version         int64
	public          bool
	maxParticipants int
	participants    map[string]*participant
	chat            []protocol.ChatMessage
	chatTail        int
	nextColor       int
	createdAt       time.Time
	lastActivity    time.Time
	closed          bool
}

func (s *Session) ID() string {
	return s.id
}

// Join adds user or reactivates an existing participant. The session-joined
// reply is delivered to inbox, when given, before any later message of the
// session.
func (s *Session) Join(user User, role protocol.Role, inbox Inbox) (protocol.SessionState, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return protocol.SessionState{}, "", ErrSessionNotFound
	}
	now := s.clock.Now()
	name := displayName(user)

	if p, ok := s.participants[user.ID]; ok {
		p.conns++
		p.Active = true
		p.Username = name
		s.lastActivity = now
		state := s.snapshotLocked()
		if inbox != nil {
			inbox.Deliver(protocol.NewMessage(protocol.KindSessionJoined, protocol.SessionJoined{Session: state, UserColor: p.Color}))
		}
		return state, p.Color, nil
	}

	if s.maxParticipants > 0 && len(s.participants) >= s.maxParticipants {
		return protocol.SessionState{}, "", fmt.Errorf("%w: %d participants", ErrSessionFull, s.maxParticipants)
	}

	p := &participant{
		Participant: protocol.Participant{
			UserID:   user.ID,
			Username: name,
			Role:     s.assignRoleLocked(user.ID, role),
			Color:    palette[s.nextColor%len(palette)],
			Active:   true,
			JoinedAt: now,
		},
		conns: 1,
	}
	s.nextColor++
	s.participants[user.ID] = p
	if s.ownerID == "" && p.Role == protocol.RoleOwner {
		s.ownerID = user.ID
	}
	s.lastActivity = now

	system := s.appendSystemChatLocked(name + " joined the session")
	state := s.snapshotLocked()
	if inbox != nil {
		inbox.Deliver(protocol.NewMessage(protocol.KindSessionJoined, protocol.SessionJoined{Session: state, UserColor: p.Color}))
	}
	s.publish(protocol.NewMessage(protocol.KindUserJoined, protocol.RosterChange{
		SessionID:        s.id,
		User:             p.Participant,
		ParticipantCount: len(s.participants),
	}), broadcast.ExceptUser(user.ID))
	s.publish(protocol.NewMessage(protocol.KindChatMessage, system), broadcast.ExceptUser(user.ID))

	if s.logger != nil {
		s.logger.Info("participant joined", "session_id", s.id, "user_id", user.ID, "role", string(p.Role), "participants", len(s.participants))
	}
	return state, p.Color, nil
}

func (s *Session) assignRoleLocked(userID string, requested protocol.Role) protocol.Role {
	if userID == s.ownerID || (s.ownerID == "" && len(s.participants) == 0) {
		return protocol.RoleOwner
	}
	if requested == protocol.RoleViewer {
		return protocol.RoleViewer
	}
	return protocol.RoleEditor
}

// Leave drops one connection of userID. The participant is removed once its
// last connection leaves. It returns the number of remaining participants.
func (s *Session) Leave(userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.participants[userID]
	if !ok {
		return len(s.participants), fmt.Errorf("%w %q", ErrUnknownParticipant, userID)
	}
	p.conns--
	if p.conns > 0 {
		return len(s.participants), nil
	}

	delete(s.participants, userID)
	s.lastActivity = s.clock.Now()
	p.Active = false
	p.Cursor = nil

	s.publish(protocol.NewMessage(protocol.KindUserLeft, protocol.RosterChange{
		SessionID:        s.id,
		User:             p.Participant,
		ParticipantCount: len(s.participants),
	}))
	s.publish(protocol.NewMessage(protocol.KindChatMessage, s.appendSystemChatLocked(p.Username+" left the session")))

	if s.logger != nil {
		s.logger.Info("participant left", "session_id", s.id, "user_id", userID, "participants", len(s.participants))
	}
	return len(s.participants), nil
}

// ApplyChange replaces the buffer with text. The last call wins; an equal
// buffer is a no-op. It reports whether the buffer changed.
func (s *Session) ApplyChange(userID, text string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.editorLocked(userID)
	if err != nil {
		return false, err
	}
	if text == s.code {
		return false, nil
	}

	now := s.clock.Now()
	s.code = text
	s.version++
	s.lastActivity = now
	s.publish(protocol.NewMessage(protocol.KindCodeChange, protocol.CodeChanged{
		SessionID: s.id,
		UserID:    userID,
		Username:  p.Username,
		Changes:   protocol.SplitLines(text),
		Version:   s.version,
		Timestamp: now,
	}), broadcast.ExceptUser(userID))
	s.writer.saveSession(s.recordLocked())
	return true, nil
}

func (s *Session) MoveCursor(userID string, line, column int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.participants[userID]
	if !ok {
		return fmt.Errorf("%w: %q is not a participant", ErrNotAuthorized, userID)
	}
	cursor := protocol.Cursor{Line: max(line, 0), Column: max(column, 0)}
	p.Cursor = &cursor
	s.publish(protocol.NewMessage(protocol.KindCursorMove, protocol.CursorMoved{
		SessionID: s.id,
		UserID:    userID,
		Username:  p.Username,
		Cursor:    cursor,
		Color:     p.Color,
	}), broadcast.ExceptUser(userID))
	return nil
}

// PostChat appends a chat message and delivers it to every subscriber,
// including the sender.
func (s *Session) PostChat(userID, body string, kind protocol.ChatKind, metadata map[string]string) (protocol.ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.participants[userID]
	if !ok {
		return protocol.ChatMessage{}, fmt.Errorf("%w: %q is not a participant", ErrNotAuthorized, userID)
	}
	if kind == "" {
		kind = protocol.ChatText
	}
	msg := protocol.ChatMessage{
		ID:        uuid.NewString(),
		SessionID: s.id,
		UserID:    userID,
		Username:  p.Username,
		Message:   body,
		Type:      kind,
		Metadata:  cloneMetadata(metadata),
		Timestamp: s.clock.Now(),
	}
	s.appendChatLocked(msg)
	s.lastActivity = msg.Timestamp
	s.publish(protocol.NewMessage(protocol.KindChatMessage, msg))
	return msg, nil
}

// SetRole changes targetID's role. Only owners may change roles, and not
// their own. Granting owner transfers ownership: the actor becomes an editor.
func (s *Session) SetRole(actorID, targetID string, role protocol.Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	actor, ok := s.participants[actorID]
	if !ok || actor.Role != protocol.RoleOwner {
		return fmt.Errorf("%w: only the owner may change roles", ErrNotAuthorized)
	}
	if actorID == targetID {
		return fmt.Errorf("%w: owners cannot change their own role", ErrNotAuthorized)
	}
	if !role.Valid() {
		return fmt.Errorf("invalid role %q", role)
	}
	target, ok := s.participants[targetID]
	if !ok {
		return fmt.Errorf("%w %q", ErrUnknownParticipant, targetID)
	}
	if target.Role == role {
		return nil
	}
	target.Role = role
	s.lastActivity = s.clock.Now()
	s.publishRoleLocked(targetID, role, actorID)
	if role == protocol.RoleOwner {
		actor.Role = protocol.RoleEditor
		s.ownerID = targetID
		s.publishRoleLocked(actorID, protocol.RoleEditor, actorID)
		s.writer.saveSession(s.recordLocked())
	}
	return nil
}

func (s *Session) publishRoleLocked(userID string, role protocol.Role, changedBy string) {
	s.publish(protocol.NewMessage(protocol.KindRoleChanged, protocol.RoleChanged{
		SessionID: s.id,
		UserID:    userID,
		Role:      role,
		ChangedBy: changedBy,
	}))
}

// SetLanguage switches the session's language. The caller normalizes the
// name against the supported set.
func (s *Session) SetLanguage(userID, language string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.editorLocked(userID); err != nil {
		return err
	}
	language = strings.TrimSpace(language)
	if language == "" || language == s.language {
		return nil
	}
	s.language = language
	s.lastActivity = s.clock.Now()
	s.publish(protocol.NewMessage(protocol.KindLanguageChanged, protocol.LanguageChanged{
		SessionID: s.id,
		UserID:    userID,
		Language:  language,
	}))
	s.writer.saveSession(s.recordLocked())
	return nil
}

// Snapshot returns a deep copy of the current state.
func (s *Session) Snapshot() protocol.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Participant returns userID's current roster entry.
func (s *Session) Participant(userID string) (protocol.Participant, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.participants[userID]
	if !ok {
		return protocol.Participant{}, false
	}
	return cloneParticipant(p.Participant), true
}

func (s *Session) ParticipantCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.participants)
}

func (s *Session) Language() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.language
}

func (s *Session) editorLocked(userID string) (*participant, error) {
	p, ok := s.participants[userID]
	if !ok {
		return nil, fmt.Errorf("%w: %q is not a participant", ErrNotAuthorized, userID)
	}
	if !p.Role.CanEdit() {
		return nil, fmt.Errorf("%w: %s role is read-only", ErrNotAuthorized, p.Role)
	}
	return p, nil
}

func (s *Session) appendSystemChatLocked(body string) protocol.ChatMessage {
	msg := protocol.ChatMessage{
		ID:        uuid.NewString(),
		SessionID: s.id,
		Message:   body,
		Type:      protocol.ChatSystem,
		Timestamp: s.clock.Now(),
	}
	s.appendChatLocked(msg)
	return msg
}

func (s *Session) appendChatLocked(msg protocol.ChatMessage) {
	limit := s.chatTail
	if limit <= 0 {
		limit = 1
	}
	s.chat = append(s.chat, msg)
	if len(s.chat) > limit {
		trimmed := make([]protocol.ChatMessage, limit)
		copy(trimmed, s.chat[len(s.chat)-limit:])
		s.chat = trimmed
	}
	s.writer.appendMessage(msg)
}

func (s *Session) publish(msg protocol.Message, opts ...broadcast.PublishOption) {
	if s.publisher == nil {
		return
	}
	s.publisher.Publish(s.id, msg, opts...)
}

func (s *Session) snapshotLocked() protocol.SessionState {
	participants := lo.MapToSlice(s.participants, func(_ string, p *participant) protocol.Participant {
		return cloneParticipant(p.Participant)
	})
	sort.Slice(participants, func(i, j int) bool {
		if participants[i].JoinedAt.Equal(participants[j].JoinedAt) {
			return participants[i].UserID < participants[j].UserID
		}
		return participants[i].JoinedAt.Before(participants[j].JoinedAt)
	})
	chat := lo.Map(s.chat, func(msg protocol.ChatMessage, _ int) protocol.ChatMessage {
		msg.Metadata = cloneMetadata(msg.Metadata)
		return msg
	})
	return protocol.SessionState{
		ID:              s.id,
		Name:            s.name,
		OwnerID:         s.ownerID,
		Language:        s.language,
		Code:            s.code,
		Version:         s.version,
		Public:          s.public,
		MaxParticipants: s.maxParticipants,
		Participants:    participants,
		Chat:            chat,
		CreatedAt:       s.createdAt,
		LastActivity:    s.lastActivity,
	}
}

func (s *Session) recordLocked() Record {
	return Record{
		ID:        s.id,
		Name:      s.name,
		OwnerID:   s.ownerID,
		Language:  s.language,
		Code:      s.code,
		Version:   s.version,
		Public:    s.public,
		CreatedAt: s.createdAt,
		UpdatedAt: s.lastActivity,
	}
}

// closeIfEmpty marks an empty session closed so later joins fail over to a
// fresh session. It reports whether the session was closed.
func (s *Session) closeIfEmpty() (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.participants) > 0 {
		return Record{}, false
	}
	s.closed = true
	return s.recordLocked(), true
}

func displayName(user User) string {
	if name := strings.TrimSpace(user.Name); name != "" {
		return name
	}
	return user.ID
}

func cloneParticipant(p protocol.Participant) protocol.Participant {
	if p.Cursor != nil {
		cursor := *p.Cursor
		p.Cursor = &cursor
	}
	return p
}

func cloneMetadata(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
