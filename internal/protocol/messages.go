// Package protocol defines the session channel wire format: JSON frames of
// the form {"type": "<kind>", "payload": {...}}.
package protocol

import (
	"strings"
	"time"
)

// Inbound command kinds.
const (
	KindJoinSession    = "join-session"
	KindLeaveSession   = "leave-session"
	KindCodeChange     = "code-change"
	KindCursorMove     = "cursor-move"
	KindChatMessage    = "chat-message"
	KindExecuteCode    = "execute-code"
	KindExecutionInput = "execution-input"
	KindStopExecution  = "stop-execution"
	KindSetRole        = "set-role"
	KindLanguageChange = "language-change"
)

// Outbound message kinds. code-change, cursor-move and chat-message are
// echoed with the same kind they arrive with.
const (
	KindSessionJoined   = "session-joined"
	KindUserJoined      = "user-joined"
	KindUserLeft        = "user-left"
	KindRoleChanged     = "role-changed"
	KindLanguageChanged = "language-changed"
	KindCodeExecuting   = "code-executing"
	KindExecutionOutput = "execution-output"
	KindExecutionError  = "execution-error"
	KindExecutionResult = "execution-result"
	KindError           = "error"
)

type Role string

const (
	RoleOwner  Role = "owner"
	RoleEditor Role = "editor"
	RoleViewer Role = "viewer"
)

func (r Role) Valid() bool {
	switch r {
	case RoleOwner, RoleEditor, RoleViewer:
		return true
	default:
		return false
	}
}

// CanEdit reports whether the role may change the buffer or the language.
func (r Role) CanEdit() bool {
	return r == RoleOwner || r == RoleEditor
}

type ChatKind string

const (
	ChatText   ChatKind = "text"
	ChatSystem ChatKind = "system"
)

// Message is one outbound frame.
type Message struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

func NewMessage(kind string, payload any) Message {
	return Message{Type: kind, Payload: payload}
}

type Cursor struct {
	Line   int `json:"line" validate:"min=0"`
	Column int `json:"column" validate:"min=0"`
}

type Participant struct {
	UserID   string    `json:"userId"`
	Username string    `json:"username"`
	Role     Role      `json:"role"`
	Color    string    `json:"color"`
	Cursor   *Cursor   `json:"cursor,omitempty"`
	Active   bool      `json:"active"`
	JoinedAt time.Time `json:"joinedAt"`
}

type ChatMessage struct {
	ID        string            `json:"id"`
	SessionID string            `json:"sessionId"`
	UserID    string            `json:"userId,omitempty"`
	Username  string            `json:"username,omitempty"`
	Message   string            `json:"message"`
	Type      ChatKind          `json:"type"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// SessionState is the full snapshot a client renders on join.
type SessionState struct {
	ID              string        `json:"id"`
	Name            string        `json:"name"`
	OwnerID         string        `json:"ownerId,omitempty"`
	Language        string        `json:"language"`
	Code            string        `json:"code"`
	Version         int64         `json:"version"`
	Public          bool          `json:"isPublic"`
	MaxParticipants int           `json:"maxParticipants"`
	Participants    []Participant `json:"participants"`
	Chat            []ChatMessage `json:"chat"`
	CreatedAt       time.Time     `json:"createdAt"`
	LastActivity    time.Time     `json:"lastActivity"`
}

type SessionJoined struct {
	Session   SessionState `json:"session"`
	UserColor string       `json:"userColor"`
}

// RosterChange is the payload of user-joined and user-left.
type RosterChange struct {
	SessionID        string      `json:"sessionId"`
	User             Participant `json:"user"`
	ParticipantCount int         `json:"participantCount"`
}

// CodeChanges carries the buffer split into lines. An empty buffer is a
// single empty line.
type CodeChanges struct {
	Text []string `json:"text" validate:"required,min=1"`
}

func SplitLines(text string) CodeChanges {
	return CodeChanges{Text: strings.Split(text, "\n")}
}

func (c CodeChanges) Join() string {
	return strings.Join(c.Text, "\n")
}

type CodeChanged struct {
	SessionID string      `json:"sessionId"`
	UserID    string      `json:"userId"`
	Username  string      `json:"username"`
	Changes   CodeChanges `json:"changes"`
	Version   int64       `json:"version"`
	Timestamp time.Time   `json:"timestamp"`
}

type CursorMoved struct {
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId"`
	Username  string `json:"username"`
	Cursor    Cursor `json:"cursor"`
	Color     string `json:"color"`
}

type RoleChanged struct {
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId"`
	Role      Role   `json:"role"`
	ChangedBy string `json:"changedBy"`
}

type LanguageChanged struct {
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId"`
	Language  string `json:"language"`
}

type CodeExecuting struct {
	SessionID   string `json:"sessionId"`
	UserID      string `json:"userId"`
	Username    string `json:"username,omitempty"`
	ExecutionID string `json:"executionId"`
	Language    string `json:"language"`
}

type ExecutionOutput struct {
	SessionID   string `json:"sessionId"`
	ExecutionID string `json:"executionId"`
	UserID      string `json:"userId,omitempty"`
	Stream      string `json:"stream"`
	Data        string `json:"data"`
}

type ExecutionError struct {
	SessionID   string `json:"sessionId"`
	ExecutionID string `json:"executionId"`
	UserID      string `json:"userId,omitempty"`
	Message     string `json:"message"`
}

type ExecutionResult struct {
	SessionID string           `json:"sessionId"`
	UserID    string           `json:"userId,omitempty"`
	Result    ExecutionSummary `json:"result"`
}

type ExecutionSummary struct {
	ExecutionID string `json:"executionId"`
	Status      string `json:"status"`
	ExitCode    int    `json:"exitCode"`
	Reason      string `json:"reason,omitempty"`
	Message     string `json:"message,omitempty"`
}

type Error struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
	Request string `json:"request,omitempty"`
}
