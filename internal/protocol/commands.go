package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var (
	ErrMalformedFrame = errors.New("malformed frame")
	ErrUnknownCommand = errors.New("unknown command")
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Command is the closed set of inbound requests. Every concrete type is
// declared in this file.
type Command interface {
	Kind() string
	command()
}

type JoinSession struct {
	SessionID string `json:"sessionId" validate:"required,max=128"`
	UserID    string `json:"userId" validate:"required,max=128"`
	Username  string `json:"username" validate:"max=128"`
	Role      Role   `json:"role,omitempty" validate:"omitempty,oneof=owner editor viewer"`
}

type LeaveSession struct {
	SessionID string `json:"sessionId" validate:"max=128"`
}

type ChangeCode struct {
	SessionID string      `json:"sessionId" validate:"required"`
	UserID    string      `json:"userId"`
	Username  string      `json:"username"`
	Changes   CodeChanges `json:"changes"`
	Timestamp int64       `json:"timestamp,omitempty"`
}

// Text returns the full replacement buffer.
func (c ChangeCode) Text() string {
	return c.Changes.Join()
}

type MoveCursor struct {
	SessionID string `json:"sessionId" validate:"required"`
	UserID    string `json:"userId"`
	Username  string `json:"username"`
	Cursor    Cursor `json:"cursor"`
	Color     string `json:"color,omitempty"`
}

type PostChat struct {
	SessionID string            `json:"sessionId" validate:"required"`
	UserID    string            `json:"userId"`
	Username  string            `json:"username"`
	Message   string            `json:"message" validate:"required,max=4000"`
	Type      ChatKind          `json:"type,omitempty" validate:"omitempty,oneof=text system"`
	Metadata  map[string]string `json:"metadata,omitempty" validate:"max=16"`
}

type ExecuteCode struct {
	SessionID string `json:"sessionId" validate:"required"`
	UserID    string `json:"userId"`
	Code      string `json:"code" validate:"required"`
	Language  string `json:"language" validate:"required,max=32"`
	Input     string `json:"input,omitempty"`
	// ExpectedInputs selects batch mode; see execution.StartRequest.
	ExpectedInputs int `json:"expectedInputs,omitempty" validate:"min=0,max=64"`
}

type ExecutionInput struct {
	ExecutionID string `json:"executionId" validate:"required"`
	Input       string `json:"input"`
}

type StopExecution struct {
	ExecutionID string `json:"executionId" validate:"required"`
}

type SetRole struct {
	SessionID    string `json:"sessionId" validate:"required"`
	TargetUserID string `json:"targetUserId" validate:"required"`
	Role         Role   `json:"role" validate:"required,oneof=owner editor viewer"`
}

type ChangeLanguage struct {
	SessionID string `json:"sessionId" validate:"required"`
	Language  string `json:"language" validate:"required,max=32"`
}

func (JoinSession) Kind() string    { return KindJoinSession }
func (LeaveSession) Kind() string   { return KindLeaveSession }
func (ChangeCode) Kind() string     { return KindCodeChange }
func (MoveCursor) Kind() string     { return KindCursorMove }
func (PostChat) Kind() string       { return KindChatMessage }
func (ExecuteCode) Kind() string    { return KindExecuteCode }
func (ExecutionInput) Kind() string { return KindExecutionInput }
func (StopExecution) Kind() string  { return KindStopExecution }
func (SetRole) Kind() string        { return KindSetRole }
func (ChangeLanguage) Kind() string { return KindLanguageChange }

func (JoinSession) command()    {}
func (LeaveSession) command()   {}
func (ChangeCode) command()     {}
func (MoveCursor) command()     {}
func (PostChat) command()       {}
func (ExecuteCode) command()    {}
func (ExecutionInput) command() {}
func (StopExecution) command()  {}
func (SetRole) command()        {}
func (ChangeLanguage) command() {}

type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Decode parses and validates one inbound frame.
func Decode(data []byte) (Command, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	kind := strings.TrimSpace(env.Type)
	var cmd Command
	var err error
	switch kind {
	case KindJoinSession:
		cmd, err = decodePayload[JoinSession](env.Payload)
	case KindLeaveSession:
		cmd, err = decodePayload[LeaveSession](env.Payload)
	case KindCodeChange:
		cmd, err = decodePayload[ChangeCode](env.Payload)
	case KindCursorMove:
		cmd, err = decodePayload[MoveCursor](env.Payload)
	case KindChatMessage:
		cmd, err = decodePayload[PostChat](env.Payload)
	case KindExecuteCode:
		cmd, err = decodePayload[ExecuteCode](env.Payload)
	case KindExecutionInput:
		cmd, err = decodePayload[ExecutionInput](env.Payload)
	case KindStopExecution:
		cmd, err = decodePayload[StopExecution](env.Payload)
	case KindSetRole:
		cmd, err = decodePayload[SetRole](env.Payload)
	case KindLanguageChange:
		cmd, err = decodePayload[ChangeLanguage](env.Payload)
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownCommand, kind)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedFrame, kind, err)
	}
	return cmd, nil
}

func decodePayload[T Command](raw json.RawMessage) (T, error) {
	var cmd T
	if len(raw) == 0 || string(raw) == "null" {
		raw = json.RawMessage("{}")
	}
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return cmd, err
	}
	if err := validate.Struct(cmd); err != nil {
		return cmd, err
	}
	return cmd, nil
}
