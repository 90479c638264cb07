package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/buildkite/coderoom/internal/broadcast"
	"github.com/buildkite/coderoom/internal/execution"
	"github.com/buildkite/coderoom/internal/identity"
	"github.com/buildkite/coderoom/internal/ids"
	"github.com/buildkite/coderoom/internal/protocol"
	"github.com/buildkite/coderoom/internal/runner"
	"github.com/buildkite/coderoom/internal/session"
	"github.com/charmbracelet/log"
)

var errNotJoined = fmt.Errorf("%w: join a session first", session.ErrNotAuthorized)

// Peer is the per-connection state the dispatcher acts on. It is owned by
// the connection's read loop.
type Peer struct {
	ConnID string
	Queue  *broadcast.Queue

	// scope bounds the peer's subscriptions; it ends with the connection.
	scope context.Context

	UserID    string
	Username  string
	SessionID string
	session   *session.Session
	sub       *broadcast.Subscription
}

// NewPeer returns a peer whose subscriptions end when scope does.
func NewPeer(scope context.Context, connID string, queue *broadcast.Queue) *Peer {
	return &Peer{ConnID: connID, Queue: queue, scope: scope}
}

func (p *Peer) Joined() bool {
	return p.session != nil
}

// Dispatcher routes decoded commands to the session and execution layers.
type Dispatcher struct {
	Registry    *session.Registry
	Broadcaster *broadcast.Broadcaster
	Executions  *execution.Manager
	Languages   *runner.Table
	Directory   identity.Directory
	Logger      *log.Logger
}

// Dispatch applies cmd on behalf of p. Errors are meant for p alone.
func (d *Dispatcher) Dispatch(ctx context.Context, p *Peer, cmd protocol.Command) error {
	switch c := cmd.(type) {
	case protocol.JoinSession:
		return d.join(ctx, p, c)
	case protocol.LeaveSession:
		if !p.Joined() {
			return errNotJoined
		}
		d.Leave(p)
		return nil
	case protocol.ChangeCode:
		s, err := d.sessionFor(p, c.SessionID)
		if err != nil {
			return err
		}
		_, err = s.ApplyChange(p.UserID, c.Text())
		return err
	case protocol.MoveCursor:
		s, err := d.sessionFor(p, c.SessionID)
		if err != nil {
			return err
		}
		return s.MoveCursor(p.UserID, c.Cursor.Line, c.Cursor.Column)
	case protocol.PostChat:
		s, err := d.sessionFor(p, c.SessionID)
		if err != nil {
			return err
		}
		// Clients may not forge system lines.
		_, err = s.PostChat(p.UserID, c.Message, protocol.ChatText, c.Metadata)
		return err
	case protocol.ExecuteCode:
		return d.execute(ctx, p, c)
	case protocol.ExecutionInput:
		if err := d.ownExecution(p, c.ExecutionID); err != nil {
			return err
		}
		return d.Executions.Feed(c.ExecutionID, c.Input)
	case protocol.StopExecution:
		if err := d.ownExecution(p, c.ExecutionID); err != nil {
			return err
		}
		return d.Executions.Stop(c.ExecutionID)
	case protocol.SetRole:
		s, err := d.sessionFor(p, c.SessionID)
		if err != nil {
			return err
		}
		return s.SetRole(p.UserID, c.TargetUserID, c.Role)
	case protocol.ChangeLanguage:
		s, err := d.sessionFor(p, c.SessionID)
		if err != nil {
			return err
		}
		lang, err := d.Languages.Lookup(c.Language)
		if err != nil {
			return err
		}
		return s.SetLanguage(p.UserID, lang.Name)
	default:
		return fmt.Errorf("%w %q", protocol.ErrUnknownCommand, cmd.Kind())
	}
}

func (d *Dispatcher) join(ctx context.Context, p *Peer, c protocol.JoinSession) error {
	if p.Joined() {
		d.Leave(p)
	}

	userID := strings.TrimSpace(c.UserID)
	name := c.Username
	if d.Directory != nil {
		name = d.Directory.DisplayName(ctx, userID, c.Username)
	}

	sub := d.Broadcaster.Attach(p.scope, c.SessionID, userID, p.Queue)
	s, _, _, err := d.Registry.Join(ctx, c.SessionID, session.User{ID: userID, Name: name}, c.Role, sub)
	if err != nil {
		d.Broadcaster.Unsubscribe(sub)
		return err
	}

	p.UserID = userID
	p.Username = name
	p.SessionID = s.ID()
	p.session = s
	p.sub = sub
	if d.Logger != nil {
		d.Logger.Debug("connection joined session", "conn_id", p.ConnID, "session_id", p.SessionID, "user_id", userID)
	}
	return nil
}

// Leave removes p from its session. It is a no-op for a peer that never
// joined.
func (d *Dispatcher) Leave(p *Peer) {
	if !p.Joined() {
		return
	}
	d.Broadcaster.Unsubscribe(p.sub)
	if _, err := d.Registry.Leave(p.SessionID, p.UserID); err != nil && d.Logger != nil {
		d.Logger.Debug("leave failed", "conn_id", p.ConnID, "session_id", p.SessionID, "user_id", p.UserID, "error", err)
	}
	p.SessionID = ""
	p.session = nil
	p.sub = nil
}

func (d *Dispatcher) execute(ctx context.Context, p *Peer, c protocol.ExecuteCode) error {
	s, err := d.sessionFor(p, c.SessionID)
	if err != nil {
		return err
	}
	lang, err := d.Languages.Lookup(c.Language)
	if err != nil {
		return err
	}

	executionID := ids.NewExecutionID()
	d.Broadcaster.Publish(s.ID(), protocol.NewMessage(protocol.KindCodeExecuting, protocol.CodeExecuting{
		SessionID:   s.ID(),
		UserID:      p.UserID,
		Username:    p.Username,
		ExecutionID: executionID,
		Language:    lang.Name,
	}))

	_, err = d.Executions.Start(ctx, execution.StartRequest{
		ExecutionID:    executionID,
		Language:       lang.Name,
		Files:          map[string]string{lang.MainFile: c.Code},
		MainFile:       lang.MainFile,
		InitialInput:   c.Input,
		SessionID:      s.ID(),
		UserID:         p.UserID,
		ExpectedInputs: c.ExpectedInputs,
	})
	if err != nil {
		// Everyone saw code-executing, so everyone gets the failed result.
		d.Broadcaster.Publish(s.ID(), protocol.NewMessage(protocol.KindExecutionResult, protocol.ExecutionResult{
			SessionID: s.ID(),
			UserID:    p.UserID,
			Result: protocol.ExecutionSummary{
				ExecutionID: executionID,
				Status:      string(execution.StatusErrored),
				ExitCode:    -1,
				Reason:      ErrorCode(err),
				Message:     execution.SanitizeError(err),
			},
		}))
		return err
	}
	return nil
}

func (d *Dispatcher) sessionFor(p *Peer, sessionID string) (*session.Session, error) {
	if !p.Joined() {
		return nil, errNotJoined
	}
	if sessionID = strings.TrimSpace(sessionID); sessionID != "" && sessionID != p.SessionID {
		return nil, fmt.Errorf("%w: not joined to session %q", session.ErrNotAuthorized, sessionID)
	}
	return p.session, nil
}

func (d *Dispatcher) ownExecution(p *Peer, executionID string) error {
	if !p.Joined() {
		return errNotJoined
	}
	ex, err := d.Executions.Get(executionID)
	if err != nil {
		return err
	}
	if ex.SessionID != p.SessionID {
		return fmt.Errorf("%w: execution belongs to another session", session.ErrNotAuthorized)
	}
	return nil
}

// ErrorCode maps an error onto its stable wire code.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, session.ErrSessionNotFound):
		return "session_not_found"
	case errors.Is(err, session.ErrSessionExists):
		return "session_exists"
	case errors.Is(err, session.ErrSessionFull):
		return "session_full"
	case errors.Is(err, session.ErrNotAuthorized):
		return "not_authorized"
	case errors.Is(err, session.ErrUnknownParticipant):
		return "unknown_participant"
	case errors.Is(err, runner.ErrUnsupportedLanguage):
		return "unsupported_language"
	case errors.Is(err, runner.ErrInvalidSource):
		return "invalid_source"
	case errors.Is(err, runner.ErrSpawnFailed):
		return "spawn_failed"
	case errors.Is(err, execution.ErrResourceExhausted):
		return "resource_exhausted"
	case errors.Is(err, execution.ErrProcessTimeout):
		return "process_timeout"
	case errors.Is(err, execution.ErrProcessCrashed):
		return "process_crashed"
	case errors.Is(err, execution.ErrUnknownExecution):
		return "unknown_execution"
	case errors.Is(err, execution.ErrProcessNotAcceptingInput):
		return "process_not_accepting_input"
	case errors.Is(err, ErrTransportDisconnected):
		return "transport_disconnected"
	case errors.Is(err, protocol.ErrMalformedFrame):
		return "malformed_frame"
	case errors.Is(err, protocol.ErrUnknownCommand):
		return "unknown_command"
	default:
		return "internal"
	}
}

// errorMessage builds the error frame sent to the requester.
func errorMessage(err error, request string) protocol.Message {
	return protocol.NewMessage(protocol.KindError, protocol.Error{
		Message: execution.SanitizeError(err),
		Code:    ErrorCode(err),
		Request: request,
	})
}
