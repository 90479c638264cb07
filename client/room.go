package client

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/buildkite/coderoom/internal/protocol"
	"github.com/buildkite/coderoom/internal/tlsconfig"
	"github.com/gorilla/websocket"
)

const roomEventBuffer = 256

var errRoomClosed = errors.New("room closed")

// JoinOptions identifies the participant joining a session.
type JoinOptions struct {
	SessionID string
	UserID    string
	Username  string
	// Role is a requested role. The server decides the final one.
	Role Role
}

// Event is one frame received on the session channel.
type Event struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Decode unmarshals the event payload into v.
func (e Event) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s event has no payload", e.Type)
	}
	return json.Unmarshal(e.Payload, v)
}

// RoomError is an error frame rejecting a command.
type RoomError struct {
	Code    string
	Message string
	Request string
}

func (e *RoomError) Error() string {
	if e.Request == "" {
		return e.Code + ": " + e.Message
	}
	return fmt.Sprintf("%s rejected: %s: %s", e.Request, e.Code, e.Message)
}

// Room is a live participant connection to one session.
type Room struct {
	conn    *websocket.Conn
	opts    JoinOptions
	joined  SessionJoined
	events  chan Event
	writeMu sync.Mutex

	closeOnce sync.Once
	done      chan struct{}
	errMu     sync.Mutex
	err       error
}

// Join opens the session channel and joins a session. It returns once the
// server has sent the session snapshot.
func (c *Client) Join(ctx context.Context, opts JoinOptions) (*Room, error) {
	if c == nil || c.inner == nil {
		return nil, errNilClient
	}
	if strings.TrimSpace(opts.SessionID) == "" || strings.TrimSpace(opts.UserID) == "" {
		return nil, errors.New("session id and user id are required")
	}
	dialer, err := c.websocketDialer()
	if err != nil {
		return nil, err
	}
	conn, _, err := dialer.DialContext(ctx, c.ep.WebSocketURL(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial session channel: %w", err)
	}

	r := &Room{
		conn:   conn,
		opts:   opts,
		events: make(chan Event, roomEventBuffer),
		done:   make(chan struct{}),
	}
	if err := r.send(protocol.KindJoinSession, protocol.JoinSession{
		SessionID: opts.SessionID,
		UserID:    opts.UserID,
		Username:  opts.Username,
		Role:      opts.Role,
	}); err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := r.awaitJoined(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	go r.readLoop()
	return r, nil
}

func (c *Client) websocketDialer() (*websocket.Dialer, error) {
	dialer := &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	switch c.ep.Scheme {
	case "unix":
		path := c.ep.Address
		dialer.NetDialContext = func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", path)
		}
	case "https":
		tlsCfg, err := tlsconfig.ResolveClient(c.tls)
		if err != nil {
			return nil, err
		}
		if tlsCfg == nil {
			tlsCfg = &tls.Config{MinVersion: tls.VersionTLS13}
		}
		dialer.TLSClientConfig = tlsCfg
	}
	return dialer, nil
}

func (r *Room) awaitJoined(ctx context.Context) error {
	if deadline, ok := ctx.Deadline(); ok {
		_ = r.conn.SetReadDeadline(deadline)
		defer r.conn.SetReadDeadline(time.Time{})
	}
	for {
		var ev Event
		if err := r.conn.ReadJSON(&ev); err != nil {
			return fmt.Errorf("await session snapshot: %w", err)
		}
		switch ev.Type {
		case protocol.KindSessionJoined:
			return ev.Decode(&r.joined)
		case protocol.KindError:
			return decodeRoomError(ev)
		}
	}
}

func (r *Room) readLoop() {
	defer close(r.events)
	for {
		var ev Event
		if err := r.conn.ReadJSON(&ev); err != nil {
			select {
			case <-r.done:
			default:
				r.setErr(err)
			}
			return
		}
		select {
		case r.events <- ev:
		case <-r.done:
			return
		}
	}
}

// Session is the snapshot received on join.
func (r *Room) Session() SessionState {
	return r.joined.Session
}

// Color is the cursor color the server assigned.
func (r *Room) Color() string {
	return r.joined.UserColor
}

// Events delivers every frame after the join snapshot. It is closed when the
// connection ends; Err then reports why.
func (r *Room) Events() <-chan Event {
	return r.events
}

func (r *Room) Err() error {
	r.errMu.Lock()
	defer r.errMu.Unlock()
	return r.err
}

func (r *Room) setErr(err error) {
	r.errMu.Lock()
	defer r.errMu.Unlock()
	if r.err == nil {
		r.err = err
	}
}

// WaitFor consumes events until one of the given kind arrives. An error
// frame for a command ends the wait with a *RoomError.
func (r *Room) WaitFor(ctx context.Context, kind string) (Event, error) {
	for {
		select {
		case <-ctx.Done():
			return Event{}, ctx.Err()
		case ev, ok := <-r.events:
			if !ok {
				if err := r.Err(); err != nil {
					return Event{}, err
				}
				return Event{}, errRoomClosed
			}
			if ev.Type == kind {
				return ev, nil
			}
			if ev.Type == protocol.KindError {
				return Event{}, decodeRoomError(ev)
			}
		}
	}
}

func decodeRoomError(ev Event) error {
	var payload protocol.Error
	if err := ev.Decode(&payload); err != nil {
		return err
	}
	return &RoomError{Code: payload.Code, Message: payload.Message, Request: payload.Request}
}

// SetCode replaces the shared buffer.
func (r *Room) SetCode(text string) error {
	return r.send(protocol.KindCodeChange, protocol.ChangeCode{
		SessionID: r.opts.SessionID,
		UserID:    r.opts.UserID,
		Username:  r.opts.Username,
		Changes:   protocol.SplitLines(text),
		Timestamp: time.Now().UnixMilli(),
	})
}

func (r *Room) MoveCursor(line, column int) error {
	return r.send(protocol.KindCursorMove, protocol.MoveCursor{
		SessionID: r.opts.SessionID,
		UserID:    r.opts.UserID,
		Username:  r.opts.Username,
		Cursor:    protocol.Cursor{Line: line, Column: column},
		Color:     r.joined.UserColor,
	})
}

func (r *Room) Chat(message string) error {
	return r.send(protocol.KindChatMessage, protocol.PostChat{
		SessionID: r.opts.SessionID,
		UserID:    r.opts.UserID,
		Username:  r.opts.Username,
		Message:   message,
		Type:      protocol.ChatText,
	})
}

// Execute runs code for everyone in the session. Output arrives as
// execution-output events.
func (r *Room) Execute(code, language, input string) error {
	return r.send(protocol.KindExecuteCode, protocol.ExecuteCode{
		SessionID: r.opts.SessionID,
		UserID:    r.opts.UserID,
		Code:      code,
		Language:  language,
		Input:     input,
	})
}

func (r *Room) SendInput(executionID, input string) error {
	return r.send(protocol.KindExecutionInput, protocol.ExecutionInput{ExecutionID: executionID, Input: input})
}

func (r *Room) StopExecution(executionID string) error {
	return r.send(protocol.KindStopExecution, protocol.StopExecution{ExecutionID: executionID})
}

func (r *Room) SetRole(targetUserID string, role Role) error {
	return r.send(protocol.KindSetRole, protocol.SetRole{
		SessionID:    r.opts.SessionID,
		TargetUserID: targetUserID,
		Role:         role,
	})
}

func (r *Room) ChangeLanguage(language string) error {
	return r.send(protocol.KindLanguageChange, protocol.ChangeLanguage{
		SessionID: r.opts.SessionID,
		Language:  language,
	})
}

// Leave leaves the session and closes the connection.
func (r *Room) Leave() error {
	err := r.send(protocol.KindLeaveSession, protocol.LeaveSession{SessionID: r.opts.SessionID})
	if closeErr := r.Close(); err == nil {
		err = closeErr
	}
	return err
}

// Close ends the connection without an explicit leave; the server treats it
// as a disconnect.
func (r *Room) Close() error {
	var err error
	r.closeOnce.Do(func() {
		close(r.done)
		r.writeMu.Lock()
		_ = r.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		r.writeMu.Unlock()
		err = r.conn.Close()
	})
	return err
}

func (r *Room) send(kind string, payload any) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	return r.conn.WriteJSON(protocol.NewMessage(kind, payload))
}
