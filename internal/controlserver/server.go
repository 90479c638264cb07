package controlserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"connectrpc.com/connect"
	"github.com/buildkite/coderoom/internal/broadcast"
	"github.com/buildkite/coderoom/internal/controlapi"
	"github.com/buildkite/coderoom/internal/execution"
	"github.com/buildkite/coderoom/internal/protocol"
	"github.com/buildkite/coderoom/internal/runner"
	"github.com/buildkite/coderoom/internal/session"
	"github.com/charmbracelet/log"
	"github.com/samber/lo"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

var errInvalidRequest = errors.New("invalid request")

// Config wires the server to the engine.
type Config struct {
	Registry    *session.Registry
	Executions  *execution.Manager
	Languages   *runner.Table
	Broadcaster *broadcast.Broadcaster
	// Gateway serves the session channel at /ws when set.
	Gateway http.Handler
	// DefaultLanguage replaces unknown languages on the streaming endpoint.
	DefaultLanguage string
	Logger          *log.Logger
}

type Server struct {
	cfg Config
}

func New(cfg Config) *Server {
	if strings.TrimSpace(cfg.DefaultLanguage) == "" {
		cfg.DefaultLanguage = session.DefaultLanguage
	}
	return &Server{cfg: cfg}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	opts := []connect.HandlerOption{connect.WithCodec(controlapi.Codec{})}
	mux.Handle(controlapi.ListSessionsProcedure, connect.NewUnaryHandler(controlapi.ListSessionsProcedure, s.ListSessions, opts...))
	mux.Handle(controlapi.GetSessionProcedure, connect.NewUnaryHandler(controlapi.GetSessionProcedure, s.GetSession, opts...))
	mux.Handle(controlapi.ListExecutionsProcedure, connect.NewUnaryHandler(controlapi.ListExecutionsProcedure, s.ListExecutions, opts...))
	mux.Handle(controlapi.GetExecutionProcedure, connect.NewUnaryHandler(controlapi.GetExecutionProcedure, s.GetExecution, opts...))
	mux.Handle(controlapi.StopExecutionProcedure, connect.NewUnaryHandler(controlapi.StopExecutionProcedure, s.StopExecution, opts...))

	mux.HandleFunc(controlapi.ExecutePath, s.handleExecute)
	mux.HandleFunc(controlapi.ExecuteInputPath, s.handleInput)
	mux.HandleFunc(controlapi.ExecuteStopPath, s.handleStop)
	if s.cfg.Gateway != nil {
		mux.Handle(controlapi.SessionChannel, s.cfg.Gateway)
	}

	mux.HandleFunc(controlapi.HealthPath, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return h2c.NewHandler(mux, &http2.Server{})
}

func (s *Server) ListSessions(_ context.Context, _ *connect.Request[controlapi.ListSessionsRequest]) (*connect.Response[controlapi.ListSessionsResponse], error) {
	sessions := lo.Map(s.cfg.Registry.List(), func(state protocol.SessionState, _ int) controlapi.SessionSummary {
		return controlapi.Summarize(state)
	})
	return connect.NewResponse(&controlapi.ListSessionsResponse{Sessions: sessions}), nil
}

func (s *Server) GetSession(_ context.Context, req *connect.Request[controlapi.GetSessionRequest]) (*connect.Response[controlapi.GetSessionResponse], error) {
	if strings.TrimSpace(req.Msg.SessionID) == "" {
		return nil, toConnectError(fmt.Errorf("%w: missing session_id", errInvalidRequest))
	}
	sess, err := s.cfg.Registry.Get(req.Msg.SessionID)
	if err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&controlapi.GetSessionResponse{Session: sess.Snapshot()}), nil
}

func (s *Server) ListExecutions(_ context.Context, req *connect.Request[controlapi.ListExecutionsRequest]) (*connect.Response[controlapi.ListExecutionsResponse], error) {
	executions := s.cfg.Executions.List(strings.TrimSpace(req.Msg.SessionID))
	return connect.NewResponse(&controlapi.ListExecutionsResponse{Executions: executions}), nil
}

func (s *Server) GetExecution(_ context.Context, req *connect.Request[controlapi.GetExecutionRequest]) (*connect.Response[controlapi.GetExecutionResponse], error) {
	if strings.TrimSpace(req.Msg.ExecutionID) == "" {
		return nil, toConnectError(fmt.Errorf("%w: missing execution_id", errInvalidRequest))
	}
	ex, err := s.cfg.Executions.Get(req.Msg.ExecutionID)
	if err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&controlapi.GetExecutionResponse{Execution: ex}), nil
}

func (s *Server) StopExecution(_ context.Context, req *connect.Request[controlapi.StopExecutionRequest]) (*connect.Response[controlapi.StopExecutionResponse], error) {
	executionID, err := s.stop(req.Msg.ExecutionID, req.Msg.SessionID)
	if err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&controlapi.StopExecutionResponse{ExecutionID: executionID, Stopped: true}), nil
}

// stop resolves the target by execution id first, then by session.
func (s *Server) stop(executionID, sessionID string) (string, error) {
	executionID = strings.TrimSpace(executionID)
	sessionID = strings.TrimSpace(sessionID)
	switch {
	case executionID != "":
	case sessionID != "":
		id, ok := s.cfg.Executions.ActiveForSession(sessionID)
		if !ok {
			return "", fmt.Errorf("%w: no live execution for session %q", execution.ErrUnknownExecution, sessionID)
		}
		executionID = id
	default:
		return "", fmt.Errorf("%w: missing execution id or session id", errInvalidRequest)
	}
	if err := s.cfg.Executions.Stop(executionID); err != nil {
		return "", err
	}
	return executionID, nil
}

func toConnectError(err error) error {
	if err == nil {
		return nil
	}
	var connectErr *connect.Error
	if errors.As(err, &connectErr) {
		return err
	}

	code := connect.CodeInternal
	switch {
	case errors.Is(err, context.Canceled):
		code = connect.CodeCanceled
	case errors.Is(err, context.DeadlineExceeded):
		code = connect.CodeDeadlineExceeded
	case errors.Is(err, errInvalidRequest),
		errors.Is(err, runner.ErrUnsupportedLanguage),
		errors.Is(err, runner.ErrInvalidSource):
		code = connect.CodeInvalidArgument
	case errors.Is(err, session.ErrSessionNotFound),
		errors.Is(err, session.ErrUnknownParticipant),
		errors.Is(err, execution.ErrUnknownExecution):
		code = connect.CodeNotFound
	case errors.Is(err, session.ErrSessionExists):
		code = connect.CodeAlreadyExists
	case errors.Is(err, session.ErrNotAuthorized):
		code = connect.CodePermissionDenied
	case errors.Is(err, session.ErrSessionFull),
		errors.Is(err, execution.ErrResourceExhausted):
		code = connect.CodeResourceExhausted
	case errors.Is(err, execution.ErrProcessNotAcceptingInput):
		code = connect.CodeFailedPrecondition
	}
	return connect.NewError(code, err)
}

// httpStatus is the streaming endpoint's counterpart of toConnectError.
func httpStatus(err error) int {
	switch {
	case errors.Is(err, errInvalidRequest),
		errors.Is(err, runner.ErrUnsupportedLanguage),
		errors.Is(err, runner.ErrInvalidSource):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrSessionNotFound),
		errors.Is(err, execution.ErrUnknownExecution):
		return http.StatusNotFound
	case errors.Is(err, session.ErrNotAuthorized):
		return http.StatusForbidden
	case errors.Is(err, execution.ErrProcessNotAcceptingInput),
		errors.Is(err, session.ErrSessionFull):
		return http.StatusConflict
	case errors.Is(err, execution.ErrResourceExhausted):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
