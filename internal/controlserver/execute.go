package controlserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/buildkite/coderoom/internal/controlapi"
	"github.com/buildkite/coderoom/internal/execution"
	"github.com/buildkite/coderoom/internal/gateway"
	"github.com/buildkite/coderoom/internal/ids"
	"github.com/buildkite/coderoom/internal/protocol"
)

const maxRequestBytes = 1 << 20

// handleExecute starts an execution and streams its events as server-sent
// events. A client that goes away detaches; the execution keeps running.
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req controlapi.ExecuteRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.Code) == "" {
		s.writeError(w, r, fmt.Errorf("%w: code is required", errInvalidRequest))
		return
	}
	lang, err := s.cfg.Languages.Lookup(s.cfg.Languages.Normalize(req.Language, s.cfg.DefaultLanguage))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, r, errors.New("streaming unsupported"))
		return
	}

	sessionID := strings.TrimSpace(req.SessionID)
	executionID := ids.NewExecutionID()
	if s.cfg.Broadcaster != nil && sessionID != "" {
		s.cfg.Broadcaster.Publish(sessionID, protocol.NewMessage(protocol.KindCodeExecuting, protocol.CodeExecuting{
			SessionID:   sessionID,
			ExecutionID: executionID,
			Language:    lang.Name,
		}))
	}
	if _, err := s.cfg.Executions.Start(r.Context(), execution.StartRequest{
		ExecutionID:    executionID,
		Language:       lang.Name,
		Files:          map[string]string{lang.MainFile: req.Code},
		MainFile:       lang.MainFile,
		InitialInput:   req.Input,
		SessionID:      sessionID,
		ExpectedInputs: req.ExpectedInputs,
	}); err != nil {
		s.writeError(w, r, err)
		return
	}

	history, updates, done, unsubscribe, err := s.cfg.Executions.Subscribe(executionID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Execution-Id", executionID)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	send := func(event execution.Event) (bool, error) {
		if err := writeFrame(w, controlapi.FrameForEvent(event)); err != nil {
			return false, err
		}
		flusher.Flush()
		return event.Kind == execution.EventEnd, nil
	}

	for _, event := range history {
		if end, err := send(event); err != nil || end {
			return
		}
	}
	for {
		select {
		case <-r.Context().Done():
			if s.cfg.Logger != nil {
				s.cfg.Logger.Debug("execution stream detached", "execution_id", executionID)
			}
			return
		case event, ok := <-updates:
			if !ok {
				s.streamDropped(w, flusher, executionID, done)
				return
			}
			if end, err := send(event); err != nil || end {
				return
			}
		}
	}
}

// streamDropped tells a client that fell behind why its stream ended.
func (s *Server) streamDropped(w http.ResponseWriter, flusher http.Flusher, executionID string, done <-chan struct{}) {
	select {
	case <-done:
		return
	default:
	}
	_ = writeFrame(w, controlapi.StreamFrame{
		Type:        string(execution.EventError),
		ExecutionID: executionID,
		Data:        "stream closed because the client could not keep up with output",
	})
	flusher.Flush()
	if s.cfg.Logger != nil {
		s.cfg.Logger.Warn("execution stream subscriber dropped", "execution_id", executionID)
	}
}

func (s *Server) handleInput(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req controlapi.InputRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	var err error
	switch {
	case strings.TrimSpace(req.ExecutionID) != "":
		err = s.cfg.Executions.Feed(req.ExecutionID, req.Input)
	case strings.TrimSpace(req.SessionID) != "":
		err = s.cfg.Executions.FeedSession(req.SessionID, req.Input)
	default:
		err = fmt.Errorf("%w: missing executionId or sessionId", errInvalidRequest)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req controlapi.StopRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	executionID, err := s.stop(req.ExecutionID, req.SessionID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, controlapi.StopExecutionResponse{ExecutionID: executionID, Stopped: true})
}

func requirePost(w http.ResponseWriter, r *http.Request) bool {
	if r.Method == http.MethodPost {
		return true
	}
	w.Header().Set("Allow", http.MethodPost)
	writeJSON(w, http.StatusMethodNotAllowed, controlapi.ErrorResponse{Error: "method not allowed"})
	return false
}

func decodeBody(w http.ResponseWriter, r *http.Request, out any) error {
	body := http.MaxBytesReader(w, r.Body, maxRequestBytes)
	if err := json.NewDecoder(body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: %v", errInvalidRequest, err)
	}
	return nil
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := httpStatus(err)
	if s.cfg.Logger != nil {
		logFn := s.cfg.Logger.Debug
		if status >= http.StatusInternalServerError {
			logFn = s.cfg.Logger.Error
		}
		logFn("request failed", "path", r.URL.Path, "status", status, "error", err)
	}
	writeJSON(w, status, controlapi.ErrorResponse{
		Error: execution.SanitizeError(err),
		Code:  errorCode(err),
	})
}

func errorCode(err error) string {
	if errors.Is(err, errInvalidRequest) {
		return "invalid_request"
	}
	return gateway.ErrorCode(err)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeFrame(w io.Writer, frame controlapi.StreamFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}
