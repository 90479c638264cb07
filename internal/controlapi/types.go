// Package controlapi holds the request and response types shared by the
// control server and its clients.
package controlapi

import (
	"time"

	"github.com/buildkite/coderoom/internal/execution"
	"github.com/buildkite/coderoom/internal/protocol"
)

const ServiceName = "coderoom.v1.ControlService"

const (
	ListSessionsProcedure   = "/" + ServiceName + "/ListSessions"
	GetSessionProcedure     = "/" + ServiceName + "/GetSession"
	ListExecutionsProcedure = "/" + ServiceName + "/ListExecutions"
	GetExecutionProcedure   = "/" + ServiceName + "/GetExecution"
	StopExecutionProcedure  = "/" + ServiceName + "/StopExecution"
)

// HTTP paths of the execution streaming endpoint.
const (
	ExecutePath      = "/api/execute"
	ExecuteInputPath = "/api/execute/input"
	ExecuteStopPath  = "/api/execute/stop"
	HealthPath       = "/healthz"
	SessionChannel   = "/ws"
)

type ListSessionsRequest struct{}

type SessionSummary struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	OwnerID      string    `json:"owner_id,omitempty"`
	Language     string    `json:"language"`
	Version      int64     `json:"version"`
	Participants int       `json:"participants"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
}

type ListSessionsResponse struct {
	Sessions []SessionSummary `json:"sessions"`
}

type GetSessionRequest struct {
	SessionID string `json:"session_id"`
}

type GetSessionResponse struct {
	Session protocol.SessionState `json:"session"`
}

type ListExecutionsRequest struct {
	// SessionID filters by session when set.
	SessionID string `json:"session_id,omitempty"`
}

type ListExecutionsResponse struct {
	Executions []execution.Execution `json:"executions"`
}

type GetExecutionRequest struct {
	ExecutionID string `json:"execution_id"`
}

type GetExecutionResponse struct {
	Execution execution.Execution `json:"execution"`
}

// StopExecutionRequest names an execution directly or stops the newest live
// execution of a session.
type StopExecutionRequest struct {
	ExecutionID string `json:"execution_id,omitempty"`
	SessionID   string `json:"session_id,omitempty"`
}

type StopExecutionResponse struct {
	ExecutionID string `json:"execution_id"`
	Stopped     bool   `json:"stopped"`
}

// ExecuteRequest is the body of POST /api/execute.
type ExecuteRequest struct {
	Code           string `json:"code"`
	Language       string `json:"language"`
	SessionID      string `json:"sessionId,omitempty"`
	Input          string `json:"input,omitempty"`
	ExpectedInputs int    `json:"expectedInputs,omitempty"`
}

// InputRequest is the body of POST /api/execute/input.
type InputRequest struct {
	SessionID   string `json:"sessionId,omitempty"`
	ExecutionID string `json:"executionId,omitempty"`
	Input       string `json:"input"`
}

// StopRequest is the body of POST /api/execute/stop.
type StopRequest struct {
	SessionID   string `json:"sessionId,omitempty"`
	ExecutionID string `json:"executionId,omitempty"`
}

// StreamFrame is one server-sent event of an execution stream.
type StreamFrame struct {
	Type        string `json:"type"`
	ExecutionID string `json:"executionId,omitempty"`
	Data        string `json:"data,omitempty"`
	ExitCode    *int   `json:"exitCode,omitempty"`
	Reason      string `json:"reason,omitempty"`
	Status      string `json:"status,omitempty"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// Summarize reduces a snapshot to its list form.
func Summarize(state protocol.SessionState) SessionSummary {
	return SessionSummary{
		ID:           state.ID,
		Name:         state.Name,
		OwnerID:      state.OwnerID,
		Language:     state.Language,
		Version:      state.Version,
		Participants: len(state.Participants),
		CreatedAt:    state.CreatedAt,
		LastActivity: state.LastActivity,
	}
}

// FrameForEvent renders an execution event as a stream frame.
func FrameForEvent(event execution.Event) StreamFrame {
	frame := StreamFrame{
		Type:        string(event.Kind),
		ExecutionID: event.ExecutionID,
		Data:        event.Data,
	}
	switch event.Kind {
	case execution.EventError:
		frame.Data = event.Message
	case execution.EventEnd:
		exitCode := event.ExitCode
		frame.ExitCode = &exitCode
		frame.Reason = string(event.Reason)
		frame.Data = event.Message
	}
	return frame
}
