package client

import (
	"github.com/buildkite/coderoom/internal/controlapi"
	"github.com/buildkite/coderoom/internal/execution"
	"github.com/buildkite/coderoom/internal/protocol"
)

type SessionSummary = controlapi.SessionSummary
type SessionState = protocol.SessionState
type Participant = protocol.Participant
type ChatMessage = protocol.ChatMessage
type Role = protocol.Role

const (
	RoleOwner  = protocol.RoleOwner
	RoleEditor = protocol.RoleEditor
	RoleViewer = protocol.RoleViewer
)

type Execution = execution.Execution
type ExecutionStatus = execution.Status

type ListSessionsRequest = controlapi.ListSessionsRequest
type ListSessionsResponse = controlapi.ListSessionsResponse
type GetSessionRequest = controlapi.GetSessionRequest
type GetSessionResponse = controlapi.GetSessionResponse
type ListExecutionsRequest = controlapi.ListExecutionsRequest
type ListExecutionsResponse = controlapi.ListExecutionsResponse
type GetExecutionRequest = controlapi.GetExecutionRequest
type GetExecutionResponse = controlapi.GetExecutionResponse
type StopExecutionRequest = controlapi.StopExecutionRequest
type StopExecutionResponse = controlapi.StopExecutionResponse

type ExecuteRequest = controlapi.ExecuteRequest
type InputRequest = controlapi.InputRequest
type StopRequest = controlapi.StopRequest
type StreamFrame = controlapi.StreamFrame

// Session channel payloads, decoded with Event.Decode.
type (
	SessionJoined   = protocol.SessionJoined
	RosterChange    = protocol.RosterChange
	CodeChanged     = protocol.CodeChanged
	CursorMoved     = protocol.CursorMoved
	RoleChanged     = protocol.RoleChanged
	LanguageChanged = protocol.LanguageChanged
	CodeExecuting   = protocol.CodeExecuting
	ExecutionOutput = protocol.ExecutionOutput
	ExecutionError  = protocol.ExecutionError
	ExecutionResult = protocol.ExecutionResult
	ErrorPayload    = protocol.Error
)
