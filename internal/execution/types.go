package execution

import (
	"errors"
	"time"
)

var (
	ErrResourceExhausted        = errors.New("resource exhausted")
	ErrProcessTimeout           = errors.New("process timed out")
	ErrProcessCrashed           = errors.New("process crashed")
	ErrUnknownExecution         = errors.New("unknown execution")
	ErrProcessNotAcceptingInput = errors.New("process not accepting input")
)

type Status string

const (
	StatusStarting      Status = "starting"
	StatusRunning       Status = "running"
	StatusAwaitingInput Status = "awaiting-input"
	StatusCompleted     Status = "completed"
	StatusErrored       Status = "errored"
	StatusTimedOut      Status = "timed-out"
	StatusKilled        Status = "killed"
)

func (s Status) Final() bool {
	switch s {
	case StatusCompleted, StatusErrored, StatusTimedOut, StatusKilled:
		return true
	default:
		return false
	}
}

type EventKind string

const (
	EventStdout EventKind = "stdout"
	EventStderr EventKind = "stderr"
	EventError  EventKind = "error"
	EventEnd    EventKind = "end"
)

// EndReason says why an execution ended.
type EndReason string

const (
	ReasonExited  EndReason = "exited"
	ReasonTimeout EndReason = "timeout"
	ReasonStopped EndReason = "stopped"
	ReasonCrashed EndReason = "crashed"
	ReasonMemory  EndReason = "memory"
)

const StoppedByUser = "stopped by user"

// Event is one typed piece of an execution's output stream. Every execution
// emits exactly one EventEnd, always last.
type Event struct {
	ExecutionID string    `json:"executionId"`
	SessionID   string    `json:"sessionId,omitempty"`
	UserID      string    `json:"userId,omitempty"`
	Kind        EventKind `json:"type"`
	Data        string    `json:"data,omitempty"`
	ExitCode    int       `json:"exitCode"`
	Reason      EndReason `json:"reason,omitempty"`
	Message     string    `json:"message,omitempty"`
	OccurredAt  time.Time `json:"occurredAt"`
}

// Execution is a point-in-time snapshot of one run.
type Execution struct {
	ID          string     `json:"id"`
	SessionID   string     `json:"sessionId,omitempty"`
	UserID      string     `json:"userId,omitempty"`
	Language    string     `json:"language"`
	Status      Status     `json:"status"`
	ExitCode    int        `json:"exitCode"`
	Reason      EndReason  `json:"reason,omitempty"`
	Message     string     `json:"message,omitempty"`
	StartedAt   time.Time  `json:"startedAt"`
	FinishedAt  *time.Time `json:"finishedAt,omitempty"`
	OutputBytes int        `json:"outputBytes"`
	Truncated   bool       `json:"truncated,omitempty"`
	Stdout      string     `json:"stdout,omitempty"`
	Stderr      string     `json:"stderr,omitempty"`
}

// Err maps a finished execution onto the error taxonomy. Normal exits,
// including non-zero exit codes, return nil.
func (e Execution) Err() error {
	switch e.Reason {
	case ReasonTimeout:
		return ErrProcessTimeout
	case ReasonCrashed, ReasonMemory:
		return ErrProcessCrashed
	default:
		return nil
	}
}

// StartRequest describes one execution.
type StartRequest struct {
	// ExecutionID is generated when empty.
	ExecutionID string
	Language    string
	// Files maps relative paths to contents. MainFile defaults to the
	// language's conventional entry point.
	Files        map[string]string
	MainFile     string
	InitialInput string
	SessionID    string
	UserID       string
	// ExpectedInputs > 0 selects batch mode: the execution waits in
	// awaiting-input until that many Feed calls arrive or InputWait elapses,
	// then stdin is closed.
	ExpectedInputs int
	InputWait      time.Duration
	Timeout        time.Duration
}

// Sink receives every event of every execution, in per-stream order.
type Sink interface {
	HandleExecutionEvent(Event)
}

// Limits bounds what the manager will admit.
type Limits struct {
	MaxConcurrent      int
	MaxOutputBytes     int
	MinFreeMemoryBytes uint64
	MemoryLimitBytes   int64
	InputWait          time.Duration
}
