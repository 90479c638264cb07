package broadcast

import (
	"github.com/buildkite/coderoom/internal/execution"
	"github.com/buildkite/coderoom/internal/protocol"
)

// ExecutionRelay publishes execution events to the collaboration session
// that started them. Events without a session are ignored.
type ExecutionRelay struct {
	Broadcaster *Broadcaster
}

func (r ExecutionRelay) HandleExecutionEvent(event execution.Event) {
	if r.Broadcaster == nil || event.SessionID == "" {
		return
	}
	if msg, ok := ExecutionMessage(event); ok {
		r.Broadcaster.Publish(event.SessionID, msg)
	}
}

// ExecutionMessage translates one execution event into its session message.
func ExecutionMessage(event execution.Event) (protocol.Message, bool) {
	switch event.Kind {
	case execution.EventStdout, execution.EventStderr:
		return protocol.NewMessage(protocol.KindExecutionOutput, protocol.ExecutionOutput{
			SessionID:   event.SessionID,
			ExecutionID: event.ExecutionID,
			UserID:      event.UserID,
			Stream:      string(event.Kind),
			Data:        event.Data,
		}), true
	case execution.EventError:
		return protocol.NewMessage(protocol.KindExecutionError, protocol.ExecutionError{
			SessionID:   event.SessionID,
			ExecutionID: event.ExecutionID,
			UserID:      event.UserID,
			Message:     event.Data,
		}), true
	case execution.EventEnd:
		return protocol.NewMessage(protocol.KindExecutionResult, protocol.ExecutionResult{
			SessionID: event.SessionID,
			UserID:    event.UserID,
			Result: protocol.ExecutionSummary{
				ExecutionID: event.ExecutionID,
				Status:      statusForReason(event),
				ExitCode:    event.ExitCode,
				Reason:      string(event.Reason),
				Message:     event.Message,
			},
		}), true
	default:
		return protocol.Message{}, false
	}
}

func statusForReason(event execution.Event) string {
	switch event.Reason {
	case execution.ReasonStopped:
		return string(execution.StatusKilled)
	case execution.ReasonTimeout:
		return string(execution.StatusTimedOut)
	case execution.ReasonCrashed, execution.ReasonMemory:
		return string(execution.StatusErrored)
	}
	if event.ExitCode != 0 {
		return string(execution.StatusErrored)
	}
	return string(execution.StatusCompleted)
}
