package client

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"connectrpc.com/connect"
	"github.com/buildkite/coderoom/internal/controlclient"
)

// ErrorCode is a stable classifier for coderoom API errors.
type ErrorCode string

const (
	ErrorCodeUnknown                  ErrorCode = "unknown"
	ErrorCodeCanceled                 ErrorCode = "canceled"
	ErrorCodeDeadlineExceeded         ErrorCode = "deadline_exceeded"
	ErrorCodeInvalidArgument          ErrorCode = "invalid_argument"
	ErrorCodeNotFound                 ErrorCode = "not_found"
	ErrorCodePermissionDenied         ErrorCode = "permission_denied"
	ErrorCodeResourceExhausted        ErrorCode = "resource_exhausted"
	ErrorCodeUnavailable              ErrorCode = "unavailable"
	ErrorCodeInternal                 ErrorCode = "internal"
	ErrorCodeSessionNotFound          ErrorCode = "session_not_found"
	ErrorCodeSessionFull              ErrorCode = "session_full"
	ErrorCodeNotAuthorized            ErrorCode = "not_authorized"
	ErrorCodeUnsupportedLanguage      ErrorCode = "unsupported_language"
	ErrorCodeUnknownExecution         ErrorCode = "unknown_execution"
	ErrorCodeProcessNotAcceptingInput ErrorCode = "process_not_accepting_input"
)

// ErrCode classifies API errors into a stable code.
//
// Streaming endpoint errors carry a semantic code which is returned as is.
// Control API errors fall back to their Connect code.
func ErrCode(err error) ErrorCode {
	if err == nil {
		return ErrorCodeUnknown
	}

	var httpErr *controlclient.HTTPError
	if errors.As(err, &httpErr) && httpErr.Code != "" {
		return ErrorCode(httpErr.Code)
	}
	var roomErr *RoomError
	if errors.As(err, &roomErr) && roomErr.Code != "" {
		return ErrorCode(roomErr.Code)
	}

	var connectErr *connect.Error
	if errors.As(err, &connectErr) {
		switch connectErr.Code() {
		case connect.CodeCanceled:
			return ErrorCodeCanceled
		case connect.CodeDeadlineExceeded:
			return ErrorCodeDeadlineExceeded
		case connect.CodeInvalidArgument:
			return ErrorCodeInvalidArgument
		case connect.CodeNotFound:
			return ErrorCodeNotFound
		case connect.CodePermissionDenied:
			return ErrorCodePermissionDenied
		case connect.CodeResourceExhausted:
			return ErrorCodeResourceExhausted
		case connect.CodeUnavailable:
			return ErrorCodeUnavailable
		default:
			return ErrorCodeInternal
		}
	}
	if errors.Is(err, context.Canceled) {
		return ErrorCodeCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorCodeDeadlineExceeded
	}
	return ErrorCodeUnknown
}

// Must returns the client if err is nil; otherwise it panics.
func Must(c *Client, err error) *Client {
	if err != nil {
		panic(err)
	}
	return c
}

// NewFromEnv builds a client from CODEROOM_HOST (or the default endpoint when unset).
func NewFromEnv(opts ...Option) (*Client, error) {
	return New("", opts...)
}

// ExecOptions controls how ExecAndWait streams program output.
type ExecOptions struct {
	Stdout io.Writer
	Stderr io.Writer
	// Timeout bounds the stream phase. The server's own execution timeout
	// still applies.
	Timeout time.Duration
}

// ExecResult is the final execution outcome from ExecAndWait.
type ExecResult struct {
	ExecutionID string
	ExitCode    int
	Reason      string
	Message     string
	Stdout      string
	Stderr      string
}

// ExecAndWait runs code, streams its output, and waits for it to end. A
// non-zero exit is reported in the result, not as an error.
func (c *Client) ExecAndWait(ctx context.Context, req ExecuteRequest, opts ExecOptions) (*ExecResult, error) {
	if c == nil || c.inner == nil {
		return nil, errNilClient
	}
	if strings.TrimSpace(req.Code) == "" {
		return nil, errors.New("missing code")
	}

	waitCtx := ctx
	cancel := func() {}
	if opts.Timeout > 0 {
		waitCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
	}
	defer cancel()

	var (
		stdoutBuf   bytes.Buffer
		stderrBuf   bytes.Buffer
		executionID string
		message     string
	)
	end, err := c.inner.Execute(waitCtx, req, func(frame StreamFrame) error {
		if executionID == "" {
			executionID = frame.ExecutionID
		}
		switch frame.Type {
		case "stdout":
			stdoutBuf.WriteString(frame.Data)
			if opts.Stdout != nil {
				_, _ = io.WriteString(opts.Stdout, frame.Data)
			}
		case "stderr":
			stderrBuf.WriteString(frame.Data)
			if opts.Stderr != nil {
				_, _ = io.WriteString(opts.Stderr, frame.Data)
			}
		case "error":
			message = frame.Data
		}
		return nil
	})
	if err != nil {
		if executionID != "" {
			c.stopBestEffort(executionID)
		}
		return nil, err
	}

	result := &ExecResult{
		ExecutionID: firstNonEmpty(end.ExecutionID, executionID),
		Reason:      end.Reason,
		Message:     firstNonEmpty(end.Data, message),
		Stdout:      stdoutBuf.String(),
		Stderr:      stderrBuf.String(),
	}
	if end.ExitCode != nil {
		result.ExitCode = *end.ExitCode
	}
	return result, nil
}

func (c *Client) stopBestEffort(executionID string) {
	stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = c.inner.Stop(stopCtx, StopRequest{ExecutionID: executionID})
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
