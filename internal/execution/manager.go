package execution

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/buildkite/coderoom/internal/ids"
	"github.com/buildkite/coderoom/internal/runner"
	"github.com/charmbracelet/log"
	"github.com/samber/lo"
	"github.com/shirou/gopsutil/mem"
)

// Manager owns every execution and its process. The zero value is not
// usable; Languages and Runner must be set.
type Manager struct {
	Languages *runner.Table
	Runner    *runner.Runner
	Limits    Limits
	Sink      Sink
	Logger    *log.Logger

	mu         sync.RWMutex
	executions map[string]*executionState
	active     int
}

type executionState struct {
	ID               string
	SessionID        string
	UserID           string
	Language         string
	Status           Status
	ExitCode         int
	Reason           EndReason
	Message          string
	StartedAt        time.Time
	FinishedAt       *time.Time
	OutputBytes      int
	Truncated        bool
	Stdout           string
	Stderr           string
	StopRequested    bool
	StdinClosed      bool
	Process          *runner.Process
	ExpectedInputs   int
	InputsReceived   int
	InputTimer       *time.Timer
	EventHistory     []Event
	EventSubscribers map[int]chan Event
	NextSubID        int
	Done             chan struct{}
	DoneClosed       bool
}

var (
	maxRetainedFinishedExecutions   = 512
	maxRetainedExecutionEvents      = 2048
	maxRetainedExecutionOutputBytes = 64 * 1024
	retainedStateMaxAge             = 1 * time.Hour

	availableMemory = func() (uint64, error) {
		vm, err := mem.VirtualMemory()
		if err != nil {
			return 0, err
		}
		return vm.Available, nil
	}
)

const (
	stdinAttachWait    = 2 * time.Second
	stdinPollInterval  = 10 * time.Millisecond
	subscriberBuffer   = 128
	readChunkSize      = 4096
	timeoutExitCode    = 124
	truncationNotice   = "\n[output truncated]\n"
	memoryLimitMessage = "memory limit exceeded"
)

// Start validates the request, spawns the process and returns the execution
// id. It blocks only until the process is running.
func (m *Manager) Start(ctx context.Context, req StartRequest) (string, error) {
	lang, err := m.Languages.Lookup(req.Language)
	if err != nil {
		return "", err
	}
	if err := m.admit(); err != nil {
		return "", err
	}

	now := time.Now().UTC()
	executionID := strings.TrimSpace(req.ExecutionID)
	if executionID == "" {
		executionID = ids.NewExecutionID()
	}
	state := &executionState{
		ID:               executionID,
		SessionID:        strings.TrimSpace(req.SessionID),
		UserID:           strings.TrimSpace(req.UserID),
		Language:         lang.Name,
		Status:           StatusStarting,
		StartedAt:        now,
		ExpectedInputs:   req.ExpectedInputs,
		EventSubscribers: map[int]chan Event{},
		Done:             make(chan struct{}),
	}

	m.mu.Lock()
	m.ensureMapsLocked()
	if _, exists := m.executions[executionID]; exists {
		m.mu.Unlock()
		return "", fmt.Errorf("execution %q already exists", executionID)
	}
	if m.Limits.MaxConcurrent > 0 && m.active >= m.Limits.MaxConcurrent {
		m.mu.Unlock()
		return "", fmt.Errorf("%w: %d executions already running", ErrResourceExhausted, m.active)
	}
	m.active++
	m.executions[executionID] = state
	m.mu.Unlock()

	proc, err := m.Runner.Start(ctx, runner.Spec{
		Language:         lang,
		Files:            req.Files,
		MainFile:         req.MainFile,
		Timeout:          req.Timeout,
		MemoryLimitBytes: m.Limits.MemoryLimitBytes,
	})
	if err != nil {
		m.mu.Lock()
		m.active--
		m.dropExecutionLocked(executionID, state)
		m.mu.Unlock()
		if m.Logger != nil {
			m.Logger.Warn("execution spawn failed",
				"execution_id", executionID,
				"session_id", state.SessionID,
				"language", lang.Name,
				"error", err,
			)
		}
		return "", err
	}

	m.mu.Lock()
	state.Process = proc
	state.Status = StatusRunning
	if state.ExpectedInputs > 0 {
		state.Status = StatusAwaitingInput
		wait := req.InputWait
		if wait <= 0 {
			wait = m.Limits.InputWait
		}
		if wait > 0 {
			state.InputTimer = time.AfterFunc(wait, func() {
				m.releaseInput(executionID)
			})
		}
	}
	stopRequested := state.StopRequested
	m.mu.Unlock()

	if stopRequested {
		proc.Kill()
	}
	if req.InitialInput != "" {
		input := req.InitialInput
		if !strings.HasSuffix(input, "\n") {
			input += "\n"
		}
		if err := proc.WriteStdin([]byte(input)); err != nil && m.Logger != nil {
			m.Logger.Debug("initial input not delivered", "execution_id", executionID, "error", err)
		}
	}

	var readers sync.WaitGroup
	readers.Add(2)
	go m.pump(executionID, EventStdout, proc.Stdout, &readers)
	go m.pump(executionID, EventStderr, proc.Stderr, &readers)
	go m.supervise(executionID, proc, &readers)

	if m.Logger != nil {
		m.Logger.Info("execution started",
			"execution_id", executionID,
			"session_id", state.SessionID,
			"user_id", state.UserID,
			"language", lang.Name,
			"pid", proc.Pid(),
		)
	}
	return executionID, nil
}

func (m *Manager) admit() error {
	if m.Limits.MinFreeMemoryBytes == 0 {
		return nil
	}
	available, err := availableMemory()
	if err != nil {
		if m.Logger != nil {
			m.Logger.Debug("memory probe failed", "error", err)
		}
		return nil
	}
	if available < m.Limits.MinFreeMemoryBytes {
		return fmt.Errorf("%w: %d bytes of memory available", ErrResourceExhausted, available)
	}
	return nil
}

// Feed writes text and a trailing newline to the execution's stdin.
func (m *Manager) Feed(executionID, text string) error {
	executionID = strings.TrimSpace(executionID)
	if executionID == "" {
		return errors.New("missing execution_id")
	}

	deadline := time.Now().Add(stdinAttachWait)
	for {
		m.mu.RLock()
		ex, ok := m.executions[executionID]
		if !ok {
			m.mu.RUnlock()
			return fmt.Errorf("%w %q", ErrUnknownExecution, executionID)
		}
		if ex.Status.Final() || ex.StdinClosed {
			m.mu.RUnlock()
			return ErrProcessNotAcceptingInput
		}
		proc := ex.Process
		done := ex.Done
		m.mu.RUnlock()

		if proc != nil {
			if err := proc.WriteStdin([]byte(text + "\n")); err != nil {
				return fmt.Errorf("%w: %v", ErrProcessNotAcceptingInput, err)
			}
			m.countInput(executionID)
			return nil
		}
		if time.Now().After(deadline) {
			return ErrProcessNotAcceptingInput
		}
		select {
		case <-done:
		case <-time.After(stdinPollInterval):
		}
	}
}

// FeedSession feeds the most recent live execution started for sessionID.
func (m *Manager) FeedSession(sessionID, text string) error {
	executionID, ok := m.ActiveForSession(sessionID)
	if !ok {
		return fmt.Errorf("%w for session %q", ErrUnknownExecution, sessionID)
	}
	return m.Feed(executionID, text)
}

func (m *Manager) countInput(executionID string) {
	m.mu.Lock()
	ex, ok := m.executions[executionID]
	if !ok || ex.ExpectedInputs <= 0 {
		m.mu.Unlock()
		return
	}
	ex.InputsReceived++
	var proc *runner.Process
	if ex.InputsReceived >= ex.ExpectedInputs {
		proc = m.releaseInputLocked(ex)
	}
	m.mu.Unlock()
	closeStdin(proc)
}

func (m *Manager) releaseInput(executionID string) {
	m.mu.Lock()
	var proc *runner.Process
	if ex, ok := m.executions[executionID]; ok {
		proc = m.releaseInputLocked(ex)
	}
	m.mu.Unlock()
	closeStdin(proc)
}

// releaseInputLocked ends the batch input phase and returns the process
// whose stdin the caller must close after unlocking.
func (m *Manager) releaseInputLocked(ex *executionState) *runner.Process {
	if ex.Status != StatusAwaitingInput {
		return nil
	}
	if ex.InputTimer != nil {
		ex.InputTimer.Stop()
		ex.InputTimer = nil
	}
	ex.Status = StatusRunning
	ex.StdinClosed = true
	return ex.Process
}

func closeStdin(proc *runner.Process) {
	if proc != nil {
		_ = proc.CloseStdin()
	}
}

// Stop kills the execution's process group. Stopping a finished execution
// is a no-op.
func (m *Manager) Stop(executionID string) error {
	executionID = strings.TrimSpace(executionID)
	m.mu.Lock()
	ex, ok := m.executions[executionID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w %q", ErrUnknownExecution, executionID)
	}
	if ex.Status.Final() || ex.StopRequested {
		m.mu.Unlock()
		return nil
	}
	ex.StopRequested = true
	proc := ex.Process
	m.mu.Unlock()

	if proc != nil {
		proc.Kill()
	}
	if m.Logger != nil {
		m.Logger.Info("execution stop requested", "execution_id", executionID)
	}
	return nil
}

// StopSession stops the most recent live execution started for sessionID.
func (m *Manager) StopSession(sessionID string) error {
	executionID, ok := m.ActiveForSession(sessionID)
	if !ok {
		return fmt.Errorf("%w for session %q", ErrUnknownExecution, sessionID)
	}
	return m.Stop(executionID)
}

// StopAll kills every live execution.
func (m *Manager) StopAll() {
	m.mu.RLock()
	live := lo.FilterMap(lo.Values(m.executions), func(ex *executionState, _ int) (string, bool) {
		return ex.ID, !ex.Status.Final()
	})
	m.mu.RUnlock()
	for _, id := range live {
		_ = m.Stop(id)
	}
}

// ActiveForSession returns the most recently started live execution for
// sessionID.
func (m *Manager) ActiveForSession(sessionID string) (string, bool) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return "", false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var latest *executionState
	for _, ex := range m.executions {
		if ex.SessionID != sessionID || ex.Status.Final() {
			continue
		}
		if latest == nil || ex.StartedAt.After(latest.StartedAt) {
			latest = ex
		}
	}
	if latest == nil {
		return "", false
	}
	return latest.ID, true
}

func (m *Manager) Get(executionID string) (Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ex, ok := m.executions[strings.TrimSpace(executionID)]
	if !ok {
		return Execution{}, fmt.Errorf("%w %q", ErrUnknownExecution, executionID)
	}
	return cloneExecutionLocked(ex), nil
}

// List returns executions newest first, optionally filtered by session.
func (m *Manager) List(sessionID string) []Execution {
	m.mu.RLock()
	out := make([]Execution, 0, len(m.executions))
	for _, ex := range m.executions {
		if sessionID != "" && ex.SessionID != sessionID {
			continue
		}
		out = append(out, cloneExecutionLocked(ex))
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out
}

// Running reports how many executions currently hold a slot.
func (m *Manager) Running() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active
}

// Subscribe returns the retained history, a channel of later events, and a
// channel closed once the execution has ended. A subscriber that falls
// behind has its channel closed before done.
func (m *Manager) Subscribe(executionID string) ([]Event, <-chan Event, <-chan struct{}, func(), error) {
	executionID = strings.TrimSpace(executionID)
	m.mu.Lock()
	defer m.mu.Unlock()

	ex, ok := m.executions[executionID]
	if !ok {
		return nil, nil, nil, nil, fmt.Errorf("%w %q", ErrUnknownExecution, executionID)
	}

	history := append([]Event(nil), ex.EventHistory...)
	updates := make(chan Event, subscriberBuffer)
	done := ex.Done

	subID := ex.NextSubID
	ex.NextSubID++
	select {
	case <-done:
		close(updates)
	default:
		ex.EventSubscribers[subID] = updates
	}

	unsubscribe := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		subEx, ok := m.executions[executionID]
		if !ok {
			return
		}
		ch, ok := subEx.EventSubscribers[subID]
		if !ok {
			return
		}
		delete(subEx.EventSubscribers, subID)
		close(ch)
	}

	return history, updates, done, unsubscribe, nil
}

// Wait blocks until the execution ends or ctx is done.
func (m *Manager) Wait(ctx context.Context, executionID string) (Execution, error) {
	m.mu.RLock()
	ex, ok := m.executions[strings.TrimSpace(executionID)]
	if !ok {
		m.mu.RUnlock()
		return Execution{}, fmt.Errorf("%w %q", ErrUnknownExecution, executionID)
	}
	done := ex.Done
	m.mu.RUnlock()

	select {
	case <-ctx.Done():
		return Execution{}, ctx.Err()
	case <-done:
	}
	return m.Get(executionID)
}

func (m *Manager) pump(executionID string, kind EventKind, r io.Reader, wg *sync.WaitGroup) {
	defer wg.Done()
	buf := make([]byte, readChunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			m.recordOutput(executionID, kind, buf[:n])
		}
		if err != nil {
			return
		}
	}
}

func (m *Manager) recordOutput(executionID string, kind EventKind, chunk []byte) {
	m.mu.Lock()
	ex, ok := m.executions[executionID]
	if !ok || ex.Status.Final() || ex.Truncated {
		m.mu.Unlock()
		return
	}

	var events []Event
	data := string(chunk)
	limit := m.Limits.MaxOutputBytes
	if limit > 0 && ex.OutputBytes+len(data) > limit {
		data = truncateAtRune(data, limit-ex.OutputBytes)
		ex.Truncated = true
	}
	ex.OutputBytes += len(data)
	if data != "" {
		events = append(events, m.appendOutputLocked(ex, kind, data))
	}
	if ex.Truncated {
		events = append(events, m.appendOutputLocked(ex, EventStderr, truncationNotice))
	}
	m.mu.Unlock()

	m.deliver(events...)
}

// truncateAtRune cuts data to at most n bytes without splitting a UTF-8
// sequence.
func truncateAtRune(data string, n int) string {
	if n >= len(data) {
		return data
	}
	for n > 0 && !utf8.RuneStart(data[n]) {
		n--
	}
	return data[:n]
}

func (m *Manager) appendOutputLocked(ex *executionState, kind EventKind, data string) Event {
	if kind == EventStdout {
		ex.Stdout = appendRetainedOutput(ex.Stdout, data, maxRetainedExecutionOutputBytes)
	} else {
		ex.Stderr = appendRetainedOutput(ex.Stderr, data, maxRetainedExecutionOutputBytes)
	}
	event := Event{
		ExecutionID: ex.ID,
		SessionID:   ex.SessionID,
		UserID:      ex.UserID,
		Kind:        kind,
		Data:        data,
		OccurredAt:  time.Now().UTC(),
	}
	m.recordEventLocked(ex, event)
	return event
}

func (m *Manager) supervise(executionID string, proc *runner.Process, readers *sync.WaitGroup) {
	// Output must be fully drained before the end event.
	readers.Wait()
	res := proc.Wait()
	if err := proc.Close(); err != nil && m.Logger != nil {
		m.Logger.Debug("work dir cleanup failed", "execution_id", executionID, "error", err)
	}

	m.mu.Lock()
	m.active--
	ex, ok := m.executions[executionID]
	if !ok {
		m.mu.Unlock()
		return
	}
	if ex.InputTimer != nil {
		ex.InputTimer.Stop()
		ex.InputTimer = nil
	}

	status := StatusCompleted
	reason := ReasonExited
	exitCode := res.ExitCode
	message := ""
	var events []Event
	switch {
	case ex.StopRequested:
		status = StatusKilled
		reason = ReasonStopped
		message = StoppedByUser
	case res.TimedOut:
		status = StatusTimedOut
		reason = ReasonTimeout
		exitCode = timeoutExitCode
		message = "execution timed out"
	case res.MemoryExceeded:
		status = StatusErrored
		reason = ReasonMemory
		message = memoryLimitMessage
		events = append(events, m.errorEventLocked(ex, message))
	case res.Err != nil:
		status = StatusErrored
		reason = ReasonCrashed
		message = SanitizeError(res.Err)
		events = append(events, m.errorEventLocked(ex, message))
	case res.ExitCode != 0:
		status = StatusErrored
	}
	events = append(events, m.finalizeExecutionLocked(ex, status, reason, exitCode, message))
	m.mu.Unlock()

	m.deliver(events...)

	if m.Logger != nil {
		m.Logger.Info("execution finished",
			"execution_id", executionID,
			"session_id", ex.SessionID,
			"status", string(status),
			"reason", string(reason),
			"exit_code", exitCode,
			"duration", res.Duration,
		)
	}
}

func (m *Manager) errorEventLocked(ex *executionState, message string) Event {
	event := Event{
		ExecutionID: ex.ID,
		SessionID:   ex.SessionID,
		UserID:      ex.UserID,
		Kind:        EventError,
		Data:        message,
		OccurredAt:  time.Now().UTC(),
	}
	m.recordEventLocked(ex, event)
	return event
}

func (m *Manager) finalizeExecutionLocked(ex *executionState, status Status, reason EndReason, exitCode int, message string) Event {
	finished := time.Now().UTC()
	ex.Status = status
	ex.Reason = reason
	ex.ExitCode = exitCode
	ex.Message = message
	ex.FinishedAt = &finished
	ex.Process = nil
	event := Event{
		ExecutionID: ex.ID,
		SessionID:   ex.SessionID,
		UserID:      ex.UserID,
		Kind:        EventEnd,
		ExitCode:    exitCode,
		Reason:      reason,
		Message:     message,
		OccurredAt:  finished,
	}
	m.recordEventLocked(ex, event)
	closeExecutionDoneLocked(ex)
	m.pruneExecutionsLocked(finished)
	return event
}

func (m *Manager) recordEventLocked(ex *executionState, event Event) {
	ex.EventHistory = appendBounded(ex.EventHistory, event, maxRetainedExecutionEvents)
	for id, ch := range ex.EventSubscribers {
		select {
		case ch <- event:
		default:
			close(ch)
			delete(ex.EventSubscribers, id)
		}
	}
}

func (m *Manager) deliver(events ...Event) {
	if m.Sink == nil {
		return
	}
	for _, event := range events {
		m.Sink.HandleExecutionEvent(event)
	}
}

func (m *Manager) ensureMapsLocked() {
	if m.executions == nil {
		m.executions = map[string]*executionState{}
	}
}

func (m *Manager) dropExecutionLocked(executionID string, ex *executionState) {
	if ex == nil {
		return
	}
	for id, ch := range ex.EventSubscribers {
		close(ch)
		delete(ex.EventSubscribers, id)
	}
	closeExecutionDoneLocked(ex)
	delete(m.executions, executionID)
}

func closeExecutionDoneLocked(ex *executionState) {
	if ex.DoneClosed {
		return
	}
	close(ex.Done)
	ex.DoneClosed = true
}

func cloneExecutionLocked(ex *executionState) Execution {
	out := Execution{
		ID:          ex.ID,
		SessionID:   ex.SessionID,
		UserID:      ex.UserID,
		Language:    ex.Language,
		Status:      ex.Status,
		ExitCode:    ex.ExitCode,
		Reason:      ex.Reason,
		Message:     ex.Message,
		StartedAt:   ex.StartedAt,
		OutputBytes: ex.OutputBytes,
		Truncated:   ex.Truncated,
		Stdout:      ex.Stdout,
		Stderr:      ex.Stderr,
	}
	if ex.FinishedAt != nil {
		finished := *ex.FinishedAt
		out.FinishedAt = &finished
	}
	return out
}
