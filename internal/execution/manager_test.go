package execution

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/buildkite/coderoom/internal/runner"
	"github.com/buildkite/coderoom/internal/runtimeconfig"
)

type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *recordingSink) HandleExecutionEvent(event Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

func (s *recordingSink) snapshot() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

func newTestManager(t *testing.T, limits Limits) (*Manager, *recordingSink) {
	t.Helper()
	sink := &recordingSink{}
	m := &Manager{
		Languages: runner.NewTable(map[string]runtimeconfig.LanguageConfig{
			"sh": {MainFile: "main.sh", Run: []string{"sh", "{main}"}},
		}),
		Runner: &runner.Runner{WorkBaseDir: t.TempDir()},
		Limits: limits,
		Sink:   sink,
	}
	t.Cleanup(m.StopAll)
	return m, sink
}

func startScript(t *testing.T, m *Manager, script string, mutate func(*StartRequest)) string {
	t.Helper()
	req := StartRequest{
		Language:  "sh",
		Files:     map[string]string{"main.sh": script},
		SessionID: "room-1",
		UserID:    "user-1",
		Timeout:   5 * time.Second,
	}
	if mutate != nil {
		mutate(&req)
	}
	id, err := m.Start(context.Background(), req)
	if err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	return id
}

func waitExecution(t *testing.T, m *Manager, id string) Execution {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	ex, err := m.Wait(ctx, id)
	if err != nil {
		t.Fatalf("Wait returned error: %v", err)
	}
	return ex
}

func joinOutput(events []Event, kind EventKind) string {
	var b strings.Builder
	for _, event := range events {
		if event.Kind == kind {
			b.WriteString(event.Data)
		}
	}
	return b.String()
}

func TestStartStreamsOutputAndEndsOnce(t *testing.T) {
	t.Parallel()
	m, sink := newTestManager(t, Limits{})

	id := startScript(t, m, "echo out\necho err >&2\nexit 2\n", nil)
	ex := waitExecution(t, m, id)

	if got, want := ex.Status, StatusErrored; got != want {
		t.Fatalf("unexpected status: got %q want %q", got, want)
	}
	if got, want := ex.ExitCode, 2; got != want {
		t.Fatalf("unexpected exit code: got %d want %d", got, want)
	}
	if ex.Err() != nil {
		t.Fatalf("expected a plain non-zero exit to carry no error, got %v", ex.Err())
	}

	events := sink.snapshot()
	if got, want := joinOutput(events, EventStdout), "out\n"; got != want {
		t.Fatalf("unexpected stdout: got %q want %q", got, want)
	}
	if got, want := joinOutput(events, EventStderr), "err\n"; got != want {
		t.Fatalf("unexpected stderr: got %q want %q", got, want)
	}
	ends := 0
	for _, event := range events {
		if event.Kind == EventEnd {
			ends++
		}
		if event.ExecutionID != id || event.SessionID != "room-1" || event.UserID != "user-1" {
			t.Fatalf("event missing identity: %+v", event)
		}
	}
	if ends != 1 {
		t.Fatalf("expected exactly one end event, got %d", ends)
	}
	if last := events[len(events)-1]; last.Kind != EventEnd || last.Reason != ReasonExited {
		t.Fatalf("expected end event last with reason exited, got %+v", last)
	}
}

func TestStartCompletedExecution(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t, Limits{})

	id := startScript(t, m, "echo ok\n", nil)
	ex := waitExecution(t, m, id)
	if got, want := ex.Status, StatusCompleted; got != want {
		t.Fatalf("unexpected status: got %q want %q", got, want)
	}
	if ex.FinishedAt == nil {
		t.Fatal("expected finished time to be set")
	}
	if got, want := ex.Stdout, "ok\n"; got != want {
		t.Fatalf("unexpected retained stdout: got %q want %q", got, want)
	}
	if got := m.Running(); got != 0 {
		t.Fatalf("expected slot to be released, got %d running", got)
	}
}

func TestStartRejectsUnsupportedLanguage(t *testing.T) {
	t.Parallel()
	m, sink := newTestManager(t, Limits{})

	_, err := m.Start(context.Background(), StartRequest{Language: "cobol", Files: map[string]string{"main.cob": ""}})
	if !errors.Is(err, runner.ErrUnsupportedLanguage) {
		t.Fatalf("expected ErrUnsupportedLanguage, got %v", err)
	}
	if len(m.List("")) != 0 || len(sink.snapshot()) != 0 {
		t.Fatal("expected no execution to be recorded")
	}
}

func TestStartRejectsInvalidSource(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t, Limits{})

	_, err := m.Start(context.Background(), StartRequest{
		Language: "sh",
		Files:    map[string]string{"main.sh": "true", "../escape.sh": "true"},
	})
	if !errors.Is(err, runner.ErrInvalidSource) {
		t.Fatalf("expected ErrInvalidSource, got %v", err)
	}
	if got := m.Running(); got != 0 {
		t.Fatalf("expected failed spawn to release slot, got %d", got)
	}
	if len(m.List("")) != 0 {
		t.Fatal("expected failed spawn to leave no execution behind")
	}
}

func TestStartEnforcesConcurrencyLimit(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t, Limits{MaxConcurrent: 1})

	first := startScript(t, m, "sleep 5\n", nil)
	_, err := m.Start(context.Background(), StartRequest{
		Language: "sh",
		Files:    map[string]string{"main.sh": "true"},
	})
	if !errors.Is(err, ErrResourceExhausted) {
		t.Fatalf("expected ErrResourceExhausted, got %v", err)
	}

	if err := m.Stop(first); err != nil {
		t.Fatalf("Stop returned error: %v", err)
	}
	waitExecution(t, m, first)

	second := startScript(t, m, "true\n", nil)
	waitExecution(t, m, second)
}

func TestStartRejectsWhenMemoryIsLow(t *testing.T) {
	prev := availableMemory
	availableMemory = func() (uint64, error) { return 1 << 20, nil }
	t.Cleanup(func() { availableMemory = prev })

	m, _ := newTestManager(t, Limits{MinFreeMemoryBytes: 64 << 20})
	_, err := m.Start(context.Background(), StartRequest{
		Language: "sh",
		Files:    map[string]string{"main.sh": "true"},
	})
	if !errors.Is(err, ErrResourceExhausted) {
		t.Fatalf("expected ErrResourceExhausted, got %v", err)
	}
}

func TestFeedDeliversInput(t *testing.T) {
	t.Parallel()
	m, sink := newTestManager(t, Limits{})

	id := startScript(t, m, "read a\nread b\necho \"$a-$b\"\n", nil)
	if err := m.Feed(id, "one"); err != nil {
		t.Fatalf("Feed returned error: %v", err)
	}
	if err := m.FeedSession("room-1", "two"); err != nil {
		t.Fatalf("FeedSession returned error: %v", err)
	}
	waitExecution(t, m, id)

	if got, want := joinOutput(sink.snapshot(), EventStdout), "one-two\n"; got != want {
		t.Fatalf("unexpected stdout: got %q want %q", got, want)
	}
}

func TestInitialInputGetsTrailingNewline(t *testing.T) {
	t.Parallel()
	m, sink := newTestManager(t, Limits{})

	id := startScript(t, m, "read name\necho \"hi $name\"\n", func(req *StartRequest) {
		req.InitialInput = "ada"
	})
	waitExecution(t, m, id)
	if got, want := joinOutput(sink.snapshot(), EventStdout), "hi ada\n"; got != want {
		t.Fatalf("unexpected stdout: got %q want %q", got, want)
	}
}

func TestFeedAfterExitIsRejected(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t, Limits{})

	id := startScript(t, m, "true\n", nil)
	waitExecution(t, m, id)
	if err := m.Feed(id, "late"); !errors.Is(err, ErrProcessNotAcceptingInput) {
		t.Fatalf("expected ErrProcessNotAcceptingInput, got %v", err)
	}
	if err := m.Feed("exec_missing", "x"); !errors.Is(err, ErrUnknownExecution) {
		t.Fatalf("expected ErrUnknownExecution, got %v", err)
	}
}

func TestBatchModeClosesStdinAfterExpectedInputs(t *testing.T) {
	t.Parallel()
	m, sink := newTestManager(t, Limits{})

	id := startScript(t, m, "cat\necho done\n", func(req *StartRequest) {
		req.ExpectedInputs = 2
		req.InputWait = 5 * time.Second
	})
	ex, err := m.Get(id)
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if got, want := ex.Status, StatusAwaitingInput; got != want {
		t.Fatalf("unexpected status: got %q want %q", got, want)
	}

	for _, line := range []string{"a", "b"} {
		if err := m.Feed(id, line); err != nil {
			t.Fatalf("Feed(%q) returned error: %v", line, err)
		}
	}
	ex = waitExecution(t, m, id)
	if got, want := ex.Status, StatusCompleted; got != want {
		t.Fatalf("unexpected status: got %q want %q", got, want)
	}
	if got, want := joinOutput(sink.snapshot(), EventStdout), "a\nb\ndone\n"; got != want {
		t.Fatalf("unexpected stdout: got %q want %q", got, want)
	}
}

func TestBatchModeReleasesAfterInputWait(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t, Limits{})

	id := startScript(t, m, "cat\n", func(req *StartRequest) {
		req.ExpectedInputs = 3
		req.InputWait = 50 * time.Millisecond
	})
	ex := waitExecution(t, m, id)
	if got, want := ex.Status, StatusCompleted; got != want {
		t.Fatalf("unexpected status: got %q want %q", got, want)
	}
}

func TestLargeFeedToIdleReaderKeepsManagerResponsive(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t, Limits{})

	id := startScript(t, m, "sleep 4\n", func(req *StartRequest) {
		req.ExpectedInputs = 2
		req.InputWait = 200 * time.Millisecond
	})
	fed := make(chan error, 1)
	go func() {
		fed <- m.Feed(id, strings.Repeat("x", 1<<20))
	}()
	select {
	case err := <-fed:
		if err != nil {
			t.Fatalf("Feed returned error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Feed blocked on a process that does not read stdin")
	}
	time.Sleep(400 * time.Millisecond)

	started := time.Now()
	ex, err := m.Get(id)
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if got, want := ex.Status, StatusRunning; got != want {
		t.Fatalf("unexpected status after input wait: got %q want %q", got, want)
	}
	other := startScript(t, m, "echo ok\n", nil)
	if elapsed := time.Since(started); elapsed > time.Second {
		t.Fatalf("manager stalled for %s", elapsed)
	}
	if got := waitExecution(t, m, other); got.Status != StatusCompleted {
		t.Fatalf("unexpected status for unrelated execution: %q", got.Status)
	}
	if err := m.Stop(id); err != nil {
		t.Fatalf("Stop returned error: %v", err)
	}
	waitExecution(t, m, id)
}

func TestStopKillsExecution(t *testing.T) {
	t.Parallel()
	m, sink := newTestManager(t, Limits{})

	id := startScript(t, m, "echo started\nsleep 30\n", nil)
	waitForOutput(t, sink, "started")

	if err := m.Stop(id); err != nil {
		t.Fatalf("Stop returned error: %v", err)
	}
	ex := waitExecution(t, m, id)
	if got, want := ex.Status, StatusKilled; got != want {
		t.Fatalf("unexpected status: got %q want %q", got, want)
	}
	if got, want := ex.Message, StoppedByUser; got != want {
		t.Fatalf("unexpected message: got %q want %q", got, want)
	}
	if err := m.Stop(id); err != nil {
		t.Fatalf("second Stop returned error: %v", err)
	}
	if err := m.Stop("exec_missing"); !errors.Is(err, ErrUnknownExecution) {
		t.Fatalf("expected ErrUnknownExecution, got %v", err)
	}
}

func TestTimeoutEndsWithTimeoutReason(t *testing.T) {
	t.Parallel()
	m, sink := newTestManager(t, Limits{})

	id := startScript(t, m, "sleep 30\n", func(req *StartRequest) {
		req.Timeout = 100 * time.Millisecond
	})
	ex := waitExecution(t, m, id)
	if got, want := ex.Status, StatusTimedOut; got != want {
		t.Fatalf("unexpected status: got %q want %q", got, want)
	}
	if got, want := ex.ExitCode, timeoutExitCode; got != want {
		t.Fatalf("unexpected exit code: got %d want %d", got, want)
	}
	if !errors.Is(ex.Err(), ErrProcessTimeout) {
		t.Fatalf("expected ErrProcessTimeout, got %v", ex.Err())
	}
	events := sink.snapshot()
	if last := events[len(events)-1]; last.Kind != EventEnd || last.Reason != ReasonTimeout {
		t.Fatalf("unexpected final event: %+v", last)
	}
}

func TestOutputCapTruncatesOnce(t *testing.T) {
	t.Parallel()
	m, sink := newTestManager(t, Limits{MaxOutputBytes: 64})

	id := startScript(t, m, "i=0\nwhile [ $i -lt 200 ]; do echo 0123456789; i=$((i+1)); done\n", nil)
	ex := waitExecution(t, m, id)
	if !ex.Truncated {
		t.Fatal("expected execution to be marked truncated")
	}
	if got, want := ex.OutputBytes, 64; got != want {
		t.Fatalf("unexpected output bytes: got %d want %d", got, want)
	}

	events := sink.snapshot()
	if got := len(joinOutput(events, EventStdout)); got != 64 {
		t.Fatalf("expected 64 bytes of stdout, got %d", got)
	}
	if got := strings.Count(joinOutput(events, EventStderr), "[output truncated]"); got != 1 {
		t.Fatalf("expected one truncation notice, got %d", got)
	}
	if last := events[len(events)-1]; last.Kind != EventEnd || last.ExitCode != 0 {
		t.Fatalf("expected the process to run to completion, got %+v", last)
	}
}

func TestOutputCapKeepsRunesWhole(t *testing.T) {
	t.Parallel()
	m, sink := newTestManager(t, Limits{MaxOutputBytes: 4})

	// "aé€" is 1+2+3 bytes; a 4 byte cap falls inside the euro sign.
	id := startScript(t, m, "printf 'a\\303\\251\\342\\202\\254'\n", nil)
	ex := waitExecution(t, m, id)
	if !ex.Truncated {
		t.Fatal("expected execution to be marked truncated")
	}
	if got, want := joinOutput(sink.snapshot(), EventStdout), "aé"; got != want {
		t.Fatalf("unexpected stdout: got %q want %q", got, want)
	}
	if got, want := ex.OutputBytes, 3; got != want {
		t.Fatalf("unexpected output bytes: got %d want %d", got, want)
	}
}

func TestTruncateAtRune(t *testing.T) {
	t.Parallel()
	for _, tc := range []struct {
		in   string
		n    int
		want string
	}{
		{in: "hello", n: 3, want: "hel"},
		{in: "hello", n: 9, want: "hello"},
		{in: "é", n: 1, want: ""},
		{in: "a€b", n: 3, want: "a"},
		{in: "a€b", n: 4, want: "a€"},
	} {
		if got := truncateAtRune(tc.in, tc.n); got != tc.want {
			t.Fatalf("truncateAtRune(%q, %d) = %q, want %q", tc.in, tc.n, got, tc.want)
		}
	}
}

func TestSubscribeReplaysHistory(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t, Limits{})

	id := startScript(t, m, "echo one\n", nil)
	waitExecution(t, m, id)

	history, updates, done, unsubscribe, err := m.Subscribe(id)
	if err != nil {
		t.Fatalf("Subscribe returned error: %v", err)
	}
	defer unsubscribe()

	select {
	case <-done:
	default:
		t.Fatal("expected done to be closed for a finished execution")
	}
	if _, ok := <-updates; ok {
		t.Fatal("expected updates to be closed for a finished execution")
	}
	if got, want := joinOutput(history, EventStdout), "one\n"; got != want {
		t.Fatalf("unexpected history stdout: got %q want %q", got, want)
	}
	if history[len(history)-1].Kind != EventEnd {
		t.Fatalf("expected history to end with the end event, got %+v", history[len(history)-1])
	}
}

func TestSubscribeStreamsLiveEvents(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t, Limits{})

	id := startScript(t, m, "read x\necho \"got $x\"\n", nil)
	_, updates, _, unsubscribe, err := m.Subscribe(id)
	if err != nil {
		t.Fatalf("Subscribe returned error: %v", err)
	}
	defer unsubscribe()

	if err := m.Feed(id, "ping"); err != nil {
		t.Fatalf("Feed returned error: %v", err)
	}

	var stdout strings.Builder
	timeout := time.After(5 * time.Second)
	for {
		select {
		case event, ok := <-updates:
			if !ok {
				t.Fatal("updates closed before end event")
			}
			if event.Kind == EventStdout {
				stdout.WriteString(event.Data)
			}
			if event.Kind == EventEnd {
				if got, want := stdout.String(), "got ping\n"; got != want {
					t.Fatalf("unexpected stdout: got %q want %q", got, want)
				}
				return
			}
		case <-timeout:
			t.Fatal("timed out waiting for end event")
		}
	}
}

func TestListFiltersBySession(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t, Limits{})

	a := startScript(t, m, "true\n", nil)
	b := startScript(t, m, "true\n", func(req *StartRequest) { req.SessionID = "room-2" })
	waitExecution(t, m, a)
	waitExecution(t, m, b)

	list := m.List("room-2")
	if len(list) != 1 || list[0].ID != b {
		t.Fatalf("unexpected session listing: %+v", list)
	}
	if got := len(m.List("")); got != 2 {
		t.Fatalf("expected 2 executions, got %d", got)
	}
	if _, ok := m.ActiveForSession("room-2"); ok {
		t.Fatal("expected no active execution for a finished session")
	}
}

func TestPruneDropsOldestFinished(t *testing.T) {
	prevMax := maxRetainedFinishedExecutions
	maxRetainedFinishedExecutions = 1
	t.Cleanup(func() { maxRetainedFinishedExecutions = prevMax })

	m, _ := newTestManager(t, Limits{})
	first := startScript(t, m, "true\n", nil)
	waitExecution(t, m, first)
	second := startScript(t, m, "true\n", nil)
	waitExecution(t, m, second)

	if _, err := m.Get(first); !errors.Is(err, ErrUnknownExecution) {
		t.Fatalf("expected oldest execution to be pruned, got %v", err)
	}
	if _, err := m.Get(second); err != nil {
		t.Fatalf("expected newest execution to be retained, got %v", err)
	}
}

func TestAppendRetainedOutputKeepsTail(t *testing.T) {
	t.Parallel()
	if got, want := appendRetainedOutput("abcdef", "gh", 4), "efgh"; got != want {
		t.Fatalf("unexpected output: got %q want %q", got, want)
	}
	if got, want := appendRetainedOutput("ab", "cdefgh", 4), "efgh"; got != want {
		t.Fatalf("unexpected output: got %q want %q", got, want)
	}
}

func waitForOutput(t *testing.T, sink *recordingSink, want string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if strings.Contains(joinOutput(sink.snapshot(), EventStdout), want) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for output %q", want)
}
