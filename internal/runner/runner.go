package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/shirou/gopsutil/process"
)

var (
	ErrSpawnFailed   = errors.New("spawn failed")
	ErrInvalidSource = errors.New("invalid source files")
	ErrStdinBacklog  = errors.New("stdin backlog full")
)

const (
	memoryPollInterval = 100 * time.Millisecond
	stdinQueueDepth    = 64
)

// Spec is one execution request handed to the runner.
type Spec struct {
	Language Language
	// Files maps relative paths to file contents.
	Files    map[string]string
	MainFile string
	// Timeout overrides the language timeout when positive.
	Timeout          time.Duration
	MemoryLimitBytes int64
}

// Runner spawns one supervised process per Spec inside a throwaway work
// directory.
type Runner struct {
	WorkBaseDir    string
	SandboxWrapper []string
	Logger         *log.Logger
}

// Result describes how a process ended.
type Result struct {
	ExitCode       int
	Signal         int
	TimedOut       bool
	Killed         bool
	MemoryExceeded bool
	Duration       time.Duration
	Err            error
}

// Process is a running child. Stdout and Stderr must be read to EOF before
// Close is called.
type Process struct {
	Stdout io.Reader
	Stderr io.Reader

	cmd      *exec.Cmd
	stdin    io.WriteCloser
	stdoutR  *os.File
	stderrR  *os.File
	workDir  string
	started  time.Time
	timeout  time.Duration
	timer    *time.Timer
	logger   *log.Logger
	timedOut atomic.Bool
	killed   atomic.Bool
	oom      atomic.Bool
	done     chan struct{}
	result   Result

	// stdinMu guards stdinClosed and sends on stdinQueue. It is never held
	// across a pipe write.
	stdinMu     sync.Mutex
	stdinClosed bool
	stdinQueue  chan []byte
}

// Start writes the source tree and spawns the process. It returns once the
// process is running; the timeout clock starts at spawn.
func (r *Runner) Start(ctx context.Context, spec Spec) (*Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(spec.Language.Run) == 0 {
		return nil, fmt.Errorf("%w %q", ErrUnsupportedLanguage, spec.Language.Name)
	}
	mainFile := strings.TrimSpace(spec.MainFile)
	if mainFile == "" {
		mainFile = spec.Language.MainFile
	}
	if _, ok := spec.Files[mainFile]; !ok {
		return nil, fmt.Errorf("%w: main file %q not provided", ErrInvalidSource, mainFile)
	}

	workDir, err := r.prepareWorkDir(spec.Files)
	if err != nil {
		return nil, err
	}

	argv := append(append([]string(nil), r.SandboxWrapper...), spec.Language.Command(mainFile)...)
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = workDir
	cmd.Env = commandEnv(workDir)
	cmd.SysProcAttr = sysProcAttr()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		_ = os.RemoveAll(workDir)
		return nil, fmt.Errorf("%w: stdin pipe: %v", ErrSpawnFailed, err)
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		_ = os.RemoveAll(workDir)
		return nil, fmt.Errorf("%w: stdout pipe: %v", ErrSpawnFailed, err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		_ = stdoutR.Close()
		_ = stdoutW.Close()
		_ = os.RemoveAll(workDir)
		return nil, fmt.Errorf("%w: stderr pipe: %v", ErrSpawnFailed, err)
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		for _, f := range []*os.File{stdoutR, stdoutW, stderrR, stderrW} {
			_ = f.Close()
		}
		_ = os.RemoveAll(workDir)
		return nil, fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}
	// The child holds its own copies of the write ends.
	_ = stdoutW.Close()
	_ = stderrW.Close()

	timeout := spec.Language.Timeout
	if spec.Timeout > 0 {
		timeout = spec.Timeout
	}
	p := &Process{
		Stdout:     stdoutR,
		Stderr:     stderrR,
		cmd:        cmd,
		stdin:      stdin,
		stdoutR:    stdoutR,
		stderrR:    stderrR,
		workDir:    workDir,
		started:    time.Now(),
		timeout:    timeout,
		logger:     r.Logger,
		done:       make(chan struct{}),
		stdinQueue: make(chan []byte, stdinQueueDepth),
	}
	go p.writeStdin()
	if timeout > 0 {
		p.timer = time.AfterFunc(timeout, func() {
			p.timedOut.Store(true)
			p.killGroup()
		})
	}
	if spec.MemoryLimitBytes > 0 {
		if err := applyMemoryLimit(cmd.Process.Pid, spec.MemoryLimitBytes); err != nil && r.Logger != nil {
			r.Logger.Debug("address space limit not applied", "pid", cmd.Process.Pid, "error", err)
		}
		go p.watchMemory(uint64(spec.MemoryLimitBytes))
	}
	go p.wait()

	if r.Logger != nil {
		r.Logger.Debug("process spawned",
			"pid", cmd.Process.Pid,
			"language", spec.Language.Name,
			"argv0", argv[0],
			"timeout", timeout,
		)
	}
	return p, nil
}

func (r *Runner) prepareWorkDir(files map[string]string) (string, error) {
	base := r.WorkBaseDir
	if strings.TrimSpace(base) == "" {
		base = os.TempDir()
	}
	if err := os.MkdirAll(base, 0o700); err != nil {
		return "", fmt.Errorf("%w: create work base: %v", ErrSpawnFailed, err)
	}
	workDir, err := os.MkdirTemp(base, "exec-")
	if err != nil {
		return "", fmt.Errorf("%w: create work dir: %v", ErrSpawnFailed, err)
	}

	for name, content := range files {
		clean := filepath.Clean(filepath.FromSlash(name))
		if !filepath.IsLocal(clean) {
			_ = os.RemoveAll(workDir)
			return "", fmt.Errorf("%w: path %q escapes the work directory", ErrInvalidSource, name)
		}
		target := filepath.Join(workDir, clean)
		if err := os.MkdirAll(filepath.Dir(target), 0o700); err != nil {
			_ = os.RemoveAll(workDir)
			return "", fmt.Errorf("%w: create %s: %v", ErrSpawnFailed, filepath.Dir(clean), err)
		}
		if err := os.WriteFile(target, []byte(content), 0o600); err != nil {
			_ = os.RemoveAll(workDir)
			return "", fmt.Errorf("%w: write %s: %v", ErrSpawnFailed, clean, err)
		}
	}
	return workDir, nil
}

func commandEnv(workDir string) []string {
	env := []string{
		"HOME=" + workDir,
		"TMPDIR=" + workDir,
		"LANG=C.UTF-8",
		"PYTHONUNBUFFERED=1",
		"PYTHONDONTWRITEBYTECODE=1",
	}
	for _, key := range []string{"PATH", "GOROOT", "GOPATH", "GOCACHE", "GOMODCACHE", "JAVA_HOME"} {
		if value, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+value)
		}
	}
	if _, ok := os.LookupEnv("GOCACHE"); !ok {
		env = append(env, "GOCACHE="+filepath.Join(workDir, ".gocache"))
	}
	return env
}

func (p *Process) wait() {
	err := p.cmd.Wait()
	if p.timer != nil {
		p.timer.Stop()
	}
	// Reap anything the program left running in its group so the pipes
	// reach EOF.
	killGroup(p.cmd.Process.Pid)

	res := Result{
		TimedOut:       p.timedOut.Load(),
		Killed:         p.killed.Load(),
		MemoryExceeded: p.oom.Load(),
		Duration:       time.Since(p.started),
	}
	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
		if sig := exitSignal(exitErr.ProcessState); sig > 0 {
			res.Signal = sig
			res.ExitCode = 128 + sig
		}
	default:
		res.ExitCode = 1
		res.Err = err
	}
	p.result = res
	close(p.done)
}

func (p *Process) watchMemory(limit uint64) {
	proc, err := process.NewProcess(int32(p.cmd.Process.Pid))
	if err != nil {
		return
	}
	ticker := time.NewTicker(memoryPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			rss, err := treeRSS(proc)
			if err != nil {
				continue
			}
			if rss > limit {
				p.oom.Store(true)
				p.killGroup()
				if p.logger != nil {
					p.logger.Warn("process exceeded memory limit", "pid", p.cmd.Process.Pid, "rss", rss, "limit", limit)
				}
				return
			}
		}
	}
}

// treeRSS sums resident memory over proc and its descendants, so programs
// started through go run or a sandbox wrapper are measured too.
func treeRSS(proc *process.Process) (uint64, error) {
	info, err := proc.MemoryInfo()
	if err != nil {
		return 0, err
	}
	total := info.RSS
	children, err := proc.Children()
	if err != nil {
		return total, nil
	}
	for _, child := range children {
		if rss, err := treeRSS(child); err == nil {
			total += rss
		}
	}
	return total, nil
}

func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// WriteStdin queues data for the process's stdin. It never blocks: a
// process that is not draining its input fails with ErrStdinBacklog once the
// queue is full.
func (p *Process) WriteStdin(data []byte) error {
	p.stdinMu.Lock()
	defer p.stdinMu.Unlock()
	if p.stdinClosed {
		return os.ErrClosed
	}
	select {
	case p.stdinQueue <- append([]byte(nil), data...):
		return nil
	default:
		return ErrStdinBacklog
	}
}

// CloseStdin signals EOF to the process once queued input has been written.
func (p *Process) CloseStdin() error {
	p.stdinMu.Lock()
	defer p.stdinMu.Unlock()
	if !p.stdinClosed {
		p.stdinClosed = true
		close(p.stdinQueue)
	}
	return nil
}

func (p *Process) writeStdin() {
	var failed bool
	for data := range p.stdinQueue {
		if failed {
			continue
		}
		if _, err := p.stdin.Write(data); err != nil {
			failed = true
			if p.logger != nil {
				p.logger.Debug("stdin write failed", "pid", p.cmd.Process.Pid, "error", err)
			}
		}
	}
	_ = p.stdin.Close()
}

// Kill terminates the whole process group. It is safe to call more than once
// and after exit.
func (p *Process) Kill() {
	select {
	case <-p.done:
		return
	default:
	}
	p.killed.Store(true)
	p.killGroup()
}

func (p *Process) killGroup() {
	killGroup(p.cmd.Process.Pid)
}

// Done is closed once the process has exited and been reaped.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the process exits and returns how it ended.
func (p *Process) Wait() Result {
	<-p.done
	return p.result
}

// Close releases the pipes and removes the work directory. A stdin write
// still blocked on a full pipe is abandoned.
func (p *Process) Close() error {
	_ = p.CloseStdin()
	_ = p.stdin.Close()
	_ = p.stdoutR.Close()
	_ = p.stderrR.Close()
	return os.RemoveAll(p.workDir)
}
