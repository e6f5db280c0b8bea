package process

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// outputBufferSize caps how much of a command's stdout/stderr is retained.
const outputBufferSize = 4096

// waitDelay bounds how long Wait blocks on output pipes held open by
// background grandchildren after the shell itself has exited.
const waitDelay = time.Second

var (
	// ErrNoCommand is returned when asked to run an empty command.
	ErrNoCommand = errors.New("process: no command configured")

	// ErrNonZeroExit indicates the command ran and exited with a non-zero status.
	ErrNonZeroExit = errors.New("process: non-zero exit status")

	// ErrKilled indicates the command's process group was killed because its
	// context was cancelled or the runtime cap elapsed.
	ErrKilled = errors.New("process: killed")
)

// Result describes one finished command execution.
type Result struct {
	Command  string
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
	Err      error
}

// Succeeded reports whether the command exited with status 0.
func (r Result) Succeeded() bool {
	return r.Err == nil
}

// Config holds configuration for a Runner.
type Config struct {
	// Shell runs each command as `<Shell> -c <command>`. Default: /bin/sh
	Shell string

	// Env are additional environment variables (key=value format).
	// If nil, inherits from parent process.
	Env []string

	// WorkDir is the working directory for commands.
	// If empty, inherits from parent process.
	WorkDir string

	// MaxRuntime caps a single command. 0 means no cap.
	MaxRuntime time.Duration

	// GracefulTimeout is how long to wait after SIGTERM before SIGKILL.
	GracefulTimeout time.Duration
}

// Logger defines the logging interface for the runner.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Runner executes shell commands asynchronously.
//
// Every command runs in its own process group so that cancelling its
// context takes down the shell and anything it spawned.
//
// Thread Safety:
//   - Run may be called concurrently from multiple goroutines.
type Runner struct {
	config Config
	logger Logger
	wg     sync.WaitGroup

	started   atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
	killed    atomic.Int64
	running   atomic.Int64
}

// NewRunner creates a Runner, applying defaults for zero values.
func NewRunner(cfg Config) *Runner {
	if cfg.Shell == "" {
		cfg.Shell = "/bin/sh"
	}
	if cfg.GracefulTimeout == 0 {
		cfg.GracefulTimeout = 2 * time.Second
	}

	return &Runner{
		config: cfg,
		logger: noopLogger{},
	}
}

// SetLogger sets the logger for the runner.
func (r *Runner) SetLogger(logger Logger) {
	r.logger = logger
}

// Run starts command and returns a channel that receives exactly one Result.
//
// Run never blocks. An empty command yields a failed Result wrapping
// ErrNoCommand without spawning anything. Cancelling ctx kills the
// command's process group; abandoning the channel does not.
func (r *Runner) Run(ctx context.Context, command string) <-chan Result {
	out := make(chan Result, 1)

	if strings.TrimSpace(command) == "" {
		out <- Result{Command: command, ExitCode: -1, Err: ErrNoCommand}
		return out
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		out <- r.execute(ctx, command)
	}()

	return out
}

// Wait blocks until every command started by Run has finished.
func (r *Runner) Wait() {
	r.wg.Wait()
}

func (r *Runner) execute(ctx context.Context, command string) Result {
	if r.config.MaxRuntime > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.config.MaxRuntime)
		defer cancel()
	}

	cmd := exec.Command(r.config.Shell, "-c", command) //nolint:gosec // commands come from the operator's own config file

	// New process group so a kill reaches every child of the shell.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.WaitDelay = waitDelay

	if r.config.Env != nil {
		cmd.Env = append(os.Environ(), r.config.Env...)
	}
	if r.config.WorkDir != "" {
		cmd.Dir = r.config.WorkDir
	}

	stdout := &cappedBuffer{limit: outputBufferSize}
	stderr := &cappedBuffer{limit: outputBufferSize}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	result := Result{Command: command, ExitCode: -1}
	start := time.Now()

	if err := cmd.Start(); err != nil {
		r.failed.Add(1)
		result.Err = fmt.Errorf("starting command: %w", err)
		return result
	}

	r.started.Add(1)
	r.running.Add(1)
	defer r.running.Add(-1)

	pid := cmd.Process.Pid
	r.logger.Debug("command started", "pid", pid)

	exitCh := make(chan error, 1)
	go func() {
		exitCh <- cmd.Wait()
	}()

	var waitErr error
	killed := false
	select {
	case waitErr = <-exitCh:
	case <-ctx.Done():
		killed = true
		waitErr = r.killGroup(pid, exitCh)
	}

	result.Duration = time.Since(start)
	result.Stdout = stdout.String()
	result.Stderr = stderr.String()
	if cmd.ProcessState != nil {
		result.ExitCode = cmd.ProcessState.ExitCode()
	}

	switch {
	case killed:
		r.killed.Add(1)
		result.Err = fmt.Errorf("%w: %w", ErrKilled, context.Cause(ctx))
	case waitErr != nil:
		r.failed.Add(1)
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			result.Err = fmt.Errorf("%w: %d", ErrNonZeroExit, exitErr.ExitCode())
		} else {
			result.Err = fmt.Errorf("waiting for command: %w", waitErr)
		}
	default:
		r.succeeded.Add(1)
	}

	if result.Stderr != "" {
		r.logger.Debug("command stderr", "pid", pid, "stderr", result.Stderr)
	}

	return result
}

// killGroup sends SIGTERM to the process group, escalating to SIGKILL after
// the graceful timeout. It returns the command's Wait error.
func (r *Runner) killGroup(pid int, exitCh <-chan error) error {
	r.logger.Info("killing command process group", "pid", pid)

	// Negative PID signals the whole group created via Setpgid.
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
		r.logger.Warn("failed to send SIGTERM to process group", "pid", pid, "error", err)
	}

	select {
	case err := <-exitCh:
		return err
	case <-time.After(r.config.GracefulTimeout):
		r.logger.Warn("graceful kill timeout, sending SIGKILL", "pid", pid, "timeout", r.config.GracefulTimeout)
	}

	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		r.logger.Error("failed to kill process group", "pid", pid, "error", err)
	}

	return <-exitCh
}

// Stats reports counters for commands run so far.
type Stats struct {
	Started   int64 `json:"started"`
	Succeeded int64 `json:"succeeded"`
	Failed    int64 `json:"failed"`
	Killed    int64 `json:"killed"`
	Running   int64 `json:"running"`
}

// Stats returns current statistics for the runner.
func (r *Runner) Stats() Stats {
	return Stats{
		Started:   r.started.Load(),
		Succeeded: r.succeeded.Load(),
		Failed:    r.failed.Load(),
		Killed:    r.killed.Load(),
		Running:   r.running.Load(),
	}
}

// cappedBuffer keeps the first limit bytes written and silently drops the rest.
type cappedBuffer struct {
	mu    sync.Mutex
	buf   []byte
	limit int
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if room := b.limit - len(b.buf); room > 0 {
		if len(p) > room {
			b.buf = append(b.buf, p[:room]...)
		} else {
			b.buf = append(b.buf, p...)
		}
	}
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
