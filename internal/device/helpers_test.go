package device

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nerrad567/gray-logic-cmdbridge/internal/process"
)

// Short timings keep the race and polling tests fast.
const (
	testSetTimeout  = 200 * time.Millisecond
	testRevertDelay = 100 * time.Millisecond
	testInterval    = 50 * time.Millisecond
	eventually      = 2 * time.Second
	tick            = 5 * time.Millisecond
)

// scripted describes how the fake runner answers one command.
type scripted struct {
	exit  int
	block chan struct{}
}

// fakeRunner answers commands from a script instead of spawning processes.
type fakeRunner struct {
	mu      sync.Mutex
	script  map[string]scripted
	calls   []string
	killed  []string
	running int
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{script: make(map[string]scripted)}
}

func (f *fakeRunner) setExit(cmd string, exit int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.script[cmd]
	s.exit = exit
	f.script[cmd] = s
}

// hold makes cmd block until the returned function is called.
func (f *fakeRunner) hold(cmd string) (release func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan struct{})
	s := f.script[cmd]
	s.block = ch
	f.script[cmd] = s
	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}

func (f *fakeRunner) callCount(cmd string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == cmd {
			n++
		}
	}
	return n
}

func (f *fakeRunner) killedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.killed)
}

func (f *fakeRunner) Run(ctx context.Context, cmd string) <-chan process.Result {
	out := make(chan process.Result, 1)
	if cmd == "" {
		out <- process.Result{ExitCode: -1, Err: process.ErrNoCommand}
		return out
	}

	f.mu.Lock()
	f.calls = append(f.calls, cmd)
	s := f.script[cmd]
	f.mu.Unlock()

	go func() {
		if s.block != nil {
			select {
			case <-s.block:
			case <-ctx.Done():
				f.mu.Lock()
				f.killed = append(f.killed, cmd)
				f.mu.Unlock()
				out <- process.Result{Command: cmd, ExitCode: -1, Err: fmt.Errorf("%w: %w", process.ErrKilled, ctx.Err())}
				return
			}
		}

		// Re-read so a test can change the exit code while the command is held.
		f.mu.Lock()
		exit := f.script[cmd].exit
		f.mu.Unlock()

		if exit == 0 {
			out <- process.Result{Command: cmd}
			return
		}
		out <- process.Result{Command: cmd, ExitCode: exit, Err: fmt.Errorf("%w: %d", process.ErrNonZeroExit, exit)}
	}()

	return out
}

// fakeFrontend records every call it receives.
type fakeFrontend struct {
	mu           sync.Mutex
	registered   map[string]Info
	unregistered []string
	changes      []StateChange
}

func newFakeFrontend() *fakeFrontend {
	return &fakeFrontend{registered: make(map[string]Info)}
}

func (f *fakeFrontend) RegisterDevices(_ context.Context, devices []Info) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, d := range devices {
		f.registered[d.Name] = d
	}
	return nil
}

func (f *fakeFrontend) UnregisterDevices(_ context.Context, names []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, n := range names {
		delete(f.registered, n)
		f.unregistered = append(f.unregistered, n)
	}
	return nil
}

func (f *fakeFrontend) NotifyStateChange(change StateChange) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.changes = append(f.changes, change)
}

func (f *fakeFrontend) changesFor(name string) []StateChange {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []StateChange
	for _, c := range f.changes {
		if c.Device == name {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeFrontend) isRegistered(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.registered[name]
	return ok
}

func (f *fakeFrontend) unregisteredNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.unregistered...)
}

// newTestRegistry builds a registry over a fake runner and front end.
func newTestRegistry(t *testing.T, opts Options) (*Registry, *fakeRunner, *fakeFrontend) {
	t.Helper()
	if opts.SetTimeout == 0 {
		opts.SetTimeout = testSetTimeout
	}
	if opts.RevertDelay == 0 {
		opts.RevertDelay = testRevertDelay
	}

	runner := newFakeRunner()
	front := newFakeFrontend()
	reg := NewRegistry(runner, opts)
	reg.AddFrontend(front)
	t.Cleanup(reg.Close)
	return reg, runner, front
}

func mustReconcile(t *testing.T, reg *Registry, descs ...Descriptor) {
	t.Helper()
	require.NoError(t, reg.Reconcile(context.Background(), descs))
}

func cachedState(t *testing.T, reg *Registry, name string) bool {
	t.Helper()
	info, err := reg.Get(context.Background(), name)
	require.NoError(t, err)
	return info.On
}
