package device

import (
	"context"
	"errors"
	"fmt"

	"github.com/nerrad567/gray-logic-cmdbridge/internal/process"
)

// classifyState maps a state command result to on/off.
//
// Exit status 0 means on and any non-zero status means off; stderr never
// changes the outcome. A command that could not be started or was killed
// yields an error instead.
func classifyState(res process.Result) (bool, error) {
	switch {
	case res.Succeeded():
		return true, nil
	case errors.Is(res.Err, process.ErrNonZeroExit):
		return false, nil
	case errors.Is(res.Err, process.ErrNoCommand):
		return false, ErrNoStateCommand
	default:
		return false, res.Err
	}
}

// fetchState runs the state command off the device goroutine and posts
// the classified result back to apply, together with the sequence number
// current when the command was launched. Must run on the device goroutine.
func (a *accessory) fetchState(apply func(on bool, err error, seq uint64)) {
	seq := a.seq
	name := a.desc.Name
	done := a.reg.runner.Run(a.reg.ctx, a.desc.StateCommand)
	logger := a.reg.logger

	go func() {
		res := <-done
		if res.Stderr != "" {
			logger.Debug("state command stderr", "device", name, "stderr", res.Stderr)
		}
		on, err := classifyState(res)
		a.post(func() { apply(on, err, seq) })
	}()
}

// QueryState runs the device's state command and reports the result
// without touching the cached state.
//
// Exit status 0 reports on and any other exit status reports off. A state
// command that cannot be started or is killed (by ctx, the runtime cap or
// shutdown) returns that error instead of off, so callers can tell "off"
// from "unknown". Returns ErrNoStateCommand when the device has no state
// command.
func (r *Registry) QueryState(ctx context.Context, name string) (bool, error) {
	a, err := r.lookup(name)
	if err != nil {
		return false, err
	}

	var cmd string
	if err := a.call(ctx, func() { cmd = a.desc.StateCommand }); err != nil {
		return false, err
	}
	if cmd == "" {
		return false, fmt.Errorf("device %q: %w", name, ErrNoStateCommand)
	}

	select {
	case res := <-r.runner.Run(ctx, cmd):
		if res.Stderr != "" {
			r.logger.Debug("state command stderr", "device", name, "stderr", res.Stderr)
		}
		return classifyState(res)
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// ReadState answers a front end's request for the current state.
//
// Polled devices and devices without a state command answer from the
// cache. Others run the state command, update the cache with the result
// and return it. Concurrent reads of the same device share one command.
// As with QueryState, a state command that could not run returns its
// error along with the cached value.
func (r *Registry) ReadState(ctx context.Context, name string) (bool, error) {
	return r.readState(ctx, name, false)
}

// RefreshState runs the state command now, even for a polled device, and
// applies the result to the cache. A device without a state command
// answers from the cache. Errors are as for ReadState.
func (r *Registry) RefreshState(ctx context.Context, name string) (bool, error) {
	return r.readState(ctx, name, true)
}

func (r *Registry) readState(ctx context.Context, name string, force bool) (bool, error) {
	a, err := r.lookup(name)
	if err != nil {
		return false, err
	}

	var (
		cached bool
		live   bool
	)
	if err := a.call(ctx, func() {
		cached = a.on
		live = a.desc.StateCommand != "" && (force || !a.desc.PollingEnabled())
	}); err != nil {
		return false, err
	}
	if !live {
		return cached, nil
	}

	ch := r.reads.DoChan(name, func() (any, error) {
		return r.refresh(a)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return cached, res.Err
		}
		return res.Val.(bool), nil
	case <-ctx.Done():
		return cached, ctx.Err()
	}
}

// refresh runs the state command and applies the result to the cache.
func (r *Registry) refresh(a *accessory) (bool, error) {
	type outcome struct {
		on  bool
		err error
	}
	result := make(chan outcome, 1)

	if !a.post(func() {
		a.fetchState(func(on bool, err error, seq uint64) {
			if err == nil && seq == a.seq {
				a.applyState(on, SourceQuery)
			}
			result <- outcome{on: on, err: err}
		})
	}) {
		return false, ErrDeviceRemoved
	}

	select {
	case out := <-result:
		return out.on, out.err
	case <-a.done:
		return false, ErrDeviceRemoved
	}
}
