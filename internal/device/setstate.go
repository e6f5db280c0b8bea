package device

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nerrad567/gray-logic-cmdbridge/internal/process"
)

// SetState drives the device on or off and returns once the outcome is known.
//
// The on or off command is raced against the set timeout:
//   - if the command finishes first and failed while the device was not
//     already in the requested state, the set fails and the cache is untouched;
//   - if it finishes first otherwise, the cache takes the requested state;
//   - if the timeout fires first, the set succeeds at once and the cache is
//     left for the command's eventual completion to update.
//
// A device with no counter command and no state command is momentary: a
// short while after the set began its visible state flips back.
func (r *Registry) SetState(ctx context.Context, name string, on bool) error {
	a, err := r.lookup(name)
	if err != nil {
		return err
	}

	resolved := make(chan error, 1)
	if !a.post(func() { a.beginSet(on, resolved) }) {
		return ErrDeviceRemoved
	}

	select {
	case err := <-resolved:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-a.done:
		select {
		case err := <-resolved:
			return err
		default:
			return ErrDeviceRemoved
		}
	}
}

// beginSet launches the command for a set. Must run on the device goroutine.
func (a *accessory) beginSet(on bool, resolved chan<- error) {
	a.seq++
	seq := a.seq

	cmd := a.desc.OffCommand
	if on {
		cmd = a.desc.OnCommand
	}

	execCtx, cancel := context.WithCancel(a.reg.ctx)
	done := a.reg.runner.Run(execCtx, cmd)
	go a.raceSet(a.desc.Name, seq, on, done, cancel, resolved)

	if a.desc.Momentary(on) {
		a.armRevert(!on)
	}
}

// raceSet resolves a set from the first of command completion and timeout.
// resolved receives exactly one value on every path.
func (a *accessory) raceSet(name string, seq uint64, on bool, done <-chan process.Result, cancel context.CancelFunc, resolved chan<- error) {
	defer cancel()

	timer := time.NewTimer(a.reg.opts.SetTimeout)
	defer timer.Stop()

	select {
	case res := <-done:
		if !a.post(func() { resolved <- a.completeSet(seq, on, res) }) {
			resolved <- ErrDeviceRemoved
		}

	case <-timer.C:
		a.reg.logger.Warn("set command still running, assuming success",
			"device", name,
			"on", on,
			"timeout", a.reg.opts.SetTimeout,
		)
		resolved <- nil

		if a.reg.opts.KillOnTimeout {
			cancel()
		}

		// The late completion still updates the cache; its result has no one to go to.
		res := <-done
		a.post(func() { _ = a.completeSet(seq, on, res) })
	}
}

// completeSet applies a finished set command. Must run on the device goroutine.
func (a *accessory) completeSet(seq uint64, on bool, res process.Result) error {
	name := a.desc.Name

	if res.Stderr != "" {
		a.reg.logger.Debug("set command stderr", "device", name, "stderr", res.Stderr)
	}

	if !res.Succeeded() {
		if on != a.on {
			a.reg.logger.Warn("set command failed",
				"device", name,
				"on", on,
				"exit_code", res.ExitCode,
				"error", res.Err,
			)
			if errors.Is(res.Err, process.ErrNoCommand) {
				return fmt.Errorf("device %q: %w for %s", name, ErrNoCommandConfigured, onOff(on))
			}
			return fmt.Errorf("device %q: %w: %w", name, ErrCommandFailed, res.Err)
		}
		a.reg.logger.Debug("set command failed but device already in requested state",
			"device", name, "on", on)
		return nil
	}

	if seq != a.seq {
		a.reg.logger.Debug("set completion superseded", "device", name, "on", on)
		return nil
	}

	if a.applyState(on, SourceCommand) {
		a.reg.logger.Info("device state changed", "device", name, "on", on, "source", SourceCommand)
	}
	return nil
}

// armRevert schedules the momentary reversion, replacing any pending one.
func (a *accessory) armRevert(to bool) {
	a.stopRevert()

	var t *time.Timer
	t = time.AfterFunc(a.reg.opts.RevertDelay, func() {
		a.post(func() {
			// A replaced timer may already have fired and queued this op.
			if a.revertTimer == t {
				a.revert(to)
			}
		})
	})
	a.revertTimer = t
}

func (a *accessory) stopRevert() {
	if a.revertTimer != nil {
		a.revertTimer.Stop()
		a.revertTimer = nil
	}
}

// revert flips the visible state back without running any command and
// pushes a single On notification. It counts as a newer state assignment,
// so a slow set completion cannot undo it.
func (a *accessory) revert(to bool) {
	a.revertTimer = nil
	a.seq++
	a.on = to
	a.lastChanged = time.Now()

	a.reg.logger.Debug("momentary device reverted", "device", a.desc.Name, "on", to)
	a.reg.publish(StateChange{
		Device:    a.desc.Name,
		Type:      a.desc.Type,
		On:        to,
		Values:    map[Property]any{PropertyOn: to},
		Source:    SourceRevert,
		Timestamp: a.lastChanged,
	})
}

func onOff(on bool) string {
	if on {
		return "on"
	}
	return "off"
}
