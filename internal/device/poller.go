package device

import "time"

// startPolling (re)starts the polling loop with an immediate first tick.
// Must run on the device goroutine.
func (a *accessory) startPolling() {
	a.stopPolling()
	if !a.desc.PollingEnabled() {
		return
	}
	a.pollTick(a.pollGen)
}

// stopPolling cancels the armed timer and retires the current loop so an
// in-flight tick cannot re-arm.
func (a *accessory) stopPolling() {
	a.pollGen++
	if a.pollTimer != nil {
		a.pollTimer.Stop()
		a.pollTimer = nil
	}
}

// armPoll schedules the next tick of loop gen, cancelling any armed timer
// first so at most one is ever pending.
func (a *accessory) armPoll(gen uint64) {
	if a.pollTimer != nil {
		a.pollTimer.Stop()
	}

	var t *time.Timer
	t = time.AfterFunc(a.desc.Interval, func() {
		a.post(func() {
			if a.pollTimer == t {
				a.pollTick(gen)
			}
		})
	})
	a.pollTimer = t
}

func (a *accessory) pollTick(gen uint64) {
	if gen != a.pollGen {
		return
	}
	a.pollTimer = nil

	a.fetchState(func(on bool, err error, seq uint64) {
		if gen != a.pollGen {
			return
		}

		switch {
		case err != nil:
			a.reg.logger.Warn("state poll failed", "device", a.desc.Name, "error", err)
		case seq != a.seq:
			a.reg.logger.Debug("discarding poll result superseded by a set", "device", a.desc.Name)
		default:
			if a.applyState(on, SourcePoll) {
				a.reg.logger.Info("device state changed", "device", a.desc.Name, "on", on, "source", SourcePoll)
			}
		}

		a.armPoll(gen)
	})
}
