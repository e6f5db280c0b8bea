package device

import (
	"context"
	"sync"
	"time"
)

// mailboxSize bounds the number of queued operations per device.
const mailboxSize = 64

// accessory is the runtime form of one device.
//
// A single goroutine owns every field below mailbox. All reads and writes
// happen inside operations posted to the mailbox, so a poll result, a set
// completion and a reversion can never interleave on the same device.
type accessory struct {
	reg *Registry

	mailbox  chan func()
	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	desc        Descriptor
	uuid        string
	on          bool
	reachable   bool
	lastChanged time.Time

	// seq increases on every set and reversion. Results of state commands
	// launched before the latest bump are stale and dropped.
	seq uint64

	// pollGen identifies the current polling loop. Stopping or restarting
	// polling bumps it so ticks from an older loop never re-arm.
	pollGen     uint64
	pollTimer   *time.Timer
	revertTimer *time.Timer
}

func newAccessory(reg *Registry, desc Descriptor, on bool) *accessory {
	a := &accessory{
		reg:     reg,
		mailbox: make(chan func(), mailboxSize),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
		desc:    desc,
		uuid:    UUIDForName(desc.Name).String(),
		on:      on,
	}
	go a.run()
	return a
}

func (a *accessory) run() {
	defer close(a.done)
	for {
		select {
		case op := <-a.mailbox:
			op()
		case <-a.quit:
			a.stopPolling()
			a.stopRevert()
			return
		}
	}
}

// post queues op on the device goroutine. It reports false once the
// device has been stopped.
func (a *accessory) post(op func()) bool {
	select {
	case <-a.quit:
		return false
	default:
	}
	select {
	case a.mailbox <- op:
		return true
	case <-a.quit:
		return false
	}
}

// call runs op on the device goroutine and waits for it to finish.
func (a *accessory) call(ctx context.Context, op func()) error {
	finished := make(chan struct{})
	if !a.post(func() {
		op()
		close(finished)
	}) {
		return ErrDeviceRemoved
	}

	select {
	case <-finished:
		return nil
	case <-a.done:
		select {
		case <-finished:
			return nil
		default:
			return ErrDeviceRemoved
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// stop terminates the device goroutine, cancelling its timers.
func (a *accessory) stop() {
	a.stopOnce.Do(func() { close(a.quit) })
	<-a.done
}

// info must run on the device goroutine.
func (a *accessory) info() Info {
	d := a.desc
	return Info{
		Name:         d.Name,
		UUID:         a.uuid,
		Type:         d.Type,
		Properties:   d.Type.Properties(),
		Manufacturer: d.Manufacturer,
		Model:        d.Model,
		Serial:       d.Serial,
		CanTurnOn:    d.OnCommand != "",
		CanTurnOff:   d.OffCommand != "",
		CanQuery:     d.StateCommand != "",
		Polling:      d.PollingEnabled(),
		Interval:     d.Interval.Seconds(),
		Reachable:    a.reachable,
		On:           a.on,
		State:        d.Type.Values(a.on),
		LastChanged:  a.lastChanged,
	}
}

// activate performs initial state acquisition: polling devices start
// their loop (whose first tick runs immediately); others with a state
// command are queried once.
func (a *accessory) activate() {
	if a.desc.PollingEnabled() {
		a.startPolling()
		return
	}

	a.stopPolling()
	if a.desc.StateCommand == "" {
		return
	}

	a.fetchState(func(on bool, err error, seq uint64) {
		if err != nil {
			a.reg.logger.Warn("initial state query failed", "device", a.desc.Name, "error", err)
			return
		}
		if seq != a.seq {
			return
		}
		a.applyState(on, SourceQuery)
	})
}

// applyState updates the cached state and notifies front ends when it changed.
// It reports whether the state changed.
func (a *accessory) applyState(on bool, source string) bool {
	if a.on == on {
		return false
	}
	a.on = on
	a.lastChanged = time.Now()
	a.reg.publish(StateChange{
		Device:    a.desc.Name,
		Type:      a.desc.Type,
		On:        on,
		Values:    a.desc.Type.Values(on),
		Source:    source,
		Timestamp: a.lastChanged,
	})
	return true
}
