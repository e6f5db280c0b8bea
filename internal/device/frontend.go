package device

import (
	"context"
	"errors"
	"time"
)

// Frontend is a host system that exposes devices to users and receives
// their state changes.
//
// RegisterDevices is an upsert: it is called with every device confirmed
// by a reconcile pass, new or updated. NotifyStateChange is called from a
// device's own goroutine and must not block.
type Frontend interface {
	RegisterDevices(ctx context.Context, devices []Info) error
	UnregisterDevices(ctx context.Context, names []string) error
	NotifyStateChange(change StateChange)
}

// Frontends fans every call out to each member in order.
type Frontends []Frontend

// RegisterDevices registers with every front end and joins their errors.
func (fs Frontends) RegisterDevices(ctx context.Context, devices []Info) error {
	var errs []error
	for _, f := range fs {
		errs = append(errs, f.RegisterDevices(ctx, devices))
	}
	return errors.Join(errs...)
}

// UnregisterDevices unregisters from every front end and joins their errors.
func (fs Frontends) UnregisterDevices(ctx context.Context, names []string) error {
	var errs []error
	for _, f := range fs {
		errs = append(errs, f.UnregisterDevices(ctx, names))
	}
	return errors.Join(errs...)
}

// NotifyStateChange forwards change to every front end.
func (fs Frontends) NotifyStateChange(change StateChange) {
	for _, f := range fs {
		f.NotifyStateChange(change)
	}
}

// MetricsRecorder receives every state change for time-series storage.
type MetricsRecorder interface {
	RecordDeviceState(name, deviceType, source string, on bool, at time.Time)
}
