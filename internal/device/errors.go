package device

import (
	"errors"
	"fmt"
)

// Domain errors for the device package.
//
// These errors can be checked using errors.Is() for error handling:
//
//	if errors.Is(err, device.ErrCommandFailed) {
//	    // report the failure to the front end
//	}
var (
	// ErrDeviceNotFound is returned when a device name is not registered.
	ErrDeviceNotFound = errors.New("device: not found")

	// ErrDeviceRemoved is returned to callers whose operation was still
	// pending when the device was removed.
	ErrDeviceRemoved = errors.New("device: removed")

	// ErrNoCommandConfigured is returned when the command an operation needs is absent.
	ErrNoCommandConfigured = errors.New("device: no command configured")

	// ErrNoStateCommand is returned by state queries on a device without a state command.
	ErrNoStateCommand = fmt.Errorf("%w: no state command", ErrNoCommandConfigured)

	// ErrCommandFailed is returned when an on/off command failed and the
	// device was not already in the requested state.
	ErrCommandFailed = errors.New("device: command failed")

	// ErrConfiguration is the parent of all descriptor validation errors.
	ErrConfiguration = errors.New("device: configuration error")

	// ErrInvalidType is returned when a device type is not recognised.
	ErrInvalidType = fmt.Errorf("%w: unknown device type", ErrConfiguration)

	// ErrInvalidName is returned when a device name is empty or too long.
	ErrInvalidName = fmt.Errorf("%w: invalid name", ErrConfiguration)

	// ErrInvalidInterval is returned when a polling interval is negative.
	ErrInvalidInterval = fmt.Errorf("%w: invalid polling interval", ErrConfiguration)

	// ErrDuplicateName is returned when two descriptors share a name.
	ErrDuplicateName = fmt.Errorf("%w: duplicate name", ErrConfiguration)

	// ErrInvalidValue is returned when a front-end value cannot be mapped to on/off.
	ErrInvalidValue = errors.New("device: invalid value")
)
