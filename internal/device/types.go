package device

import (
	"time"

	"github.com/google/uuid"
)

// Type is the kind of accessory a device is exposed as.
type Type string

// Supported device types.
const (
	TypeSwitch         Type = "Switch"
	TypeLightbulb      Type = "Lightbulb"
	TypeOutlet         Type = "Outlet"
	TypeLock           Type = "Lock"
	TypeDoor           Type = "Door"
	TypeWindowCovering Type = "WindowCovering"
)

// AllTypes returns every supported device type.
func AllTypes() []Type {
	return []Type{
		TypeSwitch,
		TypeLightbulb,
		TypeOutlet,
		TypeLock,
		TypeDoor,
		TypeWindowCovering,
	}
}

// Property is a state-bearing property a front end exposes for a device.
type Property string

// State-bearing properties.
const (
	PropertyOn               Property = "On"
	PropertyLockCurrentState Property = "LockCurrentState"
	PropertyLockTargetState  Property = "LockTargetState"
	PropertyCurrentDoorState Property = "CurrentDoorState"
	PropertyTargetDoorState  Property = "TargetDoorState"
	PropertyCurrentPosition  Property = "CurrentPosition"
	PropertyTargetPosition   Property = "TargetPosition"
)

// State change sources, recorded in history and carried on notifications.
const (
	SourcePoll    = "poll"
	SourceCommand = "command"
	SourceQuery   = "query"
	SourceRevert  = "revert"
)

// Default accessory information.
const (
	DefaultManufacturer = "Default-Manufacturer"
	DefaultModel        = "Default-Model"
	DefaultSerial       = "Default-SerialNumber"
)

// DefaultInterval is the polling interval used when none is configured.
const DefaultInterval = time.Second

// Descriptor is the configuration of one device.
//
// Command strings are run verbatim through the shell. An empty command
// disables that capability.
type Descriptor struct {
	Name         string        `json:"name"`
	Type         Type          `json:"type"`
	OnCommand    string        `json:"on_cmd,omitempty"`
	OffCommand   string        `json:"off_cmd,omitempty"`
	StateCommand string        `json:"state_cmd,omitempty"`
	Polling      bool          `json:"polling"`
	Interval     time.Duration `json:"interval"`
	Manufacturer string        `json:"manufacturer,omitempty"`
	Model        string        `json:"model,omitempty"`
	Serial       string        `json:"serial,omitempty"`
}

// PollingEnabled reports whether the device is polled.
// Polling needs a state command to have anything to run.
func (d Descriptor) PollingEnabled() bool {
	return d.Polling && d.StateCommand != ""
}

// Momentary reports whether a set to on should revert after a short delay.
// That is the case when the device can be driven one way only and cannot
// report its real state.
func (d Descriptor) Momentary(on bool) bool {
	counter := d.OffCommand
	if !on {
		counter = d.OnCommand
	}
	return counter == "" && d.StateCommand == ""
}

// initialState is the assumed state of a newly created device:
// a device that can only be switched off is assumed to be on.
func (d Descriptor) initialState() bool {
	return d.OffCommand != "" && d.OnCommand == ""
}

// Info is a point-in-time view of a registered device.
type Info struct {
	Name         string           `json:"name"`
	UUID         string           `json:"uuid"`
	Type         Type             `json:"type"`
	Properties   []Property       `json:"properties"`
	Manufacturer string           `json:"manufacturer"`
	Model        string           `json:"model"`
	Serial       string           `json:"serial"`
	CanTurnOn    bool             `json:"can_turn_on"`
	CanTurnOff   bool             `json:"can_turn_off"`
	CanQuery     bool             `json:"can_query"`
	Polling      bool             `json:"polling"`
	Interval     float64          `json:"interval_seconds"`
	Reachable    bool             `json:"reachable"`
	On           bool             `json:"on"`
	State        map[Property]any `json:"state"`
	LastChanged  time.Time        `json:"last_changed,omitzero"`
}

// StateChange is emitted whenever a device's cached state is pushed to front ends.
//
// Values holds exactly one entry per state-bearing property being
// notified: every property of the type for ordinary changes, only On
// for a momentary reversion.
type StateChange struct {
	Device    string           `json:"device"`
	Type      Type             `json:"type"`
	On        bool             `json:"on"`
	Values    map[Property]any `json:"values"`
	Source    string           `json:"source"`
	Timestamp time.Time        `json:"timestamp"`
}

// State is a free-form state snapshot as stored in history.
type State map[string]any

// namespaceDevice seeds name-derived device UUIDs.
var namespaceDevice = uuid.MustParse("5d7b2f6e-3c1a-4e4b-9a57-0c6f1f0b8c21")

// UUIDForName returns the stable identifier for a device name.
// Renaming a device therefore gives it a new identity.
func UUIDForName(name string) uuid.UUID {
	return uuid.NewSHA1(namespaceDevice, []byte(name))
}
