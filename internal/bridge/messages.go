package bridge

import (
	"errors"
	"time"

	"github.com/nerrad567/gray-logic-cmdbridge/internal/device"
)

// Command names accepted on cmdbridge/command/{name}.
const (
	CommandOn  = "on"
	CommandOff = "off"
	CommandSet = "set"
)

// Request actions accepted on cmdbridge/request/{name}.
const (
	ActionReadState = "read_state"
	ActionQuery     = "query"
	ActionGet       = "get"
)

// CommandMessage asks for a device to be turned on or off.
// Topic: cmdbridge/command/{name}
//
// "set" carries a property value in the device type's own vocabulary,
// e.g. {"command":"set","property":"LockTargetState","value":"unsecured"}.
type CommandMessage struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp,omitzero"`
	Command   string    `json:"command"`
	Property  string    `json:"property,omitempty"`
	Value     any       `json:"value,omitempty"`
	Source    string    `json:"source,omitempty"`
}

// AckStatus is the outcome of a command.
type AckStatus string

const (
	AckAccepted AckStatus = "accepted"
	AckFailed   AckStatus = "failed"
)

// AckMessage answers a command.
// Topic: cmdbridge/ack/{name}
type AckMessage struct {
	CommandID string    `json:"command_id"`
	Timestamp time.Time `json:"timestamp"`
	Device    string    `json:"device"`
	Status    AckStatus `json:"status"`
	On        *bool     `json:"on,omitempty"`
	Error     *AckError `json:"error,omitempty"`
}

// AckError describes why a command failed.
type AckError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes carried in acks and responses.
const (
	ErrCodeDeviceNotFound = "DEVICE_NOT_FOUND"
	ErrCodeInvalidCommand = "INVALID_COMMAND"
	ErrCodeInvalidValue   = "INVALID_VALUE"
	ErrCodeNotConfigured  = "NOT_CONFIGURED"
	ErrCodeCommandFailed  = "COMMAND_FAILED"
	ErrCodeTimeout        = "TIMEOUT"
	ErrCodeInternal       = "INTERNAL_ERROR"
)

// StateMessage is the retained state of a device.
// Topic: cmdbridge/state/{name}
type StateMessage struct {
	Device    string         `json:"device"`
	Type      device.Type    `json:"type"`
	On        bool           `json:"on"`
	State     map[string]any `json:"state"`
	Source    string         `json:"source,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// RequestMessage asks for a device's state or description.
// Topic: cmdbridge/request/{name}
type RequestMessage struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp,omitzero"`
	Action    string    `json:"action"`
}

// ResponseMessage answers a request.
// Topic: cmdbridge/response/{id}
type ResponseMessage struct {
	RequestID string         `json:"request_id"`
	Timestamp time.Time      `json:"timestamp"`
	Device    string         `json:"device"`
	Success   bool           `json:"success"`
	Data      map[string]any `json:"data,omitempty"`
	Error     *AckError      `json:"error,omitempty"`
}

func newStateMessage(change device.StateChange) StateMessage {
	return StateMessage{
		Device:    change.Device,
		Type:      change.Type,
		On:        change.On,
		State:     propertyMap(change.Values),
		Source:    change.Source,
		Timestamp: change.Timestamp.UTC(),
	}
}

func propertyMap(values map[device.Property]any) map[string]any {
	out := make(map[string]any, len(values))
	for p, v := range values {
		out[string(p)] = v
	}
	return out
}

func newAck(cmd CommandMessage, name string, err error) AckMessage {
	ack := AckMessage{
		CommandID: cmd.ID,
		Timestamp: time.Now().UTC(),
		Device:    name,
		Status:    AckAccepted,
	}
	if err != nil {
		ack.Status = AckFailed
		ack.Error = &AckError{Code: errorCode(err), Message: err.Error()}
	}
	return ack
}

// errorCode maps a device error to its wire code.
func errorCode(err error) string {
	switch {
	case errors.Is(err, device.ErrDeviceNotFound), errors.Is(err, device.ErrDeviceRemoved):
		return ErrCodeDeviceNotFound
	case errors.Is(err, device.ErrNoCommandConfigured):
		return ErrCodeNotConfigured
	case errors.Is(err, device.ErrCommandFailed):
		return ErrCodeCommandFailed
	case errors.Is(err, device.ErrInvalidValue):
		return ErrCodeInvalidValue
	case errors.Is(err, errInvalidCommand):
		return ErrCodeInvalidCommand
	case errors.Is(err, errTimeout):
		return ErrCodeTimeout
	default:
		return ErrCodeInternal
	}
}
