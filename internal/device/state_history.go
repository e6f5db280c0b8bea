package device

import (
	"context"
	"time"
)

// StateHistoryEntry represents a single device state change record.
//
// Each entry stores a snapshot of the device state at the time the change
// was applied, giving a local audit trail even without a time-series
// database.
type StateHistoryEntry struct {
	// ID is the auto-incremented primary key for the history row.
	ID int64 `json:"id"`

	// Device is the device name.
	Device string `json:"device"`

	// State is the JSON snapshot of the device state.
	State State `json:"state"`

	// Source identifies what applied the change (poll, command, query, revert).
	Source string `json:"source"`

	// CreatedAt is the timestamp of the state change (UTC).
	CreatedAt time.Time `json:"created_at"`
}

// StateHistoryRepository stores and retrieves device state change history.
//
// Implementations must be thread-safe and use UTC timestamps.
type StateHistoryRepository interface {
	// RecordStateChange records a device state change.
	RecordStateChange(ctx context.Context, name string, state State, source string) error

	// GetHistory returns recent history for the device, newest first.
	// Implementations may clamp limit.
	GetHistory(ctx context.Context, name string, limit int) ([]StateHistoryEntry, error)
}

// snapshotState builds the history snapshot for a change.
func snapshotState(change StateChange) State {
	state := State{"on": change.On}
	for p, v := range change.Values {
		state[string(p)] = v
	}
	return state
}
