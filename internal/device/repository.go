package device

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Record is a persisted device: its last descriptor and last known state.
type Record struct {
	Descriptor Descriptor
	On         bool
	UpdatedAt  time.Time
}

// Repository persists the device cache across restarts.
//
// Restored devices come back with their last state and are kept only if
// the next reconcile confirms them.
type Repository interface {
	// List returns every persisted device ordered by name.
	List(ctx context.Context) ([]Record, error)

	// Save inserts or replaces a device record.
	Save(ctx context.Context, rec Record) error

	// UpdateState stores only the cached state of a device.
	// Returns ErrDeviceNotFound if the device is not persisted.
	UpdateState(ctx context.Context, name string, on bool) error

	// Delete removes a device. Deleting an unknown name is not an error.
	Delete(ctx context.Context, name string) error
}

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite-backed repository.
//
// Parameters:
//   - db: Open, migrated SQLite connection
//
// Returns:
//   - *SQLiteRepository: Repository instance ready for use
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// List returns every persisted device ordered by name.
//
// Parameters:
//   - ctx: Context for cancellation and timeout
//
// Returns:
//   - []Record: Stored devices with their cached state
//   - error: nil on success, otherwise the underlying query or scan error
func (r *SQLiteRepository) List(ctx context.Context) ([]Record, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT name, type, on_cmd, off_cmd, state_cmd, polling, interval_ms,
			manufacturer, model, serial, state, updated_at
		FROM devices
		ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("querying devices: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			rec        Record
			typ        string
			intervalMS int64
			updatedAt  string
		)
		d := &rec.Descriptor
		if err := rows.Scan(&d.Name, &typ, &d.OnCommand, &d.OffCommand, &d.StateCommand,
			&d.Polling, &intervalMS, &d.Manufacturer, &d.Model, &d.Serial, &rec.On, &updatedAt); err != nil {
			return nil, fmt.Errorf("scanning device: %w", err)
		}
		d.Type = Type(typ)
		d.Interval = time.Duration(intervalMS) * time.Millisecond

		if rec.UpdatedAt, err = parseTimestamp(updatedAt); err != nil {
			return nil, err
		}

		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating devices: %w", err)
	}

	return records, nil
}

// Save inserts or replaces a device record.
//
// Parameters:
//   - ctx: Context for cancellation and timeout
//   - rec: Descriptor and cached state to store
//
// Returns:
//   - error: nil on success, otherwise the underlying write error
func (r *SQLiteRepository) Save(ctx context.Context, rec Record) error {
	d := rec.Descriptor
	if d.Name == "" {
		return errNameRequired
	}

	updatedAt := rec.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO devices (name, uuid, type, on_cmd, off_cmd, state_cmd, polling, interval_ms,
			manufacturer, model, serial, state, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			type = excluded.type,
			on_cmd = excluded.on_cmd,
			off_cmd = excluded.off_cmd,
			state_cmd = excluded.state_cmd,
			polling = excluded.polling,
			interval_ms = excluded.interval_ms,
			manufacturer = excluded.manufacturer,
			model = excluded.model,
			serial = excluded.serial,
			state = excluded.state,
			updated_at = excluded.updated_at`,
		d.Name, UUIDForName(d.Name).String(), string(d.Type), d.OnCommand, d.OffCommand, d.StateCommand,
		d.Polling, d.Interval.Milliseconds(), d.Manufacturer, d.Model, d.Serial, rec.On,
		updatedAt.UTC().Format(timestampLayout),
	)
	if err != nil {
		return fmt.Errorf("saving device %q: %w", d.Name, err)
	}

	return nil
}

// UpdateState stores only the cached state of a device.
func (r *SQLiteRepository) UpdateState(ctx context.Context, name string, on bool) error {
	result, err := r.db.ExecContext(ctx,
		"UPDATE devices SET state = ?, updated_at = ? WHERE name = ?",
		on, time.Now().UTC().Format(timestampLayout), name,
	)
	if err != nil {
		return fmt.Errorf("updating device state: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrDeviceNotFound
	}

	return nil
}

// Delete removes a device and its state history.
func (r *SQLiteRepository) Delete(ctx context.Context, name string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	if _, err := tx.ExecContext(ctx, "DELETE FROM state_history WHERE device_name = ?", name); err != nil {
		return fmt.Errorf("deleting state history: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM devices WHERE name = ?", name); err != nil {
		return fmt.Errorf("deleting device: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing delete: %w", err)
	}
	return nil
}

// isNotFound reports whether err means the device is not persisted.
func isNotFound(err error) bool {
	return errors.Is(err, ErrDeviceNotFound)
}
