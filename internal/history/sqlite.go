package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nerrad567/motionlink/internal/infrastructure/database"
	"github.com/nerrad567/motionlink/internal/tracking"
)

const (
	DefaultLimit = 50
	MaxLimit     = 200

	// timeLayout sorts lexically in time order.
	timeLayout = "2006-01-02T15:04:05.000000Z"
)

// SQLiteRepository implements Repository on the device_history table.
type SQLiteRepository struct {
	db  *database.DB
	now func() time.Time
}

var _ Repository = (*SQLiteRepository)(nil)

// NewSQLiteRepository returns a repository over db. The device_history
// migration must have been applied.
func NewSQLiteRepository(db *database.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db, now: time.Now}
}

// RecordEvent inserts one event. The info snapshot is stored as JSON.
func (r *SQLiteRepository) RecordEvent(ctx context.Context, serial string, kind Kind, info *tracking.DeviceInfo) error {
	if serial == "" {
		return ErrSerialRequired
	}
	if !kind.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}

	var (
		status tracking.DeviceStatus
		pid    uint32
		blob   sql.NullString
	)
	if info != nil {
		status, pid = info.Status, info.PID
		data, err := json.Marshal(info)
		if err != nil {
			return fmt.Errorf("marshalling device info: %w", err)
		}
		blob = sql.NullString{String: string(data), Valid: true}
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO device_history (serial, kind, status, pid, info, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		serial, string(kind), int64(status), int64(pid), blob,
		r.now().UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("inserting device history: %w", err)
	}
	return nil
}

// GetHistory returns events for serial, newest first.
func (r *SQLiteRepository) GetHistory(ctx context.Context, serial string, limit int) ([]Entry, error) {
	if serial == "" {
		return nil, ErrSerialRequired
	}
	limit = clampLimit(limit)

	rows, err := r.db.QueryContext(ctx,
		`SELECT id, serial, kind, status, pid, info, recorded_at
		 FROM device_history
		 WHERE serial = ?
		 ORDER BY recorded_at DESC, id DESC
		 LIMIT ?`,
		serial, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying device history: %w", err)
	}
	return scanEntries(rows, limit)
}

// ListDevices returns the latest event per serial, ordered by serial.
func (r *SQLiteRepository) ListDevices(ctx context.Context) ([]Entry, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT h.id, h.serial, h.kind, h.status, h.pid, h.info, h.recorded_at
		 FROM device_history h
		 WHERE h.id = (
		     SELECT id FROM device_history
		     WHERE serial = h.serial
		     ORDER BY recorded_at DESC, id DESC
		     LIMIT 1
		 )
		 ORDER BY h.serial`,
	)
	if err != nil {
		return nil, fmt.Errorf("querying devices: %w", err)
	}
	return scanEntries(rows, 0)
}

// PruneHistory deletes events recorded before now-olderThan.
func (r *SQLiteRepository) PruneHistory(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, fmt.Errorf("olderThan must be positive")
	}

	cutoff := r.now().UTC().Add(-olderThan).Format(timeLayout)
	result, err := r.db.ExecContext(ctx, "DELETE FROM device_history WHERE recorded_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("deleting device history: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	return n, nil
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultLimit
	case limit > MaxLimit:
		return MaxLimit
	default:
		return limit
	}
}

func scanEntries(rows *sql.Rows, capacity int) ([]Entry, error) {
	defer rows.Close()

	entries := make([]Entry, 0, capacity)
	for rows.Next() {
		var (
			e          Entry
			kind       string
			status     int64
			pid        int64
			blob       sql.NullString
			recordedAt string
		)
		if err := rows.Scan(&e.ID, &e.Serial, &kind, &status, &pid, &blob, &recordedAt); err != nil {
			return nil, fmt.Errorf("scanning device history: %w", err)
		}

		e.Kind = Kind(kind)
		e.Status = tracking.DeviceStatus(status) // #nosec G115 -- stored from a uint32
		e.PID = uint32(pid)                      // #nosec G115 -- stored from a uint32
		if blob.Valid {
			e.Info = &tracking.DeviceInfo{}
			if err := json.Unmarshal([]byte(blob.String), e.Info); err != nil {
				return nil, fmt.Errorf("unmarshalling device info: %w", err)
			}
		}

		ts, err := time.Parse(timeLayout, recordedAt)
		if err != nil {
			return nil, fmt.Errorf("parsing recorded_at: %w", err)
		}
		e.RecordedAt = ts

		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating device history: %w", err)
	}
	return entries, nil
}
