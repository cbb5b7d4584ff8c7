package history

import (
	"context"
	"errors"
	"time"

	"github.com/nerrad567/motionlink/internal/tracking"
)

// Kind is the device lifecycle event recorded.
type Kind string

// Recorded event kinds.
const (
	KindFound   Kind = "found"
	KindLost    Kind = "lost"
	KindFailure Kind = "failure"
)

// Valid reports whether k is one of the recorded kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindFound, KindLost, KindFailure:
		return true
	}
	return false
}

var (
	ErrSerialRequired = errors.New("history: serial is required")
	ErrInvalidKind    = errors.New("history: invalid event kind")
)

// Entry is one recorded device event.
type Entry struct {
	ID         int64                 `json:"id"`
	Serial     string                `json:"serial"`
	Kind       Kind                  `json:"kind"`
	Status     tracking.DeviceStatus `json:"status"`
	PID        uint32                `json:"pid"`
	Info       *tracking.DeviceInfo  `json:"info,omitempty"`
	RecordedAt time.Time             `json:"recorded_at"`
}

// Repository stores and retrieves device history.
//
// Implementations must be safe for concurrent use and store UTC times.
type Repository interface {
	// RecordEvent appends an event. info may be nil (device lost).
	RecordEvent(ctx context.Context, serial string, kind Kind, info *tracking.DeviceInfo) error

	// GetHistory returns the newest events for serial, newest first.
	// limit <= 0 means 50; larger than 200 is clamped to 200.
	GetHistory(ctx context.Context, serial string, limit int) ([]Entry, error)

	// ListDevices returns the latest event of every serial seen.
	ListDevices(ctx context.Context) ([]Entry, error)

	// PruneHistory deletes events older than olderThan and returns the
	// number removed.
	PruneHistory(ctx context.Context, olderThan time.Duration) (int64, error)
}
