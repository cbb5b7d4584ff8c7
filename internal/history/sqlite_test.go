package history

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nerrad567/motionlink/internal/infrastructure/database"
	"github.com/nerrad567/motionlink/internal/tracking"
	"github.com/nerrad567/motionlink/migrations"
)

// testRepo opens a migrated in-memory database and a repository whose
// clock the test controls.
func testRepo(t *testing.T) (*SQLiteRepository, *time.Time) {
	t.Helper()

	db, err := database.Open(database.Config{Path: database.MemoryPath})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // test cleanup

	if err := db.Migrate(context.Background(), migrations.FS); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	repo := NewSQLiteRepository(db)
	repo.now = func() time.Time { return now }
	return repo, &now
}

func testInfo(serial string) *tracking.DeviceInfo {
	return &tracking.DeviceInfo{
		Serial:       serial,
		SerialLength: uint32(len(serial) + 1),
		Status:       tracking.DeviceStatusStreaming,
		PID:          0x1234,
		HFOV:         2.3,
	}
}

func TestRecordEvent(t *testing.T) {
	repo, _ := testRepo(t)
	ctx := context.Background()

	if err := repo.RecordEvent(ctx, "LP1", KindFound, testInfo("LP1")); err != nil {
		t.Fatalf("RecordEvent() error = %v", err)
	}

	entries, err := repo.GetHistory(ctx, "LP1", 10)
	if err != nil {
		t.Fatalf("GetHistory() error = %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}

	e := entries[0]
	if e.Kind != KindFound || e.Status != tracking.DeviceStatusStreaming || e.PID != 0x1234 {
		t.Errorf("entry = %+v", e)
	}
	if e.Info == nil || e.Info.Serial != "LP1" || e.Info.HFOV != 2.3 {
		t.Errorf("Info = %+v", e.Info)
	}
	if !e.RecordedAt.Equal(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)) {
		t.Errorf("RecordedAt = %v", e.RecordedAt)
	}
}

func TestRecordEvent_Validation(t *testing.T) {
	repo, _ := testRepo(t)
	ctx := context.Background()

	if err := repo.RecordEvent(ctx, "", KindLost, nil); !errors.Is(err, ErrSerialRequired) {
		t.Errorf("empty serial error = %v", err)
	}
	if err := repo.RecordEvent(ctx, "LP1", Kind("exploded"), nil); !errors.Is(err, ErrInvalidKind) {
		t.Errorf("bad kind error = %v", err)
	}
	if _, err := repo.GetHistory(ctx, "", 1); !errors.Is(err, ErrSerialRequired) {
		t.Errorf("GetHistory empty serial error = %v", err)
	}
}

func TestGetHistory_OrderAndLimit(t *testing.T) {
	repo, now := testRepo(t)
	ctx := context.Background()

	kinds := []Kind{KindFound, KindFailure, KindLost, KindFound}
	for _, k := range kinds {
		var info *tracking.DeviceInfo
		if k != KindLost {
			info = testInfo("LP1")
		}
		if err := repo.RecordEvent(ctx, "LP1", k, info); err != nil {
			t.Fatalf("RecordEvent(%s) error = %v", k, err)
		}
		*now = now.Add(time.Minute)
	}
	if err := repo.RecordEvent(ctx, "LP2", KindFound, testInfo("LP2")); err != nil {
		t.Fatalf("RecordEvent() error = %v", err)
	}

	entries, err := repo.GetHistory(ctx, "LP1", 2)
	if err != nil {
		t.Fatalf("GetHistory() error = %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	if entries[0].Kind != KindFound || entries[1].Kind != KindLost {
		t.Errorf("order = %s, %s; want found, lost", entries[0].Kind, entries[1].Kind)
	}
	if entries[1].Info != nil {
		t.Error("lost event should have no info")
	}
}

func TestGetHistory_SameInstantUsesInsertOrder(t *testing.T) {
	repo, _ := testRepo(t)
	ctx := context.Background()

	_ = repo.RecordEvent(ctx, "LP1", KindFound, nil)
	_ = repo.RecordEvent(ctx, "LP1", KindLost, nil)

	entries, err := repo.GetHistory(ctx, "LP1", 0)
	if err != nil {
		t.Fatalf("GetHistory() error = %v", err)
	}
	if len(entries) != 2 || entries[0].Kind != KindLost {
		t.Errorf("entries = %+v, want lost first", entries)
	}
}

func TestClampLimit(t *testing.T) {
	tests := []struct{ in, want int }{
		{0, DefaultLimit},
		{-3, DefaultLimit},
		{10, 10},
		{MaxLimit, MaxLimit},
		{MaxLimit + 1, MaxLimit},
	}
	for _, tt := range tests {
		if got := clampLimit(tt.in); got != tt.want {
			t.Errorf("clampLimit(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestListDevices(t *testing.T) {
	repo, now := testRepo(t)
	ctx := context.Background()

	_ = repo.RecordEvent(ctx, "LP2", KindFound, testInfo("LP2"))
	_ = repo.RecordEvent(ctx, "LP1", KindFound, testInfo("LP1"))
	*now = now.Add(time.Second)
	_ = repo.RecordEvent(ctx, "LP1", KindLost, nil)

	devices, err := repo.ListDevices(ctx)
	if err != nil {
		t.Fatalf("ListDevices() error = %v", err)
	}
	if len(devices) != 2 {
		t.Fatalf("devices = %d, want 2", len(devices))
	}
	if devices[0].Serial != "LP1" || devices[0].Kind != KindLost {
		t.Errorf("devices[0] = %+v, want LP1 lost", devices[0])
	}
	if devices[1].Serial != "LP2" || devices[1].Kind != KindFound {
		t.Errorf("devices[1] = %+v, want LP2 found", devices[1])
	}
}

func TestListDevices_Empty(t *testing.T) {
	repo, _ := testRepo(t)

	devices, err := repo.ListDevices(context.Background())
	if err != nil {
		t.Fatalf("ListDevices() error = %v", err)
	}
	if devices == nil || len(devices) != 0 {
		t.Errorf("devices = %v, want empty non-nil slice", devices)
	}
}

func TestPruneHistory(t *testing.T) {
	repo, now := testRepo(t)
	ctx := context.Background()

	_ = repo.RecordEvent(ctx, "LP1", KindFound, nil)
	*now = now.Add(40 * 24 * time.Hour)
	_ = repo.RecordEvent(ctx, "LP1", KindLost, nil)

	deleted, err := repo.PruneHistory(ctx, 30*24*time.Hour)
	if err != nil {
		t.Fatalf("PruneHistory() error = %v", err)
	}
	if deleted != 1 {
		t.Fatalf("deleted = %d, want 1", deleted)
	}

	entries, _ := repo.GetHistory(ctx, "LP1", 10)
	if len(entries) != 1 || entries[0].Kind != KindLost {
		t.Errorf("remaining = %+v, want only the lost event", entries)
	}

	if _, err := repo.PruneHistory(ctx, 0); err == nil {
		t.Error("PruneHistory(0) expected error")
	}
}
