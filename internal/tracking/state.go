package tracking

import (
	"sync"
	"time"
)

// FrameState caches the latest tracking frame and the current device record.
//
// Frames are double-buffered: the writer copies an incoming frame into the
// back slot, reusing its allocations, and swaps it to the front. A frame
// returned by Frame is therefore never written to until after the following
// replacement. Release swaps in fresh slots rather than clearing the old
// ones, so a frame held by a reader is never modified.
//
// Thread Safety:
//   - SetFrame and SetDevice are called from the polling goroutine only.
//   - All read methods are safe from any goroutine.
type FrameState struct {
	mu sync.Mutex

	slots    *[2]TrackingEvent
	front    *TrackingEvent // nil until the first frame
	back     *TrackingEvent
	frameAt  time.Time
	frames   uint64
	device   *DeviceInfo
	deviceAt time.Time
	released bool
}

// NewFrameState returns an empty FrameState.
func NewFrameState() *FrameState {
	fs := &FrameState{slots: new([2]TrackingEvent)}
	fs.back = &fs.slots[0]
	return fs
}

// SetFrame stores a copy of e as the latest frame.
// It is a no-op once the state has been released.
func (fs *FrameState) SetFrame(e *TrackingEvent) {
	fs.mu.Lock()
	if fs.released {
		fs.mu.Unlock()
		return
	}
	fs.back.CopyFrom(e)
	fs.front, fs.back = fs.back, fs.other(fs.back)
	fs.frameAt = time.Now()
	fs.frames++
	fs.mu.Unlock()
}

func (fs *FrameState) other(slot *TrackingEvent) *TrackingEvent {
	if slot == &fs.slots[0] {
		return &fs.slots[1]
	}
	return &fs.slots[0]
}

// Frame returns the latest frame, or nil if none has arrived.
//
// The returned frame stays unchanged until the next SetFrame replaces it;
// callers that keep it longer must use CopyFrame.
func (fs *FrameState) Frame() *TrackingEvent {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.front
}

// CopyFrame copies the latest frame into dst.
// Returns false and leaves dst untouched if no frame has arrived.
func (fs *FrameState) CopyFrame(dst *TrackingEvent) bool {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.front == nil {
		return false
	}
	dst.CopyFrom(fs.front)
	return true
}

// FrameCount returns the number of frames stored since creation.
func (fs *FrameState) FrameCount() uint64 {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.frames
}

// LastFrameAt returns when the latest frame was stored.
func (fs *FrameState) LastFrameAt() time.Time {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.frameAt
}

// SetDevice replaces the device record with a copy of info.
// It is a no-op once the state has been released.
func (fs *FrameState) SetDevice(info DeviceInfo) {
	fs.mu.Lock()
	if fs.released {
		fs.mu.Unlock()
		return
	}
	fs.device = &info
	fs.deviceAt = time.Now()
	fs.mu.Unlock()
}

// ClearDevice drops the device record and returns the serial it held.
// Returns "" and false if there was no device.
func (fs *FrameState) ClearDevice() (string, bool) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.device == nil {
		return "", false
	}
	serial := fs.device.Serial
	fs.device = nil
	return serial, true
}

// Device returns a copy of the device record, or nil if no device is attached.
func (fs *FrameState) Device() *DeviceInfo {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.device == nil {
		return nil
	}
	info := *fs.device
	return &info
}

// Release drops the cached frame and device record and lets go of the frame
// storage. Later SetFrame and SetDevice calls are ignored, so a polling
// goroutine that is still winding down cannot repopulate the state.
//
// Frames already returned by Frame keep their contents.
func (fs *FrameState) Release() {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.slots = new([2]TrackingEvent)
	fs.front = nil
	fs.back = &fs.slots[0]
	fs.device = nil
	fs.released = true
}
