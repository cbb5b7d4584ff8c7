package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names.
const (
	MeasurementTracking    = "tracking"
	MeasurementDeviceEvent = "device_event"
	MeasurementImage       = "image"
	MeasurementBridge      = "bridge_stats"
)

// HandSample is the per-hand part of a TrackingSample. Values are
// passed through as the service reports them.
type HandSample struct {
	Chirality  string // "left" or "right"
	Confidence float32
	Pinch      float32
	Grab       float32
	PalmX      float32
	PalmY      float32
	PalmZ      float32
}

// TrackingSample summarises one tracking frame.
type TrackingSample struct {
	Device    string
	FrameID   int64
	FrameRate float32
	Hands     []HandSample
	Time      time.Time
}

// WriteTracking records a frame summary in the "tracking" measurement.
//
// One point per frame, tagged by device. Hand fields are prefixed with
// the chirality, e.g. left_pinch, right_palm_y. A frame with two hands
// of the same chirality keeps the last one.
func (c *Client) WriteTracking(s TrackingSample) {
	fields := map[string]any{
		"frame_id":   s.FrameID,
		"frame_rate": s.FrameRate,
		"hands":      len(s.Hands),
	}
	for _, h := range s.Hands {
		p := h.Chirality + "_"
		fields[p+"confidence"] = h.Confidence
		fields[p+"pinch"] = h.Pinch
		fields[p+"grab"] = h.Grab
		fields[p+"palm_x"] = h.PalmX
		fields[p+"palm_y"] = h.PalmY
		fields[p+"palm_z"] = h.PalmZ
	}

	ts := s.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	c.WritePointWithTime(MeasurementTracking, map[string]string{"device": deviceTag(s.Device)}, fields, ts)
}

// WriteDeviceEvent records a device lifecycle change.
//
// Parameters:
//   - serial: Device serial number (empty when unknown)
//   - kind: "found", "lost" or "failure"
//   - status: Raw device status bits
func (c *Client) WriteDeviceEvent(serial, kind string, status uint32) {
	c.WritePoint(MeasurementDeviceEvent,
		map[string]string{"device": deviceTag(serial), "kind": kind},
		map[string]any{"status": int64(status), "count": 1},
	)
}

// WriteImage records the size of a received image pair. Pixel data is
// never written.
func (c *Client) WriteImage(serial string, width, height uint32, bytes int) {
	c.WritePoint(MeasurementImage,
		map[string]string{"device": deviceTag(serial)},
		map[string]any{"width": int64(width), "height": int64(height), "bytes": bytes},
	)
}

// WriteBridgeStats records a snapshot of bridge counters.
func (c *Client) WriteBridgeStats(bridgeID string, counters map[string]any) {
	if len(counters) == 0 {
		return
	}
	c.WritePoint(MeasurementBridge, map[string]string{"bridge": bridgeID}, counters)
}

// WritePoint writes a point stamped with the current time.
//
// Example:
//
//	client.WritePoint("bridge_stats",
//	    map[string]string{"bridge": id},
//	    map[string]any{"frames_dropped": 3})
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]any) {
	c.WritePointWithTime(measurement, tags, fields, time.Now())
}

// WritePointWithTime writes a point with an explicit timestamp.
// Dropped silently when the client is closed.
func (c *Client) WritePointWithTime(measurement string, tags map[string]string, fields map[string]any, timestamp time.Time) {
	if !c.IsConnected() {
		return
	}
	c.writer.WritePoint(write.NewPoint(measurement, tags, fields, timestamp))
}

func deviceTag(serial string) string {
	if serial == "" {
		return "unknown"
	}
	return serial
}
