package bridge

import (
	"context"
	"strconv"
	"time"

	"github.com/nerrad567/motionlink/internal/history"
	"github.com/nerrad567/motionlink/internal/infrastructure/influxdb"
	"github.com/nerrad567/motionlink/internal/tracking"
)

// OnConnect runs on the polling goroutine; publishing and applying the
// initial settings happen on the dispatcher.
func (b *Bridge) OnConnect() {
	b.logger.Info("tracking service connected")
	b.post("connect", func() {
		b.publishConnection(ConnectionConnected)
		b.applyInitialSettings()
	})
}

// OnConnectionLost runs on the polling goroutine.
func (b *Bridge) OnConnectionLost() {
	b.logger.Warn("tracking service connection lost")
	b.post("connection lost", func() {
		b.publishConnection(ConnectionDisconnected)
	})
}

func (b *Bridge) publishConnection(status string) {
	msg := ConnectionMessage{
		Status:    status,
		Bridge:    b.opts.BridgeID,
		Timestamp: time.Now().UTC(),
	}
	b.publishJSON(b.topics.ServiceStatus(), msg, 1, true)
	b.broadcast(ChannelConnection, msg)
}

func (b *Bridge) applyInitialSettings() {
	if b.opts.InitialPolicy != 0 {
		b.session.SetPolicy(b.opts.InitialPolicy, 0)
	}
	if b.opts.InitialMode != nil {
		b.session.SetTrackingMode(*b.opts.InitialMode)
	}
}

// OnDeviceFound records the device as attached.
func (b *Bridge) OnDeviceFound(info tracking.DeviceInfo) {
	serial := info.Serial
	if serial == "" {
		serial = unknownDevice
	}
	b.device.Store(&serial)
	b.logger.Info("device found", "serial", serial, "pid", info.PID, "status", info.Status)

	b.recordDevice(history.KindFound, DeviceMessage{
		Serial: serial,
		Status: uint32(info.Status),
		Failed: info.Status.Failed(),
		Info:   &info,
	})
}

// OnDeviceLost clears the attached device if it is the one lost.
func (b *Bridge) OnDeviceLost(serial string) {
	if serial == "" {
		serial = unknownDevice
	}
	if cur := b.device.Load(); cur != nil && *cur == serial {
		b.device.Store(nil)
	}
	b.logger.Warn("device lost", "serial", serial)

	b.recordDevice(history.KindLost, DeviceMessage{Serial: serial})
}

// OnDeviceFailure is attributed to the attached device.
func (b *Bridge) OnDeviceFailure(status tracking.DeviceStatus, handle tracking.DeviceHandle) {
	serial := b.CurrentDevice()
	if serial == "" {
		serial = unknownDevice
	}
	b.logger.Error("device failure",
		"serial", serial,
		"status", "0x"+strconv.FormatUint(uint64(status), 16),
		"handle", uint64(handle),
	)

	b.recordDevice(history.KindFailure, DeviceMessage{
		Serial: serial,
		Status: uint32(status),
		Failed: true,
		Handle: uint64(handle),
	})
}

// recordDevice fans a device event out to MQTT, history, metrics and
// subscribers.
func (b *Bridge) recordDevice(kind history.Kind, msg DeviceMessage) {
	msg.Event = string(kind)
	msg.Timestamp = time.Now().UTC()

	b.publishJSON(b.topics.Device(msg.Serial), msg, 1, true)
	b.broadcast(ChannelDevice, msg)

	if b.metrics != nil {
		b.metrics.WriteDeviceEvent(msg.Serial, string(kind), msg.Status)
	}

	if b.history != nil {
		ctx, cancel := context.WithTimeout(b.ctx, historyTimeout)
		defer cancel()
		if err := b.history.RecordEvent(ctx, msg.Serial, kind, msg.Info); err != nil {
			b.logger.Warn("recording device history failed",
				"serial", msg.Serial,
				"kind", kind,
				"error", err,
			)
		}
	}
}

// OnFrame runs on the polling goroutine and never blocks.
func (b *Bridge) OnFrame(frame *tracking.TrackingEvent) {
	b.frames.Offer(b.CurrentDevice(), frame)
}

// publishFrame runs on the frame publisher goroutine.
func (b *Bridge) publishFrame(s FrameSummary) {
	b.publishJSON(b.topics.Frame(), s, 0, false)
	b.broadcast(ChannelFrame, s)

	if b.metrics == nil {
		return
	}
	sample := influxdb.TrackingSample{
		Device:    s.Device,
		FrameID:   s.FrameID,
		FrameRate: s.FrameRate,
		Hands:     make([]influxdb.HandSample, 0, len(s.Hands)),
		Time:      time.Now(),
	}
	for _, h := range s.Hands {
		sample.Hands = append(sample.Hands, influxdb.HandSample{
			Chirality:  h.Type,
			Confidence: h.Confidence,
			Pinch:      h.PinchStrength,
			Grab:       h.GrabStrength,
			PalmX:      h.Palm.X,
			PalmY:      h.Palm.Y,
			PalmZ:      h.Palm.Z,
		})
	}
	b.metrics.WriteTracking(sample)
}

// OnImage counts the image pair and records its size. Pixels are not
// forwarded.
func (b *Bridge) OnImage(image *tracking.ImageEvent) {
	size := image.Size()
	b.stats.images.Add(1)
	b.stats.imageBytes.Add(uint64(size)) // #nosec G115 -- sizes are non-negative

	if b.metrics != nil {
		first := image.Images[0]
		b.metrics.WriteImage(b.CurrentDevice(), first.Width, first.Height, size)
	}
}

// OnLog re-logs service output at the matching level and forwards it.
func (b *Bridge) OnLog(severity tracking.LogSeverity, timestamp int64, message string) {
	b.stats.logs.Add(1)

	args := []any{"source", "tracking_service", "service_ts", timestamp}
	switch severity {
	case tracking.LogSeverityCritical:
		b.logger.Error(message, args...)
	case tracking.LogSeverityWarning:
		b.logger.Warn(message, args...)
	case tracking.LogSeverityInformation:
		b.logger.Info(message, args...)
	default:
		b.logger.Debug(message, args...)
	}

	msg := LogMessage{
		Severity:  severity.String(),
		ServiceTS: timestamp,
		Message:   message,
		Timestamp: time.Now().UTC(),
	}
	b.publishJSON(b.topics.Log(), msg, 0, false)
	b.broadcast(ChannelLog, msg)
}

// OnPolicy publishes the policy in effect.
func (b *Bridge) OnPolicy(current tracking.PolicyFlag) {
	b.logger.Info("policy changed", "policy", current.Names())

	msg := PolicyMessage{
		Flags:     uint32(current),
		Names:     current.Names(),
		Timestamp: time.Now().UTC(),
	}
	b.publishJSON(b.topics.Policy(), msg, 1, true)
	b.broadcast(ChannelPolicy, msg)
}

// OnTrackingMode publishes the tracking mode in effect.
func (b *Bridge) OnTrackingMode(mode tracking.TrackingMode) {
	b.logger.Info("tracking mode changed", "mode", mode.String())

	msg := TrackingModeMessage{
		Mode:      mode.String(),
		Timestamp: time.Now().UTC(),
	}
	b.publishJSON(b.topics.TrackingMode(), msg, 1, true)
	b.broadcast(ChannelPolicy, msg)
}

// OnConfigChange answers a save_config command.
func (b *Bridge) OnConfigChange(requestID uint32, status bool) {
	req, _ := b.takePending(requestID)
	msg := ConfigResponseMessage{
		CommandID: req.commandID,
		RequestID: requestID,
		Key:       req.key,
		Saved:     &status,
		Timestamp: time.Now().UTC(),
	}
	b.publishJSON(b.configResponseTopic(req, requestID), msg, 1, false)
}

// OnConfigResponse answers a request_config command.
func (b *Bridge) OnConfigResponse(requestID uint32, value tracking.ConfigValue) {
	req, _ := b.takePending(requestID)
	msg := ConfigResponseMessage{
		CommandID: req.commandID,
		RequestID: requestID,
		Key:       req.key,
		Value:     &value,
		Text:      value.Text(),
		Timestamp: time.Now().UTC(),
	}
	b.publishJSON(b.configResponseTopic(req, requestID), msg, 1, false)
}

// configResponseTopic keys responses by command ID, falling back to the
// service request ID for requests the bridge did not issue.
func (b *Bridge) configResponseTopic(req pendingRequest, requestID uint32) string {
	if req.commandID != "" {
		return b.topics.ConfigResponse(req.commandID)
	}
	return b.topics.ConfigResponse(strconv.FormatUint(uint64(requestID), 10))
}

func (b *Bridge) addPending(requestID uint32, req pendingRequest) {
	b.pendingMu.Lock()
	defer b.pendingMu.Unlock()

	if len(b.pending) >= maxPendingRequests {
		for id := range b.pending {
			delete(b.pending, id)
			b.logger.Warn("dropping unanswered config request", "request_id", id)
			break
		}
	}
	b.pending[requestID] = req
}

func (b *Bridge) takePending(requestID uint32) (pendingRequest, bool) {
	b.pendingMu.Lock()
	defer b.pendingMu.Unlock()

	req, ok := b.pending[requestID]
	delete(b.pending, requestID)
	return req, ok
}
