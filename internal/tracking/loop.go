package tracking

import (
	"errors"
	"time"
)

// run is the polling loop. It owns conn and destroys it on exit, after the
// last Poll has returned.
func (s *Session) run(conn Connection, stop *closeOnce, done chan struct{}) {
	defer close(done)
	defer s.finishLoop(conn)

	retry := time.NewTimer(s.cfg.RetryDelay)
	retry.Stop()
	defer retry.Stop()

	for s.running.Load() {
		msg, err := conn.Poll(s.cfg.PollTimeout)

		// Poll may have used its whole timeout; honour a stop request now
		// rather than after another blocking cycle.
		if !s.running.Load() {
			break
		}

		if err != nil {
			if !errors.Is(err, ResultTimeout) {
				s.stats.pollErrors.Add(1)
			}
			if !s.connected.Load() {
				retry.Reset(s.cfg.RetryDelay)
				select {
				case <-retry.C:
				case <-stop.Done():
				}
			}
			continue
		}

		s.handleMessage(conn, msg)
	}
}

func (s *Session) finishLoop(conn Connection) {
	s.running.Store(false)
	s.connected.Store(false)

	s.connMu.Lock()
	if s.conn == conn {
		s.conn = nil
		s.loopOwned = false
	}
	s.connMu.Unlock()

	conn.Destroy()
	s.logger.Debug("polling loop exited")
}

// handleMessage routes msg to exactly one handler. Unknown types and
// messages without the payload their type requires are discarded.
func (s *Session) handleMessage(conn Connection, msg *Message) {
	if msg == nil {
		return
	}

	switch msg.Type {
	case EventConnection:
		if msg.Connection == nil {
			s.discardMalformed(msg)
			return
		}
		s.handleConnection()
	case EventConnectionLost:
		if msg.ConnectionLost == nil {
			s.discardMalformed(msg)
			return
		}
		s.handleConnectionLost()
	case EventDevice:
		if msg.Device == nil {
			s.discardMalformed(msg)
			return
		}
		s.handleDevice(conn, msg.Device)
	case EventDeviceLost:
		if msg.Device == nil {
			s.discardMalformed(msg)
			return
		}
		s.handleDeviceLost()
	case EventDeviceFailure:
		if msg.DeviceFailure == nil {
			s.discardMalformed(msg)
			return
		}
		s.handleDeviceFailure(msg.DeviceFailure)
	case EventTracking:
		if msg.Tracking == nil {
			s.discardMalformed(msg)
			return
		}
		s.handleTracking(msg.Tracking)
	case EventImage:
		if msg.Image == nil {
			s.discardMalformed(msg)
			return
		}
		s.handleImage(msg.Image)
	case EventLog:
		if msg.Log == nil {
			s.discardMalformed(msg)
			return
		}
		s.handleLog(msg.Log)
	case EventPolicy:
		if msg.Policy == nil {
			s.discardMalformed(msg)
			return
		}
		s.handlePolicy(msg.Policy)
	case EventTrackingMode:
		if msg.TrackingMode == nil {
			s.discardMalformed(msg)
			return
		}
		s.handleTrackingMode(msg.TrackingMode)
	case EventConfigChange:
		if msg.ConfigChange == nil {
			s.discardMalformed(msg)
			return
		}
		s.handleConfigChange(msg.ConfigChange)
	case EventConfigResponse:
		if msg.ConfigResponse == nil {
			s.discardMalformed(msg)
			return
		}
		s.handleConfigResponse(msg.ConfigResponse)
	default:
		s.stats.unknown.Add(1)
	}
}

func (s *Session) discardMalformed(msg *Message) {
	s.stats.malformed.Add(1)
	s.logger.Debug("discarding message", "type", msg.Type.String(), "error", ErrNoPayload)
}

func (s *Session) handleConnection() {
	s.connected.Store(true)
	s.logger.Info("tracking service connected")
	s.dispatch(EventConnection, func(cb Callback) { cb.OnConnect() })
}

func (s *Session) handleConnectionLost() {
	s.connected.Store(false)
	s.state.ClearDevice()
	s.logger.Warn("tracking service connection lost")
	s.dispatch(EventConnectionLost, func(cb Callback) { cb.OnConnectionLost() })
}

// handleDevice reads the properties of a newly attached device. If the
// serial does not fit the default buffer, the query is retried once with a
// buffer of exactly the size the service reported.
func (s *Session) handleDevice(conn Connection, ev *DeviceEvent) {
	handle, err := conn.OpenDevice(ev.Device)
	if err != nil {
		s.logger.Error("opening device failed", "device_id", ev.Device.ID, "error", err)
		return
	}
	defer conn.CloseDevice(handle)

	serial := make([]byte, s.cfg.SerialBufferSize)
	info, err := conn.DeviceInfo(handle, serial)
	if errors.Is(err, ResultInsufficientBuffer) {
		serial = make([]byte, info.SerialLength)
		info, err = conn.DeviceInfo(handle, serial)
	}
	if err != nil {
		s.logger.Error("reading device info failed", "device_id", ev.Device.ID, "error", err)
		return
	}
	if str := cString(serial); str != "" {
		info.Serial = str
	}

	s.state.SetDevice(info)
	s.stats.devices.Add(1)
	s.logger.Info("device attached", "serial", info.Serial, "pid", info.PID)

	s.dispatch(EventDevice, func(cb Callback) { cb.OnDeviceFound(info) })
}

func (s *Session) handleDeviceLost() {
	serial, _ := s.state.ClearDevice()
	s.logger.Info("device detached", "serial", serial)
	s.dispatch(EventDeviceLost, func(cb Callback) { cb.OnDeviceLost(serial) })
}

func (s *Session) handleDeviceFailure(ev *DeviceFailureEvent) {
	status, handle := ev.Status, ev.Handle
	s.logger.Warn("device failure", "status", uint32(status), "handle", uint64(handle))
	s.dispatch(EventDeviceFailure, func(cb Callback) { cb.OnDeviceFailure(status, handle) })
}

// handleTracking stores the frame before the callback sees it, so a slow
// consumer never delays readers of LatestFrame.
func (s *Session) handleTracking(ev *TrackingEvent) {
	s.state.SetFrame(ev)
	s.dispatch(EventTracking, func(cb Callback) { cb.OnFrame(ev) })
}

func (s *Session) handleImage(ev *ImageEvent) {
	s.storeImage(ev)
	s.stats.images.Add(1)
	s.dispatch(EventImage, func(cb Callback) { cb.OnImage(ev) })
}

// storeImage copies the pixel data of ev into the image buffer. The buffer
// is reallocated only when the combined image size changes. Nothing is
// stored once the session is destroyed.
func (s *Session) storeImage(ev *ImageEvent) {
	total := 0
	for i := range ev.Images {
		total += len(ev.Images[i].Data)
	}

	s.imageMu.Lock()
	defer s.imageMu.Unlock()
	if s.destroyed.Load() {
		return
	}

	buf, _ := s.imageBuf.Ensure(total)
	s.image = *ev
	off := 0
	for i := range ev.Images {
		n := copy(buf[off:], ev.Images[i].Data)
		s.image.Images[i].Data = buf[off : off+n : off+n]
		off += n
	}
	s.hasImage = true
}

func (s *Session) handleLog(ev *LogEvent) {
	severity, ts, message := ev.Severity, ev.Timestamp, ev.Message
	s.dispatch(EventLog, func(cb Callback) { cb.OnLog(severity, ts, message) })
}

func (s *Session) handlePolicy(ev *PolicyEvent) {
	current := ev.CurrentPolicy
	s.policy.Store(uint32(current))
	s.dispatch(EventPolicy, func(cb Callback) { cb.OnPolicy(current) })
}

func (s *Session) handleTrackingMode(ev *TrackingModeEvent) {
	mode := ev.CurrentMode
	s.mode.Store(uint32(mode))
	s.dispatch(EventTrackingMode, func(cb Callback) { cb.OnTrackingMode(mode) })
}

func (s *Session) handleConfigChange(ev *ConfigChangeEvent) {
	id, status := ev.RequestID, ev.Status
	s.dispatch(EventConfigChange, func(cb Callback) { cb.OnConfigChange(id, status) })
}

func (s *Session) handleConfigResponse(ev *ConfigResponseEvent) {
	id, value := ev.RequestID, ev.Value
	s.dispatch(EventConfigResponse, func(cb Callback) { cb.OnConfigResponse(id, value) })
}

// cString returns the string in b up to the first NUL byte.
func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
