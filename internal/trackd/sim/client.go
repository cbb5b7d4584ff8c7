package sim

import (
	"context"
	"errors"
	"io"
	"net"
	"time"

	"github.com/nerrad567/motionlink/internal/trackd"
	"github.com/nerrad567/motionlink/internal/tracking"
)

// client is one accepted connection.
type client struct {
	conn   net.Conn
	writer *trackd.FrameWriter
}

func (c *client) write(kind trackd.Kind, env *trackd.Envelope) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return c.writer.WriteEnvelope(kind, env)
}

// serveClient runs the request loop of one connection. The client only
// receives events once its hello was accepted.
func (s *Server) serveClient(ctx context.Context, conn net.Conn) {
	c := &client{conn: conn, writer: trackd.NewFrameWriter(conn)}
	defer func() {
		s.clientsMu.Lock()
		delete(s.clients, c)
		s.clientsMu.Unlock()
		conn.Close()
	}()

	reader := trackd.NewFrameReader(conn, 0)
	registered := false

	for ctx.Err() == nil {
		kind, env, err := reader.ReadEnvelope()
		if err != nil {
			if errors.Is(err, trackd.ErrMalformed) {
				continue
			}
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				s.logger.Debug("client read failed", "remote", conn.RemoteAddr().String(), "error", err)
			}
			return
		}
		if kind != trackd.KindRequest {
			continue
		}
		s.requests.Add(1)

		if env.Op == trackd.OpHello {
			if !s.hello(c, env) {
				return
			}
			if !registered {
				registered = true
				s.greet(c)
				s.clientsMu.Lock()
				s.clients[c] = struct{}{}
				s.clientsMu.Unlock()
			}
			continue
		}
		if !registered {
			s.respond(c, env, tracking.ResultHandshakeIncomplete, nil)
			continue
		}
		s.handleRequest(c, env)
	}
}

// hello answers the handshake. Returns false if the namespace was refused.
func (s *Server) hello(c *client, env *trackd.Envelope) bool {
	var req trackd.HelloRequest
	if err := tracking.Unmarshal(env.Payload, &req); err != nil {
		s.respond(c, env, tracking.ResultProtocolError, nil)
		return false
	}
	if s.cfg.Namespace != "" && req.Namespace != s.cfg.Namespace {
		s.logger.Warn("refusing client namespace", "namespace", req.Namespace)
		s.respond(c, env, tracking.ResultInvalidClientID, nil)
		return false
	}
	s.respond(c, env, tracking.ResultSuccess, trackd.HelloResponse{ServiceVersion: s.cfg.ServiceVersion})
	return true
}

// greet sends the events a service emits to a new client.
func (s *Server) greet(c *client) {
	s.send(c, tracking.EventConnection, &tracking.ConnectionEvent{})
	if s.attached.Load() {
		s.send(c, tracking.EventDevice, s.deviceEvent())
	}
}

func (s *Server) send(c *client, t tracking.EventType, payload any) {
	env, err := trackd.NewEvent(t, uint32(simDeviceHandle), payload)
	if err != nil {
		s.logger.Error("encoding event failed", "event", t.String(), "error", err)
		return
	}
	if err := c.write(trackd.KindEvent, env); err != nil {
		s.logger.Debug("event not sent", "event", t.String(), "error", err)
	}
}

// respond answers a request. Requests without an ID are not answered.
func (s *Server) respond(c *client, req *trackd.Envelope, result tracking.Result, payload any) {
	if req.ID == 0 && req.Op != trackd.OpHello {
		return
	}
	resp := &trackd.Envelope{ID: req.ID, Op: req.Op, Result: result}
	if payload != nil {
		data, err := tracking.Marshal(payload)
		if err != nil {
			s.logger.Error("encoding response failed", "op", req.Op.String(), "error", err)
			resp.Result = tracking.ResultUnknownError
		} else {
			resp.Payload = data
		}
	}
	if err := c.write(trackd.KindResponse, resp); err != nil {
		s.logger.Debug("response not sent", "op", req.Op.String(), "error", err)
	}
}

func (s *Server) handleRequest(c *client, env *trackd.Envelope) {
	switch env.Op {
	case trackd.OpSetPolicy:
		var req trackd.PolicyRequest
		if !s.decode(c, env, &req) {
			return
		}
		current := (tracking.PolicyFlag(s.policy.Load()) | req.Set) &^ req.Clear
		s.policy.Store(uint32(current))
		s.respond(c, env, tracking.ResultSuccess, nil)
		s.send(c, tracking.EventPolicy, &tracking.PolicyEvent{CurrentPolicy: current})

	case trackd.OpSetTrackingMode:
		var req trackd.TrackingModeRequest
		if !s.decode(c, env, &req) {
			return
		}
		if req.Mode > tracking.TrackingModeScreenTop {
			s.respond(c, env, tracking.ResultInvalidArgument, nil)
			return
		}
		s.mode.Store(uint32(req.Mode))
		s.respond(c, env, tracking.ResultSuccess, nil)
		s.send(c, tracking.EventTrackingMode, &tracking.TrackingModeEvent{CurrentMode: req.Mode})

	case trackd.OpFrameSize, trackd.OpInterpolateFrame:
		s.handleInterpolation(c, env)

	case trackd.OpOpenDevice:
		var req trackd.OpenDeviceRequest
		if !s.decode(c, env, &req) {
			return
		}
		if tracking.DeviceHandle(req.Device.Handle) != simDeviceHandle || !s.attached.Load() {
			s.respond(c, env, tracking.ResultCannotOpenDevice, nil)
			return
		}
		s.respond(c, env, tracking.ResultSuccess, trackd.DeviceHandleMessage{Handle: simDeviceHandle})

	case trackd.OpDeviceInfo:
		var req trackd.DeviceInfoRequest
		if !s.decode(c, env, &req) {
			return
		}
		info := s.deviceInfo()
		if req.SerialCapacity < info.SerialLength {
			s.respond(c, env, tracking.ResultInsufficientBuffer, info)
			return
		}
		info.Serial = s.cfg.Serial
		s.respond(c, env, tracking.ResultSuccess, info)

	case trackd.OpCloseDevice:
		s.respond(c, env, tracking.ResultSuccess, nil)

	case trackd.OpRequestConfigValue:
		var req trackd.ConfigKeyRequest
		if !s.decode(c, env, &req) {
			return
		}
		id := s.nextConfigID.Add(1)
		s.configMu.Lock()
		value := s.config[req.Key]
		s.configMu.Unlock()
		s.respond(c, env, tracking.ResultSuccess, trackd.ConfigRequestResponse{RequestID: id})
		s.send(c, tracking.EventConfigResponse, &tracking.ConfigResponseEvent{RequestID: id, Value: value})

	case trackd.OpSaveConfigValue:
		var req trackd.ConfigSaveRequest
		if !s.decode(c, env, &req) {
			return
		}
		id := s.nextConfigID.Add(1)
		ok := req.Key != "" && req.Value.Type != tracking.ValueUnknown
		if ok {
			s.configMu.Lock()
			s.config[req.Key] = req.Value
			s.configMu.Unlock()
		}
		s.respond(c, env, tracking.ResultSuccess, trackd.ConfigRequestResponse{RequestID: id})
		s.send(c, tracking.EventConfigChange, &tracking.ConfigChangeEvent{RequestID: id, Status: ok})

	default:
		s.respond(c, env, tracking.ResultUnsupported, nil)
	}
}

func (s *Server) decode(c *client, env *trackd.Envelope, v any) bool {
	if err := tracking.Unmarshal(env.Payload, v); err != nil {
		s.respond(c, env, tracking.ResultInvalidArgument, nil)
		return false
	}
	return true
}

func (s *Server) deviceInfo() tracking.DeviceInfo {
	return tracking.DeviceInfo{
		SerialLength: uint32(len(s.cfg.Serial) + 1),
		Status:       tracking.DeviceStatusStreaming,
		Caps:         0x1,
		PID:          s.cfg.PID,
		Baseline:     40000,
		HFOV:         2.44,
		VFOV:         2.44,
		Range:        800000,
	}
}

func (s *Server) handleInterpolation(c *client, env *trackd.Envelope) {
	var req trackd.FrameRequest
	if !s.decode(c, env, &req) {
		return
	}
	frame, err := s.Interpolate(req.Timestamp)
	if err != nil {
		s.respond(c, env, tracking.ResultOf(err), nil)
		return
	}
	data, err := tracking.MarshalFrame(frame)
	if err != nil {
		s.respond(c, env, tracking.ResultUnknownError, nil)
		return
	}

	if env.Op == trackd.OpFrameSize {
		s.respond(c, env, tracking.ResultSuccess, trackd.FrameSizeResponse{Size: uint32(len(data))})
		return
	}
	if req.Size != 0 && int(req.Size) < len(data) {
		s.respond(c, env, tracking.ResultInsufficientBuffer, nil)
		return
	}
	s.respond(c, env, tracking.ResultSuccess, trackd.FrameResponse{Frame: data})
}
