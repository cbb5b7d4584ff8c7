// Package sim is a tracking service simulator speaking the framed protocol.
//
// It announces one device, streams synthetic hand frames at a fixed rate,
// keeps a short frame history for interpolation requests and holds a small
// config store. It is used by tests and by the trackd-sim command.
package sim

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"net/url"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/motionlink/internal/trackd"
	"github.com/nerrad567/motionlink/internal/tracking"
)

// Defaults.
const (
	DefaultFPS            = 60
	DefaultHands          = 2
	DefaultSerial         = "SIM-000001"
	DefaultHistorySize    = 128
	DefaultImageWidth     = 160
	DefaultImageHeight    = 120
	DefaultServiceVersion = "sim-1.0.0"

	// simDeviceHandle is the handle of the one simulated device.
	simDeviceHandle tracking.DeviceHandle = 1

	writeTimeout = 2 * time.Second
)

// Config holds simulator settings.
type Config struct {
	// Address is the listen URL, "tcp://host:port" or "unix:///path".
	// Port 0 picks a free port.
	Address string

	// Namespace, when set, is the only namespace the hello may name.
	Namespace string

	// ServiceVersion is reported in the hello response.
	ServiceVersion string

	// FPS is the frame rate. Default: 60.
	FPS int

	// Hands is the number of hands in every frame. Default: 2.
	Hands int

	// Serial is the device serial. Default: "SIM-000001".
	Serial string

	// PID is the reported product ID.
	PID uint32

	// HistorySize is the number of frames kept for interpolation.
	// Default: 128.
	HistorySize int

	// ImageWidth and ImageHeight size the synthetic images sent while the
	// images policy is set. Default: 160x120.
	ImageWidth  uint32
	ImageHeight uint32
}

func (c Config) withDefaults() Config {
	if c.ServiceVersion == "" {
		c.ServiceVersion = DefaultServiceVersion
	}
	if c.FPS <= 0 {
		c.FPS = DefaultFPS
	}
	if c.Hands < 0 {
		c.Hands = 0
	} else if c.Hands == 0 {
		c.Hands = DefaultHands
	}
	if c.Serial == "" {
		c.Serial = DefaultSerial
	}
	if c.HistorySize <= 0 {
		c.HistorySize = DefaultHistorySize
	}
	if c.ImageWidth == 0 {
		c.ImageWidth = DefaultImageWidth
	}
	if c.ImageHeight == 0 {
		c.ImageHeight = DefaultImageHeight
	}
	return c
}

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// Stats holds simulator counters.
type Stats struct {
	Clients       int
	FramesSent    uint64
	ImagesSent    uint64
	Requests      uint64
	DeviceOpen    bool
	CurrentPolicy tracking.PolicyFlag
	CurrentMode   tracking.TrackingMode
}

// Server is the simulated tracking service.
type Server struct {
	cfg    Config
	logger Logger

	listener net.Listener
	network  string

	clientsMu sync.Mutex
	clients   map[*client]struct{}

	historyMu sync.Mutex
	history   []tracking.TrackingEvent
	nextFrame int64
	start     time.Time

	configMu sync.Mutex
	config   map[string]tracking.ConfigValue

	policy       atomic.Uint32
	mode         atomic.Uint32
	attached     atomic.Bool
	nextConfigID atomic.Uint32

	framesSent atomic.Uint64
	imagesSent atomic.Uint64
	requests   atomic.Uint64
}

// New creates a simulator. Call Listen, then Serve.
func New(cfg Config, logger Logger) *Server {
	if logger == nil {
		logger = nopLogger{}
	}
	s := &Server{
		cfg:     cfg.withDefaults(),
		logger:  logger,
		clients: make(map[*client]struct{}),
		start:   time.Now(),
		config: map[string]tracking.ConfigValue{
			"robust_mode_enabled":    {Type: tracking.ValueBool, Bool: false},
			"image_processing_level": {Type: tracking.ValueInt, Int: 2},
			"camera_exposure":        {Type: tracking.ValueFloat, Float: 0.5},
			"device_name":            {Type: tracking.ValueString, String: "Simulated Controller"},
		},
	}
	s.attached.Store(true)
	return s
}

// Listen binds the listen address.
func (s *Server) Listen() error {
	u, err := url.Parse(s.cfg.Address)
	if err != nil {
		return fmt.Errorf("parse listen address: %w", err)
	}

	var network, address string
	switch u.Scheme {
	case "tcp":
		network, address = "tcp", u.Host
	case "unix":
		network, address = "unix", u.Path
		if err := os.Remove(address); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove stale socket: %w", err)
		}
	default:
		return fmt.Errorf("unsupported scheme %q (use unix or tcp)", u.Scheme)
	}

	l, err := net.Listen(network, address)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Address, err)
	}
	s.listener = l
	s.network = network
	return nil
}

// Addr returns the bound address in URL form, usable as a client address.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.cfg.Address
	}
	return s.network + "://" + s.listener.Addr().String()
}

// Port returns the bound TCP port, or 0 for Unix sockets.
func (s *Server) Port() int {
	if s.listener == nil {
		return 0
	}
	if a, ok := s.listener.Addr().(*net.TCPAddr); ok {
		return a.Port
	}
	return 0
}

// Serve accepts clients and streams frames until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	if s.listener == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-ctx.Done()
		s.listener.Close()
		s.closeClients()
		return nil
	})

	g.Go(func() error {
		return s.streamFrames(ctx)
	})

	g.Go(func() error {
		for {
			conn, err := s.listener.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("accept: %w", err)
			}
			g.Go(func() error {
				s.serveClient(ctx, conn)
				return nil
			})
		}
	})

	s.logger.Info("simulator listening", "address", s.Addr(), "fps", s.cfg.FPS)
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *Server) closeClients() {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	for c := range s.clients {
		c.conn.Close()
	}
}

// streamFrames produces one frame per tick and sends it to every client.
func (s *Server) streamFrames(ctx context.Context) error {
	ticker := time.NewTicker(time.Second / time.Duration(s.cfg.FPS))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			if !s.attached.Load() {
				continue
			}
			frame := s.nextTrackingFrame(now)
			s.broadcast(tracking.EventTracking, frame)
			s.framesSent.Add(1)

			if tracking.PolicyFlag(s.policy.Load()).Has(tracking.PolicyImages) {
				s.broadcast(tracking.EventImage, s.imageFor(frame))
				s.imagesSent.Add(1)
			}
		}
	}
}

// nextTrackingFrame synthesises a frame and appends it to the history.
func (s *Server) nextTrackingFrame(now time.Time) *tracking.TrackingEvent {
	s.historyMu.Lock()
	defer s.historyMu.Unlock()

	s.nextFrame++
	ts := now.Sub(s.start).Microseconds()
	frame := SyntheticFrame(s.nextFrame, ts, s.cfg.Hands, float32(s.cfg.FPS))

	if len(s.history) == s.cfg.HistorySize {
		copy(s.history, s.history[1:])
		s.history = s.history[:len(s.history)-1]
	}
	s.history = append(s.history, *frame)
	return frame
}

// SyntheticFrame builds a deterministic frame for timestamp ts in
// microseconds. Palms move on slow circles; pinch and grab follow the
// same phase.
func SyntheticFrame(id, ts int64, hands int, fps float32) *tracking.TrackingEvent {
	frame := &tracking.TrackingEvent{
		FrameID:         id,
		Timestamp:       ts,
		TrackingFrameID: id,
		FrameRate:       fps,
		Hands:           make([]tracking.Hand, 0, hands),
	}

	phase := float64(ts) / 1e6 * 2 * math.Pi * 0.25
	for i := range hands {
		side := float32(-1)
		handType := tracking.HandLeft
		if i%2 == 1 {
			side = 1
			handType = tracking.HandRight
		}
		p := phase + float64(i)*math.Pi/2
		palm := tracking.Vector{
			X: side*80 + float32(60*math.Sin(p)),
			Y: 200 + float32(40*math.Cos(p)),
			Z: float32(30 * math.Sin(2*p)),
		}
		strength := float32((math.Sin(p) + 1) / 2)

		h := tracking.Hand{
			ID:            uint32(i + 1),
			Type:          handType,
			Confidence:    1,
			VisibleTime:   uint64(ts),
			PinchDistance: 80 * (1 - strength),
			GrabAngle:     float32(math.Pi) * strength,
			PinchStrength: strength,
			GrabStrength:  strength,
			Palm: tracking.Palm{
				Position:           palm,
				StabilizedPosition: palm,
				Normal:             tracking.Vector{Y: -1},
				Width:              85,
				Direction:          tracking.Vector{Z: -1},
				Orientation:        tracking.Quaternion{W: 1},
			},
			Arm: tracking.Bone{
				PrevJoint: tracking.Vector{X: palm.X, Y: palm.Y - 20, Z: palm.Z + 250},
				NextJoint: tracking.Vector{X: palm.X, Y: palm.Y, Z: palm.Z + 50},
				Width:     60,
				Rotation:  tracking.Quaternion{W: 1},
			},
		}
		for d := range h.Digits {
			base := tracking.Vector{X: palm.X + float32(d-2)*20, Y: palm.Y, Z: palm.Z}
			digit := tracking.Digit{FingerID: uint32(i*10 + d), IsExtended: strength < 0.5}
			for b := range digit.Bones {
				prev := tracking.Vector{X: base.X, Y: base.Y, Z: base.Z - float32(b)*25}
				next := tracking.Vector{X: base.X, Y: base.Y, Z: base.Z - float32(b+1)*25}
				digit.Bones[b] = tracking.Bone{PrevJoint: prev, NextJoint: next, Width: 16, Rotation: tracking.Quaternion{W: 1}}
			}
			h.Digits[d] = digit
		}
		frame.Hands = append(frame.Hands, h)
	}
	return frame
}

func (s *Server) imageFor(frame *tracking.TrackingEvent) *tracking.ImageEvent {
	ev := &tracking.ImageEvent{FrameID: frame.FrameID, Timestamp: frame.Timestamp}
	for i := range ev.Images {
		img := tracking.Image{
			Type:   uint32(i),
			Format: tracking.ImageFormatIR,
			BPP:    1,
			Width:  s.cfg.ImageWidth,
			Height: s.cfg.ImageHeight,
		}
		img.Data = make([]byte, img.Size())
		shade := byte(frame.FrameID)
		for j := range img.Data {
			img.Data[j] = shade + byte(j)
		}
		ev.Images[i] = img
	}
	return ev
}

// Interpolate returns the frame at ts, linearly interpolating palm
// positions between the two neighbouring frames of the history.
// Timestamps past the newest frame return the newest frame.
func (s *Server) Interpolate(ts int64) (*tracking.TrackingEvent, error) {
	s.historyMu.Lock()
	defer s.historyMu.Unlock()

	if len(s.history) == 0 {
		return nil, tracking.ResultNotStreaming
	}
	if ts < s.history[0].Timestamp {
		return nil, tracking.ResultTimestampTooEarly
	}

	last := &s.history[len(s.history)-1]
	if ts >= last.Timestamp {
		return last.Clone(), nil
	}

	for i := 1; i < len(s.history); i++ {
		b := &s.history[i]
		if ts > b.Timestamp {
			continue
		}
		a := &s.history[i-1]
		return Lerp(a, b, ts), nil
	}
	return last.Clone(), nil
}

// Lerp interpolates between frames a and b at ts. Hands are matched by ID;
// hands missing from b are copied from a unchanged.
func Lerp(a, b *tracking.TrackingEvent, ts int64) *tracking.TrackingEvent {
	out := a.Clone()
	out.Timestamp = ts

	span := b.Timestamp - a.Timestamp
	if span <= 0 {
		return out
	}
	t := float32(ts-a.Timestamp) / float32(span)

	for i := range out.Hands {
		h := &out.Hands[i]
		for j := range b.Hands {
			if b.Hands[j].ID != h.ID {
				continue
			}
			next := &b.Hands[j].Palm
			h.Palm.Position = h.Palm.Position.Lerp(next.Position, t)
			h.Palm.StabilizedPosition = h.Palm.StabilizedPosition.Lerp(next.StabilizedPosition, t)
			h.Palm.Velocity = h.Palm.Velocity.Lerp(next.Velocity, t)
			break
		}
	}
	return out
}

// DetachDevice announces that the device was unplugged.
func (s *Server) DetachDevice() {
	if s.attached.Swap(false) {
		s.broadcast(tracking.EventDeviceLost, s.deviceEvent())
	}
}

// AttachDevice announces that the device was plugged back in.
func (s *Server) AttachDevice() {
	if !s.attached.Swap(true) {
		s.broadcast(tracking.EventDevice, s.deviceEvent())
	}
}

// FailDevice reports a device fault.
func (s *Server) FailDevice(status tracking.DeviceStatus) {
	s.broadcast(tracking.EventDeviceFailure, &tracking.DeviceFailureEvent{Status: status, Handle: simDeviceHandle})
}

// EmitLog sends a service log line to every client.
func (s *Server) EmitLog(severity tracking.LogSeverity, message string) {
	s.broadcast(tracking.EventLog, &tracking.LogEvent{
		Severity:  severity,
		Timestamp: time.Since(s.start).Microseconds(),
		Message:   message,
	})
}

func (s *Server) deviceEvent() *tracking.DeviceEvent {
	return &tracking.DeviceEvent{
		Device: tracking.DeviceRef{Handle: uint64(simDeviceHandle), ID: uint32(simDeviceHandle)},
		Status: tracking.DeviceStatusStreaming,
	}
}

// Stats returns simulator counters.
func (s *Server) Stats() Stats {
	s.clientsMu.Lock()
	n := len(s.clients)
	s.clientsMu.Unlock()

	return Stats{
		Clients:       n,
		FramesSent:    s.framesSent.Load(),
		ImagesSent:    s.imagesSent.Load(),
		Requests:      s.requests.Load(),
		DeviceOpen:    s.attached.Load(),
		CurrentPolicy: tracking.PolicyFlag(s.policy.Load()),
		CurrentMode:   tracking.TrackingMode(s.mode.Load()),
	}
}

// broadcast sends an event to every client that completed the hello.
func (s *Server) broadcast(t tracking.EventType, payload any) {
	env, err := trackd.NewEvent(t, uint32(simDeviceHandle), payload)
	if err != nil {
		s.logger.Error("encoding event failed", "event", t.String(), "error", err)
		return
	}

	s.clientsMu.Lock()
	targets := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		targets = append(targets, c)
	}
	s.clientsMu.Unlock()

	for _, c := range targets {
		if err := c.write(trackd.KindEvent, env); err != nil {
			s.logger.Debug("dropping client", "remote", c.conn.RemoteAddr().String(), "error", err)
			c.conn.Close()
		}
	}
}
