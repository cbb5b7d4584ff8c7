package tracking

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Default session timings.
const (
	// DefaultPollTimeout bounds each Poll call of the polling loop.
	DefaultPollTimeout = 200 * time.Millisecond

	// DefaultRetryDelay is the pause after a failed Poll while not connected.
	DefaultRetryDelay = 100 * time.Millisecond

	// DefaultCloseTimeout bounds how long Close waits for the loop to exit.
	DefaultCloseTimeout = 3 * time.Second

	// DefaultSerialBufferSize is the first serial buffer offered to DeviceInfo.
	DefaultSerialBufferSize = 64
)

// Config holds session settings. Zero values select the defaults.
type Config struct {
	ServerNamespace  string
	PollTimeout      time.Duration
	RetryDelay       time.Duration
	CloseTimeout     time.Duration
	SerialBufferSize int
}

func (c Config) withDefaults() Config {
	if c.ServerNamespace == "" {
		c.ServerNamespace = DefaultServerNamespace
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = DefaultPollTimeout
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.CloseTimeout <= 0 {
		c.CloseTimeout = DefaultCloseTimeout
	}
	if c.SerialBufferSize <= 0 {
		c.SerialBufferSize = DefaultSerialBufferSize
	}
	return c
}

// Option configures a Session.
type Option func(*Session)

// WithDispatcher sets where deferred callbacks run.
// Without one, deferred callbacks run inline on the polling goroutine.
func WithDispatcher(d Dispatcher) Option {
	return func(s *Session) {
		if d != nil {
			s.dispatcher = d
		}
	}
}

// WithLogger sets the session logger.
func WithLogger(l Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithGuard replaces the process-wide context guard.
func WithGuard(g *Guard) Option {
	return func(s *Session) {
		if g != nil {
			s.guard = g
		}
	}
}

// Stats holds session counters.
type Stats struct {
	Running           bool
	Connected         bool
	FramesReceived    uint64
	ImagesReceived    uint64
	DevicesAttached   uint64
	DeferredPosted    uint64
	DeferredDropped   uint64
	PollErrors        uint64
	UnknownMessages   uint64
	MalformedMessages uint64
	StaleTasks        uint64 // deferred tasks skipped by the guard
	LeakedLoops       uint64 // polling loops that outlived Close
	LastFrameAt       time.Time
	CurrentPolicy     PolicyFlag
	CurrentMode       TrackingMode
}

type sessionStats struct {
	images          atomic.Uint64
	devices         atomic.Uint64
	deferredPosted  atomic.Uint64
	deferredDropped atomic.Uint64
	pollErrors      atomic.Uint64
	unknown         atomic.Uint64
	malformed       atomic.Uint64
	leakedLoops     atomic.Uint64
}

// callbackBox lets an interface value live in an atomic.Pointer.
type callbackBox struct {
	cb Callback
}

// Session owns one connection to the tracking service and the goroutine
// polling it.
//
// Thread Safety:
//   - Open, Close and Destroy are serialized and must not be called from a
//     callback running on the polling goroutine.
//   - LatestFrame, CopyLatestFrame, DeviceProperties, LatestImage and Stats
//     are safe from any goroutine.
//   - InterpolatedFrameAt must be called by one goroutine at a time.
//
// Lifecycle:
//   - The polling goroutine starts in Open and is the only goroutine that
//     destroys the connection, once it has stopped polling.
//   - Close stops the loop and waits up to CloseTimeout for it.
//   - Destroy revokes the session's validity first so pending deferred
//     callbacks are skipped, then releases everything.
type Session struct {
	cfg        Config
	connector  Connector
	dispatcher Dispatcher
	guard      *Guard
	logger     Logger

	lifecycleMu sync.Mutex
	connMu      sync.RWMutex
	conn        Connection
	loopOwned   bool // conn is destroyed by the polling goroutine
	stop        *closeOnce
	done        chan struct{}

	callback  atomic.Pointer[callbackBox]
	running   atomic.Bool
	connected atomic.Bool
	destroyed atomic.Bool

	state *FrameState

	interpBuf   Buffer
	interpFrame TrackingEvent

	imageMu  sync.Mutex
	imageBuf Buffer
	image    ImageEvent
	hasImage bool

	policy atomic.Uint32
	mode   atomic.Uint32
	stats  sessionStats

	// stale is allocated on its own so deferred tasks can count into it
	// without keeping the session reachable.
	stale *atomic.Uint64
}

// NewSession creates a session that connects through connector.
//
// Parameters:
//   - connector: creates the service connection on Open
//   - cfg: timings and namespace; zero values select defaults
//   - opts: dispatcher, logger and guard overrides
//
// Returns:
//   - *Session: a closed session
func NewSession(connector Connector, cfg Config, opts ...Option) *Session {
	s := &Session{
		cfg:        cfg.withDefaults(),
		connector:  connector,
		dispatcher: inlineDispatcher{},
		guard:      &defaultGuard,
		logger:     nopLogger{},
		state:      NewFrameState(),
		stale:      new(atomic.Uint64),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open registers cb, publishes the session as the valid context, creates and
// opens the connection and, only if that succeeds, starts the polling loop.
//
// A failure is logged and returned; no goroutine is started. Handle still
// returns a connection that was created but failed to open.
func (s *Session) Open(cb Callback) error {
	if cb == nil {
		return ErrNilCallback
	}

	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if s.destroyed.Load() {
		return fmt.Errorf("%w: session destroyed", ErrNotOpen)
	}
	if s.running.Load() || s.loopActive() {
		return ErrAlreadyOpen
	}

	s.callback.Store(&callbackBox{cb: cb})
	s.guard.Publish(s)

	// A connection from an earlier failed Open was never owned by a loop.
	s.releaseOrphanConnection()

	conn, err := s.connector.CreateConnection(ConnectionConfig{ServerNamespace: s.cfg.ServerNamespace})
	if err != nil {
		s.logger.Error("creating connection failed", "namespace", s.cfg.ServerNamespace, "error", err)
		return fmt.Errorf("creating connection: %w", err)
	}

	s.connMu.Lock()
	s.conn = conn
	s.loopOwned = false
	s.connMu.Unlock()

	if err := conn.Open(); err != nil {
		s.logger.Error("opening connection failed", "namespace", s.cfg.ServerNamespace, "error", err)
		return fmt.Errorf("opening connection: %w", err)
	}

	s.connMu.Lock()
	s.loopOwned = true
	s.connMu.Unlock()

	s.stop = newCloseOnce()
	s.done = make(chan struct{})
	s.running.Store(true)
	go s.run(conn, s.stop, s.done)

	s.logger.Info("tracking session opened", "namespace", s.cfg.ServerNamespace)
	return nil
}

// Close stops the polling loop and releases the callback registration.
//
// Calling Close on a session that is neither connected nor running is a
// no-op. Close waits up to CloseTimeout for the loop; if it does not exit in
// time the leak is logged and counted, and Close returns anyway.
func (s *Session) Close() {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if !s.connected.Load() && !s.running.Load() {
		s.logger.Debug("close ignored, session not connected")
		return
	}

	s.connected.Store(false)
	s.running.Store(false)
	if s.stop != nil {
		s.stop.Close()
	}
	s.state.ClearDevice()

	if s.done != nil {
		select {
		case <-s.done:
		case <-time.After(s.cfg.CloseTimeout):
			s.stats.leakedLoops.Add(1)
			s.logger.Warn("polling loop did not exit before close timeout",
				"timeout", s.cfg.CloseTimeout,
			)
		}
	}

	s.callback.Store(nil)
	s.logger.Info("tracking session closed")
}

// Destroy tears the session down: the validity token is revoked first, then
// the callback is cleared, buffers are released and the session is closed.
// The session cannot be reopened afterwards.
func (s *Session) Destroy() {
	if !s.destroyed.CompareAndSwap(false, true) {
		return
	}

	s.guard.Revoke(s)
	s.callback.Store(nil)

	s.state.Release()
	s.imageMu.Lock()
	s.imageBuf.Release()
	s.image = ImageEvent{}
	s.hasImage = false
	s.imageMu.Unlock()
	s.interpBuf.Release()
	s.interpFrame = TrackingEvent{}

	s.Close()

	s.lifecycleMu.Lock()
	s.releaseOrphanConnection()
	s.lifecycleMu.Unlock()
}

// releaseOrphanConnection destroys a connection that no polling loop owns.
// Caller must hold lifecycleMu.
func (s *Session) releaseOrphanConnection() {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn != nil && !s.loopOwned {
		s.conn.Destroy()
		s.conn = nil
	}
}

// loopActive reports whether a polling goroutine has not yet exited.
// Caller must hold lifecycleMu.
func (s *Session) loopActive() bool {
	if s.done == nil {
		return false
	}
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

// Callback returns the registered callback, or nil.
func (s *Session) Callback() Callback {
	if box := s.callback.Load(); box != nil {
		return box.cb
	}
	return nil
}

// Handle returns the current connection, or nil.
func (s *Session) Handle() Connection {
	s.connMu.RLock()
	defer s.connMu.RUnlock()
	return s.conn
}

// IsConnected reports whether the service has confirmed the connection.
func (s *Session) IsConnected() bool {
	return s.connected.Load()
}

// IsRunning reports whether the polling loop is running.
func (s *Session) IsRunning() bool {
	return s.running.Load()
}

// SetPolicy asks the service to set and clear policy flags.
// The outcome is reported later by a Policy event; failures are only logged.
func (s *Session) SetPolicy(set, clear PolicyFlag) {
	conn := s.Handle()
	if conn == nil {
		s.logger.Warn("set policy ignored", "error", ErrNotOpen)
		return
	}
	if err := conn.SetPolicyFlags(set, clear); err != nil {
		s.logger.Error("set policy failed",
			"set", set.Names(),
			"clear", clear.Names(),
			"error", err,
		)
	}
}

// SetPolicyFlag sets flag when enabled is true and clears it otherwise.
func (s *Session) SetPolicyFlag(flag PolicyFlag, enabled bool) {
	if enabled {
		s.SetPolicy(flag, 0)
	} else {
		s.SetPolicy(0, flag)
	}
}

// SetTrackingMode asks the service to switch tracking mode.
// The outcome is reported later by a TrackingMode event; failures are only logged.
func (s *Session) SetTrackingMode(mode TrackingMode) {
	conn := s.Handle()
	if conn == nil {
		s.logger.Warn("set tracking mode ignored", "error", ErrNotOpen)
		return
	}
	if err := conn.SetTrackingMode(mode); err != nil {
		s.logger.Error("set tracking mode failed", "mode", mode.String(), "error", err)
	}
}

// EnableImageStream turns sensor image delivery on or off.
// Disabling releases the image buffer.
func (s *Session) EnableImageStream(enable bool) {
	if !enable {
		s.imageMu.Lock()
		s.imageBuf.Release()
		s.image = ImageEvent{}
		s.hasImage = false
		s.imageMu.Unlock()
	}
	s.SetPolicyFlag(PolicyImages, enable)
}

// RequestConfigValue asks the service for a config value.
// The value arrives through Callback.OnConfigResponse with the returned ID.
func (s *Session) RequestConfigValue(key string) (uint32, error) {
	conn := s.Handle()
	if conn == nil {
		return 0, ErrNotOpen
	}
	id, err := conn.RequestConfigValue(key)
	if err != nil {
		return 0, fmt.Errorf("requesting config %q: %w", key, err)
	}
	return id, nil
}

// SaveConfigValue stores a config value in the service.
// The outcome arrives through Callback.OnConfigChange with the returned ID.
func (s *Session) SaveConfigValue(key string, value ConfigValue) (uint32, error) {
	conn := s.Handle()
	if conn == nil {
		return 0, ErrNotOpen
	}
	id, err := conn.SaveConfigValue(key, value)
	if err != nil {
		return 0, fmt.Errorf("saving config %q: %w", key, err)
	}
	return id, nil
}

// LatestFrame returns the most recent tracking frame, or nil.
// The frame is left untouched until it is replaced; copy it with
// CopyLatestFrame to keep it longer.
func (s *Session) LatestFrame() *TrackingEvent {
	return s.state.Frame()
}

// CopyLatestFrame copies the most recent frame into dst.
// Returns false if no frame has arrived.
func (s *Session) CopyLatestFrame(dst *TrackingEvent) bool {
	return s.state.CopyFrame(dst)
}

// DeviceProperties returns the attached device's properties, or nil.
func (s *Session) DeviceProperties() *DeviceInfo {
	return s.state.Device()
}

// InterpolatedFrameAt asks the service for the frame at timestamp
// (microseconds on the service clock).
//
// The interpolation buffer is reallocated only when the reported frame size
// differs from the previous allocation. The returned frame is owned by the
// session and overwritten by the next call.
//
// Returns:
//   - *TrackingEvent: the interpolated frame, or nil if the service reported
//     no data for the timestamp
//   - error: ErrNotOpen or the service failure
func (s *Session) InterpolatedFrameAt(timestamp int64) (*TrackingEvent, error) {
	if s.destroyed.Load() {
		return nil, fmt.Errorf("%w: session destroyed", ErrNotOpen)
	}
	conn := s.Handle()
	if conn == nil {
		return nil, ErrNotOpen
	}

	size, err := conn.FrameSize(timestamp)
	if err != nil {
		return nil, fmt.Errorf("getting frame size at %d: %w", timestamp, err)
	}
	if size <= 0 {
		return nil, nil
	}

	buf, _ := s.interpBuf.Ensure(size)
	if err := conn.InterpolateFrame(timestamp, buf); err != nil {
		return nil, fmt.Errorf("interpolating frame at %d: %w", timestamp, err)
	}
	if err := UnmarshalFrame(buf, &s.interpFrame); err != nil {
		return nil, err
	}
	return &s.interpFrame, nil
}

// InterpolationBuffer exposes the buffer used by InterpolatedFrameAt.
// Same threading rules apply.
func (s *Session) InterpolationBuffer() *Buffer {
	return &s.interpBuf
}

// LatestImage returns a copy of the most recent image event.
func (s *Session) LatestImage() (ImageEvent, bool) {
	s.imageMu.Lock()
	defer s.imageMu.Unlock()
	if !s.hasImage {
		return ImageEvent{}, false
	}
	out := s.image
	for i := range out.Images {
		out.Images[i].Data = append([]byte(nil), s.image.Images[i].Data...)
	}
	return out, true
}

// ImageBufferAllocations returns how often the image buffer was allocated.
func (s *Session) ImageBufferAllocations() uint64 {
	s.imageMu.Lock()
	defer s.imageMu.Unlock()
	return s.imageBuf.Allocations()
}

// CurrentPolicy returns the policy last reported by the service.
func (s *Session) CurrentPolicy() PolicyFlag {
	return PolicyFlag(s.policy.Load())
}

// CurrentTrackingMode returns the tracking mode last reported by the service.
func (s *Session) CurrentTrackingMode() TrackingMode {
	return TrackingMode(s.mode.Load())
}

// Stats returns a snapshot of the session counters.
func (s *Session) Stats() Stats {
	return Stats{
		Running:           s.running.Load(),
		Connected:         s.connected.Load(),
		FramesReceived:    s.state.FrameCount(),
		ImagesReceived:    s.stats.images.Load(),
		DevicesAttached:   s.stats.devices.Load(),
		DeferredPosted:    s.stats.deferredPosted.Load(),
		DeferredDropped:   s.stats.deferredDropped.Load(),
		PollErrors:        s.stats.pollErrors.Load(),
		UnknownMessages:   s.stats.unknown.Load(),
		MalformedMessages: s.stats.malformed.Load(),
		StaleTasks:        s.stale.Load(),
		LeakedLoops:       s.stats.leakedLoops.Load(),
		LastFrameAt:       s.state.LastFrameAt(),
		CurrentPolicy:     s.CurrentPolicy(),
		CurrentMode:       s.CurrentTrackingMode(),
	}
}

// closeOnce wraps a channel with sync.Once to prevent double-close panics.
type closeOnce struct {
	ch   chan struct{}
	once sync.Once
}

func newCloseOnce() *closeOnce {
	return &closeOnce{ch: make(chan struct{})}
}

func (c *closeOnce) Close() {
	c.once.Do(func() { close(c.ch) })
}

func (c *closeOnce) Done() <-chan struct{} {
	return c.ch
}
