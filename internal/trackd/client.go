package trackd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/motionlink/internal/tracking"
)

// DefaultAddress is the framed-protocol address used when none is configured.
const DefaultAddress = "tcp://localhost:12345"

// Config holds tracking service connection configuration.
type Config struct {
	// Address is the service URL.
	// Supported formats:
	//   - "tcp://localhost:12345" (framed protocol over TCP)
	//   - "unix:///run/trackd.sock" (framed protocol over a Unix socket)
	//   - "ws://localhost:6437/v7.json" (legacy JSON protocol, WSClient only)
	Address string

	// ConnectTimeout bounds one dial plus handshake.
	// Default: 5 seconds.
	ConnectTimeout time.Duration

	// RequestTimeout bounds the wait for a response.
	// Default: 5 seconds.
	RequestTimeout time.Duration

	// ReconnectInterval is the initial delay between connection attempts.
	// Default: 500 milliseconds.
	ReconnectInterval time.Duration

	// EventQueueSize is the number of undelivered events kept.
	// Default: 256.
	EventQueueSize int

	// MaxMessageSize bounds a single frame.
	// Default: 4 MiB.
	MaxMessageSize uint32
}

func (c Config) withDefaults() Config {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = defaultConnectTimeout
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = defaultRequestTimeout
	}
	if c.ReconnectInterval <= 0 {
		c.ReconnectInterval = defaultReconnectInterval
	}
	if c.EventQueueSize <= 0 {
		c.EventQueueSize = defaultEventQueueSize
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = DefaultMaxMessageSize
	}
	return c
}

// Stats holds operational statistics.
type Stats struct {
	EventsRx        uint64
	EventsDropped   uint64
	RequestsTx      uint64
	RequestTimeouts uint64
	ErrorsTotal     uint64
	ReconnectsTotal uint64
	LastActivity    time.Time
	Connected       bool
	ServiceVersion  string
}

// Ensure Client implements tracking.Connection.
var _ tracking.Connection = (*Client)(nil)

// Client speaks the framed CBOR protocol to the tracking service.
//
// Thread Safety:
//   - Poll must be called from one goroutine only.
//   - All other methods are safe for concurrent use.
//
// Auto-Reconnection:
//   - Open starts a background loop that connects and, when the link drops,
//     reconnects with exponential backoff from ReconnectInterval up to 2min.
//   - A ConnectionLost event is queued each time an established link drops.
//   - Reconnection stops only when Destroy is called.
type Client struct {
	cfg       Config
	namespace string
	logger    Logger

	network string
	address string

	// Connection state
	connMu    sync.RWMutex
	conn      net.Conn
	dialing   net.Conn
	writer    *FrameWriter
	connected atomic.Bool
	version   atomic.Pointer[string]

	events *eventQueue

	// Request correlation
	pendingMu sync.Mutex
	pending   map[uint32]chan *Envelope
	nextID    atomic.Uint32

	// Shutdown coordination
	started atomic.Bool
	done    *closeOnce
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	// Statistics
	eventsRx        atomic.Uint64
	requestsTx      atomic.Uint64
	requestTimeouts atomic.Uint64
	errorsTotal     atomic.Uint64
	reconnectsTotal atomic.Uint64
	everConnected   atomic.Bool
	lastActivity    atomic.Int64
}

// NewClient creates a framed-protocol client. Nothing is dialled until Open.
//
// Parameters:
//   - cfg: connection settings; zero values select defaults
//   - namespace: service namespace sent in the handshake
//   - logger: optional; may be nil
func NewClient(cfg Config, namespace string, logger Logger) *Client {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = nopLogger{}
	}
	if namespace == "" {
		namespace = tracking.DefaultServerNamespace
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		cfg:       cfg,
		namespace: namespace,
		logger:    logger,
		events:    newEventQueue(cfg.EventQueueSize),
		pending:   make(map[uint32]chan *Envelope),
		done:      newCloseOnce(),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// parseAddress parses a service URL into network and address.
func parseAddress(addr string) (network, address string, err error) {
	if addr == "" {
		addr = DefaultAddress
	}
	u, err := url.Parse(addr)
	if err != nil {
		return "", "", fmt.Errorf("invalid URL: %w", err)
	}

	switch u.Scheme {
	case "unix":
		if u.Path == "" {
			return "", "", fmt.Errorf("unix address %q has no path", addr)
		}
		return "unix", u.Path, nil
	case "tcp":
		host := u.Host
		if host == "" {
			host = "localhost:12345"
		}
		return "tcp", host, nil
	default:
		return "", "", fmt.Errorf("unsupported scheme %q (use unix or tcp)", u.Scheme)
	}
}

// Open validates the address and starts the background connect loop.
// It does not wait for the service.
func (c *Client) Open() error {
	network, address, err := parseAddress(c.cfg.Address)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidAddress, err)
	}
	if c.done.IsClosed() {
		return tracking.ResultNotConnected
	}
	if !c.started.CompareAndSwap(false, true) {
		return ErrAlreadyOpen
	}
	c.network, c.address = network, address

	c.wg.Add(1)
	go c.connectLoop()
	return nil
}

// connectLoop keeps one link to the service alive until Destroy.
func (c *Client) connectLoop() {
	defer c.wg.Done()

	backoff := c.cfg.ReconnectInterval
	attempt := 0

	for !c.done.IsClosed() {
		conn, err := c.dial()
		if err == nil {
			err = c.handshake(conn)
		}
		if err != nil {
			if c.done.IsClosed() {
				return
			}
			attempt++
			c.errorsTotal.Add(1)
			c.logger.Debug("tracking service unavailable",
				"address", c.cfg.Address,
				"attempt", attempt,
				"backoff", backoff.String(),
				"error", err,
			)
			if !c.sleep(backoff) {
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}

		if !c.attach(conn) {
			conn.Close()
			return
		}
		if c.everConnected.Swap(true) {
			c.reconnectsTotal.Add(1)
		}
		c.logger.Info("connected to tracking service",
			"address", c.cfg.Address,
			"service_version", c.ServiceVersion(),
			"attempts", attempt+1,
		)
		backoff = c.cfg.ReconnectInterval
		attempt = 0

		err = c.readLoop(conn)
		c.detach(conn, err)
	}
}

func (c *Client) dial() (net.Conn, error) {
	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.ConnectTimeout)
	defer cancel()

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, c.network, c.address)
	if err != nil {
		return nil, fmt.Errorf("dial %s://%s: %w", c.network, c.address, err)
	}
	return conn, nil
}

// handshake sends the hello request and waits for its response before the
// receive loop starts. conn is closed on failure.
func (c *Client) handshake(conn net.Conn) (err error) {
	c.connMu.Lock()
	if c.done.IsClosed() {
		c.connMu.Unlock()
		conn.Close()
		return tracking.ResultNotConnected
	}
	c.dialing = conn
	c.connMu.Unlock()

	defer func() {
		c.connMu.Lock()
		c.dialing = nil
		c.connMu.Unlock()
		if err != nil {
			conn.Close()
		}
	}()

	if err := conn.SetDeadline(time.Now().Add(c.cfg.ConnectTimeout)); err != nil {
		return fmt.Errorf("set deadline: %w", err)
	}
	defer conn.SetDeadline(time.Time{}) //nolint:errcheck

	body, err := tracking.Marshal(HelloRequest{Namespace: c.namespace, Version: ProtocolVersion})
	if err != nil {
		return fmt.Errorf("encode hello: %w", err)
	}
	if err := NewFrameWriter(conn).WriteEnvelope(KindRequest, &Envelope{Op: OpHello, Payload: body}); err != nil {
		return err
	}

	kind, env, err := NewFrameReader(conn, c.cfg.MaxMessageSize).ReadEnvelope()
	if err != nil {
		return fmt.Errorf("read hello response: %w", err)
	}
	if kind != KindResponse || env.Op != OpHello {
		return fmt.Errorf("%w: unexpected %s frame op %s", ErrHandshakeFailed, kind, env.Op)
	}
	if env.Result != tracking.ResultSuccess {
		return fmt.Errorf("%w: %w", ErrHandshakeFailed, env.Result)
	}

	var hello HelloResponse
	if err := decodePayload(env, &hello); err != nil {
		return fmt.Errorf("%w: %w", ErrHandshakeFailed, err)
	}
	c.version.Store(&hello.ServiceVersion)
	return nil
}

// attach publishes conn as the live link. Returns false if the client was
// destroyed in the meantime.
func (c *Client) attach(conn net.Conn) bool {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.done.IsClosed() {
		return false
	}
	c.conn = conn
	c.writer = NewFrameWriter(conn)
	c.writer.maxMessageSize = c.cfg.MaxMessageSize
	c.connected.Store(true)
	c.lastActivity.Store(time.Now().Unix())
	return true
}

// detach tears down a dropped link, fails pending requests and queues a
// ConnectionLost event.
func (c *Client) detach(conn net.Conn, cause error) {
	c.connMu.Lock()
	if c.conn == conn {
		c.conn = nil
		c.writer = nil
	}
	c.connected.Store(false)
	c.connMu.Unlock()

	conn.Close()
	c.failPending()

	if c.done.IsClosed() {
		return
	}
	c.errorsTotal.Add(1)
	c.logger.Warn("tracking service connection lost", "error", cause)
	c.events.push(connectionLost())
}

// readLoop reads frames until the link fails.
func (c *Client) readLoop(conn net.Conn) error {
	fr := NewFrameReader(conn, c.cfg.MaxMessageSize)

	for {
		kind, env, err := fr.ReadEnvelope()
		if err != nil {
			if errors.Is(err, ErrMalformed) {
				c.errorsTotal.Add(1)
				c.logger.Debug("discarding malformed frame", "error", err)
				continue
			}
			return err
		}
		c.lastActivity.Store(time.Now().Unix())

		switch kind {
		case KindEvent:
			msg, err := DecodeEvent(env)
			if err != nil {
				c.errorsTotal.Add(1)
				c.logger.Debug("discarding malformed event", "event", env.Event.String(), "error", err)
				continue
			}
			c.eventsRx.Add(1)
			c.events.push(msg)
		case KindResponse:
			c.resolve(env)
		default:
			c.errorsTotal.Add(1)
			c.logger.Debug("discarding unexpected frame", "kind", kind.String())
		}
	}
}

func (c *Client) resolve(env *Envelope) {
	c.pendingMu.Lock()
	ch, ok := c.pending[env.ID]
	c.pendingMu.Unlock()

	if !ok {
		c.logger.Debug("response without pending request", "id", env.ID, "op", env.Op.String())
		return
	}
	select {
	case ch <- env:
	default:
	}
}

func (c *Client) failPending() {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()

	for id, ch := range c.pending {
		select {
		case ch <- &Envelope{ID: id, Result: tracking.ResultNotConnected}:
		default:
		}
	}
}

func (c *Client) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-c.done.Done():
		return false
	}
}

// write sends one envelope on the live link.
func (c *Client) write(kind Kind, env *Envelope) error {
	c.connMu.RLock()
	conn, w := c.conn, c.writer
	c.connMu.RUnlock()

	if conn == nil || w == nil {
		return tracking.ResultNotConnected
	}
	if err := conn.SetWriteDeadline(time.Now().Add(defaultWriteTimeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := w.WriteEnvelope(kind, env); err != nil {
		c.errorsTotal.Add(1)
		return fmt.Errorf("%w: %w", tracking.ResultUnexpectedClosed, err)
	}
	c.requestsTx.Add(1)
	return nil
}

// request sends op and waits for its response. A response is returned
// alongside a non-success result so callers can read its payload.
func (c *Client) request(op Op, payload any) (*Envelope, error) {
	if !c.connected.Load() {
		return nil, fmt.Errorf("%s: %w", op, tracking.ResultNotConnected)
	}

	body, err := tracking.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%s: encode: %w", op, err)
	}

	id := c.nextID.Add(1)
	if id == 0 {
		id = c.nextID.Add(1)
	}
	ch := make(chan *Envelope, 1)

	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	if err := c.write(KindRequest, &Envelope{ID: id, Op: op, Payload: body}); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	timer := time.NewTimer(c.cfg.RequestTimeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		if resp.Result != tracking.ResultSuccess {
			return resp, fmt.Errorf("%s: %w", op, resp.Result)
		}
		return resp, nil
	case <-timer.C:
		c.requestTimeouts.Add(1)
		return nil, fmt.Errorf("%s: %w", op, tracking.ResultTimeout)
	case <-c.done.Done():
		return nil, fmt.Errorf("%s: %w", op, tracking.ResultNotConnected)
	}
}

func decodePayload(env *Envelope, v any) error {
	if len(env.Payload) == 0 {
		return fmt.Errorf("%w: %s response has no payload", ErrMalformed, env.Op)
	}
	if err := tracking.Unmarshal(env.Payload, v); err != nil {
		return fmt.Errorf("%w: %s payload: %w", ErrMalformed, env.Op, err)
	}
	return nil
}

// Poll waits up to timeout for the next event.
func (c *Client) Poll(timeout time.Duration) (*tracking.Message, error) {
	return c.events.poll(timeout, c.connected.Load(), c.done.Done())
}

// SetPolicyFlags sets and clears policy flags. The service answers with a
// Policy event.
func (c *Client) SetPolicyFlags(set, clear tracking.PolicyFlag) error {
	_, err := c.request(OpSetPolicy, PolicyRequest{Set: set, Clear: clear})
	return err
}

// SetTrackingMode selects a tracking mode. The service answers with a
// TrackingMode event.
func (c *Client) SetTrackingMode(mode tracking.TrackingMode) error {
	_, err := c.request(OpSetTrackingMode, TrackingModeRequest{Mode: mode})
	return err
}

// FrameSize returns the byte size of the interpolated frame at timestamp.
func (c *Client) FrameSize(timestamp int64) (int, error) {
	resp, err := c.request(OpFrameSize, FrameRequest{Timestamp: timestamp})
	if err != nil {
		return 0, err
	}
	var r FrameSizeResponse
	if err := decodePayload(resp, &r); err != nil {
		return 0, err
	}
	return int(r.Size), nil
}

// InterpolateFrame fills buf with the interpolated frame at timestamp.
// buf must be exactly the size FrameSize reported.
func (c *Client) InterpolateFrame(timestamp int64, buf []byte) error {
	resp, err := c.request(OpInterpolateFrame, FrameRequest{Timestamp: timestamp, Size: uint32(len(buf))})
	if err != nil {
		return err
	}
	var r FrameResponse
	if err := decodePayload(resp, &r); err != nil {
		return err
	}
	if len(r.Frame) != len(buf) {
		return fmt.Errorf("%s: got %d bytes for a %d byte buffer: %w",
			OpInterpolateFrame, len(r.Frame), len(buf), tracking.ResultBufferSizeOverflow)
	}
	copy(buf, r.Frame)
	return nil
}

// OpenDevice opens an announced device.
func (c *Client) OpenDevice(ref tracking.DeviceRef) (tracking.DeviceHandle, error) {
	resp, err := c.request(OpOpenDevice, OpenDeviceRequest{Device: ref})
	if err != nil {
		return 0, err
	}
	var r DeviceHandleMessage
	if err := decodePayload(resp, &r); err != nil {
		return 0, err
	}
	return r.Handle, nil
}

// DeviceInfo reads device properties and writes the NUL-terminated serial
// into serial. When serial is too small the returned info still carries
// SerialLength.
func (c *Client) DeviceInfo(handle tracking.DeviceHandle, serial []byte) (tracking.DeviceInfo, error) {
	var info tracking.DeviceInfo

	resp, err := c.request(OpDeviceInfo, DeviceInfoRequest{Handle: handle, SerialCapacity: uint32(len(serial))})
	if resp != nil && len(resp.Payload) > 0 {
		if derr := decodePayload(resp, &info); derr != nil && err == nil {
			err = derr
		}
	}
	if err != nil {
		return info, err
	}

	n := copy(serial, info.Serial)
	if n < len(serial) {
		serial[n] = 0
	}
	return info, nil
}

// CloseDevice releases a device handle without waiting for the service.
func (c *Client) CloseDevice(handle tracking.DeviceHandle) {
	body, err := tracking.Marshal(DeviceHandleMessage{Handle: handle})
	if err != nil {
		return
	}
	if err := c.write(KindRequest, &Envelope{Op: OpCloseDevice, Payload: body}); err != nil {
		c.logger.Debug("close device not sent", "handle", uint64(handle), "error", err)
	}
}

// RequestConfigValue asks for a config value. The value arrives as a
// ConfigResponse event with the returned request ID.
func (c *Client) RequestConfigValue(key string) (uint32, error) {
	resp, err := c.request(OpRequestConfigValue, ConfigKeyRequest{Key: key})
	if err != nil {
		return 0, err
	}
	var r ConfigRequestResponse
	if err := decodePayload(resp, &r); err != nil {
		return 0, err
	}
	return r.RequestID, nil
}

// SaveConfigValue stores a config value. The outcome arrives as a
// ConfigChange event with the returned request ID.
func (c *Client) SaveConfigValue(key string, value tracking.ConfigValue) (uint32, error) {
	resp, err := c.request(OpSaveConfigValue, ConfigSaveRequest{Key: key, Value: value})
	if err != nil {
		return 0, err
	}
	var r ConfigRequestResponse
	if err := decodePayload(resp, &r); err != nil {
		return 0, err
	}
	return r.RequestID, nil
}

// Destroy stops the connect loop, closes the link and waits for the
// client's goroutines. Safe to call more than once.
func (c *Client) Destroy() {
	c.done.Close()
	c.cancel()

	c.connMu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	if c.dialing != nil {
		c.dialing.Close()
	}
	c.connMu.Unlock()

	c.wg.Wait()
	c.connected.Store(false)
	c.events.drain()
}

// IsConnected returns true while a link to the service is established.
func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

// ServiceVersion returns the version the service reported in the last
// handshake.
func (c *Client) ServiceVersion() string {
	if v := c.version.Load(); v != nil {
		return *v
	}
	return ""
}

// Stats returns current operational statistics.
func (c *Client) Stats() Stats {
	return Stats{
		EventsRx:        c.eventsRx.Load(),
		EventsDropped:   c.events.dropped.Load(),
		RequestsTx:      c.requestsTx.Load(),
		RequestTimeouts: c.requestTimeouts.Load(),
		ErrorsTotal:     c.errorsTotal.Load(),
		ReconnectsTotal: c.reconnectsTotal.Load(),
		LastActivity:    time.Unix(c.lastActivity.Load(), 0),
		Connected:       c.IsConnected(),
		ServiceVersion:  c.ServiceVersion(),
	}
}

// HealthCheck verifies the link is up.
func (c *Client) HealthCheck(_ context.Context) error {
	if !c.IsConnected() {
		return tracking.ResultNotConnected
	}
	return nil
}
