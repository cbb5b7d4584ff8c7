package trackd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/motionlink/internal/tracking"
)

// DefaultWSAddress is the legacy WebSocket endpoint of the tracking service.
const DefaultWSAddress = "ws://localhost:6437/v7.json"

// wsSupportedPolicy is the set of policy flags the legacy protocol can
// express.
const wsSupportedPolicy = tracking.PolicyBackgroundFrames | tracking.PolicyOptimizeHMD

// Legacy protocol messages. Vectors are [x, y, z] arrays in millimetres.
type (
	wsVec [3]float32

	wsMessage struct {
		ServiceVersion   string        `json:"serviceVersion,omitempty"`
		Version          int           `json:"version,omitempty"`
		Event            *wsEvent      `json:"event,omitempty"`
		ID               *int64        `json:"id,omitempty"`
		Timestamp        int64         `json:"timestamp,omitempty"`
		CurrentFrameRate float32       `json:"currentFrameRate,omitempty"`
		Hands            []wsHand      `json:"hands,omitempty"`
		Pointables       []wsPointable `json:"pointables,omitempty"`
	}

	wsEvent struct {
		Type  string        `json:"type"`
		State wsDeviceState `json:"state"`
	}

	wsDeviceState struct {
		Attached  bool   `json:"attached"`
		ID        string `json:"id"`
		Streaming bool   `json:"streaming"`
		Type      string `json:"type"`
	}

	wsHand struct {
		ID                     uint32  `json:"id"`
		Type                   string  `json:"type"`
		Confidence             float32 `json:"confidence"`
		TimeVisible            float64 `json:"timeVisible"`
		PinchDistance          float32 `json:"pinchDistance"`
		GrabAngle              float32 `json:"grabAngle"`
		PinchStrength          float32 `json:"pinchStrength"`
		GrabStrength           float32 `json:"grabStrength"`
		PalmPosition           wsVec   `json:"palmPosition"`
		StabilizedPalmPosition wsVec   `json:"stabilizedPalmPosition"`
		PalmVelocity           wsVec   `json:"palmVelocity"`
		PalmNormal             wsVec   `json:"palmNormal"`
		PalmWidth              float32 `json:"palmWidth"`
		Direction              wsVec   `json:"direction"`
		Elbow                  wsVec   `json:"elbow"`
		Wrist                  wsVec   `json:"wrist"`
		ArmWidth               float32 `json:"armWidth"`
	}

	wsPointable struct {
		ID           uint32  `json:"id"`
		HandID       uint32  `json:"handId"`
		Type         int     `json:"type"`
		Extended     bool    `json:"extended"`
		Width        float32 `json:"width"`
		CarpPosition wsVec   `json:"carpPosition"`
		McpPosition  wsVec   `json:"mcpPosition"`
		PipPosition  wsVec   `json:"pipPosition"`
		DipPosition  wsVec   `json:"dipPosition"`
		BtipPosition wsVec   `json:"btipPosition"`
	}
)

func (v wsVec) vector() tracking.Vector {
	return tracking.Vector{X: v[0], Y: v[1], Z: v[2]}
}

type wsDevice struct {
	serial    string
	streaming bool
}

// Ensure WSClient implements tracking.Connection.
var _ tracking.Connection = (*WSClient)(nil)

// WSClient speaks the legacy JSON WebSocket protocol of the tracking
// service. The protocol carries frames and device events only, so frame
// interpolation and service config return ResultUnsupported, and policy
// and tracking mode changes are confirmed locally.
//
// Thread Safety:
//   - Poll must be called from one goroutine only.
//   - All other methods are safe for concurrent use.
type WSClient struct {
	cfg    Config
	logger Logger

	connMu    sync.RWMutex
	conn      *websocket.Conn
	writeMu   sync.Mutex
	connected atomic.Bool
	version   atomic.Pointer[string]

	// Device bookkeeping
	stateMu    sync.Mutex
	devices    map[tracking.DeviceHandle]wsDevice
	bySerial   map[string]tracking.DeviceHandle
	nextHandle tracking.DeviceHandle
	policy     tracking.PolicyFlag

	events *eventQueue

	started atomic.Bool
	done    *closeOnce
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	eventsRx        atomic.Uint64
	requestsTx      atomic.Uint64
	errorsTotal     atomic.Uint64
	reconnectsTotal atomic.Uint64
	everConnected   atomic.Bool
	lastActivity    atomic.Int64
}

// NewWSClient creates a legacy-protocol client. Nothing is dialled until
// Open.
func NewWSClient(cfg Config, logger Logger) *WSClient {
	cfg = cfg.withDefaults()
	if cfg.Address == "" {
		cfg.Address = DefaultWSAddress
	}
	if logger == nil {
		logger = nopLogger{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &WSClient{
		cfg:      cfg,
		logger:   logger,
		devices:  make(map[tracking.DeviceHandle]wsDevice),
		bySerial: make(map[string]tracking.DeviceHandle),
		events:   newEventQueue(cfg.EventQueueSize),
		done:     newCloseOnce(),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Open validates the URL and starts the background connect loop.
func (c *WSClient) Open() error {
	u, err := url.Parse(c.cfg.Address)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidAddress, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("%w: unsupported scheme %q (use ws or wss)", ErrInvalidAddress, u.Scheme)
	}
	if c.done.IsClosed() {
		return tracking.ResultNotConnected
	}
	if !c.started.CompareAndSwap(false, true) {
		return ErrAlreadyOpen
	}

	c.wg.Add(1)
	go c.connectLoop()
	return nil
}

func (c *WSClient) connectLoop() {
	defer c.wg.Done()

	backoff := c.cfg.ReconnectInterval
	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.ConnectTimeout}

	for !c.done.IsClosed() {
		ctx, cancel := context.WithTimeout(c.ctx, c.cfg.ConnectTimeout)
		conn, _, err := dialer.DialContext(ctx, c.cfg.Address, nil)
		cancel()
		if err != nil {
			if c.done.IsClosed() {
				return
			}
			c.errorsTotal.Add(1)
			c.logger.Debug("tracking service unavailable",
				"address", c.cfg.Address,
				"backoff", backoff.String(),
				"error", err,
			)
			if !c.sleep(backoff) {
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}
		conn.SetReadLimit(int64(c.cfg.MaxMessageSize))

		if !c.attach(conn) {
			conn.Close()
			return
		}
		if c.everConnected.Swap(true) {
			c.reconnectsTotal.Add(1)
		}
		backoff = c.cfg.ReconnectInterval
		c.logger.Info("connected to tracking service", "address", c.cfg.Address)

		c.pushPolicy()

		err = c.readLoop(conn)
		c.detach(conn, err)
	}
}

func (c *WSClient) attach(conn *websocket.Conn) bool {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.done.IsClosed() {
		return false
	}
	c.conn = conn
	c.connected.Store(true)
	c.lastActivity.Store(time.Now().Unix())
	return true
}

func (c *WSClient) detach(conn *websocket.Conn, cause error) {
	c.connMu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.connected.Store(false)
	c.connMu.Unlock()
	conn.Close()

	c.stateMu.Lock()
	clear(c.devices)
	clear(c.bySerial)
	c.stateMu.Unlock()

	if c.done.IsClosed() {
		return
	}
	c.errorsTotal.Add(1)
	c.logger.Warn("tracking service connection lost", "error", cause)
	c.events.push(connectionLost())
}

func (c *WSClient) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-c.done.Done():
		return false
	}
}

func (c *WSClient) readLoop(conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		c.lastActivity.Store(time.Now().Unix())

		var m wsMessage
		if err := json.Unmarshal(data, &m); err != nil {
			c.errorsTotal.Add(1)
			c.logger.Debug("discarding malformed message", "error", err)
			continue
		}
		if msg := c.translate(&m); msg != nil {
			c.eventsRx.Add(1)
			c.events.push(msg)
		}
	}
}

// translate maps one legacy message to a polled message. Returns nil for
// messages with no counterpart.
func (c *WSClient) translate(m *wsMessage) *tracking.Message {
	switch {
	case m.Event != nil:
		if m.Event.Type != "deviceEvent" {
			return nil
		}
		return c.deviceMessage(m.Event.State)
	case m.ID != nil:
		return &tracking.Message{Type: tracking.EventTracking, Tracking: frameFromWS(m)}
	case m.ServiceVersion != "" || m.Version != 0:
		v := m.ServiceVersion
		c.version.Store(&v)
		return &tracking.Message{Type: tracking.EventConnection, Connection: &tracking.ConnectionEvent{}}
	default:
		return nil
	}
}

func (c *WSClient) deviceMessage(state wsDeviceState) *tracking.Message {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()

	status := tracking.DeviceStatusPaused
	if state.Streaming {
		status = tracking.DeviceStatusStreaming
	}

	handle, known := c.bySerial[state.ID]
	if state.Attached {
		if !known {
			c.nextHandle++
			handle = c.nextHandle
			c.bySerial[state.ID] = handle
		}
		c.devices[handle] = wsDevice{serial: state.ID, streaming: state.Streaming}
		return &tracking.Message{
			Type:     tracking.EventDevice,
			DeviceID: uint32(handle),
			Device: &tracking.DeviceEvent{
				Device: tracking.DeviceRef{Handle: uint64(handle), ID: uint32(handle)},
				Status: status,
			},
		}
	}

	if !known {
		return nil
	}
	delete(c.bySerial, state.ID)
	delete(c.devices, handle)
	return &tracking.Message{
		Type:     tracking.EventDeviceLost,
		DeviceID: uint32(handle),
		Device: &tracking.DeviceEvent{
			Device: tracking.DeviceRef{Handle: uint64(handle), ID: uint32(handle)},
			Status: status,
		},
	}
}

// frameFromWS converts a legacy frame. Pointables are attached to their
// hand by handId and placed by finger type.
func frameFromWS(m *wsMessage) *tracking.TrackingEvent {
	ev := &tracking.TrackingEvent{
		FrameID:         *m.ID,
		Timestamp:       m.Timestamp,
		TrackingFrameID: *m.ID,
		FrameRate:       m.CurrentFrameRate,
		Hands:           make([]tracking.Hand, 0, len(m.Hands)),
	}

	for _, h := range m.Hands {
		hand := tracking.Hand{
			ID:            h.ID,
			Type:          tracking.HandLeft,
			Confidence:    h.Confidence,
			VisibleTime:   uint64(h.TimeVisible * 1e6),
			PinchDistance: h.PinchDistance,
			GrabAngle:     h.GrabAngle,
			PinchStrength: h.PinchStrength,
			GrabStrength:  h.GrabStrength,
			Palm: tracking.Palm{
				Position:           h.PalmPosition.vector(),
				StabilizedPosition: h.StabilizedPalmPosition.vector(),
				Velocity:           h.PalmVelocity.vector(),
				Normal:             h.PalmNormal.vector(),
				Width:              h.PalmWidth,
				Direction:          h.Direction.vector(),
			},
			Arm: tracking.Bone{
				PrevJoint: h.Elbow.vector(),
				NextJoint: h.Wrist.vector(),
				Width:     h.ArmWidth,
			},
		}
		if h.Type == "right" {
			hand.Type = tracking.HandRight
		}

		for _, p := range m.Pointables {
			if p.HandID != h.ID || p.Type < 0 || p.Type >= len(hand.Digits) {
				continue
			}
			joints := [5]wsVec{p.CarpPosition, p.McpPosition, p.PipPosition, p.DipPosition, p.BtipPosition}
			d := tracking.Digit{FingerID: p.ID, IsExtended: p.Extended}
			for i := range d.Bones {
				d.Bones[i] = tracking.Bone{
					PrevJoint: joints[i].vector(),
					NextJoint: joints[i+1].vector(),
					Width:     p.Width,
				}
			}
			hand.Digits[p.Type] = d
		}

		ev.Hands = append(ev.Hands, hand)
	}
	return ev
}

// send writes one JSON control message.
func (c *WSClient) send(v any) error {
	c.connMu.RLock()
	conn := c.conn
	c.connMu.RUnlock()
	if conn == nil {
		return tracking.ResultNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := conn.SetWriteDeadline(time.Now().Add(defaultWriteTimeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := conn.WriteJSON(v); err != nil {
		c.errorsTotal.Add(1)
		return fmt.Errorf("%w: %w", tracking.ResultUnexpectedClosed, err)
	}
	c.requestsTx.Add(1)
	return nil
}

// pushPolicy sends the locally held policy to the service.
func (c *WSClient) pushPolicy() {
	c.stateMu.Lock()
	policy := c.policy
	c.stateMu.Unlock()

	for _, msg := range []map[string]bool{
		{"enableGestures": false},
		{"background": policy.Has(tracking.PolicyBackgroundFrames)},
		{"optimizeHMD": policy.Has(tracking.PolicyOptimizeHMD)},
	} {
		if err := c.send(msg); err != nil {
			c.logger.Debug("policy not sent", "error", err)
			return
		}
	}
}

// Poll waits up to timeout for the next event.
func (c *WSClient) Poll(timeout time.Duration) (*tracking.Message, error) {
	return c.events.poll(timeout, c.connected.Load(), c.done.Done())
}

// SetPolicyFlags applies the flags the legacy protocol supports and queues
// a Policy event with the resulting flags. Other flags are ignored.
func (c *WSClient) SetPolicyFlags(set, clear tracking.PolicyFlag) error {
	if !c.connected.Load() {
		return tracking.ResultNotConnected
	}
	if ignored := (set | clear) &^ wsSupportedPolicy; ignored != 0 {
		c.logger.Debug("policy flags not supported by websocket transport", "flags", ignored.Names())
	}

	c.stateMu.Lock()
	c.policy = (c.policy | set) &^ clear & wsSupportedPolicy
	current := c.policy
	c.stateMu.Unlock()

	if err := c.send(map[string]bool{"background": current.Has(tracking.PolicyBackgroundFrames)}); err != nil {
		return err
	}
	if err := c.send(map[string]bool{"optimizeHMD": current.Has(tracking.PolicyOptimizeHMD)}); err != nil {
		return err
	}
	c.events.push(&tracking.Message{Type: tracking.EventPolicy, Policy: &tracking.PolicyEvent{CurrentPolicy: current}})
	return nil
}

// SetTrackingMode maps desktop and HMD modes to the optimizeHMD hint.
func (c *WSClient) SetTrackingMode(mode tracking.TrackingMode) error {
	var hmd bool
	switch mode {
	case tracking.TrackingModeDesktop:
	case tracking.TrackingModeHMD:
		hmd = true
	default:
		return fmt.Errorf("tracking mode %s: %w", mode, tracking.ResultUnsupported)
	}
	if !c.connected.Load() {
		return tracking.ResultNotConnected
	}

	c.stateMu.Lock()
	if hmd {
		c.policy |= tracking.PolicyOptimizeHMD
	} else {
		c.policy &^= tracking.PolicyOptimizeHMD
	}
	c.stateMu.Unlock()

	if err := c.send(map[string]bool{"optimizeHMD": hmd}); err != nil {
		return err
	}
	c.events.push(&tracking.Message{Type: tracking.EventTrackingMode, TrackingMode: &tracking.TrackingModeEvent{CurrentMode: mode}})
	return nil
}

// FrameSize is not available over the legacy protocol.
func (c *WSClient) FrameSize(int64) (int, error) {
	return 0, tracking.ResultUnsupported
}

// InterpolateFrame is not available over the legacy protocol.
func (c *WSClient) InterpolateFrame(int64, []byte) error {
	return tracking.ResultUnsupported
}

// OpenDevice returns the handle announced in the Device event.
func (c *WSClient) OpenDevice(ref tracking.DeviceRef) (tracking.DeviceHandle, error) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()

	handle := tracking.DeviceHandle(ref.Handle)
	if _, ok := c.devices[handle]; !ok {
		return 0, tracking.ResultCannotOpenDevice
	}
	return handle, nil
}

// DeviceInfo reports the serial and streaming state of a device.
func (c *WSClient) DeviceInfo(handle tracking.DeviceHandle, serial []byte) (tracking.DeviceInfo, error) {
	c.stateMu.Lock()
	dev, ok := c.devices[handle]
	c.stateMu.Unlock()
	if !ok {
		return tracking.DeviceInfo{}, tracking.ResultInvalidArgument
	}

	info := tracking.DeviceInfo{
		SerialLength: uint32(len(dev.serial) + 1),
		Status:       tracking.DeviceStatusPaused,
	}
	if dev.streaming {
		info.Status = tracking.DeviceStatusStreaming
	}
	if len(serial) < int(info.SerialLength) {
		return info, tracking.ResultInsufficientBuffer
	}
	n := copy(serial, dev.serial)
	serial[n] = 0
	info.Serial = dev.serial
	return info, nil
}

// CloseDevice is a no-op; the legacy protocol has no device handles.
func (c *WSClient) CloseDevice(tracking.DeviceHandle) {}

// RequestConfigValue is not available over the legacy protocol.
func (c *WSClient) RequestConfigValue(string) (uint32, error) {
	return 0, tracking.ResultUnsupported
}

// SaveConfigValue is not available over the legacy protocol.
func (c *WSClient) SaveConfigValue(string, tracking.ConfigValue) (uint32, error) {
	return 0, tracking.ResultUnsupported
}

// Destroy stops the connect loop and closes the socket.
func (c *WSClient) Destroy() {
	c.done.Close()
	c.cancel()

	c.connMu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.connMu.Unlock()

	c.wg.Wait()
	c.connected.Store(false)
	c.events.drain()
}

// IsConnected returns true while the socket is open.
func (c *WSClient) IsConnected() bool {
	return c.connected.Load()
}

// Stats returns current operational statistics.
func (c *WSClient) Stats() Stats {
	var version string
	if v := c.version.Load(); v != nil {
		version = *v
	}
	return Stats{
		EventsRx:        c.eventsRx.Load(),
		EventsDropped:   c.events.dropped.Load(),
		RequestsTx:      c.requestsTx.Load(),
		ErrorsTotal:     c.errorsTotal.Load(),
		ReconnectsTotal: c.reconnectsTotal.Load(),
		LastActivity:    time.Unix(c.lastActivity.Load(), 0),
		Connected:       c.IsConnected(),
		ServiceVersion:  version,
	}
}

// HealthCheck verifies the socket is open.
func (c *WSClient) HealthCheck(_ context.Context) error {
	if !c.IsConnected() {
		return tracking.ResultNotConnected
	}
	return nil
}
