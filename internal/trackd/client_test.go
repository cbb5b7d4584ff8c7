package trackd_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/motionlink/internal/trackd"
	"github.com/nerrad567/motionlink/internal/trackd/sim"
	"github.com/nerrad567/motionlink/internal/tracking"
)

const waitFor = 2 * time.Second

// events records callbacks on buffered channels.
type events struct {
	tracking.NopCallback
	connected  chan struct{}
	lost       chan struct{}
	devices    chan tracking.DeviceInfo
	deviceLost chan string
	frames     chan int64
	images     chan int64
	policies   chan tracking.PolicyFlag
	modes      chan tracking.TrackingMode
	logs       chan string
	responses  chan tracking.ConfigValue
	changes    chan bool
}

func newEvents() *events {
	return &events{
		connected:  make(chan struct{}, 8),
		lost:       make(chan struct{}, 8),
		devices:    make(chan tracking.DeviceInfo, 8),
		deviceLost: make(chan string, 8),
		frames:     make(chan int64, 1024),
		images:     make(chan int64, 1024),
		policies:   make(chan tracking.PolicyFlag, 8),
		modes:      make(chan tracking.TrackingMode, 8),
		logs:       make(chan string, 8),
		responses:  make(chan tracking.ConfigValue, 8),
		changes:    make(chan bool, 8),
	}
}

func offer[T any](ch chan T, v T) {
	select {
	case ch <- v:
	default:
	}
}

func (e *events) OnConnect()                                        { offer(e.connected, struct{}{}) }
func (e *events) OnConnectionLost()                                 { offer(e.lost, struct{}{}) }
func (e *events) OnDeviceFound(info tracking.DeviceInfo)            { offer(e.devices, info) }
func (e *events) OnDeviceLost(serial string)                        { offer(e.deviceLost, serial) }
func (e *events) OnFrame(f *tracking.TrackingEvent)                 { offer(e.frames, f.FrameID) }
func (e *events) OnImage(i *tracking.ImageEvent)                    { offer(e.images, i.FrameID) }
func (e *events) OnPolicy(p tracking.PolicyFlag)                    { offer(e.policies, p) }
func (e *events) OnTrackingMode(m tracking.TrackingMode)            { offer(e.modes, m) }
func (e *events) OnLog(_ tracking.LogSeverity, _ int64, msg string) { offer(e.logs, msg) }
func (e *events) OnConfigResponse(_ uint32, v tracking.ConfigValue) { offer(e.responses, v) }
func (e *events) OnConfigChange(_ uint32, ok bool)                  { offer(e.changes, ok) }

func receive[T any](t *testing.T, ch chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(waitFor):
		t.Fatalf("timed out waiting for %T", *new(T))
		panic("unreachable")
	}
}

func startSim(t *testing.T, cfg sim.Config) (*sim.Server, context.CancelFunc) {
	t.Helper()
	if cfg.Address == "" {
		cfg.Address = "tcp://127.0.0.1:0"
	}
	if cfg.FPS == 0 {
		cfg.FPS = 200
	}
	srv := sim.New(cfg, nil)
	require.NoError(t, srv.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return srv, cancel
}

func openSession(t *testing.T, address string, cfg tracking.Config) (*tracking.Session, *events) {
	t.Helper()
	connector, err := trackd.NewConnector(trackd.ConnectorConfig{
		Config: trackd.Config{Address: address, ReconnectInterval: 20 * time.Millisecond},
	}, nil)
	require.NoError(t, err)

	if cfg.PollTimeout == 0 {
		cfg.PollTimeout = 20 * time.Millisecond
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = 10 * time.Millisecond
	}
	s := tracking.NewSession(connector, cfg, tracking.WithGuard(&tracking.Guard{}))
	ev := newEvents()
	require.NoError(t, s.Open(ev))
	t.Cleanup(s.Destroy)
	return s, ev
}

func TestClient_SessionAgainstSimulator(t *testing.T) {
	srv, _ := startSim(t, sim.Config{Serial: "SIM-ABC", PID: 0x1201})
	s, ev := openSession(t, srv.Addr(), tracking.Config{})

	receive(t, ev.connected)
	assert.True(t, s.IsConnected())

	info := receive(t, ev.devices)
	assert.Equal(t, "SIM-ABC", info.Serial)
	assert.Equal(t, uint32(0x1201), info.PID)
	require.NotNil(t, s.DeviceProperties())
	assert.Equal(t, "SIM-ABC", s.DeviceProperties().Serial)

	first := receive(t, ev.frames)
	second := receive(t, ev.frames)
	assert.Greater(t, second, first)

	frame := s.LatestFrame()
	require.NotNil(t, frame)
	assert.Len(t, frame.Hands, sim.DefaultHands)

	client, ok := s.Handle().(*trackd.Client)
	require.True(t, ok)
	stats := client.Stats()
	assert.True(t, stats.Connected)
	assert.Equal(t, sim.DefaultServiceVersion, stats.ServiceVersion)
	assert.NotZero(t, stats.EventsRx)
}

func TestClient_SerialRetryWithSmallBuffer(t *testing.T) {
	srv, _ := startSim(t, sim.Config{Serial: "A-RATHER-LONG-SIMULATED-SERIAL"})
	_, ev := openSession(t, srv.Addr(), tracking.Config{SerialBufferSize: 4})

	info := receive(t, ev.devices)
	assert.Equal(t, "A-RATHER-LONG-SIMULATED-SERIAL", info.Serial)
}

func TestClient_PolicyAndImages(t *testing.T) {
	srv, _ := startSim(t, sim.Config{ImageWidth: 8, ImageHeight: 4})
	s, ev := openSession(t, srv.Addr(), tracking.Config{})
	receive(t, ev.connected)

	s.EnableImageStream(true)
	assert.Equal(t, tracking.PolicyImages, receive(t, ev.policies))
	assert.Equal(t, tracking.PolicyImages, s.CurrentPolicy())

	receive(t, ev.images)
	img, ok := s.LatestImage()
	require.True(t, ok)
	assert.Equal(t, uint32(8), img.Images[0].Width)
	assert.Len(t, img.Images[1].Data, 32)

	s.SetTrackingMode(tracking.TrackingModeHMD)
	assert.Equal(t, tracking.TrackingModeHMD, receive(t, ev.modes))
	assert.Equal(t, tracking.TrackingModeHMD, srv.Stats().CurrentMode)
}

func TestClient_InterpolatedFrame(t *testing.T) {
	srv, _ := startSim(t, sim.Config{})
	s, ev := openSession(t, srv.Addr(), tracking.Config{})

	receive(t, ev.frames)
	receive(t, ev.frames)
	var latest tracking.TrackingEvent
	require.True(t, s.CopyLatestFrame(&latest))

	interp, err := s.InterpolatedFrameAt(latest.Timestamp - 1)
	require.NoError(t, err)
	require.NotNil(t, interp)
	assert.Equal(t, latest.Timestamp-1, interp.Timestamp)
	assert.Len(t, interp.Hands, len(latest.Hands))
	assert.Equal(t, uint64(1), s.InterpolationBuffer().Allocations())

	_, err = s.InterpolatedFrameAt(-1)
	assert.ErrorIs(t, err, tracking.ResultTimestampTooEarly)
}

func TestClient_ConfigRoundTrip(t *testing.T) {
	srv, _ := startSim(t, sim.Config{})
	s, ev := openSession(t, srv.Addr(), tracking.Config{})
	receive(t, ev.connected)

	_, err := s.RequestConfigValue("device_name")
	require.NoError(t, err)
	assert.Equal(t, "Simulated Controller", receive(t, ev.responses).String)

	_, err = s.SaveConfigValue("robust_mode_enabled", tracking.ConfigValue{Type: tracking.ValueBool, Bool: true})
	require.NoError(t, err)
	assert.True(t, receive(t, ev.changes))

	_, err = s.RequestConfigValue("robust_mode_enabled")
	require.NoError(t, err)
	assert.True(t, receive(t, ev.responses).Bool)
}

func TestClient_DeviceLifecycleAndLogs(t *testing.T) {
	srv, _ := startSim(t, sim.Config{Serial: "SIM-LIFE"})
	s, ev := openSession(t, srv.Addr(), tracking.Config{})
	receive(t, ev.devices)

	srv.EmitLog(tracking.LogSeverityWarning, "sensor warm")
	assert.Equal(t, "sensor warm", receive(t, ev.logs))

	srv.DetachDevice()
	assert.Equal(t, "SIM-LIFE", receive(t, ev.deviceLost))
	assert.Nil(t, s.DeviceProperties())

	srv.AttachDevice()
	assert.Equal(t, "SIM-LIFE", receive(t, ev.devices).Serial)
}

func TestClient_ReconnectsAfterServiceRestart(t *testing.T) {
	address := "unix://" + filepath.Join(t.TempDir(), "trackd.sock")

	_, stop := startSim(t, sim.Config{Address: address})
	s, ev := openSession(t, address, tracking.Config{})
	receive(t, ev.connected)

	stop()
	receive(t, ev.lost)
	require.Eventually(t, func() bool { return !s.IsConnected() }, waitFor, time.Millisecond)
	assert.True(t, s.IsRunning(), "loop keeps polling while the service is away")

	startSim(t, sim.Config{Address: address})
	receive(t, ev.connected)
	assert.True(t, s.IsConnected())

	client := s.Handle().(*trackd.Client)
	assert.Equal(t, uint64(1), client.Stats().ReconnectsTotal)
}

func TestClient_NamespaceRefused(t *testing.T) {
	srv, _ := startSim(t, sim.Config{Namespace: "Lab Service"})

	c := trackd.NewClient(trackd.Config{Address: srv.Addr(), ReconnectInterval: 10 * time.Millisecond}, "Other Service", nil)
	require.NoError(t, c.Open())
	defer c.Destroy()

	require.Eventually(t, func() bool { return c.Stats().ErrorsTotal >= 2 }, waitFor, time.Millisecond)
	assert.False(t, c.IsConnected())
}

func TestClient_DestroyWhileConnected(t *testing.T) {
	srv, _ := startSim(t, sim.Config{})

	c := trackd.NewClient(trackd.Config{Address: srv.Addr()}, "", nil)
	require.NoError(t, c.Open())
	require.Eventually(t, c.IsConnected, waitFor, time.Millisecond)

	done := make(chan struct{})
	go func() {
		c.Destroy()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("Destroy did not return")
	}
	assert.False(t, c.IsConnected())

	_, err := c.Poll(time.Millisecond)
	assert.ErrorIs(t, err, tracking.ResultNotConnected)
}
