package bridge

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/motionlink/internal/history"
	"github.com/nerrad567/motionlink/internal/tracking"
)

func TestNew_RequiresSessionAndDispatcher(t *testing.T) {
	_, err := New(Options{Dispatcher: &inlineDispatcher{}})
	assert.ErrorIs(t, err, ErrSessionRequired)

	_, err = New(Options{Session: newFakeSession()})
	assert.ErrorIs(t, err, ErrDispatcherRequired)
}

func TestStart_SubscribesToCommands(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.bridge.Start(context.Background()))

	h.mqtt.mu.Lock()
	_, ok := h.mqtt.handlers["test/command/#"]
	h.mqtt.mu.Unlock()
	assert.True(t, ok)

	var health HealthMessage
	h.mqtt.last(t, "test/health", &health)
	assert.Contains(t, []HealthStatus{HealthStarting, HealthHealthy}, health.Status)
}

func TestOnConnect_PublishesStatusAndAppliesSettings(t *testing.T) {
	mode := tracking.TrackingModeHMD
	h := newHarness(t, func(o *Options) {
		o.InitialPolicy = tracking.PolicyImages | tracking.PolicyBackgroundFrames
		o.InitialMode = &mode
	})

	h.bridge.OnConnect()

	var msg ConnectionMessage
	m := h.mqtt.last(t, "test/status/service", &msg)
	assert.True(t, m.retained)
	assert.Equal(t, ConnectionConnected, msg.Status)
	assert.Equal(t, "bridge-1", msg.Bridge)

	assert.Equal(t, tracking.PolicyImages|tracking.PolicyBackgroundFrames, h.session.set)
	require.NotNil(t, h.session.mode)
	assert.Equal(t, tracking.TrackingModeHMD, *h.session.mode)
	assert.Equal(t, 1, h.sink.count(ChannelConnection))

	h.bridge.OnConnectionLost()
	h.mqtt.last(t, "test/status/service", &msg)
	assert.Equal(t, ConnectionDisconnected, msg.Status)
}

func TestOnConnect_NoInitialSettings(t *testing.T) {
	h := newHarness(t)

	h.bridge.OnConnect()

	assert.Zero(t, h.session.policyCalls)
	assert.Nil(t, h.session.mode)
}

func TestDeviceLifecycle(t *testing.T) {
	h := newHarness(t)

	info := tracking.DeviceInfo{Serial: "LP1", Status: tracking.DeviceStatusStreaming, PID: 7}
	h.bridge.OnDeviceFound(info)
	assert.Equal(t, "LP1", h.bridge.CurrentDevice())

	var msg DeviceMessage
	m := h.mqtt.last(t, "test/device/LP1", &msg)
	assert.True(t, m.retained)
	assert.Equal(t, "found", msg.Event)
	require.NotNil(t, msg.Info)
	assert.Equal(t, uint32(7), msg.Info.PID)

	h.bridge.OnDeviceFailure(tracking.DeviceStatusBadCalib, 42)
	h.mqtt.last(t, "test/device/LP1", &msg)
	assert.Equal(t, "failure", msg.Event)
	assert.True(t, msg.Failed)
	assert.Equal(t, uint64(42), msg.Handle)

	h.bridge.OnDeviceLost("LP1")
	assert.Empty(t, h.bridge.CurrentDevice())
	h.mqtt.last(t, "test/device/LP1", &msg)
	assert.Equal(t, "lost", msg.Event)

	require.Len(t, h.history.events, 3)
	assert.Equal(t, history.KindFound, h.history.events[0].kind)
	assert.NotNil(t, h.history.events[0].info)
	assert.Equal(t, history.KindFailure, h.history.events[1].kind)
	assert.Equal(t, history.KindLost, h.history.events[2].kind)
	assert.Nil(t, h.history.events[2].info)

	assert.Equal(t, []string{"LP1:found", "LP1:failure", "LP1:lost"}, h.metrics.devices)
	assert.Equal(t, 3, h.sink.count(ChannelDevice))
}

func TestOnDeviceLost_OtherDeviceKeepsCurrent(t *testing.T) {
	h := newHarness(t)

	h.bridge.OnDeviceFound(tracking.DeviceInfo{Serial: "LP1"})
	h.bridge.OnDeviceLost("LP2")

	assert.Equal(t, "LP1", h.bridge.CurrentDevice())
}

func TestOnDeviceFailure_UnknownDevice(t *testing.T) {
	h := newHarness(t)

	h.bridge.OnDeviceFailure(tracking.DeviceStatusUnknownFail, 1)

	var msg DeviceMessage
	h.mqtt.last(t, "test/device/unknown", &msg)
	assert.Equal(t, unknownDevice, msg.Serial)
}

func TestRecordDevice_HistoryFailureIsLogged(t *testing.T) {
	h := newHarness(t)
	h.history.failErr = errors.New("disk full")

	h.bridge.OnDeviceLost("LP1")

	// The MQTT message still goes out.
	assert.Len(t, h.mqtt.on("test/device/LP1"), 1)
}

func TestWithoutOptionalOutputs(t *testing.T) {
	b, err := New(Options{Session: newFakeSession(), Dispatcher: &inlineDispatcher{}})
	require.NoError(t, err)
	t.Cleanup(b.Stop)
	require.NoError(t, b.Start(context.Background()))

	b.OnConnect()
	b.OnDeviceFound(tracking.DeviceInfo{Serial: "LP1"})
	b.OnFrame(&tracking.TrackingEvent{FrameID: 1})
	b.OnImage(&tracking.ImageEvent{})
	b.OnLog(tracking.LogSeverityWarning, 1, "hello")
	b.OnPolicy(tracking.PolicyImages)
	b.OnTrackingMode(tracking.TrackingModeDesktop)
	b.OnConfigResponse(1, tracking.ConfigValue{Type: tracking.ValueInt, Int: 3})
	b.OnConfigChange(2, true)
}

func TestOnFrame_PublishesSummary(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.bridge.Start(context.Background()))
	h.bridge.OnDeviceFound(tracking.DeviceInfo{Serial: "LP1"})

	h.bridge.OnFrame(&tracking.TrackingEvent{
		FrameID:   9,
		FrameRate: 110,
		Hands: []tracking.Hand{{
			ID:            3,
			Type:          tracking.HandRight,
			PinchStrength: 0.8,
			GrabStrength:  0.1,
			Palm:          tracking.Palm{Position: tracking.Vector{X: 1, Y: 200, Z: -3}},
		}},
	})

	require.Eventually(t, func() bool { return len(h.mqtt.on("test/frame")) == 1 }, time.Second, 5*time.Millisecond)

	var s FrameSummary
	m := h.mqtt.last(t, "test/frame", &s)
	assert.False(t, m.retained)
	assert.Equal(t, byte(0), m.qos)
	assert.Equal(t, "LP1", s.Device)
	assert.Equal(t, int64(9), s.FrameID)
	assert.Equal(t, 1, s.HandCount)
	require.Len(t, s.Hands, 1)
	assert.Equal(t, "right", s.Hands[0].Type)
	assert.InDelta(t, 0.8, s.Hands[0].PinchStrength, 1e-6)
	assert.InDelta(t, 200, s.Hands[0].Palm.Y, 1e-6)

	require.Eventually(t, func() bool { return h.metrics.trackingCount() == 1 }, time.Second, 5*time.Millisecond)
	h.metrics.mu.Lock()
	sample := h.metrics.tracking[0]
	h.metrics.mu.Unlock()
	require.Len(t, sample.Hands, 1)
	assert.Equal(t, "right", sample.Hands[0].Chirality)
	assert.Equal(t, 1, h.sink.count(ChannelFrame))
}

func TestOnImage_CountsAndMeasures(t *testing.T) {
	h := newHarness(t)

	img := &tracking.ImageEvent{}
	img.Images[0] = tracking.Image{Width: 4, Height: 2, BPP: 1}
	img.Images[1] = tracking.Image{Width: 4, Height: 2, BPP: 1}
	h.bridge.OnImage(img)
	h.bridge.OnImage(img)

	stats := h.bridge.Statistics()
	assert.Equal(t, uint64(2), stats.ImagesReceived)
	assert.Equal(t, uint64(32), stats.ImageBytes)
	assert.Equal(t, 2, h.metrics.images)
	assert.Empty(t, h.mqtt.on("test/frame"))
}

func TestOnLog_Forwarded(t *testing.T) {
	h := newHarness(t)

	h.bridge.OnLog(tracking.LogSeverityCritical, 1234, "sensor overheated")

	var msg LogMessage
	h.mqtt.last(t, "test/log", &msg)
	assert.Equal(t, tracking.LogSeverityCritical.String(), msg.Severity)
	assert.Equal(t, int64(1234), msg.ServiceTS)
	assert.Equal(t, "sensor overheated", msg.Message)
	assert.Equal(t, uint64(1), h.bridge.Statistics().LogsReceived)
	assert.Equal(t, 1, h.sink.count(ChannelLog))
}

func TestOnPolicyAndMode_Retained(t *testing.T) {
	h := newHarness(t)

	h.bridge.OnPolicy(tracking.PolicyImages | tracking.PolicyOptimizeHMD)
	h.bridge.OnTrackingMode(tracking.TrackingModeScreenTop)

	var policy PolicyMessage
	m := h.mqtt.last(t, "test/state/policy", &policy)
	assert.True(t, m.retained)
	assert.Equal(t, uint32(tracking.PolicyImages|tracking.PolicyOptimizeHMD), policy.Flags)
	assert.ElementsMatch(t, (tracking.PolicyImages | tracking.PolicyOptimizeHMD).Names(), policy.Names)

	var mode TrackingModeMessage
	m = h.mqtt.last(t, "test/state/tracking_mode", &mode)
	assert.True(t, m.retained)
	assert.Equal(t, tracking.TrackingModeScreenTop.String(), mode.Mode)
	assert.Equal(t, 2, h.sink.count(ChannelPolicy))
}

func TestConfigResponse_UnknownRequestUsesRequestID(t *testing.T) {
	h := newHarness(t)

	h.bridge.OnConfigResponse(77, tracking.ConfigValue{Type: tracking.ValueString, String: "on"})

	var msg ConfigResponseMessage
	h.mqtt.last(t, "test/config/response/77", &msg)
	assert.Empty(t, msg.CommandID)
	assert.Equal(t, "on", msg.Text)
}

func TestPublishErrorsCounted(t *testing.T) {
	h := newHarness(t)
	h.mqtt.failWith = errors.New("not connected")

	h.bridge.OnPolicy(tracking.PolicyImages)
	h.bridge.OnLog(tracking.LogSeverityInformation, 0, "x")

	assert.Equal(t, uint64(2), h.bridge.Statistics().PublishErrors)
}

func TestHistoryPruning(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.HistoryRetention = 24 * time.Hour })

	require.NoError(t, h.bridge.Start(context.Background()))

	require.Eventually(t, func() bool { return h.history.pruneCount() == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return h.audit.pruneCount() == 1 }, time.Second, 5*time.Millisecond)
}

func TestAuditPruning_WithoutHistory(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.History = nil
		o.HistoryRetention = time.Hour
	})

	require.NoError(t, h.bridge.Start(context.Background()))

	require.Eventually(t, func() bool { return h.audit.pruneCount() == 1 }, time.Second, 5*time.Millisecond)
}

func TestStop_Idempotent(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.bridge.Start(context.Background()))

	h.bridge.Stop()
	h.bridge.Stop()

	var health HealthMessage
	h.mqtt.last(t, "test/health", &health)
	assert.Equal(t, HealthStopping, health.Status)
}

func TestStart_ContextCancelStopsWorkers(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, h.bridge.Start(ctx))

	cancel()

	done := make(chan struct{})
	go func() {
		h.bridge.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("workers did not stop after context cancel")
	}
}
