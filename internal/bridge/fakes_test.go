package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nerrad567/motionlink/internal/audit"
	"github.com/nerrad567/motionlink/internal/history"
	"github.com/nerrad567/motionlink/internal/infrastructure/influxdb"
	"github.com/nerrad567/motionlink/internal/infrastructure/mqtt"
	"github.com/nerrad567/motionlink/internal/tracking"
)

type published struct {
	topic    string
	payload  []byte
	qos      byte
	retained bool
}

type fakeMQTT struct {
	mu        sync.Mutex
	messages  []published
	handlers  map[string]mqtt.MessageHandler
	connected bool
	failWith  error
}

func newFakeMQTT() *fakeMQTT {
	return &fakeMQTT{handlers: make(map[string]mqtt.MessageHandler), connected: true}
}

func (f *fakeMQTT) Publish(topic string, payload []byte, qos byte, retained bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return f.failWith
	}
	f.messages = append(f.messages, published{topic, payload, qos, retained})
	return nil
}

func (f *fakeMQTT) Subscribe(topic string, _ byte, handler mqtt.MessageHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[topic] = handler
	return nil
}

func (f *fakeMQTT) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeMQTT) deliver(t *testing.T, topic string, payload string) error {
	t.Helper()
	f.mu.Lock()
	var handler mqtt.MessageHandler
	for pattern, h := range f.handlers {
		if matches(pattern, topic) {
			handler = h
		}
	}
	f.mu.Unlock()
	require.NotNil(t, handler, "no subscription for %s", topic)
	return handler(topic, []byte(payload))
}

// matches handles the trailing "#" wildcard only.
func matches(pattern, topic string) bool {
	if n := len(pattern); n > 0 && pattern[n-1] == '#' {
		prefix := pattern[:n-1]
		return len(topic) >= len(prefix) && topic[:len(prefix)] == prefix
	}
	return pattern == topic
}

func (f *fakeMQTT) on(topic string) []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []published
	for _, m := range f.messages {
		if m.topic == topic {
			out = append(out, m)
		}
	}
	return out
}

// last decodes the most recent message on topic into v.
func (f *fakeMQTT) last(t *testing.T, topic string, v any) published {
	t.Helper()
	msgs := f.on(topic)
	require.NotEmpty(t, msgs, "nothing published on %s", topic)
	m := msgs[len(msgs)-1]
	require.NoError(t, json.Unmarshal(m.payload, v))
	return m
}

type fakeSession struct {
	mu          sync.Mutex
	connected   bool
	running     bool
	set, clear  tracking.PolicyFlag
	mode        *tracking.TrackingMode
	images      *bool
	requested   []string
	saved       map[string]tracking.ConfigValue
	nextID      uint32
	requestErr  error
	stats       tracking.Stats
	policyCalls int
}

func newFakeSession() *fakeSession {
	return &fakeSession{connected: true, running: true, saved: make(map[string]tracking.ConfigValue), nextID: 100}
}

func (s *fakeSession) SetPolicy(set, clear tracking.PolicyFlag) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.set, s.clear = set, clear
	s.policyCalls++
}

func (s *fakeSession) SetPolicyFlag(flag tracking.PolicyFlag, enabled bool) {
	if enabled {
		s.SetPolicy(flag, 0)
	} else {
		s.SetPolicy(0, flag)
	}
}

func (s *fakeSession) SetTrackingMode(mode tracking.TrackingMode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mode = &mode
}

func (s *fakeSession) EnableImageStream(enable bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.images = &enable
}

func (s *fakeSession) RequestConfigValue(key string) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.requestErr != nil {
		return 0, s.requestErr
	}
	s.requested = append(s.requested, key)
	s.nextID++
	return s.nextID, nil
}

func (s *fakeSession) SaveConfigValue(key string, value tracking.ConfigValue) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.requestErr != nil {
		return 0, s.requestErr
	}
	s.saved[key] = value
	s.nextID++
	return s.nextID, nil
}

func (s *fakeSession) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *fakeSession) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *fakeSession) Stats() tracking.Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// inlineDispatcher runs tasks immediately. refuse makes Post drop them.
type inlineDispatcher struct {
	mu     sync.Mutex
	refuse bool
	ran    int
}

func (d *inlineDispatcher) Post(task func()) bool {
	d.mu.Lock()
	refuse := d.refuse
	if !refuse {
		d.ran++
	}
	d.mu.Unlock()
	if refuse {
		return false
	}
	task()
	return true
}

type fakeMetrics struct {
	mu       sync.Mutex
	tracking []influxdb.TrackingSample
	devices  []string
	images   int
	stats    []map[string]any
}

func (m *fakeMetrics) WriteTracking(s influxdb.TrackingSample) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tracking = append(m.tracking, s)
}

func (m *fakeMetrics) WriteDeviceEvent(serial, kind string, _ uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.devices = append(m.devices, serial+":"+kind)
}

func (m *fakeMetrics) WriteImage(string, uint32, uint32, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.images++
}

func (m *fakeMetrics) WriteBridgeStats(_ string, counters map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats = append(m.stats, counters)
}

func (m *fakeMetrics) trackingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tracking)
}

type recordedEvent struct {
	serial string
	kind   history.Kind
	info   *tracking.DeviceInfo
}

type fakeHistory struct {
	mu      sync.Mutex
	events  []recordedEvent
	pruned  int
	failErr error
}

func (h *fakeHistory) RecordEvent(_ context.Context, serial string, kind history.Kind, info *tracking.DeviceInfo) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.failErr != nil {
		return h.failErr
	}
	h.events = append(h.events, recordedEvent{serial, kind, info})
	return nil
}

func (h *fakeHistory) GetHistory(context.Context, string, int) ([]history.Entry, error) {
	return nil, errors.New("not implemented")
}

func (h *fakeHistory) ListDevices(context.Context) ([]history.Entry, error) {
	return nil, errors.New("not implemented")
}

func (h *fakeHistory) PruneHistory(context.Context, time.Duration) (int64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pruned++
	return 0, nil
}

func (h *fakeHistory) pruneCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pruned
}

type fakeAudit struct {
	mu      sync.Mutex
	entries []audit.Entry
	pruned  int
}

func (a *fakeAudit) Record(_ context.Context, e *audit.Entry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, *e)
	return nil
}

func (a *fakeAudit) List(context.Context, audit.Filter) (*audit.ListResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return &audit.ListResult{Entries: append([]audit.Entry(nil), a.entries...), Total: len(a.entries)}, nil
}

func (a *fakeAudit) Prune(context.Context, time.Duration) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pruned++
	return 0, nil
}

func (a *fakeAudit) recorded() []audit.Entry {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]audit.Entry(nil), a.entries...)
}

func (a *fakeAudit) pruneCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pruned
}

type fakeSink struct {
	mu     sync.Mutex
	events map[string][]any
}

func (s *fakeSink) Broadcast(channel string, payload any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.events == nil {
		s.events = make(map[string][]any)
	}
	s.events[channel] = append(s.events[channel], payload)
}

func (s *fakeSink) count(channel string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events[channel])
}

type harness struct {
	bridge     *Bridge
	mqtt       *fakeMQTT
	session    *fakeSession
	dispatcher *inlineDispatcher
	metrics    *fakeMetrics
	history    *fakeHistory
	audit      *fakeAudit
	sink       *fakeSink
	topics     mqtt.Topics
}

func newHarness(t *testing.T, mutate ...func(*Options)) *harness {
	t.Helper()

	h := &harness{
		mqtt:       newFakeMQTT(),
		session:    newFakeSession(),
		dispatcher: &inlineDispatcher{},
		metrics:    &fakeMetrics{},
		history:    &fakeHistory{},
		audit:      &fakeAudit{},
		sink:       &fakeSink{},
		topics:     mqtt.NewTopics("test"),
	}
	opts := Options{
		BridgeID:   "bridge-1",
		Version:    "test",
		Session:    h.session,
		Dispatcher: h.dispatcher,
		MQTT:       h.mqtt,
		Topics:     h.topics,
		Metrics:    h.metrics,
		History:    h.history,
		Audit:      h.audit,
		Sink:       h.sink,
	}
	for _, m := range mutate {
		m(&opts)
	}

	b, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(b.Stop)
	h.bridge = b
	return h
}
