package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/motionlink/internal/bridge"
	"github.com/nerrad567/motionlink/internal/history"
	"github.com/nerrad567/motionlink/internal/infrastructure/config"
	"github.com/nerrad567/motionlink/internal/infrastructure/logging"
	"github.com/nerrad567/motionlink/internal/process"
	"github.com/nerrad567/motionlink/internal/tracking"
)

// ─── Fakes ─────────────────────────────────────────────────────────

type mockSession struct {
	mu        sync.Mutex
	frame     *tracking.TrackingEvent
	interp    *tracking.TrackingEvent
	interpErr error
	interpAt  []int64
	device    *tracking.DeviceInfo
	stats     tracking.Stats
}

func (m *mockSession) CopyLatestFrame(dst *tracking.TrackingEvent) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.frame == nil {
		return false
	}
	dst.CopyFrom(m.frame)
	return true
}

func (m *mockSession) InterpolatedFrameAt(ts int64) (*tracking.TrackingEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.interpAt = append(m.interpAt, ts)
	return m.interp, m.interpErr
}

func (m *mockSession) DeviceProperties() *tracking.DeviceInfo     { return m.device }
func (m *mockSession) CurrentPolicy() tracking.PolicyFlag         { return m.stats.CurrentPolicy }
func (m *mockSession) CurrentTrackingMode() tracking.TrackingMode { return m.stats.CurrentMode }
func (m *mockSession) Stats() tracking.Stats                      { return m.stats }

type mockBridge struct {
	mu      sync.Mutex
	health  bridge.HealthMessage
	stats   bridge.Statistics
	cmds    []bridge.CommandMessage
	ack     *bridge.AckMessage
	silence bool // never acknowledge
}

func (m *mockBridge) Submit(cmd bridge.CommandMessage) <-chan bridge.AckMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cmds = append(m.cmds, cmd)
	ch := make(chan bridge.AckMessage, 1)
	if m.silence {
		return ch
	}
	ack := bridge.AckMessage{CommandID: "cmd-1", Command: cmd.Command, Status: bridge.AckAccepted}
	if m.ack != nil {
		ack = *m.ack
	}
	ch <- ack
	return ch
}

func (m *mockBridge) Health() bridge.HealthMessage  { return m.health }
func (m *mockBridge) Statistics() bridge.Statistics { return m.stats }

func (m *mockBridge) lastCommand(t *testing.T) bridge.CommandMessage {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.cmds) == 0 {
		t.Fatal("no command submitted")
	}
	return m.cmds[len(m.cmds)-1]
}

type mockHistory struct {
	entries   []history.Entry
	err       error
	gotSerial string
	gotLimit  int
}

func (m *mockHistory) RecordEvent(context.Context, string, history.Kind, *tracking.DeviceInfo) error {
	return nil
}

func (m *mockHistory) GetHistory(_ context.Context, serial string, limit int) ([]history.Entry, error) {
	m.gotSerial, m.gotLimit = serial, limit
	if serial == "" {
		return nil, history.ErrSerialRequired
	}
	return m.entries, m.err
}

func (m *mockHistory) ListDevices(context.Context) ([]history.Entry, error) {
	return m.entries, m.err
}

func (m *mockHistory) PruneHistory(context.Context, time.Duration) (int64, error) {
	return 0, nil
}

type mockMQTT struct{ connected bool }

func (m mockMQTT) IsConnected() bool { return m.connected }

type mockService struct{ stats process.Stats }

func (m mockService) Stats() process.Stats { return m.stats }

// ─── Helpers ───────────────────────────────────────────────────────

type testEnv struct {
	srv     *Server
	router  http.Handler
	session *mockSession
	bridge  *mockBridge
	history *mockHistory
}

func testLogger() *logging.Logger {
	return logging.New(config.LoggingConfig{Level: "error", Format: "text", Output: "stdout"}, "test")
}

// testServer builds a Server around fakes. mutate may adjust Deps first.
func testServer(t *testing.T, mutate ...func(*Deps)) *testEnv {
	t.Helper()

	env := &testEnv{
		session: &mockSession{},
		bridge:  &mockBridge{health: bridge.HealthMessage{Status: bridge.HealthHealthy}},
		history: &mockHistory{},
	}
	deps := Deps{
		Config: config.APIConfig{
			Host:     "127.0.0.1",
			Timeouts: config.APITimeoutConfig{Read: 5, Write: 5, Idle: 5},
		},
		WS:      config.WebSocketConfig{MaxMessageSize: 8192, PingInterval: 30, PongTimeout: 10},
		Logger:  testLogger(),
		Session: env.session,
		Bridge:  env.bridge,
		History: env.history,
		Version: "test",
	}
	for _, m := range mutate {
		m(&deps)
	}

	srv, err := New(deps)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	env.srv = srv
	env.router = srv.buildRouter()
	return env
}

func (e *testEnv) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("unmarshal %q: %v", w.Body.String(), err)
	}
}

// ─── Constructor ───────────────────────────────────────────────────

func TestNew_RequiresDependencies(t *testing.T) {
	tests := []struct {
		name string
		deps Deps
	}{
		{"no logger", Deps{Session: &mockSession{}, Bridge: &mockBridge{}}},
		{"no session", Deps{Logger: testLogger(), Bridge: &mockBridge{}}},
		{"no bridge", Deps{Logger: testLogger(), Session: &mockSession{}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.deps); err == nil {
				t.Error("New() should fail")
			}
		})
	}
}

func TestNew_UsesExternalHub(t *testing.T) {
	hub := NewHub(config.WebSocketConfig{}, testLogger())
	env := testServer(t, func(d *Deps) { d.Hub = hub })

	if env.srv.Hub() != hub {
		t.Error("server should use the injected hub")
	}
}

// ─── Health Endpoint Tests ─────────────────────────────────────────

func TestHealth(t *testing.T) {
	env := testServer(t)

	w := env.do(http.MethodGet, "/api/v1/health", "")

	if w.Code != http.StatusOK {
		t.Errorf("health status = %d, want %d", w.Code, http.StatusOK)
	}
	var resp map[string]any
	decode(t, w, &resp)
	if resp["status"] != "healthy" {
		t.Errorf("status = %v, want healthy", resp["status"])
	}
	if resp["version"] != "test" {
		t.Errorf("version = %v, want test", resp["version"])
	}
}

func TestHealth_Unhealthy(t *testing.T) {
	env := testServer(t)
	env.bridge.health = bridge.HealthMessage{Status: bridge.HealthUnhealthy, Reason: "tracking session not running"}

	w := env.do(http.MethodGet, "/api/v1/health", "")

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("health status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
	var resp map[string]any
	decode(t, w, &resp)
	if resp["reason"] != "tracking session not running" {
		t.Errorf("reason = %v", resp["reason"])
	}
}

func TestHealth_Degraded(t *testing.T) {
	env := testServer(t)
	env.bridge.health = bridge.HealthMessage{Status: bridge.HealthDegraded}

	if w := env.do(http.MethodGet, "/api/v1/health", ""); w.Code != http.StatusOK {
		t.Errorf("degraded health status = %d, want %d", w.Code, http.StatusOK)
	}
}

func TestHealth_ContentType(t *testing.T) {
	env := testServer(t)

	w := env.do(http.MethodGet, "/api/v1/health", "")

	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want %q", ct, "application/json")
	}
}

// ─── Middleware Tests ──────────────────────────────────────────────

func TestRequestID_Generated(t *testing.T) {
	env := testServer(t)

	w := env.do(http.MethodGet, "/api/v1/health", "")

	if got := w.Header().Get("X-Request-ID"); len(got) != 36 {
		t.Errorf("X-Request-ID = %q, want a uuid", got)
	}
}

func TestRequestID_PreservesClient(t *testing.T) {
	env := testServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	req.Header.Set("X-Request-ID", "client-123")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	if got := w.Header().Get("X-Request-ID"); got != "client-123" {
		t.Errorf("X-Request-ID = %q, want %q", got, "client-123")
	}
}

func TestCORS_Preflight(t *testing.T) {
	env := testServer(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/policy", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d, want %d", w.Code, http.StatusNoContent)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Errorf("ACAO = %q, want %q", got, "http://localhost:3000")
	}
}

func TestCORS_DisallowedOrigin(t *testing.T) {
	env := testServer(t, func(d *Deps) {
		d.Config.CORS.AllowedOrigins = []string{"http://panel.local"}
	})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	req.Header.Set("Origin", "http://evil.example")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("ACAO = %q, want empty", got)
	}
}

func TestRecovery(t *testing.T) {
	env := testServer(t)
	handler := env.srv.recoveryMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", w.Code, http.StatusInternalServerError)
	}
}

func TestBodySizeLimit(t *testing.T) {
	env := testServer(t)
	body := `{"mode":"` + strings.Repeat("x", maxRequestBodySize) + `"}`

	w := env.do(http.MethodPut, "/api/v1/tracking-mode", body)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestNotFound(t *testing.T) {
	env := testServer(t)

	w := env.do(http.MethodGet, "/api/v1/nonexistent", "")

	if w.Code != http.StatusNotFound {
		t.Errorf("unknown route status = %d, want %d", w.Code, http.StatusNotFound)
	}
	var e Error
	decode(t, w, &e)
	if e.Code != ErrCodeNotFound {
		t.Errorf("code = %q, want %q", e.Code, ErrCodeNotFound)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	env := testServer(t)

	w := env.do(http.MethodPost, "/api/v1/policy", `{}`)

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want %d", w.Code, http.StatusMethodNotAllowed)
	}
}

// ─── Viewer ────────────────────────────────────────────────────────

func TestViewer(t *testing.T) {
	env := testServer(t, func(d *Deps) {
		d.Config.Viewer.Enabled = true
		d.Security.JWT.Secret = "test-secret-key-at-least-32-characters-long"
	})

	w := env.do(http.MethodGet, "/viewer/", "")
	if w.Code != http.StatusOK {
		t.Fatalf("GET /viewer/ status = %d, want %d (no auth on static page)", w.Code, http.StatusOK)
	}
	if !strings.Contains(w.Body.String(), `content="/api/v1/ws"`) {
		t.Error("viewer page does not point at the WebSocket route")
	}

	if w := env.do(http.MethodGet, "/viewer/viewer.js", ""); w.Code != http.StatusOK {
		t.Errorf("GET /viewer/viewer.js status = %d, want %d", w.Code, http.StatusOK)
	}

	w = env.do(http.MethodGet, "/viewer", "")
	if w.Code != http.StatusMovedPermanently || w.Header().Get("Location") != "/viewer/" {
		t.Errorf("GET /viewer = %d %q, want redirect to /viewer/", w.Code, w.Header().Get("Location"))
	}
}

func TestViewer_Disabled(t *testing.T) {
	env := testServer(t)

	if w := env.do(http.MethodGet, "/viewer/", ""); w.Code != http.StatusNotFound {
		t.Errorf("GET /viewer/ status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

// ─── Frame Tests ───────────────────────────────────────────────────

func TestGetFrame_NoneYet(t *testing.T) {
	env := testServer(t)

	w := env.do(http.MethodGet, "/api/v1/frame", "")

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestGetFrame(t *testing.T) {
	env := testServer(t)
	env.session.frame = &tracking.TrackingEvent{
		FrameID:   42,
		FrameRate: 120,
		Hands:     []tracking.Hand{{ID: 7, Type: tracking.HandRight}},
	}

	w := env.do(http.MethodGet, "/api/v1/frame", "")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var got tracking.TrackingEvent
	decode(t, w, &got)
	if got.FrameID != 42 || len(got.Hands) != 1 || got.Hands[0].ID != 7 {
		t.Errorf("frame = %+v", got)
	}
}

func TestGetInterpolatedFrame(t *testing.T) {
	tests := []struct {
		name     string
		query    string
		interp   *tracking.TrackingEvent
		err      error
		wantCode int
	}{
		{"missing timestamp", "", nil, nil, http.StatusBadRequest},
		{"bad timestamp", "?timestamp=soon", nil, nil, http.StatusBadRequest},
		{"session closed", "?timestamp=100", nil, tracking.ErrNotOpen, http.StatusServiceUnavailable},
		{"service error", "?timestamp=100", nil, errors.New("timeout"), http.StatusBadGateway},
		{"no data", "?timestamp=100", nil, nil, http.StatusNotFound},
		{"ok", "?timestamp=100", &tracking.TrackingEvent{FrameID: 9}, nil, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := testServer(t)
			env.session.interp = tt.interp
			env.session.interpErr = tt.err

			w := env.do(http.MethodGet, "/api/v1/frame/interpolated"+tt.query, "")

			if w.Code != tt.wantCode {
				t.Errorf("status = %d, want %d (%s)", w.Code, tt.wantCode, w.Body.String())
			}
		})
	}
}

func TestGetInterpolatedFrame_PassesTimestamp(t *testing.T) {
	env := testServer(t)
	env.session.interp = &tracking.TrackingEvent{FrameID: 3}

	env.do(http.MethodGet, "/api/v1/frame/interpolated?timestamp=-16000", "")

	if len(env.session.interpAt) != 1 || env.session.interpAt[0] != -16000 {
		t.Errorf("InterpolatedFrameAt calls = %v, want [-16000]", env.session.interpAt)
	}
}

// ─── Device Tests ──────────────────────────────────────────────────

func TestGetDevice(t *testing.T) {
	env := testServer(t)

	if w := env.do(http.MethodGet, "/api/v1/device", ""); w.Code != http.StatusNotFound {
		t.Errorf("no device status = %d, want %d", w.Code, http.StatusNotFound)
	}

	env.session.device = &tracking.DeviceInfo{Serial: "LP1", PID: 7}
	w := env.do(http.MethodGet, "/api/v1/device", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var got tracking.DeviceInfo
	decode(t, w, &got)
	if got.Serial != "LP1" || got.PID != 7 {
		t.Errorf("device = %+v", got)
	}
}

func TestListDevices(t *testing.T) {
	env := testServer(t)
	env.history.entries = []history.Entry{
		{ID: 2, Serial: "LP1", Kind: history.KindFound},
		{ID: 1, Serial: "LP2", Kind: history.KindLost},
	}

	w := env.do(http.MethodGet, "/api/v1/devices", "")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var resp struct {
		Devices []history.Entry `json:"devices"`
		Count   int             `json:"count"`
	}
	decode(t, w, &resp)
	if resp.Count != 2 || resp.Devices[0].Serial != "LP1" {
		t.Errorf("resp = %+v", resp)
	}
}

func TestListDevices_Empty(t *testing.T) {
	env := testServer(t)

	w := env.do(http.MethodGet, "/api/v1/devices", "")

	if !strings.Contains(w.Body.String(), `"devices":[]`) {
		t.Errorf("body = %s, want an empty list", w.Body.String())
	}
}

func TestListDevices_NoHistory(t *testing.T) {
	env := testServer(t, func(d *Deps) { d.History = nil })

	if w := env.do(http.MethodGet, "/api/v1/devices", ""); w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
}

func TestListDevices_Error(t *testing.T) {
	env := testServer(t)
	env.history.err = errors.New("disk I/O error")

	if w := env.do(http.MethodGet, "/api/v1/devices", ""); w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", w.Code, http.StatusInternalServerError)
	}
}

func TestDeviceHistory(t *testing.T) {
	env := testServer(t)
	env.history.entries = []history.Entry{{ID: 1, Serial: "LP1", Kind: history.KindFound}}

	w := env.do(http.MethodGet, "/api/v1/devices/LP1/history?limit=5", "")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if env.history.gotSerial != "LP1" || env.history.gotLimit != 5 {
		t.Errorf("GetHistory(%q, %d), want (LP1, 5)", env.history.gotSerial, env.history.gotLimit)
	}
}

func TestDeviceHistory_BadLimit(t *testing.T) {
	env := testServer(t)

	if w := env.do(http.MethodGet, "/api/v1/devices/LP1/history?limit=-1", ""); w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

// ─── Command Tests ─────────────────────────────────────────────────

func TestSetPolicy(t *testing.T) {
	env := testServer(t)

	w := env.do(http.MethodPut, "/api/v1/policy", `{"set":["images"],"clear":["optimize_hmd"]}`)

	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d (%s)", w.Code, http.StatusAccepted, w.Body.String())
	}
	cmd := env.bridge.lastCommand(t)
	if cmd.Command != bridge.CommandSetPolicy {
		t.Errorf("command = %q", cmd.Command)
	}
	set, _ := cmd.Parameters["set"].([]any)
	if len(set) != 1 || set[0] != "images" {
		t.Errorf("set = %v", cmd.Parameters["set"])
	}
	clr, _ := cmd.Parameters["clear"].([]any)
	if len(clr) != 1 || clr[0] != "optimize_hmd" {
		t.Errorf("clear = %v", cmd.Parameters["clear"])
	}
}

func TestSetTrackingMode(t *testing.T) {
	env := testServer(t)

	w := env.do(http.MethodPut, "/api/v1/tracking-mode", `{"mode":"hmd"}`)

	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusAccepted)
	}
	cmd := env.bridge.lastCommand(t)
	if cmd.Command != bridge.CommandSetTrackingMode || cmd.Parameters["mode"] != "hmd" {
		t.Errorf("command = %+v", cmd)
	}
	var ack bridge.AckMessage
	decode(t, w, &ack)
	if ack.Status != bridge.AckAccepted {
		t.Errorf("ack status = %q", ack.Status)
	}
}

func TestCommand_InvalidJSON(t *testing.T) {
	env := testServer(t)

	for _, path := range []string{"/api/v1/policy", "/api/v1/tracking-mode"} {
		if w := env.do(http.MethodPut, path, `{nope`); w.Code != http.StatusBadRequest {
			t.Errorf("%s status = %d, want %d", path, w.Code, http.StatusBadRequest)
		}
	}
}

func TestCommand_AckErrors(t *testing.T) {
	tests := []struct {
		code     string
		wantHTTP int
		wantCode string
	}{
		{bridge.ErrCodeInvalidParameters, http.StatusBadRequest, ErrCodeValidation},
		{bridge.ErrCodeInvalidCommand, http.StatusBadRequest, ErrCodeValidation},
		{bridge.ErrCodeNotConnected, http.StatusServiceUnavailable, ErrCodeUnavailable},
		{bridge.ErrCodeBusy, http.StatusServiceUnavailable, ErrCodeUnavailable},
		{bridge.ErrCodeServiceError, http.StatusBadGateway, ErrCodeUpstream},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			env := testServer(t)
			env.bridge.ack = &bridge.AckMessage{
				CommandID: "c1",
				Status:    bridge.AckFailed,
				Error:     &bridge.AckError{Code: tt.code, Message: "nope"},
			}

			w := env.do(http.MethodPut, "/api/v1/tracking-mode", `{"mode":"vr"}`)

			if w.Code != tt.wantHTTP {
				t.Errorf("status = %d, want %d", w.Code, tt.wantHTTP)
			}
			var resp commandError
			decode(t, w, &resp)
			if resp.Code != tt.wantCode || resp.Message != "nope" || resp.Ack.CommandID != "c1" {
				t.Errorf("resp = %+v", resp)
			}
		})
	}
}

func TestCommand_NotAcknowledged(t *testing.T) {
	env := testServer(t)
	env.bridge.silence = true

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodPut, "/api/v1/tracking-mode", strings.NewReader(`{"mode":"hmd"}`)).WithContext(ctx)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	if w.Code != http.StatusGatewayTimeout {
		t.Errorf("status = %d, want %d", w.Code, http.StatusGatewayTimeout)
	}
}

// ─── Status Tests ──────────────────────────────────────────────────

func TestStatus(t *testing.T) {
	env := testServer(t, func(d *Deps) { d.MQTT = mockMQTT{connected: true} })
	env.session.stats = tracking.Stats{
		Running:        true,
		Connected:      true,
		FramesReceived: 500,
		StaleTasks:     3,
		CurrentPolicy:  tracking.PolicyImages,
		CurrentMode:    tracking.TrackingModeHMD,
	}
	env.bridge.stats = bridge.Statistics{FramesPublished: 50}
	env.bridge.health = bridge.HealthMessage{
		Status:     bridge.HealthHealthy,
		Connection: &bridge.ConnectionStatus{Device: "LP1"},
	}

	w := env.do(http.MethodGet, "/api/v1/status", "")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var resp StatusResponse
	decode(t, w, &resp)
	if !resp.Session.Running || resp.Session.FramesReceived != 500 || resp.Session.StaleTasks != 3 {
		t.Errorf("session = %+v", resp.Session)
	}
	if resp.Session.TrackingMode != tracking.TrackingModeHMD.String() {
		t.Errorf("tracking mode = %q", resp.Session.TrackingMode)
	}
	if len(resp.Session.Policy) != 1 || resp.Session.Policy[0] != "images" {
		t.Errorf("policy = %v", resp.Session.Policy)
	}
	if resp.Bridge.FramesPublished != 50 {
		t.Errorf("bridge = %+v", resp.Bridge)
	}
	if resp.Device != "LP1" || resp.Health != bridge.HealthHealthy {
		t.Errorf("device = %q health = %q", resp.Device, resp.Health)
	}
	if !resp.MQTT.Enabled || !resp.MQTT.Connected {
		t.Errorf("mqtt = %+v", resp.MQTT)
	}
	if resp.Runtime.Goroutines == 0 {
		t.Error("runtime goroutines should be reported")
	}
	if resp.Service != nil {
		t.Errorf("service = %+v, want omitted when unmanaged", resp.Service)
	}
}

func TestStatus_ManagedService(t *testing.T) {
	env := testServer(t, func(d *Deps) {
		d.Service = mockService{stats: process.Stats{Name: "trackd", State: process.StateRunning, PID: 4242, Restarts: 1}}
	})

	w := env.do(http.MethodGet, "/api/v1/status", "")

	var resp StatusResponse
	decode(t, w, &resp)
	if resp.Service == nil {
		t.Fatal("service should be reported")
	}
	if resp.Service.State != process.StateRunning || resp.Service.PID != 4242 || resp.Service.Restarts != 1 {
		t.Errorf("service = %+v", resp.Service)
	}
}

// ─── Lifecycle Tests ───────────────────────────────────────────────

func TestStartClose(t *testing.T) {
	env := testServer(t)

	if err := env.srv.HealthCheck(context.Background()); err == nil {
		t.Error("HealthCheck before Start should fail")
	}
	if err := env.srv.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if err := env.srv.Start(context.Background()); err == nil {
		t.Error("second Start() should fail")
	}
	if err := env.srv.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error: %v", err)
	}
	if err := env.srv.Close(); err != nil {
		t.Errorf("Close() error: %v", err)
	}
}

func TestClose_NotStarted(t *testing.T) {
	env := testServer(t)

	if err := env.srv.Close(); err != nil {
		t.Errorf("Close() error: %v", err)
	}
}
