package tracking

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGuard_PublishAndRevoke(t *testing.T) {
	g := &Guard{}
	a := NewSession(nil, Config{}, WithGuard(g))
	b := NewSession(nil, Config{}, WithGuard(g))
	a.callback.Store(&callbackBox{cb: NopCallback{}})
	b.callback.Store(&callbackBox{cb: NopCallback{}})

	assert.False(t, g.IsValid(a))

	g.Publish(a)
	assert.True(t, g.IsValid(a))
	assert.False(t, g.IsValid(b))

	g.Publish(b)
	assert.False(t, g.IsValid(a), "last writer wins")
	assert.True(t, g.IsValid(b))

	g.Revoke(a)
	assert.Same(t, b, g.Current(), "revoking a stale session leaves the newer one")

	g.Revoke(b)
	assert.Nil(t, g.Current())
	assert.False(t, g.IsValid(b))
}

func TestGuard_RequiresCallback(t *testing.T) {
	g := &Guard{}
	s := NewSession(nil, Config{}, WithGuard(g))
	g.Publish(s)

	assert.False(t, g.IsValid(s), "token matches but no callback registered")

	s.callback.Store(&callbackBox{cb: NopCallback{}})
	assert.True(t, g.IsValid(s))

	s.callback.Store(nil)
	assert.False(t, g.IsValid(s))
	assert.False(t, g.IsValid(nil))
}

func TestDeferred_SkippedAfterClose(t *testing.T) {
	conn := newMockConnection()
	cb := newRecordingCallback()
	q := &queueDispatcher{}
	s := openSession(t, conn, cb, WithDispatcher(q))

	conn.push(deviceMessage(1))
	conn.push(&Message{Type: EventLog, Log: &LogEvent{Severity: LogSeverityWarning, Message: "hot"}})
	require.Eventually(t, func() bool { return q.pending() == 2 }, waitFor, time.Millisecond)

	before := StaleTasks()
	s.Close()

	assert.Equal(t, 2, q.run())
	assert.Equal(t, before+2, StaleTasks())
	assert.Equal(t, uint64(2), s.Stats().StaleTasks)
	assert.Empty(t, cb.devices)
	assert.Empty(t, cb.logs)
}

func TestDeferred_SkippedAfterDestroy(t *testing.T) {
	conn := newMockConnection()
	cb := newRecordingCallback()
	q := &queueDispatcher{}
	guard := &Guard{}
	s := NewSession(ConnectorFunc(func(ConnectionConfig) (Connection, error) {
		return conn, nil
	}), testConfig(), WithDispatcher(q), WithGuard(guard))
	require.NoError(t, s.Open(cb))

	conn.push(&Message{Type: EventPolicy, Policy: &PolicyEvent{CurrentPolicy: PolicyImages}})
	require.Eventually(t, func() bool { return q.pending() == 1 }, waitFor, time.Millisecond)

	s.Destroy()
	q.run()
	assert.Empty(t, cb.policies)
	assert.Equal(t, uint64(1), s.Stats().StaleTasks)
}

func TestDeferred_RunsWhileValid(t *testing.T) {
	conn := newMockConnection()
	cb := newRecordingCallback()
	q := &queueDispatcher{}
	s := openSession(t, conn, cb, WithDispatcher(q))

	conn.push(&Message{Type: EventDeviceFailure, DeviceFailure: &DeviceFailureEvent{Status: DeviceStatusBadCalib, Handle: 5}})
	require.Eventually(t, func() bool { return q.pending() == 1 }, waitFor, time.Millisecond)

	q.run()
	assert.Equal(t, DeviceStatusBadCalib, receive(t, cb.failures))
	assert.Equal(t, uint64(1), s.Stats().DeferredPosted)
}

func TestDeferred_DroppedWhenDispatcherFull(t *testing.T) {
	conn := newMockConnection()
	q := &queueDispatcher{full: true}
	s := openSession(t, conn, newRecordingCallback(), WithDispatcher(q))

	conn.push(&Message{Type: EventLog, Log: &LogEvent{Message: "dropped"}})
	require.Eventually(t, func() bool { return s.Stats().DeferredDropped == 1 }, waitFor, time.Millisecond)
	assert.Zero(t, s.Stats().DeferredPosted)
}

func TestDeferred_ConcurrentDestroy(t *testing.T) {
	conn := newMockConnection()
	cb := newRecordingCallback()
	q := &queueDispatcher{}
	guard := &Guard{}
	s := NewSession(ConnectorFunc(func(ConnectionConfig) (Connection, error) {
		return conn, nil
	}), testConfig(), WithDispatcher(q), WithGuard(guard))
	require.NoError(t, s.Open(cb))

	for i := 0; i < 10; i++ {
		conn.push(&Message{Type: EventLog, Log: &LogEvent{Message: "line"}})
	}
	require.Eventually(t, func() bool { return q.pending() == 10 }, waitFor, time.Millisecond)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		q.run()
	}()
	go func() {
		defer wg.Done()
		s.Destroy()
	}()
	wg.Wait()

	// Whatever ran before Destroy revoked the token was delivered; nothing
	// after it was.
	assert.LessOrEqual(t, len(cb.logs), 10)
	assert.False(t, guard.IsValid(s))
}

func TestDispatchModeFor(t *testing.T) {
	tests := []struct {
		event EventType
		want  DispatchMode
	}{
		{EventConnection, DispatchSync},
		{EventConnectionLost, DispatchSync},
		{EventTracking, DispatchSync},
		{EventImage, DispatchSync},
		{EventDevice, DispatchDeferred},
		{EventDeviceLost, DispatchDeferred},
		{EventDeviceFailure, DispatchDeferred},
		{EventLog, DispatchDeferred},
		{EventPolicy, DispatchDeferred},
		{EventTrackingMode, DispatchDeferred},
		{EventConfigChange, DispatchDeferred},
		{EventConfigResponse, DispatchDeferred},
	}

	for _, tt := range tests {
		t.Run(tt.event.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, DispatchModeFor(tt.event))
		})
	}
}
