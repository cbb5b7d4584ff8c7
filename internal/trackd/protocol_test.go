package trackd

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/motionlink/internal/tracking"
)

func TestFrameWriterReader(t *testing.T) {
	tests := []struct {
		name string
		kind Kind
		body []byte
	}{
		{"empty body", KindEvent, nil},
		{"small body", KindRequest, []byte("hello")},
		{"binary body", KindResponse, []byte{0x00, 0xFF, 0x7F, 0x80}},
		{"large body", KindEvent, bytes.Repeat([]byte("x"), 64*1024)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := new(bytes.Buffer)
			require.NoError(t, NewFrameWriter(buf).WriteFrame(tt.kind, tt.body))
			assert.Equal(t, LengthPrefixSize+1+len(tt.body), buf.Len())

			kind, body, err := NewFrameReader(buf, 0).ReadFrame()
			require.NoError(t, err)
			assert.Equal(t, tt.kind, kind)
			assert.Equal(t, len(tt.body), len(body))
			assert.True(t, bytes.Equal(tt.body, body))
		})
	}
}

func TestFrameReader_Errors(t *testing.T) {
	t.Run("clean EOF", func(t *testing.T) {
		_, _, err := NewFrameReader(new(bytes.Buffer), 0).ReadFrame()
		assert.ErrorIs(t, err, io.EOF)
	})

	t.Run("truncated prefix", func(t *testing.T) {
		_, _, err := NewFrameReader(bytes.NewReader([]byte{0x00, 0x00}), 0).ReadFrame()
		assert.ErrorIs(t, err, ErrFrameTruncated)
	})

	t.Run("truncated body", func(t *testing.T) {
		data := []byte{0x00, 0x00, 0x00, 0x05, byte(KindEvent), 0x01}
		_, _, err := NewFrameReader(bytes.NewReader(data), 0).ReadFrame()
		assert.ErrorIs(t, err, ErrFrameTruncated)
	})

	t.Run("zero length", func(t *testing.T) {
		_, _, err := NewFrameReader(bytes.NewReader([]byte{0, 0, 0, 0}), 0).ReadFrame()
		assert.ErrorIs(t, err, ErrMessageEmpty)
	})

	t.Run("too large", func(t *testing.T) {
		var prefix [LengthPrefixSize]byte
		binary.BigEndian.PutUint32(prefix[:], 1025)
		_, _, err := NewFrameReader(bytes.NewReader(prefix[:]), 1024).ReadFrame()
		assert.ErrorIs(t, err, ErrMessageTooLarge)
	})

	t.Run("writer too large", func(t *testing.T) {
		w := NewFrameWriter(io.Discard)
		w.maxMessageSize = 8
		assert.ErrorIs(t, w.WriteFrame(KindEvent, make([]byte, 8)), ErrMessageTooLarge)
	})

	t.Run("malformed envelope", func(t *testing.T) {
		buf := new(bytes.Buffer)
		require.NoError(t, NewFrameWriter(buf).WriteFrame(KindEvent, []byte{0xFF}))
		_, _, err := NewFrameReader(buf, 0).ReadEnvelope()
		assert.ErrorIs(t, err, ErrMalformed)
	})
}

func TestEnvelope_EventRoundTrip(t *testing.T) {
	frame := &tracking.TrackingEvent{
		FrameID:   42,
		Timestamp: 1_000_000,
		FrameRate: 90,
		Hands:     []tracking.Hand{{ID: 7, Type: tracking.HandRight, PinchStrength: 0.25}},
	}

	tests := []struct {
		name    string
		event   tracking.EventType
		payload any
		check   func(t *testing.T, m *tracking.Message)
	}{
		{"connection", tracking.EventConnection, &tracking.ConnectionEvent{}, func(t *testing.T, m *tracking.Message) {
			assert.NotNil(t, m.Connection)
		}},
		{"device lost", tracking.EventDeviceLost, &tracking.DeviceEvent{Device: tracking.DeviceRef{Handle: 3}}, func(t *testing.T, m *tracking.Message) {
			require.NotNil(t, m.Device)
			assert.Equal(t, uint64(3), m.Device.Device.Handle)
		}},
		{"tracking", tracking.EventTracking, frame, func(t *testing.T, m *tracking.Message) {
			assert.Equal(t, frame, m.Tracking)
		}},
		{"log", tracking.EventLog, &tracking.LogEvent{Severity: tracking.LogSeverityWarning, Message: "hot"}, func(t *testing.T, m *tracking.Message) {
			require.NotNil(t, m.Log)
			assert.Equal(t, "hot", m.Log.Message)
		}},
		{"policy", tracking.EventPolicy, &tracking.PolicyEvent{CurrentPolicy: tracking.PolicyImages}, func(t *testing.T, m *tracking.Message) {
			require.NotNil(t, m.Policy)
			assert.Equal(t, tracking.PolicyImages, m.Policy.CurrentPolicy)
		}},
		{"config response", tracking.EventConfigResponse, &tracking.ConfigResponseEvent{
			RequestID: 9,
			Value:     tracking.ConfigValue{Type: tracking.ValueString, String: "x"},
		}, func(t *testing.T, m *tracking.Message) {
			require.NotNil(t, m.ConfigResponse)
			assert.Equal(t, "x", m.ConfigResponse.Value.Text())
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := NewEvent(tt.event, 1, tt.payload)
			require.NoError(t, err)

			buf := new(bytes.Buffer)
			require.NoError(t, NewFrameWriter(buf).WriteEnvelope(KindEvent, env))

			kind, got, err := NewFrameReader(buf, 0).ReadEnvelope()
			require.NoError(t, err)
			assert.Equal(t, KindEvent, kind)

			msg, err := DecodeEvent(got)
			require.NoError(t, err)
			assert.Equal(t, tt.event, msg.Type)
			assert.Equal(t, uint32(1), msg.DeviceID)
			tt.check(t, msg)
		})
	}
}

func TestDecodeEvent_UnknownTypeHasNoPayload(t *testing.T) {
	msg, err := DecodeEvent(&Envelope{Event: tracking.EventType(0x7777), Payload: []byte{0xA0}})
	require.NoError(t, err)
	assert.Equal(t, tracking.EventType(0x7777), msg.Type)
	assert.Nil(t, msg.Tracking)
	assert.Nil(t, msg.Connection)
}

func TestDecodeEvent_BadPayload(t *testing.T) {
	_, err := DecodeEvent(&Envelope{Event: tracking.EventTracking, Payload: []byte{0xFF}})
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestEventQueue_DropsOldest(t *testing.T) {
	q := newEventQueue(2)
	for i := int64(1); i <= 3; i++ {
		q.push(&tracking.Message{Type: tracking.EventTracking, Tracking: &tracking.TrackingEvent{FrameID: i}})
	}
	assert.Equal(t, uint64(1), q.dropped.Load())

	done := make(chan struct{})
	first, err := q.poll(time.Millisecond, true, done)
	require.NoError(t, err)
	assert.Equal(t, int64(2), first.Tracking.FrameID)

	second, err := q.poll(time.Millisecond, false, done)
	require.NoError(t, err, "queued events are delivered while disconnected")
	assert.Equal(t, int64(3), second.Tracking.FrameID)

	_, err = q.poll(time.Millisecond, false, done)
	assert.ErrorIs(t, err, tracking.ResultNotConnected)

	_, err = q.poll(time.Millisecond, true, done)
	assert.ErrorIs(t, err, tracking.ResultTimeout)
}

func TestParseAddress(t *testing.T) {
	tests := []struct {
		in          string
		wantNetwork string
		wantAddress string
		wantErr     bool
	}{
		{"tcp://127.0.0.1:9000", "tcp", "127.0.0.1:9000", false},
		{"tcp://", "tcp", "localhost:12345", false},
		{"", "tcp", "localhost:12345", false},
		{"unix:///run/trackd.sock", "unix", "/run/trackd.sock", false},
		{"unix://", "", "", true},
		{"ws://localhost:6437", "", "", true},
		{"://bad", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			network, address, err := parseAddress(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantNetwork, network)
			assert.Equal(t, tt.wantAddress, address)
		})
	}
}

func TestNextBackoff(t *testing.T) {
	assert.Equal(t, 750*time.Millisecond, nextBackoff(500*time.Millisecond))
	assert.Equal(t, maxReconnectInterval, nextBackoff(100*time.Second))
	assert.Equal(t, maxReconnectInterval, nextBackoff(maxReconnectInterval))
}

func TestNewConnector(t *testing.T) {
	_, err := NewConnector(ConnectorConfig{Transport: "carrier-pigeon"}, nil)
	assert.ErrorIs(t, err, ErrUnknownTransport)

	_, err = NewConnector(ConnectorConfig{Config: Config{Address: "http://x"}}, nil)
	assert.ErrorIs(t, err, ErrInvalidAddress)

	c, err := NewConnector(ConnectorConfig{Transport: TransportFramed, Config: Config{Address: "tcp://127.0.0.1:1"}}, nil)
	require.NoError(t, err)
	conn, err := c.CreateConnection(tracking.ConnectionConfig{ServerNamespace: "ns"})
	require.NoError(t, err)
	client, ok := conn.(*Client)
	require.True(t, ok)
	assert.Equal(t, "ns", client.namespace)

	c, err = NewConnector(ConnectorConfig{Transport: TransportWebSocket}, nil)
	require.NoError(t, err)
	conn, err = c.CreateConnection(tracking.ConnectionConfig{})
	require.NoError(t, err)
	_, ok = conn.(*WSClient)
	assert.True(t, ok)
}

func TestClient_OpenValidatesAddress(t *testing.T) {
	c := NewClient(Config{Address: "udp://localhost:1"}, "", nil)
	assert.ErrorIs(t, c.Open(), ErrInvalidAddress)
	c.Destroy()
}

func TestClient_PollWhileUnreachable(t *testing.T) {
	c := NewClient(Config{Address: "tcp://127.0.0.1:1", ReconnectInterval: 10 * time.Millisecond}, "", nil)
	require.NoError(t, c.Open())
	defer c.Destroy()

	assert.ErrorIs(t, c.Open(), ErrAlreadyOpen)

	_, err := c.Poll(10 * time.Millisecond)
	assert.ErrorIs(t, err, tracking.ResultNotConnected)

	err = c.SetPolicyFlags(tracking.PolicyImages, 0)
	assert.ErrorIs(t, err, tracking.ResultNotConnected)
	assert.ErrorIs(t, c.HealthCheck(context.Background()), tracking.ResultNotConnected)

	require.Eventually(t, func() bool { return c.Stats().ErrorsTotal > 0 }, time.Second, time.Millisecond)
	assert.False(t, c.Stats().Connected)
}
