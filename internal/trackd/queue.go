package trackd

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/motionlink/internal/tracking"
)

// Default timeouts and intervals for service communication.
const (
	// defaultConnectTimeout bounds a dial plus handshake.
	defaultConnectTimeout = 5 * time.Second

	// defaultRequestTimeout bounds the wait for a request's response.
	defaultRequestTimeout = 5 * time.Second

	// defaultWriteTimeout is the timeout for write operations.
	defaultWriteTimeout = 5 * time.Second

	// defaultReconnectInterval is the initial delay between connection attempts.
	defaultReconnectInterval = 500 * time.Millisecond

	// maxReconnectInterval is the maximum delay between connection attempts.
	maxReconnectInterval = 2 * time.Minute

	// defaultEventQueueSize is the number of undelivered events kept.
	defaultEventQueueSize = 256
)

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

func (c *closeOnce) IsClosed() bool {
	select {
	case <-c.ch:
		return true
	default:
		return false
	}
}

// nextBackoff grows d by half, capped at maxReconnectInterval.
func nextBackoff(d time.Duration) time.Duration {
	next := time.Duration(float64(d) * 1.5)
	if next > maxReconnectInterval {
		next = maxReconnectInterval
	}
	return next
}

// eventQueue buffers received events between the receive goroutine and
// Poll. When full, the oldest event is dropped.
type eventQueue struct {
	ch      chan *tracking.Message
	dropped atomic.Uint64
}

func newEventQueue(size int) *eventQueue {
	if size <= 0 {
		size = defaultEventQueueSize
	}
	return &eventQueue{ch: make(chan *tracking.Message, size)}
}

// push never blocks.
func (q *eventQueue) push(msg *tracking.Message) {
	for {
		select {
		case q.ch <- msg:
			return
		default:
		}
		select {
		case <-q.ch:
			q.dropped.Add(1)
		default:
		}
	}
}

// poll returns a queued event, waiting up to timeout while connected.
// Queued events are returned even after the link dropped, so a synthesized
// ConnectionLost is always seen before ResultNotConnected.
func (q *eventQueue) poll(timeout time.Duration, connected bool, done <-chan struct{}) (*tracking.Message, error) {
	select {
	case msg := <-q.ch:
		return msg, nil
	default:
	}
	if !connected {
		return nil, tracking.ResultNotConnected
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case msg := <-q.ch:
		return msg, nil
	case <-timer.C:
		return nil, tracking.ResultTimeout
	case <-done:
		return nil, tracking.ResultNotConnected
	}
}

func (q *eventQueue) drain() {
	for {
		select {
		case <-q.ch:
		default:
			return
		}
	}
}

func connectionLost() *tracking.Message {
	return &tracking.Message{
		Type:           tracking.EventConnectionLost,
		ConnectionLost: &tracking.ConnectionLostEvent{},
	}
}
