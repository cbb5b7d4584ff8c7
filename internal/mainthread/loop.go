// Package mainthread runs deferred work on one goroutine.
//
// Producers such as the tracking session's polling goroutine Post tasks
// without blocking. The owner of the loop drains them either cooperatively
// with Drain, or by dedicating a goroutine to Run. Tasks run one at a time
// in the order they were posted.
//
// The queue is bounded. When it is full, Post drops the task, logs it and
// counts it, so a stalled consumer can never stall a producer.
package mainthread

import (
	"context"
	"errors"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"
)

// DefaultQueueSize is the task capacity used when Config.QueueSize is zero.
const DefaultQueueSize = 1024

// ErrClosed is returned by Run once the loop has been closed.
var ErrClosed = errors.New("mainthread: loop closed")

// Task is a unit of deferred work.
type Task = func()

// Config holds loop settings.
type Config struct {
	// QueueSize is the maximum number of pending tasks.
	// Default: 1024.
	QueueSize int
}

// Logger interface for optional logging.
type Logger interface {
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Stats holds loop counters.
type Stats struct {
	Posted   uint64
	Executed uint64
	Dropped  uint64
	Panics   uint64
	Pending  int
}

// Loop is a bounded FIFO of tasks with a single consumer.
//
// Thread Safety:
//   - Post and Stats are safe from any goroutine.
//   - Drain and Run must be called from the owning goroutine only.
type Loop struct {
	tasks  chan Task
	closed chan struct{}
	once   sync.Once
	logger Logger

	posted   atomic.Uint64
	executed atomic.Uint64
	dropped  atomic.Uint64
	panics   atomic.Uint64
}

// New creates a loop.
//
// Parameters:
//   - cfg: queue settings; zero values select defaults
//   - logger: receives drop and panic reports; may be nil
//
// Returns:
//   - *Loop: an open loop with nothing queued
func New(cfg Config, logger Logger) *Loop {
	size := cfg.QueueSize
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &Loop{
		tasks:  make(chan Task, size),
		closed: make(chan struct{}),
		logger: logger,
	}
}

// Post queues t without blocking.
// Returns false if t is nil, the loop is closed or the queue is full.
func (l *Loop) Post(t Task) bool {
	if t == nil {
		return false
	}
	select {
	case <-l.closed:
		return false
	default:
	}

	select {
	case l.tasks <- t:
		l.posted.Add(1)
		return true
	default:
		n := l.dropped.Add(1)
		if l.logger != nil {
			l.logger.Warn("main thread queue full, task dropped",
				"dropped_total", n,
				"capacity", cap(l.tasks),
			)
		}
		return false
	}
}

// Drain runs every task queued at the time of the call and returns how
// many ran. It never blocks waiting for new tasks.
func (l *Loop) Drain() int {
	n := len(l.tasks)
	ran := 0
	for i := 0; i < n; i++ {
		select {
		case t := <-l.tasks:
			l.execute(t)
			ran++
		default:
			return ran
		}
	}
	return ran
}

// Run executes tasks as they arrive until ctx is cancelled or the loop is
// closed. The calling goroutine is locked to its OS thread for the duration
// so every task runs on the same thread.
//
// Tasks still queued when Run returns are executed first.
func (l *Loop) Run(ctx context.Context) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for {
		select {
		case <-ctx.Done():
			l.Drain()
			return ctx.Err()
		case <-l.closed:
			l.Drain()
			return ErrClosed
		case t := <-l.tasks:
			l.execute(t)
		}
	}
}

// Close stops accepting tasks and makes Run return.
// Safe to call more than once.
func (l *Loop) Close() {
	l.once.Do(func() { close(l.closed) })
}

// Stats returns the loop counters.
func (l *Loop) Stats() Stats {
	return Stats{
		Posted:   l.posted.Load(),
		Executed: l.executed.Load(),
		Dropped:  l.dropped.Load(),
		Panics:   l.panics.Load(),
		Pending:  len(l.tasks),
	}
}

func (l *Loop) execute(t Task) {
	defer func() {
		if r := recover(); r != nil {
			l.panics.Add(1)
			if l.logger != nil {
				l.logger.Error("main thread task panicked",
					"panic", r,
					"stack", string(debug.Stack()),
				)
			}
		}
	}()
	l.executed.Add(1)
	t()
}
