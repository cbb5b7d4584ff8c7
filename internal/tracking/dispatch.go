package tracking

import "runtime/debug"

// Dispatcher runs deferred work on a single consumer goroutine, typically
// the application's main goroutine. Post must not block.
type Dispatcher interface {
	// Post queues task. Returns false if the task was dropped.
	Post(task func()) bool
}

// DispatchMode says where a callback for an event type runs.
type DispatchMode int

const (
	// DispatchSync runs the callback on the polling goroutine.
	DispatchSync DispatchMode = iota

	// DispatchDeferred posts the callback to the Dispatcher behind a
	// validity check.
	DispatchDeferred
)

func (m DispatchMode) String() string {
	if m == DispatchDeferred {
		return "deferred"
	}
	return "sync"
}

// DispatchModeFor returns the dispatch mode for an event type.
// Connection state, tracking and image events are latency critical and run
// synchronously; everything else is deferred.
func DispatchModeFor(t EventType) DispatchMode {
	switch t {
	case EventConnection, EventConnectionLost, EventTracking, EventImage:
		return DispatchSync
	default:
		return DispatchDeferred
	}
}

// inlineDispatcher runs tasks on the caller. It is used when a session has
// no Dispatcher configured.
type inlineDispatcher struct{}

func (inlineDispatcher) Post(task func()) bool {
	task()
	return true
}

// dispatch routes fn by the dispatch mode of event.
func (s *Session) dispatch(event EventType, fn func(cb Callback)) {
	if DispatchModeFor(event) == DispatchDeferred {
		s.deferCall(event, fn)
		return
	}
	s.deliver(event, fn)
}

// deliver invokes fn with the registered callback on the polling goroutine.
// A panicking callback is logged and does not stop the loop.
func (s *Session) deliver(event EventType, fn func(cb Callback)) {
	cb := s.Callback()
	if cb == nil {
		return
	}
	defer s.recoverCallback(event)
	fn(cb)
}

// deferCall posts fn to the Dispatcher. When the task runs it re-checks
// that the session is still the valid context before touching it.
func (s *Session) deferCall(event EventType, fn func(cb Callback)) {
	if s.Callback() == nil {
		return
	}

	ref := newSessionRef(s)
	ok := s.dispatcher.Post(func() {
		live := ref.acquire()
		if live == nil {
			ref.skipped()
			return
		}
		cb := live.Callback()
		if cb == nil {
			ref.skipped()
			return
		}
		defer live.recoverCallback(event)
		fn(cb)
	})

	if ok {
		s.stats.deferredPosted.Add(1)
	} else {
		s.stats.deferredDropped.Add(1)
		s.logger.Warn("deferred callback dropped", "event", event.String())
	}
}

func (s *Session) recoverCallback(event EventType) {
	if r := recover(); r != nil {
		s.logger.Error("callback panicked",
			"event", event.String(),
			"panic", r,
			"stack", string(debug.Stack()),
		)
	}
}
