package tracking

import (
	"sync/atomic"
	"weak"
)

// Guard records which Session is the live context for deferred callbacks.
//
// Only one session is expected to be registered at a time. Deferred tasks
// call IsValid immediately before touching their session; once the session
// has revoked its token or dropped its callback, the check fails and the
// task is skipped.
type Guard struct {
	current atomic.Pointer[Session]
}

// staleTasks counts deferred tasks skipped because their session was no
// longer valid, across all sessions. Per-session counts are in Stats.
var staleTasks atomic.Uint64

// StaleTasks returns how many deferred tasks were skipped by the guard in
// this process.
func StaleTasks() uint64 {
	return staleTasks.Load()
}

// defaultGuard is the process-wide context slot used unless a session is
// built WithGuard.
var defaultGuard Guard

// Publish makes s the live context. The last writer wins.
func (g *Guard) Publish(s *Session) {
	g.current.Store(s)
}

// Revoke clears the slot if it still holds s.
// A newer session published in the meantime is left in place.
func (g *Guard) Revoke(s *Session) {
	g.current.CompareAndSwap(s, nil)
}

// IsValid reports whether s is the live context and still has a callback
// registered. Both conditions are needed: teardown clears the callback after
// the token, and a task may run between the two steps.
func (g *Guard) IsValid(s *Session) bool {
	if s == nil || g.current.Load() != s {
		return false
	}
	return s.Callback() != nil
}

// Current returns the live context, or nil.
func (g *Guard) Current() *Session {
	return g.current.Load()
}

// sessionRef is the handle a deferred task holds on its session. It does not
// keep the session reachable.
type sessionRef struct {
	ptr   weak.Pointer[Session]
	guard *Guard
	stale *atomic.Uint64
}

func newSessionRef(s *Session) sessionRef {
	return sessionRef{ptr: weak.Make(s), guard: s.guard, stale: s.stale}
}

// skipped counts a task that did not run. It never touches the session.
func (r sessionRef) skipped() {
	staleTasks.Add(1)
	r.stale.Add(1)
}

// acquire upgrades the reference. It returns nil if the session has been
// collected or is no longer the valid context.
func (r sessionRef) acquire() *Session {
	s := r.ptr.Value()
	if s == nil || !r.guard.IsValid(s) {
		return nil
	}
	return s
}
