// Package sessions tracks the in-flight exchange for each trigger message.
//
// At most one session is registered per trigger ID. Entries are updated
// with per-key atomic map operations; there is no registry-wide lock.
package sessions

import (
	"context"
	"sync"
	"sync/atomic"
)

// Registry maps trigger IDs to their active session.
type Registry struct {
	sessions sync.Map // trigger ID -> *Session
	gen      atomic.Uint64
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Start registers a new session for triggerID. A session already
// registered for the same trigger is cancelled and becomes the new
// session's predecessor.
func (r *Registry) Start(parent context.Context, triggerID string) *Session {
	s := newSession(parent, triggerID, r.gen.Add(1))
	if old, loaded := r.sessions.Swap(triggerID, s); loaded {
		r.supersede(s, old.(*Session))
	}
	return s
}

// Restart is Start restricted to triggers that still have an active
// session. It returns false, registering nothing, when there is none.
func (r *Registry) Restart(parent context.Context, triggerID string) (*Session, bool) {
	for {
		v, ok := r.sessions.Load(triggerID)
		if !ok {
			return nil, false
		}
		old := v.(*Session)
		s := newSession(parent, triggerID, r.gen.Add(1))
		if r.sessions.CompareAndSwap(triggerID, old, s) {
			r.supersede(s, old)
			return s, true
		}
		s.finish()
	}
}

func (r *Registry) supersede(next, old *Session) {
	next.prev.Store(old)
	old.Cancel()
}

// CancelAndRemove cancels and drops the session for triggerID. It reports
// whether one was registered.
func (r *Registry) CancelAndRemove(triggerID string) bool {
	v, ok := r.sessions.LoadAndDelete(triggerID)
	if !ok {
		return false
	}
	v.(*Session).Cancel()
	return true
}

// Complete retires s. The entry is removed only when s was not cancelled
// and is still the registered generation; a cancelled session was already
// removed or replaced by whoever cancelled it. Complete always marks s as
// done and reports whether it removed the entry.
//
// Complete first waits for the superseded generation, so a closed Done
// means every older generation for the trigger has finished. A session
// that never delivered takes over its predecessor's reply.
func (r *Registry) Complete(s *Session) bool {
	defer s.finish()
	if prev := s.prev.Load(); prev != nil {
		<-prev.done
		if _, ok := s.Destination(); !ok {
			if ref, ok := prev.Destination(); ok {
				s.SetDestination(ref)
			}
		}
	}
	if s.Cancelled() {
		return false
	}
	return r.sessions.CompareAndDelete(s.TriggerID, s)
}

// Active returns the session registered for triggerID.
func (r *Registry) Active(triggerID string) (*Session, bool) {
	v, ok := r.sessions.Load(triggerID)
	if !ok {
		return nil, false
	}
	return v.(*Session), true
}

// Len counts registered sessions.
func (r *Registry) Len() int {
	n := 0
	r.sessions.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// CancelAll cancels and drops every session, for shutdown.
func (r *Registry) CancelAll() int {
	n := 0
	r.sessions.Range(func(k, _ any) bool {
		if r.CancelAndRemove(k.(string)) {
			n++
		}
		return true
	})
	return n
}
