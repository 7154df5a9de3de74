package sessions

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/haasonsaas/relay/pkg/models"
)

// Session is the cancellable unit of work answering one trigger message.
// It is owned by a single pipeline goroutine; Cancel may be called from
// anywhere.
type Session struct {
	// TriggerID identifies the message that started the exchange.
	TriggerID string

	// Generation increases with every session the registry starts, so an
	// edit's session is always newer than the one it supersedes.
	Generation uint64

	ctx       context.Context
	cancel    context.CancelFunc
	cancelled atomic.Bool

	dest atomic.Pointer[models.MessageRef]
	prev atomic.Pointer[Session]

	done     chan struct{}
	doneOnce sync.Once
}

func newSession(parent context.Context, triggerID string, gen uint64) *Session {
	ctx, cancel := context.WithCancel(parent)
	return &Session{
		TriggerID:  triggerID,
		Generation: gen,
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
}

// Context is cancelled when the session is cancelled or finished.
func (s *Session) Context() context.Context {
	return s.ctx
}

// Cancel fires the session's cancellation. It reports whether this call
// fired it; later calls are no-ops.
func (s *Session) Cancel() bool {
	if !s.cancelled.CompareAndSwap(false, true) {
		return false
	}
	s.cancel()
	return true
}

// Cancelled reports whether Cancel has fired.
func (s *Session) Cancelled() bool {
	return s.cancelled.Load()
}

// SetDestination records the reply message once it exists.
func (s *Session) SetDestination(ref models.MessageRef) {
	s.dest.Store(&ref)
}

// Destination returns the reply message, if one was sent.
func (s *Session) Destination() (models.MessageRef, bool) {
	ref := s.dest.Load()
	if ref == nil {
		return models.MessageRef{}, false
	}
	return *ref, true
}

// AwaitPredecessor blocks until the session this one superseded has
// finished, so the two generations never deliver concurrently.
func (s *Session) AwaitPredecessor(ctx context.Context) error {
	prev := s.prev.Load()
	if prev == nil {
		return nil
	}
	select {
	case <-prev.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Inherited returns the reply left behind by the superseded generation,
// once that generation has finished.
func (s *Session) Inherited() (models.MessageRef, bool) {
	prev := s.prev.Load()
	if prev == nil {
		return models.MessageRef{}, false
	}
	select {
	case <-prev.done:
		return prev.Destination()
	default:
		return models.MessageRef{}, false
	}
}

// Done is closed once the session has been retired by Registry.Complete.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) finish() {
	s.doneOnce.Do(func() {
		s.prev.Store(nil)
		close(s.done)
		// Releases the context's resources; does not mark the session cancelled.
		s.cancel()
	})
}
