package gateway

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/haasonsaas/relay/internal/delivery"
	"github.com/haasonsaas/relay/internal/sessions"
	"github.com/haasonsaas/relay/pkg/models"
)

// sessionDestination records the reply on the session and stops the typing
// indicator once something is visible. When an edited trigger is rerun,
// the first send rewrites the previous generation's reply instead of
// posting a second one.
type sessionDestination struct {
	next      delivery.Destination
	session   *sessions.Session
	onFirst   func()
	inherited models.MessageRef
	logger    *slog.Logger

	sent atomic.Bool
}

var _ delivery.Destination = (*sessionDestination)(nil)

func newSessionDestination(next delivery.Destination, s *sessions.Session, onFirst func(), logger *slog.Logger) *sessionDestination {
	d := &sessionDestination{next: next, session: s, onFirst: onFirst, logger: logger}
	if ref, ok := s.Inherited(); ok {
		d.inherited = ref
	}
	return d
}

func (d *sessionDestination) Send(ctx context.Context, p delivery.Payload) (models.MessageRef, error) {
	if !d.inherited.IsZero() && !d.sent.Load() {
		err := d.next.Edit(ctx, d.inherited, p)
		if err == nil {
			d.record(d.inherited)
			return d.inherited, nil
		}
		if ctx.Err() != nil {
			return models.MessageRef{}, err
		}
		d.logger.Debug("previous reply not editable, sending a new one", "message_id", d.inherited.MessageID, "error", err)
		d.inherited = models.MessageRef{}
	}

	ref, err := d.next.Send(ctx, p)
	if err != nil {
		return models.MessageRef{}, err
	}
	d.record(ref)
	return ref, nil
}

func (d *sessionDestination) Edit(ctx context.Context, ref models.MessageRef, p delivery.Payload) error {
	return d.next.Edit(ctx, ref, p)
}

func (d *sessionDestination) record(ref models.MessageRef) {
	d.session.SetDestination(ref)
	if d.sent.CompareAndSwap(false, true) && d.onFirst != nil {
		d.onFirst()
	}
}

func (d *sessionDestination) delivered() bool {
	return d.sent.Load()
}
