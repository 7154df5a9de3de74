package gateway

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/haasonsaas/relay/internal/completion"
	"github.com/haasonsaas/relay/internal/delivery"
	"github.com/haasonsaas/relay/internal/sessions"
	"github.com/haasonsaas/relay/internal/typing"
	"github.com/haasonsaas/relay/pkg/models"
)

// run owns s from start to Registry.Complete.
func (h *Handler) run(s *sessions.Session, msg *models.ChatMessage) {
	runID := uuid.NewString()
	logger := h.logger.With("trigger_id", msg.ID, "run_id", runID, "generation", s.Generation)

	ctx, span := h.tracer.Start(s.Context(), "relay.exchange",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("relay.trigger_id", msg.ID),
			attribute.String("relay.channel_id", msg.ChannelID),
			attribute.String("relay.run_id", runID),
			attribute.Int64("relay.generation", int64(s.Generation)),
		),
	)
	defer span.End()

	if h.cfg.Metrics != nil {
		h.cfg.Metrics.SessionStarted()
	}

	result := ResultCancelled
	if h.acquire(ctx) {
		result = h.exchange(ctx, s, msg, logger)
		h.release()
	}

	h.cfg.Registry.Complete(s)
	if h.cfg.Metrics != nil {
		h.cfg.Metrics.SessionFinished(result)
	}
	span.SetAttributes(attribute.String("relay.result", result))
	if result == ResultFailed {
		span.SetStatus(codes.Error, "exchange failed")
	}
	logger.Debug("exchange finished", "result", result)
}

func (h *Handler) acquire(ctx context.Context) bool {
	if h.sem == nil {
		return true
	}
	select {
	case h.sem <- struct{}{}:
		return true
	case <-ctx.Done():
		return false
	}
}

func (h *Handler) release() {
	if h.sem != nil {
		<-h.sem
	}
}

// exchange runs typing, history, completion and delivery for one
// generation and returns the session result.
func (h *Handler) exchange(ctx context.Context, s *sessions.Session, msg *models.ChatMessage, logger *slog.Logger) string {
	indicator := typing.New(func(ctx context.Context) error {
		return h.cfg.Chat.Typing(ctx, msg.ChannelID)
	}, typing.Config{Interval: h.cfg.TypingInterval, Logger: logger})
	indicator.Start(ctx)
	defer indicator.Stop()

	history, err := h.cfg.History.Build(ctx, msg, h.cfg.HistoryBudget)
	if err != nil {
		return ResultCancelled
	}
	next := h.cfg.History.Turn(ctx, msg)
	logger.Debug("context built", "turns", len(history))

	out := h.cfg.Completer.Complete(ctx, history, next)

	// An older generation may still be flushing into the same channel.
	if err := s.AwaitPredecessor(ctx); err != nil {
		discard(out)
		return ResultCancelled
	}
	dest := newSessionDestination(h.cfg.Chat.Destination(msg), s, indicator.Stop, logger)

	switch out.Kind {
	case completion.OutcomeCancelled:
		return ResultCancelled
	case completion.OutcomeFailed:
		logger.Error("completion failed", "error", out.Err, "attempts", out.Attempts)
		h.sendFailure(ctx, dest, logger)
		return ResultFailed
	}

	res, err := h.cfg.Deliverer.Deliver(ctx, dest, out)
	if res.Cancelled || ctx.Err() != nil {
		return ResultCancelled
	}
	if err != nil {
		logger.Error("delivery failed", "error", err, "delivered", dest.delivered(), "attempts", out.Attempts)
		if !dest.delivered() {
			h.sendFailure(ctx, dest, logger)
		}
		return ResultFailed
	}
	logger.Info("reply delivered",
		"mode", string(res.Mode),
		"edits", res.Edits,
		"length", res.Length,
		"attempts", out.Attempts,
	)
	return ResultDelivered
}

// sendFailure posts the generic failure reply. Nothing about the cause
// reaches the channel.
func (h *Handler) sendFailure(ctx context.Context, dest *sessionDestination, logger *slog.Logger) {
	if ctx.Err() != nil {
		return
	}
	if _, err := dest.Send(ctx, delivery.Payload{Content: h.cfg.FailureMessage}); err != nil && !errors.Is(err, context.Canceled) {
		logger.Warn("failed to send failure reply", "error", err)
	}
}

func discard(out completion.Outcome) {
	if out.Kind == completion.OutcomeStream && out.Stream != nil {
		_ = out.Stream.Close()
	}
}
