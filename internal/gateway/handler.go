// Package gateway turns chat events into exchanges with the model.
//
// It decides which messages are triggers, keeps one session per trigger
// in the registry and runs a pipeline goroutine per session. Edits to a
// trigger rerun the exchange; deleting it cancels the exchange.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/haasonsaas/relay/internal/completion"
	"github.com/haasonsaas/relay/internal/delivery"
	"github.com/haasonsaas/relay/internal/sessions"
	"github.com/haasonsaas/relay/pkg/models"
)

// Session results reported to Metrics.
const (
	ResultDelivered = "delivered"
	ResultFailed    = "failed"
	ResultCancelled = "cancelled"
)

// DefaultFailureMessage is sent when no failure message is configured.
const DefaultFailureMessage = "Something went wrong on my side. Please try again in a bit."

// Chat is the platform side of an exchange.
type Chat interface {
	BotID() string
	Typing(ctx context.Context, channelID string) error
	Destination(trigger *models.ChatMessage) delivery.Destination
}

// History builds the conversation sent with a trigger.
type History interface {
	Build(ctx context.Context, trigger *models.ChatMessage, limit int) ([]models.Turn, error)
	Turn(ctx context.Context, msg *models.ChatMessage) models.Turn
}

// Completer asks the model for a reply.
type Completer interface {
	Complete(ctx context.Context, history []models.Turn, next models.Turn) completion.Outcome
}

// Deliverer writes an outcome into the chat.
type Deliverer interface {
	Deliver(ctx context.Context, dest delivery.Destination, out completion.Outcome) (delivery.Result, error)
}

// Metrics receives session observations.
type Metrics interface {
	SessionStarted()
	SessionFinished(result string)
}

// Config wires a Handler.
type Config struct {
	Chat      Chat
	History   History
	Completer Completer
	Deliverer Deliverer
	Registry  *sessions.Registry

	// HistoryBudget bounds the length of the reply chain sent as context.
	HistoryBudget int

	// TypingInterval refreshes the typing indicator. Default: 10s.
	TypingInterval time.Duration

	// FailureMessage is the reply sent when an exchange fails.
	FailureMessage string

	// MaxConcurrent caps running pipelines. Zero means no cap.
	MaxConcurrent int

	Metrics Metrics
	Tracer  trace.Tracer
	Logger  *slog.Logger
}

// Validate checks that every collaborator is present.
func (c *Config) Validate() error {
	var errs []error
	if c.Chat == nil {
		errs = append(errs, errors.New("gateway: chat is required"))
	}
	if c.History == nil {
		errs = append(errs, errors.New("gateway: history is required"))
	}
	if c.Completer == nil {
		errs = append(errs, errors.New("gateway: completer is required"))
	}
	if c.Deliverer == nil {
		errs = append(errs, errors.New("gateway: deliverer is required"))
	}
	if c.Registry == nil {
		errs = append(errs, errors.New("gateway: registry is required"))
	}
	if c.HistoryBudget < 0 {
		errs = append(errs, errors.New("gateway: history budget must not be negative"))
	}
	return errors.Join(errs...)
}

// Handler receives message events from the chat adapter.
type Handler struct {
	cfg    Config
	logger *slog.Logger
	tracer trace.Tracer
	sem    chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a handler. Sessions it starts live until they finish or
// Close is called.
func New(cfg Config) (*Handler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.FailureMessage == "" {
		cfg.FailureMessage = DefaultFailureMessage
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = otel.Tracer("github.com/haasonsaas/relay/internal/gateway")
	}

	h := &Handler{
		cfg:    cfg,
		logger: logger.With("component", "gateway"),
		tracer: tracer,
	}
	if cfg.MaxConcurrent > 0 {
		h.sem = make(chan struct{}, cfg.MaxConcurrent)
	}
	h.ctx, h.cancel = context.WithCancel(context.Background())
	return h, nil
}

// Accepts reports whether msg should get a reply: a non-empty message from
// a human that mentions the bot or replies to one of its messages.
func (h *Handler) Accepts(msg *models.ChatMessage) bool {
	if msg == nil || msg.AuthorIsBot || msg.IsEmpty() {
		return false
	}
	bot := h.cfg.Chat.BotID()
	if bot == "" || msg.AuthorID == bot {
		return false
	}
	return msg.Mentions(bot) || msg.ReplyToAuthorID == bot
}

// OnCreate starts an exchange for a new trigger.
func (h *Handler) OnCreate(msg *models.ChatMessage) {
	if !h.Accepts(msg) || h.ctx.Err() != nil {
		return
	}
	s := h.cfg.Registry.Start(h.ctx, msg.ID)
	h.logger.Debug("trigger accepted", "trigger_id", msg.ID, "channel_id", msg.ChannelID, "generation", s.Generation)
	h.launch(s, msg)
}

// OnUpdate reruns the exchange for an edited trigger that is still being
// answered. Edits to finished exchanges are ignored. An edit that turns
// the message into a non-trigger cancels its exchange.
func (h *Handler) OnUpdate(msg *models.ChatMessage) {
	if msg == nil || h.ctx.Err() != nil {
		return
	}
	if !h.Accepts(msg) {
		if h.cfg.Registry.CancelAndRemove(msg.ID) {
			h.logger.Debug("trigger edited away, exchange cancelled", "trigger_id", msg.ID)
		}
		return
	}
	s, ok := h.cfg.Registry.Restart(h.ctx, msg.ID)
	if !ok {
		return
	}
	h.logger.Debug("trigger edited, exchange restarted", "trigger_id", msg.ID, "generation", s.Generation)
	h.launch(s, msg)
}

// OnDelete cancels the exchange for a deleted trigger.
func (h *Handler) OnDelete(ref models.MessageRef) {
	if h.cfg.Registry.CancelAndRemove(ref.MessageID) {
		h.logger.Debug("trigger deleted, exchange cancelled", "trigger_id", ref.MessageID)
	}
}

func (h *Handler) launch(s *sessions.Session, msg *models.ChatMessage) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.run(s, msg)
	}()
}

// Wait blocks until every running pipeline has finished or ctx is done.
func (h *Handler) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close cancels every session and stops accepting events. It does not
// wait; call Wait afterwards.
func (h *Handler) Close() {
	h.cancel()
	if n := h.cfg.Registry.CancelAll(); n > 0 {
		h.logger.Info("cancelled running exchanges", "count", n)
	}
}
