// Package completion issues chat-completion requests behind a uniform
// credential rotation and retry policy.
package completion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/haasonsaas/relay/internal/backoff"
	"github.com/haasonsaas/relay/internal/credentials"
	"github.com/haasonsaas/relay/internal/tokens"
	"github.com/haasonsaas/relay/pkg/models"
)

const (
	DefaultMaxTokens       = 4096
	DefaultShapeRatio      = 0.75
	DefaultMinOutputTokens = 256
	DefaultMaxAttempts     = 5
	DefaultAttemptTimeout  = 60 * time.Second
)

// Credentials is the part of the credential rotator the client needs.
type Credentials interface {
	Current() (credentials.Credential, error)
	Advance(ctx context.Context, from credentials.Credential, evict bool) error
	Len() int
}

// Metrics receives one observation per transport call.
type Metrics interface {
	CompletionAttempt(provider string, result string, elapsed time.Duration)
}

// Config controls request shaping and the retry policy.
type Config struct {
	Model         string
	SystemMessage string

	// MaxTokens is the model's total budget shared by prompt and output.
	MaxTokens       int
	ShapeRatio      float64
	MinOutputTokens int

	Temperature      *float64
	TopP             *float64
	FrequencyPenalty *float64
	PresencePenalty  *float64

	Stream bool

	// AttemptTimeout bounds each attempt until a response or stream is
	// established. Zero disables it.
	AttemptTimeout time.Duration

	// MaxAttempts caps transport calls per request across all causes.
	MaxAttempts int

	// Backoff paces retries when a rate-limited pool has no other key.
	Backoff backoff.Policy
}

func (c *Config) applyDefaults() {
	if c.MaxTokens <= 0 {
		c.MaxTokens = DefaultMaxTokens
	}
	if c.ShapeRatio <= 0 || c.ShapeRatio > 1 {
		c.ShapeRatio = DefaultShapeRatio
	}
	if c.MinOutputTokens <= 0 {
		c.MinOutputTokens = DefaultMinOutputTokens
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.AttemptTimeout < 0 {
		c.AttemptTimeout = 0
	}
	if c.Backoff.Initial <= 0 {
		c.Backoff = backoff.RateLimitPolicy()
	}
}

// Client wraps a Transport with shaping, rotation and retries.
type Client struct {
	transport Transport
	creds     Credentials
	counter   tokens.Counter
	cfg       Config
	metrics   Metrics
	tracer    trace.Tracer
	logger    *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithCounter sets the length counter used for shaping.
func WithCounter(counter tokens.Counter) Option {
	return func(c *Client) {
		if counter != nil {
			c.counter = counter
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithTracer overrides the tracer.
func WithTracer(t trace.Tracer) Option {
	return func(c *Client) { c.tracer = t }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewClient creates a completion client.
func NewClient(transport Transport, creds Credentials, cfg Config, opts ...Option) *Client {
	cfg.applyDefaults()
	c := &Client{
		transport: transport,
		creds:     creds,
		counter:   tokens.Chars{},
		cfg:       cfg,
		tracer:    otel.Tracer("github.com/haasonsaas/relay/internal/completion"),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "completion", "provider", transport.Name())
	return c
}

// Complete shapes the request and runs it under the retry policy.
//
// Credential failures evict the key and retry on the next one. Rate limits
// and attempt timeouts skip to the next key, or back off when the pool
// holds a single key. Any other failure is terminal. At most
// Config.MaxAttempts transport calls are made. Cancellation of ctx yields
// OutcomeCancelled, never OutcomeFailed.
func (c *Client) Complete(ctx context.Context, history []models.Turn, next models.Turn) Outcome {
	turns, allowance := c.Shape(history, next)
	req := &Request{
		Model:            c.cfg.Model,
		Turns:            turns,
		MaxOutputTokens:  allowance,
		Temperature:      c.cfg.Temperature,
		TopP:             c.cfg.TopP,
		FrequencyPenalty: c.cfg.FrequencyPenalty,
		PresencePenalty:  c.cfg.PresencePenalty,
		Stream:           c.cfg.Stream,
	}

	var lastErr error
	waits := 0
	attempts := 0

	for attempts < c.cfg.MaxAttempts {
		if ctx.Err() != nil {
			return withAttempts(CancelledOutcome(), attempts)
		}

		cred, err := c.creds.Current()
		if err != nil {
			return withAttempts(FailedOutcome(joinLast(err, lastErr)), attempts)
		}

		attempts++
		resp, err := c.attempt(ctx, cred, req, attempts)
		if err == nil {
			if resp.Stream != nil {
				return withAttempts(StreamOutcome(resp.Stream), attempts)
			}
			return withAttempts(TextOutcome(resp.Text), attempts)
		}
		if ctx.Err() != nil {
			return withAttempts(CancelledOutcome(), attempts)
		}
		lastErr = err

		class := Classify(err)
		logger := c.logger.With("attempt", attempts, "key", cred.Masked(), "class", string(class))

		switch class {
		case ClassCredential:
			logger.Warn("provider rejected credential", "error", err)
			if err := c.creds.Advance(ctx, cred, true); err != nil {
				if errors.Is(err, credentials.ErrNoCredentials) {
					return withAttempts(FailedOutcome(joinLast(err, lastErr)), attempts)
				}
				// The key is gone from memory even if the write failed.
				logger.Error("credential eviction not persisted", "error", err)
			}

		case ClassRateLimited, ClassTimeout:
			if c.creds.Len() > 1 {
				logger.Info("provider throttled, rotating credential", "error", err)
				if err := c.creds.Advance(ctx, cred, false); err != nil {
					return withAttempts(FailedOutcome(joinLast(err, lastErr)), attempts)
				}
				continue
			}
			if attempts >= c.cfg.MaxAttempts {
				break
			}
			waits++
			delay := c.cfg.Backoff.WithHint(waits, RetryAfter(err))
			logger.Info("provider throttled, backing off", "delay", delay, "error", err)
			if err := backoff.Sleep(ctx, delay); err != nil {
				return withAttempts(CancelledOutcome(), attempts)
			}

		default:
			logger.Error("completion failed", "error", err)
			return withAttempts(FailedOutcome(err), attempts)
		}
	}

	return withAttempts(FailedOutcome(fmt.Errorf("%w after %d attempts: %w", ErrAttemptsExhausted, attempts, lastErr)), attempts)
}

// attempt performs one transport call bounded by the attempt timeout. The
// timer is disarmed once a stream is established; from then on only ctx
// governs the stream.
func (c *Client) attempt(ctx context.Context, cred credentials.Credential, req *Request, n int) (*Response, error) {
	ctx, span := c.tracer.Start(ctx, "completion.attempt", trace.WithAttributes(
		attribute.String("llm.provider", c.transport.Name()),
		attribute.String("llm.model", req.Model),
		attribute.Int("llm.attempt", n),
		attribute.Int("llm.turns", len(req.Turns)),
		attribute.Bool("llm.stream", req.Stream),
	))
	defer span.End()

	attemptCtx, cancel := context.WithCancelCause(ctx)
	var timer *time.Timer
	if c.cfg.AttemptTimeout > 0 {
		timer = time.AfterFunc(c.cfg.AttemptTimeout, func() { cancel(ErrAttemptTimeout) })
	}

	start := time.Now()
	resp, err := c.transport.Complete(attemptCtx, cred.Key, req)
	expired := timer != nil && !timer.Stop()

	if err == nil && resp == nil {
		err = errors.New("transport returned no response")
	}
	if err == nil && expired && resp.Stream != nil {
		_ = resp.Stream.Close()
		err = ErrAttemptTimeout
	}
	if err != nil {
		if errors.Is(context.Cause(attemptCtx), ErrAttemptTimeout) && !errors.Is(err, ErrAttemptTimeout) {
			err = fmt.Errorf("%w after %s: %w", ErrAttemptTimeout, c.cfg.AttemptTimeout, err)
		}
		cancel(nil)
		c.observe(Classify(err), time.Since(start))
		span.RecordError(err)
		span.SetStatus(codes.Error, string(Classify(err)))
		return nil, err
	}

	c.observe("ok", time.Since(start))
	span.SetStatus(codes.Ok, "")
	if resp.Stream != nil {
		resp.Stream = &attemptStream{Stream: resp.Stream, cancel: cancel}
	} else {
		cancel(nil)
	}
	return resp, nil
}

func (c *Client) observe(result Class, elapsed time.Duration) {
	if c.metrics != nil {
		c.metrics.CompletionAttempt(c.transport.Name(), string(result), elapsed)
	}
}

// attemptStream releases the attempt context when the stream is closed.
type attemptStream struct {
	Stream
	cancel context.CancelCauseFunc
}

func (s *attemptStream) Close() error {
	err := s.Stream.Close()
	s.cancel(nil)
	return err
}

func withAttempts(o Outcome, n int) Outcome {
	o.Attempts = n
	return o
}

func joinLast(err, last error) error {
	if last == nil {
		return err
	}
	return fmt.Errorf("%w (last provider error: %w)", err, last)
}
