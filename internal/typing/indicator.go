// Package typing keeps a chat "typing" indicator alive while a reply is
// being produced.
package typing

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultInterval refreshes before Discord's ~10s indicator expires.
	DefaultInterval = 10 * time.Second

	// DefaultTTL stops the indicator for sessions that never finish.
	DefaultTTL = 2 * time.Minute
)

// TriggerFunc shows the indicator once.
type TriggerFunc func(ctx context.Context) error

// Config configures an Indicator.
type Config struct {
	// Interval between refreshes. Default: 10s.
	Interval time.Duration

	// TTL is the longest the indicator stays on. Default: 2m.
	TTL time.Duration

	Logger *slog.Logger
}

// Indicator refreshes a typing indicator on a ticker until stopped.
//
// Once stopped it is sealed: a late Start does not bring it back.
type Indicator struct {
	mu sync.Mutex

	trigger  TriggerFunc
	interval time.Duration
	ttl      time.Duration
	logger   *slog.Logger

	running bool
	sealed  bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New creates an indicator around trigger.
func New(trigger TriggerFunc, cfg Config) *Indicator {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Indicator{
		trigger:  trigger,
		interval: cfg.Interval,
		ttl:      cfg.TTL,
		logger:   cfg.Logger,
	}
}

// Start shows the indicator immediately and keeps refreshing it until
// Stop is called, ctx is done, or the TTL elapses.
func (i *Indicator) Start(ctx context.Context) {
	i.mu.Lock()
	if i.sealed || i.running || i.trigger == nil {
		i.mu.Unlock()
		return
	}
	i.running = true
	i.stopCh = make(chan struct{})
	i.doneCh = make(chan struct{})
	stop, done := i.stopCh, i.doneCh
	i.mu.Unlock()

	go i.loop(ctx, stop, done)
}

func (i *Indicator) loop(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer func() {
		i.mu.Lock()
		i.running = false
		i.sealed = true
		i.mu.Unlock()
		close(done)
	}()

	ticker := time.NewTicker(i.interval)
	defer ticker.Stop()
	ttl := time.NewTimer(i.ttl)
	defer ttl.Stop()

	i.fire(ctx)
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ttl.C:
			i.logger.Debug("typing indicator TTL reached", "ttl", i.ttl)
			return
		case <-ticker.C:
			i.fire(ctx)
		}
	}
}

func (i *Indicator) fire(ctx context.Context) {
	if err := i.trigger(ctx); err != nil && ctx.Err() == nil {
		i.logger.Debug("typing indicator failed", "error", err)
	}
}

// Stop seals the indicator and waits for the refresh loop to exit.
func (i *Indicator) Stop() {
	i.mu.Lock()
	if i.sealed && !i.running {
		i.mu.Unlock()
		return
	}
	i.sealed = true
	stop, done := i.stopCh, i.doneCh
	i.stopCh = nil
	i.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	if done != nil {
		<-done
	}
}

// Active reports whether the refresh loop is running.
func (i *Indicator) Active() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.running
}
