package channels

import (
	"context"
	"sync"
	"time"
)

// RateLimiter is a token bucket: bursts up to capacity, refilled at rate
// tokens per second.
type RateLimiter struct {
	mu         sync.Mutex
	rate       float64
	capacity   float64
	tokens     float64
	lastRefill time.Time
	now        func() time.Time
}

// NewRateLimiter creates a full bucket.
func NewRateLimiter(rate float64, capacity int) *RateLimiter {
	return &RateLimiter{
		rate:       rate,
		capacity:   float64(capacity),
		tokens:     float64(capacity),
		lastRefill: time.Now(),
		now:        time.Now,
	}
}

// Wait blocks until a token is taken or ctx is done.
func (r *RateLimiter) Wait(ctx context.Context) error {
	for {
		wait := r.reserve()
		if wait == 0 {
			return nil
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Allow takes a token if one is available.
func (r *RateLimiter) Allow() bool {
	return r.reserve() == 0
}

// reserve takes a token and returns 0, or returns how long until one is
// available without taking it.
func (r *RateLimiter) reserve() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	r.tokens = min(r.capacity, r.tokens+now.Sub(r.lastRefill).Seconds()*r.rate)
	r.lastRefill = now

	if r.tokens >= 1 {
		r.tokens--
		return 0
	}
	if r.rate <= 0 {
		return time.Second
	}
	return time.Duration((1 - r.tokens) / r.rate * float64(time.Second))
}

// Tokens returns the tokens currently available.
func (r *RateLimiter) Tokens() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return min(r.capacity, r.tokens+r.now().Sub(r.lastRefill).Seconds()*r.rate)
}

// Limit configures one bucket.
type Limit struct {
	Rate  float64
	Burst int
}

// Limiters keeps one bucket per operation, e.g. "send", "edit", "typing".
// Operations without a bucket are not limited.
type Limiters struct {
	mu       sync.RWMutex
	limiters map[string]*RateLimiter
}

// NewLimiters creates buckets for the given limits.
func NewLimiters(limits map[string]Limit) *Limiters {
	l := &Limiters{limiters: make(map[string]*RateLimiter, len(limits))}
	for op, lim := range limits {
		if lim.Rate > 0 && lim.Burst > 0 {
			l.limiters[op] = NewRateLimiter(lim.Rate, lim.Burst)
		}
	}
	return l
}

// Wait blocks on the bucket for op.
func (l *Limiters) Wait(ctx context.Context, op string) error {
	if l == nil {
		return ctx.Err()
	}
	l.mu.RLock()
	limiter := l.limiters[op]
	l.mu.RUnlock()
	if limiter == nil {
		return ctx.Err()
	}
	return limiter.Wait(ctx)
}
