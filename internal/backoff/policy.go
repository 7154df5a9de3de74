// Package backoff provides exponential backoff with jitter for provider
// retries and gateway reconnects.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy defines the parameters for exponential backoff calculation.
type Policy struct {
	// Initial is the delay before the second attempt.
	Initial time.Duration
	// Max caps every computed delay, including provider hints.
	Max time.Duration
	// Factor is the exponential factor applied to each attempt.
	Factor float64
	// Jitter is the randomization factor (0.0 to 1.0) added on top of the base delay.
	Jitter float64
}

// RateLimitPolicy is used while waiting out a provider rate limit on a
// single credential. Initial: 1s, Max: 30s, Factor: 2, Jitter: 20%
func RateLimitPolicy() Policy {
	return Policy{
		Initial: time.Second,
		Max:     30 * time.Second,
		Factor:  2,
		Jitter:  0.2,
	}
}

// ReconnectPolicy is used for gateway (websocket) reconnects.
// Initial: 1s, Max: 60s, Factor: 2, no jitter.
func ReconnectPolicy() Policy {
	return Policy{
		Initial: time.Second,
		Max:     60 * time.Second,
		Factor:  2,
	}
}

// Duration returns the delay to wait after the given failed attempt.
// Attempt numbers start at 1.
func (p Policy) Duration(attempt int) time.Duration {
	return p.DurationWithRand(attempt, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
}

// DurationWithRand is Duration with a caller-provided random value in
// [0.0, 1.0), for deterministic tests.
func (p Policy) DurationWithRand(attempt int, randomValue float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	base := float64(p.Initial) * math.Pow(p.Factor, exp)
	total := base + base*p.Jitter*randomValue
	if p.Max > 0 {
		total = math.Min(float64(p.Max), total)
	}
	return time.Duration(math.Round(total))
}

// WithHint prefers a server-provided retry-after hint over the computed
// delay, still clamped to Max.
func (p Policy) WithHint(attempt int, hint time.Duration) time.Duration {
	if hint <= 0 {
		return p.Duration(attempt)
	}
	if p.Max > 0 && hint > p.Max {
		return p.Max
	}
	return hint
}
