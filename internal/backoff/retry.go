package backoff

import (
	"context"
	"errors"
	"fmt"
)

// ErrMaxAttemptsExhausted is returned when all retry attempts have failed.
var ErrMaxAttemptsExhausted = errors.New("max retry attempts exhausted")

// Retry runs fn until it succeeds, the context ends, or maxAttempts is
// reached, sleeping according to policy between attempts. The returned
// error wraps both ErrMaxAttemptsExhausted and the last failure.
func Retry(ctx context.Context, policy Policy, maxAttempts int, fn func(attempt int) error) error {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(attempt)
		if lastErr == nil {
			return nil
		}

		if attempt < maxAttempts {
			if err := Sleep(ctx, policy.Duration(attempt)); err != nil {
				return err
			}
		}
	}

	return fmt.Errorf("%w: %w", ErrMaxAttemptsExhausted, lastErr)
}
