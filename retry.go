package main

import (
	"context"
	"time"
)

// RetryPolicy is the one reusable retry/backoff policy in the codebase.
// It applies to widget initialization (and other idempotent reads); it is
// deliberately never applied to payment submission or confirmation, where
// a blind retry risks a duplicate charge.
type RetryPolicy struct {
	MaxAttempts int           // automatic reattempts after the initial try
	BaseDelay   time.Duration // base for exponential backoff
	CapDelay    time.Duration // upper bound on a single backoff delay

	// sleep is swappable so tests can observe delays without waiting.
	sleep func(time.Duration)
}

// DefaultInitRetryPolicy returns the policy used for widget initialization.
func DefaultInitRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   1000 * time.Millisecond,
		CapDelay:    8 * time.Second,
	}
}

// Delay computes the backoff before reattempt number attempt (0-based):
// BaseDelay * 2^attempt, capped at CapDelay.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	d := p.BaseDelay << uint(attempt)
	if p.CapDelay > 0 && d > p.CapDelay {
		d = p.CapDelay
	}
	return d
}

// Run invokes op once and then reattempts it up to MaxAttempts times while
// it keeps failing retryably, sleeping the backoff delay between attempts.
// Attempts are strictly sequential. op receives the number of prior
// failures, which never exceeds MaxAttempts; a non-retryable error or
// exhaustion is returned to the caller as-is.
func (p RetryPolicy) Run(ctx context.Context, op func(ctx context.Context, attempt int) error) error {
	sleep := p.sleep
	if sleep == nil {
		sleep = time.Sleep
	}

	var lastErr error
	for attempt := 0; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return WrapRawError(err, ErrCodeTimeout, "retry loop aborted by context")
		}

		lastErr = op(ctx, attempt)
		if lastErr == nil {
			return nil
		}

		ge := AsGatewayError(lastErr)
		if ge == nil || ge.Class() != ErrorClassRetryable {
			return lastErr
		}
		if attempt == p.MaxAttempts {
			break
		}
		sleep(p.Delay(attempt))
	}
	return lastErr
}
