// Package retry provides the bounded retry policy shared by every polling loop.
package retry

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy bounds a retry loop. MaxAttempts counts the initial attempt.
type Policy struct {
	Interval    time.Duration
	MaxAttempts int
	// Multiplier > 1 switches from a fixed interval to exponential backoff
	// capped at MaxInterval.
	Multiplier  float64
	MaxInterval time.Duration
}

// Fixed returns a constant-interval policy.
func Fixed(interval time.Duration, attempts int) Policy {
	return Policy{Interval: interval, MaxAttempts: attempts}
}

// Func is one attempt. attempt starts at 1.
type Func func(ctx context.Context, attempt int) error

// Permanent marks err as non-retryable.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

func (p Policy) backOff(ctx context.Context) backoff.BackOff {
	var b backoff.BackOff
	if p.Multiplier > 1 {
		maxInterval := p.MaxInterval
		if maxInterval <= 0 {
			maxInterval = p.Interval * 10
		}
		b = backoff.NewExponentialBackOff(
			backoff.WithInitialInterval(p.Interval),
			backoff.WithMultiplier(p.Multiplier),
			backoff.WithMaxInterval(maxInterval),
			backoff.WithRandomizationFactor(0),
			backoff.WithMaxElapsedTime(0),
		)
	} else {
		b = backoff.NewConstantBackOff(p.Interval)
	}

	retries := 0
	if p.MaxAttempts > 1 {
		retries = p.MaxAttempts - 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx)
}

// Do runs fn until it succeeds, returns a Permanent error, the policy is
// exhausted or ctx is done. It returns the number of attempts made and the
// last error.
func Do(ctx context.Context, p Policy, fn Func) (int, error) {
	attempts := 0
	op := func() error {
		attempts++
		return fn(ctx, attempts)
	}
	notify := func(err error, wait time.Duration) {
		slog.Debug("retry_scheduled", "attempt", attempts, "wait", wait, "error", err)
	}

	err := backoff.RetryNotify(op, p.backOff(ctx), notify)
	return attempts, err
}
