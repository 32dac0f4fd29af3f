// Package retry retries transient failures with capped exponential backoff
// and jitter.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// Policy bounds a retry loop.
type Policy struct {
	Attempts  int           // total calls, at least 1
	BaseDelay time.Duration // first backoff, doubled after each failure
	MaxDelay  time.Duration // backoff cap; zero means uncapped
	// OnRetry, if set, runs before each backoff sleep.
	OnRetry func(attempt int, err error, wait time.Duration)
}

// StartupPolicy suits waiting for a database or cache that may still be
// booting alongside the service.
func StartupPolicy() Policy {
	return Policy{Attempts: 6, BaseDelay: 250 * time.Millisecond, MaxDelay: 4 * time.Second}
}

// PermanentError wraps an error that should not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so that Do will not retry it.
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// Do calls fn until it succeeds, returns a permanent error, the policy's
// attempts run out, or ctx is done. The last error is returned unwrapped.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	attempts := max(p.Attempts, 1)
	delay := p.BaseDelay

	var err error
	for attempt := 1; ; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		var pe *PermanentError
		if errors.As(err, &pe) {
			return pe.Err
		}
		if attempt == attempts {
			return err
		}

		wait := jitter(delay)
		if p.OnRetry != nil {
			p.OnRetry(attempt, err, wait)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}

		delay *= 2
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}
}

// jitter spreads d by +-25%.
func jitter(d time.Duration) time.Duration {
	spread := int64(d / 4)
	if spread <= 0 {
		return d
	}
	return d - time.Duration(spread) + time.Duration(rand.Int64N(2*spread+1))
}
