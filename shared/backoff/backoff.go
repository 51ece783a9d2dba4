// Package backoff provides exponential backoff delay computation and retry helpers.
package backoff

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// MinDelay is the floor applied to every computed delay.
const MinDelay = 250 * time.Millisecond

// Policy configures exponential backoff. Attempt numbers are 1-based:
// attempt 1 waits Base, attempt 2 waits 2*Base, and so on up to Max.
type Policy struct {
	Base        time.Duration
	Max         time.Duration
	JitterRatio float64
	MaxAttempts int
}

var Default = Policy{
	Base:        500 * time.Millisecond,
	Max:         30 * time.Second,
	JitterRatio: 0.2,
	MaxAttempts: 10,
}

var Quick = Policy{
	Base:        1 * time.Second,
	Max:         16 * time.Second,
	JitterRatio: 0.2,
	MaxAttempts: 5,
}

func (p Policy) Validate() error {
	if p.Base <= 0 {
		return fmt.Errorf("backoff: base delay must be positive, got %v", p.Base)
	}
	if p.Max < p.Base {
		return fmt.Errorf("backoff: max delay %v is below base delay %v", p.Max, p.Base)
	}
	if p.JitterRatio < 0 || p.JitterRatio > 1 {
		return fmt.Errorf("backoff: jitter ratio must be in [0,1], got %v", p.JitterRatio)
	}
	if p.MaxAttempts < 1 {
		return fmt.Errorf("backoff: max attempts must be at least 1, got %d", p.MaxAttempts)
	}
	return nil
}

// Delay returns the wait before the given 1-based attempt. rng must return a
// value in [0,1); pass a fixed source for deterministic results. An rng of 0.5
// yields a zero jitter offset. The result is capped at Max before jitter,
// floored at MinDelay, and rounded to the nearest millisecond.
func (p Policy) Delay(attempt int, rng func() float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	d := float64(p.Base)
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= float64(p.Max) {
			break
		}
	}
	if d > float64(p.Max) {
		d = float64(p.Max)
	}

	if p.JitterRatio > 0 && rng != nil {
		d += d * p.JitterRatio * (2*rng() - 1)
	}

	ms := math.Round(d / float64(time.Millisecond))
	delay := time.Duration(ms) * time.Millisecond
	if delay < MinDelay {
		delay = MinDelay
	}
	return delay
}

type RetryFunc func(ctx context.Context, attempt int) error

// Retry runs fn up to MaxAttempts times, sleeping the policy delay between
// failures. Returns nil on the first success, ctx.Err() if the context is
// canceled while waiting, and the last error once attempts are exhausted.
func Retry(ctx context.Context, policy Policy, fn RetryFunc) error {
	return RetryWithCallback(ctx, policy, fn, nil)
}

func RetryWithCallback(ctx context.Context, policy Policy, fn RetryFunc, onRetry func(attempt int, err error, delay time.Duration)) error {
	var lastErr error

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if err := fn(ctx, attempt); err != nil {
			lastErr = err

			if attempt == policy.MaxAttempts {
				break
			}

			delay := policy.Delay(attempt, rand.Float64)
			if onRetry != nil {
				onRetry(attempt, err, delay)
			}

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			continue
		}
		return nil
	}

	return fmt.Errorf("failed after %d attempts: %w", policy.MaxAttempts, lastErr)
}
