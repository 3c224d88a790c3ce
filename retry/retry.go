// Package retry provides a policy-driven wrapper for operations that may
// fail transiently. The policy carries no business logic; callers decide
// what is retryable and what to do between attempts.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrExhausted wraps the last error once every attempt has failed.
var ErrExhausted = errors.New("retry attempts exhausted")

// Policy describes an exponential backoff schedule.
type Policy struct {
	MaxAttempts int           // total attempts, including the first
	BaseDelay   time.Duration // delay before the second attempt
	MaxDelay    time.Duration // backoff cap
	Multiplier  float64
}

// DefaultPolicy mirrors the database retry budget: 4 attempts, 500ms doubling
// up to 10s.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 4,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    10 * time.Second,
		Multiplier:  2.0,
	}
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 4
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 500 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 10 * time.Second
	}
	if p.Multiplier <= 1 {
		p.Multiplier = 2.0
	}
	return p
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as non-retryable: Do returns it immediately without
// consuming further attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Do runs fn until it succeeds, returns a permanent error, exhausts the
// policy, or ctx is cancelled.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	return p.DoNotify(ctx, fn, nil)
}

// DoNotify is Do with a hook invoked after each failed attempt, before the
// backoff sleep. The gateway uses it to health-check and rebuild its pool
// between attempts.
func (p Policy) DoNotify(ctx context.Context, fn func(ctx context.Context) error, onRetry func(attempt int, err error)) error {
	p = p.normalized()

	delay := p.BaseDelay
	var lastErr error

	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}

		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		lastErr = err

		if attempt == p.MaxAttempts {
			break
		}
		if onRetry != nil {
			onRetry(attempt, err)
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}

		delay = time.Duration(float64(delay) * p.Multiplier)
		if delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}

	return fmt.Errorf("%w after %d attempts: %w", ErrExhausted, p.MaxAttempts, lastErr)
}
