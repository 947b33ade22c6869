// Package retry re-runs HTTP-level service calls that fail with a transient
// error, backing off exponentially with jitter between attempts.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/mbd888/escrowd/internal/errs"
)

// Policy bounds a retried call.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration // caps a single wait; zero means uncapped
}

// DefaultPolicy stays well inside a request deadline.
var DefaultPolicy = Policy{MaxAttempts: 3, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}

// PermanentError marks an error that must not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// run calls fn up to MaxAttempts times, doubling BaseDelay (with +-25%
// jitter) between attempts. A *PermanentError is unwrapped and returned at
// once, and a cancelled ctx ends the wait with ctx.Err().
func (p Policy) run(ctx context.Context, fn func() error) error {
	attempts := max(p.MaxAttempts, 1)
	delay := p.BaseDelay

	var err error
	for i := range attempts {
		if err = fn(); err == nil {
			return nil
		}
		var pe *PermanentError
		if errors.As(err, &pe) {
			return pe.Err
		}
		if i == attempts-1 {
			break
		}

		t := time.NewTimer(p.wait(delay))
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		delay *= 2
	}
	return err
}

func (p Policy) wait(delay time.Duration) time.Duration {
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	spread := int64(delay / 2)
	if spread <= 0 {
		return delay
	}
	return delay - delay/4 + time.Duration(rand.Int64N(spread+1))
}

// Typed runs fn under p, retrying only errors errs.Retryable accepts.
// Everything else is wrapped with Permanent and returned after one attempt.
func Typed(ctx context.Context, p Policy, fn func() error) error {
	return p.run(ctx, func() error {
		err := fn()
		if err != nil && !errs.Retryable(err) {
			return Permanent(err)
		}
		return err
	})
}

// Value is Typed for calls returning a result.
func Value[T any](ctx context.Context, p Policy, fn func() (T, error)) (T, error) {
	var out T
	err := Typed(ctx, p, func() error {
		v, err := fn()
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}
