// Package retry implements the attempt-loop driver of spec.md §4.6: up to
// MaxAttempts invocations of an operation, exponential backoff with jitter
// between attempts, a pluggable retry predicate, and abort propagation.
// Grounded almost directly on resilience/retry.go's attempt loop (ctx.Done
// check, cancellable time.NewTimer sleep); delay computation is expressed
// as the {attempt, lastErr, nextDelay} state machine spec.md §9 calls for,
// using cenkalti/backoff/v5's Exponential curve for the base/max-clamp
// arithmetic and our own uniform one-sided jitter on top (the library's own
// RandomizationFactor jitters symmetrically, which isn't what spec.md §4.6
// wants).
package retry

import (
	"context"
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/fetchkit/engine/ferrors"
)

// Decision is ShouldRetry's return value, modeling spec.md §4.6's three
// shapes: false (stop), true (retry, computed delay), or an override delay
// given as a time.Duration (Decision{Retry: true, OverrideDelay: &d}).
type Decision struct {
	Retry         bool
	OverrideDelay *time.Duration
}

func NoRetry() Decision { return Decision{Retry: false} }
func Retry_() Decision  { return Decision{Retry: true} }
func RetryAfter(d time.Duration) Decision {
	return Decision{Retry: true, OverrideDelay: &d}
}

// Options configures a single Driver.Run call.
type Options struct {
	MaxAttempts       int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
	JitterFactor      float64

	ShouldRetry func(err error, attempt int) Decision
	OnRetry     func(err error, attempt int)

	// OnExhausted, if set, is consulted after the final failed attempt. Its
	// return value takes precedence over ThrowLastError (spec.md §4.6).
	OnExhausted func(lastErr error) (value any, err error, handled bool)
	// ThrowLastError, when OnExhausted is unset or declines to handle,
	// makes exhaustion surface the last underlying error directly instead
	// of a wrapped RetryExhausted error.
	ThrowLastError bool
}

// Op is the operation the driver retries. Returning a falsy value is not a
// failure; only a non-nil error triggers retry (spec.md §4.6).
type Op func(ctx context.Context, attempt int) (any, error)

// Driver runs Op up to Options.MaxAttempts times.
type Driver struct{}

func NewDriver() *Driver { return &Driver{} }

// Run executes op per spec.md §4.6's per-attempt algorithm.
func (d *Driver) Run(ctx context.Context, op Op, opts Options) (any, error) {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	if opts.ShouldRetry == nil {
		opts.ShouldRetry = func(error, int) Decision { return NoRetry() }
	}

	curve := backoff.NewExponentialBackOff()
	curve.InitialInterval = opts.BaseDelay
	curve.MaxInterval = opts.MaxDelay
	curve.Multiplier = opts.BackoffMultiplier
	curve.RandomizationFactor = 0 // we layer our own one-sided jitter below

	var lastErr error

	for attempt := 1; attempt <= opts.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, ferrors.New("retry.Run", ferrors.KindAbort, err)
		}

		value, err := op(ctx, attempt)
		if err == nil {
			return value, nil
		}
		lastErr = err

		decision := opts.ShouldRetry(err, attempt)
		if !decision.Retry {
			break
		}
		if attempt == opts.MaxAttempts {
			// §4.6 step 5: never retry after the final attempt, fall
			// through to exhaustion even though ShouldRetry said yes.
			break
		}

		delay := d.computeDelay(curve, attempt, opts, decision.OverrideDelay)

		if opts.OnRetry != nil {
			opts.OnRetry(err, attempt)
		}

		if err := d.sleep(ctx, delay); err != nil {
			return nil, ferrors.New("retry.Run", ferrors.KindAbort, err)
		}
	}

	if opts.OnExhausted != nil {
		if value, err, handled := opts.OnExhausted(lastErr); handled {
			return value, err
		}
	}
	if opts.ThrowLastError {
		return nil, lastErr
	}
	return nil, ferrors.New("retry.Run", ferrors.KindRetryExhausted, lastErr)
}

func (d *Driver) computeDelay(curve *backoff.ExponentialBackOff, attempt int, opts Options, override *time.Duration) time.Duration {
	if override != nil {
		if *override < 0 {
			return 0
		}
		return *override
	}

	base := curve.NextBackOff()
	if base > opts.MaxDelay {
		base = opts.MaxDelay
	}

	if opts.JitterFactor <= 0 {
		return base
	}
	jitter := time.Duration(float64(base) * opts.JitterFactor * rand.Float64())
	return base + jitter
}

func (d *Driver) sleep(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
