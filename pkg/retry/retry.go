// Package retry runs an operation with bounded attempts and exponential backoff.
//
// The executor owns no state. It does not guard against repeated side effects:
// an operation that is not idempotent may take effect more than once.
package retry

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"

	"taskflow/pkg/logger"
)

const (
	DefaultAttempts      = 5
	DefaultInitialDelay  = time.Second
	DefaultBackoffFactor = 2.0
)

// Policy controls how many times an operation runs and how long to wait in between.
type Policy struct {
	// Attempts is the total number of calls, including the first one.
	Attempts int
	// InitialDelay is the wait after the first failure. Zero or negative
	// selects DefaultInitialDelay; pass time.Nanosecond for near-immediate
	// retries.
	InitialDelay time.Duration
	// BackoffFactor multiplies the delay after every further failure.
	BackoffFactor float64
	// ShouldRetry reports whether err is worth another attempt. Nil means always.
	ShouldRetry func(err error) bool
	// OnRetry is called before each backoff sleep.
	OnRetry func(err error, attempt int, delay time.Duration)
}

// DefaultPolicy returns 5 attempts starting at 1s, doubling.
func DefaultPolicy() Policy {
	return Policy{
		Attempts:      DefaultAttempts,
		InitialDelay:  DefaultInitialDelay,
		BackoffFactor: DefaultBackoffFactor,
	}
}

func (p Policy) normalized() Policy {
	if p.Attempts <= 0 {
		p.Attempts = DefaultAttempts
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = DefaultInitialDelay
	}
	if p.BackoffFactor <= 0 {
		p.BackoffFactor = DefaultBackoffFactor
	}
	return p
}

// Backoff returns the delay after the given failed attempt (1-based):
// InitialDelay * BackoffFactor^(attempt-1).
func Backoff(p Policy, attempt int) time.Duration {
	p = p.normalized()
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.InitialDelay) * math.Pow(p.BackoffFactor, float64(attempt-1))
	if d >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// Do calls op until it succeeds, ShouldRetry rejects the error, or the attempts
// run out. The returned error is the last one op produced, unwrapped.
//
// The backoff sleep ends early when ctx is done; Do then returns the last
// operation error. Use context.WithoutCancel for work that must not be abandoned.
func Do[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	p = p.normalized()

	var zero T
	var lastErr error
	for attempt := 1; attempt <= p.Attempts; attempt++ {
		result, err := op(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if p.ShouldRetry != nil && !p.ShouldRetry(err) {
			return zero, err
		}
		if attempt == p.Attempts {
			break
		}

		delay := Backoff(p, attempt)
		notify(p, err, attempt, delay)

		if !sleep(ctx, delay) {
			return zero, lastErr
		}
	}
	return zero, lastErr
}

// Run is Do for operations without a result.
func Run(ctx context.Context, p Policy, op func(ctx context.Context) error) error {
	_, err := Do(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

func notify(p Policy, err error, attempt int, delay time.Duration) {
	if p.OnRetry != nil {
		p.OnRetry(err, attempt, delay)
		return
	}
	if logger.Log != nil {
		logger.Log.Warn("Operation failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
	}
}

// sleep waits for d and reports false if ctx finished first.
var sleep = func(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
