// Package backoff provides retry scheduling for transient upstream failures.
// Delay computation is deterministic and the sleep is injectable, so retry
// behaviour is testable without real timers.
package backoff

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	assetpipeline "github.com/wolfeidau/asset-pipeline"
)

const (
	// DefaultBase is the delay before the first retry.
	DefaultBase = 1 * time.Second

	// DefaultMax caps the delay between retries.
	DefaultMax = 4 * time.Second

	// DefaultMaxAttempts is the total number of attempts, including the first.
	DefaultMaxAttempts = 3
)

// Policy describes an exponential backoff schedule: Base, Base*2, Base*4, ...
// capped at Max. No jitter, so tests can assert exact delays.
type Policy struct {
	Base time.Duration
	Max  time.Duration
}

// DefaultPolicy returns the standard upload retry policy (1s base, 4s cap).
func DefaultPolicy() Policy {
	return Policy{Base: DefaultBase, Max: DefaultMax}
}

func (p Policy) exponential() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Base
	if b.InitialInterval == 0 {
		b.InitialInterval = DefaultBase
	}
	b.MaxInterval = p.Max
	if b.MaxInterval == 0 {
		b.MaxInterval = DefaultMax
	}
	b.Multiplier = 2
	b.RandomizationFactor = 0
	return b
}

// Delay returns the pause inserted after failed attempt number attempt
// (zero-based): min(Base * 2^attempt, Max).
func (p Policy) Delay(attempt int) time.Duration {
	b := p.exponential()
	d := b.NextBackOff()
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}

// SleepFunc pauses for d, returning early with the context error if ctx is
// cancelled first.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep is the default SleepFunc, backed by a real timer.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Options configures Retry.
type Options struct {
	// MaxAttempts is the total number of attempts, including the first.
	// Default: 3.
	MaxAttempts int

	// Policy is the delay schedule. Default: DefaultPolicy.
	Policy Policy

	// Sleep is the pause implementation. Default: Sleep.
	Sleep SleepFunc

	// Retryable decides whether an error from fn is worth retrying.
	// Default: assetpipeline.IsTransient.
	Retryable func(error) bool
}

// Retry runs fn until it succeeds, returns a non-retryable error, or
// MaxAttempts is reached. Exhaustion wraps both ErrRetryExhausted and the
// last attempt's error.
func Retry(ctx context.Context, opts Options, fn func(context.Context) error) error {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.Sleep == nil {
		opts.Sleep = Sleep
	}
	if opts.Retryable == nil {
		opts.Retryable = assetpipeline.IsTransient
	}

	sched := opts.Policy.exponential()

	var lastErr error
	for attempt := 1; attempt <= opts.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !opts.Retryable(lastErr) {
			return lastErr
		}
		if attempt == opts.MaxAttempts {
			break
		}

		if err := opts.Sleep(ctx, sched.NextBackOff()); err != nil {
			return err
		}
	}

	return fmt.Errorf("%d attempts: %w: %w", opts.MaxAttempts, assetpipeline.ErrRetryExhausted, lastErr)
}
