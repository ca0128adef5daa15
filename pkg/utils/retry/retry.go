// Package retry provides a bounded exponential backoff policy.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/ragademic/pkg/utils/logging"
)

// ErrExhausted is returned when every attempt failed with a retryable error
var ErrExhausted = goerr.New("retry attempts exhausted")

const (
	DefaultMaxAttempts = 5
	DefaultBaseDelay   = 5 * time.Second
	DefaultMultiplier  = 2.0
)

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Policy retries an operation while it fails with a retryable error.
// The delay before attempt n+1 is BaseDelay * Multiplier^(n-1).
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	// Retryable decides whether err is worth another attempt. Nil retries nothing.
	Retryable func(err error) bool
	Sleep     SleepFunc
}

// Option configures Policy
type Option func(*Policy)

func WithMaxAttempts(n int) Option {
	return func(p *Policy) {
		if n > 0 {
			p.MaxAttempts = n
		}
	}
}

func WithBaseDelay(d time.Duration) Option {
	return func(p *Policy) {
		if d >= 0 {
			p.BaseDelay = d
		}
	}
}

func WithMultiplier(m float64) Option {
	return func(p *Policy) {
		if m >= 1 {
			p.Multiplier = m
		}
	}
}

func WithRetryable(fn func(err error) bool) Option {
	return func(p *Policy) {
		p.Retryable = fn
	}
}

func WithSleep(fn SleepFunc) Option {
	return func(p *Policy) {
		p.Sleep = fn
	}
}

// New creates a Policy with 5 attempts, a 5s base delay doubling each attempt.
func New(opts ...Option) *Policy {
	p := &Policy{
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   DefaultBaseDelay,
		Multiplier:  DefaultMultiplier,
		Sleep:       sleepContext,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Delays returns the backoff schedule between attempts. Its sum is the
// worst-case time spent sleeping by Do.
func (p *Policy) Delays() []time.Duration {
	if p.MaxAttempts <= 1 {
		return nil
	}
	delays := make([]time.Duration, 0, p.MaxAttempts-1)
	d := float64(p.BaseDelay)
	for i := 1; i < p.MaxAttempts; i++ {
		delays = append(delays, time.Duration(d))
		d *= p.Multiplier
	}
	return delays
}

// Do runs fn until it succeeds, fails with a non-retryable error, ctx is
// done, or MaxAttempts is reached. On exhaustion the returned error matches
// both ErrExhausted and the last failure.
func (p *Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	delays := p.Delays()

	attempts := max(p.MaxAttempts, 1)

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if p.Retryable == nil || !p.Retryable(err) {
			return err
		}
		lastErr = err

		if attempt == attempts {
			break
		}

		delay := delays[attempt-1]
		logging.From(ctx).Warn("retrying after transient failure",
			"attempt", attempt,
			"max_attempts", p.MaxAttempts,
			"delay", delay.String(),
			"error", err)

		if err := sleep(ctx, delay); err != nil {
			return goerr.Wrap(errors.Join(err, lastErr), "retry interrupted", goerr.V("attempt", attempt))
		}
	}

	return goerr.Wrap(errors.Join(ErrExhausted, lastErr), "all retry attempts failed",
		goerr.V("attempts", attempts))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
