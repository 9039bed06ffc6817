// Package retry runs an operation a bounded number of times with a delay
// between attempts. The delay sequence comes from go-retry backoffs; the
// waiting itself goes through an injectable Sleeper so callers can be tested
// without real sleeping.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	goretry "github.com/sethvargo/go-retry"
)

// ErrExhausted is returned when every attempt failed.
var ErrExhausted = errors.New("retry attempts exhausted")

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Policy describes how many times to try and how long to wait in between.
type Policy struct {
	MaxAttempts int
	Delay       time.Duration
	Exponential bool

	// Sleep defaults to SleepContext.
	Sleep Sleeper
	// OnRetry is called after a failed attempt that will be retried.
	OnRetry func(attempt int, delay time.Duration, err error)
}

// Constant returns a policy waiting the same delay between attempts.
func Constant(attempts int, delay time.Duration) Policy {
	return Policy{MaxAttempts: attempts, Delay: delay}
}

// Exponential returns a policy doubling the delay after every attempt,
// starting at base.
func Exponential(attempts int, base time.Duration) Policy {
	return Policy{MaxAttempts: attempts, Delay: base, Exponential: true}
}

// Attempts returns the effective attempt count (at least one).
func (p Policy) Attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// Delays returns the waits Do would perform if every attempt failed.
func (p Policy) Delays() []time.Duration {
	b := p.backoff()
	var out []time.Duration
	for {
		d, stop := b.Next()
		if stop {
			return out
		}
		out = append(out, d)
	}
}

func (p Policy) backoff() goretry.Backoff {
	var b goretry.Backoff
	switch {
	case p.Delay <= 0:
		b = goretry.BackoffFunc(func() (time.Duration, bool) { return 0, false })
	case p.Exponential:
		b = goretry.NewExponential(p.Delay)
	default:
		b = goretry.NewConstant(p.Delay)
	}
	return goretry.WithMaxRetries(uint64(p.Attempts()-1), b)
}

// Do calls fn until it succeeds or the attempts run out. The attempt number
// passed to fn starts at 1. A cancelled ctx stops the loop while waiting.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) error {
	sleep := p.Sleep
	if sleep == nil {
		sleep = SleepContext
	}
	b := p.backoff()

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}

		delay, stop := b.Next()
		if stop {
			return fmt.Errorf("%w after %d attempt(s): %w", ErrExhausted, attempt, err)
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt, delay, err)
		}
		if err := sleep(ctx, delay); err != nil {
			return err
		}
	}
}

// SleepContext waits for d using a real timer.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
