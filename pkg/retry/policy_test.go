package retry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSleeper struct {
	mu    sync.Mutex
	slept []time.Duration
}

func (r *recordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.slept = append(r.slept, d)
	return ctx.Err()
}

func TestDo_SucceedsAfterFailures(t *testing.T) {
	rec := &recordingSleeper{}
	p := Constant(10, 5*time.Second)
	p.Sleep = rec.Sleep

	calls := 0
	err := p.Do(context.Background(), func(_ context.Context, attempt int) error {
		calls++
		assert.Equal(t, calls, attempt)
		if attempt < 4 {
			return errors.New("connection refused")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 4, calls)
	assert.Equal(t, []time.Duration{5 * time.Second, 5 * time.Second, 5 * time.Second}, rec.slept)
}

func TestDo_Exhausted(t *testing.T) {
	rec := &recordingSleeper{}
	p := Constant(10, 5*time.Second)
	p.Sleep = rec.Sleep

	cause := errors.New("connection refused")
	calls := 0
	err := p.Do(context.Background(), func(context.Context, int) error {
		calls++
		return cause
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrExhausted)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, 10, calls)
	assert.Len(t, rec.slept, 9, "no wait after the last attempt")
}

func TestDo_SingleAttempt(t *testing.T) {
	p := Constant(0, time.Second)
	p.Sleep = func(context.Context, time.Duration) error {
		t.Fatal("single attempt policy must not sleep")
		return nil
	}

	calls := 0
	err := p.Do(context.Background(), func(context.Context, int) error {
		calls++
		return errors.New("boom")
	})
	assert.ErrorIs(t, err, ErrExhausted)
	assert.Equal(t, 1, calls)
}

func TestDo_OnRetryHook(t *testing.T) {
	p := Constant(3, 0)
	var attempts []int
	p.OnRetry = func(attempt int, _ time.Duration, _ error) {
		attempts = append(attempts, attempt)
	}

	_ = p.Do(context.Background(), func(context.Context, int) error { return errors.New("nope") })
	assert.Equal(t, []int{1, 2}, attempts)
}

func TestDo_CancelledWhileWaiting(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := Constant(5, time.Second)
	p.Sleep = func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}

	calls := 0
	err := p.Do(ctx, func(context.Context, int) error {
		calls++
		return errors.New("down")
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestExponentialDelays(t *testing.T) {
	p := Exponential(4, 100*time.Millisecond)
	assert.Equal(t, []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
	}, p.Delays())
}

func TestSleepContext(t *testing.T) {
	require.NoError(t, SleepContext(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, SleepContext(ctx, time.Hour), context.Canceled)
}
