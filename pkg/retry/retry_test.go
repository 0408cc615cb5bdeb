package retry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/311labs/taskqueue/pkg/retry"
)

func TestBackoff_QuadraticSchedule(t *testing.T) {
	p := retry.Policy{Base: time.Second}
	assert.Equal(t, time.Second, p.Backoff(1))
	assert.Equal(t, 4*time.Second, p.Backoff(2))
	assert.Equal(t, 9*time.Second, p.Backoff(3))
}

func TestBackoff_ClampsAttemptBelowOne(t *testing.T) {
	p := retry.Policy{Base: time.Second}
	assert.Equal(t, p.Backoff(1), p.Backoff(0))
	assert.Equal(t, p.Backoff(1), p.Backoff(-3))
}

func TestBackoff_RespectsMax(t *testing.T) {
	p := retry.Policy{Base: time.Minute, Max: 10 * time.Minute}
	assert.Equal(t, 9*time.Minute, p.Backoff(3))
	assert.Equal(t, 10*time.Minute, p.Backoff(4))
	assert.Equal(t, 10*time.Minute, p.Backoff(1_000_000))
}

func TestBackoff_Default(t *testing.T) {
	assert.Equal(t, time.Minute, retry.Backoff(1))
	assert.Equal(t, time.Hour, retry.Backoff(100))
}

func TestDo_SucceedsAfterFailure(t *testing.T) {
	calls := 0
	err := retry.Do(context.Background(), retry.Config{MaxAttempts: 3, BaseDelay: time.Millisecond}, func() error {
		calls++
		if calls < 2 {
			return errors.New("connection reset")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestDo_ReturnsLastErrorAfterMaxAttempts(t *testing.T) {
	calls := 0
	sentinel := errors.New("permanent error")
	err := retry.Do(context.Background(), retry.Config{MaxAttempts: 3, BaseDelay: time.Millisecond}, func() error {
		calls++
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)
	assert.Equal(t, 3, calls)
}

func TestDo_RespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()

	err := retry.Do(ctx, retry.Config{MaxAttempts: 10, BaseDelay: 50 * time.Millisecond}, func() error {
		return errors.New("always fails")
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDo_OnRetryNotCalledAfterLastAttempt(t *testing.T) {
	var seen []int
	_ = retry.Do(context.Background(), retry.Config{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		OnRetry:     func(attempt int, _ error) { seen = append(seen, attempt) },
	}, func() error { return errors.New("fail") })

	assert.Equal(t, []int{1, 2}, seen)
}

func TestDo_ZeroMaxAttemptsRunsOnce(t *testing.T) {
	calls := 0
	_ = retry.Do(context.Background(), retry.Config{}, func() error {
		calls++
		return errors.New("fail")
	})
	assert.Equal(t, 1, calls)
}
