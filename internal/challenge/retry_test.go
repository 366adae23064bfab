package challenge

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryStopsOnSuccess(t *testing.T) {
	calls := 0
	var retried []int
	err := Retry(context.Background(), RetryPolicy{Attempts: 4, Backoff: time.Millisecond}, func(context.Context) error {
		calls++
		if calls < 3 {
			return ErrUnavailable
		}
		return nil
	}, func(attempt int, err error) {
		retried = append(retried, attempt)
		assert.ErrorIs(t, err, ErrUnavailable)
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []int{1, 2}, retried)
}

func TestRetryGivesUp(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), RetryPolicy{Attempts: 3, Backoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}, func(context.Context) error {
		calls++
		return ErrUnavailable
	}, nil)

	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, 3, calls)
}

func TestRetryDoesNotRetryPermissionDenied(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), RetryPolicy{Attempts: 5, Backoff: time.Millisecond}, func(context.Context) error {
		calls++
		return ErrPermissionDenied
	}, nil)

	assert.ErrorIs(t, err, ErrPermissionDenied)
	assert.Equal(t, 1, calls)
}

func TestRetryAppliesAttemptTimeout(t *testing.T) {
	err := Retry(context.Background(), RetryPolicy{Attempts: 2, Timeout: 5 * time.Millisecond, Backoff: time.Millisecond}, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}, nil)

	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRetryHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Retry(ctx, RetryPolicy{Attempts: 5, Backoff: time.Hour}, func(context.Context) error {
		calls++
		cancel()
		return errors.New("flaky")
	}, nil)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}
