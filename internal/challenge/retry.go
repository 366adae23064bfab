package challenge

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrPermissionDenied marks a verification that can never succeed without
	// user action. It is not retried.
	ErrPermissionDenied = errors.New("challenge: permission denied")
	// ErrUnavailable marks a transient collaborator failure.
	ErrUnavailable = errors.New("challenge: collaborator unavailable")
)

// RetryPolicy bounds how a verification call is retried.
type RetryPolicy struct {
	Attempts   int
	Timeout    time.Duration
	Backoff    time.Duration
	MaxBackoff time.Duration
}

// Retry calls fn until it succeeds, returns a permanent error, or the attempts
// run out. Each attempt gets its own timeout; the wait between attempts doubles
// up to MaxBackoff. onRetry, if set, is called before every retry.
func Retry(ctx context.Context, p RetryPolicy, fn func(ctx context.Context) error, onRetry func(attempt int, err error)) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	wait := p.Backoff

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = call(ctx, p.Timeout, fn)
		if err == nil || errors.Is(err, ErrPermissionDenied) {
			return err
		}
		if attempt == attempts {
			break
		}
		if onRetry != nil {
			onRetry(attempt, err)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w: %v", ctx.Err(), err)
		case <-timer.C:
		}
		wait *= 2
		if p.MaxBackoff > 0 && wait > p.MaxBackoff {
			wait = p.MaxBackoff
		}
	}
	return fmt.Errorf("gave up after %d attempts: %w", attempts, err)
}

func call(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	if timeout <= 0 {
		return fn(ctx)
	}
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(actx)
}
