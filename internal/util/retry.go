package util

import (
	"context"
	"errors"
	"time"
)

// ErrPermanent marks an error that must not be retried. Wrap it with
// Permanent.
var ErrPermanent = errors.New("permanent failure")

type permanentError struct{ err error }

func (e *permanentError) Error() string        { return e.err.Error() }
func (e *permanentError) Unwrap() error        { return e.err }
func (e *permanentError) Is(target error) bool { return target == ErrPermanent }

// Permanent wraps err so that Retry returns it immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Retry calls fn up to maxAttempts times with exponential backoff starting at
// baseDelay. It returns nil on the first successful call, or the last error
// if all attempts fail. Errors wrapped with Permanent stop the loop at once.
// The function respects context cancellation between retries.
func Retry(ctx context.Context, maxAttempts int, baseDelay time.Duration, fn func() error) error {
	_, err := RetryValue(ctx, maxAttempts, baseDelay, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// RetryValue is Retry for functions that produce a value.
func RetryValue[T any](ctx context.Context, maxAttempts int, baseDelay time.Duration, fn func() (T, error)) (T, error) {
	var (
		v   T
		err error
	)
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	delay := baseDelay

	for attempt := 0; attempt < maxAttempts; attempt++ {
		v, err = fn()
		if err == nil {
			return v, nil
		}
		if errors.Is(err, ErrPermanent) {
			return v, err
		}

		// Don't sleep after the last failed attempt.
		if attempt < maxAttempts-1 {
			select {
			case <-ctx.Done():
				return v, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
	}

	return v, err
}
