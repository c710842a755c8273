// Package resilience retries failing operations with exponential backoff
package resilience

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// RetryPolicy defines retry behavior
type RetryPolicy struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       bool
}

// DefaultRetryPolicy returns a default retry policy
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:   3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// PermanentError stops a retry loop
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent marks err as not worth retrying
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err was marked with Permanent
func IsPermanent(err error) bool {
	var p *PermanentError
	return errors.As(err, &p)
}

// ShouldRetry decides whether an error is retried
type ShouldRetry func(error) bool

// Retry runs fn until it succeeds, returns a permanent error, or the
// policy's retries are spent. The attempt number starts at 1. A permanent
// error is returned unwrapped.
func Retry(ctx context.Context, policy RetryPolicy, fn func(attempt int) error) error {
	_, err := RetryWithResult(ctx, policy, func(attempt int) (struct{}, error) {
		return struct{}{}, fn(attempt)
	})
	return err
}

// RetryWithResult is Retry for functions that return a value
func RetryWithResult[T any](ctx context.Context, policy RetryPolicy, fn func(attempt int) (T, error)) (T, error) {
	return retry(ctx, policy, nil, fn)
}

// RetryWithCondition retries only errors accepted by shouldRetry
func RetryWithCondition(ctx context.Context, policy RetryPolicy, shouldRetry ShouldRetry, fn func(attempt int) error) error {
	_, err := retry(ctx, policy, shouldRetry, func(attempt int) (struct{}, error) {
		return struct{}{}, fn(attempt)
	})
	return err
}

func retry[T any](ctx context.Context, policy RetryPolicy, shouldRetry ShouldRetry, fn func(attempt int) (T, error)) (T, error) {
	var result T
	var lastErr error

	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		res, err := fn(attempt + 1)
		if err == nil {
			return res, nil
		}
		result = res
		lastErr = err

		var perm *PermanentError
		if errors.As(err, &perm) {
			return result, perm.Err
		}
		if shouldRetry != nil && !shouldRetry(err) {
			return result, err
		}
		if attempt >= policy.MaxRetries {
			break
		}

		timer := time.NewTimer(Backoff(policy, attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return result, ctx.Err()
		case <-timer.C:
		}
	}
	return result, lastErr
}

// Backoff returns the delay before retry number attempt+1
func Backoff(policy RetryPolicy, attempt int) time.Duration {
	multiplier := policy.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}
	delay := float64(policy.InitialDelay) * math.Pow(multiplier, float64(attempt))

	if policy.MaxDelay > 0 && delay > float64(policy.MaxDelay) {
		delay = float64(policy.MaxDelay)
	}
	if policy.Jitter {
		// ±25%
		delay += delay * 0.25 * (rand.Float64()*2 - 1)
	}
	return time.Duration(delay)
}
