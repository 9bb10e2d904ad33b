// Package retry provides bounded retry with fixed or exponential delays and
// permanent-error classification. It backs the bridge negotiation recovery
// path, where a recovery hook must run between attempts.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// Config configures retry behavior.
type Config struct {
	// MaxAttempts is the maximum number of attempts (including the first).
	MaxAttempts int
	// Delay is the pause after a failed attempt before the next one.
	Delay time.Duration
	// MaxDelay caps the delay when Factor grows it.
	MaxDelay time.Duration
	// Factor multiplies the delay after each attempt. 1.0 keeps it fixed.
	Factor float64
	// Jitter randomizes each delay into [0.5, 1.5] of its nominal value.
	Jitter bool
	// OnRetry runs after a retryable failure and before the next attempt.
	// Returning an error aborts the retry loop with that error. The bridge
	// negotiator uses this to reset the session store and swap in a fresh
	// client before retrying.
	OnRetry func(attempt int, err error) error
}

// Fixed returns a config that retries maxAttempts times with a constant delay
// and no jitter.
func Fixed(maxAttempts int, delay time.Duration) Config {
	return Config{
		MaxAttempts: maxAttempts,
		Delay:       delay,
		MaxDelay:    delay,
		Factor:      1.0,
	}
}

// Exponential returns a config with doubling, jittered delays.
func Exponential(maxAttempts int, initial, max time.Duration) Config {
	return Config{
		MaxAttempts: maxAttempts,
		Delay:       initial,
		MaxDelay:    max,
		Factor:      2.0,
		Jitter:      true,
	}
}

// Result contains the outcome of a retry operation.
type Result struct {
	// Attempts is the number of attempts made.
	Attempts int
	// Err is the last error (nil if successful).
	Err error
	// Duration is the total time spent across all attempts.
	Duration time.Duration
}

// Do executes op until it succeeds, returns a permanent error, exhausts
// MaxAttempts, or the context is cancelled.
func Do(ctx context.Context, config Config, op func() error) Result {
	start := time.Now()
	result := Result{}

	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 1
	}
	if config.Delay <= 0 {
		config.Delay = 100 * time.Millisecond
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = 10 * time.Second
	}
	if config.Factor <= 0 {
		config.Factor = 1.0
	}

	delay := config.Delay

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		result.Attempts = attempt

		if ctx.Err() != nil {
			result.Err = ctx.Err()
			result.Duration = time.Since(start)
			return result
		}

		err := op()
		if err == nil {
			result.Err = nil
			result.Duration = time.Since(start)
			return result
		}

		result.Err = err

		if IsPermanent(err) {
			result.Duration = time.Since(start)
			return result
		}

		if attempt >= config.MaxAttempts {
			break
		}

		if config.OnRetry != nil {
			if hookErr := config.OnRetry(attempt, err); hookErr != nil {
				result.Err = hookErr
				result.Duration = time.Since(start)
				return result
			}
		}

		sleep := delay
		if config.Jitter {
			jitterFactor := 0.5 + rand.Float64() // #nosec G404 -- jitter does not require cryptographic randomness
			sleep = time.Duration(float64(delay) * jitterFactor)
		}

		select {
		case <-ctx.Done():
			result.Err = ctx.Err()
			result.Duration = time.Since(start)
			return result
		case <-time.After(sleep):
		}

		delay = time.Duration(float64(delay) * config.Factor)
		if delay > config.MaxDelay {
			delay = config.MaxDelay
		}
	}

	result.Duration = time.Since(start)
	return result
}

// DoWithValue executes an operation that returns a value with retries.
func DoWithValue[T any](ctx context.Context, config Config, op func() (T, error)) (T, Result) {
	var value T
	result := Do(ctx, config, func() error {
		var err error
		value, err = op()
		return err
	})
	return value, result
}

// PermanentError is an error that should not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent wraps an error to indicate it should not be retried.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent checks if an error is permanent (shouldn't retry).
func IsPermanent(err error) bool {
	var permanent *PermanentError
	return errors.As(err, &permanent)
}

// IsRetryable checks if an error is retryable (not permanent and not nil).
func IsRetryable(err error) bool {
	return err != nil && !IsPermanent(err)
}
