package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// Config defines retry behavior
type Config struct {
	MaxRetries int           // Retries after the initial attempt
	BaseDelay  time.Duration // Nominal delay before the first retry
	MaxDelay   time.Duration // Cap applied after jitter and to Retry-After hints

	// RetryAfter extracts a server supplied delay from an error. Optional.
	RetryAfter func(error) (time.Duration, bool)

	// Rand returns a value in [0, 1). Defaults to math/rand.
	Rand func() float64
}

// DefaultConfig returns a sensible default configuration
func DefaultConfig() *Config {
	return &Config{
		MaxRetries: 3,
		BaseDelay:  500 * time.Millisecond,
		MaxDelay:   30 * time.Second,
	}
}

// IsRetryable determines if an error should trigger a retry
type IsRetryable func(error) bool

// RetryExhaustedError is returned when every attempt failed with a retryable
// error. It wraps the last underlying error.
type RetryExhaustedError struct {
	Attempts int
	Last     error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("retries exhausted after %d attempts: %v", e.Attempts, e.Last)
}

func (e *RetryExhaustedError) Unwrap() error {
	return e.Last
}

// Do executes fn until it succeeds, returns a non-retryable error, or the
// retry budget is spent. It returns the value, the number of attempts made
// and the error. Non-retryable errors are returned unwrapped.
func Do[T any](ctx context.Context, config *Config, fn func(ctx context.Context) (T, error), isRetryable IsRetryable) (T, int, error) {
	if config == nil {
		config = DefaultConfig()
	}

	var zero T
	maxAttempts := config.MaxRetries + 1
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, attempt, err
		}

		result, err := fn(ctx)
		if err == nil {
			return result, attempt + 1, nil
		}
		lastErr = err

		// A cancelled caller is never retried, whatever the error says.
		if ctx.Err() != nil {
			return zero, attempt + 1, ctx.Err()
		}

		if isRetryable == nil || !isRetryable(err) {
			return zero, attempt + 1, err
		}

		if attempt == maxAttempts-1 {
			break
		}

		delay := config.delayFor(attempt, err)
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return zero, attempt + 1, ctx.Err()
		}
	}

	return zero, maxAttempts, &RetryExhaustedError{Attempts: maxAttempts, Last: lastErr}
}

// IsExhausted reports whether err came from a spent retry budget.
func IsExhausted(err error) bool {
	var re *RetryExhaustedError
	return errors.As(err, &re)
}

func (c *Config) delayFor(attempt int, err error) time.Duration {
	if c.RetryAfter != nil {
		if hint, ok := c.RetryAfter(err); ok {
			if c.MaxDelay > 0 && hint > c.MaxDelay {
				return c.MaxDelay
			}
			return hint
		}
	}

	random := rand.Float64
	if c.Rand != nil {
		random = c.Rand
	}
	return CalculateBackoff(attempt, c, 0.5+random())
}

// CalculateBackoff returns base * 2^attempt * jitter capped at MaxDelay.
// jitter is expected in [0.5, 1.5).
func CalculateBackoff(attempt int, config *Config, jitter float64) time.Duration {
	if config == nil {
		config = DefaultConfig()
	}
	if attempt < 0 {
		attempt = 0
	}

	delay := float64(config.BaseDelay) * math.Pow(2, float64(attempt)) * jitter
	if config.MaxDelay > 0 && delay > float64(config.MaxDelay) {
		return config.MaxDelay
	}
	return time.Duration(delay)
}
