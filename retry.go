package stoat

import (
	"context"
	"time"
)

// RetryConfig configures exponential backoff for RetryMiddleware and the
// persistence WorkerPool.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (including the first one).
	MaxAttempts int

	// InitialDelay is the initial delay between retries.
	InitialDelay time.Duration

	// MaxDelay is the maximum delay between retries.
	MaxDelay time.Duration

	// Multiplier is the factor by which the delay increases on each retry.
	Multiplier float64

	// ShouldRetry determines if an error should be retried.
	// If nil, all errors are retried.
	ShouldRetry func(err error) bool
}

// DefaultRetryConfig returns a default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
	}
}

func (c RetryConfig) normalized() RetryConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 1
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = 100 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 5 * time.Second
	}
	if c.Multiplier <= 0 {
		c.Multiplier = 1.0
	}
	return c
}

func (c RetryConfig) retryable(err error) bool {
	return c.ShouldRetry == nil || c.ShouldRetry(err)
}

// retry runs fn until it succeeds, attempts are exhausted, ShouldRetry
// declines or ctx is done. It returns the last error.
func (c RetryConfig) retry(ctx context.Context, fn func(attempt int) error) error {
	c = c.normalized()
	delay := c.InitialDelay

	var err error
	for attempt := 1; attempt <= c.MaxAttempts; attempt++ {
		if err = fn(attempt); err == nil {
			return nil
		}
		if attempt == c.MaxAttempts || !c.retryable(err) {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		delay = time.Duration(float64(delay) * c.Multiplier)
		if delay > c.MaxDelay {
			delay = c.MaxDelay
		}
	}
	return err
}

// Do runs fn with this backoff policy. fn receives the 1-based attempt number.
func (c RetryConfig) Do(ctx context.Context, fn func(attempt int) error) error {
	return c.retry(ctx, fn)
}
