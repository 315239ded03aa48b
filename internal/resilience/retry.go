package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryConfig tunes the exponential backoff applied to remote operations.
// The delay before attempt n (0-indexed) is min(MaxDelay, InitialDelay*2^n).
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	return c
}

// Delay returns the backoff before retry attempt n (0-indexed).
func (c RetryConfig) Delay(attempt int) time.Duration {
	c = c.withDefaults()
	d := c.InitialDelay
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= c.MaxDelay {
			return c.MaxDelay
		}
	}
	if d > c.MaxDelay {
		return c.MaxDelay
	}
	return d
}

func (c RetryConfig) backOff(ctx context.Context) backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.InitialDelay
	bo.RandomizationFactor = 0
	bo.Multiplier = 2
	bo.MaxInterval = c.MaxDelay
	bo.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(bo, uint64(c.MaxAttempts-1)), ctx)
}

// AttemptsError annotates a terminal retry failure with the attempt count.
type AttemptsError struct {
	Attempts int
	Err      error
}

func (e *AttemptsError) Error() string {
	return fmt.Sprintf("after %d attempts: %v", e.Attempts, e.Err)
}

func (e *AttemptsError) Unwrap() error { return e.Err }

// retryableFlag is implemented by errors that carry an explicit
// retryability classification (see the remote package).
type retryableFlag interface {
	Retryable() bool
}

// IsRetryable reports whether err may be retried. Errors with an explicit
// classification are honored; circuit-open and rate-limit rejections are
// never retried; anything else is treated as transient.
func IsRetryable(err error) bool {
	if errors.Is(err, ErrCircuitOpen) || errors.Is(err, ErrRateLimited) {
		return false
	}
	var f retryableFlag
	if errors.As(err, &f) {
		return f.Retryable()
	}
	return true
}

// Retry runs op until it succeeds, the attempt ceiling is reached, or the
// error is classified non-retryable. The terminal failure is returned
// wrapped in an AttemptsError.
func Retry(ctx context.Context, cfg RetryConfig, op func(context.Context) error) error {
	cfg = cfg.withDefaults()
	attempts := 0
	err := backoff.Retry(func() error {
		attempts++
		err := op(ctx)
		if err == nil {
			return nil
		}
		if !IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, cfg.backOff(ctx))
	if err != nil {
		return &AttemptsError{Attempts: attempts, Err: err}
	}
	return nil
}
