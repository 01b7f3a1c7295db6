package gateway

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"
)

// RetryConfig defines retry behaviour for transient gateway failures
type RetryConfig struct {
	MaxAttempts  int           `json:"max_attempts"`
	InitialDelay time.Duration `json:"initial_delay"`
	MaxDelay     time.Duration `json:"max_delay"`
	Multiplier   float64       `json:"multiplier"`
}

// NewRetryConfig returns the default retry configuration
func NewRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 1 * time.Second,
		MaxDelay:     15 * time.Second,
		Multiplier:   2.0,
	}
}

// delay returns the wait before the given attempt (attempt >= 2).
func (c RetryConfig) delay(attempt int) time.Duration {
	d := c.InitialDelay
	for i := 2; i < attempt; i++ {
		d = time.Duration(float64(d) * c.Multiplier)
		if d >= c.MaxDelay {
			return c.MaxDelay
		}
	}
	if c.MaxDelay > 0 && d > c.MaxDelay {
		d = c.MaxDelay
	}
	return d
}

// backoff yields the waits between attempts, stopping after MaxAttempts.
func (c RetryConfig) backoff() retry.Backoff {
	attempts := c.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	attempt := 1
	next := retry.BackoffFunc(func() (time.Duration, bool) {
		attempt++
		return c.delay(attempt), false
	})
	return retry.WithMaxRetries(uint64(attempts-1), next)
}

// withRetry runs fn until it succeeds, fails permanently, the attempts are
// exhausted or ctx is done.
func (c *Client) withRetry(ctx context.Context, op, subject string, fn func(ctx context.Context) error) error {
	attempt := 0
	err := retry.Do(ctx, c.retry.backoff(), func(ctx context.Context) error {
		attempt++
		err := fn(ctx)
		if err == nil || !IsRetryable(err) || ctx.Err() != nil {
			return err
		}
		c.logger.WarnContext(ctx, "gateway_attempt_failed",
			slog.String("op", op),
			slog.String("subject", subject),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()))
		return retry.RetryableError(err)
	})
	// retry.Do reports cancellation during a backoff wait as the bare ctx error.
	var gwErr *Error
	if err != nil && !errors.As(err, &gwErr) {
		return transportError(op, subject, err)
	}
	return err
}
