package governor

import (
	"context"
	"fmt"
	"math"
	"time"
)

// RetryConfig holds retry policy configuration for the generate call.
type RetryConfig struct {
	// MaxAttempts is the total attempt count per Process call, including
	// the first. Default: 3.
	MaxAttempts int `koanf:"max_attempts"`

	// BaseDelay is the initial backoff. Default: 200ms.
	BaseDelay time.Duration `koanf:"base_delay"`

	// MaxDelay caps exponential backoff growth. Default: 5s.
	MaxDelay time.Duration `koanf:"max_delay"`
}

// ApplyDefaults sets default values for unset fields.
func (c *RetryConfig) ApplyDefaults() {
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 3
	}
	if c.BaseDelay == 0 {
		c.BaseDelay = 200 * time.Millisecond
	}
	if c.MaxDelay == 0 {
		c.MaxDelay = 5 * time.Second
	}
}

// Validate validates the configuration.
func (c *RetryConfig) Validate() error {
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("%w: retry max_attempts must be positive", ErrInvalidConfig)
	}
	if c.BaseDelay <= 0 || c.MaxDelay < c.BaseDelay {
		return fmt.Errorf("%w: retry delays base=%s max=%s", ErrInvalidConfig, c.BaseDelay, c.MaxDelay)
	}
	return nil
}

// retryPolicy runs an operation with bounded attempts and exponential
// backoff, honoring context cancellation between attempts.
type retryPolicy struct {
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
}

func newRetryPolicy(cfg RetryConfig) retryPolicy {
	cfg.ApplyDefaults()
	return retryPolicy{
		maxAttempts: cfg.MaxAttempts,
		baseDelay:   cfg.BaseDelay,
		maxDelay:    cfg.MaxDelay,
	}
}

// do runs op up to maxAttempts times. The last error is returned wrapped
// once all attempts are exhausted; context cancellation stops the sequence
// early with whatever error was seen last.
func (r retryPolicy) do(ctx context.Context, op func(context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt < r.maxAttempts; attempt++ {
		err := op(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if attempt == r.maxAttempts-1 {
			break
		}
		if err := r.backoff(ctx, attempt); err != nil {
			return lastErr
		}
	}
	return fmt.Errorf("after %d attempts: %w", r.maxAttempts, lastErr)
}

func (r retryPolicy) backoff(ctx context.Context, attempt int) error {
	delay := time.Duration(float64(r.baseDelay) * math.Pow(2, float64(attempt)))
	if delay > r.maxDelay {
		delay = r.maxDelay
	}
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
