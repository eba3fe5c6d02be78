// Package retry runs an operation with bounded retries and capped exponential backoff.
package retry

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"time"

	syncErrors "github.com/c0deZ3R0/go-docsync/errors"
	"github.com/c0deZ3R0/go-docsync/logging"
)

// Config configures retry behavior.
type Config struct {
	// MaxRetries is the total number of attempts, including the first.
	// Default: 3
	MaxRetries int `mapstructure:"max_retries"`

	// BaseDelay is the delay before the first retry.
	// Default: 1s
	BaseDelay time.Duration `mapstructure:"base_delay"`

	// MaxDelay caps every delay.
	// Default: 10s
	MaxDelay time.Duration `mapstructure:"max_delay"`

	// Jitter in [0,1] shortens each delay by a random fraction up to Jitter.
	// The capped exponential value stays an upper bound.
	Jitter float64 `mapstructure:"jitter"`

	// RetryIf decides whether an error is worth another attempt.
	// If nil, all errors are retried.
	RetryIf func(error) bool `mapstructure:"-"`
}

// DefaultConfig returns the retry configuration used by the document facade.
func DefaultConfig() Config {
	return Config{
		MaxRetries: 3,
		BaseDelay:  time.Second,
		MaxDelay:   10 * time.Second,
	}
}

func (c *Config) setDefaults() {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 1
	}
	if c.BaseDelay < 0 {
		c.BaseDelay = 0
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 10 * time.Second
	}
	if c.Jitter < 0 {
		c.Jitter = 0
	}
	if c.Jitter > 1 {
		c.Jitter = 1
	}
}

// Backoff returns min(base * 2^attempt, max).
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := float64(base)
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= float64(max) {
			return max
		}
	}
	result := time.Duration(delay)
	if result > max {
		result = max
	}
	return result
}

// Executor retries operations with a fixed configuration.
type Executor struct {
	config Config
	logger *slog.Logger
	rand   func() float64
}

// NewExecutor creates an executor. A nil logger uses the package default.
func NewExecutor(config Config, logger *slog.Logger) *Executor {
	config.setDefaults()
	if logger == nil {
		logger = logging.WithComponent(logging.Component("retry")).Logger
	}
	return &Executor{config: config, logger: logger, rand: rand.Float64}
}

// Config returns the effective configuration.
func (e *Executor) Config() Config {
	return e.config
}

// delay returns the wait before retry number attempt (0-based).
func (e *Executor) delay(attempt int) time.Duration {
	d := Backoff(attempt, e.config.BaseDelay, e.config.MaxDelay)
	if e.config.Jitter > 0 && d > 0 {
		d -= time.Duration(float64(d) * e.config.Jitter * e.rand())
	}
	return d
}

// Execute runs op until it succeeds or the attempt budget is spent.
// Intermediate failures are swallowed; the final one is returned.
func (e *Executor) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	_, err := Do(ctx, e, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// Do runs op through the executor and returns its value.
func Do[T any](ctx context.Context, e *Executor, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	var err error

	for attempt := 0; attempt < e.config.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := e.delay(attempt - 1)
			e.logger.Debug("Waiting before retry",
				"attempt", attempt+1,
				"delay", delay)

			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				e.logger.Debug("Retry sequence canceled by context", "error", ctx.Err())
				return zero, ctx.Err()
			case <-timer.C:
			}
		}

		var value T
		value, err = op(ctx)
		if err == nil {
			if attempt > 0 {
				e.logger.Debug("Operation succeeded after retry", "attempt", attempt+1)
			}
			return value, nil
		}

		if ctx.Err() != nil {
			return zero, ctx.Err()
		}

		if e.config.RetryIf != nil && !e.config.RetryIf(err) {
			e.logger.Debug("Operation failed with non-retryable error",
				"attempt", attempt+1,
				"error", err)
			return zero, err
		}

		e.logger.Debug("Attempt failed",
			"attempt", attempt+1,
			"max_retries", e.config.MaxRetries,
			"error", err)
	}

	e.logger.Warn("All retry attempts exhausted",
		"total_attempts", e.config.MaxRetries,
		"final_error", err)
	return zero, exhausted(err)
}

// exhausted marks the final failure as transient unless it already says otherwise.
func exhausted(err error) error {
	var syncErr *syncErrors.SyncError
	if errors.As(err, &syncErr) && (!syncErr.Retryable || syncErr.Code == syncErrors.ErrCodeTransientRemote) {
		return err
	}
	return &syncErrors.SyncError{
		Op:        syncErrors.OpReplay,
		Component: "retry",
		Code:      syncErrors.ErrCodeTransientRemote,
		Err:       err,
		Retryable: true,
	}
}

// UnlessRejected retries everything except errors the remote store refused outright.
func UnlessRejected(err error) bool {
	return !syncErrors.HasCode(err, syncErrors.ErrCodeRemoteRejected)
}
