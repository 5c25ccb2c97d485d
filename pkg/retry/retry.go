// Package retry runs operations with bounded exponential backoff.
package retry

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"github.com/bardlex/gominer/pkg/errors"
)

// Config holds retry configuration
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	Jitter      bool
}

// DefaultConfig returns a general purpose configuration
func DefaultConfig() *Config {
	return &Config{
		MaxAttempts: 3,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		Multiplier:  2.0,
		Jitter:      true,
	}
}

// ProbeConfig is used by the primary pool health check. It is short so that
// a probe never outlives the interval between two checks.
func ProbeConfig() *Config {
	return &Config{
		MaxAttempts: 3,
		BaseDelay:   250 * time.Millisecond,
		MaxDelay:    2 * time.Second,
		Multiplier:  2.0,
		Jitter:      true,
	}
}

// TelemetryConfig is used for metric and event sink writes
func TelemetryConfig() *Config {
	return &Config{
		MaxAttempts: 3,
		BaseDelay:   200 * time.Millisecond,
		MaxDelay:    3 * time.Second,
		Multiplier:  2.0,
		Jitter:      true,
	}
}

// Do calls fn until it succeeds, returns a non-retryable error, the attempts
// are exhausted or ctx is done.
func Do(ctx context.Context, config *Config, fn func() error) error {
	_, err := DoWithResult(ctx, config, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// DoWithResult is Do for functions returning a value
func DoWithResult[T any](ctx context.Context, config *Config, fn func() (T, error)) (T, error) {
	var zero T
	if config == nil {
		config = DefaultConfig()
	}

	var lastErr error
	for attempt := range config.MaxAttempts {
		res, err := fn()
		if err == nil {
			return res, nil
		}
		lastErr = err

		if !errors.IsRetryable(err) {
			return zero, err
		}
		if attempt == config.MaxAttempts-1 {
			break
		}

		timer := time.NewTimer(config.delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}
	}

	return zero, errors.Wrap(lastErr, errors.KindInternal, "retry",
		"operation failed after maximum retry attempts").
		With("max_attempts", config.MaxAttempts)
}

func (c *Config) delay(attempt int) time.Duration {
	d := float64(c.BaseDelay) * math.Pow(c.Multiplier, float64(attempt))
	d = min(d, float64(c.MaxDelay))

	if c.Jitter {
		d += d * 0.1 * rand.Float64()
	}
	return time.Duration(d)
}
