// Package retry provides a generic exponential-backoff retry helper, used
// by pkg/nexusapi.Client to retry failed HTTP calls to the engine.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"k8s.io/klog/v2"
)

// Config configures retry behavior.
//
//nolint:govet // fieldalignment: field order prioritizes readability over memory optimization.
type Config struct {
	// MaxAttempts is the maximum number of attempts (including the first try).
	MaxAttempts int

	// InitialBackoff is the initial backoff duration.
	InitialBackoff time.Duration

	// MaxBackoff caps the exponential backoff growth.
	MaxBackoff time.Duration

	// BackoffMultiplier is the multiplier applied after each failed attempt.
	BackoffMultiplier float64

	// RetryableFunc determines if an error is retryable. Nil retries all errors.
	RetryableFunc func(error) bool

	// OperationName is used for logging purposes.
	OperationName string
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:       3,
		InitialBackoff:    1 * time.Second,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
		OperationName:     "operation",
	}
}

// ErrMaxAttemptsExceeded is returned when all retry attempts are exhausted.
var ErrMaxAttemptsExceeded = errors.New("max retry attempts exceeded")

// Do executes fn with retry logic and exponential backoff, returning fn's result.
func Do[T any](ctx context.Context, cfg Config, fn func() (T, error)) (T, error) {
	var zero T

	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 1 * time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	if cfg.BackoffMultiplier <= 0 {
		cfg.BackoffMultiplier = 2.0
	}
	if cfg.OperationName == "" {
		cfg.OperationName = "operation"
	}

	var lastErr error
	backoff := cfg.InitialBackoff

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}

		result, err := fn()
		if err == nil {
			if attempt > 1 {
				klog.V(4).Infof("retry: %s succeeded on attempt %d", cfg.OperationName, attempt)
			}
			return result, nil
		}

		lastErr = err

		if cfg.RetryableFunc != nil && !cfg.RetryableFunc(err) {
			klog.V(4).Infof("retry: %s failed with non-retryable error: %v", cfg.OperationName, err)
			return zero, err
		}

		if attempt < cfg.MaxAttempts {
			klog.V(4).Infof("retry: %s failed on attempt %d/%d: %v, retrying in %v",
				cfg.OperationName, attempt, cfg.MaxAttempts, err, backoff)

			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return zero, ctx.Err()
			}

			backoff = time.Duration(float64(backoff) * cfg.BackoffMultiplier)
			if backoff > cfg.MaxBackoff {
				backoff = cfg.MaxBackoff
			}
		}
	}

	return zero, fmt.Errorf("%w: %s failed after %d attempts: %w",
		ErrMaxAttemptsExceeded, cfg.OperationName, cfg.MaxAttempts, lastErr)
}

// DoNoResult executes fn, a function returning only an error, with retry logic.
func DoNoResult(ctx context.Context, cfg Config, fn func() error) error {
	_, err := Do(ctx, cfg, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}
