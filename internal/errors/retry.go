package errors

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// RetryConfig defines retry behavior configuration
type RetryConfig struct {
	// MaxRetries is the maximum number of retry attempts after the first one
	MaxRetries int
	// InitialBackoff is the initial backoff duration
	InitialBackoff time.Duration
	// MaxBackoff is the maximum backoff duration
	MaxBackoff time.Duration
	// Multiplier is the backoff multiplier for exponential backoff
	Multiplier float64
	// Jitter spreads each backoff by ±25%
	Jitter bool
	// RetryableErrors is a function to determine if an error is retryable
	RetryableErrors func(error) bool
	// OnRetry is called before sleeping ahead of the next attempt
	OnRetry func(attempt int, err error)
}

// DefaultRetryConfig returns a default retry configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:     2,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
		Multiplier:     2.0,
		RetryableErrors: func(err error) bool {
			return IsRetryable(err)
		},
	}
}

// AttemptsConfig returns the default configuration for a total attempt budget
func AttemptsConfig(attempts int, initialBackoff time.Duration) RetryConfig {
	cfg := DefaultRetryConfig()
	if attempts < 1 {
		attempts = 1
	}
	cfg.MaxRetries = attempts - 1
	if initialBackoff > 0 {
		cfg.InitialBackoff = initialBackoff
	}
	return cfg
}

// RetryWithBackoff executes fn with exponential backoff retry logic.
// fn receives the 1-based attempt number.
func RetryWithBackoff(ctx context.Context, config RetryConfig, fn func(attempt int) error) error {
	var lastErr error

	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		err := fn(attempt + 1)
		if err == nil {
			return nil
		}

		lastErr = err

		if config.RetryableErrors != nil && !config.RetryableErrors(err) {
			return fmt.Errorf("non-retryable error: %w", err)
		}

		// Don't sleep after the last attempt
		if attempt == config.MaxRetries {
			break
		}

		backoff := calculateBackoff(attempt, config.InitialBackoff, config.MaxBackoff, config.Multiplier)
		if config.Jitter {
			backoff = applyJitter(backoff, config.InitialBackoff, config.MaxBackoff)
		}

		// Rate limited endpoints get the longest wait
		if IsRateLimitError(err) {
			backoff = config.MaxBackoff
		}

		if config.OnRetry != nil {
			config.OnRetry(attempt+1, err)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("retry cancelled: %w", ctx.Err())
		case <-time.After(backoff):
		}
	}

	return fmt.Errorf("max retries (%d) exceeded: %w", config.MaxRetries, lastErr)
}

// calculateBackoff calculates the backoff duration for a given attempt
func calculateBackoff(attempt int, initial, max time.Duration, multiplier float64) time.Duration {
	// initial * (multiplier ^ attempt)
	backoff := float64(initial) * math.Pow(multiplier, float64(attempt))

	if backoff > float64(max) {
		backoff = float64(max)
	}

	return time.Duration(backoff)
}

func applyJitter(backoff, min, max time.Duration) time.Duration {
	jitter := time.Duration(float64(backoff) * 0.25 * (2.0*rand.Float64() - 1.0))
	backoff += jitter

	if backoff < 0 {
		backoff = min
	}
	if backoff > max {
		backoff = max
	}
	return backoff
}
