package invalidation

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// RetryConfig holds the retry policy for timestamp batch writes.
type RetryConfig struct {
	// AttemptsCount is the total number of attempts, including the first one.
	AttemptsCount int

	// Interval is the fixed delay between two attempts.
	Interval time.Duration
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		AttemptsCount: 3,
		Interval:      time.Second,
	}
}

// sleepFunc waits for d or until ctx is done.
type sleepFunc func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// retryFixed runs fn up to config.AttemptsCount times with config.Interval
// between attempts. The last error is returned wrapped in ErrRetryExhausted.
func retryFixed(ctx context.Context, config RetryConfig, sleep sleepFunc, logger zerolog.Logger, fn func() error) error {
	attempts := config.AttemptsCount
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := fn()
		if err == nil {
			if attempt > 1 {
				logger.Info().
					Int("attempt", attempt).
					Msg("Batch write succeeded after retry")
			}
			return nil
		}
		lastErr = err

		if attempt == attempts {
			break
		}

		logger.Warn().
			Err(err).
			Int("attempt", attempt).
			Int("max_attempts", attempts).
			Dur("interval", config.Interval).
			Msg("Batch write failed, retrying")
		Retries.Inc()

		if err := sleep(ctx, config.Interval); err != nil {
			return fmt.Errorf("retry cancelled after %d attempts: %w", attempt, err)
		}
	}

	return fmt.Errorf("%w after %d attempts: %w", ErrRetryExhausted, attempts, lastErr)
}
