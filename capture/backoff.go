package capture

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// BackoffConfig controls retried device opens after a loss.
type BackoffConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// DefaultBackoffConfig returns the retry policy used after device loss:
// up to 5 attempts with exponential backoff from 250ms, capped at 5s.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		MaxAttempts:  5,
		InitialDelay: 250 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
	}
}

// OpenWithBackoff retries Source.Open under the given policy.
//
// Returns nil on the first successful open. Returns the last open error
// once attempts are exhausted, at which point the pipeline transitions to
// its failed state. Cancelling ctx aborts between attempts.
func OpenWithBackoff(ctx context.Context, src *Source, mode Mode, cfg BackoffConfig) error {
	delay := cfg.InitialDelay
	var lastErr error

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		lastErr = src.Open(mode)
		if lastErr == nil {
			if attempt > 1 {
				logrus.WithFields(logrus.Fields{
					"function": "OpenWithBackoff",
					"attempt":  attempt,
				}).Info("Capture device reopened after retry")
			}
			return nil
		}

		logrus.WithFields(logrus.Fields{
			"function":     "OpenWithBackoff",
			"attempt":      attempt,
			"max_attempts": cfg.MaxAttempts,
			"retry_delay":  delay,
			"error":        lastErr,
		}).Warn("Device open failed")

		if attempt == cfg.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		delay = time.Duration(float64(delay) * cfg.Multiplier)
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}

	return fmt.Errorf("device open exhausted %d attempts: %w", cfg.MaxAttempts, lastErr)
}
