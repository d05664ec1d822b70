package exchange

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rangebreak/rangebreak/internal/domain"
)

// RetryConfig configures retry behavior for venue operations
type RetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64
}

// DefaultRetryConfig returns the standard order-path retry policy
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:     3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		BackoffFactor:  2.0,
	}
}

// IsRetryable classifies an error as transient. Connectivity failures and
// rate limits retry; explicit venue rejections never do, the same request
// would fail again.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if domain.IsKind(err, domain.KindExchangeRejected) {
		return false
	}
	if domain.IsKind(err, domain.KindExchangeUnreachable) {
		return true
	}

	errStr := err.Error()
	if strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "temporary failure") ||
		strings.Contains(errStr, "too many requests") {
		return true
	}

	// Bybit v5 retCodes: 10006 rate limit, 10016 service error, 10002
	// request time drift outside recv_window
	if strings.Contains(errStr, "retCode=10006") ||
		strings.Contains(errStr, "retCode=10016") ||
		strings.Contains(errStr, "retCode=10002") {
		return true
	}

	return false
}

// Operation is a unit of work passed to WithRetry
type Operation func() error

// WithRetry executes an operation with exponential backoff, stopping early
// on non-retryable errors or context cancellation
func WithRetry(ctx context.Context, config RetryConfig, operation Operation) error {
	var lastErr error
	backoff := config.InitialBackoff

	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return fmt.Errorf("operation cancelled: %w", ctx.Err())
		default:
		}

		err := operation()
		if err == nil {
			if attempt > 0 {
				log.Info().
					Int("attempt", attempt+1).
					Msg("Operation succeeded after retry")
			}
			return nil
		}

		lastErr = err

		if !IsRetryable(err) {
			log.Debug().
				Err(err).
				Msg("Error is not retryable, aborting")
			return err
		}

		if attempt == config.MaxRetries {
			break
		}

		log.Warn().
			Err(err).
			Int("attempt", attempt+1).
			Int("max_attempts", config.MaxRetries+1).
			Dur("backoff", backoff).
			Msg("Operation failed, retrying with backoff")

		select {
		case <-ctx.Done():
			return fmt.Errorf("operation cancelled during backoff: %w", ctx.Err())
		case <-time.After(backoff):
		}

		backoff = time.Duration(float64(backoff) * config.BackoffFactor)
		if backoff > config.MaxBackoff {
			backoff = config.MaxBackoff
		}
	}

	return fmt.Errorf("operation failed after %d attempts: %w", config.MaxRetries+1, lastErr)
}
