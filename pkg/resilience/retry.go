package resilience

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/courierflow/dispatch/pkg/logger"
)

// RetryConfig controls the exponential backoff loop.
type RetryConfig struct {
	// MaxAttempts counts the initial attempt too.
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
	// EnableJitter randomizes each backoff to avoid synchronized retries.
	EnableJitter bool
	// RetryableChecker classifies errors; when nil everything retries
	// except cancellation and an open breaker.
	RetryableChecker func(error) bool
}

// DefaultRetryConfig suits most calls: three attempts, 1s doubling to 30s.
// Callers tune the fields for their traffic before handing it to
// RetryWithName.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    1 * time.Second,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
		EnableJitter:      true,
	}
}

// RetryWithName runs the operation under the backoff policy, recording
// metrics under name. It returns the operation's result, or the last
// error once attempts are exhausted or the error is classified
// permanent.
func RetryWithName(ctx context.Context, config RetryConfig, operation Operation, name string) (interface{}, error) {
	if config.MaxAttempts < 1 {
		config.MaxAttempts = 1
	}

	start := time.Now()
	finish := func(attempts int, ok bool) {
		RecordRetryOperation(name, time.Since(start).Seconds(), attempts, ok)
	}

	var lastErr error
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			finish(attempt, false)
			return nil, err
		}

		result, err := operation(ctx)
		RecordRetryAttempt(name, err == nil)

		if err == nil {
			if attempt > 1 {
				logger.Get().Info("operation succeeded after retry",
					zap.String("operation", name),
					zap.Int("attempt", attempt),
				)
			}
			finish(attempt, true)
			return result, nil
		}
		lastErr = err

		if !retryable(err, config) {
			logger.Get().Debug("error is not retryable",
				zap.String("operation", name),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			finish(attempt, false)
			return nil, err
		}

		if attempt >= config.MaxAttempts {
			logger.Get().Warn("operation failed after all retry attempts",
				zap.String("operation", name),
				zap.Int("attempts", attempt),
				zap.Error(err),
			)
			finish(attempt, false)
			return nil, lastErr
		}

		wait := backoffFor(attempt, config)
		RecordRetryBackoff(name, wait.Seconds())
		logger.Get().Info("retrying operation after backoff",
			zap.String("operation", name),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)

		select {
		case <-ctx.Done():
			finish(attempt+1, false)
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
}

// backoffFor computes the wait before attempt+1: exponential growth
// capped at MaxBackoff, with full jitter when enabled.
func backoffFor(attempt int, config RetryConfig) time.Duration {
	wait := float64(config.InitialBackoff) * math.Pow(config.BackoffMultiplier, float64(attempt-1))
	wait = math.Min(wait, float64(config.MaxBackoff))

	duration := time.Duration(wait)
	if config.EnableJitter && duration > 0 {
		duration = time.Duration(rand.Int63n(int64(duration)))
	}
	return duration
}

func retryable(err error, config RetryConfig) bool {
	if err == nil {
		return false
	}
	if config.RetryableChecker != nil {
		return config.RetryableChecker(err)
	}
	// Cancellation means the caller stopped caring; an open breaker
	// means retries only feed the outage.
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return !errors.Is(err, ErrCircuitOpen)
}

// IsRetryableHTTPStatus reports whether a status code signals a
// transient condition worth retrying.
func IsRetryableHTTPStatus(statusCode int) bool {
	switch statusCode {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}
