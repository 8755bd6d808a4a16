package resilience

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fastRetryConfig keeps test backoffs in the microsecond range and
// disables jitter so attempt counts are deterministic.
func fastRetryConfig(attempts int) RetryConfig {
	return RetryConfig{
		MaxAttempts:       attempts,
		InitialBackoff:    time.Microsecond,
		MaxBackoff:        time.Millisecond,
		BackoffMultiplier: 2.0,
	}
}

func TestRetrySucceedsFirstAttempt(t *testing.T) {
	calls := 0
	result, err := RetryWithName(context.Background(), fastRetryConfig(3), func(context.Context) (interface{}, error) {
		calls++
		return 42, nil
	}, "test.first")

	require.NoError(t, err)
	assert.Equal(t, 42, result)
	assert.Equal(t, 1, calls)
}

func TestRetryRecoversFromTransientFailures(t *testing.T) {
	calls := 0
	result, err := RetryWithName(context.Background(), fastRetryConfig(5), func(context.Context) (interface{}, error) {
		calls++
		if calls < 3 {
			return nil, errProviderDown
		}
		return "ok", nil
	}, "test.recover")

	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, 3, calls)
}

func TestRetryExhaustsAttempts(t *testing.T) {
	calls := 0
	_, err := RetryWithName(context.Background(), fastRetryConfig(3), func(context.Context) (interface{}, error) {
		calls++
		return nil, errProviderDown
	}, "test.exhaust")

	require.ErrorIs(t, err, errProviderDown)
	assert.Equal(t, 3, calls)
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	errPermanent := errors.New("constraint violation")
	config := fastRetryConfig(5)
	config.RetryableChecker = func(err error) bool {
		return !errors.Is(err, errPermanent)
	}

	calls := 0
	_, err := RetryWithName(context.Background(), config, func(context.Context) (interface{}, error) {
		calls++
		return nil, errPermanent
	}, "test.permanent")

	require.ErrorIs(t, err, errPermanent)
	assert.Equal(t, 1, calls, "permanent errors get no second attempt")
}

func TestRetryNeverRetriesCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	_, err := RetryWithName(ctx, fastRetryConfig(5), func(context.Context) (interface{}, error) {
		calls++
		cancel()
		return nil, context.Canceled
	}, "test.cancel")

	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestRetryTreatsOpenBreakerAsPermanent(t *testing.T) {
	calls := 0
	_, err := RetryWithName(context.Background(), fastRetryConfig(5), func(context.Context) (interface{}, error) {
		calls++
		return nil, ErrCircuitOpen
	}, "test.breaker")

	require.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, 1, calls, "retrying into an open breaker only feeds the outage")
}

func TestRetryZeroAttemptsStillRunsOnce(t *testing.T) {
	calls := 0
	_, err := RetryWithName(context.Background(), RetryConfig{}, func(context.Context) (interface{}, error) {
		calls++
		return nil, nil
	}, "test.zero")

	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestBackoffForCapsAtMax(t *testing.T) {
	config := RetryConfig{
		InitialBackoff:    time.Second,
		MaxBackoff:        4 * time.Second,
		BackoffMultiplier: 2.0,
	}

	assert.Equal(t, time.Second, backoffFor(1, config))
	assert.Equal(t, 2*time.Second, backoffFor(2, config))
	assert.Equal(t, 4*time.Second, backoffFor(3, config))
	assert.Equal(t, 4*time.Second, backoffFor(10, config), "growth stops at MaxBackoff")
}

func TestBackoffForJitterStaysUnderCeiling(t *testing.T) {
	config := RetryConfig{
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        time.Second,
		BackoffMultiplier: 2.0,
		EnableJitter:      true,
	}

	for i := 0; i < 50; i++ {
		wait := backoffFor(3, config)
		assert.GreaterOrEqual(t, wait, time.Duration(0))
		assert.Less(t, wait, 400*time.Millisecond)
	}
}

func TestIsRetryableHTTPStatus(t *testing.T) {
	retryable := []int{
		http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout,
	}
	for _, code := range retryable {
		assert.True(t, IsRetryableHTTPStatus(code), "status %d", code)
	}

	terminal := []int{http.StatusOK, http.StatusBadRequest, http.StatusUnauthorized, http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity, http.StatusNotImplemented}
	for _, code := range terminal {
		assert.False(t, IsRetryableHTTPStatus(code), "status %d", code)
	}
}
