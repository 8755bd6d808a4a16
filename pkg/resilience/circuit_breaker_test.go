package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errProviderDown = errors.New("provider down")

func failingOp(context.Context) (interface{}, error) { return nil, errProviderDown }

func TestCircuitBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	breaker := NewCircuitBreaker(Settings{
		Name:             "route-table",
		Timeout:          50 * time.Millisecond,
		Interval:         50 * time.Millisecond,
		FailureThreshold: 2,
		SuccessThreshold: 1,
	}, nil)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := breaker.Execute(ctx, failingOp)
		require.ErrorIs(t, err, errProviderDown)
	}
	assert.False(t, breaker.Allow(), "breaker stays open after hitting the threshold")

	// While open, even a healthy operation is refused.
	_, err := breaker.Execute(ctx, func(context.Context) (interface{}, error) {
		return "ok", nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestCircuitBreakerUsesFallbackWhileOpen(t *testing.T) {
	fallbackCalls := 0
	breaker := NewCircuitBreaker(Settings{
		Name:             "route-fallback",
		Timeout:          time.Second,
		FailureThreshold: 1,
	}, func(ctx context.Context, err error) (interface{}, error) {
		fallbackCalls++
		return "haversine estimate", nil
	})
	ctx := context.Background()

	_, err := breaker.Execute(ctx, failingOp)
	require.ErrorIs(t, err, errProviderDown)

	result, err := breaker.Execute(ctx, failingOp)
	require.NoError(t, err)
	assert.Equal(t, "haversine estimate", result)
	assert.Equal(t, 1, fallbackCalls)
}

func TestCircuitBreakerRecoversAfterTimeout(t *testing.T) {
	breaker := NewCircuitBreaker(Settings{
		Name:             "route-recovery",
		Timeout:          20 * time.Millisecond,
		FailureThreshold: 1,
		SuccessThreshold: 1,
	}, nil)
	ctx := context.Background()

	_, err := breaker.Execute(ctx, failingOp)
	require.ErrorIs(t, err, errProviderDown)
	require.False(t, breaker.Allow())

	time.Sleep(30 * time.Millisecond)

	// Half-open: one probe succeeds and the breaker closes again.
	result, err := breaker.Execute(ctx, func(context.Context) (interface{}, error) {
		return "recovered", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "recovered", result)
	assert.True(t, breaker.Allow())
}

func TestCircuitBreakerNilReceiverPassesThrough(t *testing.T) {
	var breaker *CircuitBreaker

	assert.True(t, breaker.Allow())
	result, err := breaker.Execute(context.Background(), func(context.Context) (interface{}, error) {
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, result)
}

func TestCircuitBreakerRejectsNilOperation(t *testing.T) {
	breaker := NewCircuitBreaker(Settings{Name: "nil-op"}, nil)
	_, err := breaker.Execute(context.Background(), nil)
	assert.Error(t, err)
}

func TestCircuitBreakerSuccessPassesResultThrough(t *testing.T) {
	breaker := NewCircuitBreaker(Settings{
		Name:             "pass-through",
		Timeout:          time.Second,
		FailureThreshold: 5,
	}, nil)

	result, err := breaker.Execute(context.Background(), func(context.Context) (interface{}, error) {
		return "response", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "response", result)
}
