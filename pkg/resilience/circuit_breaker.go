package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/courierflow/dispatch/pkg/logger"
)

// ErrCircuitOpen is returned when the breaker refuses a request.
var ErrCircuitOpen = errors.New("circuit breaker open")

// Operation is a call wrapped by a breaker.
type Operation func(ctx context.Context) (interface{}, error)

// Settings configures a breaker. Zero values fall back to gobreaker
// defaults except FailureThreshold, which defaults to 5 consecutive
// failures.
type Settings struct {
	Name             string
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold uint32
	SuccessThreshold uint32
}

// CircuitBreaker guards a flaky dependency, typically the external
// routing provider. A nil *CircuitBreaker is valid and passes every
// operation through, so call sites need no breaker-enabled checks.
type CircuitBreaker struct {
	name     string
	breaker  *gobreaker.CircuitBreaker
	fallback FallbackFunc
}

// NewCircuitBreaker builds a breaker that logs and records metrics on
// every state transition. fallback, if non-nil, answers requests while
// the breaker is open.
func NewCircuitBreaker(settings Settings, fallback FallbackFunc) *CircuitBreaker {
	name := nextBreakerName(settings.Name)

	threshold := settings.FailureThreshold
	if threshold == 0 {
		threshold = 5
	}

	gbSettings := gobreaker.Settings{
		Name:     name,
		Timeout:  settings.Timeout,
		Interval: settings.Interval,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			recordBreakerStateChange(name, from, to)
			logger.Get().Info("circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	}
	if settings.SuccessThreshold > 0 {
		gbSettings.MaxRequests = settings.SuccessThreshold
	}

	return &CircuitBreaker{
		name:     name,
		breaker:  gobreaker.NewCircuitBreaker(gbSettings),
		fallback: fallback,
	}
}

// Execute runs the operation through the breaker. When the breaker is
// open the fallback answers instead; without one, ErrCircuitOpen is
// returned.
func (c *CircuitBreaker) Execute(ctx context.Context, operation Operation) (interface{}, error) {
	if operation == nil {
		return nil, errors.New("operation cannot be nil")
	}
	if c == nil || c.breaker == nil {
		return operation(ctx)
	}

	recordBreakerRequest(c.name)
	result, err := c.breaker.Execute(func() (interface{}, error) {
		return operation(ctx)
	})
	if err == nil {
		return result, nil
	}

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		recordBreakerFallback(c.name)
		if c.fallback != nil {
			return c.fallback(ctx, err)
		}
		return nil, ErrCircuitOpen
	}

	recordBreakerFailure(c.name)
	return nil, err
}

// Allow reports whether a request would be admitted right now, without
// consuming one of the half-open probe slots.
func (c *CircuitBreaker) Allow() bool {
	if c == nil || c.breaker == nil {
		return true
	}
	return c.breaker.State() != gobreaker.StateOpen
}
