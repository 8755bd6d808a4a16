package resilience

import (
	"strconv"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sony/gobreaker"
)

var (
	breakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "dispatch",
		Subsystem: "breaker",
		Name:      "state",
		Help:      "Breaker state: 0 closed, 0.5 half-open, 1 open",
	}, []string{"breaker"})

	breakerRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dispatch",
		Subsystem: "breaker",
		Name:      "requests_total",
		Help:      "Operations executed through a breaker",
	}, []string{"breaker"})

	breakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dispatch",
		Subsystem: "breaker",
		Name:      "failures_total",
		Help:      "Breaker executions that returned an error",
	}, []string{"breaker"})

	breakerFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dispatch",
		Subsystem: "breaker",
		Name:      "fallbacks_total",
		Help:      "Requests answered by a fallback because the breaker was open",
	}, []string{"breaker"})

	breakerTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dispatch",
		Subsystem: "breaker",
		Name:      "state_changes_total",
		Help:      "Breaker state transitions",
	}, []string{"breaker", "from", "to"})

	retryAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dispatch",
		Subsystem: "retry",
		Name:      "attempts_total",
		Help:      "Individual attempts across all retried operations",
	}, []string{"operation", "result"})

	retryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "dispatch",
		Subsystem: "retry",
		Name:      "operation_duration_seconds",
		Help:      "End-to-end duration of retried operations, all attempts included",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	}, []string{"operation", "result"})

	retryAttemptCount = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "dispatch",
		Subsystem: "retry",
		Name:      "attempts_count",
		Help:      "Attempts used before success or giving up",
		Buckets:   []float64{1, 2, 3, 4, 5, 10},
	}, []string{"operation", "result"})

	retryBackoff = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "dispatch",
		Subsystem: "retry",
		Name:      "backoff_duration_seconds",
		Help:      "Backoff delays slept between attempts",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
	}, []string{"operation"})

	breakerSeq uint64
)

// nextBreakerName assigns a stable label for anonymous breakers so their
// series do not collide.
func nextBreakerName(base string) string {
	if base != "" {
		return base
	}
	return "breaker-" + strconv.FormatUint(atomic.AddUint64(&breakerSeq, 1), 10)
}

func breakerStateValue(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 0.5
	case gobreaker.StateOpen:
		return 1
	}
	return -1
}

func recordBreakerStateChange(name string, from, to gobreaker.State) {
	breakerTransitions.WithLabelValues(name, from.String(), to.String()).Inc()
	breakerState.WithLabelValues(name).Set(breakerStateValue(to))
}

func recordBreakerRequest(name string)  { breakerRequests.WithLabelValues(name).Inc() }
func recordBreakerFailure(name string)  { breakerFailures.WithLabelValues(name).Inc() }
func recordBreakerFallback(name string) { breakerFallbacks.WithLabelValues(name).Inc() }

func retryResult(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

// RecordRetryAttempt counts one attempt of a retried operation.
func RecordRetryAttempt(operation string, success bool) {
	retryAttempts.WithLabelValues(operation, retryResult(success)).Inc()
}

// RecordRetryOperation records the outcome of a whole retried operation.
func RecordRetryOperation(operation string, durationSeconds float64, attempts int, success bool) {
	result := retryResult(success)
	retryDuration.WithLabelValues(operation, result).Observe(durationSeconds)
	retryAttemptCount.WithLabelValues(operation, result).Observe(float64(attempts))
}

// RecordRetryBackoff records one backoff sleep.
func RecordRetryBackoff(operation string, durationSeconds float64) {
	retryBackoff.WithLabelValues(operation).Observe(durationSeconds)
}
