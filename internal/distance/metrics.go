package distance

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cacheLookupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "distance_cache_lookups_total",
		Help: "Distance cache lookups by layer (l1, store) and result (hit, miss)",
	}, []string{"layer", "result"})

	providerCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "distance_provider_calls_total",
		Help: "Road-network provider calls by kind (route, matrix) and result (ok, error)",
	}, []string{"kind", "result"})

	matrixPartialFills = promauto.NewCounter(prometheus.CounterOpts{
		Name: "distance_matrix_partial_fills_total",
		Help: "Matrix requests that returned with unresolved pairs",
	})

	cacheWriteFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "distance_cache_write_failures_total",
		Help: "Best-effort cache writes that failed and were dropped",
	})
)

func recordCacheLookup(layer string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	cacheLookupsTotal.WithLabelValues(layer, result).Inc()
}

func recordProviderCall(kind string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	providerCallsTotal.WithLabelValues(kind, result).Inc()
}
