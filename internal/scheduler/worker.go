package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/courierflow/dispatch/pkg/logger"
)

const (
	// Expired distance-cache rows are dead weight for the grid lookups.
	cacheSweepInterval = 1 * time.Hour
	// Location history backs the route view's fallback read and nothing
	// older; a month is generous.
	locationSweepInterval = 6 * time.Hour
	locationRetention     = 30 * 24 * time.Hour
)

// DistanceCache is the slice of the distance store the worker maintains.
type DistanceCache interface {
	DeleteExpired(ctx context.Context) (int64, error)
}

// LocationHistory is the slice of the driver store the worker maintains.
type LocationHistory interface {
	DeleteLocationsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Worker runs periodic storage maintenance: pruning expired distance-cache
// rows and trimming the driver location history. Both sweeps are idempotent
// and best-effort; a failed sweep logs and waits for the next tick.
type Worker struct {
	cache     DistanceCache
	locations LocationHistory

	cacheInterval    time.Duration
	locationInterval time.Duration
	retention        time.Duration
	now              func() time.Time
}

// NewWorker creates a maintenance worker with the default sweep cadence.
func NewWorker(cache DistanceCache, locations LocationHistory) *Worker {
	return &Worker{
		cache:            cache,
		locations:        locations,
		cacheInterval:    cacheSweepInterval,
		locationInterval: locationSweepInterval,
		retention:        locationRetention,
		now:              time.Now,
	}
}

// Run blocks until ctx is cancelled, firing the sweeps on their intervals.
func (w *Worker) Run(ctx context.Context) {
	cacheTicker := time.NewTicker(w.cacheInterval)
	defer cacheTicker.Stop()
	locationTicker := time.NewTicker(w.locationInterval)
	defer locationTicker.Stop()

	logger.InfoContext(ctx, "storage maintenance worker started",
		zap.Duration("cache_sweep_interval", w.cacheInterval),
		zap.Duration("location_sweep_interval", w.locationInterval))

	for {
		select {
		case <-ctx.Done():
			logger.InfoContext(ctx, "storage maintenance worker stopped")
			return
		case <-cacheTicker.C:
			w.sweepCache(ctx)
		case <-locationTicker.C:
			w.sweepLocations(ctx)
		}
	}
}

func (w *Worker) sweepCache(ctx context.Context) {
	removed, err := w.cache.DeleteExpired(ctx)
	if err != nil {
		logger.ErrorContext(ctx, "distance cache sweep failed", zap.Error(err))
		return
	}
	if removed > 0 {
		logger.InfoContext(ctx, "pruned expired distance cache entries",
			zap.Int64("removed", removed))
	}
}

func (w *Worker) sweepLocations(ctx context.Context) {
	cutoff := w.now().Add(-w.retention)
	removed, err := w.locations.DeleteLocationsBefore(ctx, cutoff)
	if err != nil {
		logger.ErrorContext(ctx, "driver location history sweep failed", zap.Error(err))
		return
	}
	if removed > 0 {
		logger.InfoContext(ctx, "trimmed driver location history",
			zap.Int64("removed", removed),
			zap.Time("cutoff", cutoff))
	}
}
