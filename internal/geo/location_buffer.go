package geo

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/courierflow/dispatch/pkg/logger"
	redisClient "github.com/courierflow/dispatch/pkg/redis"
)

// LocationUpdate is one position fix waiting to be written.
type LocationUpdate struct {
	DriverID  uuid.UUID
	Latitude  float64
	Longitude float64
	Heading   float64
	SpeedKmh  float64
	H3Cell    string
	Timestamp time.Time
}

// LocationBufferConfig configures the write-behind location pipeline.
type LocationBufferConfig struct {
	// FlushInterval bounds how stale the live index may get.
	FlushInterval time.Duration
	// MaxPending triggers an early flush once this many drivers have
	// an update waiting.
	MaxPending int
}

// DefaultLocationBufferConfig returns sensible defaults.
func DefaultLocationBufferConfig() LocationBufferConfig {
	return LocationBufferConfig{
		FlushInterval: 500 * time.Millisecond,
		MaxPending:    100,
	}
}

// LocationBuffer coalesces driver position fixes and writes them to Redis
// in batches. Only the newest fix per driver survives a flush window, so a
// chatty driver app costs one write per interval instead of one per fix.
type LocationBuffer struct {
	redis redisClient.ClientInterface
	cfg   LocationBufferConfig

	mu      sync.Mutex
	pending map[uuid.UUID]LocationUpdate
	stopped bool

	flushCh chan struct{}
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewLocationBuffer creates a buffer and starts its flush loop.
func NewLocationBuffer(redis redisClient.ClientInterface, cfg LocationBufferConfig) *LocationBuffer {
	lb := &LocationBuffer{
		redis:   redis,
		cfg:     cfg,
		pending: make(map[uuid.UUID]LocationUpdate, cfg.MaxPending),
		flushCh: make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	go lb.run()
	return lb
}

// Enqueue records a fix, replacing any older pending fix for the same
// driver. A full buffer nudges the flush loop instead of blocking.
func (lb *LocationBuffer) Enqueue(update LocationUpdate) {
	lb.mu.Lock()
	if prev, ok := lb.pending[update.DriverID]; !ok || update.Timestamp.After(prev.Timestamp) {
		lb.pending[update.DriverID] = update
	}
	full := len(lb.pending) >= lb.cfg.MaxPending
	lb.mu.Unlock()

	if full {
		select {
		case lb.flushCh <- struct{}{}:
		default:
		}
	}
}

// Stop ends the flush loop, draining whatever is still pending.
func (lb *LocationBuffer) Stop() {
	lb.mu.Lock()
	if lb.stopped {
		lb.mu.Unlock()
		return
	}
	lb.stopped = true
	lb.mu.Unlock()

	close(lb.stopCh)
	<-lb.doneCh
}

func (lb *LocationBuffer) run() {
	defer close(lb.doneCh)

	ticker := time.NewTicker(lb.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			lb.flush()
		case <-lb.flushCh:
			lb.flush()
		case <-lb.stopCh:
			lb.flush()
			return
		}
	}
}

func (lb *LocationBuffer) flush() {
	lb.mu.Lock()
	if len(lb.pending) == 0 {
		lb.mu.Unlock()
		return
	}
	batch := lb.pending
	lb.pending = make(map[uuid.UUID]LocationUpdate, lb.cfg.MaxPending)
	lb.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	for _, u := range batch {
		lb.writeLocation(ctx, u)
	}

	logger.Debug("location buffer flushed", zap.Int("drivers", len(batch)))
}

func (lb *LocationBuffer) writeLocation(ctx context.Context, u LocationUpdate) {
	data, err := json.Marshal(&DriverLocation{
		DriverID:  u.DriverID,
		Latitude:  u.Latitude,
		Longitude: u.Longitude,
		H3Cell:    u.H3Cell,
		Heading:   u.Heading,
		SpeedKmh:  u.SpeedKmh,
		Timestamp: u.Timestamp,
	})
	if err != nil {
		logger.Warn("failed to marshal buffered location", zap.Error(err))
		return
	}

	driverIDStr := u.DriverID.String()

	key := driverLocationPrefix + driverIDStr
	if err := lb.redis.SetWithExpiration(ctx, key, data, driverLocationTTL); err != nil {
		logger.Warn("failed to write buffered location",
			zap.String("driver_id", driverIDStr), zap.Error(err))
		return
	}

	if err := lb.redis.GeoAdd(ctx, driverGeoIndexKey, u.Longitude, u.Latitude, driverIDStr); err != nil {
		logger.Warn("failed to update geo index",
			zap.String("driver_id", driverIDStr), zap.Error(err))
	}

	// Move the driver's cell tag when the fix crossed a cell boundary.
	prevCellKey := driverCellPrefix + driverIDStr
	if prevCell, err := lb.redis.GetString(ctx, prevCellKey); err == nil && prevCell != "" && prevCell != u.H3Cell {
		lb.redis.Delete(ctx, fmt.Sprintf("%s%s:%s", h3CellDriversPrefix, prevCell, driverIDStr))
	}
	lb.redis.SetWithExpiration(ctx, prevCellKey, []byte(u.H3Cell), driverLocationTTL)
	lb.redis.SetWithExpiration(ctx, fmt.Sprintf("%s%s:%s", h3CellDriversPrefix, u.H3Cell, driverIDStr), []byte(driverIDStr), h3CellDriversTTL)
}
