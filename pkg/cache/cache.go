package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/courierflow/dispatch/pkg/logger"
	redisclient "github.com/courierflow/dispatch/pkg/redis"
)

// writeBehindTimeout bounds the background cache fill after a miss.
const writeBehindTimeout = 5 * time.Second

// Manager fronts Redis with JSON serialization for read-through
// caching. All round trips go through the retrying client calls, so a
// flaky connection costs latency rather than a miss.
type Manager struct {
	redis *redisclient.Client
}

// NewManager creates a cache manager over an established Redis client.
func NewManager(redis *redisclient.Client) *Manager {
	return &Manager{redis: redis}
}

// Get reads a key and unmarshals it into result. A missing key surfaces
// redis.Nil.
func (m *Manager) Get(ctx context.Context, key string, result interface{}) error {
	data, err := m.redis.RetryableGet(ctx, key)
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(data), result)
}

// Set marshals value and writes it under key with a TTL.
func (m *Manager) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal cache value: %w", err)
	}
	return m.redis.RetryableSet(ctx, key, string(data), ttl)
}

// GetOrSet reads key into result, falling back to load on a miss. The
// loaded value is filled into result synchronously and written back to
// Redis on a background goroutine, so a slow cache never delays the
// response it was meant to speed up.
func (m *Manager) GetOrSet(ctx context.Context, key string, ttl time.Duration, result interface{}, load func() (interface{}, error)) error {
	if err := m.Get(ctx, key, result); err == nil {
		return nil
	}

	value, err := load()
	if err != nil {
		return err
	}

	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal cache value: %w", err)
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), writeBehindTimeout)
		defer cancel()
		if err := m.redis.RetryableSet(ctx, key, string(payload), ttl); err != nil {
			logger.Warn("cache write-behind failed",
				zap.String("key", key),
				zap.Error(err),
			)
		}
	}()

	return json.Unmarshal(payload, result)
}

// Delete removes keys from the cache.
func (m *Manager) Delete(ctx context.Context, keys ...string) error {
	return m.redis.RetryableDelete(ctx, keys...)
}

// Invalidate removes every key matching pattern, walking the keyspace
// with SCAN to stay off Redis's single thread.
func (m *Manager) Invalidate(ctx context.Context, pattern string) error {
	var cursor uint64
	for {
		keys, next, err := m.redis.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return fmt.Errorf("scan %q: %w", pattern, err)
		}

		if len(keys) > 0 {
			if err := m.redis.RetryableDelete(ctx, keys...); err != nil {
				return fmt.Errorf("delete matches of %q: %w", pattern, err)
			}
		}

		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

// CacheKeys builds the shared key names, so every caller that touches a
// cached entity agrees on where it lives.
type CacheKeys struct{}

var Keys = CacheKeys{}

func (CacheKeys) Order(orderID string) string {
	return "order:" + orderID
}

func (CacheKeys) Driver(driverID string) string {
	return "driver:" + driverID
}

func (CacheKeys) DriverLocation(driverID string) string {
	return "driver:location:" + driverID
}

func (CacheKeys) DriverStatus(driverID string) string {
	return "driver:status:" + driverID
}

func (CacheKeys) DriverRoute(driverID string) string {
	return "driver:route:" + driverID
}

func (CacheKeys) DriverStats(driverID string) string {
	return "driver:stats:" + driverID
}

// NearbyDrivers quantises the point to six decimal places (about 11cm)
// so nearby lookups for the same spot share an entry.
func (CacheKeys) NearbyDrivers(latitude, longitude, radius float64) string {
	return fmt.Sprintf("nearby_drivers:%.6f:%.6f:%.1f", latitude, longitude, radius)
}

func (CacheKeys) OrderOffer(orderID, driverID string) string {
	return fmt.Sprintf("order_offer:%s:%s", orderID, driverID)
}

func (CacheKeys) PendingOrders() string {
	return "orders:pending"
}

func (CacheKeys) DraftSession(sessionID string) string {
	return "draft_session:" + sessionID
}

func (CacheKeys) MatchingCycleLock() string {
	return "matching:cycle:lock"
}

// CacheTTL groups the staleness bands. Pick the shortest band the data
// can stand; entities that change on driver action sit in Medium.
type CacheTTL struct{}

var TTL = CacheTTL{}

func (CacheTTL) Short() time.Duration    { return 5 * time.Minute }
func (CacheTTL) Medium() time.Duration   { return 15 * time.Minute }
func (CacheTTL) Long() time.Duration     { return time.Hour }
func (CacheTTL) VeryLong() time.Duration { return 24 * time.Hour }
