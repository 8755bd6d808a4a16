package redis

import (
	"context"
	"time"
)

// ClientInterface is the slice of the Redis client the services depend
// on, so tests can substitute a mock.
type ClientInterface interface {
	SetWithExpiration(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	GetString(ctx context.Context, key string) (string, error)
	MGetStrings(ctx context.Context, keys ...string) ([]string, error)
	Delete(ctx context.Context, keys ...string) error

	GeoAdd(ctx context.Context, key string, longitude, latitude float64, member string) error
	GeoRadius(ctx context.Context, key string, longitude, latitude, radiusKm float64, count int) ([]string, error)
	GeoRemove(ctx context.Context, key string, member string) error

	Close() error
}

var _ ClientInterface = (*Client)(nil)
