package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/courierflow/dispatch/pkg/config"
)

// Client wraps go-redis with the small typed surface the dispatch
// services use. The embedded client stays reachable for health probes
// and rate limiting.
type Client struct {
	*redis.Client
}

// NewRedisClient connects and verifies the connection with a ping.
func NewRedisClient(cfg *config.RedisConfig) (*Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis at %s: %w", cfg.RedisAddr(), err)
	}

	return &Client{Client: client}, nil
}

// SetWithExpiration writes a key that expires after ttl.
func (c *Client) SetWithExpiration(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	return c.Set(ctx, key, value, ttl).Err()
}

// GetString reads a key as a string. Missing keys surface redis.Nil.
func (c *Client) GetString(ctx context.Context, key string) (string, error) {
	return c.Get(ctx, key).Result()
}

// MGetStrings fetches several keys in one round trip. Missing keys come
// back as empty strings at their position.
func (c *Client) MGetStrings(ctx context.Context, keys ...string) ([]string, error) {
	values, err := c.Client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	out := make([]string, len(values))
	for i, v := range values {
		if s, ok := v.(string); ok {
			out[i] = s
		}
	}
	return out, nil
}

// Delete removes one or more keys.
func (c *Client) Delete(ctx context.Context, keys ...string) error {
	return c.Del(ctx, keys...).Err()
}

// GeoAdd upserts a member's position in a geospatial index.
func (c *Client) GeoAdd(ctx context.Context, key string, longitude, latitude float64, member string) error {
	return c.Client.GeoAdd(ctx, key, &redis.GeoLocation{
		Longitude: longitude,
		Latitude:  latitude,
		Name:      member,
	}).Err()
}

// GeoRadius returns up to count members within radiusKm of the point,
// nearest first.
func (c *Client) GeoRadius(ctx context.Context, key string, longitude, latitude, radiusKm float64, count int) ([]string, error) {
	locations, err := c.Client.GeoRadius(ctx, key, longitude, latitude, &redis.GeoRadiusQuery{
		Radius: radiusKm,
		Unit:   "km",
		Count:  count,
		Sort:   "ASC",
	}).Result()
	if err != nil {
		return nil, err
	}

	members := make([]string, 0, len(locations))
	for _, loc := range locations {
		members = append(members, loc.Name)
	}
	return members, nil
}

// GeoRemove drops a member from a geospatial index. GEO keys are sorted
// sets underneath, so ZREM is the removal primitive.
func (c *Client) GeoRemove(ctx context.Context, key string, member string) error {
	return c.ZRem(ctx, key, member).Err()
}

// Close releases the connection pool.
func (c *Client) Close() error {
	return c.Client.Close()
}
