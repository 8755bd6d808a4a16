package redis

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/courierflow/dispatch/pkg/resilience"
)

// retryConfig keeps the whole retry budget under a second so cache
// lookups degrade to the backing store instead of stalling requests.
func retryConfig() resilience.RetryConfig {
	cfg := resilience.DefaultRetryConfig()
	cfg.MaxAttempts = 3
	cfg.InitialBackoff = 50 * time.Millisecond
	cfg.MaxBackoff = time.Second
	cfg.RetryableChecker = IsRedisRetryable
	return cfg
}

// RetryableOperation runs op under the Redis retry policy, recording
// attempts under name.
func RetryableOperation[T any](ctx context.Context, name string, op func(context.Context) (T, error)) (T, error) {
	result, err := resilience.RetryWithName(ctx, retryConfig(), func(ctx context.Context) (interface{}, error) {
		return op(ctx)
	}, name)
	if err != nil {
		var zero T
		return zero, err
	}
	v, _ := result.(T)
	return v, nil
}

// RetryableSet writes a key with a TTL, retrying transient failures.
func (c *Client) RetryableSet(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	_, err := RetryableOperation(ctx, "redis.set", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.SetWithExpiration(ctx, key, value, ttl)
	})
	return err
}

// RetryableGet reads a key, retrying transient failures. A missing key
// still surfaces redis.Nil immediately.
func (c *Client) RetryableGet(ctx context.Context, key string) (string, error) {
	return RetryableOperation(ctx, "redis.get", func(ctx context.Context) (string, error) {
		return c.GetString(ctx, key)
	})
}

// RetryableDelete removes keys, retrying transient failures.
func (c *Client) RetryableDelete(ctx context.Context, keys ...string) error {
	_, err := RetryableOperation(ctx, "redis.del", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.Delete(ctx, keys...)
	})
	return err
}

// transientFragments mark connection-level trouble and cluster
// redirections that a fresh attempt can outlive.
var transientFragments = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"no such host",
	"network is unreachable",
	"timeout",
	"server closed",
	"unexpected eof",
	"loading",
	"readonly",
	"clusterdown",
	"tryagain",
	"moved",
	"ask",
}

// permanentFragments mark command or auth errors a retry cannot fix.
var permanentFragments = []string{
	"wrongtype",
	"err syntax",
	"err invalid",
	"noauth",
	"wrongpass",
	"noperm",
	"execabort",
}

// IsRedisRetryable classifies a Redis error as transient or permanent.
// Context errors and redis.Nil never retry; unknown errors do, since for
// a cache a wasted attempt is cheaper than a spurious miss.
func IsRedisRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, redis.Nil) {
		return false
	}

	msg := strings.ToLower(err.Error())
	for _, fragment := range transientFragments {
		if strings.Contains(msg, fragment) {
			return true
		}
	}
	for _, fragment := range permanentFragments {
		if strings.Contains(msg, fragment) {
			return false
		}
	}
	return true
}
