package health

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Checker probes one dependency. A nil return means healthy. The probe
// handlers in pkg/common accept these directly.
type Checker func() error

// PoolChecker probes a database pool through its Ping method.
func PoolChecker(pool Pinger, timeout time.Duration) Checker {
	return func() error {
		if pool == nil {
			return fmt.Errorf("database pool not configured")
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := pool.Ping(ctx); err != nil {
			return fmt.Errorf("database ping: %w", err)
		}
		return nil
	}
}

// RedisChecker probes a Redis connection.
func RedisChecker(client *redis.Client, timeout time.Duration) Checker {
	return func() error {
		if client == nil {
			return fmt.Errorf("redis client not configured")
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		return nil
	}
}

// HTTPEndpointChecker probes an external HTTP dependency, such as the
// routing provider. Redirects are not followed; any response below 400
// counts as healthy.
func HTTPEndpointChecker(url string, timeout time.Duration) Checker {
	client := &http.Client{
		Timeout: timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	return func() error {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return fmt.Errorf("build probe request: %w", err)
		}
		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("probe %s: %w", url, err)
		}
		resp.Body.Close()

		if resp.StatusCode >= 400 {
			return fmt.Errorf("probe %s: status %d", url, resp.StatusCode)
		}
		return nil
	}
}

// CompositeChecker folds several checkers into one, failing on the first
// member that fails and naming it in the error.
func CompositeChecker(group string, members map[string]Checker) Checker {
	return func() error {
		for name, member := range members {
			if err := member(); err != nil {
				return fmt.Errorf("%s.%s: %w", group, name, err)
			}
		}
		return nil
	}
}

// AsyncChecker bounds a checker's runtime. The underlying check keeps
// running after the deadline; only the wait is cut short.
func AsyncChecker(check Checker, limit time.Duration) Checker {
	return func() error {
		done := make(chan error, 1)
		go func() { done <- check() }()

		select {
		case err := <-done:
			return err
		case <-time.After(limit):
			return fmt.Errorf("health check exceeded %v", limit)
		}
	}
}

// CachedChecker reuses a check result for a TTL so scraped probe
// endpoints cannot hammer an expensive dependency. Safe for concurrent
// use.
type CachedChecker struct {
	check Checker
	ttl   time.Duration

	mu      sync.Mutex
	lastErr error
	lastRun time.Time
}

func NewCachedChecker(check Checker, ttl time.Duration) *CachedChecker {
	return &CachedChecker{check: check, ttl: ttl}
}

// Check runs the underlying check, or returns the cached result while it
// is fresh.
func (c *CachedChecker) Check() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.lastRun.IsZero() && time.Since(c.lastRun) < c.ttl {
		return c.lastErr
	}
	c.lastErr = c.check()
	c.lastRun = time.Now()
	return c.lastErr
}
