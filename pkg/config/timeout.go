package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Default timeout values in seconds.
const (
	DefaultHTTPClientTimeout          = 30
	DefaultDatabaseQueryTimeout       = 10
	DefaultRedisOperationTimeout      = 5
	DefaultRedisReadTimeout           = 3
	DefaultRedisWriteTimeout          = 3
	DefaultWebSocketConnectionTimeout = 60
	DefaultRequestTimeout             = 30
)

// Maximum allowed timeout values in seconds. Anything above these is a
// misconfiguration and rejected at load time.
const (
	maxHTTPClientTimeout          = 300
	maxDatabaseQueryTimeout       = 120
	maxRedisTimeout               = 60
	maxWebSocketConnectionTimeout = 600
	maxRequestTimeout             = 300
)

// TimeoutConfig centralises every request/IO timeout used by the services.
// Values are whole seconds; the *Duration methods convert.
type TimeoutConfig struct {
	HTTPClientTimeout          int
	DatabaseQueryTimeout       int
	RedisOperationTimeout      int
	RedisReadTimeout           int
	RedisWriteTimeout          int
	WebSocketConnectionTimeout int
	DefaultRequestTimeout      int
	RouteOverrides             map[string]int // "METHOD:/path" -> seconds
}

func loadTimeoutConfig() (TimeoutConfig, error) {
	cfg := TimeoutConfig{
		HTTPClientTimeout:          getEnvAsInt("HTTP_CLIENT_TIMEOUT", DefaultHTTPClientTimeout),
		DatabaseQueryTimeout:       getEnvAsInt("DB_QUERY_TIMEOUT", DefaultDatabaseQueryTimeout),
		RedisOperationTimeout:      getEnvAsInt("REDIS_OPERATION_TIMEOUT", DefaultRedisOperationTimeout),
		RedisReadTimeout:           getEnvAsInt("REDIS_READ_TIMEOUT", DefaultRedisReadTimeout),
		RedisWriteTimeout:          getEnvAsInt("REDIS_WRITE_TIMEOUT", DefaultRedisWriteTimeout),
		WebSocketConnectionTimeout: getEnvAsInt("WS_CONNECTION_TIMEOUT", DefaultWebSocketConnectionTimeout),
		DefaultRequestTimeout:      getEnvAsInt("DEFAULT_REQUEST_TIMEOUT", DefaultRequestTimeout),
	}

	checks := []struct {
		name  string
		value int
		max   int
	}{
		{"HTTP_CLIENT_TIMEOUT", cfg.HTTPClientTimeout, maxHTTPClientTimeout},
		{"DB_QUERY_TIMEOUT", cfg.DatabaseQueryTimeout, maxDatabaseQueryTimeout},
		{"REDIS_OPERATION_TIMEOUT", cfg.RedisOperationTimeout, maxRedisTimeout},
		{"REDIS_READ_TIMEOUT", cfg.RedisReadTimeout, maxRedisTimeout},
		{"REDIS_WRITE_TIMEOUT", cfg.RedisWriteTimeout, maxRedisTimeout},
		{"WS_CONNECTION_TIMEOUT", cfg.WebSocketConnectionTimeout, maxWebSocketConnectionTimeout},
		{"DEFAULT_REQUEST_TIMEOUT", cfg.DefaultRequestTimeout, maxRequestTimeout},
	}
	for _, check := range checks {
		if check.value > check.max {
			return TimeoutConfig{}, fmt.Errorf("%s value %d exceeds maximum of %d seconds", check.name, check.value, check.max)
		}
	}

	if raw := getEnv("ROUTE_TIMEOUT_OVERRIDES", ""); raw != "" {
		var overrides map[string]int
		if err := json.Unmarshal([]byte(raw), &overrides); err != nil {
			return TimeoutConfig{}, fmt.Errorf("invalid ROUTE_TIMEOUT_OVERRIDES value: %w", err)
		}
		cfg.RouteOverrides = make(map[string]int, len(overrides))
		for route, seconds := range overrides {
			if seconds <= 0 {
				continue
			}
			if seconds > maxRequestTimeout {
				return TimeoutConfig{}, fmt.Errorf("route timeout for %s value %d exceeds maximum of %d seconds", route, seconds, maxRequestTimeout)
			}
			cfg.RouteOverrides[route] = seconds
		}
	}

	return cfg, nil
}

// HTTPClientTimeoutDuration returns the outbound HTTP client timeout.
func (c TimeoutConfig) HTTPClientTimeoutDuration() time.Duration {
	return time.Duration(c.HTTPClientTimeout) * time.Second
}

// DatabaseQueryTimeoutDuration returns the per-query database timeout.
func (c TimeoutConfig) DatabaseQueryTimeoutDuration() time.Duration {
	return time.Duration(c.DatabaseQueryTimeout) * time.Second
}

// RedisOperationTimeoutDuration returns the general Redis operation timeout.
func (c TimeoutConfig) RedisOperationTimeoutDuration() time.Duration {
	return time.Duration(c.RedisOperationTimeout) * time.Second
}

// RedisReadTimeoutDuration returns the Redis read timeout, falling back to
// the general operation timeout when unset.
func (c TimeoutConfig) RedisReadTimeoutDuration() time.Duration {
	if c.RedisReadTimeout <= 0 {
		return c.RedisOperationTimeoutDuration()
	}
	return time.Duration(c.RedisReadTimeout) * time.Second
}

// RedisWriteTimeoutDuration returns the Redis write timeout, falling back to
// the general operation timeout when unset.
func (c TimeoutConfig) RedisWriteTimeoutDuration() time.Duration {
	if c.RedisWriteTimeout <= 0 {
		return c.RedisOperationTimeoutDuration()
	}
	return time.Duration(c.RedisWriteTimeout) * time.Second
}

// WebSocketConnectionTimeoutDuration returns the WebSocket handshake timeout.
func (c TimeoutConfig) WebSocketConnectionTimeoutDuration() time.Duration {
	return time.Duration(c.WebSocketConnectionTimeout) * time.Second
}

// DefaultRequestTimeoutDuration returns the default inbound request timeout.
func (c TimeoutConfig) DefaultRequestTimeoutDuration() time.Duration {
	return time.Duration(c.DefaultRequestTimeout) * time.Second
}

// TimeoutForRoute returns the effective timeout for a method+path pair,
// honouring per-route overrides.
func (c TimeoutConfig) TimeoutForRoute(method, path string) time.Duration {
	if c.RouteOverrides != nil {
		if seconds, ok := c.RouteOverrides[method+":"+path]; ok && seconds > 0 {
			return time.Duration(seconds) * time.Second
		}
	}
	return c.DefaultRequestTimeoutDuration()
}

// Default duration helpers for callers that have no Config at hand.
func DefaultHTTPClientTimeoutDuration() time.Duration {
	return time.Duration(DefaultHTTPClientTimeout) * time.Second
}

func DefaultRedisReadTimeoutDuration() time.Duration {
	return time.Duration(DefaultRedisReadTimeout) * time.Second
}

func DefaultRedisWriteTimeoutDuration() time.Duration {
	return time.Duration(DefaultRedisWriteTimeout) * time.Second
}
