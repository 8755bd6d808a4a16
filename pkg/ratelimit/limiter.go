package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/courierflow/dispatch/pkg/config"
)

// IdentityType is the subject of a rate limit decision.
type IdentityType int

const (
	// IdentityAnonymous is unauthenticated traffic keyed by IP address.
	IdentityAnonymous IdentityType = iota
	// IdentityAuthenticated is a logged-in driver keyed by driver ID.
	IdentityAuthenticated
)

// Rule is the effective policy for one identity on one endpoint.
type Rule struct {
	Limit  int
	Burst  int
	Window time.Duration
}

// Result is the outcome of a rate limiting decision.
type Result struct {
	Allowed      bool
	Remaining    int
	RetryAfter   time.Duration
	Limit        int
	Window       time.Duration
	ResetAfter   time.Duration
	IdentityKey  string
	EndpointKey  string
	IdentityType IdentityType
}

// refillScript implements the token bucket atomically in Redis. Time is
// millisecond-denominated; the bucket state survives across calls in a
// hash with a TTL of two windows.
const refillScript = `
local bucket = KEYS[1]
local now = tonumber(ARGV[1])
local fill_rate = tonumber(ARGV[2])
local capacity = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local state = redis.call("HMGET", bucket, "tokens", "timestamp")
local tokens = tonumber(state[1])
local last = tonumber(state[2])

if tokens == nil then
    tokens = capacity
    last = now
elseif last == nil then
    last = now
elseif now > last then
    tokens = math.min(capacity, tokens + (now - last) * fill_rate)
    last = now
end

local allowed = 0
if tokens >= 1 then
    allowed = 1
    tokens = tokens - 1
end

redis.call("HMSET", bucket, "tokens", tokens, "timestamp", now)
redis.call("PEXPIRE", bucket, ttl)

local retry_after = 0
if allowed == 0 then
    retry_after = math.ceil((1 - tokens) / fill_rate)
end

return {allowed, tokens, retry_after}
`

// Limiter is a Redis-backed token bucket shared by every instance of the
// service.
type Limiter struct {
	client redis.Cmdable
	cfg    config.RateLimitConfig
	script *redis.Script
	now    func() time.Time
}

// NewLimiter creates a Limiter over the shared Redis client.
func NewLimiter(client redis.Cmdable, cfg config.RateLimitConfig) *Limiter {
	return &Limiter{
		client: client,
		cfg:    cfg,
		script: redis.NewScript(refillScript),
		now:    time.Now,
	}
}

// WithNow overrides the time source for tests.
func (l *Limiter) WithNow(now func() time.Time) {
	l.now = now
}

// RuleFor resolves the policy for an endpoint and identity type,
// applying any per-endpoint override on top of the defaults.
func (l *Limiter) RuleFor(endpoint string, identityType IdentityType) Rule {
	rule := Rule{
		Limit:  l.cfg.DefaultLimit,
		Burst:  l.cfg.DefaultBurst,
		Window: l.cfg.Window(),
	}
	if identityType == IdentityAnonymous {
		rule.Limit = l.cfg.AnonymousLimit
		rule.Burst = l.cfg.AnonymousBurst
	}

	if override, ok := l.cfg.EndpointOverrides[endpoint]; ok {
		if override.WindowSeconds > 0 {
			rule.Window = time.Duration(override.WindowSeconds) * time.Second
		}
		limit, burst := override.AuthenticatedLimit, override.AuthenticatedBurst
		if identityType == IdentityAnonymous {
			limit, burst = override.AnonymousLimit, override.AnonymousBurst
		}
		if limit > 0 {
			rule.Limit = limit
		}
		if burst >= 0 {
			rule.Burst = burst
		}
	}

	if rule.Burst < 0 {
		rule.Burst = 0
	}
	return rule
}

// bucket is the per-call parameter set handed to the Lua script.
type bucket struct {
	fillRate float64 // tokens per millisecond
	capacity float64
	ttl      int64 // milliseconds
}

func (r Rule) bucket(fallbackWindow time.Duration) bucket {
	window := r.Window
	if window <= 0 {
		window = fallbackWindow
	}
	windowMillis := window.Milliseconds()
	if windowMillis <= 0 {
		windowMillis = time.Minute.Milliseconds()
	}

	b := bucket{
		fillRate: float64(r.Limit) / float64(windowMillis),
		capacity: float64(r.Limit + r.Burst),
		ttl:      windowMillis * 2,
	}
	if b.fillRate <= 0 {
		b.fillRate = 1.0 / float64(windowMillis)
	}
	if b.capacity < 1 {
		b.capacity = math.Max(float64(r.Limit), 1)
	}
	return b
}

// Allow spends one token for the identity on the endpoint. A disabled
// limiter or a zero limit always allows.
func (l *Limiter) Allow(ctx context.Context, endpointKey, identityKey string, rule Rule, identityType IdentityType) (Result, error) {
	result := Result{
		Allowed:      true,
		Remaining:    rule.Limit,
		Limit:        rule.Limit,
		Window:       rule.Window,
		IdentityKey:  identityKey,
		EndpointKey:  endpointKey,
		IdentityType: identityType,
	}
	if !l.cfg.Enabled || rule.Limit <= 0 {
		return result, nil
	}

	b := rule.bucket(l.cfg.Window())
	key := fmt.Sprintf("%s:%s:%s", l.cfg.RedisPrefix, endpointKey, identityKey)

	raw, err := l.script.Run(ctx, l.client, []string{key},
		l.now().UnixMilli(), formatFloat(b.fillRate), formatFloat(b.capacity), b.ttl).Result()
	if err != nil {
		return Result{}, err
	}

	values, ok := raw.([]interface{})
	if !ok || len(values) != 3 {
		return Result{}, errors.New("unexpected script response")
	}

	tokens := toFloat(values[1])
	retryAfter := time.Duration(toInt(values[2])) * time.Millisecond

	result.Allowed = toInt(values[0]) == 1
	result.Remaining = int(math.Max(0, math.Floor(tokens)))
	if result.Allowed {
		// Time until the bucket is full again.
		missing := math.Max(0, b.capacity-tokens)
		result.ResetAfter = time.Duration(math.Ceil(missing/b.fillRate)) * time.Millisecond
	} else {
		result.RetryAfter = retryAfter
		result.ResetAfter = retryAfter
	}
	return result, nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', 10, 64)
}

func toInt(value interface{}) int {
	switch v := value.(type) {
	case int64:
		return int(v)
	case int:
		return v
	case string:
		i, _ := strconv.Atoi(v)
		return i
	case float64:
		return int(v)
	default:
		return 0
	}
}

func toFloat(value interface{}) float64 {
	switch v := value.(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	case int:
		return float64(v)
	case string:
		f, _ := strconv.ParseFloat(v, 64)
		return f
	default:
		return 0
	}
}
