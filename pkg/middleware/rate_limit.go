package middleware

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/courierflow/dispatch/pkg/common"
	"github.com/courierflow/dispatch/pkg/config"
	"github.com/courierflow/dispatch/pkg/logger"
	"github.com/courierflow/dispatch/pkg/ratelimit"
)

// RateLimiter is the slice of the token bucket the middleware consumes.
// *ratelimit.Limiter satisfies it.
type RateLimiter interface {
	RuleFor(endpoint string, identityType ratelimit.IdentityType) ratelimit.Rule
	Allow(ctx context.Context, endpoint, identity string, rule ratelimit.Rule, identityType ratelimit.IdentityType) (ratelimit.Result, error)
}

// Named bucket resources. Offer responses share one bucket so a driver
// cannot double its budget by alternating accept and reject; location
// updates get their own because drivers stream them at a much higher
// rate than anything else. Config overrides target these names directly.
const (
	ResourceOfferResponse  = "offer-response"
	ResourceLocationUpdate = "location-update"
)

// resourceKey names the bucket a request draws from: a shared domain
// resource where one exists, otherwise method:route.
func resourceKey(c *gin.Context) string {
	path := c.FullPath()
	if path == "" {
		path = c.Request.URL.Path
	}
	switch path {
	case "/api/v1/drivers/assignments/:id/accept",
		"/api/v1/drivers/assignments/:id/reject":
		return ResourceOfferResponse
	case "/api/v1/drivers/:id/location":
		return ResourceLocationUpdate
	}
	return c.Request.Method + ":" + path
}

// requestIdentity keys the bucket to the authenticated driver when there
// is one, and to the client IP otherwise.
func requestIdentity(c *gin.Context) (ratelimit.IdentityType, string) {
	if driverID, err := GetDriverID(c); err == nil && driverID != uuid.Nil {
		return ratelimit.IdentityAuthenticated, driverID.String()
	}
	identity := c.ClientIP()
	if identity == "" {
		identity = "unknown"
	}
	return ratelimit.IdentityAnonymous, identity
}

// RateLimit enforces the Redis token bucket per resource and identity.
// Evaluation failures let traffic through: a Redis outage must not take
// offer responses down with it.
func RateLimit(limiter RateLimiter, cfg config.RateLimitConfig) gin.HandlerFunc {
	if limiter == nil || !cfg.Enabled {
		return func(c *gin.Context) {
			c.Next()
		}
	}

	return func(c *gin.Context) {
		if c.Request.Method == http.MethodOptions {
			c.Next()
			return
		}

		resource := resourceKey(c)
		identityType, identity := requestIdentity(c)

		rule := limiter.RuleFor(resource, identityType)
		if rule.Limit <= 0 {
			c.Next()
			return
		}

		result, err := limiter.Allow(c.Request.Context(), resource, identity, rule, identityType)
		if err != nil {
			logger.WarnContext(c.Request.Context(), "rate limit evaluation failed",
				zap.String("resource", resource),
				zap.String("identity", identity),
				zap.Error(err),
			)
			c.Next()
			return
		}

		writeRateHeaders(c, resource, result)

		if result.Allowed {
			c.Next()
			return
		}

		retrySeconds := ceilSeconds(result.RetryAfter)
		if retrySeconds <= 0 {
			retrySeconds = 1
		}
		c.Header("Retry-After", strconv.Itoa(retrySeconds))

		logger.WarnContext(c.Request.Context(), "rate limit exceeded",
			zap.String("resource", resource),
			zap.String("identity", identity),
			zap.Int("retry_after_seconds", retrySeconds),
		)

		common.ErrorResponse(c, http.StatusTooManyRequests, "rate limit exceeded")
		c.Abort()
	}
}

func writeRateHeaders(c *gin.Context, resource string, result ratelimit.Result) {
	c.Header("X-RateLimit-Limit", strconv.Itoa(result.Limit))

	remaining := result.Remaining
	if remaining < 0 {
		remaining = 0
	}
	c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))

	c.Header("X-RateLimit-Reset", strconv.Itoa(ceilSeconds(result.ResetAfter)))
	c.Header("X-RateLimit-Resource", resource)
}

func ceilSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int((d + time.Second - 1) / time.Second)
}
