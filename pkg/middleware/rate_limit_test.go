package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/courierflow/dispatch/pkg/config"
	"github.com/courierflow/dispatch/pkg/ratelimit"
)

type allowCall struct {
	endpoint     string
	identity     string
	identityType ratelimit.IdentityType
}

type stubLimiter struct {
	rule   ratelimit.Rule
	result ratelimit.Result
	err    error
	calls  []allowCall
}

func (s *stubLimiter) RuleFor(string, ratelimit.IdentityType) ratelimit.Rule {
	return s.rule
}

func (s *stubLimiter) Allow(_ context.Context, endpoint, identity string, _ ratelimit.Rule, identityType ratelimit.IdentityType) (ratelimit.Result, error) {
	s.calls = append(s.calls, allowCall{endpoint: endpoint, identity: identity, identityType: identityType})
	return s.result, s.err
}

func allowingLimiter() *stubLimiter {
	return &stubLimiter{
		rule: ratelimit.Rule{Limit: 10, Burst: 10, Window: time.Minute},
		result: ratelimit.Result{
			Allowed:    true,
			Remaining:  9,
			Limit:      10,
			ResetAfter: 30 * time.Second,
		},
	}
}

func rateLimitRouter(limiter RateLimiter, driverID uuid.UUID) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	if driverID != uuid.Nil {
		r.Use(func(c *gin.Context) {
			c.Set(ctxDriverID, driverID)
		})
	}
	r.Use(RateLimit(limiter, config.RateLimitConfig{Enabled: true}))
	ok := func(c *gin.Context) { c.Status(http.StatusOK) }
	r.POST("/api/v1/drivers/assignments/:id/accept", ok)
	r.POST("/api/v1/drivers/assignments/:id/reject", ok)
	r.PUT("/api/v1/drivers/:id/location", ok)
	r.GET("/api/v1/orders", ok)
	r.OPTIONS("/api/v1/orders", ok)
	return r
}

func hit(r *gin.Engine, method, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRateLimit(t *testing.T) {
	driverID := uuid.New()
	assignmentID := uuid.New()

	t.Run("accept and reject drain the same offer-response bucket", func(t *testing.T) {
		limiter := allowingLimiter()
		r := rateLimitRouter(limiter, driverID)

		hit(r, http.MethodPost, "/api/v1/drivers/assignments/"+assignmentID.String()+"/accept")
		hit(r, http.MethodPost, "/api/v1/drivers/assignments/"+assignmentID.String()+"/reject")

		require.Len(t, limiter.calls, 2)
		for _, call := range limiter.calls {
			assert.Equal(t, ResourceOfferResponse, call.endpoint)
			assert.Equal(t, driverID.String(), call.identity)
			assert.Equal(t, ratelimit.IdentityAuthenticated, call.identityType)
		}
	})

	t.Run("location updates get their own bucket", func(t *testing.T) {
		limiter := allowingLimiter()
		r := rateLimitRouter(limiter, driverID)

		hit(r, http.MethodPut, "/api/v1/drivers/"+driverID.String()+"/location")

		require.Len(t, limiter.calls, 1)
		assert.Equal(t, ResourceLocationUpdate, limiter.calls[0].endpoint)
	})

	t.Run("unauthenticated traffic is keyed by IP and route", func(t *testing.T) {
		limiter := allowingLimiter()
		r := rateLimitRouter(limiter, uuid.Nil)

		hit(r, http.MethodGet, "/api/v1/orders")

		require.Len(t, limiter.calls, 1)
		assert.Equal(t, "GET:/api/v1/orders", limiter.calls[0].endpoint)
		assert.Equal(t, ratelimit.IdentityAnonymous, limiter.calls[0].identityType)
		assert.NotEmpty(t, limiter.calls[0].identity)
	})

	t.Run("allowed requests carry the quota headers", func(t *testing.T) {
		limiter := allowingLimiter()
		r := rateLimitRouter(limiter, driverID)

		w := hit(r, http.MethodGet, "/api/v1/orders")

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "10", w.Header().Get("X-RateLimit-Limit"))
		assert.Equal(t, "9", w.Header().Get("X-RateLimit-Remaining"))
		assert.Equal(t, "30", w.Header().Get("X-RateLimit-Reset"))
		assert.Equal(t, "GET:/api/v1/orders", w.Header().Get("X-RateLimit-Resource"))
	})

	t.Run("an empty bucket turns the request away with a retry hint", func(t *testing.T) {
		limiter := allowingLimiter()
		limiter.result = ratelimit.Result{
			Allowed:    false,
			Remaining:  0,
			Limit:      10,
			RetryAfter: 2500 * time.Millisecond,
			ResetAfter: 2500 * time.Millisecond,
		}
		r := rateLimitRouter(limiter, driverID)

		w := hit(r, http.MethodPost, "/api/v1/drivers/assignments/"+assignmentID.String()+"/accept")

		assert.Equal(t, http.StatusTooManyRequests, w.Code)
		assert.Equal(t, "3", w.Header().Get("Retry-After"))
		assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
	})

	t.Run("limiter failure fails open", func(t *testing.T) {
		limiter := allowingLimiter()
		limiter.err = errors.New("redis: connection refused")
		r := rateLimitRouter(limiter, driverID)

		w := hit(r, http.MethodGet, "/api/v1/orders")

		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("zero-limit rule skips the bucket entirely", func(t *testing.T) {
		limiter := allowingLimiter()
		limiter.rule.Limit = 0
		r := rateLimitRouter(limiter, driverID)

		w := hit(r, http.MethodGet, "/api/v1/orders")

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Empty(t, limiter.calls)
	})

	t.Run("preflight requests are never counted", func(t *testing.T) {
		limiter := allowingLimiter()
		r := rateLimitRouter(limiter, uuid.Nil)

		w := hit(r, http.MethodOptions, "/api/v1/orders")

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Empty(t, limiter.calls)
	})

	t.Run("disabled config is a no-op", func(t *testing.T) {
		limiter := allowingLimiter()
		gin.SetMode(gin.TestMode)
		r := gin.New()
		r.Use(RateLimit(limiter, config.RateLimitConfig{Enabled: false}))
		r.GET("/api/v1/orders", func(c *gin.Context) { c.Status(http.StatusOK) })

		w := hit(r, http.MethodGet, "/api/v1/orders")

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Empty(t, limiter.calls)
	})
}
