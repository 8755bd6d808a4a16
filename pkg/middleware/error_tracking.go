package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/getsentry/sentry-go"
	sentrygin "github.com/getsentry/sentry-go/gin"
	"github.com/gin-gonic/gin"

	"github.com/courierflow/dispatch/pkg/errors"
)

// SentryMiddleware attaches a request-scoped Sentry hub to the context.
func SentryMiddleware() gin.HandlerFunc {
	return sentrygin.New(sentrygin.Options{
		Repanic:         true,
		WaitForDelivery: false,
		Timeout:         2 * time.Second,
	})
}

// ErrorHandler reports request failures after the handler chain ran. It
// leaves breadcrumbs for every request, forwards reportable gin errors,
// and raises a message for 5xx responses that carried no explicit error.
func ErrorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start)
		statusCode := c.Writer.Status()

		errors.AddBreadcrumbForRequest(c.Request.Method, c.Request.URL.Path, statusCode, duration)

		for _, ginErr := range c.Errors {
			if errors.ShouldReportError(ginErr.Err, statusCode) {
				hub := requestHub(c)
				applyRequestScope(hub, c, statusCode)
				hub.Scope().SetContext("http", map[string]interface{}{
					"method":       c.Request.Method,
					"url":          c.Request.URL.String(),
					"status_code":  statusCode,
					"duration_ms":  duration.Milliseconds(),
					"remote_addr":  c.ClientIP(),
					"user_agent":   c.Request.UserAgent(),
					"content_type": c.ContentType(),
				})
				hub.Scope().SetContext("route", map[string]interface{}{
					"path":    c.Request.URL.Path,
					"handler": c.HandlerName(),
				})
				hub.CaptureException(ginErr.Err)
			}
		}

		if statusCode >= 500 && len(c.Errors) == 0 {
			hub := requestHub(c)
			applyRequestScope(hub, c, statusCode)
			hub.CaptureMessage(fmt.Sprintf("HTTP %d: %s %s", statusCode, c.Request.Method, c.Request.URL.Path))
		}
	}
}

// RecoveryWithSentry converts panics into 500 responses after shipping
// the stack trace.
func RecoveryWithSentry() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if rec := recover(); rec != nil {
				hub := requestHub(c)
				hub.Scope().SetRequest(c.Request)
				hub.Scope().SetContext("panic", map[string]interface{}{
					"value":      fmt.Sprintf("%v", rec),
					"stacktrace": string(debug.Stack()),
				})
				if driverID, ok := c.Get("driver_id"); ok {
					hub.Scope().SetUser(sentry.User{ID: fmt.Sprintf("%v", driverID)})
				}
				hub.RecoverWithContext(c.Request.Context(), rec)
				hub.Flush(2 * time.Second)

				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error":   "Internal Server Error",
					"message": "An unexpected error occurred",
				})
			}
		}()

		c.Next()
	}
}

func requestHub(c *gin.Context) *sentry.Hub {
	if hub := sentrygin.GetHubFromContext(c); hub != nil {
		return hub
	}
	return sentry.CurrentHub().Clone()
}

// applyRequestScope tags the hub with what the on-call engineer filters
// by: endpoint, status, the authenticated driver and the correlation id.
func applyRequestScope(hub *sentry.Hub, c *gin.Context, statusCode int) {
	scope := hub.Scope()
	scope.SetRequest(c.Request)
	scope.SetLevel(sentryLevelFor(statusCode))

	scope.SetTag("http.method", c.Request.Method)
	scope.SetTag("http.status_code", fmt.Sprintf("%d", statusCode))
	scope.SetTag("endpoint", c.Request.URL.Path)

	if driverID, ok := c.Get("driver_id"); ok {
		scope.SetUser(sentry.User{
			ID:        fmt.Sprintf("%v", driverID),
			IPAddress: c.ClientIP(),
		})
		if role, ok := c.Get("role"); ok {
			scope.SetTag("driver.role", fmt.Sprintf("%v", role))
		}
	}

	if correlationID := c.GetHeader("X-Request-ID"); correlationID != "" {
		scope.SetTag("correlation_id", correlationID)
	}
}

func sentryLevelFor(statusCode int) sentry.Level {
	switch {
	case statusCode >= 500:
		return sentry.LevelError
	case statusCode == http.StatusTooManyRequests:
		return sentry.LevelWarning
	default:
		return sentry.LevelInfo
	}
}
