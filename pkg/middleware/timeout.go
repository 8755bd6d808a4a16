package middleware

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/courierflow/dispatch/pkg/config"
	"github.com/courierflow/dispatch/pkg/logger"
)

// RequestTimeout aborts requests that outlive their deadline with a 504.
// The deadline comes from the timeout config: per-route overrides first,
// the default request timeout otherwise. The handler keeps running on its
// own goroutine after a timeout; it sees the cancelled context and is
// expected to stop on its own.
func RequestTimeout(timeouts *config.TimeoutConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := timeouts.TimeoutForRoute(c.Request.Method, c.FullPath())

		ctx, cancel := context.WithTimeout(c.Request.Context(), limit)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)

		done := make(chan struct{})
		go func() {
			defer close(done)
			// The chain runs on this goroutine, so outer recovery
			// middleware cannot catch its panics.
			defer func() {
				if r := recover(); r != nil {
					logger.ErrorContext(c.Request.Context(), "panic in request handler",
						zap.Any("panic", r),
						zap.String("method", c.Request.Method),
						zap.String("path", c.Request.URL.Path))
					if !c.Writer.Written() {
						c.AbortWithStatus(http.StatusInternalServerError)
					}
				}
			}()
			c.Next()
		}()

		select {
		case <-done:
		case <-ctx.Done():
			if ctx.Err() != context.DeadlineExceeded || c.Writer.Written() {
				return
			}
			c.Abort()
			c.Header("X-Timeout", "true")
			c.JSON(http.StatusGatewayTimeout, gin.H{
				"error":   "Request timeout",
				"message": "The request took too long to process",
			})
			logger.WarnContext(c.Request.Context(), "request timed out",
				zap.String("method", c.Request.Method),
				zap.String("path", c.Request.URL.Path),
				zap.Duration("timeout", limit))
		}
	}
}
