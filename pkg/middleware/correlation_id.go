package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/courierflow/dispatch/pkg/logger"
)

// CorrelationIDHeader carries the request ID in and out. Callers that
// supply their own ID get it echoed back, so a client log line and the
// server's can be joined later.
const CorrelationIDHeader = "X-Request-ID"

const correlationIDKey = "correlation_id"

// CorrelationID assigns every request an ID and threads it through the
// gin context, the request context, and the response header. Supplied
// IDs must be UUIDs; anything else is replaced rather than trusted.
func CorrelationID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(CorrelationIDHeader))
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.New().String()
		}

		c.Set(correlationIDKey, id)
		c.Request = c.Request.WithContext(
			logger.ContextWithCorrelationID(c.Request.Context(), id))
		c.Writer.Header().Set(CorrelationIDHeader, id)

		c.Next()
	}
}

// GetCorrelationID returns the request's correlation ID, or "" before
// the CorrelationID middleware has run.
func GetCorrelationID(c *gin.Context) string {
	if id := c.GetString(correlationIDKey); id != "" {
		return id
	}
	return logger.CorrelationIDFromContext(c.Request.Context())
}
