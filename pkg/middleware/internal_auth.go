package middleware

import (
	"crypto/subtle"
	"net/http"
	"os"

	"github.com/gin-gonic/gin"

	"github.com/courierflow/dispatch/pkg/common"
)

// InternalKeyHeader carries the shared secret on machine-to-machine calls.
const InternalKeyHeader = "X-Internal-API-Key"

// InternalAPIKey guards operational endpoints behind the shared secret in
// INTERNAL_API_KEY. The env var is read per request so rotated keys take
// effect without a restart. Comparison is constant time.
func InternalAPIKey() gin.HandlerFunc {
	return func(c *gin.Context) {
		expected := os.Getenv("INTERNAL_API_KEY")
		if expected == "" {
			common.ErrorResponse(c, http.StatusInternalServerError, "internal API key not configured")
			c.Abort()
			return
		}

		provided := c.GetHeader(InternalKeyHeader)
		if subtle.ConstantTimeCompare([]byte(expected), []byte(provided)) != 1 {
			common.ErrorResponse(c, http.StatusUnauthorized, "invalid internal API key")
			c.Abort()
			return
		}

		c.Next()
	}
}
