package middleware

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/courierflow/dispatch/pkg/logger"
	"github.com/courierflow/dispatch/pkg/security"
)

// maxSanitizedBodySize caps how much body the sanitizer will buffer.
const maxSanitizedBodySize = 2 << 20 // 2 MB

// SanitizeRequest scrubs query parameters and JSON string fields of
// injection payloads before handlers bind them. Register it ahead of
// anything that reads the body.
func SanitizeRequest() gin.HandlerFunc {
	return func(c *gin.Context) {
		sanitizeQuery(c)
		sanitizeJSONBody(c)
		c.Next()
	}
}

func sanitizeQuery(c *gin.Context) {
	query := c.Request.URL.Query()
	changed := false

	for key, values := range query {
		for i, value := range values {
			if security.ContainsSQLInjection(value) || security.ContainsXSS(value) {
				logger.WarnContext(c.Request.Context(), "injection pattern in query parameter",
					zap.String("param", key),
					zap.String("path", c.Request.URL.Path),
					zap.String("client_ip", c.ClientIP()),
				)
			}
			if clean := security.SanitizeInput(value, 0); clean != value {
				query[key][i] = clean
				changed = true
			}
		}
	}

	if changed {
		c.Request.URL.RawQuery = query.Encode()
	}
}

// sanitizeJSONBody rewrites string values in a JSON body in place.
// Anything that is not valid JSON is passed through untouched; the
// binder will produce the proper 400 for it.
func sanitizeJSONBody(c *gin.Context) {
	if c.Request.Body == nil {
		return
	}
	if !strings.Contains(c.GetHeader("Content-Type"), "application/json") {
		return
	}

	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, maxSanitizedBodySize))
	if err != nil {
		c.Request.Body = http.NoBody
		return
	}

	restore := func() {
		c.Request.Body = io.NopCloser(bytes.NewReader(raw))
	}
	if len(raw) == 0 {
		restore()
		return
	}

	var payload interface{}
	if err := json.Unmarshal(raw, &payload); err != nil {
		restore()
		return
	}

	payload = sanitizeValue(payload)

	clean, err := json.Marshal(payload)
	if err != nil {
		restore()
		return
	}
	c.Request.Body = io.NopCloser(bytes.NewReader(clean))
}

// sanitizeValue walks a decoded JSON value, scrubbing every string.
func sanitizeValue(value interface{}) interface{} {
	switch v := value.(type) {
	case string:
		return security.SanitizeInput(v, 0)
	case []interface{}:
		for i := range v {
			v[i] = sanitizeValue(v[i])
		}
		return v
	case map[string]interface{}:
		for key := range v {
			v[key] = sanitizeValue(v[key])
		}
		return v
	default:
		return value
	}
}
