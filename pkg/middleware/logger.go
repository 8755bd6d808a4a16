package middleware

import (
	"bytes"
	"io"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/courierflow/dispatch/pkg/logger"
	"github.com/courierflow/dispatch/pkg/security"
)

// loggedPayloadLimit caps how much of a body makes it into a log line.
const loggedPayloadLimit = 512

// responseRecorder tees the response body so the access log can include
// what was actually sent.
type responseRecorder struct {
	gin.ResponseWriter
	body *bytes.Buffer
}

func (r *responseRecorder) Write(data []byte) (int, error) {
	r.body.Write(data)
	return r.ResponseWriter.Write(data)
}

func (r *responseRecorder) WriteString(data string) (int, error) {
	r.body.WriteString(data)
	return r.ResponseWriter.WriteString(data)
}

// RequestLogger writes one structured access-log line per request,
// including sanitized request and response bodies. Lines carry the
// correlation ID from the request context.
func RequestLogger(serviceName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		requestBody := captureRequestBody(c)
		recorder := &responseRecorder{ResponseWriter: c.Writer, body: &bytes.Buffer{}}
		c.Writer = recorder

		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		fields := []zap.Field{
			zap.String("service", serviceName),
			zap.Int("status", c.Writer.Status()),
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.String("query", query),
			zap.String("ip", c.ClientIP()),
			zap.Duration("latency", time.Since(start)),
			zap.Int("response_size", recorder.body.Len()),
		}
		if requestBody != "" {
			fields = append(fields, zap.String("request_body", requestBody))
		}
		if responseBody := loggablePayload(recorder.body.Bytes()); responseBody != "" {
			fields = append(fields, zap.String("response_body", responseBody))
		}

		accessLog := logger.WithContext(c.Request.Context())
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
			accessLog.Error("Request completed with errors", fields...)
			return
		}
		accessLog.Info("Request completed", fields...)
	}
}

// captureRequestBody drains and restores the request body so handlers
// still see it.
func captureRequestBody(c *gin.Context) string {
	if c.Request == nil || c.Request.Body == nil {
		return ""
	}

	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return ""
	}
	c.Request.Body = io.NopCloser(bytes.NewReader(raw))
	return loggablePayload(raw)
}

// loggablePayload strips markup, collapses whitespace, and truncates, so
// a hostile or oversized body cannot distort the log stream.
func loggablePayload(payload []byte) string {
	if len(payload) == 0 {
		return ""
	}

	clean := security.StripHTMLTags(string(payload))
	clean = security.SanitizeString(clean)
	clean = strings.Join(strings.Fields(clean), " ")

	if len(clean) > loggedPayloadLimit {
		clean = clean[:loggedPayloadLimit] + "...(truncated)"
	}
	return clean
}
