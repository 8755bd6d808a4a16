package middleware

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/courierflow/dispatch/pkg/common"
	"github.com/courierflow/dispatch/pkg/logger"
	redisclient "github.com/courierflow/dispatch/pkg/redis"
)

// IdempotencyKeyHeader opts a mutating request into replay protection.
const IdempotencyKeyHeader = "Idempotency-Key"

const (
	// idempotencyTTL covers the window in which a client might retry a
	// submission it never saw an answer for.
	idempotencyTTL    = 24 * time.Hour
	idempotencyPrefix = "idempotency:"
)

// idempotencyEntry is the cached first response under a key. The
// request hash catches a key reused for a different request.
type idempotencyEntry struct {
	StatusCode  int               `json:"status_code"`
	Headers     map[string]string `json:"headers"`
	Body        json.RawMessage   `json:"body"`
	RequestHash string            `json:"request_hash"`
}

type idempotencyRecorder struct {
	gin.ResponseWriter
	body       *bytes.Buffer
	statusCode int
}

func (w *idempotencyRecorder) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w *idempotencyRecorder) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

// Idempotency replays the original response for POST, PUT, and PATCH
// requests that repeat an Idempotency-Key, so a client retrying a
// dropped order submission cannot create it twice. Requests without the
// header pass through untouched.
func Idempotency(redis redisclient.ClientInterface) gin.HandlerFunc {
	return func(c *gin.Context) {
		switch c.Request.Method {
		case http.MethodPost, http.MethodPut, http.MethodPatch:
		default:
			c.Next()
			return
		}

		key := c.GetHeader(IdempotencyKeyHeader)
		if key == "" {
			c.Next()
			return
		}

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			common.ErrorResponse(c, http.StatusBadRequest, "failed to read request body")
			c.Abort()
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))
		requestHash := fingerprint(c.Request.Method, c.FullPath(), body)

		// Scope keys per caller so two drivers cannot collide.
		callerID := ""
		if id, err := GetDriverID(c); err == nil {
			callerID = id.String()
		}
		redisKey := fmt.Sprintf("%s%s:%s", idempotencyPrefix, callerID, key)

		if cached, err := redis.GetString(c.Request.Context(), redisKey); err == nil && cached != "" {
			var entry idempotencyEntry
			if err := json.Unmarshal([]byte(cached), &entry); err == nil {
				if entry.RequestHash != requestHash {
					common.ErrorResponse(c, http.StatusUnprocessableEntity,
						"Idempotency-Key has already been used with a different request")
					c.Abort()
					return
				}

				for k, v := range entry.Headers {
					c.Header(k, v)
				}
				c.Header("Idempotent-Replayed", "true")
				c.Data(entry.StatusCode, "application/json; charset=utf-8", entry.Body)
				c.Abort()
				return
			}
		}

		recorder := &idempotencyRecorder{
			ResponseWriter: c.Writer,
			body:           &bytes.Buffer{},
			statusCode:     http.StatusOK,
		}
		c.Writer = recorder

		c.Next()

		// Cache only success; a failed attempt should stay retryable.
		if recorder.statusCode < 200 || recorder.statusCode >= 300 {
			return
		}

		entry := idempotencyEntry{
			StatusCode: recorder.statusCode,
			Headers: map[string]string{
				"Content-Type": c.Writer.Header().Get("Content-Type"),
			},
			Body:        recorder.body.Bytes(),
			RequestHash: requestHash,
		}

		data, err := json.Marshal(entry)
		if err != nil {
			return
		}
		if err := redis.SetWithExpiration(c.Request.Context(), redisKey, data, idempotencyTTL); err != nil {
			logger.WarnContext(c.Request.Context(), "failed to cache idempotency response",
				zap.String("key", key),
				zap.Error(err),
			)
		}
	}
}

func fingerprint(method, path string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte(path))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}
