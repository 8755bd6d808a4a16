package common_test

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/courierflow/dispatch/pkg/common"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestContext(method, target, body string) (*gin.Context, *httptest.ResponseRecorder) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		c.Request.Header.Set("Content-Type", "application/json")
	}
	return c, w
}

func TestHandleServiceError(t *testing.T) {
	t.Run("nil error writes nothing", func(t *testing.T) {
		c, w := newTestContext(http.MethodGet, "/orders", "")
		assert.False(t, common.HandleServiceError(c, nil, "failed"))
		assert.Empty(t, w.Body.String())
	})

	t.Run("app error keeps its status and message", func(t *testing.T) {
		c, w := newTestContext(http.MethodGet, "/orders", "")
		err := common.NewNotFoundError("order not found", nil)

		assert.True(t, common.HandleServiceError(c, err, "failed to get order"))
		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.Contains(t, w.Body.String(), "order not found")
	})

	t.Run("wrapped app error is unwrapped", func(t *testing.T) {
		c, w := newTestContext(http.MethodGet, "/orders", "")
		err := fmt.Errorf("lookup: %w", common.NewBadRequestError("bad time window", nil))

		assert.True(t, common.HandleServiceError(c, err, "failed"))
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, w.Body.String(), "bad time window")
	})

	t.Run("plain error becomes 500 with fallback", func(t *testing.T) {
		c, w := newTestContext(http.MethodGet, "/orders", "")
		err := errors.New("pq: connection refused")

		assert.True(t, common.HandleServiceError(c, err, "failed to get order"))
		assert.Equal(t, http.StatusInternalServerError, w.Code)
		assert.Contains(t, w.Body.String(), "failed to get order")
		assert.NotContains(t, w.Body.String(), "connection refused")
	})
}

func TestParseUUIDParam(t *testing.T) {
	want := uuid.New()

	c, _ := newTestContext(http.MethodGet, "/orders/"+want.String(), "")
	c.Params = gin.Params{{Key: "id", Value: want.String()}}
	got, ok := common.ParseUUIDParam(c, "id", "order ID")
	require.True(t, ok)
	assert.Equal(t, want, got)

	c, w := newTestContext(http.MethodGet, "/orders/nope", "")
	c.Params = gin.Params{{Key: "id", Value: "nope"}}
	_, ok = common.ParseUUIDParam(c, "id", "order ID")
	assert.False(t, ok)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid order ID")

	c, w = newTestContext(http.MethodGet, "/orders/", "")
	_, ok = common.ParseUUIDParam(c, "id", "order ID")
	assert.False(t, ok)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "order ID is required")
}

func TestBindJSON(t *testing.T) {
	type payload struct {
		Name string `json:"name" binding:"required"`
	}

	t.Run("valid body", func(t *testing.T) {
		c, _ := newTestContext(http.MethodPost, "/orders", `{"name":"parcel"}`)
		var p payload
		require.True(t, common.BindJSON(c, &p))
		assert.Equal(t, "parcel", p.Name)
	})

	t.Run("missing required field", func(t *testing.T) {
		c, w := newTestContext(http.MethodPost, "/orders", `{}`)
		var p payload
		assert.False(t, common.BindJSON(c, &p))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("empty body fails", func(t *testing.T) {
		c, w := newTestContext(http.MethodPost, "/orders", "")
		var p payload
		assert.False(t, common.BindJSON(c, &p))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestBindOptionalJSON(t *testing.T) {
	type payload struct {
		Reason *string `json:"reason"`
	}

	t.Run("empty body is fine", func(t *testing.T) {
		c, w := newTestContext(http.MethodPost, "/reject-all", "")
		var p payload
		assert.True(t, common.BindOptionalJSON(c, &p))
		assert.Nil(t, p.Reason)
		assert.Empty(t, w.Body.String())
	})

	t.Run("present body is bound", func(t *testing.T) {
		c, _ := newTestContext(http.MethodPost, "/reject-all", `{"reason":"end of shift"}`)
		var p payload
		require.True(t, common.BindOptionalJSON(c, &p))
		require.NotNil(t, p.Reason)
		assert.Equal(t, "end of shift", *p.Reason)
	})

	t.Run("malformed body still fails", func(t *testing.T) {
		c, w := newTestContext(http.MethodPost, "/reject-all", `{broken`)
		var p payload
		assert.False(t, common.BindOptionalJSON(c, &p))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestRequireDriverID(t *testing.T) {
	driverID := uuid.New()

	c, _ := newTestContext(http.MethodPost, "/assignments/accept", "")
	got, ok := common.RequireDriverID(c, func(*gin.Context) (uuid.UUID, error) {
		return driverID, nil
	})
	require.True(t, ok)
	assert.Equal(t, driverID, got)

	c, w := newTestContext(http.MethodPost, "/assignments/accept", "")
	_, ok = common.RequireDriverID(c, func(*gin.Context) (uuid.UUID, error) {
		return uuid.Nil, errors.New("no token")
	})
	assert.False(t, ok)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestParsePagination(t *testing.T) {
	cases := []struct {
		query       string
		wantPage    int
		wantPerPage int
	}{
		{"", 1, 20},
		{"?page=3&per_page=50", 3, 50},
		{"?page=0", 1, 20},
		{"?page=-2&per_page=-1", 1, 20},
		{"?per_page=500", 1, 20},
		{"?page=junk&per_page=junk", 1, 20},
	}

	for _, tc := range cases {
		c, _ := newTestContext(http.MethodGet, "/orders"+tc.query, "")
		page, perPage := common.ParsePagination(c, 20, 100)
		assert.Equal(t, tc.wantPage, page, "query %q", tc.query)
		assert.Equal(t, tc.wantPerPage, perPage, "query %q", tc.query)
	}
}

func TestValidateInRange(t *testing.T) {
	c, w := newTestContext(http.MethodGet, "/drivers/nearby", "")
	assert.True(t, common.ValidateInRange(c, 52.52, -90, 90, "lat"))
	assert.Empty(t, w.Body.String())

	c, w = newTestContext(http.MethodGet, "/drivers/nearby", "")
	assert.False(t, common.ValidateInRange(c, 91, -90, 90, "lat"))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "lat must be between -90 and 90")
}
