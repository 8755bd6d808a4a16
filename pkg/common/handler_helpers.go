package common

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/courierflow/dispatch/pkg/logger"
)

// HandleServiceError turns a service-layer error into an HTTP response.
// Typed AppErrors keep their status and message; anything else is logged
// and answered with a 500 carrying fallbackMessage. Returns true when a
// response was written, so handlers can bail with a single if.
func HandleServiceError(c *gin.Context, err error, fallbackMessage string) bool {
	if err == nil {
		return false
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		AppErrorResponse(c, appErr)
		return true
	}

	logger.ErrorContext(c.Request.Context(), fallbackMessage, zap.Error(err))
	ErrorResponse(c, http.StatusInternalServerError, fallbackMessage)
	return true
}

// ParseUUIDParam reads a UUID path parameter. On failure it writes a 400
// naming displayName and returns ok=false.
func ParseUUIDParam(c *gin.Context, paramName, displayName string) (uuid.UUID, bool) {
	raw := c.Param(paramName)
	if raw == "" {
		ErrorResponse(c, http.StatusBadRequest, displayName+" is required")
		return uuid.Nil, false
	}

	id, err := uuid.Parse(raw)
	if err != nil {
		ErrorResponse(c, http.StatusBadRequest, "invalid "+displayName)
		return uuid.Nil, false
	}
	return id, true
}

// BindJSON binds the request body, answering 400 with the binding error
// on failure.
func BindJSON(c *gin.Context, obj interface{}) bool {
	if err := c.ShouldBindJSON(obj); err != nil {
		ErrorResponse(c, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

// BindOptionalJSON is BindJSON for endpoints whose body may be absent
// entirely. An empty body leaves obj zero-valued and succeeds.
func BindOptionalJSON(c *gin.Context, obj interface{}) bool {
	if err := c.ShouldBindJSON(obj); err != nil && !errors.Is(err, io.EOF) {
		ErrorResponse(c, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

// RequireDriverID resolves the authenticated driver from the request via
// getDriverID, answering 401 when the context carries no identity. The
// extractor is passed in to keep this package free of middleware imports.
func RequireDriverID(c *gin.Context, getDriverID func(*gin.Context) (uuid.UUID, error)) (uuid.UUID, bool) {
	driverID, err := getDriverID(c)
	if err != nil {
		ErrorResponse(c, http.StatusUnauthorized, "unauthorized")
		return uuid.Nil, false
	}
	return driverID, true
}

// ParsePagination reads page and per_page query parameters, clamping them
// to sane bounds. Absent or malformed values fall back to page 1 and
// defaultPerPage.
func ParsePagination(c *gin.Context, defaultPerPage, maxPerPage int) (page, perPage int) {
	page, _ = strconv.Atoi(c.DefaultQuery("page", "1"))
	if page < 1 {
		page = 1
	}

	perPage, _ = strconv.Atoi(c.DefaultQuery("per_page", strconv.Itoa(defaultPerPage)))
	if perPage < 1 || perPage > maxPerPage {
		perPage = defaultPerPage
	}
	return page, perPage
}

// ValidateInRange answers 400 when value falls outside [min, max].
func ValidateInRange(c *gin.Context, value, min, max float64, fieldName string) bool {
	if value < min || value > max {
		ErrorResponse(c, http.StatusBadRequest,
			fieldName+" must be between "+formatFloat(min)+" and "+formatFloat(max))
		return false
	}
	return true
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
