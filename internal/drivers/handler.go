package drivers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/courierflow/dispatch/pkg/common"
	"github.com/courierflow/dispatch/pkg/jwtkeys"
	"github.com/courierflow/dispatch/pkg/middleware"
	"github.com/courierflow/dispatch/pkg/models"
)

const (
	defaultNearbyRadiusM = 5000.0
	maxNearbyLimit       = 50
)

// Handler handles driver registry, status, location and route requests
type Handler struct {
	service *Service
}

// NewHandler creates a new drivers handler
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// driverFromPath parses the :id param and authorizes the caller for it.
// Dispatchers may act for any driver when allowDispatcher is set; drivers
// only for themselves.
func driverFromPath(c *gin.Context, allowDispatcher bool) (uuid.UUID, bool) {
	id, ok := common.ParseUUIDParam(c, "id", "driver ID")
	if !ok {
		return uuid.Nil, false
	}

	if allowDispatcher {
		if role, err := middleware.GetRole(c); err == nil && role == models.RoleDispatcher {
			return id, true
		}
	}

	driverID, ok := common.RequireDriverID(c, middleware.GetDriverID)
	if !ok {
		return uuid.Nil, false
	}
	if driverID != id {
		common.ErrorResponse(c, http.StatusForbidden, "cannot act for another driver")
		return uuid.Nil, false
	}
	return id, true
}

// Register handles driver registration
func (h *Handler) Register(c *gin.Context) {
	var req models.RegisterDriverRequest
	if !common.BindJSON(c, &req) {
		return
	}

	resp, err := h.service.Register(c.Request.Context(), &req)
	if common.HandleServiceError(c, err, "failed to register driver") {
		return
	}

	common.CreatedResponse(c, resp)
}

// Get handles driver profile retrieval
func (h *Handler) Get(c *gin.Context) {
	id, ok := common.ParseUUIDParam(c, "id", "driver ID")
	if !ok {
		return
	}

	driver, err := h.service.Get(c.Request.Context(), id)
	if common.HandleServiceError(c, err, "failed to get driver") {
		return
	}

	common.SuccessResponse(c, driver)
}

// UpdateStatus handles a driver status transition
func (h *Handler) UpdateStatus(c *gin.Context) {
	id, ok := driverFromPath(c, false)
	if !ok {
		return
	}

	var req models.UpdateDriverStatusRequest
	if !common.BindJSON(c, &req) {
		return
	}

	driver, err := h.service.UpdateStatus(c.Request.Context(), id, req.Status)
	if common.HandleServiceError(c, err, "failed to update driver status") {
		return
	}

	common.SuccessResponse(c, driver)
}

// UpdateLocation handles a driver position ping
func (h *Handler) UpdateLocation(c *gin.Context) {
	id, ok := driverFromPath(c, false)
	if !ok {
		return
	}

	var req models.UpdateLocationRequest
	if !common.BindJSON(c, &req) {
		return
	}

	loc, err := h.service.UpdateLocation(c.Request.Context(), id, &req)
	if common.HandleServiceError(c, err, "failed to update driver location") {
		return
	}

	common.SuccessResponse(c, loc)
}

// OfferedAssignments handles listing a driver's open offers
func (h *Handler) OfferedAssignments(c *gin.Context) {
	id, ok := driverFromPath(c, true)
	if !ok {
		return
	}

	offers, err := h.service.OfferedAssignments(c.Request.Context(), id)
	if common.HandleServiceError(c, err, "failed to list driver offers") {
		return
	}

	common.SuccessResponse(c, offers)
}

// Route handles the driver's current route view
func (h *Handler) Route(c *gin.Context) {
	id, ok := driverFromPath(c, true)
	if !ok {
		return
	}

	route, err := h.service.Route(c.Request.Context(), id)
	if common.HandleServiceError(c, err, "failed to build driver route") {
		return
	}

	common.SuccessResponse(c, route)
}

// Nearby handles finding drivers around a point
func (h *Handler) Nearby(c *gin.Context) {
	lat, err := strconv.ParseFloat(c.Query("lat"), 64)
	if err != nil {
		common.ErrorResponse(c, http.StatusBadRequest, "invalid lat parameter")
		return
	}
	lng, err := strconv.ParseFloat(c.Query("lng"), 64)
	if err != nil {
		common.ErrorResponse(c, http.StatusBadRequest, "invalid lng parameter")
		return
	}
	if !common.ValidateInRange(c, lat, -90, 90, "lat") || !common.ValidateInRange(c, lng, -180, 180, "lng") {
		return
	}

	radiusM := defaultNearbyRadiusM
	if s := c.Query("radius"); s != "" {
		radiusM, err = strconv.ParseFloat(s, 64)
		if err != nil {
			common.ErrorResponse(c, http.StatusBadRequest, "invalid radius parameter")
			return
		}
	}

	limit := 10
	if s := c.Query("limit"); s != "" {
		if parsed, err := strconv.Atoi(s); err == nil && parsed > 0 && parsed <= maxNearbyLimit {
			limit = parsed
		}
	}

	drivers, err := h.service.Nearby(c.Request.Context(), lat, lng, radiusM, limit)
	if common.HandleServiceError(c, err, "failed to find nearby drivers") {
		return
	}

	common.SuccessResponse(c, drivers)
}

// RegisterRoutes registers driver routes
func (h *Handler) RegisterRoutes(r *gin.Engine, jwtProvider jwtkeys.KeyProvider) {
	open := r.Group("/api/v1/drivers")
	{
		open.POST("", h.Register)
		open.GET("/:id", h.Get)
	}

	authed := r.Group("/api/v1/drivers")
	authed.Use(middleware.AuthMiddlewareWithProvider(jwtProvider))
	{
		authed.PUT("/:id/status", h.UpdateStatus)
		authed.PUT("/:id/location", h.UpdateLocation)
		authed.GET("/:id/assignments/offered", h.OfferedAssignments)
		authed.GET("/:id/route", h.Route)
	}

	ops := r.Group("/api/v1/drivers")
	ops.Use(middleware.AuthMiddlewareWithProvider(jwtProvider), middleware.RequireDispatcher())
	{
		ops.GET("/nearby", h.Nearby)
	}
}
