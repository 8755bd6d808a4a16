package assignments

import (
	"github.com/gin-gonic/gin"

	"github.com/courierflow/dispatch/pkg/common"
	"github.com/courierflow/dispatch/pkg/jwtkeys"
	"github.com/courierflow/dispatch/pkg/middleware"
	"github.com/courierflow/dispatch/pkg/models"
)

// Handler handles driver responses to offered assignments
type Handler struct {
	service *Service
}

// NewHandler creates a new assignments handler
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// Accept handles a driver accepting an offered assignment
func (h *Handler) Accept(c *gin.Context) {
	driverID, ok := common.RequireDriverID(c, middleware.GetDriverID)
	if !ok {
		return
	}

	assignmentID, ok := common.ParseUUIDParam(c, "id", "assignment ID")
	if !ok {
		return
	}

	assignment, err := h.service.Accept(c.Request.Context(), assignmentID, driverID)
	if common.HandleServiceError(c, err, "failed to accept assignment") {
		return
	}

	common.SuccessResponse(c, assignment)
}

// Reject handles a driver declining an offered assignment
func (h *Handler) Reject(c *gin.Context) {
	driverID, ok := common.RequireDriverID(c, middleware.GetDriverID)
	if !ok {
		return
	}

	assignmentID, ok := common.ParseUUIDParam(c, "id", "assignment ID")
	if !ok {
		return
	}

	var req models.RejectAssignmentRequest
	if !common.BindJSON(c, &req) {
		return
	}

	assignment, err := h.service.Reject(c.Request.Context(), assignmentID, driverID, req.Reason)
	if common.HandleServiceError(c, err, "failed to reject assignment") {
		return
	}

	common.SuccessResponse(c, assignment)
}

// RegisterRoutes registers the offer response routes
func (h *Handler) RegisterRoutes(r *gin.Engine, jwtProvider jwtkeys.KeyProvider) {
	api := r.Group("/api/v1/drivers/assignments")
	api.Use(middleware.AuthMiddlewareWithProvider(jwtProvider))
	{
		api.POST("/:id/accept", h.Accept)
		api.POST("/:id/reject", h.Reject)
	}
}
