package matching

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/courierflow/dispatch/pkg/common"
	"github.com/courierflow/dispatch/pkg/middleware"
	"github.com/courierflow/dispatch/pkg/models"
)

// Handler exposes the operational matching endpoints.
type Handler struct {
	service *Service
}

// NewHandler creates a new matching handler
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// Optimize runs one matching cycle synchronously and reports the plan.
// ?verbose=true includes the per-stop breakdown of every route.
func (h *Handler) Optimize(c *gin.Context) {
	verbose, _ := strconv.ParseBool(c.DefaultQuery("verbose", "false"))

	summary, err := h.service.TryRunCycle(c.Request.Context(), "api_optimize")
	if common.HandleServiceError(c, err, "failed to run matching cycle") {
		return
	}

	if !verbose {
		for i := range summary.Routes {
			summary.Routes[i].Stops = nil
		}
	}
	common.SuccessResponse(c, summary)
}

// AcceptAll accepts every outstanding offer on the drivers' behalf.
func (h *Handler) AcceptAll(c *gin.Context) {
	result, err := h.service.AcceptAll(c.Request.Context())
	if common.HandleServiceError(c, err, "failed to accept offered assignments") {
		return
	}
	common.SuccessResponse(c, result)
}

// RejectAll declines every outstanding offer on the drivers' behalf. The
// body is optional; when present it carries the rejection reason.
func (h *Handler) RejectAll(c *gin.Context) {
	var req models.RejectAssignmentRequest
	if !common.BindOptionalJSON(c, &req) {
		return
	}

	result, err := h.service.RejectAll(c.Request.Context(), req.Reason)
	if common.HandleServiceError(c, err, "failed to reject offered assignments") {
		return
	}
	common.SuccessResponse(c, result)
}

// RegisterRoutes registers the operational matching endpoints. They are
// machine-facing (dispatcher consoles, load generators), so they take the
// shared internal key instead of driver JWTs.
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	ops := r.Group("/api/v1/matching")
	ops.Use(middleware.InternalAPIKey())
	{
		ops.POST("/optimize", h.Optimize)
		ops.POST("/accept-all", h.AcceptAll)
		ops.POST("/reject-all", h.RejectAll)
	}
}
