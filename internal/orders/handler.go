package orders

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/courierflow/dispatch/pkg/common"
	"github.com/courierflow/dispatch/pkg/models"
)

// Handler handles HTTP requests for orders
type Handler struct {
	service *Service
}

// NewHandler creates a new orders handler
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// Create handles creating a new delivery order
func (h *Handler) Create(c *gin.Context) {
	var req models.CreateOrderRequest
	if !common.BindJSON(c, &req) {
		return
	}

	order, err := h.service.Create(c.Request.Context(), &req)
	if common.HandleServiceError(c, err, "failed to create order") {
		return
	}

	common.CreatedResponse(c, models.NewOrderResponse(order))
}

// Get handles getting an order by ID
func (h *Handler) Get(c *gin.Context) {
	orderID, ok := common.ParseUUIDParam(c, "id", "order ID")
	if !ok {
		return
	}

	order, err := h.service.Get(c.Request.Context(), orderID)
	if common.HandleServiceError(c, err, "failed to get order") {
		return
	}

	common.SuccessResponse(c, models.NewOrderResponse(order))
}

// List handles listing orders with an optional status filter
func (h *Handler) List(c *gin.Context) {
	page, perPage := common.ParsePagination(c, 20, 100)

	var status *models.OrderStatus
	if raw := c.Query("status"); raw != "" {
		s := models.OrderStatus(raw)
		switch s {
		case models.OrderStatusPending, models.OrderStatusOffered, models.OrderStatusAssigned,
			models.OrderStatusPickedUp, models.OrderStatusDelivered, models.OrderStatusCancelled:
			status = &s
		default:
			common.ErrorResponse(c, http.StatusBadRequest, "unknown order status: "+raw)
			return
		}
	}

	orders, total, err := h.service.List(c.Request.Context(), status, page, perPage)
	if common.HandleServiceError(c, err, "failed to list orders") {
		return
	}

	responses := make([]*models.OrderResponse, 0, len(orders))
	for _, order := range orders {
		responses = append(responses, models.NewOrderResponse(order))
	}

	common.SuccessResponseWithMeta(c, responses, common.PageMeta(page, perPage, total))
}

// Cancel handles cancelling a non-terminal order
func (h *Handler) Cancel(c *gin.Context) {
	orderID, ok := common.ParseUUIDParam(c, "id", "order ID")
	if !ok {
		return
	}

	var req models.CancelOrderRequest
	if !common.BindJSON(c, &req) {
		return
	}

	order, err := h.service.Cancel(c.Request.Context(), orderID, req.Reason)
	if common.HandleServiceError(c, err, "failed to cancel order") {
		return
	}

	common.SuccessResponse(c, models.NewOrderResponse(order))
}

// RegisterRoutes registers order intake routes
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	api := r.Group("/api/v1/orders")
	{
		api.POST("", h.Create)
		api.GET("", h.List)
		api.GET("/:id", h.Get)
		api.POST("/:id/cancel", h.Cancel)
	}
}
