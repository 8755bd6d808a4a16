package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/courierflow/dispatch/pkg/models"
)

// RequireDispatcher gates operational endpoints to dispatcher consoles.
func RequireDispatcher() gin.HandlerFunc {
	return RequireRole(models.RoleDispatcher)
}
