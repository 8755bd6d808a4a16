package websocket

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/courierflow/dispatch/pkg/jwtkeys"
	"github.com/courierflow/dispatch/pkg/logger"
	"github.com/courierflow/dispatch/pkg/middleware"
	"github.com/courierflow/dispatch/pkg/models"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Browser dispatcher consoles connect cross-origin; the token check
	// below is the actual gate. TODO: restrict origins once the console
	// domain is fixed.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleWebSocket authenticates the caller, upgrades the connection,
// and hands it to the hub. The token comes via ?token= or the
// Authorization header; validation reuses the HTTP auth path so both
// transports accept exactly the same tokens.
func HandleWebSocket(c *gin.Context, hub *Hub, jwtProvider jwtkeys.KeyProvider) {
	tokenString := c.Query("token")
	if tokenString == "" {
		if header := c.GetHeader("Authorization"); len(header) > 7 && header[:7] == "Bearer " {
			tokenString = header[7:]
		}
	}
	if tokenString == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
		return
	}

	claims, err := middleware.ValidateToken(jwtProvider, tokenString)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired token"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.WarnContext(c.Request.Context(), "websocket upgrade failed", zap.Error(err))
		return
	}

	role := string(models.RoleDriver)
	if claims.Role == models.RoleDispatcher {
		role = string(models.RoleDispatcher)
	}

	client := NewClient(claims.DriverID.String(), conn, hub, role)
	hub.Register <- client

	go client.WritePump()
	go client.ReadPump()
}
