package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/courierflow/dispatch/pkg/common"
	"github.com/courierflow/dispatch/pkg/jwtkeys"
	"github.com/courierflow/dispatch/pkg/models"
)

// Context keys set by the auth middleware.
const (
	ctxDriverID = "driver_id"
	ctxRole     = "role"
)

// Claims is the token payload minted at driver registration.
type Claims struct {
	DriverID uuid.UUID   `json:"driver_id"`
	Role     models.Role `json:"role"`
	jwt.RegisteredClaims
}

// AuthMiddlewareWithProvider authenticates requests with a bearer token,
// resolving the signing key through the provider so rotated keys keep
// verifying. WebSocket upgrades may carry the token as ?token= instead,
// since browsers cannot set headers on a WebSocket handshake.
func AuthMiddlewareWithProvider(provider jwtkeys.KeyProvider) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString, err := bearerToken(c)
		if err != nil {
			common.ErrorResponse(c, http.StatusUnauthorized, err.Error())
			c.Abort()
			return
		}

		claims, err := ValidateToken(provider, tokenString)
		if err != nil {
			common.ErrorResponse(c, http.StatusUnauthorized, "invalid or expired token")
			c.Abort()
			return
		}

		c.Set(ctxDriverID, claims.DriverID)
		c.Set(ctxRole, claims.Role)
		c.Next()
	}
}

// ValidateToken verifies a token against the provider's keys and
// returns its claims. Tokens without a kid header fall back to the
// legacy shared secret.
func ValidateToken(provider jwtkeys.KeyProvider, tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return signingKeyFor(provider, token)
	})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}
	return claims, nil
}

func bearerToken(c *gin.Context) (string, error) {
	if header := c.GetHeader("Authorization"); header != "" {
		scheme, token, found := strings.Cut(header, " ")
		if !found || scheme != "Bearer" || token == "" {
			return "", errors.New("invalid authorization header format")
		}
		return token, nil
	}
	if token := c.Query("token"); token != "" {
		return token, nil
	}
	return "", errors.New("authorization required")
}

func signingKeyFor(provider jwtkeys.KeyProvider, token *jwt.Token) ([]byte, error) {
	if provider == nil {
		return nil, errors.New("jwt provider is nil")
	}

	if kid, _ := token.Header["kid"].(string); kid != "" {
		return provider.ResolveKey(kid)
	}

	legacy := provider.LegacyKey()
	if len(legacy) == 0 {
		return nil, jwtkeys.ErrKeyNotFound
	}
	return legacy, nil
}

// RequireRole lets the request through only when the authenticated
// caller holds one of the given roles. It must run after
// AuthMiddlewareWithProvider.
func RequireRole(roles ...models.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		callerRole, err := GetRole(c)
		if err != nil {
			common.ErrorResponse(c, http.StatusUnauthorized, "caller role not found")
			c.Abort()
			return
		}

		for _, role := range roles {
			if callerRole == role {
				c.Next()
				return
			}
		}

		common.ErrorResponse(c, http.StatusForbidden,
			fmt.Sprintf("%s access required", rolesLabel(roles)))
		c.Abort()
	}
}

func rolesLabel(roles []models.Role) string {
	parts := make([]string, len(roles))
	for i, role := range roles {
		parts[i] = string(role)
	}
	return strings.Join(parts, " or ")
}

// GetDriverID returns the authenticated driver's ID.
func GetDriverID(c *gin.Context) (uuid.UUID, error) {
	id, exists := c.Get(ctxDriverID)
	if !exists {
		return uuid.Nil, common.ErrUnauthorized
	}
	driverID, ok := id.(uuid.UUID)
	if !ok {
		return uuid.Nil, common.ErrUnauthorized
	}
	return driverID, nil
}

// GetRole returns the authenticated caller's role.
func GetRole(c *gin.Context) (models.Role, error) {
	value, exists := c.Get(ctxRole)
	if !exists {
		return "", common.ErrUnauthorized
	}
	role, ok := value.(models.Role)
	if !ok {
		return "", common.ErrUnauthorized
	}
	return role, nil
}
