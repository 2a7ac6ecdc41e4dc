package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"rewards-miniapp/internal/models"
)

const (
	ContextUserID    = "user_id"
	ContextSessionID = "session_id"
)

type Authorizer interface {
	Authorize(ctx context.Context, token string) (*models.Identity, error)
}

// AuthMiddleware accepts a bearer token (or ?token= for WebSocket upgrades)
// that must belong to the active session.
func AuthMiddleware(auth Authorizer) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		var tokenString string

		if authHeader != "" {
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authorization format"})
				c.Abort()
				return
			}
			tokenString = parts[1]
		} else {
			tokenString = c.Query("token")
			if tokenString == "" {
				c.JSON(http.StatusUnauthorized, gin.H{"error": "Authorization header required"})
				c.Abort()
				return
			}
		}

		id, err := auth.Authorize(c.Request.Context(), tokenString)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid or expired session"})
			c.Abort()
			return
		}

		c.Set(ContextUserID, id.UserID)
		c.Set(ContextSessionID, id.SessionID)

		c.Next()
	}
}
