package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"rewards-miniapp/internal/models"
	"rewards-miniapp/internal/session"
)

type Sessions interface {
	SignIn(ctx context.Context, token string) (*models.Identity, error)
	SignOut(ctx context.Context) error
	Current() *models.Identity
	Watch() (<-chan *models.Identity, func())
}

type StateSource interface {
	Current() models.UserState
	Watch() (<-chan models.UserState, func())
}

type SettingsSource interface {
	Current() models.AppSettings
	TokenAmount(points float64) float64
}

type UserHandler struct {
	sessions Sessions
	state    StateSource
	settings SettingsSource
}

func NewUserHandler(sessions Sessions, state StateSource, settings SettingsSource) *UserHandler {
	return &UserHandler{
		sessions: sessions,
		state:    state,
		settings: settings,
	}
}

func (h *UserHandler) SignIn(c *gin.Context) {
	var req struct {
		Token string `json:"token" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request",
			"details": err.Error(),
		})
		return
	}

	id, err := h.sessions.SignIn(c.Request.Context(), req.Token)
	if err != nil {
		if errors.Is(err, session.ErrInvalidToken) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid token"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to sign in",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"user":    id,
	})
}

func (h *UserHandler) SignOut(c *gin.Context) {
	if err := h.sessions.SignOut(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to sign out"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Successfully signed out"})
}

func (h *UserHandler) GetState(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"user":  h.sessions.Current(),
		"state": h.state.Current(),
	})
}

func (h *UserHandler) GetSettings(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"settings": h.settings.Current()})
}

func (h *UserHandler) GetTokens(c *gin.Context) {
	points := h.state.Current().Balance
	if raw := c.Query("points"); raw != "" {
		p, err := strconv.ParseFloat(raw, 64)
		if err != nil || p < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "points must be a non-negative number"})
			return
		}
		points = p
	}

	c.JSON(http.StatusOK, gin.H{
		"points": points,
		"tokens": h.settings.TokenAmount(points),
	})
}
