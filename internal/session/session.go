// Package session owns the signed-in identity of the companion process and
// wires the user state projection to it.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"rewards-miniapp/internal/broadcast"
	"rewards-miniapp/internal/models"
	"rewards-miniapp/internal/services"
)

var (
	ErrInvalidToken   = errors.New("session: invalid token")
	ErrNotSignedIn    = errors.New("session: not signed in")
	ErrSessionExpired = errors.New("session: session expired")
	ErrOtherSession   = errors.New("session: token belongs to another session")
)

type TokenValidator interface {
	ValidateToken(token string) (*services.Claims, error)
}

type Store interface {
	StoreSession(ctx context.Context, id *models.Identity, expiry time.Duration) error
	GetSession(ctx context.Context, userID, sessionID string) (*models.Identity, error)
	DeleteSession(ctx context.Context, userID, sessionID string) error
}

// Projection is the part of the state aggregator the controller drives.
type Projection interface {
	Start(ctx context.Context, uid string) error
	Stop() error
}

type Controller struct {
	base     context.Context
	tokens   TokenValidator
	sessions Store
	state    Projection
	expiry   time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	current atomic.Pointer[models.Identity]
	updates *broadcast.Latest[*models.Identity]
}

// NewController builds a controller. Subscriptions opened on sign-in live
// until sign-out or until base is cancelled.
func NewController(base context.Context, tokens TokenValidator, sessions Store, state Projection, expiry time.Duration, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	if expiry <= 0 {
		expiry = services.TTLUserSession
	}
	return &Controller{
		base:     base,
		tokens:   tokens,
		sessions: sessions,
		state:    state,
		expiry:   expiry,
		logger:   logger.With("component", "session"),
		updates:  broadcast.NewLatest[*models.Identity](nil),
	}
}

// SignIn validates token, records the session and points the projection at
// the token's user. Signing in as another user replaces the current
// identity.
func (c *Controller) SignIn(ctx context.Context, token string) (*models.Identity, error) {
	claims, err := c.tokens.ValidateToken(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if cur := c.current.Load(); cur != nil && cur.UserID == claims.UserID && cur.SessionID == claims.SessionID {
		return cur, nil
	}

	id := &models.Identity{
		UserID:    claims.UserID,
		SessionID: claims.SessionID,
		Username:  claims.Username,
		SignedAt:  time.Now().UTC(),
	}
	if err := c.sessions.StoreSession(ctx, id, c.expiry); err != nil {
		return nil, fmt.Errorf("store session: %w", err)
	}

	if prev := c.current.Load(); prev != nil && prev.SessionID != id.SessionID {
		if err := c.sessions.DeleteSession(ctx, prev.UserID, prev.SessionID); err != nil {
			c.logger.Warn("failed to delete replaced session", "user_id", prev.UserID, "error", err)
		}
	}

	if err := c.state.Start(c.base, id.UserID); err != nil {
		c.current.Store(nil)
		c.updates.Publish(nil)
		return nil, fmt.Errorf("start projection: %w", err)
	}

	c.current.Store(id)
	c.updates.Publish(id)
	c.logger.Info("signed in", "user_id", id.UserID, "session_id", id.SessionID)
	return id, nil
}

// SignOut resets the projection before returning and forgets the session.
func (c *Controller) SignOut(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.current.Load()
	stopErr := c.state.Stop()
	if id == nil {
		return stopErr
	}

	c.current.Store(nil)
	c.updates.Publish(nil)

	var deleteErr error
	if err := c.sessions.DeleteSession(ctx, id.UserID, id.SessionID); err != nil {
		deleteErr = fmt.Errorf("delete session: %w", err)
	}
	c.logger.Info("signed out", "user_id", id.UserID)
	return errors.Join(stopErr, deleteErr)
}

// Authorize checks that token is valid and belongs to the active session.
func (c *Controller) Authorize(ctx context.Context, token string) (*models.Identity, error) {
	claims, err := c.tokens.ValidateToken(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	cur := c.current.Load()
	if cur == nil {
		return nil, ErrNotSignedIn
	}
	if cur.UserID != claims.UserID || cur.SessionID != claims.SessionID {
		return nil, ErrOtherSession
	}
	if _, err := c.sessions.GetSession(ctx, claims.UserID, claims.SessionID); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSessionExpired, err)
	}
	return cur, nil
}

// Current returns the signed-in identity or nil.
func (c *Controller) Current() *models.Identity {
	return c.current.Load()
}

// Watch streams identities; nil means signed out.
func (c *Controller) Watch() (<-chan *models.Identity, func()) {
	return c.updates.Watch()
}
