package services_test

import (
	"errors"
	"testing"
	"time"

	"rewards-miniapp/internal/config"
	"rewards-miniapp/internal/services"
)

func TestJWTService(t *testing.T) {
	cfg := &config.Config{JWTSecret: "test-secret", JWTIssuer: "rewards-miniapp", JWTExpiry: time.Hour}
	jwtService := services.NewJWTService(cfg)

	token, err := jwtService.GenerateToken("user-1", "session-1", "alice")
	if err != nil {
		t.Fatalf("Failed to generate token: %v", err)
	}

	claims, err := jwtService.ValidateToken(token)
	if err != nil {
		t.Fatalf("Failed to validate token: %v", err)
	}
	if claims.UserID != "user-1" || claims.SessionID != "session-1" {
		t.Errorf("Unexpected claims: %+v", claims)
	}

	other := services.NewJWTService(&config.Config{JWTSecret: "other-secret", JWTIssuer: "rewards-miniapp"})
	if _, err := other.ValidateToken(token); !errors.Is(err, services.ErrInvalidToken) {
		t.Errorf("Expected ErrInvalidToken for wrong secret, got %v", err)
	}

	wrongIssuer := services.NewJWTService(&config.Config{JWTSecret: "test-secret", JWTIssuer: "someone-else"})
	if _, err := wrongIssuer.ValidateToken(token); err == nil {
		t.Error("Expected error for wrong issuer")
	}

	expired := services.NewJWTService(&config.Config{JWTSecret: "test-secret", JWTIssuer: "rewards-miniapp", JWTExpiry: -time.Minute})
	// A non-positive expiry falls back to the session TTL.
	if expired.Expiry() != services.TTLUserSession {
		t.Errorf("Expected fallback expiry, got %v", expired.Expiry())
	}

	if _, err := jwtService.ValidateToken("not-a-token"); err == nil {
		t.Error("Expected error for garbage token")
	}
}
