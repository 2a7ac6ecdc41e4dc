// Package ads adapts the mini-app's rewarded-ad callback to the ledger's
// player interface. The ad itself runs in the client; the HTTP request that
// reports completion carries the outcome on its context.
package ads

import (
	"context"
	"errors"
	"log/slog"

	"rewards-miniapp/internal/ledger"
)

var ErrNoResult = errors.New("ads: no completion report")

type resultKey struct{}

// Result is what the client reported for one ad view.
type Result struct {
	Watched bool
	// Network is the ad network that served the view, if known.
	Network string
}

func WithResult(ctx context.Context, r Result) context.Context {
	return context.WithValue(ctx, resultKey{}, r)
}

func resultFrom(ctx context.Context) (Result, bool) {
	r, ok := ctx.Value(resultKey{}).(Result)
	return r, ok
}

// ClientReported is a ledger.AdPlayer whose Show returns the completion
// report attached with WithResult.
type ClientReported struct {
	logger *slog.Logger
}

func NewClientReported(logger *slog.Logger) *ClientReported {
	if logger == nil {
		logger = slog.Default()
	}
	return &ClientReported{logger: logger.With("component", "ads")}
}

func (p *ClientReported) Load(ctx context.Context, t ledger.Targeting) error {
	if _, ok := resultFrom(ctx); !ok {
		return ErrNoResult
	}
	p.logger.Debug("ad requested", "user_id", t.UserID, "tier", t.TierLabel, "multiplier", t.Multiplier)
	return nil
}

func (p *ClientReported) Show(ctx context.Context) (bool, error) {
	r, ok := resultFrom(ctx)
	if !ok {
		return false, ErrNoResult
	}
	if !r.Watched {
		p.logger.Info("ad skipped", "network", r.Network)
	}
	return r.Watched, nil
}
