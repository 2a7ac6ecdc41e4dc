// Package settings keeps the live projection of the remote configuration
// documents (tokenomics, staking and referral tables) and the calculators
// derived from it.
package settings

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"rewards-miniapp/internal/broadcast"
	"rewards-miniapp/internal/metrics"
	"rewards-miniapp/internal/models"
	"rewards-miniapp/internal/store"
	"rewards-miniapp/internal/tiers"
)

var ErrAlreadyStarted = errors.New("settings: already started")

type Aggregator struct {
	store    store.Subscriber
	defaults models.AppSettings
	logger   *slog.Logger
	metrics  *metrics.LedgerMetrics

	current atomic.Pointer[models.AppSettings]
	updates *broadcast.Latest[models.AppSettings]

	mu      sync.Mutex
	streams []interface{ Close() error }
	cancel  context.CancelFunc
	done    chan struct{}
}

func New(s store.Subscriber, defaults models.AppSettings, logger *slog.Logger, m *metrics.LedgerMetrics) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Aggregator{
		store:    s,
		defaults: defaults,
		logger:   logger.With("component", "settings"),
		metrics:  m,
		updates:  broadcast.NewLatest(defaults),
	}
	initial := defaults
	a.current.Store(&initial)
	return a
}

// Start opens the three configuration subscriptions. Until a document
// arrives its part of the projection keeps the configured defaults.
func (a *Aggregator) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.done != nil {
		return ErrAlreadyStarted
	}

	runCtx, cancel := context.WithCancel(ctx)
	tokenomics, err := a.store.SubscribeDocument(runCtx, store.SettingsTokenomicsPath)
	if err != nil {
		cancel()
		return fmt.Errorf("subscribe tokenomics: %w", err)
	}
	staking, err := a.store.SubscribeDocument(runCtx, store.SettingsStakingPath)
	if err != nil {
		cancel()
		return errors.Join(fmt.Errorf("subscribe staking: %w", err), tokenomics.Close())
	}
	referral, err := a.store.SubscribeDocument(runCtx, store.SettingsReferralPath)
	if err != nil {
		cancel()
		return errors.Join(fmt.Errorf("subscribe referral: %w", err), tokenomics.Close(), staking.Close())
	}

	a.streams = []interface{ Close() error }{tokenomics, staking, referral}
	a.cancel = cancel
	a.done = make(chan struct{})
	go a.run(runCtx, tokenomics, staking, referral, a.done)
	return nil
}

// Stop closes every subscription and waits for the event loop to exit. The
// last projection stays readable.
func (a *Aggregator) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.done == nil {
		return nil
	}

	a.cancel()
	var errs []error
	for _, s := range a.streams {
		errs = append(errs, s.Close())
	}
	<-a.done

	a.streams = nil
	a.cancel = nil
	a.done = nil
	return errors.Join(errs...)
}

func (a *Aggregator) run(ctx context.Context, tokenomics, staking, referral *store.Stream[store.DocEvent], done chan struct{}) {
	defer close(done)

	tc, sc, rc := tokenomics.C, staking.C, referral.C
	for tc != nil || sc != nil || rc != nil {
		var (
			ev     store.DocEvent
			ok     bool
			source string
			reduce func(models.AppSettings, store.DocEvent, models.AppSettings) (models.AppSettings, error)
		)
		select {
		case <-ctx.Done():
			return
		case ev, ok = <-tc:
			if !ok {
				tc = nil
				continue
			}
			source, reduce = "tokenomics", applyTokenomics
		case ev, ok = <-sc:
			if !ok {
				sc = nil
				continue
			}
			source, reduce = "staking", applyStaking
		case ev, ok = <-rc:
			if !ok {
				rc = nil
				continue
			}
			source, reduce = "referral", applyReferral
		}

		next, err := reduce(a.Current(), ev, a.defaults)
		if err != nil {
			a.logger.Error("settings snapshot rejected", "source", source, "error", err)
			a.metrics.ObserveSubscriptionError("settings_" + source)
			continue
		}
		a.current.Store(&next)
		a.updates.Publish(next)
	}
}

func (a *Aggregator) Current() models.AppSettings {
	return *a.current.Load()
}

// Watch streams the projection, starting with the current value.
func (a *Aggregator) Watch() (<-chan models.AppSettings, func()) {
	return a.updates.Watch()
}

// TokenAmount converts points to tokens at the current price; 0 while the
// token price is unset.
func (a *Aggregator) TokenAmount(points float64) float64 {
	return tiers.TokenAmount(points, a.Current().Tokenomics)
}

func (a *Aggregator) BoosterRate(achievementPercent float64) float64 {
	return tiers.BoosterRate(a.Current().BoosterTiers, achievementPercent)
}

func applyTokenomics(cur models.AppSettings, ev store.DocEvent, defaults models.AppSettings) (models.AppSettings, error) {
	if ev.Err != nil {
		return cur, ev.Err
	}
	if !ev.Snapshot.Exists {
		cur.Tokenomics = defaults.Tokenomics
		return cur, nil
	}
	t, err := models.DecodeTokenomics(ev.Snapshot.Data)
	if err != nil {
		return cur, err
	}
	cur.Tokenomics = t
	return cur, nil
}

func applyStaking(cur models.AppSettings, ev store.DocEvent, defaults models.AppSettings) (models.AppSettings, error) {
	if ev.Err != nil {
		return cur, ev.Err
	}
	if !ev.Snapshot.Exists {
		cur.StakingTiers = defaults.StakingTiers
		cur.BoosterTiers = defaults.BoosterTiers
		return cur, nil
	}
	s, err := models.DecodeStakingSettings(ev.Snapshot.Data)
	if err != nil {
		return cur, err
	}

	stakingTiers, boosterTiers := defaults.StakingTiers, defaults.BoosterTiers
	if s.Tiers != nil {
		if err := tiers.ValidateStakingTiers(s.Tiers); err != nil {
			return cur, err
		}
		stakingTiers = s.Tiers
	}
	if s.BoosterTiers != nil {
		if err := tiers.ValidateBoosterTiers(s.BoosterTiers); err != nil {
			return cur, err
		}
		boosterTiers = s.BoosterTiers
	}
	cur.StakingTiers = stakingTiers
	cur.BoosterTiers = boosterTiers
	return cur, nil
}

func applyReferral(cur models.AppSettings, ev store.DocEvent, defaults models.AppSettings) (models.AppSettings, error) {
	if ev.Err != nil {
		return cur, ev.Err
	}
	if !ev.Snapshot.Exists {
		cur.ReferralSources = defaults.ReferralSources
		cur.ReferralLadder = defaults.ReferralLadder
		return cur, nil
	}
	r, err := models.DecodeReferralSettings(ev.Snapshot.Data)
	if err != nil {
		return cur, err
	}

	sources, ladder := defaults.ReferralSources, defaults.ReferralLadder
	if r.Sources != nil {
		sources = r.Sources
	}
	if r.Ladder != nil {
		if err := tiers.ValidateReferralLadder(r.Ladder); err != nil {
			return cur, err
		}
		ladder = r.Ladder
	}
	cur.ReferralSources = sources
	cur.ReferralLadder = ladder
	return cur, nil
}
