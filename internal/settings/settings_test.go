package settings

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"rewards-miniapp/internal/config"
	"rewards-miniapp/internal/models"
	"rewards-miniapp/internal/store"
)

func waitFor(t *testing.T, ch <-chan models.AppSettings, cond func(models.AppSettings) bool) models.AppSettings {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case s := <-ch:
			if cond(s) {
				return s
			}
		case <-deadline:
			t.Fatal("timed out waiting for settings")
			return models.AppSettings{}
		}
	}
}

func TestAggregatorUsesDefaultsUntilDocumentsArrive(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	defaults := config.BuiltinDefaults().AppSettings()

	agg := New(s, defaults, nil, nil)
	require.Equal(t, defaults, agg.Current())
	require.NoError(t, agg.Start(ctx))
	defer agg.Stop()

	require.ErrorIs(t, agg.Start(ctx), ErrAlreadyStarted)
	require.Equal(t, 100.0, agg.TokenAmount(1000))
	require.Equal(t, 10.0, agg.BoosterRate(60))
	require.Zero(t, agg.BoosterRate(10))

	updates, cancel := agg.Watch()
	defer cancel()

	require.NoError(t, s.WriteMerge(ctx, store.SettingsTokenomicsPath, map[string]any{
		"pointValueUsd": 0.002,
		"tokenPriceUsd": 0.01,
	}))
	waitFor(t, updates, func(v models.AppSettings) bool { return v.Tokenomics.PointValueUSD == 0.002 })
	require.Equal(t, 200.0, agg.TokenAmount(1000))
}

func TestAggregatorRejectsMalformedTables(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	defaults := config.BuiltinDefaults().AppSettings()

	agg := New(s, defaults, nil, nil)
	require.NoError(t, agg.Start(ctx))
	defer agg.Stop()
	updates, cancel := agg.Watch()
	defer cancel()

	// No zero-threshold entry: rejected, defaults stay.
	require.NoError(t, s.WriteMerge(ctx, store.SettingsStakingPath, map[string]any{
		"tiers": []any{map[string]any{"threshold": 100, "multiplier": 2, "label": "X"}},
	}))
	// Unknown field: rejected.
	require.NoError(t, s.WriteMerge(ctx, store.SettingsReferralPath, map[string]any{"bogus": true}))

	require.NoError(t, s.WriteMerge(ctx, store.SettingsTokenomicsPath, map[string]any{
		"pointValueUsd": 0.001,
		"tokenPriceUsd": 0,
	}))
	got := waitFor(t, updates, func(v models.AppSettings) bool { return v.Tokenomics.TokenPriceUSD == 0 })

	require.Equal(t, defaults.StakingTiers, got.StakingTiers)
	require.Equal(t, defaults.ReferralSources, got.ReferralSources)
	require.Zero(t, agg.TokenAmount(1000))
}

func TestAggregatorAppliesValidStakingTable(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	defaults := config.BuiltinDefaults().AppSettings()

	agg := New(s, defaults, nil, nil)
	require.NoError(t, agg.Start(ctx))
	updates, cancel := agg.Watch()
	defer cancel()

	require.NoError(t, s.WriteMerge(ctx, store.SettingsStakingPath, map[string]any{
		"tiers": []any{
			map[string]any{"threshold": 0, "multiplier": 1, "label": "Base"},
			map[string]any{"threshold": 50, "multiplier": 3, "label": "Top"},
		},
	}))
	got := waitFor(t, updates, func(v models.AppSettings) bool { return len(v.StakingTiers) == 2 })
	require.Equal(t, "Top", got.StakingTiers[1].Label)
	require.Equal(t, defaults.BoosterTiers, got.BoosterTiers)

	require.NoError(t, agg.Stop())
	require.NoError(t, agg.Stop())
	require.Len(t, agg.Current().StakingTiers, 2)
}

func TestApplyReducersIgnoreErrors(t *testing.T) {
	defaults := config.BuiltinDefaults().AppSettings()
	cur := defaults
	cur.Tokenomics.TokenPriceUSD = 5

	next, err := applyTokenomics(cur, store.DocEvent{Err: context.Canceled}, defaults)
	require.Error(t, err)
	require.Equal(t, cur, next)

	next, err = applyTokenomics(cur, store.DocEvent{Snapshot: store.Snapshot{Exists: false}}, defaults)
	require.NoError(t, err)
	require.Equal(t, defaults.Tokenomics, next.Tokenomics)
}
