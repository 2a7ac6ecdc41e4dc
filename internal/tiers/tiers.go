// Package tiers resolves reward multipliers and rates from threshold tables.
// Every lookup follows the same rule: the entry with the highest threshold
// that does not exceed the input wins. All functions are pure.
package tiers

import (
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"rewards-miniapp/internal/models"
)

// BaseAdReward is the number of points paid for one completed ad before the
// staking multiplier is applied.
const BaseAdReward = 5.0

var ErrInvalidTable = errors.New("tiers: invalid table")

// CurrentTier returns the staking tier for the staked amount. A valid table
// always has a zero-threshold entry, which makes the lookup total; for an
// empty table the built-in base tier is returned.
func CurrentTier(table []models.StakingTier, staked float64) models.StakingTier {
	if len(table) == 0 {
		return models.BaseStakingTier
	}
	sorted := make([]models.StakingTier, len(table))
	copy(sorted, table)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Threshold > sorted[j].Threshold })

	for _, tier := range sorted {
		if tier.Threshold <= staked {
			return tier
		}
	}
	return sorted[len(sorted)-1]
}

// BoosterRate returns the reward rate for an achievement percentage, or 0
// when no tier qualifies.
func BoosterRate(table []models.BoosterTier, achievement float64) float64 {
	sorted := make([]models.BoosterTier, len(table))
	copy(sorted, table)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].MinAchievement > sorted[j].MinAchievement })

	for _, tier := range sorted {
		if tier.MinAchievement <= achievement {
			return tier.RewardRate
		}
	}
	return 0
}

// ReferralRate returns the ladder rate for the number of invited users.
func ReferralRate(ladder []models.ReferralStep, invited int) float64 {
	sorted := make([]models.ReferralStep, len(ladder))
	copy(sorted, ladder)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].MinInvited > sorted[j].MinInvited })

	for _, step := range sorted {
		if step.MinInvited <= invited {
			return step.Rate
		}
	}
	return 0
}

// ReferralSplit returns the amounts owed to the direct and indirect referrer
// for a reward of base points.
func ReferralSplit(base float64, cfg models.ReferralRewardConfig) (direct, indirect float64) {
	if !cfg.Enabled || base <= 0 {
		return 0, 0
	}
	b := decimal.NewFromFloat(base)
	hundred := decimal.NewFromInt(100)
	direct = b.Mul(decimal.NewFromFloat(cfg.Tier1Rate)).Div(hundred).InexactFloat64()
	indirect = b.Mul(decimal.NewFromFloat(cfg.Tier2Rate)).Div(hundred).InexactFloat64()
	return direct, indirect
}

// TokenAmount converts points to tokens. A zero token price yields 0.
func TokenAmount(points float64, t models.TokenomicsSettings) float64 {
	if t.TokenPriceUSD == 0 {
		return 0
	}
	return decimal.NewFromFloat(points).
		Mul(decimal.NewFromFloat(t.PointValueUSD)).
		Div(decimal.NewFromFloat(t.TokenPriceUSD)).
		InexactFloat64()
}

// AdReward scales the base reward by the tier multiplier.
func AdReward(base, multiplier float64) float64 {
	return decimal.NewFromFloat(base).Mul(decimal.NewFromFloat(multiplier)).InexactFloat64()
}

// ValidateStakingTiers rejects tables without a zero-threshold entry, with
// duplicate thresholds, or whose multipliers decrease as thresholds grow.
func ValidateStakingTiers(table []models.StakingTier) error {
	if len(table) == 0 {
		return fmt.Errorf("%w: staking table is empty", ErrInvalidTable)
	}
	sorted := make([]models.StakingTier, len(table))
	copy(sorted, table)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Threshold < sorted[j].Threshold })

	if sorted[0].Threshold != 0 {
		return fmt.Errorf("%w: staking table has no zero-threshold entry", ErrInvalidTable)
	}
	for i := 1; i < len(sorted); i++ {
		if sorted[i].Threshold == sorted[i-1].Threshold {
			return fmt.Errorf("%w: duplicate staking threshold %v", ErrInvalidTable, sorted[i].Threshold)
		}
		if sorted[i].Multiplier < sorted[i-1].Multiplier {
			return fmt.Errorf("%w: multiplier decreases at threshold %v", ErrInvalidTable, sorted[i].Threshold)
		}
	}
	for _, t := range sorted {
		if t.Multiplier <= 0 {
			return fmt.Errorf("%w: non-positive multiplier at threshold %v", ErrInvalidTable, t.Threshold)
		}
	}
	return nil
}

func ValidateBoosterTiers(table []models.BoosterTier) error {
	seen := make(map[float64]bool, len(table))
	for _, t := range table {
		if t.MinAchievement < 0 || t.MinAchievement > 100 {
			return fmt.Errorf("%w: booster achievement %v outside 0-100", ErrInvalidTable, t.MinAchievement)
		}
		if seen[t.MinAchievement] {
			return fmt.Errorf("%w: duplicate booster threshold %v", ErrInvalidTable, t.MinAchievement)
		}
		seen[t.MinAchievement] = true
	}
	return nil
}

func ValidateReferralLadder(ladder []models.ReferralStep) error {
	seen := make(map[int]bool, len(ladder))
	for _, s := range ladder {
		if s.MinInvited < 0 || s.Rate < 0 {
			return fmt.Errorf("%w: negative referral step %+v", ErrInvalidTable, s)
		}
		if seen[s.MinInvited] {
			return fmt.Errorf("%w: duplicate referral threshold %d", ErrInvalidTable, s.MinInvited)
		}
		seen[s.MinInvited] = true
	}
	return nil
}
