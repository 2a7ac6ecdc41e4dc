package models

type StakingTier struct {
	Threshold  float64 `json:"threshold" yaml:"threshold"`
	Multiplier float64 `json:"multiplier" yaml:"multiplier"`
	Label      string  `json:"label" yaml:"label"`
}

type BoosterTier struct {
	MinAchievement float64 `json:"minAchievement" yaml:"min_achievement"`
	RewardRate     float64 `json:"rewardRate" yaml:"reward_rate"`
}

// ReferralRewardConfig holds percentages paid to the direct (Tier1) and
// indirect (Tier2) referrer for one reward source.
type ReferralRewardConfig struct {
	Enabled   bool    `json:"enabled" yaml:"enabled"`
	Tier1Rate float64 `json:"tier1Rate" yaml:"tier1_rate"`
	Tier2Rate float64 `json:"tier2Rate" yaml:"tier2_rate"`
}

type ReferralStep struct {
	MinInvited int     `json:"minInvited" yaml:"min_invited"`
	Rate       float64 `json:"rate" yaml:"rate"`
}

type TokenomicsSettings struct {
	PointValueUSD float64 `json:"pointValueUsd" yaml:"point_value_usd"`
	TokenPriceUSD float64 `json:"tokenPriceUsd" yaml:"token_price_usd"`
}

const (
	ReferralSourceAd      = "ad"
	ReferralSourceMission = "mission"
	ReferralSourceJackpot = "jackpot"
)

// AppSettings is the projection of the three configuration documents.
type AppSettings struct {
	Tokenomics      TokenomicsSettings              `json:"tokenomics"`
	StakingTiers    []StakingTier                   `json:"stakingTiers"`
	BoosterTiers    []BoosterTier                   `json:"boosterTiers"`
	ReferralSources map[string]ReferralRewardConfig `json:"referralSources"`
	ReferralLadder  []ReferralStep                  `json:"referralLadder"`
}

func (s AppSettings) ReferralSource(source string) ReferralRewardConfig {
	if s.ReferralSources == nil {
		return ReferralRewardConfig{}
	}
	return s.ReferralSources[source]
}
