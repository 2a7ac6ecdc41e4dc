package models

import "time"

const MissionWatchAds = "watch_ads"

type Mission struct {
	ID        string  `json:"id"`
	Title     string  `json:"title"`
	Kind      string  `json:"kind"`
	Target    float64 `json:"target"`
	Progress  float64 `json:"progress"`
	Reward    float64 `json:"reward"`
	Completed bool    `json:"completed"`
	Claimed   bool    `json:"claimed"`
}

// Profile is the scalar part of the user document.
type Profile struct {
	Balance          float64
	Staked           float64
	Pending          float64
	TodayEarnings    float64
	Invited          int
	ReferralCount    int
	ReferralEarnings float64
	ReferredBy       string
	Missions         []Mission
}

// UserState is the read-only projection of one user's economic state.
// Values are replaced wholesale by the state aggregator; consumers must not
// mutate the slices.
type UserState struct {
	UserID string `json:"userId"`

	Balance          float64 `json:"balance"`
	Staked           float64 `json:"staked"`
	Pending          float64 `json:"pending"`
	TodayEarnings    float64 `json:"todayEarnings"`
	Invited          int     `json:"invited"`
	ReferralCount    int     `json:"referralCount"`
	ReferralEarnings float64 `json:"referralEarnings"`
	ReferredBy       string  `json:"referredBy,omitempty"`

	Tickets      []Ticket      `json:"tickets"`
	Transactions []Transaction `json:"transactions"`
	Predictions  []Prediction  `json:"predictions"`
	Missions     []Mission     `json:"missions"`

	Tier         StakingTier `json:"tier"`
	Multiplier   float64     `json:"multiplier"`
	ReferralRate float64     `json:"referralRate"`
	Achievement  float64     `json:"achievement"`
	BoosterRate  float64     `json:"boosterRate"`

	UpdatedAt time.Time `json:"updatedAt"`
}

var BaseStakingTier = StakingTier{Threshold: 0, Multiplier: 1, Label: "Bronze"}

// EmptyUserState is the signed-out value of the projection.
func EmptyUserState() UserState {
	return UserState{
		Tickets:      []Ticket{},
		Transactions: []Transaction{},
		Predictions:  []Prediction{},
		Missions:     []Mission{},
		Tier:         BaseStakingTier,
		Multiplier:   BaseStakingTier.Multiplier,
	}
}

func (s UserState) SignedIn() bool {
	return s.UserID != ""
}

func (s UserState) Mission(id string) (Mission, bool) {
	for _, m := range s.Missions {
		if m.ID == id {
			return m, true
		}
	}
	return Mission{}, false
}

// WithProfile returns a copy of s with every scalar field taken from p.
func (s UserState) WithProfile(p Profile) UserState {
	s.Balance = p.Balance
	s.Staked = p.Staked
	s.Pending = p.Pending
	s.TodayEarnings = p.TodayEarnings
	s.Invited = p.Invited
	s.ReferralCount = p.ReferralCount
	s.ReferralEarnings = p.ReferralEarnings
	s.ReferredBy = p.ReferredBy
	s.Missions = p.Missions
	if s.Missions == nil {
		s.Missions = []Mission{}
	}
	return s
}

type Identity struct {
	UserID    string    `json:"user_id"`
	SessionID string    `json:"session_id"`
	Username  string    `json:"username,omitempty"`
	SignedAt  time.Time `json:"signed_at"`
}
