package state

import (
	"fmt"

	"github.com/shopspring/decimal"

	"rewards-miniapp/internal/models"
	"rewards-miniapp/internal/store"
	"rewards-miniapp/internal/tiers"
)

// Reducers take the current projection and one snapshot and return the next
// projection. On error the returned state equals the input.

func reduceProfile(cur models.UserState, ev store.DocEvent) (models.UserState, error) {
	if ev.Err != nil {
		return cur, ev.Err
	}
	var data []byte
	if ev.Snapshot.Exists {
		data = ev.Snapshot.Data
	}
	p, err := models.DecodeProfile(data)
	if err != nil {
		return cur, err
	}
	return cur.WithProfile(p), nil
}

func reduceTickets(cur models.UserState, ev store.QueryEvent) (models.UserState, error) {
	items, err := decodeAll(ev, models.DecodeTicket)
	if err != nil {
		return cur, err
	}
	cur.Tickets = items
	return cur, nil
}

func reduceTransactions(cur models.UserState, ev store.QueryEvent) (models.UserState, error) {
	items, err := decodeAll(ev, models.DecodeTransaction)
	if err != nil {
		return cur, err
	}
	cur.Transactions = items
	return cur, nil
}

func reducePredictions(cur models.UserState, ev store.QueryEvent) (models.UserState, error) {
	items, err := decodeAll(ev, models.DecodePrediction)
	if err != nil {
		return cur, err
	}
	cur.Predictions = items
	return cur, nil
}

// decodeAll rejects the whole result set if a single document is malformed.
func decodeAll[T any](ev store.QueryEvent, decode func(id string, data []byte) (T, error)) ([]T, error) {
	if ev.Err != nil {
		return nil, ev.Err
	}
	out := make([]T, 0, len(ev.Docs))
	for _, doc := range ev.Docs {
		item, err := decode(doc.ID, doc.Data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", doc.Path, err)
		}
		out = append(out, item)
	}
	return out, nil
}

// derive fills the presentation fields that depend on the settings tables.
func derive(s models.UserState, settings models.AppSettings) models.UserState {
	s.Tier = tiers.CurrentTier(settings.StakingTiers, s.Staked)
	s.Multiplier = s.Tier.Multiplier
	s.ReferralRate = tiers.ReferralRate(settings.ReferralLadder, s.Invited)
	s.Achievement = achievement(s.Missions)
	s.BoosterRate = tiers.BoosterRate(settings.BoosterTiers, s.Achievement)
	return s
}

// achievement is the percentage of missions completed, 0 without missions.
func achievement(missions []models.Mission) float64 {
	if len(missions) == 0 {
		return 0
	}
	done := 0
	for _, m := range missions {
		if m.Completed {
			done++
		}
	}
	return decimal.NewFromInt(int64(done)).
		Mul(decimal.NewFromInt(100)).
		Div(decimal.NewFromInt(int64(len(missions)))).
		Round(2).
		InexactFloat64()
}
