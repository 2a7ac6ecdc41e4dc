package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
)

var ErrMalformedDocument = errors.New("models: malformed document")

// decodeStrict rejects unknown fields and trailing data so that a document
// whose shape drifted never leaks into a projection.
func decodeStrict(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedDocument, err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return fmt.Errorf("%w: trailing data", ErrMalformedDocument)
	}
	return nil
}

type missionDoc struct {
	Title     string  `json:"title"`
	Kind      string  `json:"kind"`
	Target    float64 `json:"target"`
	Progress  float64 `json:"progress"`
	Reward    float64 `json:"reward"`
	Completed bool    `json:"completed"`
	Claimed   bool    `json:"claimed"`
}

type profileDoc struct {
	Balance          float64               `json:"balance"`
	Staked           float64               `json:"staked"`
	Pending          float64               `json:"pending"`
	TodayEarnings    float64               `json:"todayEarnings"`
	Invited          int                   `json:"invited"`
	ReferralCount    int                   `json:"referralCount"`
	ReferralEarnings float64               `json:"referralEarnings"`
	ReferredBy       string                `json:"referredBy"`
	Missions         map[string]missionDoc `json:"missions"`
}

// DecodeProfile decodes the user profile document. An empty payload is a
// missing document and yields the zero profile.
func DecodeProfile(data []byte) (Profile, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return Profile{Missions: []Mission{}}, nil
	}
	var doc profileDoc
	if err := decodeStrict(data, &doc); err != nil {
		return Profile{}, err
	}

	missions := make([]Mission, 0, len(doc.Missions))
	for id, m := range doc.Missions {
		if id == "" || strings.Contains(id, ".") {
			return Profile{}, fmt.Errorf("%w: invalid mission id %q", ErrMalformedDocument, id)
		}
		if m.Reward < 0 {
			return Profile{}, fmt.Errorf("%w: negative reward for mission %q", ErrMalformedDocument, id)
		}
		missions = append(missions, Mission{
			ID:        id,
			Title:     m.Title,
			Kind:      m.Kind,
			Target:    m.Target,
			Progress:  m.Progress,
			Reward:    m.Reward,
			Completed: m.Completed || (m.Target > 0 && m.Progress >= m.Target),
			Claimed:   m.Claimed,
		})
	}
	sort.Slice(missions, func(i, j int) bool { return missions[i].ID < missions[j].ID })

	return Profile{
		Balance:          doc.Balance,
		Staked:           doc.Staked,
		Pending:          doc.Pending,
		TodayEarnings:    doc.TodayEarnings,
		Invited:          doc.Invited,
		ReferralCount:    doc.ReferralCount,
		ReferralEarnings: doc.ReferralEarnings,
		ReferredBy:       doc.ReferredBy,
		Missions:         missions,
	}, nil
}

func DecodeTransaction(id string, data []byte) (Transaction, error) {
	var tx Transaction
	if err := decodeStrict(data, &tx); err != nil {
		return Transaction{}, err
	}
	if !tx.Type.Valid() {
		return Transaction{}, fmt.Errorf("%w: unknown transaction type %q", ErrMalformedDocument, tx.Type)
	}
	if tx.ID == "" {
		tx.ID = id
	}
	return tx, nil
}

func DecodeTicket(id string, data []byte) (Ticket, error) {
	var t Ticket
	if err := decodeStrict(data, &t); err != nil {
		return Ticket{}, err
	}
	switch t.Status {
	case TicketStatusProcessing, TicketStatusRegistered, TicketStatusWon, TicketStatusLost:
	default:
		return Ticket{}, fmt.Errorf("%w: unknown ticket status %q", ErrMalformedDocument, t.Status)
	}
	if len(t.Numbers) != TicketNumberCount {
		return Ticket{}, fmt.Errorf("%w: ticket has %d numbers", ErrMalformedDocument, len(t.Numbers))
	}
	if t.ID == "" {
		t.ID = id
	}
	return t, nil
}

func DecodePrediction(id string, data []byte) (Prediction, error) {
	var p Prediction
	if err := decodeStrict(data, &p); err != nil {
		return Prediction{}, err
	}
	if !p.Coin.Valid() {
		return Prediction{}, fmt.Errorf("%w: unknown coin %q", ErrMalformedDocument, p.Coin)
	}
	switch p.Status {
	case PredictionStatusPending, PredictionStatusWon, PredictionStatusLost:
	default:
		return Prediction{}, fmt.Errorf("%w: unknown prediction status %q", ErrMalformedDocument, p.Status)
	}
	if p.ID == "" {
		p.ID = id
	}
	return p, nil
}

func DecodeTokenomics(data []byte) (TokenomicsSettings, error) {
	var t TokenomicsSettings
	if err := decodeStrict(data, &t); err != nil {
		return TokenomicsSettings{}, err
	}
	if t.PointValueUSD < 0 || t.TokenPriceUSD < 0 {
		return TokenomicsSettings{}, fmt.Errorf("%w: negative tokenomics value", ErrMalformedDocument)
	}
	return t, nil
}

type StakingSettings struct {
	Tiers        []StakingTier `json:"tiers"`
	BoosterTiers []BoosterTier `json:"boosterTiers"`
}

func DecodeStakingSettings(data []byte) (StakingSettings, error) {
	var s StakingSettings
	if err := decodeStrict(data, &s); err != nil {
		return StakingSettings{}, err
	}
	return s, nil
}

type ReferralSettings struct {
	Sources map[string]ReferralRewardConfig `json:"sources"`
	Ladder  []ReferralStep                  `json:"ladder"`
}

func DecodeReferralSettings(data []byte) (ReferralSettings, error) {
	var s ReferralSettings
	if err := decodeStrict(data, &s); err != nil {
		return ReferralSettings{}, err
	}
	for name, cfg := range s.Sources {
		if cfg.Tier1Rate < 0 || cfg.Tier2Rate < 0 {
			return ReferralSettings{}, fmt.Errorf("%w: negative referral rate for %q", ErrMalformedDocument, name)
		}
	}
	return s, nil
}
