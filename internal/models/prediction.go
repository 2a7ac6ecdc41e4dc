package models

import "time"

type Coin string

const (
	CoinBitcoin  Coin = "bitcoin"
	CoinEthereum Coin = "ethereum"
)

func (c Coin) Valid() bool {
	return c == CoinBitcoin || c == CoinEthereum
}

type PredictionStatus string

const (
	PredictionStatusPending PredictionStatus = "Pending"
	PredictionStatusWon     PredictionStatus = "Won"
	PredictionStatusLost    PredictionStatus = "Lost"
)

type Prediction struct {
	ID             string           `json:"id"`
	Coin           Coin             `json:"coin"`
	Range          string           `json:"range"`
	StrikePrice    float64          `json:"strikePrice"`
	BetAmount      float64          `json:"betAmount"`
	PredictedPrice float64          `json:"predictedPrice"`
	PredictedAt    time.Time        `json:"predictedAt"`
	Status         PredictionStatus `json:"status"`
}

// DayKey formats the calendar day of t in loc, used to scope the
// one-prediction-per-coin-per-day rule.
func DayKey(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format("20060102")
}
