package models

import (
	"fmt"
	"strconv"

	"github.com/google/uuid"
)

// NewCommandKey returns the idempotency key for one ledger command. Every
// document the command writes derives its ID from the key so a replay
// rewrites the same documents instead of adding new ones.
func NewCommandKey() string {
	return uuid.NewString()
}

func TransactionID(key string) string {
	return "tx_" + key
}

func TicketID(key string) string {
	return "ticket_" + key
}

// PredictionID is scoped to coin and calendar day, so two submissions for the
// same coin on the same day collide in the store.
func PredictionID(coin Coin, day string) string {
	return fmt.Sprintf("pred_%s_%s", coin, day)
}

func FormatPoints(amount float64) string {
	return strconv.FormatFloat(amount, 'f', -1, 64)
}

func FormatMultiplier(m float64) string {
	return strconv.FormatFloat(m, 'f', -1, 64) + "x"
}
