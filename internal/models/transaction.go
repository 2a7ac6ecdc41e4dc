package models

import "time"

type TransactionType string

const (
	TransactionTypeAdReward     TransactionType = "AdReward"
	TransactionTypeJackpotEntry TransactionType = "JackpotEntry"
	TransactionTypeJackpotWin   TransactionType = "JackpotWin"
	TransactionTypeBTCGame      TransactionType = "BTCGame"
	TransactionTypeMission      TransactionType = "Mission"
	TransactionTypeReferral     TransactionType = "Referral"
	TransactionTypeStaking      TransactionType = "Staking"
	TransactionTypeUnstaking    TransactionType = "Unstaking"
)

func (t TransactionType) Valid() bool {
	switch t {
	case TransactionTypeAdReward, TransactionTypeJackpotEntry, TransactionTypeJackpotWin,
		TransactionTypeBTCGame, TransactionTypeMission, TransactionTypeReferral,
		TransactionTypeStaking, TransactionTypeUnstaking:
		return true
	}
	return false
}

// Transaction is an append-only ledger row. Amount is signed: credits are
// positive, debits negative.
type Transaction struct {
	ID          string          `json:"id"`
	Type        TransactionType `json:"type"`
	Amount      float64         `json:"amount"`
	Date        time.Time       `json:"date"`
	Description string          `json:"description"`
}
