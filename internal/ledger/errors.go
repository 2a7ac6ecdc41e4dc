package ledger

import "errors"

var (
	ErrNotSignedIn           = errors.New("ledger: not signed in")
	ErrInvalidAmount         = errors.New("ledger: amount must be positive")
	ErrInsufficientBalance   = errors.New("ledger: insufficient balance")
	ErrInsufficientStake     = errors.New("ledger: insufficient staked amount")
	ErrInvalidTicket         = errors.New("ledger: invalid ticket")
	ErrInvalidCoin           = errors.New("ledger: unsupported coin")
	ErrAlreadyPredicted      = errors.New("ledger: prediction already submitted today")
	ErrMissionNotFound       = errors.New("ledger: mission not found")
	ErrMissionNotCompleted   = errors.New("ledger: mission not completed")
	ErrMissionAlreadyClaimed = errors.New("ledger: mission already claimed")
	ErrAdNotCompleted        = errors.New("ledger: ad was not watched to the end")
	ErrRateLimited           = errors.New("ledger: too many requests")
	ErrTransport             = errors.New("ledger: store unavailable")
	ErrInternal              = errors.New("ledger: internal error")
)

// IsValidation reports whether err is a local rejection that wrote nothing.
func IsValidation(err error) bool {
	for _, target := range []error{
		ErrNotSignedIn, ErrInvalidAmount, ErrInsufficientBalance, ErrInsufficientStake,
		ErrInvalidTicket, ErrInvalidCoin, ErrAlreadyPredicted, ErrMissionNotFound,
		ErrMissionNotCompleted, ErrMissionAlreadyClaimed, ErrAdNotCompleted, ErrRateLimited,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
