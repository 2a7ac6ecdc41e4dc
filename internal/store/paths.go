package store

const (
	SettingsTokenomicsPath = "settings/tokenomics"
	SettingsStakingPath    = "settings/staking"
	SettingsReferralPath   = "settings/referral"
)

func UserPath(uid string) string {
	return "users/" + uid
}

func TicketsPath(uid string) string {
	return UserPath(uid) + "/tickets"
}

func TransactionsPath(uid string) string {
	return UserPath(uid) + "/transactions"
}

func PredictionsPath(uid string) string {
	return UserPath(uid) + "/predictions"
}

func ItemPath(collection, id string) string {
	return collection + "/" + id
}
