package services

import "time"

const (
	KeyDocument        = "doc:%s"
	KeyCollectionIndex = "idx:%s"
	KeyChanges         = "changes:%s"
	KeyCommand         = "cmd:%s"
	KeyUserSession     = "session:%s:%s"
	KeyRateLimit       = "ratelimit:%s:%s"
	KeySettlementQueue = "settlement:queue"

	TTLUserSession = 24 * time.Hour
	TTLCommand     = 7 * 24 * time.Hour // 7 days

	DefaultCollectionCap = 100 // items kept per collection index
)
