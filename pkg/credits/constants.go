package credits

import "time"

// Operation names and statuses reported through OperationLogger.
const (
	OperationAward       = "award"
	OperationRecordTopup = "record_topup"
	OperationEligibility = "check_eligibility"
	OperationUnlock      = "unlock"
	OperationSweep       = "sweep_expired"
	OperationWarn        = "expiry_warning"

	OperationStatusOK      = "ok"
	OperationStatusError   = "error"
	OperationStatusNothing = "nothing_to_unlock"
)

const (
	defaultExpiringWindow = 30 * 24 * time.Hour
	defaultSweepPageSize  = 500
	defaultUnlockAttempts = 3
	defaultUnlockTimeout  = 10 * time.Second
	defaultListLimit      = 50
	maxListLimit          = 200

	day = 24 * time.Hour

	messageCanUnlock         = "You can unlock %s credits with this top-up."
	messageNoLockedCredits   = "You have no locked credits to unlock."
	messageCapacityExhausted = "This top-up has already been used to unlock the maximum amount."
	messageTopupTooSmall     = "This top-up is too small to unlock any credits."
)

var defaultWarningDays = []int{7, 3, 1}
