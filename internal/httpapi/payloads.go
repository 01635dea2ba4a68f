package httpapi

import (
	"encoding/json"
	"time"

	"github.com/MarkoPoloResearchLab/awardcredits/pkg/credits"
	"github.com/shopspring/decimal"
)

const amountScale = 2

type expiringCreditPayload struct {
	AwardID         string    `json:"award_id"`
	LockedAmount    string    `json:"locked_amount"`
	ExpiresAt       time.Time `json:"expires_at"`
	DaysUntilExpiry int       `json:"days_until_expiry"`
}

type balancePayload struct {
	LockedBalance      string                  `json:"locked_balance"`
	UnlockedBalance    string                  `json:"unlocked_balance"`
	ExpiringCredits    []expiringCreditPayload `json:"expiring_credits"`
	HasExpiringCredits bool                    `json:"has_expiring_credits"`
}

type eligibilityPayload struct {
	CanUnlock          bool                    `json:"can_unlock"`
	MaxUnlock          string                  `json:"max_unlock"`
	LockedBalance      string                  `json:"locked_balance"`
	TopupAmount        string                  `json:"topup_amount"`
	MaxUnlockFromTopup string                  `json:"max_unlock_from_topup"`
	AlreadyUnlocked    string                  `json:"already_unlocked"`
	RemainingCapacity  string                  `json:"remaining_capacity"`
	ExpiringCredits    []expiringCreditPayload `json:"expiring_credits"`
	Reason             string                  `json:"reason,omitempty"`
	Message            string                  `json:"message"`
}

type allocationPayload struct {
	AwardID        string `json:"award_id"`
	AmountUnlocked string `json:"amount_unlocked"`
	LockedAmount   string `json:"locked_amount"`
	Status         string `json:"status"`
}

type unlockRecordPayload struct {
	ID                 string          `json:"id"`
	TopupTransactionID string          `json:"topup_transaction_id"`
	AmountUnlocked     string          `json:"amount_unlocked"`
	Metadata           json.RawMessage `json:"metadata"`
	CreatedAt          time.Time       `json:"created_at"`
}

type unlockResponse struct {
	Status         string              `json:"status"`
	AmountUnlocked string              `json:"amount_unlocked"`
	Balance        balancePayload      `json:"balance"`
	Allocations    []allocationPayload `json:"allocations"`
	Record         unlockRecordPayload `json:"record"`
}

type nothingToUnlockResponse struct {
	Status  string         `json:"status"`
	Reason  string         `json:"reason"`
	Message string         `json:"message"`
	Balance balancePayload `json:"balance"`
}

type awardPayload struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	Amount         string    `json:"amount"`
	LockedAmount   string    `json:"locked_amount"`
	UnlockedAmount string    `json:"unlocked_amount"`
	AwardedBy      string    `json:"awarded_by"`
	AwardedDate    time.Time `json:"awarded_date"`
	ExpiresAt      time.Time `json:"expires_at"`
	Status         string    `json:"status"`
	Reason         string    `json:"reason"`
}

type expiredCreditPayload struct {
	AwardID      string    `json:"award_id"`
	UserID       string    `json:"user_id"`
	AmountLocked string    `json:"amount_locked"`
	ExpiredAt    time.Time `json:"expired_at"`
}

type sweepPayload struct {
	Success                 bool                   `json:"success"`
	ExpiredCount            int                    `json:"expired_count"`
	CreditsWithLockedAmount int                    `json:"credits_with_locked_amount"`
	FailedCount             int                    `json:"failed_count"`
	WarningsSent            int                    `json:"warnings_sent"`
	WarningsFailed          int                    `json:"warnings_failed"`
	Details                 []expiredCreditPayload `json:"details"`
	Error                   *errorPayload          `json:"error,omitempty"`
}

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func formatAmount(amount decimal.Decimal) string {
	return amount.StringFixed(amountScale)
}

func newExpiringPayload(expiring []credits.ExpiringCredit) []expiringCreditPayload {
	payload := make([]expiringCreditPayload, 0, len(expiring))
	for _, credit := range expiring {
		payload = append(payload, expiringCreditPayload{
			AwardID:         credit.AwardID.String(),
			LockedAmount:    formatAmount(credit.LockedAmount),
			ExpiresAt:       credit.ExpiresAt.UTC(),
			DaysUntilExpiry: credit.DaysUntilExpiry,
		})
	}
	return payload
}

func newBalancePayload(balance credits.Balance) balancePayload {
	return balancePayload{
		LockedBalance:      formatAmount(balance.LockedBalance),
		UnlockedBalance:    formatAmount(balance.UnlockedBalance),
		ExpiringCredits:    newExpiringPayload(balance.ExpiringCredits),
		HasExpiringCredits: balance.HasExpiringCredits,
	}
}

func newEligibilityPayload(eligibility credits.Eligibility) eligibilityPayload {
	return eligibilityPayload{
		CanUnlock:          eligibility.CanUnlock,
		MaxUnlock:          formatAmount(eligibility.MaxUnlock),
		LockedBalance:      formatAmount(eligibility.LockedBalance),
		TopupAmount:        formatAmount(eligibility.TopupAmount),
		MaxUnlockFromTopup: formatAmount(eligibility.MaxUnlockFromTopup),
		AlreadyUnlocked:    formatAmount(eligibility.AlreadyUnlocked),
		RemainingCapacity:  formatAmount(eligibility.RemainingCapacity),
		ExpiringCredits:    newExpiringPayload(eligibility.ExpiringCredits),
		Reason:             string(eligibility.Reason),
		Message:            eligibility.Message,
	}
}

func newUnlockRecordPayload(record credits.UnlockRecord) unlockRecordPayload {
	return unlockRecordPayload{
		ID:                 record.ID,
		TopupTransactionID: record.TopupTransactionID.String(),
		AmountUnlocked:     formatAmount(record.AmountUnlocked),
		Metadata:           json.RawMessage(record.Metadata.String()),
		CreatedAt:          record.CreatedAt.UTC(),
	}
}

func newAwardPayload(award credits.AwardedCredit) awardPayload {
	return awardPayload{
		ID:             award.ID.String(),
		UserID:         award.UserID.String(),
		Amount:         formatAmount(award.Amount),
		LockedAmount:   formatAmount(award.LockedAmount),
		UnlockedAmount: formatAmount(award.UnlockedAmount),
		AwardedBy:      award.AwardedBy,
		AwardedDate:    award.AwardedDate.UTC(),
		ExpiresAt:      award.ExpiresAt.UTC(),
		Status:         award.Status.String(),
		Reason:         award.Reason,
	}
}

func newSweepPayload(result credits.SweepResult) sweepPayload {
	details := make([]expiredCreditPayload, 0, len(result.Details))
	for _, detail := range result.Details {
		details = append(details, expiredCreditPayload{
			AwardID:      detail.AwardID.String(),
			UserID:       detail.UserID.String(),
			AmountLocked: formatAmount(detail.AmountLocked),
			ExpiredAt:    detail.ExpiredAt.UTC(),
		})
	}
	return sweepPayload{
		Success:                 result.Success,
		ExpiredCount:            result.ExpiredCount,
		CreditsWithLockedAmount: result.CreditsWithLockedAmount,
		FailedCount:             result.FailedCount,
		WarningsSent:            result.WarningsSent,
		WarningsFailed:          result.WarningsFailed,
		Details:                 details,
	}
}
