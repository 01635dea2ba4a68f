package credits

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var two = decimal.NewFromInt(2)

// MaxUnlockFromTopup caps the unlock privilege of a single top-up at half its value, rounded down.
func MaxUnlockFromTopup(topupAmount decimal.Decimal) decimal.Decimal {
	if !topupAmount.IsPositive() {
		return decimal.Zero
	}
	return topupAmount.Div(two).Floor()
}

// EligibilityInput is the ledger snapshot consumed by CalculateEligibility.
type EligibilityInput struct {
	TopupAmount     decimal.Decimal
	AlreadyUnlocked decimal.Decimal
	Awards          []AwardedCredit
	Now             time.Time
	ExpiringWindow  time.Duration
}

// CalculateEligibility computes the unlockable amount from a ledger snapshot. It never mutates its input.
func CalculateEligibility(input EligibilityInput) Eligibility {
	maxFromTopup := MaxUnlockFromTopup(input.TopupAmount)
	remaining := maxFromTopup.Sub(input.AlreadyUnlocked)
	totalLocked := SumUnlockable(input.Awards, input.Now)
	maxUnlock := decimal.Max(decimal.Zero, decimal.Min(remaining, totalLocked)).Truncate(AmountScale)

	eligibility := Eligibility{
		CanUnlock:          maxUnlock.IsPositive(),
		MaxUnlock:          maxUnlock,
		LockedBalance:      totalLocked,
		TopupAmount:        input.TopupAmount,
		MaxUnlockFromTopup: maxFromTopup,
		AlreadyUnlocked:    input.AlreadyUnlocked,
		RemainingCapacity:  remaining,
		ExpiringCredits:    ExpiringCredits(input.Awards, input.Now, input.ExpiringWindow),
	}
	switch {
	case eligibility.CanUnlock:
		eligibility.Message = fmt.Sprintf(messageCanUnlock, maxUnlock.String())
	case !totalLocked.IsPositive():
		eligibility.Reason = UnlockBlockNoLockedCredits
		eligibility.Message = messageNoLockedCredits
	case !maxFromTopup.IsPositive():
		eligibility.Reason = UnlockBlockTopupTooSmall
		eligibility.Message = messageTopupTooSmall
	default:
		eligibility.Reason = UnlockBlockCapacityExhausted
		eligibility.Message = messageCapacityExhausted
	}
	return eligibility
}

// SumUnlockable totals the locked amount of rows that are still unlockable at now.
func SumUnlockable(awards []AwardedCredit, now time.Time) decimal.Decimal {
	total := decimal.Zero
	for _, award := range awards {
		if award.IsUnlockable(now) {
			total = total.Add(award.LockedAmount)
		}
	}
	return total
}

// ExpiringCredits lists unlockable rows expiring within window of now, in input order.
func ExpiringCredits(awards []AwardedCredit, now time.Time, window time.Duration) []ExpiringCredit {
	horizon := now.Add(window)
	expiring := make([]ExpiringCredit, 0)
	for _, award := range awards {
		if !award.IsUnlockable(now) || award.ExpiresAt.After(horizon) {
			continue
		}
		expiring = append(expiring, ExpiringCredit{
			AwardID:         award.ID,
			LockedAmount:    award.LockedAmount,
			ExpiresAt:       award.ExpiresAt,
			DaysUntilExpiry: int(award.ExpiresAt.Sub(now) / day),
		})
	}
	return expiring
}

type allocation struct {
	previous AwardedCredit
	next     AwardedCredit
	unlocked decimal.Decimal
}

// allocateUnlock walks awards in the given order and releases up to amount, oldest first.
func allocateUnlock(awards []AwardedCredit, amount decimal.Decimal, now time.Time) []allocation {
	remaining := amount
	allocations := make([]allocation, 0, len(awards))
	for _, award := range awards {
		if !remaining.IsPositive() {
			break
		}
		if !award.IsUnlockable(now) {
			continue
		}
		portion := decimal.Min(award.LockedAmount, remaining)
		next := award
		next.LockedAmount = award.LockedAmount.Sub(portion)
		next.UnlockedAmount = award.UnlockedAmount.Add(portion)
		if next.LockedAmount.IsZero() {
			next.Status = AwardStatusFullyUnlocked
		}
		allocations = append(allocations, allocation{previous: award, next: next, unlocked: portion})
		remaining = remaining.Sub(portion)
	}
	return allocations
}
