package credits

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Balance re-reads every award of the user and aggregates locked and unlocked totals.
func (service *Service) Balance(ctx context.Context, userID UserID) (Balance, error) {
	awards, err := service.store.ListAwards(ctx, userID)
	if err != nil {
		return Balance{}, err
	}
	return AggregateBalance(awards, service.nowFn().UTC(), service.expiringWindow), nil
}

// AggregateBalance combines a user's awards: locked over unlockable rows, unlocked over every row.
func AggregateBalance(awards []AwardedCredit, now time.Time, window time.Duration) Balance {
	unlocked := decimal.Zero
	for _, award := range awards {
		unlocked = unlocked.Add(award.UnlockedAmount)
	}
	expiring := ExpiringCredits(awards, now, window)
	return Balance{
		LockedBalance:      SumUnlockable(awards, now),
		UnlockedBalance:    unlocked,
		ExpiringCredits:    expiring,
		HasExpiringCredits: len(expiring) > 0,
	}
}
