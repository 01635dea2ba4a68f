package credits

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Store is the persistence contract used by Service.
// Implementations must return awards in ascending awarded_date order (ties by id) from every list method.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error

	// LockUser serializes writers for one user until the surrounding transaction ends.
	LockUser(ctx context.Context, userID UserID, at time.Time) error

	InsertAward(ctx context.Context, award AwardedCredit) error
	ListAwards(ctx context.Context, userID UserID) ([]AwardedCredit, error)
	// ListUnlockableAwards returns active rows with locked credits expiring after at, row-locked where supported.
	ListUnlockableAwards(ctx context.Context, userID UserID, at time.Time) ([]AwardedCredit, error)
	// CompareAndSwapAward persists next only if the row still matches previous' status and locked amount.
	// A lost swap returns an error wrapping ErrLedgerConflict.
	CompareAndSwapAward(ctx context.Context, previous AwardedCredit, next AwardedCredit, at time.Time) error

	InsertTopup(ctx context.Context, topup Topup) error
	GetTopup(ctx context.Context, userID UserID, topupID TopupTransactionID) (Topup, error)

	SumUnlockedForTopup(ctx context.Context, userID UserID, topupID TopupTransactionID) (decimal.Decimal, error)
	InsertUnlockRecord(ctx context.Context, record UnlockRecord) error
	ListUnlockRecords(ctx context.Context, userID UserID, limit int) ([]UnlockRecord, error)

	ListExpiredActiveAwards(ctx context.Context, at time.Time, limit int) ([]AwardedCredit, error)
	// MarkAwardExpired flips an active row to expired and reports whether this call changed it.
	MarkAwardExpired(ctx context.Context, awardID AwardID, at time.Time) (bool, error)
	// ListAwardsExpiringBetween returns active rows with locked credits and from <= expires_at < to.
	ListAwardsExpiringBetween(ctx context.Context, from time.Time, to time.Time) ([]AwardedCredit, error)
}
