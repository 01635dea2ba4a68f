package credits

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// UserID identifies an account owner.
type UserID struct {
	value string
}

// AwardID identifies an awarded-credit row.
type AwardID struct {
	value string
}

// TopupTransactionID references an external top-up (purchase) transaction.
type TopupTransactionID struct {
	value string
}

// MetadataJSON stores arbitrary request metadata.
type MetadataJSON struct {
	value string
}

// PositiveAmount is a credit amount strictly greater than zero.
type PositiveAmount struct {
	value decimal.Decimal
}

// AwardStatus defines the award lifecycle.
type AwardStatus string

const (
	AwardStatusActive        AwardStatus = "active"
	AwardStatusExpired       AwardStatus = "expired"
	AwardStatusFullyUnlocked AwardStatus = "fully_unlocked"
)

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// NewAwardID validates and normalizes an award id.
func NewAwardID(raw string) (AwardID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return AwardID{}, fmt.Errorf("%w: empty value", ErrInvalidAwardID)
	}
	return AwardID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id AwardID) String() string {
	return id.value
}

// NewTopupTransactionID validates and normalizes a top-up transaction reference.
func NewTopupTransactionID(raw string) (TopupTransactionID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return TopupTransactionID{}, fmt.Errorf("%w: empty value", ErrInvalidTopupTransactionID)
	}
	return TopupTransactionID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id TopupTransactionID) String() string {
	return id.value
}

// IsZero reports whether the reference was omitted.
func (id TopupTransactionID) IsZero() bool {
	return id.value == ""
}

// NewMetadataJSON validates metadata string (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return MetadataJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	if metadata.value == "" {
		return "{}"
	}
	return metadata.value
}

// AmountScale is the number of fractional digits every persisted amount carries.
const AmountScale = 2

// NewPositiveAmount validates an amount and ensures it is strictly positive with at most AmountScale decimals.
func NewPositiveAmount(raw decimal.Decimal) (PositiveAmount, error) {
	if !raw.IsPositive() {
		return PositiveAmount{}, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	if !raw.Equal(raw.Truncate(AmountScale)) {
		return PositiveAmount{}, fmt.Errorf("%w: at most %d decimal places", ErrInvalidAmount, AmountScale)
	}
	return PositiveAmount{value: raw}, nil
}

// ParsePositiveAmount parses a decimal string and validates it with NewPositiveAmount.
func ParsePositiveAmount(raw string) (PositiveAmount, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return PositiveAmount{}, fmt.Errorf("%w: missing value", ErrInvalidAmount)
	}
	parsed, err := decimal.NewFromString(trimmed)
	if err != nil {
		return PositiveAmount{}, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}
	return NewPositiveAmount(parsed)
}

// Decimal returns the underlying decimal value.
func (amount PositiveAmount) Decimal() decimal.Decimal {
	return amount.value
}

// String returns the canonical decimal representation.
func (amount PositiveAmount) String() string {
	return amount.value.String()
}

// ParseAwardStatus validates a persisted status value.
func ParseAwardStatus(raw string) (AwardStatus, error) {
	switch status := AwardStatus(strings.TrimSpace(raw)); status {
	case AwardStatusActive, AwardStatusExpired, AwardStatusFullyUnlocked:
		return status, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidAwardStatus, raw)
	}
}

// String returns the persisted representation.
func (status AwardStatus) String() string {
	return string(status)
}

// AwardedCredit is one award event and its locked/unlocked split.
type AwardedCredit struct {
	ID             AwardID
	UserID         UserID
	Amount         decimal.Decimal
	LockedAmount   decimal.Decimal
	UnlockedAmount decimal.Decimal
	AwardedBy      string
	AwardedDate    time.Time
	ExpiresAt      time.Time
	Status         AwardStatus
	Reason         string
}

// IsUnlockable reports whether the row still carries locked credits that may be unlocked at the given instant.
// Expired rows keep their numeric locked amount; this predicate is what forfeits it.
func (award AwardedCredit) IsUnlockable(at time.Time) bool {
	return award.Status == AwardStatusActive && award.LockedAmount.IsPositive() && award.ExpiresAt.After(at)
}

// Validate checks the row invariants: non-negative split that sums to the original amount.
func (award AwardedCredit) Validate() error {
	if award.Amount.IsNegative() || award.LockedAmount.IsNegative() || award.UnlockedAmount.IsNegative() {
		return fmt.Errorf("%w: award %s has a negative amount", ErrInvariantViolation, award.ID.String())
	}
	if !award.LockedAmount.Add(award.UnlockedAmount).Equal(award.Amount) {
		return fmt.Errorf("%w: award %s locked %s + unlocked %s != amount %s", ErrInvariantViolation, award.ID.String(), award.LockedAmount, award.UnlockedAmount, award.Amount)
	}
	if award.Status == AwardStatusFullyUnlocked && !award.LockedAmount.IsZero() {
		return fmt.Errorf("%w: award %s is fully unlocked with locked %s", ErrInvariantViolation, award.ID.String(), award.LockedAmount)
	}
	return nil
}

// UnlockRecord is the append-only audit row written by every successful unlock.
type UnlockRecord struct {
	ID                 string
	TopupTransactionID TopupTransactionID
	UserID             UserID
	AmountUnlocked     decimal.Decimal
	Metadata           MetadataJSON
	CreatedAt          time.Time
}

// Topup is a completed purchase reported by the payment collaborator.
type Topup struct {
	ID        TopupTransactionID
	UserID    UserID
	Amount    decimal.Decimal
	CreatedAt time.Time
}

// ExpiringCredit is an unlockable award whose locked amount will be forfeited soon.
type ExpiringCredit struct {
	AwardID         AwardID
	LockedAmount    decimal.Decimal
	ExpiresAt       time.Time
	DaysUntilExpiry int
}

// Balance is the aggregate view over all of a user's awards.
type Balance struct {
	LockedBalance      decimal.Decimal
	UnlockedBalance    decimal.Decimal
	ExpiringCredits    []ExpiringCredit
	HasExpiringCredits bool
}

// Eligibility describes how much of the locked balance a top-up may release.
type Eligibility struct {
	CanUnlock          bool
	MaxUnlock          decimal.Decimal
	LockedBalance      decimal.Decimal
	TopupAmount        decimal.Decimal
	MaxUnlockFromTopup decimal.Decimal
	AlreadyUnlocked    decimal.Decimal
	RemainingCapacity  decimal.Decimal
	ExpiringCredits    []ExpiringCredit
	Reason             UnlockBlockReason
	Message            string
}

// UnlockBlockReason explains why nothing can be unlocked.
type UnlockBlockReason string

const (
	UnlockBlockNone              UnlockBlockReason = ""
	UnlockBlockNoLockedCredits   UnlockBlockReason = "no_locked_credits"
	UnlockBlockCapacityExhausted UnlockBlockReason = "topup_capacity_exhausted"
	UnlockBlockTopupTooSmall     UnlockBlockReason = "topup_too_small"
)

// UnlockAllocation is the portion of one award released by an unlock.
type UnlockAllocation struct {
	AwardID        AwardID
	AmountUnlocked decimal.Decimal
	LockedAmount   decimal.Decimal
	Status         AwardStatus
}

// UnlockResult is returned by a successful unlock.
type UnlockResult struct {
	AmountUnlocked decimal.Decimal
	NewBalance     Balance
	Allocations    []UnlockAllocation
	Record         UnlockRecord
}

// ExpiredCreditDetail reports one award transitioned by the sweeper while still holding locked credits.
type ExpiredCreditDetail struct {
	AwardID      AwardID
	UserID       UserID
	AmountLocked decimal.Decimal
	ExpiredAt    time.Time
}

// SweepResult summarizes one sweeper run.
type SweepResult struct {
	Success                 bool
	ExpiredCount            int
	CreditsWithLockedAmount int
	FailedCount             int
	WarningsSent            int
	WarningsFailed          int
	Details                 []ExpiredCreditDetail
}

// ExpiryWarning is emitted for an award whose locked credits expire in DaysBefore days.
type ExpiryWarning struct {
	AwardID      AwardID
	UserID       UserID
	LockedAmount decimal.Decimal
	ExpiresAt    time.Time
	DaysBefore   int
}
