package credits

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Service contains the awarded-credits domain logic over a Store.
type Service struct {
	store          Store
	nowFn          func() time.Time
	logger         OperationLogger
	notifier       Notifier
	expiringWindow time.Duration
	warningDays    []int
	sweepPageSize  int
	unlockAttempts int
	unlockTimeout  time.Duration
}

// NewService wires a Service.
func NewService(store Store, now func() time.Time, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{
		store:          store,
		nowFn:          now,
		expiringWindow: defaultExpiringWindow,
		warningDays:    append([]int(nil), defaultWarningDays...),
		sweepPageSize:  defaultSweepPageSize,
		unlockAttempts: defaultUnlockAttempts,
		unlockTimeout:  defaultUnlockTimeout,
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// AwardCredits grants a new fully locked award to a user.
func (service *Service) AwardCredits(ctx context.Context, userID UserID, amount PositiveAmount, awardedBy string, reason string, expiresAt time.Time) (AwardedCredit, error) {
	var award AwardedCredit
	operationError := func() error {
		awarder := strings.TrimSpace(awardedBy)
		if awarder == "" {
			return fmt.Errorf("%w: empty value", ErrInvalidAwarder)
		}
		now := service.nowFn().UTC()
		if !expiresAt.After(now) {
			return fmt.Errorf("%w: expires_at must be in the future", ErrInvalidExpiry)
		}
		awardID, err := NewAwardID(uuid.NewString())
		if err != nil {
			return err
		}
		award = AwardedCredit{
			ID:             awardID,
			UserID:         userID,
			Amount:         amount.Decimal(),
			LockedAmount:   amount.Decimal(),
			UnlockedAmount: decimal.Zero,
			AwardedBy:      awarder,
			AwardedDate:    now,
			ExpiresAt:      expiresAt.UTC(),
			Status:         AwardStatusActive,
			Reason:         strings.TrimSpace(reason),
		}
		return service.store.InsertAward(ctx, award)
	}()
	service.logOperation(ctx, OperationLog{
		Operation: OperationAward,
		UserID:    userID,
		Amount:    amount.Decimal(),
		Error:     operationError,
	})
	if operationError != nil {
		return AwardedCredit{}, operationError
	}
	return award, nil
}

// RecordTopup stores a completed top-up so later unlocks can derive their capacity server-side.
func (service *Service) RecordTopup(ctx context.Context, userID UserID, topupID TopupTransactionID, amount PositiveAmount) (Topup, error) {
	topup := Topup{
		ID:        topupID,
		UserID:    userID,
		Amount:    amount.Decimal(),
		CreatedAt: service.nowFn().UTC(),
	}
	operationError := service.store.InsertTopup(ctx, topup)
	service.logOperation(ctx, OperationLog{
		Operation:          OperationRecordTopup,
		UserID:             userID,
		TopupTransactionID: topupID,
		Amount:             amount.Decimal(),
		Error:              operationError,
	})
	if operationError != nil {
		return Topup{}, operationError
	}
	return topup, nil
}

// CheckEligibility previews how much locked balance a top-up of topupAmount may unlock. It never writes.
// A zero topupID skips the already-unlocked lookup.
func (service *Service) CheckEligibility(ctx context.Context, userID UserID, topupAmount PositiveAmount, topupID TopupTransactionID) (Eligibility, error) {
	now := service.nowFn().UTC()
	alreadyUnlocked := decimal.Zero
	if !topupID.IsZero() {
		sum, err := service.store.SumUnlockedForTopup(ctx, userID, topupID)
		if err != nil {
			service.logEligibility(ctx, userID, topupID, topupAmount, err)
			return Eligibility{}, err
		}
		alreadyUnlocked = sum
	}
	awards, err := service.store.ListUnlockableAwards(ctx, userID, now)
	if err != nil {
		service.logEligibility(ctx, userID, topupID, topupAmount, err)
		return Eligibility{}, err
	}
	eligibility := CalculateEligibility(EligibilityInput{
		TopupAmount:     topupAmount.Decimal(),
		AlreadyUnlocked: alreadyUnlocked,
		Awards:          awards,
		Now:             now,
		ExpiringWindow:  service.expiringWindow,
	})
	service.logEligibility(ctx, userID, topupID, topupAmount, nil)
	return eligibility, nil
}

// UnlockCredits moves up to amount of the user's locked credits to unlocked, oldest award first,
// bounded by the remaining capacity of the referenced top-up. The whole read-clamp-write sequence
// runs in one transaction; it is detached from caller cancellation so it either commits or rolls back.
func (service *Service) UnlockCredits(requestContext context.Context, userID UserID, topupID TopupTransactionID, amount PositiveAmount, metadata MetadataJSON) (UnlockResult, error) {
	if topupID.IsZero() {
		validationError := fmt.Errorf("%w: missing topup reference", ErrInvalidTopupTransactionID)
		service.logOperation(requestContext, OperationLog{Operation: OperationUnlock, UserID: userID, Error: validationError})
		return UnlockResult{}, validationError
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(requestContext), service.unlockTimeout)
	defer cancel()

	var (
		result         UnlockResult
		operationError error
	)
	for attempt := 0; attempt < service.unlockAttempts; attempt++ {
		result, operationError = service.unlockOnce(ctx, userID, topupID, amount, metadata)
		if !errors.Is(operationError, ErrLedgerConflict) {
			break
		}
	}
	entry := OperationLog{
		Operation:          OperationUnlock,
		UserID:             userID,
		TopupTransactionID: topupID,
		Amount:             result.AmountUnlocked,
		Count:              len(result.Allocations),
		Error:              operationError,
	}
	if errors.Is(operationError, ErrNothingToUnlock) {
		entry.Status = OperationStatusNothing
	}
	service.logOperation(requestContext, entry)
	if operationError != nil {
		return UnlockResult{}, operationError
	}
	return result, nil
}

func (service *Service) unlockOnce(ctx context.Context, userID UserID, topupID TopupTransactionID, amount PositiveAmount, metadata MetadataJSON) (UnlockResult, error) {
	var result UnlockResult
	err := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		now := service.nowFn().UTC()
		if err := transactionStore.LockUser(ctx, userID, now); err != nil {
			return err
		}
		topup, err := transactionStore.GetTopup(ctx, userID, topupID)
		if err != nil {
			return err
		}
		alreadyUnlocked, err := transactionStore.SumUnlockedForTopup(ctx, userID, topupID)
		if err != nil {
			return err
		}
		awards, err := transactionStore.ListUnlockableAwards(ctx, userID, now)
		if err != nil {
			return err
		}
		maxFromTopup := MaxUnlockFromTopup(topup.Amount)
		capacity := maxFromTopup.Sub(alreadyUnlocked)
		totalLocked := SumUnlockable(awards, now)
		clamped := decimal.Min(amount.Decimal(), capacity, totalLocked).Truncate(AmountScale)
		if !clamped.IsPositive() {
			switch {
			case !totalLocked.IsPositive():
				return fmt.Errorf("%w: %w", ErrNothingToUnlock, ErrNoLockedCredits)
			case !maxFromTopup.IsPositive():
				return fmt.Errorf("%w: %w", ErrNothingToUnlock, ErrTopupTooSmall)
			default:
				return fmt.Errorf("%w: %w", ErrNothingToUnlock, ErrTopupCapacityExhausted)
			}
		}

		allocations := allocateUnlock(awards, clamped, now)
		unlocked := decimal.Zero
		result.Allocations = make([]UnlockAllocation, 0, len(allocations))
		for _, item := range allocations {
			if err := item.next.Validate(); err != nil {
				return err
			}
			if err := transactionStore.CompareAndSwapAward(ctx, item.previous, item.next, now); err != nil {
				return err
			}
			unlocked = unlocked.Add(item.unlocked)
			result.Allocations = append(result.Allocations, UnlockAllocation{
				AwardID:        item.next.ID,
				AmountUnlocked: item.unlocked,
				LockedAmount:   item.next.LockedAmount,
				Status:         item.next.Status,
			})
		}

		recordMetadata, err := buildUnlockMetadata(metadata, result.Allocations)
		if err != nil {
			return err
		}
		record := UnlockRecord{
			ID:                 uuid.NewString(),
			TopupTransactionID: topupID,
			UserID:             userID,
			AmountUnlocked:     unlocked,
			Metadata:           recordMetadata,
			CreatedAt:          now,
		}
		if err := transactionStore.InsertUnlockRecord(ctx, record); err != nil {
			return err
		}

		refreshed, err := transactionStore.ListAwards(ctx, userID)
		if err != nil {
			return err
		}
		result.AmountUnlocked = unlocked
		result.Record = record
		result.NewBalance = AggregateBalance(refreshed, now, service.expiringWindow)
		return nil
	})
	if err != nil {
		return UnlockResult{}, err
	}
	return result, nil
}

// ListAwards returns every award row of the user, oldest first.
func (service *Service) ListAwards(ctx context.Context, userID UserID) ([]AwardedCredit, error) {
	return service.store.ListAwards(ctx, userID)
}

// ListUnlockRecords returns the user's unlock audit trail, newest first.
func (service *Service) ListUnlockRecords(ctx context.Context, userID UserID, limit int) ([]UnlockRecord, error) {
	normalized, err := NormalizeListLimit(limit)
	if err != nil {
		return nil, err
	}
	return service.store.ListUnlockRecords(ctx, userID, normalized)
}

// NormalizeListLimit applies the default page size and rejects oversized pages.
func NormalizeListLimit(limit int) (int, error) {
	if limit <= 0 {
		return defaultListLimit, nil
	}
	if limit > maxListLimit {
		return 0, fmt.Errorf("%w: limit exceeds maximum: %d > %d", ErrInvalidLimit, limit, maxListLimit)
	}
	return limit, nil
}

func (service *Service) logEligibility(ctx context.Context, userID UserID, topupID TopupTransactionID, topupAmount PositiveAmount, err error) {
	service.logOperation(ctx, OperationLog{
		Operation:          OperationEligibility,
		UserID:             userID,
		TopupTransactionID: topupID,
		Amount:             topupAmount.Decimal(),
		Error:              err,
	})
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = OperationStatusError
		} else {
			entry.Status = OperationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}

type allocationMetadata struct {
	AwardID        string `json:"award_id"`
	AmountUnlocked string `json:"amount_unlocked"`
}

func buildUnlockMetadata(request MetadataJSON, allocations []UnlockAllocation) (MetadataJSON, error) {
	items := make([]allocationMetadata, 0, len(allocations))
	for _, item := range allocations {
		items = append(items, allocationMetadata{
			AwardID:        item.AwardID.String(),
			AmountUnlocked: item.AmountUnlocked.String(),
		})
	}
	raw, err := json.Marshal(map[string]any{
		"request":     json.RawMessage(request.String()),
		"allocations": items,
	})
	if err != nil {
		return MetadataJSON{}, fmt.Errorf("%w: %v", ErrInvalidMetadataJSON, err)
	}
	return NewMetadataJSON(string(raw))
}
