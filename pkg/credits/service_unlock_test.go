package credits

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestUnlockCreditsScenarioB(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	userID := mustUserID(test, "scenario-b")
	award := seedAward(test, store, "award-b", userID, "1000", "1000", 1, 45)
	topupID := seedTopup(test, store, "topup-b", userID, "400")
	service := mustNewService(test, store)

	result, err := service.UnlockCredits(context.Background(), userID, topupID, mustAmount(test, "200"), mustMetadata(test, `{"source":"checkout"}`))
	if err != nil {
		test.Fatalf("unlock: %v", err)
	}
	requireDecimal(test, "amount unlocked", "200", result.AmountUnlocked)
	requireDecimal(test, "new locked", "800", result.NewBalance.LockedBalance)
	requireDecimal(test, "new unlocked", "200", result.NewBalance.UnlockedBalance)

	stored := store.mustAward(test, award.ID)
	requireDecimal(test, "row locked", "800", stored.LockedAmount)
	requireDecimal(test, "row unlocked", "200", stored.UnlockedAmount)
	if stored.Status != AwardStatusActive {
		test.Fatalf("expected active row, got %s", stored.Status)
	}

	_, err = service.UnlockCredits(context.Background(), userID, topupID, mustAmount(test, "200"), MetadataJSON{})
	if !errors.Is(err, ErrNothingToUnlock) || !errors.Is(err, ErrTopupCapacityExhausted) {
		test.Fatalf("expected capacity exhausted, got %v", err)
	}
	if len(store.records) != 1 {
		test.Fatalf("expected one unlock record, got %d", len(store.records))
	}
}

func TestUnlockCreditsScenarioDClampsToLocked(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	userID := mustUserID(test, "scenario-d")
	award := seedAward(test, store, "award-d", userID, "30", "30", 1, 45)
	topupID := seedTopup(test, store, "topup-d", userID, "1000")
	service := mustNewService(test, store)

	result, err := service.UnlockCredits(context.Background(), userID, topupID, mustAmount(test, "500"), MetadataJSON{})
	if err != nil {
		test.Fatalf("unlock: %v", err)
	}
	requireDecimal(test, "amount unlocked", "30", result.AmountUnlocked)
	stored := store.mustAward(test, award.ID)
	requireDecimal(test, "row locked", "0", stored.LockedAmount)
	if stored.Status != AwardStatusFullyUnlocked {
		test.Fatalf("expected fully unlocked, got %s", stored.Status)
	}
	if len(result.Allocations) != 1 || result.Allocations[0].Status != AwardStatusFullyUnlocked {
		test.Fatalf("unexpected allocations: %+v", result.Allocations)
	}
}

func TestUnlockCreditsDrainsOldestAwardFirst(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	userID := mustUserID(test, "ordering")
	newer := seedAward(test, store, "award-newer", userID, "100", "100", 2, 60)
	older := seedAward(test, store, "award-older", userID, "100", "100", 10, 60)
	topupID := seedTopup(test, store, "topup-order", userID, "1000")
	service := mustNewService(test, store)

	if _, err := service.UnlockCredits(context.Background(), userID, topupID, mustAmount(test, "40"), MetadataJSON{}); err != nil {
		test.Fatalf("unlock: %v", err)
	}
	requireDecimal(test, "older locked", "60", store.mustAward(test, older.ID).LockedAmount)
	requireDecimal(test, "newer locked", "100", store.mustAward(test, newer.ID).LockedAmount)

	result, err := service.UnlockCredits(context.Background(), userID, topupID, mustAmount(test, "100"), MetadataJSON{})
	if err != nil {
		test.Fatalf("second unlock: %v", err)
	}
	if len(result.Allocations) != 2 {
		test.Fatalf("expected allocations across both awards, got %d", len(result.Allocations))
	}
	if result.Allocations[0].AwardID != older.ID || result.Allocations[0].Status != AwardStatusFullyUnlocked {
		test.Fatalf("expected older award drained first, got %+v", result.Allocations[0])
	}
	requireDecimal(test, "newer locked", "60", store.mustAward(test, newer.ID).LockedAmount)
}

func TestUnlockCreditsSkipsExpiredAwards(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	userID := mustUserID(test, "skip-expired")
	stale := seedAward(test, store, "award-stale", userID, "100", "100", 30, -1)
	topupID := seedTopup(test, store, "topup-stale", userID, "1000")
	service := mustNewService(test, store)

	_, err := service.UnlockCredits(context.Background(), userID, topupID, mustAmount(test, "10"), MetadataJSON{})
	if !errors.Is(err, ErrNoLockedCredits) {
		test.Fatalf("expected no locked credits, got %v", err)
	}
	if Classify(err) != KindNothingToUnlock {
		test.Fatalf("expected nothing to unlock kind, got %s", Classify(err))
	}
	requireDecimal(test, "stale locked", "100", store.mustAward(test, stale.ID).LockedAmount)
}

func TestUnlockCreditsRejectsForeignOrUnknownTopup(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	owner := mustUserID(test, "owner")
	intruder := mustUserID(test, "intruder")
	seedAward(test, store, "award-intruder", intruder, "100", "100", 1, 30)
	topupID := seedTopup(test, store, "topup-owner", owner, "400")
	service := mustNewService(test, store)

	for _, candidate := range []TopupTransactionID{topupID, mustTopupID(test, "missing")} {
		_, err := service.UnlockCredits(context.Background(), intruder, candidate, mustAmount(test, "10"), MetadataJSON{})
		if !errors.Is(err, ErrUnknownTopup) {
			test.Fatalf("expected unknown topup for %s, got %v", candidate.String(), err)
		}
	}
}

func TestUnlockCreditsRequiresTopupReferenceBeforeLedgerAccess(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	userID := mustUserID(test, "no-reference")
	award := seedAward(test, store, "award-no-reference", userID, "100", "100", 1, 30)
	service := mustNewService(test, store)

	_, err := service.UnlockCredits(context.Background(), userID, TopupTransactionID{}, mustAmount(test, "10"), MetadataJSON{})
	if !errors.Is(err, ErrInvalidTopupTransactionID) || Classify(err) != KindInvalidInput {
		test.Fatalf("expected invalid topup reference, got %v", err)
	}
	if store.transactions != 0 || store.topupSums != 0 {
		test.Fatalf("expected no ledger access, got %d transactions and %d sums", store.transactions, store.topupSums)
	}
	requireDecimal(test, "locked", "100", store.mustAward(test, award.ID).LockedAmount)
}

func TestUnlockCreditsReportsTopupTooSmall(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	userID := mustUserID(test, "small-topup")
	seedAward(test, store, "award-small-topup", userID, "100", "100", 1, 30)
	topupID := seedTopup(test, store, "topup-small", userID, "1")
	service := mustNewService(test, store)

	_, err := service.UnlockCredits(context.Background(), userID, topupID, mustAmount(test, "1"), MetadataJSON{})
	if !errors.Is(err, ErrNothingToUnlock) || !errors.Is(err, ErrTopupTooSmall) {
		test.Fatalf("expected topup too small, got %v", err)
	}
	if errors.Is(err, ErrTopupCapacityExhausted) {
		test.Fatalf("small topup must not be reported as exhausted: %v", err)
	}

	eligibility, err := service.CheckEligibility(context.Background(), userID, mustAmount(test, "0.5"), TopupTransactionID{})
	if err != nil {
		test.Fatalf("eligibility: %v", err)
	}
	if eligibility.Reason != UnlockBlockTopupTooSmall {
		test.Fatalf("expected topup_too_small, got %q", eligibility.Reason)
	}
}

func TestUnlockCreditsKeepsCentPrecisionInvariant(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	userID := mustUserID(test, "cents")
	award := seedAward(test, store, "award-cents", userID, "10", "10", 1, 30)
	topupID := seedTopup(test, store, "topup-cents", userID, "10")
	service := mustNewService(test, store)

	result, err := service.UnlockCredits(context.Background(), userID, topupID, mustAmount(test, "0.01"), MetadataJSON{})
	if err != nil {
		test.Fatalf("unlock: %v", err)
	}
	requireDecimal(test, "amount unlocked", "0.01", result.AmountUnlocked)
	stored := store.mustAward(test, award.ID)
	requireDecimal(test, "row locked", "9.99", stored.LockedAmount)
	requireDecimal(test, "row unlocked", "0.01", stored.UnlockedAmount)
	if !stored.LockedAmount.Add(stored.UnlockedAmount).Equal(stored.Amount) {
		test.Fatalf("locked %s + unlocked %s != amount %s", stored.LockedAmount, stored.UnlockedAmount, stored.Amount)
	}
	if _, err := ParsePositiveAmount("0.005"); !errors.Is(err, ErrInvalidAmount) {
		test.Fatalf("expected sub-cent amount to be rejected, got %v", err)
	}
}

func TestCheckEligibilityIgnoresOtherUsersUnlocks(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	owner := mustUserID(test, "topup-owner")
	observer := mustUserID(test, "topup-observer")
	seedAward(test, store, "award-owner", owner, "100", "100", 2, 30)
	seedAward(test, store, "award-observer", observer, "100", "100", 1, 30)
	topupID := seedTopup(test, store, "topup-shared-id", owner, "100")
	service := mustNewService(test, store)

	if _, err := service.UnlockCredits(context.Background(), owner, topupID, mustAmount(test, "30"), MetadataJSON{}); err != nil {
		test.Fatalf("owner unlock: %v", err)
	}

	ownerView, err := service.CheckEligibility(context.Background(), owner, mustAmount(test, "100"), topupID)
	if err != nil {
		test.Fatalf("owner eligibility: %v", err)
	}
	requireDecimal(test, "owner already unlocked", "30", ownerView.AlreadyUnlocked)

	observerView, err := service.CheckEligibility(context.Background(), observer, mustAmount(test, "100"), topupID)
	if err != nil {
		test.Fatalf("observer eligibility: %v", err)
	}
	requireDecimal(test, "observer already unlocked", "0", observerView.AlreadyUnlocked)
}

func TestUnlockCreditsCapHoldsAcrossRequests(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	userID := mustUserID(test, "cap")
	seedAward(test, store, "award-cap-1", userID, "75", "75", 5, 60)
	seedAward(test, store, "award-cap-2", userID, "500", "500", 3, 60)
	topupID := seedTopup(test, store, "topup-cap", userID, "301")
	service := mustNewService(test, store)

	total := decimal.Zero
	for _, requested := range []string{"70", "70", "70"} {
		result, err := service.UnlockCredits(context.Background(), userID, topupID, mustAmount(test, requested), MetadataJSON{})
		if err != nil && !errors.Is(err, ErrNothingToUnlock) {
			test.Fatalf("unlock: %v", err)
		}
		total = total.Add(result.AmountUnlocked)
	}
	requireDecimal(test, "total unlocked", "150", total)
	for _, award := range store.awards {
		if err := award.Validate(); err != nil {
			test.Fatalf("invariant broken: %v", err)
		}
	}
}

func TestUnlockCreditsConcurrentRequestsNeverDoubleSpend(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	userID := mustUserID(test, "concurrent")
	seedAward(test, store, "award-concurrent", userID, "1000", "1000", 1, 45)
	topupID := seedTopup(test, store, "topup-concurrent", userID, "400")
	service := mustNewService(test, store)
	requested := mustAmount(test, "200")

	const workers = 8
	var (
		waitGroup sync.WaitGroup
		mu        sync.Mutex
		total     = decimal.Zero
	)
	for index := 0; index < workers; index++ {
		waitGroup.Add(1)
		go func() {
			defer waitGroup.Done()
			result, err := service.UnlockCredits(context.Background(), userID, topupID, requested, MetadataJSON{})
			if err != nil {
				return
			}
			mu.Lock()
			total = total.Add(result.AmountUnlocked)
			mu.Unlock()
		}()
	}
	waitGroup.Wait()
	requireDecimal(test, "combined unlocked", "200", total)
}

func TestUnlockCreditsRetriesLedgerConflicts(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	store.casConflicts = 2
	userID := mustUserID(test, "retry")
	seedAward(test, store, "award-retry", userID, "100", "100", 1, 45)
	topupID := seedTopup(test, store, "topup-retry", userID, "100")
	service := mustNewService(test, store)

	result, err := service.UnlockCredits(context.Background(), userID, topupID, mustAmount(test, "50"), MetadataJSON{})
	if err != nil {
		test.Fatalf("unlock after retries: %v", err)
	}
	requireDecimal(test, "amount unlocked", "50", result.AmountUnlocked)
	if len(store.lockedUsers) != 3 {
		test.Fatalf("expected three attempts, got %d", len(store.lockedUsers))
	}
}

func TestUnlockCreditsGivesUpAfterRepeatedConflicts(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	store.casConflicts = defaultUnlockAttempts
	userID := mustUserID(test, "conflicted")
	award := seedAward(test, store, "award-conflicted", userID, "100", "100", 1, 45)
	topupID := seedTopup(test, store, "topup-conflicted", userID, "100")
	service := mustNewService(test, store)

	_, err := service.UnlockCredits(context.Background(), userID, topupID, mustAmount(test, "50"), MetadataJSON{})
	if !errors.Is(err, ErrLedgerConflict) || Classify(err) != KindLedgerUnavailable {
		test.Fatalf("expected ledger conflict, got %v", err)
	}
	requireDecimal(test, "row locked", "100", store.mustAward(test, award.ID).LockedAmount)
}

func TestUnlockCreditsRollsBackWhenRecordInsertFails(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	store.recordErr = WriteFailure("unlock_record", "insert", errors.New("connection reset"))
	userID := mustUserID(test, "rollback")
	first := seedAward(test, store, "award-rollback-1", userID, "20", "20", 4, 45)
	second := seedAward(test, store, "award-rollback-2", userID, "80", "80", 2, 45)
	topupID := seedTopup(test, store, "topup-rollback", userID, "200")
	service := mustNewService(test, store)

	_, err := service.UnlockCredits(context.Background(), userID, topupID, mustAmount(test, "50"), MetadataJSON{})
	if !errors.Is(err, ErrLedgerWrite) {
		test.Fatalf("expected ledger write failure, got %v", err)
	}
	requireDecimal(test, "first locked", "20", store.mustAward(test, first.ID).LockedAmount)
	requireDecimal(test, "second locked", "80", store.mustAward(test, second.ID).LockedAmount)
}

func TestUnlockCreditsCompletesAfterCallerCancellation(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	userID := mustUserID(test, "cancelled")
	seedAward(test, store, "award-cancelled", userID, "100", "100", 1, 45)
	topupID := seedTopup(test, store, "topup-cancelled", userID, "100")
	service := mustNewService(test, store)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := service.UnlockCredits(ctx, userID, topupID, mustAmount(test, "50"), MetadataJSON{})
	if err != nil {
		test.Fatalf("unlock: %v", err)
	}
	requireDecimal(test, "amount unlocked", "50", result.AmountUnlocked)
}

func TestUnlockRecordMetadataCarriesAllocations(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	userID := mustUserID(test, "metadata")
	award := seedAward(test, store, "award-metadata", userID, "100", "100", 1, 45)
	topupID := seedTopup(test, store, "topup-metadata", userID, "100")
	service := mustNewService(test, store)

	result, err := service.UnlockCredits(context.Background(), userID, topupID, mustAmount(test, "25"), mustMetadata(test, `{"source":"wallet"}`))
	if err != nil {
		test.Fatalf("unlock: %v", err)
	}
	var decoded struct {
		Request     map[string]string `json:"request"`
		Allocations []struct {
			AwardID        string `json:"award_id"`
			AmountUnlocked string `json:"amount_unlocked"`
		} `json:"allocations"`
	}
	if err := json.Unmarshal([]byte(result.Record.Metadata.String()), &decoded); err != nil {
		test.Fatalf("decode metadata: %v", err)
	}
	if decoded.Request["source"] != "wallet" {
		test.Fatalf("expected request metadata, got %+v", decoded.Request)
	}
	if len(decoded.Allocations) != 1 || decoded.Allocations[0].AwardID != award.ID.String() || decoded.Allocations[0].AmountUnlocked != "25" {
		test.Fatalf("unexpected allocations: %+v", decoded.Allocations)
	}
	if result.Record.TopupTransactionID != topupID || !result.Record.CreatedAt.Equal(testNow) {
		test.Fatalf("unexpected record: %+v", result.Record)
	}
}

func TestAwardCreditsCreatesLockedAward(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)
	userID := mustUserID(test, "award-user")

	award, err := service.AwardCredits(context.Background(), userID, mustAmount(test, "250"), " admin@example.com ", "referral bonus", testNow.AddDate(0, 0, 90))
	if err != nil {
		test.Fatalf("award: %v", err)
	}
	stored := store.mustAward(test, award.ID)
	requireDecimal(test, "locked", "250", stored.LockedAmount)
	requireDecimal(test, "unlocked", "0", stored.UnlockedAmount)
	if stored.Status != AwardStatusActive || stored.AwardedBy != "admin@example.com" || !stored.AwardedDate.Equal(testNow) {
		test.Fatalf("unexpected award: %+v", stored)
	}
}

func TestAwardCreditsValidatesInput(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name      string
		awardedBy string
		expiresAt time.Time
		expected  error
	}{
		{name: "missing awarder", awardedBy: "  ", expiresAt: testNow.AddDate(0, 0, 1), expected: ErrInvalidAwarder},
		{name: "past expiry", awardedBy: "admin", expiresAt: testNow.Add(-time.Second), expected: ErrInvalidExpiry},
		{name: "expiry now", awardedBy: "admin", expiresAt: testNow, expected: ErrInvalidExpiry},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			store := newStubStore(test)
			service := mustNewService(test, store)
			_, err := service.AwardCredits(context.Background(), mustUserID(test, "award-invalid"), mustAmount(test, "10"), testCase.awardedBy, "", testCase.expiresAt)
			if !errors.Is(err, testCase.expected) {
				test.Fatalf("expected %v, got %v", testCase.expected, err)
			}
			if len(store.awards) != 0 {
				test.Fatalf("expected no awards written")
			}
		})
	}
}

func TestRecordTopupRejectsDuplicates(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)
	userID := mustUserID(test, "topup-user")
	topupID := mustTopupID(test, "pi_123")

	if _, err := service.RecordTopup(context.Background(), userID, topupID, mustAmount(test, "400")); err != nil {
		test.Fatalf("record topup: %v", err)
	}
	_, err := service.RecordTopup(context.Background(), userID, topupID, mustAmount(test, "400"))
	if Classify(err) != KindDuplicate {
		test.Fatalf("expected duplicate, got %v", err)
	}
}

func TestListUnlockRecordsAppliesLimits(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	userID := mustUserID(test, "history")
	seedAward(test, store, "award-history", userID, "1000", "1000", 1, 45)
	topupID := seedTopup(test, store, "topup-history", userID, "1000")
	service := mustNewService(test, store)
	for _, requested := range []string{"10", "20", "30"} {
		if _, err := service.UnlockCredits(context.Background(), userID, topupID, mustAmount(test, requested), MetadataJSON{}); err != nil {
			test.Fatalf("unlock: %v", err)
		}
	}

	records, err := service.ListUnlockRecords(context.Background(), userID, 2)
	if err != nil {
		test.Fatalf("list: %v", err)
	}
	if len(records) != 2 {
		test.Fatalf("expected 2 records, got %d", len(records))
	}
	requireDecimal(test, "newest first", "30", records[0].AmountUnlocked)

	if _, err := service.ListUnlockRecords(context.Background(), userID, maxListLimit+1); !errors.Is(err, ErrInvalidLimit) {
		test.Fatalf("expected invalid limit, got %v", err)
	}
	records, err = service.ListUnlockRecords(context.Background(), userID, 0)
	if err != nil || len(records) != 3 {
		test.Fatalf("expected default limit to return all 3 records, got %d (%v)", len(records), err)
	}
}
