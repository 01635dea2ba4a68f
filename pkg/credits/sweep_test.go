package credits

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

type recordingNotifier struct {
	mu       sync.Mutex
	warnings []ExpiryWarning
	err      error
}

func (notifier *recordingNotifier) NotifyExpiryWarning(_ context.Context, warning ExpiryWarning) error {
	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	notifier.warnings = append(notifier.warnings, warning)
	return notifier.err
}

func TestSweepExpiredScenarioC(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	userID := mustUserID(test, "scenario-c")
	stale := seedAward(test, store, "award-c", userID, "50", "50", 90, -1)
	fresh := seedAward(test, store, "award-fresh", userID, "100", "100", 1, 45)
	service := mustNewService(test, store)

	result, err := service.SweepExpired(context.Background())
	if err != nil {
		test.Fatalf("sweep: %v", err)
	}
	if !result.Success || result.ExpiredCount != 1 || result.CreditsWithLockedAmount != 1 {
		test.Fatalf("unexpected sweep result: %+v", result)
	}
	if len(result.Details) != 1 || result.Details[0].AwardID != stale.ID || result.Details[0].UserID != userID {
		test.Fatalf("unexpected details: %+v", result.Details)
	}
	requireDecimal(test, "detail locked", "50", result.Details[0].AmountLocked)

	expired := store.mustAward(test, stale.ID)
	if expired.Status != AwardStatusExpired {
		test.Fatalf("expected expired status, got %s", expired.Status)
	}
	if err := expired.Validate(); err != nil {
		test.Fatalf("expired row breaks invariant: %v", err)
	}
	if store.mustAward(test, fresh.ID).Status != AwardStatusActive {
		test.Fatalf("fresh award must stay active")
	}

	eligibility, err := service.CheckEligibility(context.Background(), userID, mustAmount(test, "1000"), TopupTransactionID{})
	if err != nil {
		test.Fatalf("check eligibility: %v", err)
	}
	requireDecimal(test, "locked balance", "100", eligibility.LockedBalance)
}

func TestSweepExpiredIsIdempotent(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	userID := mustUserID(test, "idempotent")
	seedAward(test, store, "award-idem-1", userID, "10", "10", 60, -3)
	seedAward(test, store, "award-idem-2", userID, "10", "0", 60, -2)
	service := mustNewService(test, store)

	first, err := service.SweepExpired(context.Background())
	if err != nil {
		test.Fatalf("first sweep: %v", err)
	}
	if first.ExpiredCount != 2 || first.CreditsWithLockedAmount != 1 {
		test.Fatalf("unexpected first sweep: %+v", first)
	}
	second, err := service.SweepExpired(context.Background())
	if err != nil {
		test.Fatalf("second sweep: %v", err)
	}
	if second.ExpiredCount != 0 || !second.Success || len(second.Details) != 0 {
		test.Fatalf("expected no-op second sweep, got %+v", second)
	}
}

func TestSweepExpiredPagesThroughBacklog(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	userID := mustUserID(test, "backlog")
	for index := 0; index < 5; index++ {
		seedAward(test, store, fmt.Sprintf("award-backlog-%d", index), userID, "5", "5", 40, -1)
	}
	service := mustNewService(test, store, WithSweepPageSize(2))

	result, err := service.SweepExpired(context.Background())
	if err != nil {
		test.Fatalf("sweep: %v", err)
	}
	if result.ExpiredCount != 5 {
		test.Fatalf("expected 5 expired, got %d", result.ExpiredCount)
	}
}

func TestSweepExpiredAbortsOnFirstFailure(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	store.failMarkAfter = 1
	userID := mustUserID(test, "abort")
	for index := 0; index < 3; index++ {
		seedAward(test, store, fmt.Sprintf("award-abort-%d", index), userID, "5", "5", 40, -1)
	}
	logger := &recorderLogger{}
	service := mustNewService(test, store, WithOperationLogger(logger))

	result, err := service.SweepExpired(context.Background())
	if !errors.Is(err, ErrLedgerWrite) {
		test.Fatalf("expected ledger write failure, got %v", err)
	}
	if result.Success || result.ExpiredCount != 1 || result.FailedCount != 1 {
		test.Fatalf("unexpected partial result: %+v", result)
	}
	if store.markCalls != 1 {
		test.Fatalf("expected the batch to stop after the failure, got %d calls", store.markCalls)
	}
	last := logger.entries[len(logger.entries)-1]
	if last.Operation != OperationSweep || last.Status != OperationStatusError {
		test.Fatalf("expected sweep error log, got %+v", last)
	}
}

func TestSweepExpiredSendsLookaheadWarnings(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	userID := mustUserID(test, "warnings")
	seven := seedAward(test, store, "award-warn-7", userID, "70", "70", 10, 7)
	three := seedAward(test, store, "award-warn-3", userID, "30", "30", 10, 3)
	one := seedAward(test, store, "award-warn-1", userID, "10", "10", 10, 1)
	seedAward(test, store, "award-warn-5", userID, "50", "50", 10, 5)
	seedAward(test, store, "award-warn-drained", userID, "40", "0", 10, 7)
	notifier := &recordingNotifier{}
	service := mustNewService(test, store, WithNotifier(notifier))

	result, err := service.SweepExpired(context.Background())
	if err != nil {
		test.Fatalf("sweep: %v", err)
	}
	if result.WarningsSent != 3 || result.WarningsFailed != 0 {
		test.Fatalf("unexpected warning counts: %+v", result)
	}
	expected := map[AwardID]int{seven.ID: 7, three.ID: 3, one.ID: 1}
	for _, warning := range notifier.warnings {
		days, ok := expected[warning.AwardID]
		if !ok || days != warning.DaysBefore {
			test.Fatalf("unexpected warning %+v", warning)
		}
		delete(expected, warning.AwardID)
	}
	if len(expected) != 0 {
		test.Fatalf("missing warnings for %v", expected)
	}
}

func TestSweepExpiredCountsNotificationFailures(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	userID := mustUserID(test, "warn-fail")
	seedAward(test, store, "award-warn-fail", userID, "10", "10", 10, 3)
	notifier := &recordingNotifier{err: errors.New("smtp unavailable")}
	service := mustNewService(test, store, WithNotifier(notifier))

	result, err := service.SweepExpired(context.Background())
	if err != nil {
		test.Fatalf("notification failures must not fail the sweep: %v", err)
	}
	if !result.Success || result.WarningsFailed != 1 || result.WarningsSent != 0 {
		test.Fatalf("unexpected result: %+v", result)
	}
}

func TestWarningWindowCoversOneCalendarDay(test *testing.T) {
	test.Parallel()
	now := time.Date(2025, time.March, 10, 23, 59, 0, 0, time.UTC)
	from, to := WarningWindow(now, 3)
	if !from.Equal(time.Date(2025, time.March, 13, 0, 0, 0, 0, time.UTC)) {
		test.Fatalf("unexpected window start %s", from)
	}
	if to.Sub(from) != 24*time.Hour {
		test.Fatalf("unexpected window length %s", to.Sub(from))
	}
}
