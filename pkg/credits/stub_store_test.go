package credits

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

// stubStore is an in-memory Store. WithTx runs one transaction at a time, snapshots state and restores it when fn fails.
type stubStore struct {
	txMu          sync.Mutex
	mu            sync.Mutex
	awards        map[AwardID]AwardedCredit
	topups        map[TopupTransactionID]Topup
	records       []UnlockRecord
	lockedUsers   []UserID
	failMarkAfter int
	markCalls     int
	casConflicts  int
	recordErr     error
	transactions  int
	topupSums     int
}

func newStubStore(test *testing.T) *stubStore {
	test.Helper()
	return &stubStore{
		awards:        make(map[AwardID]AwardedCredit),
		topups:        make(map[TopupTransactionID]Topup),
		failMarkAfter: -1,
	}
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	store.txMu.Lock()
	defer store.txMu.Unlock()
	store.mu.Lock()
	store.transactions++
	awards := make(map[AwardID]AwardedCredit, len(store.awards))
	for key, value := range store.awards {
		awards[key] = value
	}
	records := append([]UnlockRecord(nil), store.records...)
	store.mu.Unlock()

	if err := fn(ctx, store); err != nil {
		store.mu.Lock()
		store.awards = awards
		store.records = records
		store.mu.Unlock()
		return err
	}
	return nil
}

func (store *stubStore) LockUser(_ context.Context, userID UserID, _ time.Time) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.lockedUsers = append(store.lockedUsers, userID)
	return nil
}

func (store *stubStore) InsertAward(_ context.Context, award AwardedCredit) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.awards[award.ID] = award
	return nil
}

func (store *stubStore) sortedAwards(filter func(AwardedCredit) bool) []AwardedCredit {
	result := make([]AwardedCredit, 0, len(store.awards))
	for _, award := range store.awards {
		if filter(award) {
			result = append(result, award)
		}
	}
	sort.Slice(result, func(left, right int) bool {
		if !result[left].AwardedDate.Equal(result[right].AwardedDate) {
			return result[left].AwardedDate.Before(result[right].AwardedDate)
		}
		return result[left].ID.String() < result[right].ID.String()
	})
	return result
}

func (store *stubStore) ListAwards(_ context.Context, userID UserID) ([]AwardedCredit, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.sortedAwards(func(award AwardedCredit) bool { return award.UserID == userID }), nil
}

func (store *stubStore) ListUnlockableAwards(_ context.Context, userID UserID, at time.Time) ([]AwardedCredit, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.sortedAwards(func(award AwardedCredit) bool {
		return award.UserID == userID && award.IsUnlockable(at)
	}), nil
}

func (store *stubStore) CompareAndSwapAward(_ context.Context, previous AwardedCredit, next AwardedCredit, _ time.Time) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.casConflicts > 0 {
		store.casConflicts--
		return fmt.Errorf("%w: injected", ErrLedgerConflict)
	}
	current, ok := store.awards[previous.ID]
	if !ok || current.Status != AwardStatusActive || !current.LockedAmount.Equal(previous.LockedAmount) {
		return fmt.Errorf("%w: award %s changed", ErrLedgerConflict, previous.ID.String())
	}
	store.awards[next.ID] = next
	return nil
}

func (store *stubStore) InsertTopup(_ context.Context, topup Topup) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	if _, exists := store.topups[topup.ID]; exists {
		return ErrTopupExists
	}
	store.topups[topup.ID] = topup
	return nil
}

func (store *stubStore) GetTopup(_ context.Context, userID UserID, topupID TopupTransactionID) (Topup, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	topup, ok := store.topups[topupID]
	if !ok || topup.UserID != userID {
		return Topup{}, ErrUnknownTopup
	}
	return topup, nil
}

func (store *stubStore) SumUnlockedForTopup(_ context.Context, userID UserID, topupID TopupTransactionID) (decimal.Decimal, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.topupSums++
	total := decimal.Zero
	for _, record := range store.records {
		if record.TopupTransactionID == topupID && record.UserID == userID {
			total = total.Add(record.AmountUnlocked)
		}
	}
	return total, nil
}

func (store *stubStore) InsertUnlockRecord(_ context.Context, record UnlockRecord) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.recordErr != nil {
		return store.recordErr
	}
	store.records = append(store.records, record)
	return nil
}

func (store *stubStore) ListUnlockRecords(_ context.Context, userID UserID, limit int) ([]UnlockRecord, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	result := make([]UnlockRecord, 0)
	for index := len(store.records) - 1; index >= 0 && len(result) < limit; index-- {
		if store.records[index].UserID == userID {
			result = append(result, store.records[index])
		}
	}
	return result, nil
}

func (store *stubStore) ListExpiredActiveAwards(_ context.Context, at time.Time, limit int) ([]AwardedCredit, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	result := store.sortedAwards(func(award AwardedCredit) bool {
		return award.Status == AwardStatusActive && award.ExpiresAt.Before(at)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (store *stubStore) MarkAwardExpired(_ context.Context, awardID AwardID, _ time.Time) (bool, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.failMarkAfter >= 0 && store.markCalls >= store.failMarkAfter {
		return false, WriteFailure("awarded_credit", "mark_expired", errors.New("disk full"))
	}
	store.markCalls++
	award, ok := store.awards[awardID]
	if !ok || award.Status != AwardStatusActive {
		return false, nil
	}
	award.Status = AwardStatusExpired
	store.awards[awardID] = award
	return true, nil
}

func (store *stubStore) ListAwardsExpiringBetween(_ context.Context, from time.Time, to time.Time) ([]AwardedCredit, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.sortedAwards(func(award AwardedCredit) bool {
		return award.Status == AwardStatusActive && award.LockedAmount.IsPositive() &&
			!award.ExpiresAt.Before(from) && award.ExpiresAt.Before(to)
	}), nil
}

func (store *stubStore) mustAward(test *testing.T, awardID AwardID) AwardedCredit {
	test.Helper()
	store.mu.Lock()
	defer store.mu.Unlock()
	award, ok := store.awards[awardID]
	if !ok {
		test.Fatalf("award %s not found", awardID.String())
	}
	return award
}

// failingStore fails every call with err.
type failingStore struct {
	err error
}

func (store failingStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	return fn(ctx, store)
}
func (store failingStore) LockUser(context.Context, UserID, time.Time) error { return store.err }
func (store failingStore) InsertAward(context.Context, AwardedCredit) error { return store.err }
func (store failingStore) ListAwards(context.Context, UserID) ([]AwardedCredit, error) {
	return nil, store.err
}
func (store failingStore) ListUnlockableAwards(context.Context, UserID, time.Time) ([]AwardedCredit, error) {
	return nil, store.err
}
func (store failingStore) CompareAndSwapAward(context.Context, AwardedCredit, AwardedCredit, time.Time) error {
	return store.err
}
func (store failingStore) InsertTopup(context.Context, Topup) error { return store.err }
func (store failingStore) GetTopup(context.Context, UserID, TopupTransactionID) (Topup, error) {
	return Topup{}, store.err
}
func (store failingStore) SumUnlockedForTopup(context.Context, UserID, TopupTransactionID) (decimal.Decimal, error) {
	return decimal.Zero, store.err
}
func (store failingStore) InsertUnlockRecord(context.Context, UnlockRecord) error { return store.err }
func (store failingStore) ListUnlockRecords(context.Context, UserID, int) ([]UnlockRecord, error) {
	return nil, store.err
}
func (store failingStore) ListExpiredActiveAwards(context.Context, time.Time, int) ([]AwardedCredit, error) {
	return nil, store.err
}
func (store failingStore) MarkAwardExpired(context.Context, AwardID, time.Time) (bool, error) {
	return false, store.err
}
func (store failingStore) ListAwardsExpiringBetween(context.Context, time.Time, time.Time) ([]AwardedCredit, error) {
	return nil, store.err
}

var testNow = time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC)

func fixedClock() time.Time {
	return testNow
}

func mustNewService(test *testing.T, store Store, options ...ServiceOption) *Service {
	test.Helper()
	service, err := NewService(store, fixedClock, options...)
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service
}

func mustUserID(test *testing.T, raw string) UserID {
	test.Helper()
	userID, err := NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return userID
}

func mustAwardID(test *testing.T, raw string) AwardID {
	test.Helper()
	awardID, err := NewAwardID(raw)
	if err != nil {
		test.Fatalf("award id: %v", err)
	}
	return awardID
}

func mustTopupID(test *testing.T, raw string) TopupTransactionID {
	test.Helper()
	topupID, err := NewTopupTransactionID(raw)
	if err != nil {
		test.Fatalf("topup id: %v", err)
	}
	return topupID
}

func mustAmount(test *testing.T, raw string) PositiveAmount {
	test.Helper()
	amount, err := ParsePositiveAmount(raw)
	if err != nil {
		test.Fatalf("amount: %v", err)
	}
	return amount
}

func mustMetadata(test *testing.T, raw string) MetadataJSON {
	test.Helper()
	metadata, err := NewMetadataJSON(raw)
	if err != nil {
		test.Fatalf("metadata: %v", err)
	}
	return metadata
}

func dec(raw string) decimal.Decimal {
	return decimal.RequireFromString(raw)
}

func seedAward(test *testing.T, store *stubStore, id string, userID UserID, amount string, locked string, awardedDaysAgo int, expiresInDays int) AwardedCredit {
	test.Helper()
	total := dec(amount)
	lockedAmount := dec(locked)
	award := AwardedCredit{
		ID:             mustAwardID(test, id),
		UserID:         userID,
		Amount:         total,
		LockedAmount:   lockedAmount,
		UnlockedAmount: total.Sub(lockedAmount),
		AwardedBy:      "admin",
		AwardedDate:    testNow.AddDate(0, 0, -awardedDaysAgo),
		ExpiresAt:      testNow.AddDate(0, 0, expiresInDays),
		Status:         AwardStatusActive,
		Reason:         "promotion",
	}
	if err := store.InsertAward(context.Background(), award); err != nil {
		test.Fatalf("seed award: %v", err)
	}
	return award
}

func seedTopup(test *testing.T, store *stubStore, id string, userID UserID, amount string) TopupTransactionID {
	test.Helper()
	topupID := mustTopupID(test, id)
	if err := store.InsertTopup(context.Background(), Topup{ID: topupID, UserID: userID, Amount: dec(amount), CreatedAt: testNow}); err != nil {
		test.Fatalf("seed topup: %v", err)
	}
	return topupID
}

func requireDecimal(test *testing.T, label string, expected string, actual decimal.Decimal) {
	test.Helper()
	if !actual.Equal(dec(expected)) {
		test.Fatalf("%s: expected %s, got %s", label, expected, actual.String())
	}
}
