package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/awardcredits/pkg/credits"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	constraintTopupPrimary  = "credit_topups_pkey"
	defaultMetadataJSON     = "{}"
	pgUniqueViolationCode   = "23505"
	sqliteConstraintCode    = 19
	errorOperationStore     = "store"
	errorSubjectAward       = "awarded_credit"
	errorSubjectTopup       = "topup"
	errorSubjectUnlock      = "unlock_record"
	errorSubjectUserLock    = "user_lock"
	errorCodeCompareAndSwap = "compare_and_swap"
	errorCodeDuplicate      = "duplicate"
	errorCodeGet            = "get"
	errorCodeInsert         = "insert"
	errorCodeInvalid        = "invalid"
	errorCodeList           = "list"
	errorCodeLock           = "lock"
	errorCodeMarkExpired    = "mark_expired"
	errorCodeSum            = "sum"
)

// Store implements credits.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore credits.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

// LockUser upserts the user's lock row; the write holds a row lock (postgres) or the writer lock (sqlite)
// until the surrounding transaction ends.
func (store *Store) LockUser(ctx context.Context, userID credits.UserID, at time.Time) error {
	lock := UserLock{UserID: userID.String(), LockedAt: at.UTC()}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"locked_at"}),
		}).
		Create(&lock).Error
	if err != nil {
		return credits.WriteFailure(errorSubjectUserLock, errorCodeLock, err)
	}
	return nil
}

func (store *Store) InsertAward(ctx context.Context, award credits.AwardedCredit) error {
	model := AwardedCredit{
		ID:             award.ID.String(),
		UserID:         award.UserID.String(),
		Amount:         award.Amount,
		LockedAmount:   award.LockedAmount,
		UnlockedAmount: award.UnlockedAmount,
		AwardedBy:      award.AwardedBy,
		AwardedDate:    award.AwardedDate.UTC(),
		ExpiresAt:      award.ExpiresAt.UTC(),
		Status:         award.Status.String(),
		Reason:         award.Reason,
		CreatedAt:      award.AwardedDate.UTC(),
		UpdatedAt:      award.AwardedDate.UTC(),
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return credits.WriteFailure(errorSubjectAward, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) ListAwards(ctx context.Context, userID credits.UserID) ([]credits.AwardedCredit, error) {
	var rows []AwardedCredit
	err := store.db.WithContext(ctx).
		Where("user_id = ?", userID.String()).
		Order("awarded_date ASC, id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, credits.ReadFailure(errorSubjectAward, errorCodeList, err)
	}
	return mapAwards(rows)
}

func (store *Store) ListUnlockableAwards(ctx context.Context, userID credits.UserID, at time.Time) ([]credits.AwardedCredit, error) {
	var rows []AwardedCredit
	err := store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ? AND status = ? AND locked_amount > 0 AND expires_at > ?", userID.String(), credits.AwardStatusActive.String(), at.UTC()).
		Order("awarded_date ASC, id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, credits.ReadFailure(errorSubjectAward, errorCodeList, err)
	}
	return mapAwards(rows)
}

func (store *Store) CompareAndSwapAward(ctx context.Context, previous credits.AwardedCredit, next credits.AwardedCredit, at time.Time) error {
	result := store.db.WithContext(ctx).
		Model(&AwardedCredit{}).
		Where("id = ? AND status = ? AND locked_amount = ?", previous.ID.String(), credits.AwardStatusActive.String(), previous.LockedAmount).
		Updates(map[string]any{
			"locked_amount":   next.LockedAmount,
			"unlocked_amount": next.UnlockedAmount,
			"status":          next.Status.String(),
			"updated_at":      at.UTC(),
		})
	if result.Error != nil {
		return credits.WriteFailure(errorSubjectAward, errorCodeCompareAndSwap, result.Error)
	}
	if result.RowsAffected == 0 {
		return credits.WrapError(errorOperationStore, errorSubjectAward, errorCodeCompareAndSwap, credits.ErrLedgerConflict)
	}
	return nil
}

func (store *Store) InsertTopup(ctx context.Context, topup credits.Topup) error {
	model := Topup{
		ID:        topup.ID.String(),
		UserID:    topup.UserID.String(),
		Amount:    topup.Amount,
		CreatedAt: topup.CreatedAt.UTC(),
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err, constraintTopupPrimary) {
		return credits.WrapError(errorOperationStore, errorSubjectTopup, errorCodeDuplicate, credits.ErrTopupExists)
	}
	if err != nil {
		return credits.WriteFailure(errorSubjectTopup, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) GetTopup(ctx context.Context, userID credits.UserID, topupID credits.TopupTransactionID) (credits.Topup, error) {
	var model Topup
	err := store.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", topupID.String(), userID.String()).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return credits.Topup{}, credits.WrapError(errorOperationStore, errorSubjectTopup, errorCodeGet, credits.ErrUnknownTopup)
		}
		return credits.Topup{}, credits.ReadFailure(errorSubjectTopup, errorCodeGet, err)
	}
	return credits.Topup{
		ID:        topupID,
		UserID:    userID,
		Amount:    model.Amount,
		CreatedAt: model.CreatedAt.UTC(),
	}, nil
}

func (store *Store) SumUnlockedForTopup(ctx context.Context, userID credits.UserID, topupID credits.TopupTransactionID) (decimal.Decimal, error) {
	var amounts []decimal.Decimal
	err := store.db.WithContext(ctx).
		Model(&UnlockRecord{}).
		Where("topup_transaction_id = ? AND user_id = ?", topupID.String(), userID.String()).
		Pluck("amount_unlocked", &amounts).Error
	if err != nil {
		return decimal.Zero, credits.ReadFailure(errorSubjectUnlock, errorCodeSum, err)
	}
	return decimal.Sum(decimal.Zero, amounts...), nil
}

func (store *Store) InsertUnlockRecord(ctx context.Context, record credits.UnlockRecord) error {
	model := UnlockRecord{
		ID:                 record.ID,
		TopupTransactionID: record.TopupTransactionID.String(),
		UserID:             record.UserID.String(),
		AmountUnlocked:     record.AmountUnlocked,
		Metadata:           datatypesJSON(record.Metadata.String()),
		CreatedAt:          record.CreatedAt.UTC(),
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return credits.WriteFailure(errorSubjectUnlock, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) ListUnlockRecords(ctx context.Context, userID credits.UserID, limit int) ([]credits.UnlockRecord, error) {
	var rows []UnlockRecord
	err := store.db.WithContext(ctx).
		Where("user_id = ?", userID.String()).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, credits.ReadFailure(errorSubjectUnlock, errorCodeList, err)
	}
	records := make([]credits.UnlockRecord, 0, len(rows))
	for _, row := range rows {
		record, err := mapUnlockRecord(row)
		if err != nil {
			return nil, credits.ReadFailure(errorSubjectUnlock, errorCodeInvalid, err)
		}
		records = append(records, record)
	}
	return records, nil
}

func (store *Store) ListExpiredActiveAwards(ctx context.Context, at time.Time, limit int) ([]credits.AwardedCredit, error) {
	var rows []AwardedCredit
	err := store.db.WithContext(ctx).
		Where("status = ? AND expires_at < ?", credits.AwardStatusActive.String(), at.UTC()).
		Order("awarded_date ASC, id ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, credits.ReadFailure(errorSubjectAward, errorCodeList, err)
	}
	return mapAwards(rows)
}

func (store *Store) MarkAwardExpired(ctx context.Context, awardID credits.AwardID, at time.Time) (bool, error) {
	result := store.db.WithContext(ctx).
		Model(&AwardedCredit{}).
		Where("id = ? AND status = ?", awardID.String(), credits.AwardStatusActive.String()).
		Updates(map[string]any{
			"status":     credits.AwardStatusExpired.String(),
			"updated_at": at.UTC(),
		})
	if result.Error != nil {
		return false, credits.WriteFailure(errorSubjectAward, errorCodeMarkExpired, result.Error)
	}
	return result.RowsAffected > 0, nil
}

func (store *Store) ListAwardsExpiringBetween(ctx context.Context, from time.Time, to time.Time) ([]credits.AwardedCredit, error) {
	var rows []AwardedCredit
	err := store.db.WithContext(ctx).
		Where("status = ? AND locked_amount > 0 AND expires_at >= ? AND expires_at < ?", credits.AwardStatusActive.String(), from.UTC(), to.UTC()).
		Order("awarded_date ASC, id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, credits.ReadFailure(errorSubjectAward, errorCodeList, err)
	}
	return mapAwards(rows)
}

func mapAwards(rows []AwardedCredit) ([]credits.AwardedCredit, error) {
	awards := make([]credits.AwardedCredit, 0, len(rows))
	for _, row := range rows {
		award, err := mapAward(row)
		if err != nil {
			return nil, credits.ReadFailure(errorSubjectAward, errorCodeInvalid, err)
		}
		awards = append(awards, award)
	}
	return awards, nil
}

func mapAward(row AwardedCredit) (credits.AwardedCredit, error) {
	awardID, err := credits.NewAwardID(row.ID)
	if err != nil {
		return credits.AwardedCredit{}, err
	}
	userID, err := credits.NewUserID(row.UserID)
	if err != nil {
		return credits.AwardedCredit{}, err
	}
	status, err := credits.ParseAwardStatus(row.Status)
	if err != nil {
		return credits.AwardedCredit{}, err
	}
	return credits.AwardedCredit{
		ID:             awardID,
		UserID:         userID,
		Amount:         row.Amount,
		LockedAmount:   row.LockedAmount,
		UnlockedAmount: row.UnlockedAmount,
		AwardedBy:      row.AwardedBy,
		AwardedDate:    row.AwardedDate.UTC(),
		ExpiresAt:      row.ExpiresAt.UTC(),
		Status:         status,
		Reason:         row.Reason,
	}, nil
}

func mapUnlockRecord(row UnlockRecord) (credits.UnlockRecord, error) {
	topupID, err := credits.NewTopupTransactionID(row.TopupTransactionID)
	if err != nil {
		return credits.UnlockRecord{}, err
	}
	userID, err := credits.NewUserID(row.UserID)
	if err != nil {
		return credits.UnlockRecord{}, err
	}
	metadata, err := credits.NewMetadataJSON(string(row.Metadata))
	if err != nil {
		return credits.UnlockRecord{}, err
	}
	return credits.UnlockRecord{
		ID:                 row.ID,
		TopupTransactionID: topupID,
		UserID:             userID,
		AmountUnlocked:     row.AmountUnlocked,
		Metadata:           metadata,
		CreatedAt:          row.CreatedAt.UTC(),
	}, nil
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isUniqueViolation(err error, constraint string) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraint
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
