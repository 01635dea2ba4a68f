package pgstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/awardcredits/pkg/credits"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

const (
	constraintTopupPrimary  = "credit_topups_pkey"
	pgUniqueViolationCode   = "23505"
	errorOperationStore     = "store"
	errorSubjectAward       = "awarded_credit"
	errorSubjectTopup       = "topup"
	errorSubjectTransaction = "transaction"
	errorSubjectUnlock      = "unlock_record"
	errorSubjectUserLock    = "user_lock"
	errorCodeBegin          = "begin"
	errorCodeCommit         = "commit"
	errorCodeCompareAndSwap = "compare_and_swap"
	errorCodeDuplicate      = "duplicate"
	errorCodeGet            = "get"
	errorCodeInsert         = "insert"
	errorCodeInvalid        = "invalid"
	errorCodeList           = "list"
	errorCodeLock           = "lock"
	errorCodeMarkExpired    = "mark_expired"
	errorCodeSum            = "sum"

	awardColumns = `id, user_id, amount::text, locked_amount::text, unlocked_amount::text, awarded_by, awarded_date, expires_at, status, reason`

	sqlLockUser = `
		insert into credit_user_locks(user_id, locked_at) values ($1, $2)
		on conflict (user_id) do update set locked_at = excluded.locked_at
	`

	sqlInsertAward = `
		insert into awarded_credits(
			id, user_id, amount, locked_amount, unlocked_amount, awarded_by, awarded_date, expires_at, status, reason, created_at, updated_at
		)
		values ($1, $2, $3::numeric, $4::numeric, $5::numeric, $6, $7, $8, $9, $10, $7, $7)
	`

	sqlListAwards = `
		select ` + awardColumns + `
		from awarded_credits
		where user_id = $1
		order by awarded_date asc, id asc
	`

	sqlListUnlockableAwards = `
		select ` + awardColumns + `
		from awarded_credits
		where user_id = $1 and status = 'active' and locked_amount > 0 and expires_at > $2
		order by awarded_date asc, id asc
		for update
	`

	sqlCompareAndSwapAward = `
		update awarded_credits
		set locked_amount = $3::numeric, unlocked_amount = $4::numeric, status = $5, updated_at = $6
		where id = $1 and status = 'active' and locked_amount = $2::numeric
	`

	sqlInsertTopup = `
		insert into credit_topups(id, user_id, amount, created_at) values ($1, $2, $3::numeric, $4)
	`

	sqlSelectTopup = `
		select amount::text, created_at from credit_topups where id = $1 and user_id = $2
	`

	sqlSumUnlockedForTopup = `
		select coalesce(sum(amount_unlocked), 0)::text from credit_unlock_records where topup_transaction_id = $1 and user_id = $2
	`

	sqlInsertUnlockRecord = `
		insert into credit_unlock_records(id, topup_transaction_id, user_id, amount_unlocked, metadata, created_at)
		values ($1, $2, $3, $4::numeric, coalesce(nullif($5,''),'{}')::jsonb, $6)
	`

	sqlListUnlockRecords = `
		select id, topup_transaction_id, user_id, amount_unlocked::text, coalesce(metadata::text,'{}'), created_at
		from credit_unlock_records
		where user_id = $1
		order by created_at desc, id desc
		limit $2
	`

	sqlListExpiredActiveAwards = `
		select ` + awardColumns + `
		from awarded_credits
		where status = 'active' and expires_at < $1
		order by awarded_date asc, id asc
		limit $2
	`

	sqlMarkAwardExpired = `
		update awarded_credits set status = 'expired', updated_at = $2
		where id = $1 and status = 'active'
	`

	sqlListAwardsExpiringBetween = `
		select ` + awardColumns + `
		from awarded_credits
		where status = 'active' and locked_amount > 0 and expires_at >= $1 and expires_at < $2
		order by awarded_date asc, id asc
	`
)

// querier is the subset of pgx shared by the pool and an open transaction.
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements credits.Store using a pgx connection pool (autocommit).
type Store struct {
	queries
	pool *pgxpool.Pool
}

// TxStore implements credits.Store for an active transaction.
type TxStore struct {
	queries
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{queries: queries{db: pool}, pool: pool}
}

func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore credits.Store) error) error {
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return credits.WriteFailure(errorSubjectTransaction, errorCodeBegin, err)
	}
	transactionStore := &TxStore{queries: queries{db: tx}}
	if err := fn(ctx, transactionStore); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return credits.WriteFailure(errorSubjectTransaction, errorCodeCommit, err)
	}
	return nil
}

// WithTx reuses the open transaction.
func (store *TxStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore credits.Store) error) error {
	return fn(ctx, store)
}

type queries struct {
	db querier
}

func (store queries) LockUser(ctx context.Context, userID credits.UserID, at time.Time) error {
	if _, err := store.db.Exec(ctx, sqlLockUser, userID.String(), at.UTC()); err != nil {
		return credits.WriteFailure(errorSubjectUserLock, errorCodeLock, err)
	}
	return nil
}

func (store queries) InsertAward(ctx context.Context, award credits.AwardedCredit) error {
	_, err := store.db.Exec(ctx, sqlInsertAward,
		award.ID.String(),
		award.UserID.String(),
		award.Amount.String(),
		award.LockedAmount.String(),
		award.UnlockedAmount.String(),
		award.AwardedBy,
		award.AwardedDate.UTC(),
		award.ExpiresAt.UTC(),
		award.Status.String(),
		award.Reason,
	)
	if err != nil {
		return credits.WriteFailure(errorSubjectAward, errorCodeInsert, err)
	}
	return nil
}

func (store queries) ListAwards(ctx context.Context, userID credits.UserID) ([]credits.AwardedCredit, error) {
	return store.listAwards(ctx, sqlListAwards, userID.String())
}

func (store queries) ListUnlockableAwards(ctx context.Context, userID credits.UserID, at time.Time) ([]credits.AwardedCredit, error) {
	return store.listAwards(ctx, sqlListUnlockableAwards, userID.String(), at.UTC())
}

func (store queries) CompareAndSwapAward(ctx context.Context, previous credits.AwardedCredit, next credits.AwardedCredit, at time.Time) error {
	tag, err := store.db.Exec(ctx, sqlCompareAndSwapAward,
		previous.ID.String(),
		previous.LockedAmount.String(),
		next.LockedAmount.String(),
		next.UnlockedAmount.String(),
		next.Status.String(),
		at.UTC(),
	)
	if err != nil {
		return credits.WriteFailure(errorSubjectAward, errorCodeCompareAndSwap, err)
	}
	if tag.RowsAffected() == 0 {
		return credits.WrapError(errorOperationStore, errorSubjectAward, errorCodeCompareAndSwap, credits.ErrLedgerConflict)
	}
	return nil
}

func (store queries) InsertTopup(ctx context.Context, topup credits.Topup) error {
	_, err := store.db.Exec(ctx, sqlInsertTopup, topup.ID.String(), topup.UserID.String(), topup.Amount.String(), topup.CreatedAt.UTC())
	if isUniqueViolation(err, constraintTopupPrimary) {
		return credits.WrapError(errorOperationStore, errorSubjectTopup, errorCodeDuplicate, credits.ErrTopupExists)
	}
	if err != nil {
		return credits.WriteFailure(errorSubjectTopup, errorCodeInsert, err)
	}
	return nil
}

func (store queries) GetTopup(ctx context.Context, userID credits.UserID, topupID credits.TopupTransactionID) (credits.Topup, error) {
	var (
		amountValue string
		createdAt   time.Time
	)
	err := store.db.QueryRow(ctx, sqlSelectTopup, topupID.String(), userID.String()).Scan(&amountValue, &createdAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return credits.Topup{}, credits.WrapError(errorOperationStore, errorSubjectTopup, errorCodeGet, credits.ErrUnknownTopup)
		}
		return credits.Topup{}, credits.ReadFailure(errorSubjectTopup, errorCodeGet, err)
	}
	amount, err := decimal.NewFromString(amountValue)
	if err != nil {
		return credits.Topup{}, credits.ReadFailure(errorSubjectTopup, errorCodeInvalid, err)
	}
	return credits.Topup{ID: topupID, UserID: userID, Amount: amount, CreatedAt: createdAt.UTC()}, nil
}

func (store queries) SumUnlockedForTopup(ctx context.Context, userID credits.UserID, topupID credits.TopupTransactionID) (decimal.Decimal, error) {
	var sumValue string
	if err := store.db.QueryRow(ctx, sqlSumUnlockedForTopup, topupID.String(), userID.String()).Scan(&sumValue); err != nil {
		return decimal.Zero, credits.ReadFailure(errorSubjectUnlock, errorCodeSum, err)
	}
	sum, err := decimal.NewFromString(sumValue)
	if err != nil {
		return decimal.Zero, credits.ReadFailure(errorSubjectUnlock, errorCodeInvalid, err)
	}
	return sum, nil
}

func (store queries) InsertUnlockRecord(ctx context.Context, record credits.UnlockRecord) error {
	_, err := store.db.Exec(ctx, sqlInsertUnlockRecord,
		record.ID,
		record.TopupTransactionID.String(),
		record.UserID.String(),
		record.AmountUnlocked.String(),
		record.Metadata.String(),
		record.CreatedAt.UTC(),
	)
	if err != nil {
		return credits.WriteFailure(errorSubjectUnlock, errorCodeInsert, err)
	}
	return nil
}

func (store queries) ListUnlockRecords(ctx context.Context, userID credits.UserID, limit int) ([]credits.UnlockRecord, error) {
	rows, err := store.db.Query(ctx, sqlListUnlockRecords, userID.String(), limit)
	if err != nil {
		return nil, credits.ReadFailure(errorSubjectUnlock, errorCodeList, err)
	}
	defer rows.Close()

	records := make([]credits.UnlockRecord, 0)
	for rows.Next() {
		var (
			id, topupValue, userValue, amountValue, metadataValue string
			createdAt                                           time.Time
		)
		if err := rows.Scan(&id, &topupValue, &userValue, &amountValue, &metadataValue, &createdAt); err != nil {
			return nil, credits.ReadFailure(errorSubjectUnlock, errorCodeList, err)
		}
		record, err := mapUnlockRecord(id, topupValue, userValue, amountValue, metadataValue, createdAt)
		if err != nil {
			return nil, credits.ReadFailure(errorSubjectUnlock, errorCodeInvalid, err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, credits.ReadFailure(errorSubjectUnlock, errorCodeList, err)
	}
	return records, nil
}

func (store queries) ListExpiredActiveAwards(ctx context.Context, at time.Time, limit int) ([]credits.AwardedCredit, error) {
	return store.listAwards(ctx, sqlListExpiredActiveAwards, at.UTC(), limit)
}

func (store queries) MarkAwardExpired(ctx context.Context, awardID credits.AwardID, at time.Time) (bool, error) {
	tag, err := store.db.Exec(ctx, sqlMarkAwardExpired, awardID.String(), at.UTC())
	if err != nil {
		return false, credits.WriteFailure(errorSubjectAward, errorCodeMarkExpired, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (store queries) ListAwardsExpiringBetween(ctx context.Context, from time.Time, to time.Time) ([]credits.AwardedCredit, error) {
	return store.listAwards(ctx, sqlListAwardsExpiringBetween, from.UTC(), to.UTC())
}

func (store queries) listAwards(ctx context.Context, query string, args ...any) ([]credits.AwardedCredit, error) {
	rows, err := store.db.Query(ctx, query, args...)
	if err != nil {
		return nil, credits.ReadFailure(errorSubjectAward, errorCodeList, err)
	}
	defer rows.Close()
	awards, err := scanAwards(rows)
	if err != nil {
		return nil, credits.ReadFailure(errorSubjectAward, errorCodeInvalid, err)
	}
	return awards, nil
}

func scanAwards(rows pgx.Rows) ([]credits.AwardedCredit, error) {
	awards := make([]credits.AwardedCredit, 0)
	for rows.Next() {
		var (
			idValue, userValue, amountValue, lockedValue, unlockedValue string
			awardedBy, statusValue, reason                              string
			awardedDate, expiresAt                                      time.Time
		)
		if err := rows.Scan(&idValue, &userValue, &amountValue, &lockedValue, &unlockedValue, &awardedBy, &awardedDate, &expiresAt, &statusValue, &reason); err != nil {
			return nil, err
		}
		awardID, err := credits.NewAwardID(idValue)
		if err != nil {
			return nil, err
		}
		userID, err := credits.NewUserID(userValue)
		if err != nil {
			return nil, err
		}
		status, err := credits.ParseAwardStatus(statusValue)
		if err != nil {
			return nil, err
		}
		amounts := make([]decimal.Decimal, 0, 3)
		for _, raw := range []string{amountValue, lockedValue, unlockedValue} {
			parsed, err := decimal.NewFromString(raw)
			if err != nil {
				return nil, err
			}
			amounts = append(amounts, parsed)
		}
		awards = append(awards, credits.AwardedCredit{
			ID:             awardID,
			UserID:         userID,
			Amount:         amounts[0],
			LockedAmount:   amounts[1],
			UnlockedAmount: amounts[2],
			AwardedBy:      awardedBy,
			AwardedDate:    awardedDate.UTC(),
			ExpiresAt:      expiresAt.UTC(),
			Status:         status,
			Reason:         reason,
		})
	}
	return awards, rows.Err()
}

func mapUnlockRecord(id, topupValue, userValue, amountValue, metadataValue string, createdAt time.Time) (credits.UnlockRecord, error) {
	topupID, err := credits.NewTopupTransactionID(topupValue)
	if err != nil {
		return credits.UnlockRecord{}, err
	}
	userID, err := credits.NewUserID(userValue)
	if err != nil {
		return credits.UnlockRecord{}, err
	}
	amount, err := decimal.NewFromString(amountValue)
	if err != nil {
		return credits.UnlockRecord{}, err
	}
	metadata, err := credits.NewMetadataJSON(metadataValue)
	if err != nil {
		return credits.UnlockRecord{}, err
	}
	return credits.UnlockRecord{
		ID:                 id,
		TopupTransactionID: topupID,
		UserID:             userID,
		AmountUnlocked:     amount,
		Metadata:           metadata,
		CreatedAt:          createdAt.UTC(),
	}, nil
}

func isUniqueViolation(err error, constraint string) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraint
	}
	return false
}
