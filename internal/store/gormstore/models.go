package gormstore

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// AwardedCredit mirrors the awarded_credits table.
type AwardedCredit struct {
	ID             string          `gorm:"primaryKey;size:64"`
	UserID         string          `gorm:"not null;index:idx_awarded_credits_user_status_date,priority:1"`
	Amount         decimal.Decimal `gorm:"type:numeric(20,2);not null"`
	LockedAmount   decimal.Decimal `gorm:"type:numeric(20,2);not null"`
	UnlockedAmount decimal.Decimal `gorm:"type:numeric(20,2);not null"`
	AwardedBy      string          `gorm:"not null"`
	AwardedDate    time.Time       `gorm:"not null;index:idx_awarded_credits_user_status_date,priority:3"`
	ExpiresAt      time.Time       `gorm:"not null;index:idx_awarded_credits_status_expires,priority:2"`
	Status         string          `gorm:"size:32;not null;index:idx_awarded_credits_user_status_date,priority:2;index:idx_awarded_credits_status_expires,priority:1"`
	Reason         string          `gorm:"not null;default:''"`
	CreatedAt      time.Time       `gorm:"not null"`
	UpdatedAt      time.Time       `gorm:"not null"`
}

func (AwardedCredit) TableName() string { return "awarded_credits" }

func (award *AwardedCredit) BeforeCreate(tx *gorm.DB) error {
	if award.ID == "" {
		award.ID = uuid.NewString()
	}
	return nil
}

// UnlockRecord mirrors the append-only credit_unlock_records table.
type UnlockRecord struct {
	ID                 string          `gorm:"primaryKey;size:64"`
	TopupTransactionID string          `gorm:"not null;index:idx_credit_unlock_records_topup"`
	UserID             string          `gorm:"not null;index:idx_credit_unlock_records_user_created,priority:1"`
	AmountUnlocked     decimal.Decimal `gorm:"type:numeric(20,2);not null"`
	Metadata           datatypes.JSON  `gorm:"not null"`
	CreatedAt          time.Time       `gorm:"not null;index:idx_credit_unlock_records_user_created,priority:2"`
}

func (UnlockRecord) TableName() string { return "credit_unlock_records" }

func (record *UnlockRecord) BeforeCreate(tx *gorm.DB) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	return nil
}

// Topup mirrors the credit_topups table; ID is the payment provider's transaction id.
type Topup struct {
	ID        string          `gorm:"primaryKey;size:128"`
	UserID    string          `gorm:"not null;index"`
	Amount    decimal.Decimal `gorm:"type:numeric(20,2);not null"`
	CreatedAt time.Time       `gorm:"not null"`
}

func (Topup) TableName() string { return "credit_topups" }

// UserLock is the per-user serialization row touched by every unlock transaction.
type UserLock struct {
	UserID   string    `gorm:"primaryKey;size:128"`
	LockedAt time.Time `gorm:"not null"`
}

func (UserLock) TableName() string { return "credit_user_locks" }

// Models lists every table managed by this package, in migration order.
func Models() []any {
	return []any{&AwardedCredit{}, &UnlockRecord{}, &Topup{}, &UserLock{}}
}
