package ledger

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Direction identifies which way a settlement converts value.
type Direction string

// Supported settlement directions.
const (
	DirectionBuy  Direction = "BUY"
	DirectionSell Direction = "SELL"
)

// Status represents a state in the settlement workflow.
type Status string

// All workflow states. Transitions only move forward:
// PENDING -> PROCESSING -> {COMPLETED, FAILED}.
const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

// CanTransition reports whether the workflow permits moving to next.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusProcessing
	case StatusProcessing:
		return next == StatusCompleted || next == StatusFailed
	default:
		return false
	}
}

// Terminal reports whether the status is immutable.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Transaction records one buy or sell intent across its lifecycle.
type Transaction struct {
	ID               uuid.UUID       `gorm:"type:uuid;primaryKey"`
	UserID           string          `gorm:"size:64;index"`
	Direction        Direction       `gorm:"size:8"`
	FiatAmount       decimal.Decimal `gorm:"type:decimal(24,8)"`
	StableAmount     decimal.Decimal `gorm:"type:decimal(36,18)"`
	GoldAmount       decimal.Decimal `gorm:"type:decimal(36,18)"`
	GoldPriceAtQuote decimal.Decimal `gorm:"type:decimal(24,8)"`
	Status           Status          `gorm:"size:16;index"`
	SettleToFiat     bool
	SwapTxRef        *string `gorm:"size:80"`
	SettlementTxRef  *string `gorm:"size:80"`
	ErrorDetail      *string `gorm:"size:512"`
	NeedsReview      bool    `gorm:"index"`
	ReviewNote       *string `gorm:"size:512"`
	LedgerApplied    bool    `gorm:"not null;default:false"`
	IdempotencyKey   *string `gorm:"size:128;uniqueIndex"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
	CompletedAt      *time.Time
}

// Holding is the aggregate position per user. AverageCost is null exactly
// when GoldAmount is zero. Version is the optimistic concurrency token; every
// reconciler mutation bumps it.
type Holding struct {
	UserID        string              `gorm:"size:64;primaryKey"`
	GoldAmount    decimal.Decimal     `gorm:"type:decimal(36,18)"`
	TotalInvested decimal.Decimal     `gorm:"type:decimal(24,8)"`
	AverageCost   decimal.NullDecimal `gorm:"type:decimal(24,8)"`
	Version       int64               `gorm:"not null;default:0"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// AutoMigrate performs all schema migrations for the service.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Transaction{},
		&Holding{},
	)
}
