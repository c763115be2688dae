package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Store wraps the relational persistence layer for transactions and holdings.
type Store struct {
	db *gorm.DB
}

var (
	// ErrTransactionNotFound is returned when the id resolves to no record.
	ErrTransactionNotFound = errors.New("ledger: transaction not found")
	// ErrInvalidTransition is returned when a status update would move backwards.
	ErrInvalidTransition = errors.New("ledger: invalid status transition")
)

// Open connects to the configured database and applies migrations. Supported
// drivers are "postgres" and "sqlite" (pure-Go, used for tests and dev).
func Open(driver, dsn string) (*Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("ledger: dsn required")
	}
	var dialector gorm.Dialector
	switch driver {
	case "postgres":
		dialector = postgres.Open(dsn)
	case "sqlite":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("ledger: unsupported driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("ledger: open database: %w", err)
	}
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("ledger: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// NewStore wraps an existing gorm handle; callers own migrations.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for the reconciler.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// CreateTransaction persists a new intent in the Pending state. When an
// idempotency key is supplied and already known, the existing transaction is
// returned with created=false and no new row is written.
func (s *Store) CreateTransaction(ctx context.Context, tx *Transaction) (created bool, err error) {
	if tx == nil {
		return false, fmt.Errorf("ledger: transaction required")
	}
	if tx.ID == uuid.Nil {
		tx.ID = uuid.New()
	}
	if tx.Status == "" {
		tx.Status = StatusPending
	}
	if tx.Status != StatusPending {
		return false, fmt.Errorf("ledger: new transactions must start pending")
	}
	if tx.IdempotencyKey != nil {
		key := strings.TrimSpace(*tx.IdempotencyKey)
		if key == "" {
			tx.IdempotencyKey = nil
		} else {
			var existing Transaction
			err := s.db.WithContext(ctx).Where("idempotency_key = ?", key).First(&existing).Error
			switch {
			case err == nil:
				*tx = existing
				return false, nil
			case !errors.Is(err, gorm.ErrRecordNotFound):
				return false, fmt.Errorf("ledger: idempotency lookup: %w", err)
			}
		}
	}
	if err := s.db.WithContext(ctx).Create(tx).Error; err != nil {
		return false, fmt.Errorf("ledger: create transaction: %w", err)
	}
	return true, nil
}

// GetTransaction loads a transaction by id.
func (s *Store) GetTransaction(ctx context.Context, id uuid.UUID) (Transaction, error) {
	var tx Transaction
	err := s.db.WithContext(ctx).First(&tx, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return tx, ErrTransactionNotFound
	}
	if err != nil {
		return tx, fmt.Errorf("ledger: load transaction: %w", err)
	}
	return tx, nil
}

// MarkProcessing advances a Pending transaction to Processing. The guarded
// update enforces the forward-only invariant at the database level.
func (s *Store) MarkProcessing(ctx context.Context, id uuid.UUID) error {
	res := s.db.WithContext(ctx).Model(&Transaction{}).
		Where("id = ? AND status = ?", id, StatusPending).
		Update("status", StatusProcessing)
	if res.Error != nil {
		return fmt.Errorf("ledger: mark processing: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrInvalidTransition
	}
	return nil
}

// RecordSwapRefs persists the on-chain references as each leg confirms so the
// sweep can distinguish "funds moved" from "nothing submitted".
func (s *Store) RecordSwapRefs(ctx context.Context, id uuid.UUID, swapRef, settlementRef string) error {
	updates := map[string]any{}
	if ref := strings.TrimSpace(swapRef); ref != "" {
		updates["swap_tx_ref"] = ref
	}
	if ref := strings.TrimSpace(settlementRef); ref != "" {
		updates["settlement_tx_ref"] = ref
	}
	if len(updates) == 0 {
		return nil
	}
	if err := s.db.WithContext(ctx).Model(&Transaction{}).Where("id = ?", id).Updates(updates).Error; err != nil {
		return fmt.Errorf("ledger: record swap refs: %w", err)
	}
	return nil
}

// RecordSettledAmounts overwrites the quoted amounts with what the chain
// actually delivered before the ledger is reconciled.
func (s *Store) RecordSettledAmounts(ctx context.Context, id uuid.UUID, tx Transaction) error {
	err := s.db.WithContext(ctx).Model(&Transaction{}).Where("id = ?", id).Updates(map[string]any{
		"gold_amount":   tx.GoldAmount,
		"stable_amount": tx.StableAmount,
		"fiat_amount":   tx.FiatAmount,
	}).Error
	if err != nil {
		return fmt.Errorf("ledger: record settled amounts: %w", err)
	}
	return nil
}

// MarkCompleted finalises a Processing transaction.
func (s *Store) MarkCompleted(ctx context.Context, id uuid.UUID, completedAt time.Time) error {
	res := s.db.WithContext(ctx).Model(&Transaction{}).
		Where("id = ? AND status = ?", id, StatusProcessing).
		Updates(map[string]any{"status": StatusCompleted, "completed_at": completedAt})
	if res.Error != nil {
		return fmt.Errorf("ledger: mark completed: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrInvalidTransition
	}
	return nil
}

// MarkFailed finalises a Processing transaction with error detail. needsReview
// routes post-settlement inconsistencies to the manual reconciliation queue.
func (s *Store) MarkFailed(ctx context.Context, id uuid.UUID, detail string, needsReview bool, failedAt time.Time) error {
	detail = strings.TrimSpace(detail)
	res := s.db.WithContext(ctx).Model(&Transaction{}).
		Where("id = ? AND status = ?", id, StatusProcessing).
		Updates(map[string]any{
			"status":       StatusFailed,
			"error_detail": detail,
			"needs_review": needsReview,
			"completed_at": failedAt,
		})
	if res.Error != nil {
		return fmt.Errorf("ledger: mark failed: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrInvalidTransition
	}
	return nil
}

// StuckProcessing lists transactions held in Processing with a confirmed swap
// leg, older than the cutoff. These are retried by the reconciliation sweep.
func (s *Store) StuckProcessing(ctx context.Context, cutoff time.Time) ([]Transaction, error) {
	var txs []Transaction
	err := s.db.WithContext(ctx).
		Where("status = ? AND swap_tx_ref IS NOT NULL AND updated_at < ?", StatusProcessing, cutoff).
		Order("updated_at ASC").
		Find(&txs).Error
	if err != nil {
		return nil, fmt.Errorf("ledger: query stuck transactions: %w", err)
	}
	return txs, nil
}

// ReviewQueue lists failed transactions flagged for manual reconciliation.
func (s *Store) ReviewQueue(ctx context.Context) ([]Transaction, error) {
	var txs []Transaction
	err := s.db.WithContext(ctx).
		Where("needs_review = ? AND review_note IS NULL", true).
		Order("updated_at ASC").
		Find(&txs).Error
	if err != nil {
		return nil, fmt.Errorf("ledger: query review queue: %w", err)
	}
	return txs, nil
}

// ResolveReview records an operator note against a flagged transaction.
func (s *Store) ResolveReview(ctx context.Context, id uuid.UUID, note string) error {
	note = strings.TrimSpace(note)
	if note == "" {
		return fmt.Errorf("ledger: review note required")
	}
	res := s.db.WithContext(ctx).Model(&Transaction{}).
		Where("id = ? AND needs_review = ?", id, true).
		Update("review_note", note)
	if res.Error != nil {
		return fmt.Errorf("ledger: resolve review: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrTransactionNotFound
	}
	return nil
}

// CountByStatus summarises transactions per workflow state.
func (s *Store) CountByStatus(ctx context.Context) (map[Status]int64, error) {
	type row struct {
		Status Status
		Total  int64
	}
	var rows []row
	err := s.db.WithContext(ctx).Model(&Transaction{}).
		Select("status, count(*) as total").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("ledger: count by status: %w", err)
	}
	counts := make(map[Status]int64, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.Total
	}
	return counts, nil
}

// SumBuyFiatSince totals fiat committed to non-failed buys created at or
// after the cutoff, for daily cap enforcement.
func (s *Store) SumBuyFiatSince(ctx context.Context, userID string, since time.Time) (decimal.Decimal, error) {
	var raw *string
	err := s.db.WithContext(ctx).Model(&Transaction{}).
		Select("sum(fiat_amount)").
		Where("user_id = ? AND direction = ? AND status <> ? AND created_at >= ?",
			userID, DirectionBuy, StatusFailed, since).
		Scan(&raw).Error
	if err != nil {
		return decimal.Zero, fmt.Errorf("ledger: sum buys: %w", err)
	}
	if raw == nil {
		return decimal.Zero, nil
	}
	total, err := decimal.NewFromString(*raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("ledger: parse buy total: %w", err)
	}
	return total, nil
}

// GetHolding loads the aggregate position for a user.
func (s *Store) GetHolding(ctx context.Context, userID string) (Holding, error) {
	var holding Holding
	err := s.db.WithContext(ctx).First(&holding, "user_id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return holding, ErrNoHolding
	}
	if err != nil {
		return holding, fmt.Errorf("ledger: load holding: %w", err)
	}
	return holding, nil
}
