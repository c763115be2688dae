package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

var (
	// ErrNoHolding is returned when a sell is attempted without a position.
	ErrNoHolding = errors.New("ledger: no holding for user")
	// ErrInsufficientHoldings is returned when a sell exceeds the held amount.
	ErrInsufficientHoldings = errors.New("ledger: insufficient holdings")
	// ErrNonPositiveAmount rejects zero or negative mutation amounts.
	ErrNonPositiveAmount = errors.New("ledger: amount must be positive")
	// ErrConcurrentUpdate is returned when the optimistic retries are exhausted.
	ErrConcurrentUpdate = errors.New("ledger: concurrent holding update")
)

// costScale is the number of decimal places kept for invested totals and
// average cost. Gold quantities keep their full token precision.
const costScale = 8

// Reconciler mutates holdings with weighted-average cost-basis accounting.
// Each mutation is a single read-modify-write guarded by the holding's
// version column; a lost race is retried from a fresh read.
type Reconciler struct {
	db         *gorm.DB
	maxRetries int
}

// NewReconciler builds a reconciler on top of the store's database handle.
func NewReconciler(store *Store) *Reconciler {
	return &Reconciler{db: store.DB(), maxRetries: 5}
}

// ApplySettled folds a settled transaction into the user's position exactly
// once. The transaction row carries a ledger_applied flag that is claimed in
// the same database transaction as the holding mutation, so a crash or failed
// completion write between the ledger step and MarkCompleted cannot lead to
// the amounts being counted twice on retry. A second call for the same
// transaction is a no-op returning a zero Holding.
func (r *Reconciler) ApplySettled(ctx context.Context, tx Transaction) (Holding, error) {
	var holding Holding
	err := r.db.WithContext(ctx).Transaction(func(dbtx *gorm.DB) error {
		res := dbtx.Model(&Transaction{}).
			Where("id = ? AND ledger_applied = ?", tx.ID, false).
			Update("ledger_applied", true)
		if res.Error != nil {
			return fmt.Errorf("ledger: claim ledger step: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			// Already applied by an earlier attempt.
			return nil
		}
		var err error
		if tx.Direction == DirectionBuy {
			holding, err = r.applyBuy(ctx, dbtx, tx.UserID, tx.GoldAmount, tx.FiatAmount)
		} else {
			holding, err = r.applySell(ctx, dbtx, tx.UserID, tx.GoldAmount)
		}
		return err
	})
	if err != nil {
		return Holding{}, err
	}
	return holding, nil
}

// ApplyBuy folds a settled purchase into the user's position. The holding row
// is created on the first completed buy.
func (r *Reconciler) ApplyBuy(ctx context.Context, userID string, goldAmount, fiatAmount decimal.Decimal) (Holding, error) {
	return r.applyBuy(ctx, r.db, userID, goldAmount, fiatAmount)
}

func (r *Reconciler) applyBuy(ctx context.Context, db *gorm.DB, userID string, goldAmount, fiatAmount decimal.Decimal) (Holding, error) {
	if goldAmount.Sign() <= 0 || fiatAmount.Sign() <= 0 {
		return Holding{}, ErrNonPositiveAmount
	}
	for attempt := 0; attempt < r.maxRetries; attempt++ {
		var holding Holding
		err := db.WithContext(ctx).First(&holding, "user_id = ?", userID).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			holding = Holding{
				UserID:        userID,
				GoldAmount:    goldAmount,
				TotalInvested: fiatAmount.Round(costScale),
				AverageCost:   avgCost(fiatAmount, goldAmount),
			}
			createErr := db.WithContext(ctx).Create(&holding).Error
			if createErr == nil {
				return holding, nil
			}
			// Another settlement created the row first; re-read and merge.
			continue
		case err != nil:
			return Holding{}, fmt.Errorf("ledger: load holding: %w", err)
		}

		newAmount := holding.GoldAmount.Add(goldAmount)
		newInvested := holding.TotalInvested.Add(fiatAmount).Round(costScale)
		updated, err := r.casUpdate(ctx, db, holding, newAmount, newInvested)
		if err == nil {
			return updated, nil
		}
		if !errors.Is(err, ErrConcurrentUpdate) {
			return Holding{}, err
		}
	}
	return Holding{}, ErrConcurrentUpdate
}

// ApplySell reduces the position proportionally against the single cost pool.
// Selling the entire position zeroes the invested total and clears the
// average cost.
func (r *Reconciler) ApplySell(ctx context.Context, userID string, goldAmount decimal.Decimal) (Holding, error) {
	return r.applySell(ctx, r.db, userID, goldAmount)
}

func (r *Reconciler) applySell(ctx context.Context, db *gorm.DB, userID string, goldAmount decimal.Decimal) (Holding, error) {
	if goldAmount.Sign() <= 0 {
		return Holding{}, ErrNonPositiveAmount
	}
	for attempt := 0; attempt < r.maxRetries; attempt++ {
		var holding Holding
		err := db.WithContext(ctx).First(&holding, "user_id = ?", userID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Holding{}, ErrNoHolding
		}
		if err != nil {
			return Holding{}, fmt.Errorf("ledger: load holding: %w", err)
		}
		if holding.GoldAmount.Sign() == 0 {
			return Holding{}, ErrNoHolding
		}
		if goldAmount.GreaterThan(holding.GoldAmount) {
			return Holding{}, ErrInsufficientHoldings
		}

		newAmount := holding.GoldAmount.Sub(goldAmount)
		var newInvested decimal.Decimal
		if newAmount.Sign() == 0 {
			newInvested = decimal.Zero
		} else {
			reduction := holding.TotalInvested.Mul(goldAmount).DivRound(holding.GoldAmount, costScale)
			newInvested = holding.TotalInvested.Sub(reduction)
		}
		updated, err := r.casUpdate(ctx, db, holding, newAmount, newInvested)
		if err == nil {
			return updated, nil
		}
		if !errors.Is(err, ErrConcurrentUpdate) {
			return Holding{}, err
		}
	}
	return Holding{}, ErrConcurrentUpdate
}

func (r *Reconciler) casUpdate(ctx context.Context, db *gorm.DB, holding Holding, newAmount, newInvested decimal.Decimal) (Holding, error) {
	cost := avgCost(newInvested, newAmount)
	res := db.WithContext(ctx).Model(&Holding{}).
		Where("user_id = ? AND version = ?", holding.UserID, holding.Version).
		Updates(map[string]any{
			"gold_amount":    newAmount,
			"total_invested": newInvested,
			"average_cost":   cost,
			"version":        holding.Version + 1,
		})
	if res.Error != nil {
		return Holding{}, fmt.Errorf("ledger: update holding: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return Holding{}, ErrConcurrentUpdate
	}
	holding.GoldAmount = newAmount
	holding.TotalInvested = newInvested
	holding.AverageCost = cost
	holding.Version++
	return holding, nil
}

func avgCost(invested, amount decimal.Decimal) decimal.NullDecimal {
	if amount.Sign() == 0 {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{
		Decimal: invested.DivRound(amount, costScale),
		Valid:   true,
	}
}
