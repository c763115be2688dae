package settle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"goldsettle/ledger"
)

// RunSweep periodically retries ledger reconciliation for transactions left
// in Processing after their swap confirmed. It blocks until ctx is done.
func (m *Machine) RunSweep(ctx context.Context, interval, stuckAge time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.SweepOnce(ctx, stuckAge); err != nil {
				m.logger.Error("reconciliation sweep", slog.String("error", err.Error()))
			}
		}
	}
}

// SweepOnce retries the ledger step for every stuck transaction and refreshes
// the backlog gauges. Only transactions whose swap leg confirmed are eligible;
// anything else either never moved funds or is already terminal.
func (m *Machine) SweepOnce(ctx context.Context, stuckAge time.Duration) (int, error) {
	ctx, span := m.tracer.Start(ctx, "settle.SweepOnce")
	defer span.End()

	cutoff := m.now().Add(-stuckAge)
	stuck, err := m.store.StuckProcessing(ctx, cutoff)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "query stuck")
		return 0, fmt.Errorf("settle: query stuck transactions: %w", err)
	}
	m.metrics.SetStuckProcessing(len(stuck))

	completed := 0
	for _, tx := range stuck {
		if err := m.retryLedger(ctx, span, tx); err != nil {
			m.logger.Warn("sweep retry failed",
				slog.String("tx", tx.ID.String()),
				slog.String("error", err.Error()))
			continue
		}
		completed++
	}

	if queue, err := m.store.ReviewQueue(ctx); err == nil {
		m.metrics.SetReviewQueueDepth(len(queue))
	}
	if completed > 0 {
		m.logger.Info("reconciliation sweep completed transactions",
			slog.Int("count", completed),
			slog.Int("stuck", len(stuck)))
	}
	return completed, nil
}

func (m *Machine) retryLedger(ctx context.Context, span trace.Span, tx ledger.Transaction) error {
	unlock := m.lockUser(tx.UserID)
	defer unlock()

	// Re-read under the lock: a concurrent settle may have finished it.
	current, err := m.store.GetTransaction(ctx, tx.ID)
	if err != nil {
		return err
	}
	if current.Status.Terminal() {
		return nil
	}
	// ApplySettled is a no-op when an earlier attempt already claimed the
	// ledger step, so this retry only ever completes the status write.
	if err := m.reconcile(ctx, current); err != nil {
		span.RecordError(err)
		if ledgerUnreconcilable(err) {
			// Retrying with the same recorded amounts can never succeed.
			// Funds moved on-chain, so hand it to an operator.
			m.fail(ctx, current, "ledger_unreconcilable", err, true)
		}
		return err
	}
	return m.store.MarkCompleted(ctx, current.ID, m.now())
}

// ledgerUnreconcilable reports whether the reconciler rejected the recorded
// amounts outright, as opposed to a transient database failure.
func ledgerUnreconcilable(err error) bool {
	return errors.Is(err, ledger.ErrNonPositiveAmount) ||
		errors.Is(err, ledger.ErrNoHolding) ||
		errors.Is(err, ledger.ErrInsufficientHoldings)
}
