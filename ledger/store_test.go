package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

func pendingTx(userID string) *Transaction {
	return &Transaction{
		UserID:           userID,
		Direction:        DirectionBuy,
		FiatAmount:       decimal.NewFromInt(1000),
		GoldAmount:       decimal.RequireFromString("0.0125"),
		GoldPriceAtQuote: decimal.NewFromInt(80000),
	}
}

func TestStatusTransitionsAreForwardOnly(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	tx := pendingTx("user-1")
	if _, err := store.CreateTransaction(ctx, tx); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.MarkProcessing(ctx, tx.ID); err != nil {
		t.Fatalf("mark processing: %v", err)
	}
	// A second attempt must fail: the row is no longer Pending.
	if err := store.MarkProcessing(ctx, tx.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	if err := store.MarkCompleted(ctx, tx.ID, time.Now()); err != nil {
		t.Fatalf("mark completed: %v", err)
	}
	if err := store.MarkFailed(ctx, tx.ID, "late failure", false, time.Now()); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("terminal transaction must not move to failed, got %v", err)
	}
	loaded, err := store.GetTransaction(ctx, tx.ID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Status != StatusCompleted {
		t.Fatalf("unexpected status: %s", loaded.Status)
	}
	if loaded.CompletedAt == nil {
		t.Fatalf("completed_at not recorded")
	}
}

func TestCannotCompleteFromPending(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	tx := pendingTx("user-1")
	if _, err := store.CreateTransaction(ctx, tx); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.MarkCompleted(ctx, tx.ID, time.Now()); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("pending -> completed must be rejected, got %v", err)
	}
}

func TestIdempotentCreation(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	key := "client-key-1"
	tx := pendingTx("user-1")
	tx.IdempotencyKey = &key
	created, err := store.CreateTransaction(ctx, tx)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !created {
		t.Fatalf("first submission should create")
	}

	replay := pendingTx("user-1")
	replay.IdempotencyKey = &key
	created, err = store.CreateTransaction(ctx, replay)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if created {
		t.Fatalf("replay must not create a second transaction")
	}
	if replay.ID != tx.ID {
		t.Fatalf("replay must return the original transaction")
	}
}

func TestStuckProcessingRequiresSwapRef(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	withRef := pendingTx("user-1")
	withoutRef := pendingTx("user-2")
	for _, tx := range []*Transaction{withRef, withoutRef} {
		if _, err := store.CreateTransaction(ctx, tx); err != nil {
			t.Fatalf("create: %v", err)
		}
		if err := store.MarkProcessing(ctx, tx.ID); err != nil {
			t.Fatalf("mark processing: %v", err)
		}
	}
	if err := store.RecordSwapRefs(ctx, withRef.ID, "0xabc123", ""); err != nil {
		t.Fatalf("record refs: %v", err)
	}

	stuck, err := store.StuckProcessing(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("stuck query: %v", err)
	}
	if len(stuck) != 1 {
		t.Fatalf("expected one stuck transaction, got %d", len(stuck))
	}
	if stuck[0].ID != withRef.ID {
		t.Fatalf("sweep must only see transactions whose swap leg confirmed")
	}

	// A cutoff in the past excludes fresh rows.
	stuck, err = store.StuckProcessing(ctx, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("stuck query: %v", err)
	}
	if len(stuck) != 0 {
		t.Fatalf("expected no stuck transactions before cutoff, got %d", len(stuck))
	}
}

func TestReviewQueueLifecycle(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	tx := pendingTx("user-1")
	if _, err := store.CreateTransaction(ctx, tx); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.MarkProcessing(ctx, tx.ID); err != nil {
		t.Fatalf("mark processing: %v", err)
	}
	if err := store.MarkFailed(ctx, tx.ID, "payout rejected after swap", true, time.Now()); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	queue, err := store.ReviewQueue(ctx)
	if err != nil {
		t.Fatalf("review queue: %v", err)
	}
	if len(queue) != 1 || queue[0].ID != tx.ID {
		t.Fatalf("flagged transaction missing from review queue")
	}

	if err := store.ResolveReview(ctx, tx.ID, "refunded manually, ticket OPS-214"); err != nil {
		t.Fatalf("resolve review: %v", err)
	}
	queue, err = store.ReviewQueue(ctx)
	if err != nil {
		t.Fatalf("review queue: %v", err)
	}
	if len(queue) != 0 {
		t.Fatalf("resolved transaction should leave the queue")
	}

	if err := store.ResolveReview(ctx, uuid.New(), "nope"); !errors.Is(err, ErrTransactionNotFound) {
		t.Fatalf("expected not found for unknown id, got %v", err)
	}
}

func TestCountByStatus(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := store.CreateTransaction(ctx, pendingTx("user-1")); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	tx := pendingTx("user-2")
	if _, err := store.CreateTransaction(ctx, tx); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.MarkProcessing(ctx, tx.ID); err != nil {
		t.Fatalf("mark processing: %v", err)
	}

	counts, err := store.CountByStatus(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if counts[StatusPending] != 3 || counts[StatusProcessing] != 1 {
		t.Fatalf("unexpected counts: %+v", counts)
	}
}
