package settle

import (
	"context"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"goldsettle/ledger"
	"goldsettle/payout"
	"goldsettle/quote"
	"goldsettle/swap"
)

var (
	treasuryAddr = common.HexToAddress("0x00000000000000000000000000000000000000d1")
	userAddr     = common.HexToAddress("0x00000000000000000000000000000000000000d2")
)

type stubWallet struct{ addr common.Address }

func (w stubWallet) Address() common.Address { return w.addr }

func (w stubWallet) SignAndSend(ctx context.Context, to common.Address, calldata []byte, gasPrice *big.Int, gasLimit uint64) (common.Hash, error) {
	return common.Hash{}, nil
}

func (w stubWallet) WaitForReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error) {
	return &gethtypes.Receipt{Status: gethtypes.ReceiptStatusSuccessful}, nil
}

type stubRunner struct {
	params []swap.Params
	result swap.Result
	err    error
}

func (r *stubRunner) ExecuteSwap(ctx context.Context, p swap.Params) (swap.Result, error) {
	r.params = append(r.params, p)
	return r.result, r.err
}

type stubPayouts struct {
	requests []payout.PayoutRequest
	result   payout.PayoutResult
	err      error
}

func (p *stubPayouts) CreatePayout(ctx context.Context, req payout.PayoutRequest) (payout.PayoutResult, error) {
	p.requests = append(p.requests, req)
	return p.result, p.err
}

// flakyLedger fails a configurable number of times before delegating.
type flakyLedger struct {
	inner    *ledger.Reconciler
	failures int
}

func (l *flakyLedger) ApplySettled(ctx context.Context, tx ledger.Transaction) (ledger.Holding, error) {
	if l.failures > 0 {
		l.failures--
		return ledger.Holding{}, fmt.Errorf("database temporarily unavailable")
	}
	return l.inner.ApplySettled(ctx, tx)
}

type fixture struct {
	store   *ledger.Store
	books   *flakyLedger
	runner  *stubRunner
	payouts *stubPayouts
	machine *Machine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	store, err := ledger.Open("sqlite", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	books := &flakyLedger{inner: ledger.NewReconciler(store)}
	runner := &stubRunner{}
	payouts := &stubPayouts{result: payout.PayoutResult{ReferenceID: "po_777"}}
	machine := NewMachine(store, books, runner, payouts, TokenScales{GoldDecimals: 18, StableDecimals: 6},
		WithTreasuryWallet(stubWallet{addr: treasuryAddr}))
	return &fixture{store: store, books: books, runner: runner, payouts: payouts, machine: machine}
}

func (f *fixture) createTransaction(t *testing.T, direction ledger.Direction, settleToFiat bool) ledger.Transaction {
	t.Helper()
	tx := &ledger.Transaction{
		UserID:           "user-1",
		Direction:        direction,
		FiatAmount:       decimal.NewFromInt(40000),
		GoldPriceAtQuote: decimal.NewFromInt(80000),
		SettleToFiat:     settleToFiat,
	}
	_, err := f.store.CreateTransaction(context.Background(), tx)
	require.NoError(t, err)
	return *tx
}

func buyQuote() quote.Quote {
	return quote.Quote{
		InputAmount:    big.NewInt(40_000_000_000), // 40000 stable at 6 decimals
		ExpectedOutput: bigFromString("502000000000000000"),
		MinimumOutput:  bigFromString("500000000000000000"),
		SlippageBps:    50,
		ValidUntil:     time.Now().Add(time.Minute),
	}
}

func sellQuote() quote.Quote {
	return quote.Quote{
		InputAmount:    bigFromString("500000000000000000"), // 0.5 gold
		ExpectedOutput: big.NewInt(38_200_000_000),
		MinimumOutput:  big.NewInt(38_000_000_000),
		SlippageBps:    50,
		ValidUntil:     time.Now().Add(time.Minute),
	}
}

func bigFromString(s string) *big.Int {
	v, _ := new(big.Int).SetString(s, 10)
	return v
}

func TestBuySettlementHappyPath(t *testing.T) {
	f := newFixture(t)
	tx := f.createTransaction(t, ledger.DirectionBuy, false)
	f.runner.result = swap.Result{
		SwapTxHash:    common.HexToHash("0x01"),
		ForwardTxHash: hashPtr("0x02"),
		AmountOut:     bigFromString("500000000000000000"),
	}

	status := f.machine.Settle(context.Background(), Request{
		Transaction: tx,
		Quote:       buyQuote(),
		Wallet:      stubWallet{addr: treasuryAddr},
		UserAddress: userAddr,
	})
	require.Equal(t, ledger.StatusCompleted, status)

	// Treasury takes delivery and forwards to the user.
	require.Len(t, f.runner.params, 1)
	require.Equal(t, treasuryAddr, f.runner.params[0].Recipient)
	require.NotNil(t, f.runner.params[0].ForwardTo)
	require.Equal(t, userAddr, *f.runner.params[0].ForwardTo)

	loaded, err := f.store.GetTransaction(context.Background(), tx.ID)
	require.NoError(t, err)
	require.Equal(t, ledger.StatusCompleted, loaded.Status)
	require.NotNil(t, loaded.SwapTxRef)
	require.NotNil(t, loaded.SettlementTxRef)
	require.True(t, loaded.GoldAmount.Equal(decimal.RequireFromString("0.5")))

	holding, err := f.store.GetHolding(context.Background(), "user-1")
	require.NoError(t, err)
	require.True(t, holding.GoldAmount.Equal(decimal.RequireFromString("0.5")))
	require.True(t, holding.TotalInvested.Equal(decimal.NewFromInt(40000)))
	require.True(t, holding.AverageCost.Decimal.Equal(decimal.NewFromInt(80000)))
}

func TestSellSettlementPaysOutFiat(t *testing.T) {
	f := newFixture(t)
	seedHolding(t, f)
	tx := f.createTransaction(t, ledger.DirectionSell, true)
	f.runner.result = swap.Result{
		SwapTxHash: common.HexToHash("0x03"),
		AmountOut:  big.NewInt(38_100_000_000),
	}

	status := f.machine.Settle(context.Background(), Request{
		Transaction:       tx,
		Quote:             sellQuote(),
		Wallet:            stubWallet{addr: userAddr},
		UserAddress:       userAddr,
		PayoutDestination: "bank-ref-1",
	})
	require.Equal(t, ledger.StatusCompleted, status)

	require.Len(t, f.payouts.requests, 1)
	require.Equal(t, tx.ID.String(), f.payouts.requests[0].IdempotencyKey)
	require.True(t, f.payouts.requests[0].Amount.Equal(decimal.RequireFromString("38100")))

	loaded, err := f.store.GetTransaction(context.Background(), tx.ID)
	require.NoError(t, err)
	require.NotNil(t, loaded.SettlementTxRef)
	require.Equal(t, "po_777", *loaded.SettlementTxRef)

	holding, err := f.store.GetHolding(context.Background(), "user-1")
	require.NoError(t, err)
	require.True(t, holding.GoldAmount.Equal(decimal.RequireFromString("0.5")))
}

func TestFiatSettledSellRoutesProceedsToTreasury(t *testing.T) {
	f := newFixture(t)
	seedHolding(t, f)
	tx := f.createTransaction(t, ledger.DirectionSell, true)
	f.runner.result = swap.Result{
		SwapTxHash: common.HexToHash("0x08"),
		AmountOut:  big.NewInt(38_100_000_000),
	}

	status := f.machine.Settle(context.Background(), Request{
		Transaction:       tx,
		Quote:             sellQuote(),
		Wallet:            stubWallet{addr: userAddr},
		UserAddress:       userAddr,
		PayoutDestination: "bank-ref-1",
	})
	require.Equal(t, ledger.StatusCompleted, status)

	// The treasury keeps the stable proceeds that fund the bank payout; if
	// the user also received them on-chain the sale would be paid twice.
	require.Len(t, f.runner.params, 1)
	require.Equal(t, treasuryAddr, f.runner.params[0].Recipient)
	require.Nil(t, f.runner.params[0].ForwardTo)
	require.Len(t, f.payouts.requests, 1)
}

func TestStableSettledSellPaysUserOnChain(t *testing.T) {
	f := newFixture(t)
	seedHolding(t, f)
	tx := f.createTransaction(t, ledger.DirectionSell, false)
	f.runner.result = swap.Result{
		SwapTxHash: common.HexToHash("0x0a"),
		AmountOut:  big.NewInt(38_100_000_000),
	}

	status := f.machine.Settle(context.Background(), Request{
		Transaction: tx,
		Quote:       sellQuote(),
		Wallet:      stubWallet{addr: userAddr},
		UserAddress: userAddr,
	})
	require.Equal(t, ledger.StatusCompleted, status)

	require.Len(t, f.runner.params, 1)
	require.Equal(t, userAddr, f.runner.params[0].Recipient)
	require.Empty(t, f.payouts.requests, "stable-settled sells never touch the payout gateway")
}

func TestSwapFailureLeavesLedgerUntouched(t *testing.T) {
	f := newFixture(t)
	seedHolding(t, f)
	before, err := f.store.GetHolding(context.Background(), "user-1")
	require.NoError(t, err)

	tx := f.createTransaction(t, ledger.DirectionSell, true)
	f.runner.result = swap.Result{SwapTxHash: common.HexToHash("0x04")}
	f.runner.err = fmt.Errorf("%w: tx 0x04", swap.ErrSwapReverted)

	status := f.machine.Settle(context.Background(), Request{
		Transaction: tx,
		Quote:       sellQuote(),
		Wallet:      stubWallet{addr: userAddr},
		UserAddress: userAddr,
	})
	require.Equal(t, ledger.StatusFailed, status)

	loaded, err := f.store.GetTransaction(context.Background(), tx.ID)
	require.NoError(t, err)
	require.Equal(t, ledger.StatusFailed, loaded.Status)
	require.NotNil(t, loaded.ErrorDetail)
	require.Contains(t, *loaded.ErrorDetail, "swap_reverted")
	require.False(t, loaded.NeedsReview, "a plain revert moved no settled value")
	require.Empty(t, f.payouts.requests, "payout must not run after a failed swap")

	after, err := f.store.GetHolding(context.Background(), "user-1")
	require.NoError(t, err)
	require.True(t, before.GoldAmount.Equal(after.GoldAmount))
	require.True(t, before.TotalInvested.Equal(after.TotalInvested))
	require.Equal(t, before.Version, after.Version)
}

func TestPayoutFailureFlagsManualReview(t *testing.T) {
	f := newFixture(t)
	seedHolding(t, f)
	tx := f.createTransaction(t, ledger.DirectionSell, true)
	f.runner.result = swap.Result{
		SwapTxHash: common.HexToHash("0x05"),
		AmountOut:  big.NewInt(38_100_000_000),
	}
	f.payouts.err = fmt.Errorf("%w: destination blocked", payout.ErrPayoutRejected)

	status := f.machine.Settle(context.Background(), Request{
		Transaction:       tx,
		Quote:             sellQuote(),
		Wallet:            stubWallet{addr: userAddr},
		UserAddress:       userAddr,
		PayoutDestination: "bank-ref-1",
	})
	require.Equal(t, ledger.StatusFailed, status)

	loaded, err := f.store.GetTransaction(context.Background(), tx.ID)
	require.NoError(t, err)
	require.Equal(t, ledger.StatusFailed, loaded.Status)
	require.True(t, loaded.NeedsReview, "value moved on-chain before the payout failed")

	queue, err := f.store.ReviewQueue(context.Background())
	require.NoError(t, err)
	require.Len(t, queue, 1)

	// The books stay untouched until an operator reconciles by hand.
	holding, err := f.store.GetHolding(context.Background(), "user-1")
	require.NoError(t, err)
	require.True(t, holding.GoldAmount.Equal(decimal.NewFromInt(1)))
}

func TestLedgerFailureLeavesProcessingForSweep(t *testing.T) {
	f := newFixture(t)
	tx := f.createTransaction(t, ledger.DirectionBuy, false)
	f.runner.result = swap.Result{
		SwapTxHash:    common.HexToHash("0x06"),
		ForwardTxHash: hashPtr("0x07"),
		AmountOut:     bigFromString("500000000000000000"),
	}
	f.books.failures = 1

	status := f.machine.Settle(context.Background(), Request{
		Transaction: tx,
		Quote:       buyQuote(),
		Wallet:      stubWallet{addr: treasuryAddr},
		UserAddress: userAddr,
	})
	require.Equal(t, ledger.StatusProcessing, status, "funds moved, so neither terminal state is truthful")

	loaded, err := f.store.GetTransaction(context.Background(), tx.ID)
	require.NoError(t, err)
	require.Equal(t, ledger.StatusProcessing, loaded.Status)

	// The sweep retries the ledger step and completes the transaction.
	time.Sleep(20 * time.Millisecond)
	completed, err := f.machine.SweepOnce(context.Background(), 10*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, 1, completed)

	loaded, err = f.store.GetTransaction(context.Background(), tx.ID)
	require.NoError(t, err)
	require.Equal(t, ledger.StatusCompleted, loaded.Status)

	holding, err := f.store.GetHolding(context.Background(), "user-1")
	require.NoError(t, err)
	require.True(t, holding.GoldAmount.Equal(decimal.RequireFromString("0.5")))
}

func TestSweepDoesNotReapplyLedger(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tx := f.createTransaction(t, ledger.DirectionBuy, false)
	require.NoError(t, f.store.MarkProcessing(ctx, tx.ID))
	require.NoError(t, f.store.RecordSwapRefs(ctx, tx.ID, "0xaa", ""))
	settled := tx
	settled.GoldAmount = decimal.RequireFromString("0.5")
	require.NoError(t, f.store.RecordSettledAmounts(ctx, tx.ID, settled))

	// The ledger step ran, but the process died before the completion write.
	current, err := f.store.GetTransaction(ctx, tx.ID)
	require.NoError(t, err)
	_, err = f.books.inner.ApplySettled(ctx, current)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	completed, err := f.machine.SweepOnce(ctx, 10*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, 1, completed)

	loaded, err := f.store.GetTransaction(ctx, tx.ID)
	require.NoError(t, err)
	require.Equal(t, ledger.StatusCompleted, loaded.Status)

	holding, err := f.store.GetHolding(ctx, "user-1")
	require.NoError(t, err)
	require.True(t, holding.GoldAmount.Equal(decimal.RequireFromString("0.5")),
		"the buy must be counted once, not once per retry: gold=%s", holding.GoldAmount)
	require.True(t, holding.TotalInvested.Equal(decimal.NewFromInt(40000)),
		"invested=%s", holding.TotalInvested)
}

func TestIndeterminateSwapOutcomeFlagsReview(t *testing.T) {
	f := newFixture(t)
	tx := f.createTransaction(t, ledger.DirectionBuy, false)
	// The swap was broadcast but the receipt wait gave up; it may still mine.
	f.runner.result = swap.Result{SwapTxHash: common.HexToHash("0x09")}
	f.runner.err = fmt.Errorf("swap: confirm swap: receipt wait timed out")

	status := f.machine.Settle(context.Background(), Request{
		Transaction: tx,
		Quote:       buyQuote(),
		Wallet:      stubWallet{addr: treasuryAddr},
		UserAddress: userAddr,
	})
	require.Equal(t, ledger.StatusFailed, status)

	loaded, err := f.store.GetTransaction(context.Background(), tx.ID)
	require.NoError(t, err)
	require.True(t, loaded.NeedsReview, "a broadcast swap with no receipt may still move funds")

	queue, err := f.store.ReviewQueue(context.Background())
	require.NoError(t, err)
	require.Len(t, queue, 1)
}

func TestSweepEscalatesUnreconcilableTransaction(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	// A buy stuck in Processing whose settled gold amount was never recorded
	// can never reconcile; retrying forever would only hide it.
	tx := f.createTransaction(t, ledger.DirectionBuy, false)
	require.NoError(t, f.store.MarkProcessing(ctx, tx.ID))
	require.NoError(t, f.store.RecordSwapRefs(ctx, tx.ID, "0xab", ""))

	time.Sleep(20 * time.Millisecond)
	completed, err := f.machine.SweepOnce(ctx, 10*time.Millisecond)
	require.NoError(t, err)
	require.Zero(t, completed)

	loaded, err := f.store.GetTransaction(ctx, tx.ID)
	require.NoError(t, err)
	require.Equal(t, ledger.StatusFailed, loaded.Status)
	require.True(t, loaded.NeedsReview)
	require.NotNil(t, loaded.ErrorDetail)
	require.Contains(t, *loaded.ErrorDetail, "ledger_unreconcilable")

	queue, err := f.store.ReviewQueue(ctx)
	require.NoError(t, err)
	require.Len(t, queue, 1)
}

func TestUserLocksAreReleased(t *testing.T) {
	f := newFixture(t)
	tx := f.createTransaction(t, ledger.DirectionBuy, false)
	f.runner.result = swap.Result{
		SwapTxHash:    common.HexToHash("0x0b"),
		ForwardTxHash: hashPtr("0x0c"),
		AmountOut:     bigFromString("500000000000000000"),
	}

	f.machine.Settle(context.Background(), Request{
		Transaction: tx,
		Quote:       buyQuote(),
		Wallet:      stubWallet{addr: treasuryAddr},
		UserAddress: userAddr,
	})

	f.machine.mu.Lock()
	remaining := len(f.machine.locks)
	f.machine.mu.Unlock()
	require.Zero(t, remaining, "settled users must not pin lock entries for the process lifetime")
}

func TestSweepIgnoresTransactionsWithoutConfirmedSwap(t *testing.T) {
	f := newFixture(t)
	tx := f.createTransaction(t, ledger.DirectionBuy, false)
	require.NoError(t, f.store.MarkProcessing(context.Background(), tx.ID))

	time.Sleep(20 * time.Millisecond)
	completed, err := f.machine.SweepOnce(context.Background(), 10*time.Millisecond)
	require.NoError(t, err)
	require.Zero(t, completed)

	loaded, err := f.store.GetTransaction(context.Background(), tx.ID)
	require.NoError(t, err)
	require.Equal(t, ledger.StatusProcessing, loaded.Status, "no swap ref means no funds moved, nothing to reconcile")
}

func TestSettleRefusesNonPendingTransaction(t *testing.T) {
	f := newFixture(t)
	tx := f.createTransaction(t, ledger.DirectionBuy, false)
	require.NoError(t, f.store.MarkProcessing(context.Background(), tx.ID))
	require.NoError(t, f.store.MarkCompleted(context.Background(), tx.ID, time.Now()))

	status := f.machine.Settle(context.Background(), Request{
		Transaction: tx,
		Quote:       buyQuote(),
		Wallet:      stubWallet{addr: treasuryAddr},
		UserAddress: userAddr,
	})
	require.Equal(t, ledger.StatusCompleted, status)
	require.Empty(t, f.runner.params, "a terminal transaction must not reach the chain again")
}

func seedHolding(t *testing.T, f *fixture) {
	t.Helper()
	_, err := f.books.inner.ApplyBuy(context.Background(), "user-1", decimal.NewFromInt(1), decimal.NewFromInt(80000))
	require.NoError(t, err)
}

func hashPtr(s string) *common.Hash {
	h := common.HexToHash(s)
	return &h
}
