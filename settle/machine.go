package settle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"goldsettle/chain"
	"goldsettle/ledger"
	"goldsettle/observability"
	"goldsettle/payout"
	"goldsettle/quote"
	"goldsettle/swap"
)

// SwapRunner abstracts the on-chain executor.
type SwapRunner interface {
	ExecuteSwap(ctx context.Context, p swap.Params) (swap.Result, error)
}

// Ledger abstracts the cost-basis reconciler. ApplySettled must be
// idempotent per transaction so the sweep can retry it safely.
type Ledger interface {
	ApplySettled(ctx context.Context, tx ledger.Transaction) (ledger.Holding, error)
}

// Request carries everything needed to settle one transaction. For buys the
// treasury signs and forwards the output to UserAddress; for sells Wallet is
// the user's own signer.
type Request struct {
	Transaction       ledger.Transaction
	Quote             quote.Quote
	Wallet            chain.Wallet
	UserAddress       common.Address
	PayoutDestination string
}

// TokenScales fixes the decimal precision of the two on-chain assets.
type TokenScales struct {
	GoldDecimals   int32
	StableDecimals int32
}

// Machine drives a transaction from Pending to a terminal state. Settle
// records every failure on the transaction itself; nothing propagates to the
// caller. Per-user settlement is serialised so concurrent buys and sells for
// one user cannot interleave their holding updates.
type Machine struct {
	store    *ledger.Store
	books    Ledger
	swapper  SwapRunner
	payouts  payout.Adapter
	treasury chain.Wallet
	scales   TokenScales

	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *observability.SettlementMetrics
	now     func() time.Time

	mu    sync.Mutex
	locks map[string]*userLock
}

// userLock serialises settlement work for one user. Entries are reference
// counted so the map does not grow with every user ever settled.
type userLock struct {
	mu   sync.Mutex
	refs int
}

// MachineOption customises a Machine.
type MachineOption func(*Machine)

// WithMachineClock substitutes the wall clock, used by tests.
func WithMachineClock(now func() time.Time) MachineOption {
	return func(m *Machine) {
		if now != nil {
			m.now = now
		}
	}
}

// WithTreasuryWallet sets the signer used when a request does not carry its
// own. In the custodial deployment every settlement signs with the treasury.
func WithTreasuryWallet(wallet chain.Wallet) MachineOption {
	return func(m *Machine) { m.treasury = wallet }
}

// WithMachineLogger routes settlement logs to the supplied logger.
func WithMachineLogger(logger *slog.Logger) MachineOption {
	return func(m *Machine) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// NewMachine wires the state machine over its collaborators.
func NewMachine(store *ledger.Store, books Ledger, swapper SwapRunner, payouts payout.Adapter, scales TokenScales, opts ...MachineOption) *Machine {
	m := &Machine{
		store:   store,
		books:   books,
		swapper: swapper,
		payouts: payouts,
		scales:  scales,
		logger:  slog.Default(),
		tracer:  otel.Tracer("goldsettle/settle"),
		metrics: observability.Settlements(),
		now:     time.Now,
		locks:   map[string]*userLock{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// lockUser acquires the user's settlement lock. The returned release must be
// called exactly once; the map entry is dropped with its last holder.
func (m *Machine) lockUser(userID string) func() {
	m.mu.Lock()
	lock, ok := m.locks[userID]
	if !ok {
		lock = &userLock{}
		m.locks[userID] = lock
	}
	lock.refs++
	m.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		m.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(m.locks, userID)
		}
		m.mu.Unlock()
	}
}

// Settle runs one transaction to a terminal state, or leaves it Processing
// for the reconciliation sweep when funds moved but bookkeeping failed. The
// returned status reflects where the transaction ended up.
func (m *Machine) Settle(ctx context.Context, req Request) ledger.Status {
	tx := req.Transaction
	started := m.now()

	ctx, span := m.tracer.Start(ctx, "settle.Settle",
		trace.WithAttributes(
			attribute.String("transaction.id", tx.ID.String()),
			attribute.String("transaction.direction", string(tx.Direction)),
		))
	defer span.End()

	unlock := m.lockUser(tx.UserID)
	defer unlock()

	if err := m.store.MarkProcessing(ctx, tx.ID); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "mark processing")
		m.logger.Warn("transaction not in pending state",
			slog.String("tx", tx.ID.String()),
			slog.String("error", err.Error()))
		if current, loadErr := m.store.GetTransaction(ctx, tx.ID); loadErr == nil {
			return current.Status
		}
		return tx.Status
	}

	status := m.run(ctx, span, req)
	m.metrics.ObserveOutcome(string(tx.Direction), string(status), m.now().Sub(started))
	return status
}

func (m *Machine) run(ctx context.Context, span trace.Span, req Request) ledger.Status {
	tx := req.Transaction
	wallet := req.Wallet
	if wallet == nil {
		wallet = m.treasury
	}
	params := swap.Params{Wallet: wallet, Quote: req.Quote}
	switch {
	case tx.Direction == ledger.DirectionBuy:
		// Treasury signs, takes delivery, then forwards to the user.
		params.Recipient = wallet.Address()
		forwardTo := req.UserAddress
		params.ForwardTo = &forwardTo
	case tx.SettleToFiat:
		// The stable proceeds fund the fiat payout, so the treasury keeps
		// them. Delivering them to the user too would pay the sale twice.
		params.Recipient = m.proceedsAddress(wallet)
	default:
		params.Recipient = req.UserAddress
	}

	result, err := m.swapper.ExecuteSwap(ctx, params)
	swapRef := ""
	if result.SwapTxHash != (common.Hash{}) {
		swapRef = result.SwapTxHash.Hex()
	}
	forwardRef := ""
	if result.ForwardTxHash != nil {
		forwardRef = result.ForwardTxHash.Hex()
	}
	if recErr := m.store.RecordSwapRefs(ctx, tx.ID, swapRef, forwardRef); recErr != nil {
		m.logger.Error("record swap refs", slog.String("tx", tx.ID.String()), slog.String("error", recErr.Error()))
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "swap execution")
		// AmountOut is set only after a confirmed swap, so its presence
		// means value moved before this failure. A recorded swap hash with
		// anything other than a revert is indeterminate: the broadcast may
		// still mine after we give up waiting for the receipt.
		fundsMoved := result.AmountOut != nil ||
			(swapRef != "" && !errors.Is(err, swap.ErrSwapReverted))
		m.fail(ctx, tx, classify(err), err, fundsMoved)
		return ledger.StatusFailed
	}

	settled := m.settledAmounts(tx, req.Quote, result)
	if err := m.store.RecordSettledAmounts(ctx, tx.ID, settled); err != nil {
		// Funds moved; leave Processing for the sweep.
		span.RecordError(err)
		m.logger.Error("record settled amounts", slog.String("tx", tx.ID.String()), slog.String("error", err.Error()))
		return ledger.StatusProcessing
	}

	if tx.Direction == ledger.DirectionSell && tx.SettleToFiat {
		ref, err := m.payouts.CreatePayout(ctx, payout.PayoutRequest{
			Amount:         settled.FiatAmount,
			DestinationRef: req.PayoutDestination,
			IdempotencyKey: tx.ID.String(),
		})
		if err != nil {
			// The on-chain leg already succeeded. Failed here never means
			// "no value moved": route to manual reconciliation.
			span.RecordError(err)
			span.SetStatus(codes.Error, "fiat payout")
			m.metrics.RecordPayoutError(payoutReason(err))
			m.fail(ctx, tx, "payout_failed", err, true)
			return ledger.StatusFailed
		}
		if recErr := m.store.RecordSwapRefs(ctx, tx.ID, "", ref.ReferenceID); recErr != nil {
			m.logger.Error("record payout ref", slog.String("tx", tx.ID.String()), slog.String("error", recErr.Error()))
		}
	}

	if err := m.reconcile(ctx, settled); err != nil {
		// Funds moved but the books are not updated. Completing would
		// corrupt accounting and Failed would be a lie, so the transaction
		// stays Processing until the sweep retries the ledger step.
		span.RecordError(err)
		span.SetStatus(codes.Error, "ledger reconcile")
		m.logger.Error("ledger reconciliation failed, leaving transaction for sweep",
			slog.String("tx", tx.ID.String()),
			slog.String("error", err.Error()))
		return ledger.StatusProcessing
	}

	if err := m.store.MarkCompleted(ctx, tx.ID, m.now()); err != nil {
		span.RecordError(err)
		m.logger.Error("mark completed", slog.String("tx", tx.ID.String()), slog.String("error", err.Error()))
		return ledger.StatusProcessing
	}
	m.logger.Info("transaction settled",
		slog.String("tx", tx.ID.String()),
		slog.String("direction", string(tx.Direction)),
		slog.String("gold_amount", settled.GoldAmount.String()))
	return ledger.StatusCompleted
}

// settledAmounts replaces quoted figures with what the chain delivered.
func (m *Machine) settledAmounts(tx ledger.Transaction, q quote.Quote, result swap.Result) ledger.Transaction {
	settled := tx
	if tx.Direction == ledger.DirectionBuy {
		settled.GoldAmount = chain.FromUnits(result.AmountOut, m.scales.GoldDecimals)
		settled.StableAmount = chain.FromUnits(q.InputAmount, m.scales.StableDecimals)
	} else {
		settled.GoldAmount = chain.FromUnits(q.InputAmount, m.scales.GoldDecimals)
		settled.StableAmount = chain.FromUnits(result.AmountOut, m.scales.StableDecimals)
		// Stablecoin proceeds price the fiat leg one-to-one.
		settled.FiatAmount = settled.StableAmount
	}
	return settled
}

func (m *Machine) reconcile(ctx context.Context, settled ledger.Transaction) error {
	_, err := m.books.ApplySettled(ctx, settled)
	return err
}

// proceedsAddress is where fiat-settled sale proceeds land on-chain.
func (m *Machine) proceedsAddress(signer chain.Wallet) common.Address {
	if m.treasury != nil {
		return m.treasury.Address()
	}
	return signer.Address()
}

func (m *Machine) fail(ctx context.Context, tx ledger.Transaction, kind string, cause error, needsReview bool) {
	detail := fmt.Sprintf("%s: %s", kind, cause.Error())
	if len(detail) > 500 {
		detail = detail[:500]
	}
	if err := m.store.MarkFailed(ctx, tx.ID, detail, needsReview, m.now()); err != nil {
		m.logger.Error("mark failed",
			slog.String("tx", tx.ID.String()),
			slog.String("error", err.Error()))
		return
	}
	m.logger.Warn("transaction failed",
		slog.String("tx", tx.ID.String()),
		slog.String("kind", kind),
		slog.Bool("needs_review", needsReview))
}

// classify translates executor errors into the recorded taxonomy.
func classify(err error) string {
	switch {
	case errors.Is(err, swap.ErrGasTooExpensive):
		return "gas_too_expensive"
	case errors.Is(err, swap.ErrQuoteExpired):
		return "quote_expired"
	case errors.Is(err, swap.ErrApproveReverted):
		return "approve_reverted"
	case errors.Is(err, swap.ErrSwapReverted):
		return "swap_reverted"
	default:
		return "rpc_error"
	}
}

func payoutReason(err error) string {
	switch {
	case errors.Is(err, payout.ErrPayoutRejected):
		return "rejected"
	case errors.Is(err, payout.ErrGatewayUnavailable):
		return "unavailable"
	default:
		return "unknown"
	}
}
