package swap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"goldsettle/chain"
	"goldsettle/observability"
	"goldsettle/quote"
)

var (
	// ErrGasTooExpensive is returned when the network gas price exceeds the
	// configured ceiling. Transient; the caller may retry later. No on-chain
	// call has been made when this is returned.
	ErrGasTooExpensive = errors.New("swap: gas price above ceiling")
	// ErrQuoteExpired is returned when the quote's validity window has
	// elapsed. The caller must re-quote.
	ErrQuoteExpired = errors.New("swap: quote expired")
	// ErrApproveReverted is returned when the allowance approval fails
	// on-chain. Definitive; not retried.
	ErrApproveReverted = errors.New("swap: approval reverted")
	// ErrSwapReverted is returned when the swap itself fails on-chain.
	// Definitive; the caller must re-quote and submit a fresh transaction.
	ErrSwapReverted = errors.New("swap: swap reverted")
)

var (
	selectorSwapExactInput = gethcrypto.Keccak256([]byte("swapExactInput(address,address,uint256,uint256,address,uint256)"))[:4]
	transferEventSignature = gethcrypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))
)

// Gas limits per leg. Approvals and transfers are fixed-shape; the swap
// limit leaves headroom for multi-hop routing.
const (
	gasLimitApprove  = 60_000
	gasLimitSwap     = 350_000
	gasLimitTransfer = 65_000
)

// approveMultiplier sizes approvals at a generous multiple of the input so
// repeat settlements skip the approval leg entirely.
const approveMultiplier = 2

// Params describes one swap execution. ForwardTo, when set, requests the
// treasury buy flow: the swap output lands at Recipient (the treasury) and
// is then forwarded on to ForwardTo in a separate transfer.
type Params struct {
	Wallet    chain.Wallet
	Quote     quote.Quote
	Recipient common.Address
	ForwardTo *common.Address
}

// Result carries the on-chain references produced by one execution.
type Result struct {
	SwapTxHash    common.Hash
	ForwardTxHash *common.Hash
	AmountOut     *big.Int
}

// Executor performs the approve-then-swap sequence against the AMM router.
// It never touches the ledger; bookkeeping belongs to the caller.
type Executor struct {
	client     chain.Client
	router     common.Address
	gasCeiling *big.Int
	deadline   time.Duration
	now        func() time.Time
	logger     *slog.Logger
	tracer     trace.Tracer
	metrics    *observability.SwapMetrics
}

// ExecutorOption customises an Executor.
type ExecutorOption func(*Executor)

// WithDeadlineWindow sets the wall-clock window passed to the router.
func WithDeadlineWindow(window time.Duration) ExecutorOption {
	return func(e *Executor) {
		if window > 0 {
			e.deadline = window
		}
	}
}

// WithExecutorClock substitutes the wall clock, used by tests.
func WithExecutorClock(now func() time.Time) ExecutorOption {
	return func(e *Executor) {
		if now != nil {
			e.now = now
		}
	}
}

// WithExecutorLogger routes execution logs to the supplied logger.
func WithExecutorLogger(logger *slog.Logger) ExecutorOption {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// NewExecutor builds an executor bound to one router contract. gasCeilingGwei
// bounds the network gas price accepted for submission.
func NewExecutor(client chain.Client, router common.Address, gasCeilingGwei int64, opts ...ExecutorOption) *Executor {
	e := &Executor{
		client:     client,
		router:     router,
		gasCeiling: chain.GweiToWei(gasCeilingGwei),
		deadline:   5 * time.Minute,
		now:        time.Now,
		logger:     slog.Default(),
		tracer:     otel.Tracer("goldsettle/swap"),
		metrics:    observability.Swaps(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ExecuteSwap runs the guarded approve-then-swap sequence and, for buy
// flows, the treasury forward. Hashes for each leg are returned so the
// caller can persist them for audit.
func (e *Executor) ExecuteSwap(ctx context.Context, p Params) (Result, error) {
	q := p.Quote
	if !q.Usable(e.now()) {
		return Result{}, ErrQuoteExpired
	}

	ctx, span := e.tracer.Start(ctx, "swap.ExecuteSwap",
		trace.WithAttributes(
			attribute.String("swap.token_in", q.TokenIn.Hex()),
			attribute.String("swap.token_out", q.TokenOut.Hex()),
			attribute.Bool("swap.forward", p.ForwardTo != nil),
		))
	defer span.End()

	gasPrice, err := e.client.SuggestGasPrice(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "gas price read")
		return Result{}, fmt.Errorf("swap: read gas price: %w", err)
	}
	if gasPrice.Cmp(e.gasCeiling) > 0 {
		e.metrics.RecordGasGuard()
		span.SetStatus(codes.Error, "gas guard")
		return Result{}, fmt.Errorf("%w: %s wei > %s wei", ErrGasTooExpensive, gasPrice, e.gasCeiling)
	}

	if err := e.ensureAllowance(ctx, p.Wallet, q.TokenIn, q.InputAmount, gasPrice); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "allowance")
		return Result{}, err
	}

	receipt, swapHash, err := e.submitSwap(ctx, p.Wallet, q, p.Recipient, gasPrice)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "swap leg")
		// The hash, when present, identifies the reverted submission for audit.
		return Result{SwapTxHash: swapHash}, err
	}

	amountOut := e.receivedAmount(receipt, q, p.Recipient)
	result := Result{SwapTxHash: swapHash, AmountOut: amountOut}

	if p.ForwardTo != nil {
		forwardHash, err := e.forward(ctx, p.Wallet, q.TokenOut, *p.ForwardTo, amountOut, gasPrice)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "forward leg")
			return result, err
		}
		result.ForwardTxHash = &forwardHash
	}
	return result, nil
}

// ensureAllowance tops up the router allowance only when the current one
// cannot cover the input. Sufficient allowance means zero writes.
func (e *Executor) ensureAllowance(ctx context.Context, wallet chain.Wallet, token common.Address, amountIn, gasPrice *big.Int) error {
	start := e.now()
	msg := ethereum.CallMsg{To: &token, Data: chain.AllowanceCalldata(wallet.Address(), e.router)}
	ret, err := e.client.CallContract(ctx, msg, nil)
	if err != nil {
		return fmt.Errorf("swap: read allowance: %w", err)
	}
	allowance, err := chain.DecodeUint256(ret)
	if err != nil {
		return fmt.Errorf("swap: decode allowance: %w", err)
	}
	if allowance.Cmp(amountIn) >= 0 {
		return nil
	}

	approveAmount := new(big.Int).Mul(amountIn, big.NewInt(approveMultiplier))
	hash, err := wallet.SignAndSend(ctx, token, chain.ApproveCalldata(e.router, approveAmount), gasPrice, gasLimitApprove)
	if err != nil {
		e.metrics.ObserveLeg("approve", e.now().Sub(start), err)
		return fmt.Errorf("swap: submit approval: %w", err)
	}
	receipt, err := wallet.WaitForReceipt(ctx, hash)
	if err != nil {
		e.metrics.ObserveLeg("approve", e.now().Sub(start), err)
		return fmt.Errorf("swap: confirm approval: %w", err)
	}
	if receipt.Status != gethtypes.ReceiptStatusSuccessful {
		e.metrics.ObserveLeg("approve", e.now().Sub(start), ErrApproveReverted)
		return fmt.Errorf("%w: tx %s", ErrApproveReverted, hash.Hex())
	}
	e.metrics.ObserveLeg("approve", e.now().Sub(start), nil)
	e.logger.Info("allowance approved",
		slog.String("token", token.Hex()),
		slog.String("tx", hash.Hex()),
		slog.String("amount", approveAmount.String()))
	return nil
}

func (e *Executor) submitSwap(ctx context.Context, wallet chain.Wallet, q quote.Quote, recipient common.Address, gasPrice *big.Int) (*gethtypes.Receipt, common.Hash, error) {
	start := e.now()
	deadline := big.NewInt(e.now().Add(e.deadline).Unix())
	data := make([]byte, 0, 196)
	data = append(data, selectorSwapExactInput...)
	data = append(data, common.LeftPadBytes(q.TokenIn.Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(q.TokenOut.Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(q.InputAmount.Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(q.MinimumOutput.Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(recipient.Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(deadline.Bytes(), 32)...)

	hash, err := wallet.SignAndSend(ctx, e.router, data, gasPrice, gasLimitSwap)
	if err != nil {
		e.metrics.ObserveLeg("swap", e.now().Sub(start), err)
		return nil, common.Hash{}, fmt.Errorf("swap: submit swap: %w", err)
	}
	receipt, err := wallet.WaitForReceipt(ctx, hash)
	if err != nil {
		e.metrics.ObserveLeg("swap", e.now().Sub(start), err)
		return nil, hash, fmt.Errorf("swap: confirm swap: %w", err)
	}
	if receipt.Status != gethtypes.ReceiptStatusSuccessful {
		e.metrics.ObserveLeg("swap", e.now().Sub(start), ErrSwapReverted)
		return nil, hash, fmt.Errorf("%w: tx %s", ErrSwapReverted, hash.Hex())
	}
	e.metrics.ObserveLeg("swap", e.now().Sub(start), nil)
	return receipt, hash, nil
}

// receivedAmount recovers the delivered output from the receipt's Transfer
// logs. When no matching log is present the quote's minimum is used, which
// under-forwards rather than over-forwards.
func (e *Executor) receivedAmount(receipt *gethtypes.Receipt, q quote.Quote, recipient common.Address) *big.Int {
	for _, log := range receipt.Logs {
		if log == nil || log.Address != q.TokenOut {
			continue
		}
		if len(log.Topics) < 3 || log.Topics[0] != transferEventSignature {
			continue
		}
		if common.BytesToAddress(log.Topics[2].Bytes()) != recipient {
			continue
		}
		return new(big.Int).SetBytes(log.Data)
	}
	e.logger.Warn("no transfer log for swap output, using quoted minimum",
		slog.String("token", q.TokenOut.Hex()),
		slog.String("recipient", recipient.Hex()))
	return new(big.Int).Set(q.MinimumOutput)
}

func (e *Executor) forward(ctx context.Context, wallet chain.Wallet, token, to common.Address, amount, gasPrice *big.Int) (common.Hash, error) {
	start := e.now()
	hash, err := wallet.SignAndSend(ctx, token, chain.TransferCalldata(to, amount), gasPrice, gasLimitTransfer)
	if err != nil {
		e.metrics.ObserveLeg("forward", e.now().Sub(start), err)
		return common.Hash{}, fmt.Errorf("swap: submit forward transfer: %w", err)
	}
	receipt, err := wallet.WaitForReceipt(ctx, hash)
	if err != nil {
		e.metrics.ObserveLeg("forward", e.now().Sub(start), err)
		return hash, fmt.Errorf("swap: confirm forward transfer: %w", err)
	}
	if receipt.Status != gethtypes.ReceiptStatusSuccessful {
		e.metrics.ObserveLeg("forward", e.now().Sub(start), ErrSwapReverted)
		return hash, fmt.Errorf("%w: forward tx %s", ErrSwapReverted, hash.Hex())
	}
	e.metrics.ObserveLeg("forward", e.now().Sub(start), nil)
	return hash, nil
}
