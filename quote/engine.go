package quote

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"goldsettle/chain"
	"goldsettle/observability"
)

var (
	// ErrQuoteUnavailable is returned when the quoter call errors or reports
	// a non-positive output, which is how an illiquid pool presents.
	ErrQuoteUnavailable = errors.New("quote: unavailable")
	// ErrNonPositiveInput rejects zero or negative input amounts.
	ErrNonPositiveInput = errors.New("quote: input amount must be positive")
	// ErrInvalidSlippage rejects tolerances at or above 100%.
	ErrInvalidSlippage = errors.New("quote: slippage must be below 10000 bps")
)

var selectorQuoteExactInput = gethcrypto.Keccak256([]byte("quoteExactInput(address,address,uint256)"))[:4]

const bpsDenominator = 10_000

// Quote is a single-use, ephemeral price commitment. It must be re-fetched
// once ValidUntil elapses or the input amount changes.
type Quote struct {
	TokenIn        common.Address
	TokenOut       common.Address
	InputAmount    *big.Int
	ExpectedOutput *big.Int
	MinimumOutput  *big.Int
	SlippageBps    int64
	ValidUntil     time.Time
}

// Usable reports whether the quote can still back an execution at now.
func (q Quote) Usable(now time.Time) bool {
	return q.MinimumOutput != nil && q.MinimumOutput.Sign() > 0 && now.Before(q.ValidUntil)
}

// MinimumOutput applies a slippage tolerance to an expected output, rounding
// down: floor(expected * (10000 - bps) / 10000).
func MinimumOutput(expected *big.Int, slippageBps int64) *big.Int {
	out := new(big.Int).Mul(expected, big.NewInt(bpsDenominator-slippageBps))
	return out.Quo(out, big.NewInt(bpsDenominator))
}

// Engine simulates swaps against the AMM quoter contract. It mutates no
// state and is safe for concurrent use.
type Engine struct {
	client      chain.Client
	quoter      common.Address
	slippageBps int64
	validity    time.Duration
	now         func() time.Time
	tracer      trace.Tracer
	metrics     *observability.QuoteMetrics
}

// EngineOption customises an Engine.
type EngineOption func(*Engine)

// WithClock substitutes the wall clock, used by tests.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithValidity sets how long issued quotes remain usable.
func WithValidity(validity time.Duration) EngineOption {
	return func(e *Engine) {
		if validity > 0 {
			e.validity = validity
		}
	}
}

// WithDefaultSlippage sets the tolerance applied when the caller passes a
// negative value.
func WithDefaultSlippage(bps int64) EngineOption {
	return func(e *Engine) {
		if bps >= 0 && bps < bpsDenominator {
			e.slippageBps = bps
		}
	}
}

// NewEngine builds a quote engine bound to one quoter contract.
func NewEngine(client chain.Client, quoter common.Address, opts ...EngineOption) *Engine {
	e := &Engine{
		client:      client,
		quoter:      quoter,
		slippageBps: 50,
		validity:    time.Minute,
		now:         time.Now,
		tracer:      otel.Tracer("goldsettle/quote"),
		metrics:     observability.Quotes(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// GetQuote simulates swapping amountIn of tokenIn for tokenOut and returns
// the slippage-bounded quote. A negative slippageBps selects the engine
// default.
func (e *Engine) GetQuote(ctx context.Context, tokenIn, tokenOut common.Address, amountIn *big.Int, slippageBps int64) (Quote, error) {
	if amountIn == nil || amountIn.Sign() <= 0 {
		return Quote{}, ErrNonPositiveInput
	}
	if slippageBps < 0 {
		slippageBps = e.slippageBps
	}
	if slippageBps >= bpsDenominator {
		return Quote{}, ErrInvalidSlippage
	}

	ctx, span := e.tracer.Start(ctx, "quote.GetQuote",
		trace.WithAttributes(
			attribute.String("quote.token_in", tokenIn.Hex()),
			attribute.String("quote.token_out", tokenOut.Hex()),
			attribute.Int64("quote.slippage_bps", slippageBps),
		))
	defer span.End()

	start := e.now()
	expected, err := e.simulate(ctx, tokenIn, tokenOut, amountIn)
	e.metrics.Observe(e.now().Sub(start), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "quoter simulation")
		return Quote{}, err
	}

	return Quote{
		TokenIn:        tokenIn,
		TokenOut:       tokenOut,
		InputAmount:    new(big.Int).Set(amountIn),
		ExpectedOutput: expected,
		MinimumOutput:  MinimumOutput(expected, slippageBps),
		SlippageBps:    slippageBps,
		ValidUntil:     e.now().Add(e.validity),
	}, nil
}

func (e *Engine) simulate(ctx context.Context, tokenIn, tokenOut common.Address, amountIn *big.Int) (*big.Int, error) {
	data := make([]byte, 0, 100)
	data = append(data, selectorQuoteExactInput...)
	data = append(data, common.LeftPadBytes(tokenIn.Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(tokenOut.Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(amountIn.Bytes(), 32)...)

	msg := ethereum.CallMsg{To: &e.quoter, Data: data}
	ret, err := e.client.CallContract(ctx, msg, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQuoteUnavailable, err)
	}
	expected, err := chain.DecodeUint256(ret)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQuoteUnavailable, err)
	}
	if expected.Sign() <= 0 {
		return nil, fmt.Errorf("%w: quoter returned zero output", ErrQuoteUnavailable)
	}
	return expected, nil
}
