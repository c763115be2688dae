package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// ErrBalanceUnavailable is returned once the retry budget is exhausted.
var ErrBalanceUnavailable = errors.New("chain: balance unavailable")

// BalanceOracle reads ERC-20 balances with bounded exponential backoff. A
// transient RPC failure is retried with doubling delays; after maxRetries
// attempts the last error is surfaced wrapped in ErrBalanceUnavailable.
type BalanceOracle struct {
	client     Client
	token      common.Address
	decimals   int32
	maxRetries int
	baseDelay  time.Duration
	logger     *slog.Logger
	sleep      func(ctx context.Context, d time.Duration) error
}

// OracleOption customises a BalanceOracle.
type OracleOption func(*BalanceOracle)

// WithRetryPolicy bounds the retry loop.
func WithRetryPolicy(maxRetries int, baseDelay time.Duration) OracleOption {
	return func(o *BalanceOracle) {
		if maxRetries > 0 {
			o.maxRetries = maxRetries
		}
		if baseDelay > 0 {
			o.baseDelay = baseDelay
		}
	}
}

// WithOracleLogger routes retry warnings to the supplied logger.
func WithOracleLogger(logger *slog.Logger) OracleOption {
	return func(o *BalanceOracle) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func withSleeper(sleep func(ctx context.Context, d time.Duration) error) OracleOption {
	return func(o *BalanceOracle) { o.sleep = sleep }
}

// NewBalanceOracle builds an oracle for one token contract.
func NewBalanceOracle(client Client, token common.Address, decimals int32, opts ...OracleOption) *BalanceOracle {
	o := &BalanceOracle{
		client:     client,
		token:      token,
		decimals:   decimals,
		maxRetries: 4,
		baseDelay:  250 * time.Millisecond,
		logger:     slog.Default(),
		sleep:      sleepCtx,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Balance returns the owner's token balance as a decimal quantity.
func (o *BalanceOracle) Balance(ctx context.Context, owner common.Address) (decimal.Decimal, error) {
	raw, err := o.BalanceUnits(ctx, owner)
	if err != nil {
		return decimal.Zero, err
	}
	return FromUnits(raw, o.decimals), nil
}

// BalanceUnits returns the owner's balance in the token's smallest units.
func (o *BalanceOracle) BalanceUnits(ctx context.Context, owner common.Address) (*big.Int, error) {
	if o == nil || o.client == nil {
		return nil, fmt.Errorf("chain: balance oracle not initialised")
	}
	msg := ethereum.CallMsg{To: &o.token, Data: BalanceOfCalldata(owner)}
	var lastErr error
	delay := o.baseDelay
	for attempt := 0; attempt < o.maxRetries; attempt++ {
		if attempt > 0 {
			if err := o.sleep(ctx, delay); err != nil {
				return nil, err
			}
			delay *= 2
		}
		data, err := o.client.CallContract(ctx, msg, nil)
		if err != nil {
			lastErr = err
			o.logger.Warn("balance read failed",
				slog.String("token", o.token.Hex()),
				slog.String("owner", owner.Hex()),
				slog.Int("attempt", attempt+1),
				slog.String("error", err.Error()))
			continue
		}
		return DecodeUint256(data)
	}
	return nil, fmt.Errorf("%w after %d attempts: %v", ErrBalanceUnavailable, o.maxRetries, lastErr)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
