package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"
)

// Client defines the subset of the Ethereum RPC the settlement pipeline uses.
// *ethclient.Client satisfies it; tests substitute fakes.
type Client interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*gethtypes.Header, error)
}

// Dial initialises an EVM RPC client for the provided endpoint.
func Dial(endpoint string) (*ethclient.Client, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("chain: rpc endpoint required")
	}
	return ethclient.Dial(trimmed)
}

// Four-byte function selectors for the ERC-20 surface the pipeline calls.
var (
	selectorBalanceOf = gethcrypto.Keccak256([]byte("balanceOf(address)"))[:4]
	selectorAllowance = gethcrypto.Keccak256([]byte("allowance(address,address)"))[:4]
	selectorApprove   = gethcrypto.Keccak256([]byte("approve(address,uint256)"))[:4]
	selectorTransfer  = gethcrypto.Keccak256([]byte("transfer(address,uint256)"))[:4]
)

func padAddress(addr common.Address) []byte {
	return common.LeftPadBytes(addr.Bytes(), 32)
}

func padAmount(amount *big.Int) []byte {
	return common.LeftPadBytes(amount.Bytes(), 32)
}

// BalanceOfCalldata encodes balanceOf(owner).
func BalanceOfCalldata(owner common.Address) []byte {
	data := make([]byte, 0, 36)
	data = append(data, selectorBalanceOf...)
	return append(data, padAddress(owner)...)
}

// AllowanceCalldata encodes allowance(owner, spender).
func AllowanceCalldata(owner, spender common.Address) []byte {
	data := make([]byte, 0, 68)
	data = append(data, selectorAllowance...)
	data = append(data, padAddress(owner)...)
	return append(data, padAddress(spender)...)
}

// ApproveCalldata encodes approve(spender, amount).
func ApproveCalldata(spender common.Address, amount *big.Int) []byte {
	data := make([]byte, 0, 68)
	data = append(data, selectorApprove...)
	data = append(data, padAddress(spender)...)
	return append(data, padAmount(amount)...)
}

// TransferCalldata encodes transfer(to, amount).
func TransferCalldata(to common.Address, amount *big.Int) []byte {
	data := make([]byte, 0, 68)
	data = append(data, selectorTransfer...)
	data = append(data, padAddress(to)...)
	return append(data, padAmount(amount)...)
}

// DecodeUint256 interprets a 32-byte return word as an unsigned integer.
func DecodeUint256(data []byte) (*big.Int, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("chain: empty return data")
	}
	if len(data) > 32 {
		data = data[len(data)-32:]
	}
	return new(big.Int).SetBytes(data), nil
}

// ToUnits converts a decimal token quantity into its smallest-unit integer
// representation. Fractional dust beyond the token's precision is truncated.
func ToUnits(amount decimal.Decimal, decimals int32) *big.Int {
	return amount.Shift(decimals).Truncate(0).BigInt()
}

// FromUnits converts a smallest-unit integer back into a decimal quantity.
func FromUnits(units *big.Int, decimals int32) decimal.Decimal {
	if units == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(units, 0).Shift(-decimals)
}

// GweiToWei scales a gwei figure into wei.
func GweiToWei(gwei int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(gwei), big.NewInt(1_000_000_000))
}
