package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Wallet is the signing surface the swap executor needs from the treasury
// hot wallet.
type Wallet interface {
	Address() common.Address
	SignAndSend(ctx context.Context, to common.Address, calldata []byte, gasPrice *big.Int, gasLimit uint64) (common.Hash, error)
	WaitForReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
}

// TreasuryWallet signs and submits transactions with the treasury key. Nonce
// assignment and submission are serialised under one mutex so concurrent
// settlements cannot race each other on the same account.
type TreasuryWallet struct {
	client        Client
	key           *ecdsa.PrivateKey
	address       common.Address
	chainID       *big.Int
	receiptPoll   time.Duration
	confirmations int

	mu sync.Mutex
}

// NewTreasuryWallet parses the hex-encoded private key and binds the wallet
// to the given chain.
func NewTreasuryWallet(client Client, keyHex string, chainID int64, receiptPoll time.Duration, confirmations int) (*TreasuryWallet, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(keyHex), "0x")
	if trimmed == "" {
		return nil, fmt.Errorf("chain: treasury key required")
	}
	key, err := gethcrypto.HexToECDSA(trimmed)
	if err != nil {
		return nil, fmt.Errorf("chain: parse treasury key: %w", err)
	}
	if chainID <= 0 {
		return nil, fmt.Errorf("chain: chain id required")
	}
	if receiptPoll <= 0 {
		receiptPoll = 3 * time.Second
	}
	if confirmations <= 0 {
		confirmations = 1
	}
	return &TreasuryWallet{
		client:        client,
		key:           key,
		address:       gethcrypto.PubkeyToAddress(key.PublicKey),
		chainID:       big.NewInt(chainID),
		receiptPoll:   receiptPoll,
		confirmations: confirmations,
	}, nil
}

// Address returns the treasury account address.
func (w *TreasuryWallet) Address() common.Address {
	return w.address
}

// SignAndSend builds, signs and submits one transaction and returns its hash.
func (w *TreasuryWallet) SignAndSend(ctx context.Context, to common.Address, calldata []byte, gasPrice *big.Int, gasLimit uint64) (common.Hash, error) {
	if gasPrice == nil || gasPrice.Sign() <= 0 {
		return common.Hash{}, fmt.Errorf("chain: gas price required")
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	nonce, err := w.client.PendingNonceAt(ctx, w.address)
	if err != nil {
		return common.Hash{}, fmt.Errorf("chain: fetch nonce: %w", err)
	}
	tx := gethtypes.NewTx(&gethtypes.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    big.NewInt(0),
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     calldata,
	})
	signed, err := gethtypes.SignTx(tx, gethtypes.LatestSignerForChainID(w.chainID), w.key)
	if err != nil {
		return common.Hash{}, fmt.Errorf("chain: sign transaction: %w", err)
	}
	if err := w.client.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, fmt.Errorf("chain: submit transaction: %w", err)
	}
	return signed.Hash(), nil
}

// WaitForReceipt polls until the transaction is mined with the configured
// confirmation depth. The caller bounds the wait through ctx.
func (w *TreasuryWallet) WaitForReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error) {
	ticker := time.NewTicker(w.receiptPoll)
	defer ticker.Stop()
	for {
		receipt, err := w.client.TransactionReceipt(ctx, txHash)
		switch {
		case err == nil && receipt != nil:
			confirmed, err := w.isConfirmed(ctx, receipt)
			if err != nil {
				return nil, err
			}
			if confirmed {
				return receipt, nil
			}
		case err != nil && !errors.Is(err, ethereum.NotFound):
			return nil, fmt.Errorf("chain: fetch receipt: %w", err)
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("chain: wait for %s: %w", txHash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}

func (w *TreasuryWallet) isConfirmed(ctx context.Context, receipt *gethtypes.Receipt) (bool, error) {
	if w.confirmations <= 1 {
		return true, nil
	}
	header, err := w.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("chain: fetch head: %w", err)
	}
	if header == nil || header.Number == nil || receipt.BlockNumber == nil {
		return false, fmt.Errorf("chain: block metadata unavailable")
	}
	depth := new(big.Int).Sub(header.Number, receipt.BlockNumber)
	depth.Add(depth, big.NewInt(1))
	return depth.Cmp(big.NewInt(int64(w.confirmations))) >= 0, nil
}
