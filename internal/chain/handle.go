// Package chain provides the chain-client handle used to submit
// transfers: a signing identity wrapped with a monotonic nonce
// allocator that is synchronized with chain state at construction.
//
// A Handle's nonce state is never repaired in place. When the run
// coordinator decides the allocator has drifted from the chain, it
// constructs a fresh Handle from the same identity and swaps it in.
package chain

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/gateway-fm/chainscript/internal/account"
	"github.com/gateway-fm/chainscript/internal/rpc"
)

// DefaultGasLimit is the gas limit for a plain value transfer.
const DefaultGasLimit = 21000

// Config holds everything needed to construct a Handle.
type Config struct {
	Client    rpc.Client
	Account   *account.Account
	ChainID   *big.Int
	GasTipCap *big.Int // EIP-1559 priority fee
	GasFeeCap *big.Int // nil or zero = auto from current gas price
	GasLimit  uint64   // 0 = DefaultGasLimit
	Logger    *slog.Logger
}

// Handle submits transfers for one identity with locally assigned,
// strictly increasing nonces.
type Handle struct {
	client    rpc.Client
	acct      *account.Account
	chainID   *big.Int
	gasTipCap *big.Int
	gasFeeCap *big.Int
	gasLimit  uint64
	logger    *slog.Logger

	mu        sync.Mutex
	nextNonce uint64
}

// NewHandle builds a handle with a fresh nonce allocator synced to
// confirmed chain state. Constructing a new Handle is the recovery
// action for a desynchronized allocator.
func NewHandle(ctx context.Context, cfg Config) (*Handle, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	nonce, err := cfg.Client.GetConfirmedNonce(ctx, cfg.Account.Address.Hex())
	if err != nil {
		return nil, fmt.Errorf("failed to sync nonce for %s: %w", cfg.Account.Address.Hex(), err)
	}

	gasFeeCap := cfg.GasFeeCap
	if gasFeeCap == nil || gasFeeCap.Sign() == 0 {
		gasPrice, err := cfg.Client.GetGasPrice(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch gas price: %w", err)
		}
		// 2x current price plus the tip leaves headroom for base fee growth.
		gasFeeCap = new(big.Int).Add(
			new(big.Int).Mul(new(big.Int).SetUint64(gasPrice), big.NewInt(2)),
			cfg.GasTipCap,
		)
	}

	gasLimit := cfg.GasLimit
	if gasLimit == 0 {
		gasLimit = DefaultGasLimit
	}

	logger.Debug("chain handle created",
		slog.String("address", cfg.Account.Address.Hex()),
		slog.Uint64("nonce", nonce),
		slog.String("gasFeeCap", gasFeeCap.String()),
	)

	return &Handle{
		client:    cfg.Client,
		acct:      cfg.Account,
		chainID:   cfg.ChainID,
		gasTipCap: cfg.GasTipCap,
		gasFeeCap: gasFeeCap,
		gasLimit:  gasLimit,
		logger:    logger,
		nextNonce: nonce,
	}, nil
}

// Address returns the submitting identity's address.
func (h *Handle) Address() common.Address {
	return h.acct.Address
}

// NextNonce returns the next nonce the handle would assign.
func (h *Handle) NextNonce() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.nextNonce
}

func (h *Handle) reserveNonce() uint64 {
	h.mu.Lock()
	nonce := h.nextNonce
	h.nextNonce++
	h.mu.Unlock()
	return nonce
}

// SubmitTransfer builds, signs and submits a value transfer, assigning
// the next nonce. A transport failure is not retried and leaves the
// handle unusable for ordering purposes; the caller treats it as fatal.
func (h *Handle) SubmitTransfer(ctx context.Context, to common.Address, amount uint64) (common.Hash, error) {
	nonce := h.reserveNonce()

	tx := newTransferTx(h.chainID, nonce, to, new(big.Int).SetUint64(amount), h.gasLimit, h.gasTipCap, h.gasFeeCap)
	signed, err := h.acct.SignTx(tx, h.chainID)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to sign transfer: %w", err)
	}

	raw, err := signed.MarshalBinary()
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to encode transfer: %w", err)
	}

	if err := h.client.SendRawTransaction(ctx, raw); err != nil {
		return common.Hash{}, fmt.Errorf("failed to submit transfer (nonce %d): %w", nonce, err)
	}

	return signed.Hash(), nil
}

// Receipt fetches the receipt for a submitted transaction.
// Returns nil receipt if the transaction is not yet confirmed.
func (h *Handle) Receipt(ctx context.Context, txHash common.Hash) (*rpc.TransactionReceipt, error) {
	return h.client.GetTransactionReceipt(ctx, txHash.Hex())
}
