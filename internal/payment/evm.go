// Package payment confirms bet payment references against their settlement
// network before a bet is recorded.
package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/predictpool/internal/domain"
)

var txHashPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)

// ChainReader is the subset of ethclient.Client the verifier needs.
type ChainReader interface {
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// EVMVerifier treats a payment reference as a transaction hash and accepts
// it once the transaction succeeded and is buried under MinConfirmations
// blocks. Amounts are not decoded from the transaction.
type EVMVerifier struct {
	chain            ChainReader
	minConfirmations uint64
	logger           *slog.Logger
}

// NewEVMVerifier creates a verifier reading through chain.
func NewEVMVerifier(chain ChainReader, minConfirmations uint64, logger *slog.Logger) *EVMVerifier {
	return &EVMVerifier{
		chain:            chain,
		minConfirmations: minConfirmations,
		logger:           logger.With(slog.String("component", "payment_evm")),
	}
}

// DialEVM connects to rpcURL. The returned function closes the connection.
func DialEVM(ctx context.Context, rpcURL string, minConfirmations uint64, logger *slog.Logger) (*EVMVerifier, func(), error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, nil, fmt.Errorf("payment: dial rpc: %w", err)
	}
	return NewEVMVerifier(client, minConfirmations, logger), client.Close, nil
}

// Normalize returns the canonical lowercase form of a transaction hash. Other
// references are returned unchanged and rejected by Confirm.
func (v *EVMVerifier) Normalize(ref string) string {
	if !txHashPattern.MatchString(ref) {
		return ref
	}
	return common.HexToHash(ref).Hex()
}

// Confirm implements domain.PaymentVerifier.
func (v *EVMVerifier) Confirm(ctx context.Context, ref, bettorID string, amount decimal.Decimal) error {
	if !txHashPattern.MatchString(ref) {
		return fmt.Errorf("payment ref %q is not a transaction hash: %w", ref, domain.ErrInvalidPaymentRef)
	}
	hash := common.HexToHash(ref)

	receipt, err := v.chain.TransactionReceipt(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		return fmt.Errorf("transaction %s not mined: %w", ref, domain.ErrPaymentUnconfirmed)
	}
	if err != nil {
		return fmt.Errorf("payment: receipt %s: %w", ref, err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return fmt.Errorf("transaction %s reverted: %w", ref, domain.ErrPaymentUnconfirmed)
	}

	var mined uint64
	if receipt.BlockNumber != nil {
		mined = receipt.BlockNumber.Uint64()
	}
	if v.minConfirmations > 0 {
		head, err := v.chain.BlockNumber(ctx)
		if err != nil {
			return fmt.Errorf("payment: block number: %w", err)
		}
		if head < mined || head-mined+1 < v.minConfirmations {
			return fmt.Errorf("transaction %s has too few confirmations: %w", ref, domain.ErrPaymentUnconfirmed)
		}
	}

	v.logger.DebugContext(ctx, "payment confirmed",
		slog.String("payment_ref", ref),
		slog.String("bettor_id", bettorID),
		slog.String("amount", amount.String()),
		slog.Uint64("block", mined),
	)
	return nil
}

var _ domain.PaymentVerifier = (*EVMVerifier)(nil)
