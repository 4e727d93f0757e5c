package payment_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"strings"
	"testing"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/predictpool/internal/domain"
	"github.com/alanyoungcy/predictpool/internal/payment"
)

type fakeChain struct {
	receipts map[common.Hash]*types.Receipt
	head     uint64
	err      error
}

func (f *fakeChain) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	if f.err != nil {
		return nil, f.err
	}
	r, ok := f.receipts[hash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func (f *fakeChain) BlockNumber(context.Context) (uint64, error) { return f.head, nil }

const (
	okTx       = "0x1111111111111111111111111111111111111111111111111111111111111111"
	revertedTx = "0x2222222222222222222222222222222222222222222222222222222222222222"
	recentTx   = "0x3333333333333333333333333333333333333333333333333333333333333333"
	unknownTx  = "0x4444444444444444444444444444444444444444444444444444444444444444"
)

func TestEVMVerifier_Confirm(t *testing.T) {
	chain := &fakeChain{
		head: 100,
		receipts: map[common.Hash]*types.Receipt{
			common.HexToHash(okTx):       {Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(90)},
			common.HexToHash(revertedTx): {Status: types.ReceiptStatusFailed, BlockNumber: big.NewInt(90)},
			common.HexToHash(recentTx):   {Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(99)},
		},
	}
	v := payment.NewEVMVerifier(chain, 3, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx := context.Background()
	amount := decimal.RequireFromString("1.5")

	require.NoError(t, v.Confirm(ctx, okTx, "alice", amount))
	assert.ErrorIs(t, v.Confirm(ctx, revertedTx, "alice", amount), domain.ErrPaymentUnconfirmed)
	assert.ErrorIs(t, v.Confirm(ctx, recentTx, "alice", amount), domain.ErrPaymentUnconfirmed)
	assert.ErrorIs(t, v.Confirm(ctx, unknownTx, "alice", amount), domain.ErrPaymentUnconfirmed)
	assert.ErrorIs(t, v.Confirm(ctx, "0xnothash", "alice", amount), domain.ErrInvalidPaymentRef)

	lower := "0x" + strings.Repeat("ab", 32)
	upper := "0x" + strings.Repeat("AB", 32)
	assert.Equal(t, lower, v.Normalize(upper))
	assert.Equal(t, lower, v.Normalize(lower))
	assert.Equal(t, "0xnothash", v.Normalize("0xnothash"))

	chain.err = errors.New("connection refused")
	err := v.Confirm(ctx, okTx, "alice", amount)
	require.Error(t, err)
	assert.Equal(t, domain.KindInternal, domain.KindOf(err))
}
