package service_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/predictpool/internal/cache/memory"
	"github.com/alanyoungcy/predictpool/internal/domain"
	"github.com/alanyoungcy/predictpool/internal/payment"
	"github.com/alanyoungcy/predictpool/internal/service"
)

func TestPlaceBet_WorkedExample(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	m := e.createMarket(t, domain.ResolutionManual)

	yes := e.bet(t, m.ID, "alice", domain.PositionYes, "1.0", "0xaaa")
	assertDec(t, "50", yes.Odds)
	assertDec(t, "2", yes.PotentialPayout)

	no := e.bet(t, m.ID, "bob", domain.PositionNo, "1.0", "0xbbb")
	assertDec(t, "50", no.Odds)
	assertDec(t, "2", no.PotentialPayout)

	got, err := e.markets.GetMarketWithBets(ctx, m.ID)
	require.NoError(t, err)
	assertDec(t, "1", got.YesVolume)
	assertDec(t, "1", got.NoVolume)
	require.Len(t, got.Bets, 2)
	assert.Equal(t, yes.ID, got.Bets[0].ID)
	assert.Equal(t, no.ID, got.Bets[1].ID)

	e.expire()
	settled, err := e.resolution.ArbitrateMarket(ctx, m.ID, domain.OutcomeYes)
	require.NoError(t, err)
	assert.Equal(t, domain.MarketStatusSettled, settled.Status)

	payouts := e.payouts(t, m.ID)
	assertDec(t, "2", payouts["alice"])
	assertDec(t, "0", payouts["bob"])

	alice, err := e.markets.GetBettor(ctx, "alice")
	require.NoError(t, err)
	assert.EqualValues(t, 1, alice.BetsPlaced)
	assert.EqualValues(t, 1, alice.BetsWon)
	assertDec(t, "2", alice.TotalWinnings)

	bob, err := e.markets.GetBettor(ctx, "bob")
	require.NoError(t, err)
	assert.EqualValues(t, 0, bob.BetsWon)
	assertDec(t, "1", bob.TotalStaked)
}

func TestPlaceBet_QuotesBeforeOwnStake(t *testing.T) {
	e := newEnv(t)
	m := e.createMarket(t, domain.ResolutionManual)

	e.bet(t, m.ID, "a", domain.PositionYes, "3", "r1")
	e.bet(t, m.ID, "b", domain.PositionNo, "1", "r2")

	// YES holds 3 of 4 before the new stake is added.
	b := e.bet(t, m.ID, "c", domain.PositionYes, "1.5", "r3")
	assertDec(t, "75", b.Odds)
	assertDec(t, "2", b.PotentialPayout)
}

func TestPlaceBet_Validation(t *testing.T) {
	e := newEnv(t)
	m := e.createMarket(t, domain.ResolutionManual)

	tests := []struct {
		name string
		req  service.PlaceBetRequest
		want error
	}{
		{"zero amount", service.PlaceBetRequest{Amount: dec("0")}, domain.ErrInvalidAmount},
		{"negative amount", service.PlaceBetRequest{Amount: dec("-1")}, domain.ErrInvalidAmount},
		{"too precise", service.PlaceBetRequest{Amount: dec("1.0000001")}, domain.ErrAmountPrecision},
		{"below minimum", service.PlaceBetRequest{Amount: dec("0.0001")}, domain.ErrAmountOutOfRange},
		{"above maximum", service.PlaceBetRequest{Amount: dec("10.5")}, domain.ErrAmountOutOfRange},
		{"bad position", service.PlaceBetRequest{Amount: dec("1"), Position: "MAYBE"}, domain.ErrInvalidPosition},
		{"no bettor", service.PlaceBetRequest{Amount: dec("1"), Position: domain.PositionYes, PaymentRef: "r"}, domain.ErrInvalidReference},
		{"no payment ref", service.PlaceBetRequest{Amount: dec("1"), Position: domain.PositionYes, BettorID: "a"}, domain.ErrInvalidPaymentRef},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.req.MarketID = m.ID
			_, err := e.bets.PlaceBet(context.Background(), tt.req)
			require.ErrorIs(t, err, tt.want)
			assert.Equal(t, domain.KindValidation, domain.KindOf(err))
		})
	}

	got, err := e.marketDB.GetByID(context.Background(), m.ID)
	require.NoError(t, err)
	assert.True(t, got.TotalVolume().IsZero())
}

func TestPlaceBet_UnknownMarket(t *testing.T) {
	e := newEnv(t)
	_, err := e.bets.PlaceBet(context.Background(), service.PlaceBetRequest{
		MarketID: "missing", BettorID: "a", Position: domain.PositionYes, Amount: dec("1"), PaymentRef: "r",
	})
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestPlaceBet_DuplicatePaymentRef(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	m := e.createMarket(t, domain.ResolutionManual)
	other := e.createMarket(t, domain.ResolutionManual)

	e.bet(t, m.ID, "alice", domain.PositionYes, "1", "0xdup")

	for _, id := range []string{m.ID, other.ID} {
		_, err := e.bets.PlaceBet(ctx, service.PlaceBetRequest{
			MarketID: id, BettorID: "alice", Position: domain.PositionNo, Amount: dec("2"), PaymentRef: "0xdup",
		})
		require.ErrorIs(t, err, domain.ErrDuplicatePaymentRef)
		assert.Equal(t, domain.KindDuplicate, domain.KindOf(err))
	}

	got, err := e.marketDB.GetByID(ctx, m.ID)
	require.NoError(t, err)
	assertDec(t, "1", got.YesVolume)
	assertDec(t, "0", got.NoVolume)

	alice, err := e.bettors.Get(ctx, "alice")
	require.NoError(t, err)
	assert.EqualValues(t, 1, alice.BetsPlaced)
}

func TestPlaceBet_RejectedWhenNotOpen(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	m := e.createMarket(t, domain.ResolutionManual)
	e.bet(t, m.ID, "alice", domain.PositionYes, "1", "r1")

	e.expire()
	req := service.PlaceBetRequest{MarketID: m.ID, BettorID: "bob", Position: domain.PositionNo, Amount: dec("1"), PaymentRef: "r2"}
	_, err := e.bets.PlaceBet(ctx, req)
	require.ErrorIs(t, err, domain.ErrMarketExpired)
	assert.Equal(t, domain.KindStateConflict, domain.KindOf(err))

	steps := []struct {
		name    string
		advance func() error
		status  domain.MarketStatus
	}{
		{"locked", func() error { _, err := e.resolution.LockMarket(ctx, m.ID); return err }, domain.MarketStatusLocked},
		{"disputed", func() error { _, err := e.resolution.DisputeMarket(ctx, m.ID, "source disagreement"); return err }, domain.MarketStatusDisputed},
		{"settled", func() error { _, err := e.resolution.ArbitrateMarket(ctx, m.ID, domain.OutcomeYes); return err }, domain.MarketStatusSettled},
	}
	for _, step := range steps {
		require.NoError(t, step.advance(), step.name)

		_, err = e.bets.PlaceBet(ctx, req)
		require.ErrorIs(t, err, domain.ErrMarketNotOpen, step.name)
		assert.Equal(t, domain.KindStateConflict, domain.KindOf(err), step.name)

		got, err := e.marketDB.GetByID(ctx, m.ID)
		require.NoError(t, err)
		assert.Equal(t, step.status, got.Status)
		assertDec(t, "1", got.YesVolume)
		assertDec(t, "0", got.NoVolume)

		placed, err := e.betDB.ListByMarket(ctx, m.ID)
		require.NoError(t, err)
		assert.Len(t, placed, 1, step.name)
		_, err = e.betDB.GetByPaymentRef(ctx, "r2")
		require.ErrorIs(t, err, domain.ErrNotFound)
	}
}

func TestPlaceBet_ConcurrentPoolConservation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	m := e.createMarket(t, domain.ResolutionManual)

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pos := domain.PositionYes
			if i%3 == 0 {
				pos = domain.PositionNo
			}
			_, err := e.bets.PlaceBet(ctx, service.PlaceBetRequest{
				MarketID:   m.ID,
				BettorID:   fmt.Sprintf("bettor-%d", i%4),
				Position:   pos,
				Amount:     decimal.New(int64(i+1), -2),
				PaymentRef: fmt.Sprintf("ref-%d", i),
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	got, err := e.markets.GetMarketWithBets(ctx, m.ID)
	require.NoError(t, err)
	require.Len(t, got.Bets, n)

	yes, no := decimal.Zero, decimal.Zero
	for _, b := range got.Bets {
		if b.Position == domain.PositionYes {
			yes = yes.Add(b.Amount)
		} else {
			no = no.Add(b.Amount)
		}
	}
	assert.True(t, yes.Equal(got.YesVolume), "yes pool %s, bets %s", got.YesVolume, yes)
	assert.True(t, no.Equal(got.NoVolume), "no pool %s, bets %s", got.NoVolume, no)
	// 0.01 + 0.02 + ... + 0.20
	assertDec(t, "2.1", got.TotalVolume())
}

func TestPlaceBet_PaymentVerifier(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	m := e.createMarket(t, domain.ResolutionManual)
	req := service.PlaceBetRequest{MarketID: m.ID, BettorID: "a", Position: domain.PositionYes, Amount: dec("1"), PaymentRef: "0xpending"}

	e.verifier.err = domain.ErrPaymentUnconfirmed
	_, err := e.bets.PlaceBet(ctx, req)
	require.ErrorIs(t, err, domain.ErrPaymentUnconfirmed)

	e.verifier.err = errors.New("rpc unreachable")
	_, err = e.bets.PlaceBet(ctx, req)
	require.ErrorIs(t, err, domain.ErrPaymentCheckFailed)
	assert.Equal(t, domain.KindExternalDependency, domain.KindOf(err))

	got, err := e.marketDB.GetByID(ctx, m.ID)
	require.NoError(t, err)
	assert.True(t, got.TotalVolume().IsZero())

	e.verifier.err = nil
	_, err = e.bets.PlaceBet(ctx, req)
	require.NoError(t, err)
}

type minedChain struct{}

func (minedChain) TransactionReceipt(context.Context, common.Hash) (*types.Receipt, error) {
	return &types.Receipt{Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(1)}, nil
}

func (minedChain) BlockNumber(context.Context) (uint64, error) { return 10, nil }

func TestPlaceBet_PaymentRefSpellingsAreOnePayment(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	m := e.createMarket(t, domain.ResolutionManual)

	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	bets := service.NewBetService(e.marketDB, e.betDB, memory.NewLockManager(), nil, nil, nil,
		payment.NewEVMVerifier(minedChain{}, 1, quiet),
		service.BetPolicy{Lock: service.LockPolicy{TTL: time.Second, Wait: time.Second}, Now: e.clock.Now}, quiet)

	const lower = "0xabcdefabcdefabcdefabcdefabcdefabcdefabcdefabcdefabcdefabcdefabcd"
	first, err := bets.PlaceBet(ctx, service.PlaceBetRequest{
		MarketID: m.ID, BettorID: "alice", Position: domain.PositionYes, Amount: dec("1"), PaymentRef: lower,
	})
	require.NoError(t, err)
	assert.Equal(t, lower, first.PaymentRef)

	for _, ref := range []string{"0x" + strings.ToUpper(lower[2:]), "  " + lower + "\n"} {
		_, err := bets.PlaceBet(ctx, service.PlaceBetRequest{
			MarketID: m.ID, BettorID: "bob", Position: domain.PositionYes, Amount: dec("1"), PaymentRef: ref,
		})
		require.ErrorIs(t, err, domain.ErrDuplicatePaymentRef, ref)
	}

	got, err := e.marketDB.GetByID(ctx, m.ID)
	require.NoError(t, err)
	assertDec(t, "1", got.YesVolume)
	placed, err := e.betDB.ListByMarket(ctx, m.ID)
	require.NoError(t, err)
	assert.Len(t, placed, 1)
}

func TestPlaceBet_PublishesEvent(t *testing.T) {
	e := newEnv(t)
	m := e.createMarket(t, domain.ResolutionManual)
	e.bet(t, m.ID, "a", domain.PositionYes, "1", "r1")

	assert.Equal(t, []string{domain.EventMarketCreated, domain.EventBetPlaced}, e.streamTypes(t))

	entries, err := e.audit.List(context.Background(), domain.ListOpts{})
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	assert.Equal(t, domain.EventBetPlaced, entries[0].Event)
	assert.Equal(t, "r1", entries[0].Detail["payment_ref"])
}
