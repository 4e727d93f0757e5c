package sqlite_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/predictpool/internal/domain"
	"github.com/alanyoungcy/predictpool/internal/store/sqlite"
)

type ledger struct {
	markets *sqlite.MarketStore
	bets    *sqlite.BetStore
	votes   *sqlite.VoteStore
	logs    *sqlite.OracleLogStore
	bettors *sqlite.BettorStore
	audit   *sqlite.AuditStore
}

func openLedger(t *testing.T) ledger {
	t.Helper()
	db, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return ledger{
		markets: sqlite.NewMarketStore(db),
		bets:    sqlite.NewBetStore(db),
		votes:   sqlite.NewVoteStore(db),
		logs:    sqlite.NewOracleLogStore(db),
		bettors: sqlite.NewBettorStore(db),
		audit:   sqlite.NewAuditStore(db),
	}
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newMarket(id string, expires time.Time) domain.Market {
	return domain.Market{
		ID:             id,
		Question:       "Will the test pass today?",
		CreatorID:      "creator",
		Platform:       "telegram",
		ChatID:         "chat-1",
		ResolutionType: domain.ResolutionCommunity,
		ExpiresAt:      expires,
		Status:         domain.MarketStatusOpen,
		CreatedAt:      time.Now().UTC(),
	}
}

func builder(id, bettor string, pos domain.Position, amount, ref string) domain.BetBuilder {
	return func(m domain.Market) (domain.Bet, error) {
		if m.Status != domain.MarketStatusOpen {
			return domain.Bet{}, domain.ErrMarketNotOpen
		}
		return domain.Bet{
			ID:              id,
			BettorID:        bettor,
			Position:        pos,
			Amount:          dec(amount),
			Odds:            dec("50"),
			PotentialPayout: dec(amount).Mul(decimal.NewFromInt(2)),
			PaymentRef:      ref,
			PlacedAt:        time.Now(),
		}, nil
	}
}

func TestMarketStore_CreateGetList(t *testing.T) {
	l := openLedger(t)
	ctx := context.Background()
	exp := time.Now().Add(time.Hour).UTC().Truncate(time.Microsecond)

	require.NoError(t, l.markets.Create(ctx, newMarket("m1", exp)))
	err := l.markets.Create(ctx, newMarket("m1", exp))
	assert.ErrorIs(t, err, domain.ErrAlreadyExists)

	m, err := l.markets.GetByID(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, "Will the test pass today?", m.Question)
	assert.True(t, m.ExpiresAt.Equal(exp))
	assert.True(t, m.YesVolume.IsZero())
	assert.Nil(t, m.Outcome)

	_, err = l.markets.GetByID(ctx, "nope")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	other := newMarket("m2", exp)
	other.Platform = "discord"
	require.NoError(t, l.markets.Create(ctx, other))

	list, err := l.markets.List(ctx, domain.MarketFilter{Platform: "telegram"})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "m1", list[0].ID)

	list, err = l.markets.List(ctx, domain.MarketFilter{ListOpts: domain.ListOpts{Limit: 1}})
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestMarketStore_TransitionConditional(t *testing.T) {
	l := openLedger(t)
	ctx := context.Background()
	require.NoError(t, l.markets.Create(ctx, newMarket("m1", time.Now().Add(-time.Minute))))

	expired, err := l.markets.ListExpiredOpen(ctx, time.Now(), 10)
	require.NoError(t, err)
	require.Len(t, expired, 1)

	m, err := l.markets.Transition(ctx, "m1", domain.MarketTransition{
		From: []domain.MarketStatus{domain.MarketStatusOpen},
		To:   domain.MarketStatusLocked,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.MarketStatusLocked, m.Status)

	_, err = l.markets.Transition(ctx, "m1", domain.MarketTransition{
		From: []domain.MarketStatus{domain.MarketStatusOpen},
		To:   domain.MarketStatusLocked,
	})
	assert.ErrorIs(t, err, domain.ErrStatusConflict)

	yes := domain.OutcomeYes
	now := time.Now().UTC().Truncate(time.Microsecond)
	m, err = l.markets.Transition(ctx, "m1", domain.MarketTransition{
		From:      []domain.MarketStatus{domain.MarketStatusLocked},
		To:        domain.MarketStatusSettled,
		Outcome:   &yes,
		SettledAt: &now,
	})
	require.NoError(t, err)
	require.NotNil(t, m.Outcome)
	assert.Equal(t, domain.OutcomeYes, *m.Outcome)

	reread, err := l.markets.GetByID(ctx, "m1")
	require.NoError(t, err)
	require.NotNil(t, reread.SettledAt)
	assert.True(t, reread.SettledAt.Equal(now))

	_, err = l.markets.Transition(ctx, "ghost", domain.MarketTransition{To: domain.MarketStatusLocked})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestBetStore_PlaceGrowsPoolAndStats(t *testing.T) {
	l := openLedger(t)
	ctx := context.Background()
	require.NoError(t, l.markets.Create(ctx, newMarket("m1", time.Now().Add(time.Hour))))

	_, m, err := l.bets.Place(ctx, "m1", builder("b1", "alice", domain.PositionYes, "1.5", "0xaaa"))
	require.NoError(t, err)
	assert.True(t, dec("1.5").Equal(m.YesVolume))

	_, m, err = l.bets.Place(ctx, "m1", builder("b2", "alice", domain.PositionNo, "0.25", "0xbbb"))
	require.NoError(t, err)
	assert.True(t, dec("0.25").Equal(m.NoVolume))

	_, _, err = l.bets.Place(ctx, "m1", builder("b3", "bob", domain.PositionNo, "1", "0xaaa"))
	assert.ErrorIs(t, err, domain.ErrDuplicatePaymentRef)

	stored, err := l.markets.GetByID(ctx, "m1")
	require.NoError(t, err)
	assert.True(t, dec("1.5").Equal(stored.YesVolume))
	assert.True(t, dec("0.25").Equal(stored.NoVolume), "failed placement must not touch the pool")

	bets, err := l.bets.ListByMarket(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, bets, 2)
	assert.Equal(t, "b1", bets[0].ID)
	assert.Equal(t, "b2", bets[1].ID)

	alice, err := l.bettors.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(2), alice.BetsPlaced)
	assert.True(t, dec("1.75").Equal(alice.TotalStaked))

	_, err = l.bettors.Get(ctx, "bob")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	byRef, err := l.bets.GetByPaymentRef(ctx, "0xbbb")
	require.NoError(t, err)
	assert.Equal(t, "b2", byRef.ID)
}

func TestBetStore_PlaceRejectedByBuilder(t *testing.T) {
	l := openLedger(t)
	ctx := context.Background()
	require.NoError(t, l.markets.Create(ctx, newMarket("m1", time.Now().Add(time.Hour))))
	_, err := l.markets.Transition(ctx, "m1", domain.MarketTransition{
		From: []domain.MarketStatus{domain.MarketStatusOpen},
		To:   domain.MarketStatusLocked,
	})
	require.NoError(t, err)

	_, _, err = l.bets.Place(ctx, "m1", builder("b1", "alice", domain.PositionYes, "1", "0x1"))
	assert.ErrorIs(t, err, domain.ErrMarketNotOpen)

	bets, err := l.bets.ListByMarket(ctx, "m1")
	require.NoError(t, err)
	assert.Empty(t, bets)

	_, _, err = l.bets.Place(ctx, "ghost", builder("b2", "alice", domain.PositionYes, "1", "0x2"))
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestBetStore_SettleOnce(t *testing.T) {
	l := openLedger(t)
	ctx := context.Background()
	require.NoError(t, l.markets.Create(ctx, newMarket("m1", time.Now().Add(time.Hour))))
	_, _, err := l.bets.Place(ctx, "m1", builder("b1", "alice", domain.PositionYes, "1", "0x1"))
	require.NoError(t, err)

	yes := domain.OutcomeYes
	now := time.Now()
	_, err = l.markets.Transition(ctx, "m1", domain.MarketTransition{
		From: []domain.MarketStatus{domain.MarketStatusOpen}, To: domain.MarketStatusSettled,
		Outcome: &yes, SettledAt: &now,
	})
	require.NoError(t, err)

	pending, err := l.bets.ListUnsettledMarkets(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"m1"}, pending)

	st := domain.SettleBet{BetID: "b1", BettorID: "alice", Payout: dec("2"), Won: true, SettledAt: now}
	require.NoError(t, l.bets.Settle(ctx, st))
	err = l.bets.Settle(ctx, st)
	assert.ErrorIs(t, err, domain.ErrAlreadySettledBet)

	err = l.bets.Settle(ctx, domain.SettleBet{BetID: "ghost", SettledAt: now})
	assert.True(t, errors.Is(err, domain.ErrNotFound))

	bets, err := l.bets.ListByMarket(ctx, "m1")
	require.NoError(t, err)
	require.NotNil(t, bets[0].Payout)
	assert.True(t, dec("2").Equal(*bets[0].Payout))

	alice, err := l.bettors.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(1), alice.BetsWon)
	assert.True(t, dec("2").Equal(alice.TotalWinnings))

	pending, err = l.bets.ListUnsettledMarkets(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestVoteAndOracleLogStores(t *testing.T) {
	l := openLedger(t)
	ctx := context.Background()
	require.NoError(t, l.markets.Create(ctx, newMarket("m1", time.Now().Add(time.Hour))))

	v := domain.Vote{ID: "v1", MarketID: "m1", VoterID: "carol", Outcome: domain.OutcomeNo, Stake: dec("3"), VotedAt: time.Now()}
	require.NoError(t, l.votes.Cast(ctx, v))
	v.ID = "v2"
	assert.ErrorIs(t, l.votes.Cast(ctx, v), domain.ErrDuplicateVote)

	votes, err := l.votes.ListByMarket(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, votes, 1)
	assert.True(t, dec("3").Equal(votes[0].Stake))

	no := domain.OutcomeNo
	require.NoError(t, l.logs.Append(ctx, domain.OracleLog{
		ID: "o1", MarketID: "m1", Source: "http:btc", QueriedAt: time.Now(),
		Result: json.RawMessage(`{"value":1}`), Outcome: &no,
	}))
	require.NoError(t, l.logs.Append(ctx, domain.OracleLog{
		ID: "o2", MarketID: "m1", Source: "http:btc", QueriedAt: time.Now(), Error: "timeout",
	}))
	logs, err := l.logs.ListByMarket(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, logs, 2)
	require.NotNil(t, logs[0].Outcome)
	assert.JSONEq(t, `{"value":1}`, string(logs[0].Result))
	assert.Nil(t, logs[1].Outcome)
	assert.Equal(t, "timeout", logs[1].Error)
}

func TestAuditStore(t *testing.T) {
	l := openLedger(t)
	ctx := context.Background()
	require.NoError(t, l.audit.Log(ctx, "market_created", map[string]any{"market_id": "m1"}))
	require.NoError(t, l.audit.Log(ctx, "bet_placed", map[string]any{"bet_id": "b1"}))

	entries, err := l.audit.List(ctx, domain.ListOpts{Limit: 10})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "bet_placed", entries[0].Event)
	assert.Equal(t, "b1", entries[0].Detail["bet_id"])
}
