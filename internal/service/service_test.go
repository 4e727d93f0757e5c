package service_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/predictpool/internal/cache/memory"
	"github.com/alanyoungcy/predictpool/internal/domain"
	"github.com/alanyoungcy/predictpool/internal/service"
	"github.com/alanyoungcy/predictpool/internal/store/sqlite"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type stubSource struct {
	mu      sync.Mutex
	outcome domain.Outcome
	err     error
	block   bool
	raw     []byte
	calls   int
}

func (s *stubSource) Name() string { return "stub" }

func (s *stubSource) Query(ctx context.Context, m domain.Market) (domain.OracleResult, error) {
	s.mu.Lock()
	s.calls++
	outcome, err, block, raw := s.outcome, s.err, s.block, s.raw
	s.mu.Unlock()
	if block {
		<-ctx.Done()
		return domain.OracleResult{}, ctx.Err()
	}
	if raw == nil {
		raw, _ = json.Marshal(map[string]string{"answer": string(outcome)})
	}
	return domain.OracleResult{Outcome: outcome, Raw: raw}, err
}

func (s *stubSource) setBody(body string, err error) {
	s.mu.Lock()
	s.raw, s.err = []byte(body), err
	s.mu.Unlock()
}

func (s *stubSource) set(outcome domain.Outcome, err error, block bool) {
	s.mu.Lock()
	s.outcome, s.err, s.block = outcome, err, block
	s.mu.Unlock()
}

type stubOracles struct {
	src *stubSource
}

func (o stubOracles) Validate(source, condition string) error {
	if !strings.HasPrefix(source, "stub:") {
		return errors.New("unknown oracle source")
	}
	return nil
}

func (o stubOracles) Lookup(source string) (domain.OracleSource, error) {
	if !strings.HasPrefix(source, "stub:") {
		return nil, errors.New("unknown oracle source")
	}
	return o.src, nil
}

type stubVerifier struct {
	mu  sync.Mutex
	err error
}

func (v *stubVerifier) Normalize(ref string) string { return ref }

func (v *stubVerifier) Confirm(_ context.Context, _, _ string, _ decimal.Decimal) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.err
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []string
}

func (n *recordingNotifier) Notify(_ context.Context, event, _, _ string) error {
	n.mu.Lock()
	n.events = append(n.events, event)
	n.mu.Unlock()
	return nil
}

func (n *recordingNotifier) seen() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.events...)
}

type env struct {
	clock    *clock
	db       *sqlite.DB
	marketDB *sqlite.MarketStore
	betDB    *sqlite.BetStore
	bettors  *sqlite.BettorStore
	audit    *sqlite.AuditStore
	bus      *memory.SignalBus
	oracle   *stubSource
	verifier *stubVerifier
	notifier *recordingNotifier

	markets    *service.MarketService
	bets       *service.BetService
	resolution *service.ResolutionService
	settlement *service.SettlementService
}

func newEnv(t *testing.T) *env {
	t.Helper()
	db, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	e := &env{
		clock:    &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
		db:       db,
		marketDB: sqlite.NewMarketStore(db),
		betDB:    sqlite.NewBetStore(db),
		bettors:  sqlite.NewBettorStore(db),
		audit:    sqlite.NewAuditStore(db),
		bus:      memory.NewSignalBus(1000),
		oracle:   &stubSource{},
		verifier: &stubVerifier{},
		notifier: &recordingNotifier{},
	}
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	locks := memory.NewLockManager()
	cache := memory.NewMarketCache(time.Minute)
	oracles := stubOracles{src: e.oracle}
	lock := service.LockPolicy{TTL: 10 * time.Second, Wait: 5 * time.Second}

	e.markets = service.NewMarketService(e.marketDB, e.betDB, e.bettors, cache, e.bus, e.audit, oracles,
		service.MarketPolicy{RequireQuestionMark: true, MinLead: time.Hour, Now: e.clock.Now}, logger)
	e.bets = service.NewBetService(e.marketDB, e.betDB, locks, cache, e.bus, e.audit, e.verifier,
		service.BetPolicy{
			MinBet:         decimal.RequireFromString("0.001"),
			MaxBet:         decimal.RequireFromString("10"),
			ConfirmTimeout: time.Second,
			Lock:           lock,
			Now:            e.clock.Now,
		}, logger)
	e.settlement = service.NewSettlementService(e.marketDB, e.betDB, locks, cache, e.bus, e.audit, nil, e.notifier,
		service.SettlementPolicy{Workers: 4, Lock: lock, Now: e.clock.Now}, logger)
	e.resolution = service.NewResolutionService(e.marketDB, sqlite.NewVoteStore(db), sqlite.NewOracleLogStore(db),
		locks, cache, e.bus, e.audit, oracles, e.settlement, e.notifier,
		service.ResolutionPolicy{
			Lock:          lock,
			OracleTimeout: 50 * time.Millisecond,
			VoteWindow:    time.Hour,
			Now:           e.clock.Now,
		}, logger)
	return e
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func assertDec(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	assert.True(t, dec(want).Equal(got), "want %s, got %s", want, got)
}

func (e *env) createMarket(t *testing.T, rt domain.ResolutionType) domain.Market {
	t.Helper()
	req := service.CreateMarketRequest{
		Question:       "Will it rain in Lisbon tomorrow?",
		CreatorID:      "creator-1",
		ExpiresAt:      e.clock.Now().Add(2 * time.Hour),
		ResolutionType: rt,
		Platform:       "telegram",
		ChatID:         "chat-42",
	}
	if rt == domain.ResolutionOracle {
		req.OracleSource = "stub:rain"
		req.OracleCondition = "> 0"
	}
	m, err := e.markets.CreateMarket(context.Background(), req)
	require.NoError(t, err)
	return m
}

func (e *env) bet(t *testing.T, marketID, bettor string, pos domain.Position, amount, ref string) domain.Bet {
	t.Helper()
	b, err := e.bets.PlaceBet(context.Background(), service.PlaceBetRequest{
		MarketID:   marketID,
		BettorID:   bettor,
		Position:   pos,
		Amount:     dec(amount),
		PaymentRef: ref,
	})
	require.NoError(t, err)
	return b
}

// expire moves the clock past every market created by createMarket.
func (e *env) expire() { e.clock.Advance(3 * time.Hour) }

func (e *env) payouts(t *testing.T, marketID string) map[string]decimal.Decimal {
	t.Helper()
	bets, err := e.betDB.ListByMarket(context.Background(), marketID)
	require.NoError(t, err)
	out := make(map[string]decimal.Decimal, len(bets))
	for _, b := range bets {
		require.NotNil(t, b.Payout, "bet %s has no payout", b.ID)
		out[b.BettorID] = *b.Payout
	}
	return out
}

func (e *env) streamTypes(t *testing.T) []string {
	t.Helper()
	msgs, err := e.bus.StreamRead(context.Background(), domain.StreamLedger, "0", 0)
	require.NoError(t, err)
	var types []string
	for _, m := range msgs {
		var ev domain.MarketEvent
		require.NoError(t, json.Unmarshal(m.Payload, &ev))
		types = append(types, ev.Type)
	}
	return types
}
