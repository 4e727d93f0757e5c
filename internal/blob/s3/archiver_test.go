package s3blob_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	s3blob "github.com/alanyoungcy/predictpool/internal/blob/s3"
	"github.com/alanyoungcy/predictpool/internal/domain"
	"github.com/alanyoungcy/predictpool/internal/store/sqlite"
)

type memBlob struct {
	mu      sync.Mutex
	objects map[string][]byte
	puts    int
}

func newMemBlob() *memBlob { return &memBlob{objects: map[string][]byte{}} }

func (b *memBlob) Put(_ context.Context, path string, data io.Reader, _ string) error {
	buf, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[path] = buf
	b.puts++
	return nil
}

func (b *memBlob) PutMultipart(ctx context.Context, path string, data io.Reader, _ int64) error {
	return b.Put(ctx, path, data, "")
}

func (b *memBlob) Get(_ context.Context, path string) (io.ReadCloser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	buf, ok := b.objects[path]
	if !ok {
		return nil, fmt.Errorf("get %s: %w", path, domain.ErrNotFound)
	}
	return io.NopCloser(bytes.NewReader(buf)), nil
}

func (b *memBlob) Exists(_ context.Context, path string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.objects[path]
	return ok, nil
}

type fixture struct {
	blob     *memBlob
	markets  *sqlite.MarketStore
	bets     *sqlite.BetStore
	audit    *sqlite.AuditStore
	archiver *s3blob.SettlementArchiver
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	f := &fixture{
		blob:    newMemBlob(),
		markets: sqlite.NewMarketStore(db),
		bets:    sqlite.NewBetStore(db),
		audit:   sqlite.NewAuditStore(db),
	}
	f.archiver = s3blob.NewArchiver(f.blob, f.blob, f.markets, f.bets, f.audit)
	return f
}

// settled creates a market with one YES bet and settles it YES at settledAt.
func (f *fixture) settled(t *testing.T, id string, settledAt time.Time) domain.Market {
	t.Helper()
	ctx := context.Background()
	created := settledAt.Add(-48 * time.Hour)
	require.NoError(t, f.markets.Create(ctx, domain.Market{
		ID:             id,
		Question:       "Will " + id + " happen?",
		CreatorID:      "creator",
		ResolutionType: domain.ResolutionManual,
		ExpiresAt:      settledAt.Add(-time.Hour),
		Status:         domain.MarketStatusOpen,
		CreatedAt:      created,
		UpdatedAt:      created,
	}))
	_, _, err := f.bets.Place(ctx, id, func(m domain.Market) (domain.Bet, error) {
		return domain.Bet{
			ID:              id + "-bet",
			MarketID:        id,
			BettorID:        "alice",
			Position:        domain.PositionYes,
			Amount:          decimal.RequireFromString("1.5"),
			Odds:            decimal.NewFromInt(50),
			PotentialPayout: decimal.RequireFromString("3"),
			PaymentRef:      "ref-" + id,
			PlacedAt:        created,
		}, nil
	})
	require.NoError(t, err)

	yes := domain.OutcomeYes
	m, err := f.markets.Transition(ctx, id, domain.MarketTransition{
		From:      []domain.MarketStatus{domain.MarketStatusOpen},
		To:        domain.MarketStatusSettled,
		Outcome:   &yes,
		SettledAt: &settledAt,
	})
	require.NoError(t, err)
	return m
}

func TestArchiveSettlement_WritesOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	settledAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m := f.settled(t, "m1", settledAt)

	bets, err := f.bets.ListByMarket(ctx, "m1")
	require.NoError(t, err)
	m.Bets = bets
	summary := domain.SettlementSummary{
		MarketID:    "m1",
		Outcome:     domain.OutcomeYes,
		WinningPool: decimal.RequireFromString("1.5"),
		TotalPaid:   decimal.RequireFromString("1.5"),
		BetsSettled: 1,
		SettledAt:   settledAt,
	}

	require.NoError(t, f.archiver.ArchiveSettlement(ctx, m, summary))
	require.NoError(t, f.archiver.ArchiveSettlement(ctx, m, summary))
	assert.Equal(t, 1, f.blob.puts)

	rec, err := f.archiver.LoadSettlement(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, "m1", rec.Market.ID)
	require.Len(t, rec.Market.Bets, 1)
	assert.Equal(t, "alice", rec.Market.Bets[0].BettorID)
	assert.Equal(t, 1, rec.Summary.BetsSettled)
	assert.True(t, decimal.RequireFromString("1.5").Equal(rec.Summary.TotalPaid))

	entries, err := f.audit.List(ctx, domain.ListOpts{Limit: 10})
	require.NoError(t, err)
	var events []string
	for _, e := range entries {
		events = append(events, e.Event)
	}
	assert.Contains(t, events, "archive.settlement")
}

func TestLoadSettlement_Missing(t *testing.T) {
	f := newFixture(t)
	_, err := f.archiver.LoadSettlement(context.Background(), "nope")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestArchiveSettledMarkets_DailyWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cutoff := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)

	f.settled(t, "inside-1", cutoff.Add(-2*time.Hour))
	f.settled(t, "inside-2", cutoff.Add(-23*time.Hour))
	f.settled(t, "too-old", cutoff.Add(-25*time.Hour))
	f.settled(t, "too-new", cutoff.Add(time.Hour))

	n, err := f.archiver.ArchiveSettledMarkets(ctx, cutoff)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	raw, ok := f.blob.objects["archive/markets/2026-03-09.jsonl"]
	require.True(t, ok, "batch file written under the window's day")

	var ids []string
	sc := bufio.NewScanner(strings.NewReader(string(raw)))
	for sc.Scan() {
		var m domain.Market
		require.NoError(t, json.Unmarshal(sc.Bytes(), &m))
		require.Len(t, m.Bets, 1)
		ids = append(ids, m.ID)
	}
	assert.ElementsMatch(t, []string{"inside-1", "inside-2"}, ids)

	n, err = f.archiver.ArchiveSettledMarkets(ctx, cutoff.Add(-72*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)
}
