package pool_test

import (
	"testing"

	"github.com/alanyoungcy/predictpool/internal/domain"
	"github.com/alanyoungcy/predictpool/internal/pool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func market(yes, no string) domain.Market {
	return domain.Market{ID: "m1", YesVolume: dec(yes), NoVolume: dec(no)}
}

func TestOdds(t *testing.T) {
	tests := []struct {
		name string
		yes  string
		no   string
		pos  domain.Position
		want string
	}{
		{"empty pools", "0", "0", domain.PositionYes, "50"},
		{"empty pools no", "0", "0", domain.PositionNo, "50"},
		{"own side empty", "1", "0", domain.PositionNo, "50"},
		{"only side", "1", "0", domain.PositionYes, "100"},
		{"balanced", "3", "3", domain.PositionYes, "50"},
		{"three to one", "3", "1", domain.PositionYes, "75"},
		{"one third rounds", "1", "2", domain.PositionYes, "33.3333"},
		{"two thirds rounds", "1", "2", domain.PositionNo, "66.6667"},
		{"tiny share floors", "0.000001", "1000", domain.PositionYes, "0.0001"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := pool.Odds(market(tt.yes, tt.no), tt.pos)
			assert.True(t, dec(tt.want).Equal(got), "want %s got %s", tt.want, got)
		})
	}
}

func TestQuote_EvenOddsDoublesStake(t *testing.T) {
	q, err := pool.Quote(market("0", "0"), domain.PositionYes, dec("1"))
	require.NoError(t, err)
	assert.True(t, dec("50").Equal(q.Odds))
	assert.True(t, dec("2").Equal(q.PotentialPayout))
}

func TestQuote_TruncatesPayout(t *testing.T) {
	// 1 * 100 / 33.3333 = 3.00000300...
	q, err := pool.Quote(market("1", "2"), domain.PositionYes, dec("1"))
	require.NoError(t, err)
	assert.Equal(t, "3.000003", q.PotentialPayout.StringFixed(domain.AmountPlaces))
}

func TestQuote_IsPreTrade(t *testing.T) {
	m := market("2", "2")
	q, err := pool.Quote(m, domain.PositionYes, dec("6"))
	require.NoError(t, err)
	assert.True(t, dec("50").Equal(q.Odds), "own stake must not move the quote")
}

func TestQuote_Rejects(t *testing.T) {
	_, err := pool.Quote(market("0", "0"), domain.PositionYes, dec("0"))
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)

	_, err = pool.Quote(market("0", "0"), domain.PositionYes, dec("-1"))
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)

	_, err = pool.Quote(market("0", "0"), domain.Position("MAYBE"), dec("1"))
	assert.ErrorIs(t, err, domain.ErrInvalidPosition)
}

func TestOdds_StayInRange(t *testing.T) {
	pools := [][2]string{{"0", "0"}, {"10", "0"}, {"0", "10"}, {"0.000001", "99999"}, {"7.5", "2.5"}}
	for _, p := range pools {
		for _, pos := range []domain.Position{domain.PositionYes, domain.PositionNo} {
			o := pool.Odds(market(p[0], p[1]), pos)
			assert.True(t, o.IsPositive(), "odds %s for %v/%s", o, p, pos)
			assert.True(t, o.LessThanOrEqual(dec("100")), "odds %s for %v/%s", o, p, pos)
		}
	}
}
