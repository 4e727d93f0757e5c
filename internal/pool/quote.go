// Package pool implements parimutuel pricing: pre-trade quotes from the
// observed pools and final payout distribution. Everything here is pure.
package pool

import (
	"fmt"

	"github.com/alanyoungcy/predictpool/internal/domain"
	"github.com/shopspring/decimal"
)

var (
	hundred = decimal.NewFromInt(100)
	even    = decimal.NewFromInt(50)
	// minOdds keeps a heavily outweighed side quotable when its share rounds
	// to zero at OddsPlaces.
	minOdds = decimal.New(1, -domain.OddsPlaces)
)

// Odds returns the implied probability of pos as a percentage of the total
// pool, rounded to domain.OddsPlaces. An empty total, or an empty pool on the
// quoted side, prices at even odds.
func Odds(m domain.Market, pos domain.Position) decimal.Decimal {
	total := m.TotalVolume()
	own := m.PoolOf(pos)
	if total.IsZero() || own.IsZero() {
		return even
	}
	odds := own.Mul(hundred).DivRound(total, domain.OddsPlaces)
	if odds.LessThan(minOdds) {
		return minOdds
	}
	return odds
}

// PotentialPayout returns amount * 100 / odds truncated to whole minimal units.
func PotentialPayout(amount, odds decimal.Decimal) decimal.Decimal {
	q, _ := amount.Mul(hundred).QuoRem(odds, domain.AmountPlaces)
	return q
}

// Quote prices a prospective bet against the pools as currently observed. The
// bettor's own stake is not added before pricing.
func Quote(m domain.Market, pos domain.Position, amount decimal.Decimal) (domain.Quote, error) {
	if !pos.Valid() {
		return domain.Quote{}, fmt.Errorf("pool: quote position %q: %w", pos, domain.ErrInvalidPosition)
	}
	if !amount.IsPositive() {
		return domain.Quote{}, fmt.Errorf("pool: quote amount %s: %w", amount, domain.ErrInvalidAmount)
	}
	odds := Odds(m, pos)
	return domain.Quote{
		Position:        pos,
		Amount:          amount,
		Odds:            odds,
		PotentialPayout: PotentialPayout(amount, odds),
	}, nil
}
