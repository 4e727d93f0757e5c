package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Position is the side a bet backs.
type Position string

const (
	PositionYes Position = "YES"
	PositionNo  Position = "NO"
)

// Valid reports whether p is YES or NO.
func (p Position) Valid() bool {
	return p == PositionYes || p == PositionNo
}

// Wins reports whether a bet on p wins under outcome o.
func (p Position) Wins(o Outcome) bool {
	return string(p) == string(o)
}

// Bet is a wager recorded against a market. Only SettledAt and Payout change
// after creation, and only once.
type Bet struct {
	ID              string           `json:"id"`
	MarketID        string           `json:"market_id"`
	BettorID        string           `json:"bettor_id"`
	Position        Position         `json:"position"`
	Amount          decimal.Decimal  `json:"amount"`
	Odds            decimal.Decimal  `json:"odds"`
	PotentialPayout decimal.Decimal  `json:"potential_payout"`
	PaymentRef      string           `json:"payment_ref"`
	PlacedAt        time.Time        `json:"placed_at"`
	SettledAt       *time.Time       `json:"settled_at,omitempty"`
	Payout          *decimal.Decimal `json:"payout,omitempty"`
}

// Settled reports whether the bet's payout has been written.
func (b Bet) Settled() bool {
	return b.SettledAt != nil
}

// BetBuilder is invoked by BetStore.Place inside the market's atomic unit with
// the freshly read market row. It validates the market state and returns the
// bet to append.
type BetBuilder func(m Market) (Bet, error)

// Bettor aggregates a bettor's activity across markets.
type Bettor struct {
	ID            string          `json:"id"`
	BetsPlaced    int64           `json:"bets_placed"`
	BetsWon       int64           `json:"bets_won"`
	TotalStaked   decimal.Decimal `json:"total_staked"`
	TotalWinnings decimal.Decimal `json:"total_winnings"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Quote is a pre-trade odds and payout estimate.
type Quote struct {
	Position        Position        `json:"position"`
	Amount          decimal.Decimal `json:"amount"`
	Odds            decimal.Decimal `json:"odds"`
	PotentialPayout decimal.Decimal `json:"potential_payout"`
}
