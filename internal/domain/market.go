package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// MarketStatus represents the lifecycle state of a market.
type MarketStatus string

const (
	MarketStatusOpen     MarketStatus = "open"
	MarketStatusLocked   MarketStatus = "locked"
	MarketStatusSettled  MarketStatus = "settled"
	MarketStatusDisputed MarketStatus = "disputed"
)

// Valid reports whether s is a known lifecycle state.
func (s MarketStatus) Valid() bool {
	switch s {
	case MarketStatusOpen, MarketStatusLocked, MarketStatusSettled, MarketStatusDisputed:
		return true
	}
	return false
}

// ResolutionType selects how a locked market obtains its outcome.
type ResolutionType string

const (
	ResolutionOracle    ResolutionType = "oracle"
	ResolutionCommunity ResolutionType = "community"
	ResolutionManual    ResolutionType = "manual"
)

// Valid reports whether r is a known resolution method.
func (r ResolutionType) Valid() bool {
	switch r {
	case ResolutionOracle, ResolutionCommunity, ResolutionManual:
		return true
	}
	return false
}

// Outcome is the final result of a market.
type Outcome string

const (
	OutcomeYes     Outcome = "YES"
	OutcomeNo      Outcome = "NO"
	OutcomeInvalid Outcome = "INVALID"
)

// Valid reports whether o is a settleable outcome.
func (o Outcome) Valid() bool {
	return o == OutcomeYes || o == OutcomeNo || o == OutcomeInvalid
}

// Decisive reports whether o picks a side (YES or NO).
func (o Outcome) Decisive() bool {
	return o == OutcomeYes || o == OutcomeNo
}

// Market is a binary parimutuel market. YesVolume and NoVolume are the pooled
// stakes; they only grow while the market is open.
type Market struct {
	ID              string          `json:"id"`
	Question        string          `json:"question"`
	CreatorID       string          `json:"creator_id"`
	Platform        string          `json:"platform,omitempty"`
	ChatID          string          `json:"chat_id,omitempty"`
	ResolutionType  ResolutionType  `json:"resolution_type"`
	OracleSource    string          `json:"oracle_source,omitempty"`
	OracleCondition string          `json:"oracle_condition,omitempty"`
	ExpiresAt       time.Time       `json:"expires_at"`
	SettledAt       *time.Time      `json:"settled_at,omitempty"`
	Outcome         *Outcome        `json:"outcome,omitempty"`
	YesVolume       decimal.Decimal `json:"total_yes_volume"`
	NoVolume        decimal.Decimal `json:"total_no_volume"`
	Status          MarketStatus    `json:"status"`
	DisputeReason   string          `json:"dispute_reason,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	Bets            []Bet           `json:"bets,omitempty"`
}

// TotalVolume returns the combined pool.
func (m Market) TotalVolume() decimal.Decimal {
	return m.YesVolume.Add(m.NoVolume)
}

// PoolOf returns the pooled volume backing the given position.
func (m Market) PoolOf(p Position) decimal.Decimal {
	if p == PositionYes {
		return m.YesVolume
	}
	return m.NoVolume
}

// Expired reports whether the market's expiration has passed at now.
func (m Market) Expired(now time.Time) bool {
	return !now.Before(m.ExpiresAt)
}

// MarketFilter narrows market listings.
type MarketFilter struct {
	Status        MarketStatus
	Platform      string
	ChatID        string
	SettledBefore *time.Time
	SettledAfter  *time.Time
	ListOpts
}

// MarketStats aggregates the whole ledger.
type MarketStats struct {
	TotalMarkets  int64           `json:"total_markets"`
	ActiveMarkets int64           `json:"active_markets"`
	TotalBets     int64           `json:"total_bets"`
	TotalVolume   decimal.Decimal `json:"total_volume"`
}

// MarketTransition describes a conditional status change. The store applies
// it only when the current status is one of From.
type MarketTransition struct {
	From          []MarketStatus
	To            MarketStatus
	Outcome       *Outcome
	SettledAt     *time.Time
	DisputeReason string
}
