package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// MarketStore persists markets and their lifecycle.
type MarketStore interface {
	Create(ctx context.Context, market Market) error
	GetByID(ctx context.Context, id string) (Market, error)
	List(ctx context.Context, filter MarketFilter) ([]Market, error)
	// ListExpiredOpen returns open markets whose expiration is at or before now.
	ListExpiredOpen(ctx context.Context, now time.Time, limit int) ([]Market, error)
	// Transition applies t only if the market's current status is in t.From.
	// It returns ErrStatusConflict when the status moved underneath the caller.
	Transition(ctx context.Context, id string, t MarketTransition) (Market, error)
	// Stats counts markets and bets. ActiveMarkets counts open markets.
	Stats(ctx context.Context) (MarketStats, error)
}

// SettleBet is a single payout write.
type SettleBet struct {
	BetID     string
	BettorID  string
	Payout    decimal.Decimal
	Won       bool
	SettledAt time.Time
}

// BetStore persists bets. Place and Settle are the only mutations.
type BetStore interface {
	// Place runs build against the current market row and, if it succeeds,
	// appends the bet, grows the matching pool and updates bettor stats in one
	// atomic unit.
	Place(ctx context.Context, marketID string, build BetBuilder) (Bet, Market, error)
	GetByPaymentRef(ctx context.Context, paymentRef string) (Bet, error)
	// ListByMarket returns bets in placement order.
	ListByMarket(ctx context.Context, marketID string) ([]Bet, error)
	ListByBettor(ctx context.Context, bettorID string, opts ListOpts) ([]Bet, error)
	// Settle writes the payout once. A bet that already carries a payout yields
	// ErrAlreadySettledBet.
	Settle(ctx context.Context, s SettleBet) error
	// ListUnsettledMarkets returns settled markets that still have bets without
	// a payout.
	ListUnsettledMarkets(ctx context.Context, limit int) ([]string, error)
}

// VoteStore persists community resolution votes.
type VoteStore interface {
	// Cast records v. A second vote by the same voter yields ErrDuplicateVote.
	Cast(ctx context.Context, v Vote) error
	ListByMarket(ctx context.Context, marketID string) ([]Vote, error)
}

// OracleLogStore is an append-only log of oracle queries.
type OracleLogStore interface {
	Append(ctx context.Context, entry OracleLog) error
	ListByMarket(ctx context.Context, marketID string) ([]OracleLog, error)
}

// BettorStore reads bettor aggregates maintained by BetStore.
type BettorStore interface {
	Get(ctx context.Context, id string) (Bettor, error)
	List(ctx context.Context, opts ListOpts) ([]Bettor, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
