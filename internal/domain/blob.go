package domain

import (
	"context"
	"io"
	"time"
)

// BlobWriter uploads data to object storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
	PutMultipart(ctx context.Context, path string, data io.Reader, partSize int64) error
}

// BlobReader checks and retrieves objects.
type BlobReader interface {
	Get(ctx context.Context, path string) (io.ReadCloser, error)
	Exists(ctx context.Context, path string) (bool, error)
}

// Archiver copies settled ledger data to cold storage.
type Archiver interface {
	// ArchiveSettlement stores the settled market with its bets and summary.
	ArchiveSettlement(ctx context.Context, market Market, summary SettlementSummary) error
	// ArchiveSettledMarkets writes one JSONL batch of markets settled before
	// the cutoff and returns the number archived.
	ArchiveSettledMarkets(ctx context.Context, before time.Time) (int64, error)
}

// Event names published on the signal bus and stream.
const (
	EventMarketCreated      = "market_created"
	EventBetPlaced          = "bet_placed"
	EventMarketLocked       = "market_locked"
	EventMarketSettled      = "market_settled"
	EventMarketDisputed     = "market_disputed"
	EventVoteCast           = "vote_cast"
	EventSettlementDone     = "settlement_done"
	EventInvariantViolation = "invariant_violation"
)

// Signal bus channel and stream names.
const (
	ChannelMarkets = "predictpool:markets"
	StreamLedger   = "predictpool:ledger"
)

// MarketEvent is the JSON payload broadcast for market changes.
type MarketEvent struct {
	Type     string    `json:"type"`
	MarketID string    `json:"market_id"`
	Status   string    `json:"status,omitempty"`
	Outcome  string    `json:"outcome,omitempty"`
	BetID    string    `json:"bet_id,omitempty"`
	Position string    `json:"position,omitempty"`
	Amount   string    `json:"amount,omitempty"`
	YesPool  string    `json:"yes_pool,omitempty"`
	NoPool   string    `json:"no_pool,omitempty"`
	Detail   string    `json:"detail,omitempty"`
	At       time.Time `json:"at"`
}
