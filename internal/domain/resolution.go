package domain

import (
	"context"
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Vote is a community resolution ballot weighted by stake.
type Vote struct {
	ID       string          `json:"id"`
	MarketID string          `json:"market_id"`
	VoterID  string          `json:"voter_id"`
	Outcome  Outcome         `json:"outcome"`
	Stake    decimal.Decimal `json:"stake"`
	VotedAt  time.Time       `json:"voted_at"`
}

// OracleLog is an append-only record of one oracle query. Outcome is nil when
// the result was ambiguous or the query failed.
type OracleLog struct {
	ID        string          `json:"id"`
	MarketID  string          `json:"market_id"`
	Source    string          `json:"source"`
	QueriedAt time.Time       `json:"queried_at"`
	Result    json.RawMessage `json:"result,omitempty"`
	Outcome   *Outcome        `json:"outcome,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// OracleResult is what an OracleSource reports for a market. Outcome is empty
// when the source could not decide.
type OracleResult struct {
	Outcome Outcome
	Raw     json.RawMessage
}

// RawPayload returns body as a JSON document. A body that is not valid JSON,
// such as an HTML error page, is kept as a JSON string.
func RawPayload(body []byte) json.RawMessage {
	if len(body) == 0 {
		return nil
	}
	if json.Valid(body) {
		return json.RawMessage(body)
	}
	quoted, err := json.Marshal(string(body))
	if err != nil {
		return nil
	}
	return quoted
}

// OracleSource answers the market question from external data.
type OracleSource interface {
	// Name identifies the source kind, e.g. "chainlink" or "http".
	Name() string
	Query(ctx context.Context, market Market) (OracleResult, error)
}

// PaymentVerifier confirms that an external payment reference is final.
type PaymentVerifier interface {
	// Normalize maps every spelling of one payment to the same reference.
	Normalize(paymentRef string) string
	Confirm(ctx context.Context, paymentRef, bettorID string, amount decimal.Decimal) error
}

// SettlementSummary reports the effect of applying payouts to a market.
type SettlementSummary struct {
	MarketID           string          `json:"market_id"`
	Outcome            Outcome         `json:"outcome"`
	WinningPool        decimal.Decimal `json:"winning_pool"`
	LosingPool         decimal.Decimal `json:"losing_pool"`
	TotalPaid          decimal.Decimal `json:"total_paid"`
	Remainder          decimal.Decimal `json:"remainder"`
	BetsSettled        int             `json:"bets_settled"`
	BetsAlreadySettled int             `json:"bets_already_settled"`
	Refunded           bool            `json:"refunded"`
	SettledAt          time.Time       `json:"settled_at"`
}
