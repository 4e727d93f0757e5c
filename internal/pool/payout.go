package pool

import (
	"fmt"

	"github.com/alanyoungcy/predictpool/internal/domain"
	"github.com/shopspring/decimal"
)

// Payout is the computed settlement for one bet.
type Payout struct {
	BetID    string
	BettorID string
	Amount   decimal.Decimal
	Won      bool
}

// Distribution is the full payout plan for a settled market.
type Distribution struct {
	Outcome     domain.Outcome
	WinningPool decimal.Decimal
	LosingPool  decimal.Decimal
	TotalStaked decimal.Decimal
	TotalPaid   decimal.Decimal
	Remainder   decimal.Decimal
	Winners     int
	Refunded    bool
	Payouts     []Payout
}

// ComputePayouts distributes the pooled stakes of bets under outcome.
//
// INVALID refunds every stake. For YES/NO each winner receives its stake plus a
// share of the losing pool proportional to its stake, truncated to whole
// minimal units; losers receive nothing. A winning side with no stake refunds
// everyone. The truncation remainder stays below one minimal unit per winner.
func ComputePayouts(outcome domain.Outcome, bets []domain.Bet) (Distribution, error) {
	if !outcome.Valid() {
		return Distribution{}, fmt.Errorf("pool: payouts for outcome %q: %w", outcome, domain.ErrInvalidOutcome)
	}

	d := Distribution{
		Outcome:     outcome,
		WinningPool: decimal.Zero,
		LosingPool:  decimal.Zero,
		TotalStaked: decimal.Zero,
		TotalPaid:   decimal.Zero,
		Payouts:     make([]Payout, 0, len(bets)),
	}
	for _, b := range bets {
		d.TotalStaked = d.TotalStaked.Add(b.Amount)
		if outcome.Decisive() && b.Position.Wins(outcome) {
			d.WinningPool = d.WinningPool.Add(b.Amount)
		} else if outcome.Decisive() {
			d.LosingPool = d.LosingPool.Add(b.Amount)
		}
	}

	d.Refunded = outcome == domain.OutcomeInvalid || d.WinningPool.IsZero()
	for _, b := range bets {
		p := Payout{BetID: b.ID, BettorID: b.BettorID, Amount: decimal.Zero}
		switch {
		case d.Refunded:
			p.Amount = b.Amount
		case b.Position.Wins(outcome):
			share, _ := b.Amount.Mul(d.LosingPool).QuoRem(d.WinningPool, domain.AmountPlaces)
			p.Amount = b.Amount.Add(share)
			p.Won = true
			d.Winners++
		}
		d.TotalPaid = d.TotalPaid.Add(p.Amount)
		d.Payouts = append(d.Payouts, p)
	}

	d.Remainder = d.TotalStaked.Sub(d.TotalPaid)
	if err := checkRemainder(d.Remainder, d.Winners); err != nil {
		return d, err
	}
	return d, nil
}

func checkRemainder(rem decimal.Decimal, winners int) error {
	if rem.IsNegative() {
		return fmt.Errorf("pool: paid out %s more than staked: %w", rem.Neg(), domain.ErrInvariantViolation)
	}
	if rem.IsZero() {
		return nil
	}
	bound := domain.MinimalUnit().Mul(decimal.NewFromInt(int64(winners)))
	if !rem.LessThan(bound) {
		return fmt.Errorf("pool: remainder %s exceeds %d minimal units: %w", rem, winners, domain.ErrInvariantViolation)
	}
	return nil
}

// CheckPools verifies that each pool equals the sum of stakes on its side.
func CheckPools(m domain.Market, bets []domain.Bet) error {
	yes, no := decimal.Zero, decimal.Zero
	for _, b := range bets {
		if b.Position == domain.PositionYes {
			yes = yes.Add(b.Amount)
		} else {
			no = no.Add(b.Amount)
		}
	}
	if !yes.Equal(m.YesVolume) || !no.Equal(m.NoVolume) {
		return fmt.Errorf("pool: market %s pools yes=%s no=%s but bets sum yes=%s no=%s: %w",
			m.ID, m.YesVolume, m.NoVolume, yes, no, domain.ErrInvariantViolation)
	}
	return nil
}
