package pool_test

import (
	"fmt"
	"testing"

	"github.com/alanyoungcy/predictpool/internal/domain"
	"github.com/alanyoungcy/predictpool/internal/pool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bet(id string, pos domain.Position, amount string) domain.Bet {
	return domain.Bet{ID: id, BettorID: "u-" + id, Position: pos, Amount: dec(amount)}
}

func TestComputePayouts_WorkedExample(t *testing.T) {
	bets := []domain.Bet{
		bet("a", domain.PositionYes, "1"),
		bet("b", domain.PositionNo, "1"),
	}
	d, err := pool.ComputePayouts(domain.OutcomeYes, bets)
	require.NoError(t, err)

	require.Len(t, d.Payouts, 2)
	assert.True(t, dec("2").Equal(d.Payouts[0].Amount))
	assert.True(t, d.Payouts[0].Won)
	assert.True(t, d.Payouts[1].Amount.IsZero())
	assert.False(t, d.Payouts[1].Won)
	assert.True(t, d.Remainder.IsZero())
	assert.Equal(t, 1, d.Winners)
	assert.False(t, d.Refunded)
}

func TestComputePayouts_InvalidRefunds(t *testing.T) {
	bets := []domain.Bet{
		bet("a", domain.PositionYes, "1.5"),
		bet("b", domain.PositionNo, "0.25"),
	}
	d, err := pool.ComputePayouts(domain.OutcomeInvalid, bets)
	require.NoError(t, err)

	assert.True(t, d.Refunded)
	for i, p := range d.Payouts {
		assert.True(t, bets[i].Amount.Equal(p.Amount))
		assert.False(t, p.Won)
	}
	assert.True(t, d.Remainder.IsZero())
}

func TestComputePayouts_EmptyWinningSideRefunds(t *testing.T) {
	bets := []domain.Bet{
		bet("a", domain.PositionNo, "2"),
		bet("b", domain.PositionNo, "3"),
	}
	d, err := pool.ComputePayouts(domain.OutcomeYes, bets)
	require.NoError(t, err)

	assert.True(t, d.Refunded)
	assert.True(t, dec("5").Equal(d.TotalPaid))
}

func TestComputePayouts_NoBets(t *testing.T) {
	d, err := pool.ComputePayouts(domain.OutcomeNo, nil)
	require.NoError(t, err)
	assert.Empty(t, d.Payouts)
	assert.True(t, d.TotalPaid.IsZero())
}

func TestComputePayouts_TruncationRemainderBounded(t *testing.T) {
	// Three equal winners split a losing pool that does not divide evenly.
	bets := []domain.Bet{
		bet("a", domain.PositionYes, "1"),
		bet("b", domain.PositionYes, "1"),
		bet("c", domain.PositionYes, "1"),
		bet("d", domain.PositionNo, "1"),
	}
	d, err := pool.ComputePayouts(domain.OutcomeYes, bets)
	require.NoError(t, err)

	for _, p := range d.Payouts[:3] {
		assert.Equal(t, "1.333333", p.Amount.StringFixed(domain.AmountPlaces))
	}
	assert.Equal(t, "0.000001", d.Remainder.StringFixed(domain.AmountPlaces))
	assert.True(t, d.Remainder.LessThan(domain.MinimalUnit().Mul(dec("3"))))
}

func TestComputePayouts_Conservation(t *testing.T) {
	amounts := []string{"0.001", "0.333333", "7.1", "2.5", "0.000007", "9.999999", "1"}
	for n := 1; n <= len(amounts); n++ {
		for _, outcome := range []domain.Outcome{domain.OutcomeYes, domain.OutcomeNo, domain.OutcomeInvalid} {
			var bets []domain.Bet
			for i := 0; i < n; i++ {
				pos := domain.PositionYes
				if i%3 == 1 {
					pos = domain.PositionNo
				}
				bets = append(bets, bet(fmt.Sprintf("b%d", i), pos, amounts[i]))
			}
			d, err := pool.ComputePayouts(outcome, bets)
			require.NoError(t, err, "n=%d outcome=%s", n, outcome)
			assert.False(t, d.Remainder.IsNegative())
			assert.True(t, d.TotalPaid.Add(d.Remainder).Equal(d.TotalStaked))
		}
	}
}

func TestComputePayouts_RejectsUnknownOutcome(t *testing.T) {
	_, err := pool.ComputePayouts(domain.Outcome("MAYBE"), nil)
	assert.ErrorIs(t, err, domain.ErrInvalidOutcome)
}

func TestCheckPools(t *testing.T) {
	bets := []domain.Bet{
		bet("a", domain.PositionYes, "1"),
		bet("b", domain.PositionNo, "2"),
	}
	assert.NoError(t, pool.CheckPools(market("1", "2"), bets))

	err := pool.CheckPools(market("1", "3"), bets)
	assert.ErrorIs(t, err, domain.ErrInvariantViolation)
}
