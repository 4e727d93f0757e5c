package domain_test

import (
	"testing"
	"time"

	"github.com/alanyoungcy/predictpool/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAmount(t *testing.T) {
	d, err := domain.ParseAmount("1.000001")
	require.NoError(t, err)
	assert.Equal(t, "1.000001", d.String())

	_, err = domain.ParseAmount("1.0000001")
	assert.ErrorIs(t, err, domain.ErrAmountPrecision)

	_, err = domain.ParseAmount("0")
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)

	_, err = domain.ParseAmount("-2")
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)

	_, err = domain.ParseAmount("ten")
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)
}

func TestCheckAmount_TrailingZeros(t *testing.T) {
	assert.NoError(t, domain.CheckAmount(decimal.RequireFromString("2.50000000")))
}

func TestMarketHelpers(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	m := domain.Market{
		YesVolume: decimal.RequireFromString("1.5"),
		NoVolume:  decimal.RequireFromString("0.5"),
		ExpiresAt: now,
	}
	assert.True(t, decimal.NewFromInt(2).Equal(m.TotalVolume()))
	assert.True(t, m.PoolOf(domain.PositionNo).Equal(decimal.RequireFromString("0.5")))
	assert.True(t, m.Expired(now))
	assert.False(t, m.Expired(now.Add(-time.Second)))

	assert.True(t, domain.PositionYes.Wins(domain.OutcomeYes))
	assert.False(t, domain.PositionNo.Wins(domain.OutcomeInvalid))
	assert.False(t, domain.OutcomeInvalid.Decisive())
}
