package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// AmountPlaces is the fixed-point precision of every stake and payout. One
// minimal unit is 10^-AmountPlaces.
const AmountPlaces int32 = 6

// OddsPlaces is the precision of odds percentages.
const OddsPlaces int32 = 4

// MinimalUnit returns the smallest representable amount.
func MinimalUnit() decimal.Decimal {
	return decimal.New(1, -AmountPlaces)
}

// ParseAmount parses a decimal string and checks it fits AmountPlaces.
func ParseAmount(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse amount %q: %w", s, ErrInvalidAmount)
	}
	if err := CheckAmount(d); err != nil {
		return decimal.Zero, err
	}
	return d, nil
}

// CheckAmount rejects non-positive amounts and amounts finer than one
// minimal unit.
func CheckAmount(d decimal.Decimal) error {
	if !d.IsPositive() {
		return ErrInvalidAmount
	}
	if !d.Equal(d.Truncate(AmountPlaces)) {
		return ErrAmountPrecision
	}
	return nil
}
