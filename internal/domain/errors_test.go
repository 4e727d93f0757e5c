package domain_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/alanyoungcy/predictpool/internal/domain"
	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	wrapped := fmt.Errorf("bet_service: place bet on m1: %w", domain.ErrMarketNotOpen)

	assert.Equal(t, domain.KindStateConflict, domain.KindOf(wrapped))
	assert.Equal(t, "market_not_open", domain.CodeOf(wrapped))
	assert.ErrorIs(t, wrapped, domain.ErrMarketNotOpen)
	assert.NotErrorIs(t, wrapped, domain.ErrMarketExpired)

	assert.Equal(t, domain.KindDuplicate, domain.KindOf(domain.ErrDuplicatePaymentRef))
	assert.Equal(t, domain.KindNotFound, domain.KindOf(domain.ErrNotFound))
	assert.Equal(t, domain.KindExternalDependency, domain.KindOf(domain.ErrOracleUnavailable))
	assert.Equal(t, domain.KindInvariantViolation, domain.KindOf(domain.ErrInvariantViolation))
}

func TestKindOf_Unclassified(t *testing.T) {
	err := errors.New("boom")
	assert.Equal(t, domain.KindInternal, domain.KindOf(err))
	assert.Equal(t, "internal", domain.CodeOf(err))
	assert.Equal(t, domain.KindInternal, domain.KindOf(nil))
}
