package domain

import "errors"

// ErrorKind classifies a domain error so transports can map it without
// knowing every sentinel.
type ErrorKind string

const (
	KindValidation         ErrorKind = "validation"
	KindStateConflict      ErrorKind = "state_conflict"
	KindDuplicate          ErrorKind = "duplicate"
	KindNotFound           ErrorKind = "not_found"
	KindExternalDependency ErrorKind = "external_dependency"
	KindInvariantViolation ErrorKind = "invariant_violation"
	KindInternal           ErrorKind = "internal"
)

// Error is a classified domain error. Sentinels are compared by identity, so
// wrap them with fmt.Errorf("...: %w", ErrX) and test with errors.Is.
type Error struct {
	Kind    ErrorKind
	Code    string
	Message string
}

func (e *Error) Error() string { return e.Message }

func newError(kind ErrorKind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Message: msg}
}

var (
	// Validation
	ErrInvalidAmount      = newError(KindValidation, "invalid_amount", "amount must be positive")
	ErrAmountPrecision    = newError(KindValidation, "amount_precision", "amount has too many decimal places")
	ErrAmountOutOfRange   = newError(KindValidation, "amount_out_of_range", "amount outside allowed bet range")
	ErrInvalidPosition    = newError(KindValidation, "invalid_position", "position must be YES or NO")
	ErrInvalidOutcome     = newError(KindValidation, "invalid_outcome", "invalid outcome")
	ErrInvalidQuestion    = newError(KindValidation, "invalid_question", "question does not satisfy content policy")
	ErrExpiryTooSoon      = newError(KindValidation, "expiry_too_soon", "expiration is earlier than the minimum lead time")
	ErrInvalidResolution  = newError(KindValidation, "invalid_resolution", "invalid resolution configuration")
	ErrInvalidPaymentRef  = newError(KindValidation, "invalid_payment_ref", "payment reference is required")
	ErrInvalidReference   = newError(KindValidation, "invalid_reference", "bettor, voter or creator reference is required")
	ErrPaymentUnconfirmed = newError(KindValidation, "payment_unconfirmed", "payment reference is not confirmed")
	ErrInvalidPlatform    = newError(KindValidation, "invalid_platform", "unknown platform")

	// State conflicts
	ErrMarketNotOpen      = newError(KindStateConflict, "market_not_open", "market is not open")
	ErrMarketExpired      = newError(KindStateConflict, "market_expired", "market has expired")
	ErrMarketNotExpired   = newError(KindStateConflict, "market_not_expired", "market has not expired yet")
	ErrMarketNotLocked    = newError(KindStateConflict, "market_not_locked", "market is not locked")
	ErrMarketNotSettled   = newError(KindStateConflict, "market_not_settled", "market is not settled")
	ErrMarketDisputed     = newError(KindStateConflict, "market_disputed", "market is disputed and awaits arbitration")
	ErrAlreadySettled     = newError(KindStateConflict, "already_settled", "market is already settled")
	ErrAlreadySettledBet  = newError(KindStateConflict, "already_settled_bet", "bet is already settled")
	ErrArbiterRequired    = newError(KindStateConflict, "arbiter_required", "market requires a manual arbiter")
	ErrNotCommunityMarket = newError(KindStateConflict, "not_community_market", "market is not resolved by community vote")
	ErrNotArbitrable      = newError(KindStateConflict, "not_arbitrable", "market is not awaiting arbitration")
	ErrStatusConflict     = newError(KindStateConflict, "status_conflict", "market status changed concurrently")
	ErrMarketBusy         = newError(KindStateConflict, "market_busy", "market is being mutated, retry shortly")
	ErrLockHeld           = newError(KindStateConflict, "lock_held", "lock already held")

	// Duplicates
	ErrDuplicatePaymentRef = newError(KindDuplicate, "duplicate_payment_ref", "payment reference already recorded")
	ErrDuplicateVote       = newError(KindDuplicate, "duplicate_vote", "voter already voted on this market")
	ErrAlreadyExists       = newError(KindDuplicate, "already_exists", "already exists")

	// Lookups
	ErrNotFound = newError(KindNotFound, "not_found", "not found")

	// External dependencies
	ErrOracleUnavailable  = newError(KindExternalDependency, "oracle_unavailable", "oracle query failed")
	ErrPaymentCheckFailed = newError(KindExternalDependency, "payment_check_failed", "payment confirmation failed")
	ErrRateLimited        = newError(KindExternalDependency, "rate_limited", "rate limited")

	// Internal
	ErrInvariantViolation = newError(KindInvariantViolation, "invariant_violation", "ledger invariant violated")
)

// KindOf returns the kind of the first classified error in err's chain, or
// KindInternal when none is found.
func KindOf(err error) ErrorKind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindInternal
}

// CodeOf returns the machine-readable code of the first classified error in
// err's chain, or "internal".
func CodeOf(err error) string {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return "internal"
}
