package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/predictpool/internal/domain"
	"github.com/alanyoungcy/predictpool/internal/pool"
)

// BetPolicy holds bet placement limits.
type BetPolicy struct {
	MinBet decimal.Decimal
	MaxBet decimal.Decimal
	// ConfirmTimeout bounds the payment verifier call.
	ConfirmTimeout time.Duration
	Lock           LockPolicy
	Now            func() time.Time
}

// PlaceBetRequest is the input to PlaceBet.
type PlaceBetRequest struct {
	MarketID   string
	BettorID   string
	Position   domain.Position
	Amount     decimal.Decimal
	PaymentRef string
}

// BetService places bets. Each placement is priced against the pools as
// observed inside the market's atomic unit, then committed with the pool
// increment. Bets are final once committed.
type BetService struct {
	markets  domain.MarketStore
	bets     domain.BetStore
	cache    domain.MarketCache
	verifier domain.PaymentVerifier
	locker   marketLocker
	pub      publisher
	policy   BetPolicy
	now      func() time.Time
	logger   *slog.Logger
}

// NewBetService creates a BetService. cache, bus, audit and verifier may be
// nil; without a verifier payment references are accepted as final.
func NewBetService(
	markets domain.MarketStore,
	bets domain.BetStore,
	locks domain.LockManager,
	cache domain.MarketCache,
	bus domain.SignalBus,
	audit domain.AuditStore,
	verifier domain.PaymentVerifier,
	policy BetPolicy,
	logger *slog.Logger,
) *BetService {
	logger = logger.With(slog.String("component", "bet_service"))
	return &BetService{
		markets:  markets,
		bets:     bets,
		cache:    cache,
		verifier: verifier,
		locker:   marketLocker{locks: locks, policy: policy.Lock},
		pub:      publisher{bus: bus, audit: audit, logger: logger},
		policy:   policy,
		now:      nowFunc(policy.Now),
		logger:   logger,
	}
}

func (s *BetService) checkRequest(req PlaceBetRequest) error {
	if err := domain.CheckAmount(req.Amount); err != nil {
		return err
	}
	if !s.policy.MinBet.IsZero() && req.Amount.LessThan(s.policy.MinBet) {
		return fmt.Errorf("amount %s below minimum %s: %w", req.Amount, s.policy.MinBet, domain.ErrAmountOutOfRange)
	}
	if !s.policy.MaxBet.IsZero() && req.Amount.GreaterThan(s.policy.MaxBet) {
		return fmt.Errorf("amount %s above maximum %s: %w", req.Amount, s.policy.MaxBet, domain.ErrAmountOutOfRange)
	}
	if !req.Position.Valid() {
		return domain.ErrInvalidPosition
	}
	if strings.TrimSpace(req.BettorID) == "" {
		return fmt.Errorf("bettor: %w", domain.ErrInvalidReference)
	}
	if strings.TrimSpace(req.PaymentRef) == "" {
		return domain.ErrInvalidPaymentRef
	}
	return nil
}

// PlaceBet validates and records a bet. Nothing is written unless every check
// passes; a failure at any step leaves the ledger untouched.
func (s *BetService) PlaceBet(ctx context.Context, req PlaceBetRequest) (domain.Bet, error) {
	if err := s.checkRequest(req); err != nil {
		return domain.Bet{}, err
	}
	req.PaymentRef = s.normalizeRef(req.PaymentRef)

	// Fail fast before touching the payment verifier or the lock. The same
	// checks are repeated inside the store transaction.
	m, err := s.markets.GetByID(ctx, req.MarketID)
	if err != nil {
		return domain.Bet{}, fmt.Errorf("bet_service: get market %s: %w", req.MarketID, err)
	}
	if err := checkOpen(m, s.now()); err != nil {
		return domain.Bet{}, err
	}
	if _, err := s.bets.GetByPaymentRef(ctx, req.PaymentRef); err == nil {
		return domain.Bet{}, domain.ErrDuplicatePaymentRef
	} else if !errors.Is(err, domain.ErrNotFound) {
		return domain.Bet{}, fmt.Errorf("bet_service: check payment ref: %w", err)
	}

	if err := s.confirmPayment(ctx, req); err != nil {
		return domain.Bet{}, err
	}

	var bet domain.Bet
	var after domain.Market
	err = s.locker.do(ctx, req.MarketID, func() error {
		var err error
		bet, after, err = s.bets.Place(ctx, req.MarketID, func(cur domain.Market) (domain.Bet, error) {
			now := s.now()
			if err := checkOpen(cur, now); err != nil {
				return domain.Bet{}, err
			}
			q, err := pool.Quote(cur, req.Position, req.Amount)
			if err != nil {
				return domain.Bet{}, err
			}
			return domain.Bet{
				ID:              uuid.NewString(),
				MarketID:        cur.ID,
				BettorID:        strings.TrimSpace(req.BettorID),
				Position:        req.Position,
				Amount:          req.Amount,
				Odds:            q.Odds,
				PotentialPayout: q.PotentialPayout,
				PaymentRef:      req.PaymentRef,
				PlacedAt:        now.Truncate(time.Microsecond),
			}, nil
		})
		return err
	})
	if err != nil {
		return domain.Bet{}, fmt.Errorf("bet_service: place bet on %s: %w", req.MarketID, err)
	}

	invalidate(ctx, s.cache, s.logger, req.MarketID)
	s.logger.InfoContext(ctx, "bet placed",
		slog.String("market_id", req.MarketID),
		slog.String("bet_id", bet.ID),
		slog.String("position", string(bet.Position)),
		slog.String("amount", bet.Amount.String()),
		slog.String("odds", bet.Odds.String()),
	)
	ev := marketEvent(domain.EventBetPlaced, after, bet.PlacedAt)
	ev.BetID = bet.ID
	ev.Position = string(bet.Position)
	ev.Amount = bet.Amount.String()
	s.pub.emit(ctx, ev)
	s.pub.record(ctx, domain.EventBetPlaced, map[string]any{
		"market_id":   req.MarketID,
		"bet_id":      bet.ID,
		"bettor_id":   bet.BettorID,
		"position":    string(bet.Position),
		"amount":      bet.Amount.String(),
		"odds":        bet.Odds.String(),
		"payment_ref": bet.PaymentRef,
	})
	return bet, nil
}

// normalizeRef is applied before the duplicate check so that one external
// payment maps to exactly one stored reference.
func (s *BetService) normalizeRef(ref string) string {
	ref = strings.TrimSpace(ref)
	if s.verifier == nil {
		return ref
	}
	return s.verifier.Normalize(ref)
}

func (s *BetService) confirmPayment(ctx context.Context, req PlaceBetRequest) error {
	if s.verifier == nil {
		return nil
	}
	cctx := ctx
	if s.policy.ConfirmTimeout > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(ctx, s.policy.ConfirmTimeout)
		defer cancel()
	}
	err := s.verifier.Confirm(cctx, req.PaymentRef, req.BettorID, req.Amount)
	switch {
	case err == nil:
		return nil
	case domain.KindOf(err) == domain.KindValidation:
		return err
	case ctx.Err() != nil:
		return ctx.Err()
	default:
		s.logger.WarnContext(ctx, "payment confirmation failed",
			slog.String("payment_ref", req.PaymentRef),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("%v: %w", err, domain.ErrPaymentCheckFailed)
	}
}

func checkOpen(m domain.Market, now time.Time) error {
	if m.Status != domain.MarketStatusOpen {
		return domain.ErrMarketNotOpen
	}
	if m.Expired(now) {
		return domain.ErrMarketExpired
	}
	return nil
}
