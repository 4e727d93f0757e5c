package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/predictpool/internal/domain"
	"github.com/alanyoungcy/predictpool/internal/pool"
)

// Platforms a market may originate from.
var knownPlatforms = map[string]bool{
	"farcaster": true,
	"telegram":  true,
	"discord":   true,
	"twitch":    true,
}

// OracleValidator checks an oracle source and condition at market creation.
type OracleValidator interface {
	Validate(source, condition string) error
}

// MarketPolicy holds market creation rules.
type MarketPolicy struct {
	MinQuestionLen      int
	MaxQuestionLen      int
	RequireQuestionMark bool
	MinLead             time.Duration
	Now                 func() time.Time
}

// CreateMarketRequest is the input to CreateMarket.
type CreateMarketRequest struct {
	Question        string
	CreatorID       string
	ExpiresAt       time.Time
	ResolutionType  domain.ResolutionType
	OracleSource    string
	OracleCondition string
	Platform        string
	ChatID          string
}

// MarketService creates markets and serves market, quote and bettor reads.
type MarketService struct {
	markets domain.MarketStore
	bets    domain.BetStore
	bettors domain.BettorStore
	cache   domain.MarketCache
	oracles OracleValidator
	pub     publisher
	policy  MarketPolicy
	now     func() time.Time
	logger  *slog.Logger
}

// NewMarketService creates a MarketService. cache, bus, audit and oracles may
// be nil.
func NewMarketService(
	markets domain.MarketStore,
	bets domain.BetStore,
	bettors domain.BettorStore,
	cache domain.MarketCache,
	bus domain.SignalBus,
	audit domain.AuditStore,
	oracles OracleValidator,
	policy MarketPolicy,
	logger *slog.Logger,
) *MarketService {
	logger = logger.With(slog.String("component", "market_service"))
	if policy.MinQuestionLen <= 0 {
		policy.MinQuestionLen = 10
	}
	if policy.MaxQuestionLen <= 0 {
		policy.MaxQuestionLen = 200
	}
	return &MarketService{
		markets: markets,
		bets:    bets,
		bettors: bettors,
		cache:   cache,
		oracles: oracles,
		pub:     publisher{bus: bus, audit: audit, logger: logger},
		policy:  policy,
		now:     nowFunc(policy.Now),
		logger:  logger,
	}
}

// CreateMarket validates req and stores a new open market with empty pools.
func (s *MarketService) CreateMarket(ctx context.Context, req CreateMarketRequest) (domain.Market, error) {
	now := s.now()
	if err := s.validate(req, now); err != nil {
		return domain.Market{}, err
	}

	m := domain.Market{
		ID:              uuid.NewString(),
		Question:        strings.TrimSpace(req.Question),
		CreatorID:       strings.TrimSpace(req.CreatorID),
		Platform:        req.Platform,
		ChatID:          req.ChatID,
		ResolutionType:  req.ResolutionType,
		OracleSource:    req.OracleSource,
		OracleCondition: strings.TrimSpace(req.OracleCondition),
		ExpiresAt:       req.ExpiresAt.UTC().Truncate(time.Microsecond),
		YesVolume:       decimal.Zero,
		NoVolume:        decimal.Zero,
		Status:          domain.MarketStatusOpen,
		CreatedAt:       now.Truncate(time.Microsecond),
		UpdatedAt:       now.Truncate(time.Microsecond),
	}
	if err := s.markets.Create(ctx, m); err != nil {
		return domain.Market{}, fmt.Errorf("market_service: create market: %w", err)
	}

	s.logger.InfoContext(ctx, "market created",
		slog.String("market_id", m.ID),
		slog.String("resolution_type", string(m.ResolutionType)),
		slog.Time("expires_at", m.ExpiresAt),
	)
	s.pub.emit(ctx, marketEvent(domain.EventMarketCreated, m, now))
	s.pub.record(ctx, domain.EventMarketCreated, map[string]any{
		"market_id":       m.ID,
		"creator_id":      m.CreatorID,
		"resolution_type": string(m.ResolutionType),
		"expires_at":      m.ExpiresAt,
	})
	return m, nil
}

func (s *MarketService) validate(req CreateMarketRequest, now time.Time) error {
	q := strings.TrimSpace(req.Question)
	n := utf8.RuneCountInString(q)
	if n < s.policy.MinQuestionLen || n > s.policy.MaxQuestionLen {
		return fmt.Errorf("question must be %d-%d characters: %w",
			s.policy.MinQuestionLen, s.policy.MaxQuestionLen, domain.ErrInvalidQuestion)
	}
	if s.policy.RequireQuestionMark && !strings.Contains(q, "?") {
		return fmt.Errorf("question must contain '?': %w", domain.ErrInvalidQuestion)
	}
	if strings.TrimSpace(req.CreatorID) == "" {
		return fmt.Errorf("creator: %w", domain.ErrInvalidReference)
	}
	if req.Platform != "" && !knownPlatforms[req.Platform] {
		return fmt.Errorf("platform %q: %w", req.Platform, domain.ErrInvalidPlatform)
	}
	if req.ExpiresAt.Before(now.Add(s.policy.MinLead)) {
		return fmt.Errorf("expires_at must be at least %s ahead: %w", s.policy.MinLead, domain.ErrExpiryTooSoon)
	}
	if !req.ResolutionType.Valid() {
		return fmt.Errorf("resolution type %q: %w", req.ResolutionType, domain.ErrInvalidResolution)
	}
	if req.ResolutionType == domain.ResolutionOracle {
		if req.OracleSource == "" || s.oracles == nil {
			return fmt.Errorf("oracle markets need a registered source: %w", domain.ErrInvalidResolution)
		}
		if err := s.oracles.Validate(req.OracleSource, req.OracleCondition); err != nil {
			return fmt.Errorf("oracle %s: %v: %w", req.OracleSource, err, domain.ErrInvalidResolution)
		}
	}
	return nil
}

// GetMarket returns the market without bets, from the cache when possible.
func (s *MarketService) GetMarket(ctx context.Context, id string) (domain.Market, error) {
	if s.cache != nil {
		if m, err := s.cache.Get(ctx, id); err == nil {
			return m, nil
		}
	}

	m, err := s.markets.GetByID(ctx, id)
	if err != nil {
		return domain.Market{}, fmt.Errorf("market_service: get market %s: %w", id, err)
	}

	if s.cache != nil {
		s.fillCache(ctx, m)
	}
	return m, nil
}

// fillCache stores m and then re-reads the ledger. A bet that committed and
// invalidated between the first read and the Set would otherwise leave the
// older pools cached until the TTL.
func (s *MarketService) fillCache(ctx context.Context, m domain.Market) {
	if err := s.cache.Set(ctx, m); err != nil {
		s.logger.WarnContext(ctx, "cache set failed",
			slog.String("market_id", m.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	cur, err := s.markets.GetByID(ctx, m.ID)
	if err == nil && sameSnapshot(m, cur) {
		return
	}
	invalidate(ctx, s.cache, s.logger, m.ID)
}

func sameSnapshot(a, b domain.Market) bool {
	return a.Status == b.Status &&
		a.YesVolume.Equal(b.YesVolume) &&
		a.NoVolume.Equal(b.NoVolume)
}

// GetMarketWithBets returns the market read from the ledger with its bets in
// placement order.
func (s *MarketService) GetMarketWithBets(ctx context.Context, id string) (domain.Market, error) {
	m, err := s.markets.GetByID(ctx, id)
	if err != nil {
		return domain.Market{}, fmt.Errorf("market_service: get market %s: %w", id, err)
	}
	bets, err := s.bets.ListByMarket(ctx, id)
	if err != nil {
		return domain.Market{}, fmt.Errorf("market_service: list bets %s: %w", id, err)
	}
	m.Bets = bets
	return m, nil
}

// ListMarkets returns markets matching filter.
func (s *MarketService) ListMarkets(ctx context.Context, filter domain.MarketFilter) ([]domain.Market, error) {
	markets, err := s.markets.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("market_service: list markets: %w", err)
	}
	return markets, nil
}

// Quote prices a prospective bet against the market's current pools.
func (s *MarketService) Quote(ctx context.Context, id string, pos domain.Position, amount decimal.Decimal) (domain.Quote, error) {
	if !pos.Valid() {
		return domain.Quote{}, domain.ErrInvalidPosition
	}
	if err := domain.CheckAmount(amount); err != nil {
		return domain.Quote{}, err
	}
	m, err := s.markets.GetByID(ctx, id)
	if err != nil {
		return domain.Quote{}, fmt.Errorf("market_service: get market %s: %w", id, err)
	}
	return pool.Quote(m, pos, amount)
}

// GetBettor returns the bettor's aggregate statistics. A bettor with no bets
// yields zero stats rather than NotFound.
func (s *MarketService) GetBettor(ctx context.Context, id string) (domain.Bettor, error) {
	b, err := s.bettors.Get(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.Bettor{ID: id, TotalStaked: decimal.Zero, TotalWinnings: decimal.Zero}, nil
	}
	if err != nil {
		return domain.Bettor{}, fmt.Errorf("market_service: get bettor %s: %w", id, err)
	}
	return b, nil
}

// ListBettorBets returns the bettor's bets, newest first.
func (s *MarketService) ListBettorBets(ctx context.Context, id string, opts domain.ListOpts) ([]domain.Bet, error) {
	bets, err := s.bets.ListByBettor(ctx, id, opts)
	if err != nil {
		return nil, fmt.Errorf("market_service: list bets for bettor %s: %w", id, err)
	}
	return bets, nil
}

// Stats returns ledger-wide market and bet totals.
func (s *MarketService) Stats(ctx context.Context) (domain.MarketStats, error) {
	st, err := s.markets.Stats(ctx)
	if err != nil {
		return domain.MarketStats{}, fmt.Errorf("market_service: stats: %w", err)
	}
	return st, nil
}

// ListBettors returns bettor aggregates.
func (s *MarketService) ListBettors(ctx context.Context, opts domain.ListOpts) ([]domain.Bettor, error) {
	out, err := s.bettors.List(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("market_service: list bettors: %w", err)
	}
	return out, nil
}
