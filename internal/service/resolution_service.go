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
)

// OracleRegistry resolves a market's oracle source string to a queryable
// source. *oracle.Registry satisfies it.
type OracleRegistry interface {
	OracleValidator
	Lookup(source string) (domain.OracleSource, error)
}

// Settler applies payouts for a settled market. *SettlementService satisfies
// it.
type Settler interface {
	SettleMarket(ctx context.Context, marketID string) (domain.SettlementSummary, error)
}

// ResolutionPolicy tunes locking and resolution.
type ResolutionPolicy struct {
	Lock          LockPolicy
	OracleTimeout time.Duration
	// VoteWindow is how long after expiry community markets stay open to votes
	// before the sweeper tallies them.
	VoteWindow time.Duration
	SweepBatch int
	Now        func() time.Time
}

// CastVoteRequest is the input to CastVote.
type CastVoteRequest struct {
	MarketID string
	VoterID  string
	Outcome  domain.Outcome
	Stake    decimal.Decimal
}

// ResolutionService drives markets from open through locked to settled or
// disputed.
type ResolutionService struct {
	markets  domain.MarketStore
	votes    domain.VoteStore
	logs     domain.OracleLogStore
	cache    domain.MarketCache
	oracles  OracleRegistry
	settler  Settler
	notifier Notifier
	locker   marketLocker
	pub      publisher
	policy   ResolutionPolicy
	now      func() time.Time
	logger   *slog.Logger
}

// NewResolutionService creates a ResolutionService. cache, bus, audit,
// oracles, settler and notifier may be nil.
func NewResolutionService(
	markets domain.MarketStore,
	votes domain.VoteStore,
	logs domain.OracleLogStore,
	locks domain.LockManager,
	cache domain.MarketCache,
	bus domain.SignalBus,
	audit domain.AuditStore,
	oracles OracleRegistry,
	settler Settler,
	notifier Notifier,
	policy ResolutionPolicy,
	logger *slog.Logger,
) *ResolutionService {
	logger = logger.With(slog.String("component", "resolution_service"))
	if policy.SweepBatch <= 0 {
		policy.SweepBatch = 100
	}
	return &ResolutionService{
		markets:  markets,
		votes:    votes,
		logs:     logs,
		cache:    cache,
		oracles:  oracles,
		settler:  settler,
		notifier: notifier,
		locker:   marketLocker{locks: locks, policy: policy.Lock},
		pub:      publisher{bus: bus, audit: audit, logger: logger},
		policy:   policy,
		now:      nowFunc(policy.Now),
		logger:   logger,
	}
}

// LockMarket closes an expired open market to new bets. Locking an already
// locked market is a no-op.
func (s *ResolutionService) LockMarket(ctx context.Context, id string) (domain.Market, error) {
	var m domain.Market
	var changed bool
	err := s.locker.do(ctx, id, func() error {
		cur, err := s.markets.GetByID(ctx, id)
		if err != nil {
			return err
		}
		switch cur.Status {
		case domain.MarketStatusLocked:
			m = cur
			return nil
		case domain.MarketStatusOpen:
			m, changed, err = s.lockIfExpired(ctx, cur)
			return err
		default:
			return domain.ErrMarketNotOpen
		}
	})
	if err != nil {
		return domain.Market{}, fmt.Errorf("resolution_service: lock market %s: %w", id, err)
	}
	if changed {
		s.afterLock(ctx, m)
	}
	return m, nil
}

// lockIfExpired moves an open market to locked. It must run under the market
// lock.
func (s *ResolutionService) lockIfExpired(ctx context.Context, m domain.Market) (domain.Market, bool, error) {
	if !m.Expired(s.now()) {
		return m, false, domain.ErrMarketNotExpired
	}
	locked, err := s.markets.Transition(ctx, m.ID, domain.MarketTransition{
		From: []domain.MarketStatus{domain.MarketStatusOpen},
		To:   domain.MarketStatusLocked,
	})
	if err != nil {
		return m, false, err
	}
	return locked, true, nil
}

func (s *ResolutionService) afterLock(ctx context.Context, m domain.Market) {
	invalidate(ctx, s.cache, s.logger, m.ID)
	s.logger.InfoContext(ctx, "market locked",
		slog.String("market_id", m.ID),
		slog.String("yes_pool", m.YesVolume.String()),
		slog.String("no_pool", m.NoVolume.String()),
	)
	s.pub.emit(ctx, marketEvent(domain.EventMarketLocked, m, s.now()))
	s.pub.record(ctx, domain.EventMarketLocked, map[string]any{"market_id": m.ID})
}

// LockExpiredMarkets locks every open market past its expiration and returns
// how many it transitioned.
func (s *ResolutionService) LockExpiredMarkets(ctx context.Context) (int, error) {
	expired, err := s.markets.ListExpiredOpen(ctx, s.now(), s.policy.SweepBatch)
	if err != nil {
		return 0, fmt.Errorf("resolution_service: list expired markets: %w", err)
	}

	count := 0
	for _, em := range expired {
		if err := ctx.Err(); err != nil {
			return count, err
		}
		var m domain.Market
		var changed bool
		err := s.locker.do(ctx, em.ID, func() error {
			cur, err := s.markets.GetByID(ctx, em.ID)
			if err != nil {
				return err
			}
			if cur.Status != domain.MarketStatusOpen {
				return nil
			}
			m, changed, err = s.lockIfExpired(ctx, cur)
			return err
		})
		if err != nil {
			s.logger.WarnContext(ctx, "lock expired market failed",
				slog.String("market_id", em.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if changed {
			s.afterLock(ctx, m)
			count++
		}
	}
	return count, nil
}

// ResolveMarket determines the outcome of a locked oracle or community
// market. An expired open market is locked first. A settled market is
// returned together with ErrAlreadySettled.
func (s *ResolutionService) ResolveMarket(ctx context.Context, id string) (domain.Market, error) {
	var m, lockedM domain.Market
	var locked bool
	err := s.locker.do(ctx, id, func() error {
		cur, err := s.markets.GetByID(ctx, id)
		if err != nil {
			return err
		}
		switch cur.Status {
		case domain.MarketStatusSettled:
			m = cur
			return domain.ErrAlreadySettled
		case domain.MarketStatusDisputed:
			m = cur
			return domain.ErrMarketDisputed
		case domain.MarketStatusOpen:
			if cur, locked, err = s.lockIfExpired(ctx, cur); err != nil {
				return err
			}
			lockedM = cur
		}

		var outcome domain.Outcome
		var reason string
		switch cur.ResolutionType {
		case domain.ResolutionManual:
			m = cur
			return domain.ErrArbiterRequired
		case domain.ResolutionOracle:
			outcome, reason, err = s.queryOracle(ctx, cur)
		case domain.ResolutionCommunity:
			outcome, reason, err = s.tally(ctx, cur)
		default:
			err = fmt.Errorf("resolution type %q: %w", cur.ResolutionType, domain.ErrInvalidResolution)
		}
		if err != nil {
			m = cur
			return err
		}

		if outcome == "" {
			m, err = s.dispute(ctx, cur, reason)
			return err
		}
		m, err = s.settle(ctx, cur, outcome)
		return err
	})
	if locked {
		s.afterLock(ctx, lockedM)
	}
	if err != nil {
		if errors.Is(err, domain.ErrAlreadySettled) {
			return m, fmt.Errorf("resolution_service: resolve market %s: %w", id, err)
		}
		return domain.Market{}, fmt.Errorf("resolution_service: resolve market %s: %w", id, err)
	}
	s.afterResolve(ctx, m)
	return m, nil
}

// ResolvePending resolves locked oracle markets and community markets whose
// vote window has closed. Manual markets wait for an arbiter.
func (s *ResolutionService) ResolvePending(ctx context.Context) (int, error) {
	locked, err := s.markets.List(ctx, domain.MarketFilter{
		Status:   domain.MarketStatusLocked,
		ListOpts: domain.ListOpts{Limit: s.policy.SweepBatch},
	})
	if err != nil {
		return 0, fmt.Errorf("resolution_service: list locked markets: %w", err)
	}

	now := s.now()
	count := 0
	for _, m := range locked {
		if err := ctx.Err(); err != nil {
			return count, err
		}
		switch m.ResolutionType {
		case domain.ResolutionManual:
			continue
		case domain.ResolutionCommunity:
			if now.Before(m.ExpiresAt.Add(s.policy.VoteWindow)) {
				continue
			}
		}
		if _, err := s.ResolveMarket(ctx, m.ID); err != nil {
			s.logger.WarnContext(ctx, "resolve market failed",
				slog.String("market_id", m.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		count++
	}
	return count, nil
}

// queryOracle asks the market's oracle source and appends the attempt to the
// oracle log. An empty outcome means the market must be disputed for reason.
func (s *ResolutionService) queryOracle(ctx context.Context, m domain.Market) (domain.Outcome, string, error) {
	entry := domain.OracleLog{
		ID:        uuid.NewString(),
		MarketID:  m.ID,
		Source:    m.OracleSource,
		QueriedAt: s.now().Truncate(time.Microsecond),
	}

	var outcome domain.Outcome
	var reason string
	if s.oracles == nil {
		reason = "no oracle sources configured"
		entry.Error = reason
	} else if src, err := s.oracles.Lookup(m.OracleSource); err != nil {
		reason = fmt.Sprintf("oracle source %q unavailable", m.OracleSource)
		entry.Error = err.Error()
	} else {
		qctx := ctx
		if s.policy.OracleTimeout > 0 {
			var cancel context.CancelFunc
			qctx, cancel = context.WithTimeout(ctx, s.policy.OracleTimeout)
			defer cancel()
		}
		res, err := src.Query(qctx, m)
		entry.Result = domain.RawPayload(res.Raw)
		switch {
		case err != nil:
			reason = "oracle query failed"
			entry.Error = err.Error()
		case res.Outcome.Decisive():
			outcome = res.Outcome
			entry.Outcome = &outcome
		default:
			reason = "oracle result ambiguous"
		}
	}

	if s.logs != nil {
		if err := s.logs.Append(ctx, entry); err != nil {
			return "", "", fmt.Errorf("append oracle log: %w", err)
		}
	}
	s.logger.InfoContext(ctx, "oracle queried",
		slog.String("market_id", m.ID),
		slog.String("source", m.OracleSource),
		slog.String("outcome", string(outcome)),
		slog.String("error", entry.Error),
	)
	return outcome, reason, nil
}

// tally sums vote stakes per outcome. A tie, including no votes at all, has
// no outcome.
func (s *ResolutionService) tally(ctx context.Context, m domain.Market) (domain.Outcome, string, error) {
	votes, err := s.votes.ListByMarket(ctx, m.ID)
	if err != nil {
		return "", "", fmt.Errorf("list votes: %w", err)
	}
	yes, no := decimal.Zero, decimal.Zero
	for _, v := range votes {
		switch v.Outcome {
		case domain.OutcomeYes:
			yes = yes.Add(v.Stake)
		case domain.OutcomeNo:
			no = no.Add(v.Stake)
		}
	}
	switch yes.Cmp(no) {
	case 1:
		return domain.OutcomeYes, "", nil
	case -1:
		return domain.OutcomeNo, "", nil
	}
	if len(votes) == 0 {
		return "", "community vote received no votes", nil
	}
	return "", fmt.Sprintf("community vote tied at %s", yes), nil
}

func (s *ResolutionService) settle(ctx context.Context, m domain.Market, outcome domain.Outcome) (domain.Market, error) {
	at := s.now().Truncate(time.Microsecond)
	return s.markets.Transition(ctx, m.ID, domain.MarketTransition{
		From:      []domain.MarketStatus{domain.MarketStatusLocked, domain.MarketStatusDisputed},
		To:        domain.MarketStatusSettled,
		Outcome:   &outcome,
		SettledAt: &at,
	})
}

func (s *ResolutionService) dispute(ctx context.Context, m domain.Market, reason string) (domain.Market, error) {
	if reason == "" {
		reason = "disputed"
	}
	return s.markets.Transition(ctx, m.ID, domain.MarketTransition{
		From:          []domain.MarketStatus{domain.MarketStatusLocked},
		To:            domain.MarketStatusDisputed,
		DisputeReason: reason,
	})
}

// afterResolve publishes the new state and, for settled markets, applies
// payouts. Settlement errors are logged; the sweeper retries them.
func (s *ResolutionService) afterResolve(ctx context.Context, m domain.Market) {
	invalidate(ctx, s.cache, s.logger, m.ID)
	now := s.now()

	if m.Status == domain.MarketStatusDisputed {
		s.logger.WarnContext(ctx, "market disputed",
			slog.String("market_id", m.ID),
			slog.String("reason", m.DisputeReason),
		)
		s.pub.emit(ctx, marketEvent(domain.EventMarketDisputed, m, now))
		s.pub.record(ctx, domain.EventMarketDisputed, map[string]any{
			"market_id": m.ID,
			"reason":    m.DisputeReason,
		})
		alert(ctx, s.notifier, s.logger, domain.EventMarketDisputed, "Market disputed",
			fmt.Sprintf("%s\n%s\nreason: %s", m.ID, m.Question, m.DisputeReason))
		return
	}

	outcome := string(*m.Outcome)
	s.logger.InfoContext(ctx, "market settled",
		slog.String("market_id", m.ID),
		slog.String("outcome", outcome),
	)
	s.pub.emit(ctx, marketEvent(domain.EventMarketSettled, m, now))
	s.pub.record(ctx, domain.EventMarketSettled, map[string]any{
		"market_id": m.ID,
		"outcome":   outcome,
	})
	alert(ctx, s.notifier, s.logger, domain.EventMarketSettled, "Market settled",
		fmt.Sprintf("%s\n%s\noutcome: %s", m.ID, m.Question, outcome))

	if s.settler == nil {
		return
	}
	if _, err := s.settler.SettleMarket(ctx, m.ID); err != nil {
		s.logger.ErrorContext(ctx, "settlement after resolution failed",
			slog.String("market_id", m.ID),
			slog.String("error", err.Error()),
		)
	}
}

// ArbitrateMarket applies an arbiter's outcome to a disputed market, or to a
// locked manual market. An expired open manual market is locked first.
func (s *ResolutionService) ArbitrateMarket(ctx context.Context, id string, outcome domain.Outcome) (domain.Market, error) {
	if !outcome.Valid() {
		return domain.Market{}, fmt.Errorf("outcome %q: %w", outcome, domain.ErrInvalidOutcome)
	}

	var m, lockedM domain.Market
	var locked bool
	err := s.locker.do(ctx, id, func() error {
		cur, err := s.markets.GetByID(ctx, id)
		if err != nil {
			return err
		}
		switch cur.Status {
		case domain.MarketStatusSettled:
			m = cur
			return domain.ErrAlreadySettled
		case domain.MarketStatusDisputed:
		case domain.MarketStatusLocked:
			if cur.ResolutionType != domain.ResolutionManual {
				return domain.ErrNotArbitrable
			}
		case domain.MarketStatusOpen:
			if cur.ResolutionType != domain.ResolutionManual {
				return domain.ErrNotArbitrable
			}
			if cur, locked, err = s.lockIfExpired(ctx, cur); err != nil {
				return err
			}
			lockedM = cur
		}
		m, err = s.settle(ctx, cur, outcome)
		return err
	})
	if locked {
		s.afterLock(ctx, lockedM)
	}
	if err != nil {
		if errors.Is(err, domain.ErrAlreadySettled) {
			return m, fmt.Errorf("resolution_service: arbitrate market %s: %w", id, err)
		}
		return domain.Market{}, fmt.Errorf("resolution_service: arbitrate market %s: %w", id, err)
	}
	s.afterResolve(ctx, m)
	return m, nil
}

// DisputeMarket contests a locked market before it settles. Disputing an
// already disputed market returns it unchanged.
func (s *ResolutionService) DisputeMarket(ctx context.Context, id, reason string) (domain.Market, error) {
	reason = strings.TrimSpace(reason)
	var m domain.Market
	var changed bool
	err := s.locker.do(ctx, id, func() error {
		cur, err := s.markets.GetByID(ctx, id)
		if err != nil {
			return err
		}
		switch cur.Status {
		case domain.MarketStatusDisputed:
			m = cur
			return nil
		case domain.MarketStatusSettled:
			return domain.ErrAlreadySettled
		case domain.MarketStatusOpen:
			return domain.ErrMarketNotLocked
		}
		m, err = s.dispute(ctx, cur, reason)
		changed = err == nil
		return err
	})
	if err != nil {
		return domain.Market{}, fmt.Errorf("resolution_service: dispute market %s: %w", id, err)
	}
	if changed {
		s.afterResolve(ctx, m)
	}
	return m, nil
}

// CastVote records a stake-weighted vote on a locked community market. An
// expired open market is locked first.
func (s *ResolutionService) CastVote(ctx context.Context, req CastVoteRequest) (domain.Vote, error) {
	if !req.Outcome.Decisive() {
		return domain.Vote{}, fmt.Errorf("vote outcome %q: %w", req.Outcome, domain.ErrInvalidOutcome)
	}
	if err := domain.CheckAmount(req.Stake); err != nil {
		return domain.Vote{}, err
	}
	voter := strings.TrimSpace(req.VoterID)
	if voter == "" {
		return domain.Vote{}, fmt.Errorf("voter: %w", domain.ErrInvalidReference)
	}

	var v domain.Vote
	var m domain.Market
	var locked bool
	err := s.locker.do(ctx, req.MarketID, func() error {
		cur, err := s.markets.GetByID(ctx, req.MarketID)
		if err != nil {
			return err
		}
		if cur.ResolutionType != domain.ResolutionCommunity {
			return domain.ErrNotCommunityMarket
		}
		if cur.Status == domain.MarketStatusOpen && cur.Expired(s.now()) {
			if cur, locked, err = s.lockIfExpired(ctx, cur); err != nil {
				return err
			}
			m = cur
		}
		if cur.Status != domain.MarketStatusLocked {
			return domain.ErrMarketNotLocked
		}
		v = domain.Vote{
			ID:       uuid.NewString(),
			MarketID: cur.ID,
			VoterID:  voter,
			Outcome:  req.Outcome,
			Stake:    req.Stake,
			VotedAt:  s.now().Truncate(time.Microsecond),
		}
		return s.votes.Cast(ctx, v)
	})
	if locked {
		s.afterLock(ctx, m)
	}
	if err != nil {
		return domain.Vote{}, fmt.Errorf("resolution_service: cast vote on %s: %w", req.MarketID, err)
	}

	s.logger.InfoContext(ctx, "vote cast",
		slog.String("market_id", v.MarketID),
		slog.String("voter_id", v.VoterID),
		slog.String("outcome", string(v.Outcome)),
	)
	s.pub.emit(ctx, domain.MarketEvent{
		Type:     domain.EventVoteCast,
		MarketID: v.MarketID,
		Status:   string(domain.MarketStatusLocked),
		Outcome:  string(v.Outcome),
		Amount:   v.Stake.String(),
		At:       v.VotedAt,
	})
	s.pub.record(ctx, domain.EventVoteCast, map[string]any{
		"market_id": v.MarketID,
		"voter_id":  v.VoterID,
		"outcome":   string(v.Outcome),
		"stake":     v.Stake.String(),
	})
	return v, nil
}

// ListVotes returns the market's votes in casting order.
func (s *ResolutionService) ListVotes(ctx context.Context, marketID string) ([]domain.Vote, error) {
	if _, err := s.markets.GetByID(ctx, marketID); err != nil {
		return nil, fmt.Errorf("resolution_service: get market %s: %w", marketID, err)
	}
	votes, err := s.votes.ListByMarket(ctx, marketID)
	if err != nil {
		return nil, fmt.Errorf("resolution_service: list votes %s: %w", marketID, err)
	}
	return votes, nil
}

// ListOracleLogs returns the market's oracle query history.
func (s *ResolutionService) ListOracleLogs(ctx context.Context, marketID string) ([]domain.OracleLog, error) {
	if _, err := s.markets.GetByID(ctx, marketID); err != nil {
		return nil, fmt.Errorf("resolution_service: get market %s: %w", marketID, err)
	}
	if s.logs == nil {
		return nil, nil
	}
	logs, err := s.logs.ListByMarket(ctx, marketID)
	if err != nil {
		return nil, fmt.Errorf("resolution_service: list oracle logs %s: %w", marketID, err)
	}
	return logs, nil
}
