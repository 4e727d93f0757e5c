package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/predictpool/internal/domain"
	"github.com/alanyoungcy/predictpool/internal/pool"
)

// SettlementPolicy tunes payout writes.
type SettlementPolicy struct {
	Workers    int
	SweepBatch int
	// Retention is how long settled markets stay out of the batch archive.
	Retention time.Duration
	Lock      LockPolicy
	Now       func() time.Time
}

// SettlementService writes payouts for settled markets. Every write is
// conditional on the bet being unsettled, so re-running a settlement is safe.
type SettlementService struct {
	markets  domain.MarketStore
	bets     domain.BetStore
	cache    domain.MarketCache
	archiver domain.Archiver
	notifier Notifier
	locker   marketLocker
	pub      publisher
	policy   SettlementPolicy
	now      func() time.Time
	logger   *slog.Logger
}

// NewSettlementService creates a SettlementService. cache, bus, audit,
// archiver and notifier may be nil.
func NewSettlementService(
	markets domain.MarketStore,
	bets domain.BetStore,
	locks domain.LockManager,
	cache domain.MarketCache,
	bus domain.SignalBus,
	audit domain.AuditStore,
	archiver domain.Archiver,
	notifier Notifier,
	policy SettlementPolicy,
	logger *slog.Logger,
) *SettlementService {
	logger = logger.With(slog.String("component", "settlement_service"))
	if policy.Workers <= 0 {
		policy.Workers = 4
	}
	if policy.SweepBatch <= 0 {
		policy.SweepBatch = 100
	}
	return &SettlementService{
		markets:  markets,
		bets:     bets,
		cache:    cache,
		archiver: archiver,
		notifier: notifier,
		locker:   marketLocker{locks: locks, policy: policy.Lock},
		pub:      publisher{bus: bus, audit: audit, logger: logger},
		policy:   policy,
		now:      nowFunc(policy.Now),
		logger:   logger,
	}
}

// SettleMarket computes and writes every bet's payout for a settled market.
// Pool and payout invariants are checked before any write; a violation aborts
// the whole batch.
func (s *SettlementService) SettleMarket(ctx context.Context, id string) (domain.SettlementSummary, error) {
	var summary domain.SettlementSummary
	var m domain.Market
	err := s.locker.do(ctx, id, func() error {
		var err error
		m, err = s.markets.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if m.Status != domain.MarketStatusSettled || m.Outcome == nil {
			return domain.ErrMarketNotSettled
		}
		bets, err := s.bets.ListByMarket(ctx, id)
		if err != nil {
			return fmt.Errorf("list bets: %w", err)
		}

		if err := pool.CheckPools(m, bets); err != nil {
			s.violation(ctx, m, err)
			return err
		}
		dist, err := pool.ComputePayouts(*m.Outcome, bets)
		if err != nil {
			if errors.Is(err, domain.ErrInvariantViolation) {
				s.violation(ctx, m, err)
			}
			return err
		}

		settledAt := s.now().Truncate(time.Microsecond)
		if m.SettledAt != nil {
			settledAt = *m.SettledAt
		}
		summary = domain.SettlementSummary{
			MarketID:    m.ID,
			Outcome:     dist.Outcome,
			WinningPool: dist.WinningPool,
			LosingPool:  dist.LosingPool,
			TotalPaid:   dist.TotalPaid,
			Remainder:   dist.Remainder,
			Refunded:    dist.Refunded,
			SettledAt:   settledAt,
		}
		settled, already, err := s.write(ctx, bets, dist.Payouts, settledAt)
		summary.BetsSettled = settled
		summary.BetsAlreadySettled = already
		return err
	})
	if err != nil {
		return domain.SettlementSummary{}, fmt.Errorf("settlement_service: settle market %s: %w", id, err)
	}

	invalidate(ctx, s.cache, s.logger, id)
	s.logger.InfoContext(ctx, "settlement applied",
		slog.String("market_id", id),
		slog.String("outcome", string(summary.Outcome)),
		slog.String("total_paid", summary.TotalPaid.String()),
		slog.String("remainder", summary.Remainder.String()),
		slog.Int("bets_settled", summary.BetsSettled),
		slog.Int("bets_already_settled", summary.BetsAlreadySettled),
		slog.Bool("refunded", summary.Refunded),
	)
	if summary.BetsSettled > 0 {
		ev := marketEvent(domain.EventSettlementDone, m, s.now())
		ev.Amount = summary.TotalPaid.String()
		s.pub.emit(ctx, ev)
		s.pub.record(ctx, domain.EventSettlementDone, map[string]any{
			"market_id":            id,
			"outcome":              string(summary.Outcome),
			"total_paid":           summary.TotalPaid.String(),
			"remainder":            summary.Remainder.String(),
			"bets_settled":         summary.BetsSettled,
			"bets_already_settled": summary.BetsAlreadySettled,
			"refunded":             summary.Refunded,
		})
		s.archive(ctx, m, summary)
	}
	return summary, nil
}

// write applies payouts in parallel. Bets that already carry a payout are
// counted, not rewritten.
func (s *SettlementService) write(ctx context.Context, bets []domain.Bet, payouts []pool.Payout, at time.Time) (int, int, error) {
	var settled, already atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.policy.Workers)
	for i, p := range payouts {
		if bets[i].Settled() {
			already.Add(1)
			continue
		}
		g.Go(func() error {
			err := s.bets.Settle(gctx, domain.SettleBet{
				BetID:     p.BetID,
				BettorID:  p.BettorID,
				Payout:    p.Amount,
				Won:       p.Won,
				SettledAt: at,
			})
			switch {
			case err == nil:
				settled.Add(1)
				return nil
			case errors.Is(err, domain.ErrAlreadySettledBet):
				already.Add(1)
				return nil
			default:
				return fmt.Errorf("settle bet %s: %w", p.BetID, err)
			}
		})
	}
	err := g.Wait()
	return int(settled.Load()), int(already.Load()), err
}

func (s *SettlementService) violation(ctx context.Context, m domain.Market, err error) {
	s.logger.ErrorContext(ctx, "ledger invariant violated",
		slog.String("market_id", m.ID),
		slog.String("error", err.Error()),
	)
	ev := marketEvent(domain.EventInvariantViolation, m, s.now())
	ev.Detail = err.Error()
	s.pub.emit(ctx, ev)
	s.pub.record(ctx, domain.EventInvariantViolation, map[string]any{
		"market_id": m.ID,
		"error":     err.Error(),
	})
	alert(ctx, s.notifier, s.logger, domain.EventInvariantViolation, "Ledger invariant violated",
		fmt.Sprintf("%s\n%s", m.ID, err.Error()))
}

func (s *SettlementService) archive(ctx context.Context, m domain.Market, summary domain.SettlementSummary) {
	if s.archiver == nil {
		return
	}
	bets, err := s.bets.ListByMarket(ctx, m.ID)
	if err != nil {
		s.logger.WarnContext(ctx, "archive settlement: list bets failed",
			slog.String("market_id", m.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	m.Bets = bets
	if err := s.archiver.ArchiveSettlement(ctx, m, summary); err != nil {
		s.logger.WarnContext(ctx, "archive settlement failed",
			slog.String("market_id", m.ID),
			slog.String("error", err.Error()),
		)
	}
}

// SettlePending settles markets that are settled but still hold bets without
// a payout, e.g. after a crash between resolution and settlement.
func (s *SettlementService) SettlePending(ctx context.Context) (int, error) {
	ids, err := s.bets.ListUnsettledMarkets(ctx, s.policy.SweepBatch)
	if err != nil {
		return 0, fmt.Errorf("settlement_service: list unsettled markets: %w", err)
	}
	count := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return count, err
		}
		if _, err := s.SettleMarket(ctx, id); err != nil {
			s.logger.WarnContext(ctx, "pending settlement failed",
				slog.String("market_id", id),
				slog.String("error", err.Error()),
			)
			continue
		}
		count++
	}
	return count, nil
}

// ArchiveSettled writes markets settled before the retention window to the
// batch archive. It is a no-op without an archiver.
func (s *SettlementService) ArchiveSettled(ctx context.Context) (int64, error) {
	if s.archiver == nil {
		return 0, nil
	}
	cutoff := s.now().Add(-s.policy.Retention)
	n, err := s.archiver.ArchiveSettledMarkets(ctx, cutoff)
	if err != nil {
		return n, fmt.Errorf("settlement_service: archive settled markets: %w", err)
	}
	if n > 0 {
		s.logger.InfoContext(ctx, "settled markets archived",
			slog.Int64("count", n),
			slog.Time("before", cutoff),
		)
	}
	return n, nil
}
