// Package pipeline runs the background market lifecycle: the resolution
// sweeper and the scheduled settlement archive.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Resolver is the part of service.ResolutionService the sweeper drives.
type Resolver interface {
	LockExpiredMarkets(ctx context.Context) (int, error)
	ResolvePending(ctx context.Context) (int, error)
}

// PendingSettler is the part of service.SettlementService the sweeper drives.
type PendingSettler interface {
	SettlePending(ctx context.Context) (int, error)
}

// SweepResult counts what one sweep changed.
type SweepResult struct {
	Locked   int
	Resolved int
	Settled  int
}

// Sweeper locks expired markets, resolves locked ones and finishes any
// interrupted settlements.
type Sweeper struct {
	resolver Resolver
	settler  PendingSettler
	logger   *slog.Logger
}

// NewSweeper creates a new Sweeper.
func NewSweeper(resolver Resolver, settler PendingSettler, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		resolver: resolver,
		settler:  settler,
		logger:   logger.With(slog.String("component", "sweeper")),
	}
}

// Run executes one sweep. Each stage runs even if an earlier one failed; the
// errors are joined.
func (s *Sweeper) Run(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	var errs []error

	n, err := s.resolver.LockExpiredMarkets(ctx)
	res.Locked = n
	if err != nil {
		errs = append(errs, err)
	}
	if n, err = s.resolver.ResolvePending(ctx); err != nil {
		errs = append(errs, err)
	}
	res.Resolved = n
	if n, err = s.settler.SettlePending(ctx); err != nil {
		errs = append(errs, err)
	}
	res.Settled = n

	if res != (SweepResult{}) {
		s.logger.InfoContext(ctx, "sweep complete",
			slog.Int("locked", res.Locked),
			slog.Int("resolved", res.Resolved),
			slog.Int("settled", res.Settled),
		)
	}
	return res, errors.Join(errs...)
}

// RunLoop sweeps immediately and then every interval until ctx is cancelled.
func (s *Sweeper) RunLoop(ctx context.Context, interval time.Duration) error {
	if _, err := s.Run(ctx); err != nil && ctx.Err() == nil {
		s.logger.ErrorContext(ctx, "sweep failed", slog.String("error", err.Error()))
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.InfoContext(ctx, "sweeper loop stopped")
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.Run(ctx); err != nil && ctx.Err() == nil {
				s.logger.ErrorContext(ctx, "sweep failed", slog.String("error", err.Error()))
			}
		}
	}
}
