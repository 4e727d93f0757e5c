package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/predictpool/internal/domain"
)

// Notifier delivers operator alerts. *notify.Notifier satisfies it.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

// LockPolicy bounds per-market mutual exclusion.
type LockPolicy struct {
	// TTL is the lease length; it must outlive the slowest guarded section.
	TTL time.Duration
	// Wait is how long an acquirer retries before giving up with ErrMarketBusy.
	Wait time.Duration
}

const lockRetryInterval = 10 * time.Millisecond

// marketLocker serialises mutations of a single market.
type marketLocker struct {
	locks  domain.LockManager
	policy LockPolicy
}

func marketLockKey(id string) string { return "market:" + id }

// do runs fn while holding the market's lock.
func (l marketLocker) do(ctx context.Context, marketID string, fn func() error) error {
	ttl := l.policy.TTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	deadline := time.Now().Add(l.policy.Wait)

	for {
		release, err := l.locks.Acquire(ctx, marketLockKey(marketID), ttl)
		if err == nil {
			defer release()
			return fn()
		}
		if !errors.Is(err, domain.ErrLockHeld) {
			return fmt.Errorf("acquire market lock %s: %w", marketID, err)
		}
		if !time.Now().Before(deadline) {
			return fmt.Errorf("market %s: %w", marketID, domain.ErrMarketBusy)
		}
		timer := time.NewTimer(lockRetryInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// publisher fans ledger changes out to the signal bus, the durable stream and
// the audit log. Each sink is optional and failures are logged, never
// returned: the ledger write has already committed.
type publisher struct {
	bus    domain.SignalBus
	audit  domain.AuditStore
	logger *slog.Logger
}

func (p publisher) emit(ctx context.Context, ev domain.MarketEvent) {
	if p.bus == nil {
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		p.logger.ErrorContext(ctx, "marshal market event", slog.String("error", err.Error()))
		return
	}
	if err := p.bus.Publish(ctx, domain.ChannelMarkets, payload); err != nil {
		p.logger.WarnContext(ctx, "publish market event failed",
			slog.String("event", ev.Type),
			slog.String("market_id", ev.MarketID),
			slog.String("error", err.Error()),
		)
	}
	if err := p.bus.StreamAppend(ctx, domain.StreamLedger, payload); err != nil {
		p.logger.WarnContext(ctx, "append ledger stream failed",
			slog.String("event", ev.Type),
			slog.String("market_id", ev.MarketID),
			slog.String("error", err.Error()),
		)
	}
}

func (p publisher) record(ctx context.Context, event string, detail map[string]any) {
	if p.audit == nil {
		return
	}
	if err := p.audit.Log(ctx, event, detail); err != nil {
		p.logger.WarnContext(ctx, "audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

func marketEvent(typ string, m domain.Market, at time.Time) domain.MarketEvent {
	ev := domain.MarketEvent{
		Type:     typ,
		MarketID: m.ID,
		Status:   string(m.Status),
		YesPool:  m.YesVolume.String(),
		NoPool:   m.NoVolume.String(),
		Detail:   m.DisputeReason,
		At:       at,
	}
	if m.Outcome != nil {
		ev.Outcome = string(*m.Outcome)
	}
	return ev
}

// invalidate drops a cached market; a stale entry only delays pool updates
// until its TTL, so failures are logged.
func invalidate(ctx context.Context, cache domain.MarketCache, logger *slog.Logger, id string) {
	if cache == nil {
		return
	}
	if err := cache.Invalidate(ctx, id); err != nil {
		logger.WarnContext(ctx, "cache invalidate failed",
			slog.String("market_id", id),
			slog.String("error", err.Error()),
		)
	}
}

func nowFunc(f func() time.Time) func() time.Time {
	if f != nil {
		return f
	}
	return func() time.Time { return time.Now().UTC() }
}

// alert forwards an operator notification when a notifier is configured.
func alert(ctx context.Context, n Notifier, logger *slog.Logger, event, title, message string) {
	if n == nil {
		return
	}
	if err := n.Notify(ctx, event, title, message); err != nil {
		logger.WarnContext(ctx, "notify failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
