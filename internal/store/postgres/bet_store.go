package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/predictpool/internal/domain"
)

// BetStore implements domain.BetStore using PostgreSQL.
type BetStore struct {
	pool *pgxpool.Pool
}

// NewBetStore creates a new BetStore backed by the given connection pool.
func NewBetStore(pool *pgxpool.Pool) *BetStore {
	return &BetStore{pool: pool}
}

const betCols = `id, market_id, bettor_id, position, amount, odds,
	potential_payout, payment_ref, placed_at, settled_at, payout`

func scanBet(row pgx.Row) (domain.Bet, error) {
	var b domain.Bet
	var pos string
	var payout decimal.NullDecimal
	err := row.Scan(
		&b.ID, &b.MarketID, &b.BettorID, &pos, &b.Amount, &b.Odds,
		&b.PotentialPayout, &b.PaymentRef, &b.PlacedAt, &b.SettledAt, &payout,
	)
	if err != nil {
		return domain.Bet{}, err
	}
	b.Position = domain.Position(pos)
	if payout.Valid {
		p := payout.Decimal
		b.Payout = &p
	}
	return b, nil
}

func collectBets(rows pgx.Rows) ([]domain.Bet, error) {
	defer rows.Close()
	var bets []domain.Bet
	for rows.Next() {
		b, err := scanBet(rows)
		if err != nil {
			return nil, err
		}
		bets = append(bets, b)
	}
	return bets, rows.Err()
}

// Place locks the market row, lets build validate it and price the bet, then
// inserts the bet, grows the pool and updates the bettor aggregate before
// committing.
func (s *BetStore) Place(ctx context.Context, marketID string, build domain.BetBuilder) (domain.Bet, domain.Market, error) {
	var bet domain.Bet
	var market domain.Market

	err := withTx(ctx, s.pool, func(tx pgx.Tx) error {
		m, err := scanMarket(tx.QueryRow(ctx,
			`SELECT `+marketCols+` FROM markets WHERE id = $1 FOR UPDATE`, marketID))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return domain.ErrNotFound
			}
			return fmt.Errorf("postgres: lock market %s: %w", marketID, err)
		}

		b, err := build(m)
		if err != nil {
			return err
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO bets (
				id, market_id, bettor_id, position, amount, odds,
				potential_payout, payment_ref, placed_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			b.ID, marketID, b.BettorID, string(b.Position), b.Amount, b.Odds,
			b.PotentialPayout, b.PaymentRef, b.PlacedAt,
		)
		if err != nil {
			if isUniqueViolation(err) && constraintOf(err) != "bets_pkey" {
				return fmt.Errorf("postgres: insert bet %s: %w", b.PaymentRef, domain.ErrDuplicatePaymentRef)
			}
			return fmt.Errorf("postgres: insert bet %s: %w", b.ID, err)
		}

		poolCol := "no_volume"
		if b.Position == domain.PositionYes {
			poolCol = "yes_volume"
		}
		m, err = scanMarket(tx.QueryRow(ctx,
			`UPDATE markets SET `+poolCol+` = `+poolCol+` + $2, updated_at = NOW()
			 WHERE id = $1 RETURNING `+marketCols, marketID, b.Amount))
		if err != nil {
			return fmt.Errorf("postgres: grow pool %s: %w", marketID, err)
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO bettors (id, bets_placed, total_staked, updated_at)
			VALUES ($1, 1, $2, NOW())
			ON CONFLICT (id) DO UPDATE SET
				bets_placed  = bettors.bets_placed + 1,
				total_staked = bettors.total_staked + EXCLUDED.total_staked,
				updated_at   = NOW()`, b.BettorID, b.Amount)
		if err != nil {
			return fmt.Errorf("postgres: update bettor %s: %w", b.BettorID, err)
		}

		b.MarketID = marketID
		bet, market = b, m
		return nil
	})
	if err != nil {
		return domain.Bet{}, domain.Market{}, err
	}
	return bet, market, nil
}

// GetByPaymentRef returns the bet recorded for paymentRef.
func (s *BetStore) GetByPaymentRef(ctx context.Context, paymentRef string) (domain.Bet, error) {
	b, err := scanBet(s.pool.QueryRow(ctx,
		`SELECT `+betCols+` FROM bets WHERE payment_ref = $1`, paymentRef))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Bet{}, domain.ErrNotFound
		}
		return domain.Bet{}, fmt.Errorf("postgres: get bet by payment ref: %w", err)
	}
	return b, nil
}

// ListByMarket returns a market's bets in placement order.
func (s *BetStore) ListByMarket(ctx context.Context, marketID string) ([]domain.Bet, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+betCols+` FROM bets WHERE market_id = $1 ORDER BY seq`, marketID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list bets for market %s: %w", marketID, err)
	}
	bets, err := collectBets(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: list bets for market %s rows: %w", marketID, err)
	}
	return bets, nil
}

// ListByBettor returns a bettor's bets, newest first.
func (s *BetStore) ListByBettor(ctx context.Context, bettorID string, opts domain.ListOpts) ([]domain.Bet, error) {
	query := `SELECT ` + betCols + ` FROM bets WHERE bettor_id = $1`
	args := []any{bettorID}
	argIdx := 2

	if opts.Since != nil {
		query += fmt.Sprintf(" AND placed_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND placed_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}
	query += " ORDER BY seq DESC"
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list bets for bettor %s: %w", bettorID, err)
	}
	bets, err := collectBets(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: list bets for bettor %s rows: %w", bettorID, err)
	}
	return bets, nil
}

// Settle writes the payout if the bet has none yet, crediting the bettor in
// the same transaction.
func (s *BetStore) Settle(ctx context.Context, st domain.SettleBet) error {
	return withTx(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE bets SET payout = $2, settled_at = $3
			 WHERE id = $1 AND settled_at IS NULL`, st.BetID, st.Payout, st.SettledAt)
		if err != nil {
			return fmt.Errorf("postgres: settle bet %s: %w", st.BetID, err)
		}
		if tag.RowsAffected() == 0 {
			var exists bool
			if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM bets WHERE id = $1)`, st.BetID).Scan(&exists); err != nil {
				return fmt.Errorf("postgres: settle bet %s: %w", st.BetID, err)
			}
			if !exists {
				return domain.ErrNotFound
			}
			return domain.ErrAlreadySettledBet
		}

		won := 0
		winnings := decimal.Zero
		if st.Won {
			won = 1
			winnings = st.Payout
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO bettors (id, bets_won, total_winnings, updated_at)
			VALUES ($1, $2, $3, NOW())
			ON CONFLICT (id) DO UPDATE SET
				bets_won       = bettors.bets_won + EXCLUDED.bets_won,
				total_winnings = bettors.total_winnings + EXCLUDED.total_winnings,
				updated_at     = NOW()`, st.BettorID, won, winnings)
		if err != nil {
			return fmt.Errorf("postgres: credit bettor %s: %w", st.BettorID, err)
		}
		return nil
	})
}

// ListUnsettledMarkets returns settled markets with at least one unpaid bet.
func (s *BetStore) ListUnsettledMarkets(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT m.id FROM markets m
		JOIN bets b ON b.market_id = m.id
		WHERE m.status = 'settled' AND b.settled_at IS NULL
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list unsettled markets: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("postgres: list unsettled markets rows: %w", err)
	}
	return ids, nil
}

var _ domain.BetStore = (*BetStore)(nil)
