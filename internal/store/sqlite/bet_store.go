package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/predictpool/internal/domain"
)

// BetStore implements domain.BetStore on SQLite. Pool and bettor arithmetic
// happens in Go on decimals inside the transaction.
type BetStore struct {
	db *DB
}

// NewBetStore creates a BetStore on db.
func NewBetStore(db *DB) *BetStore {
	return &BetStore{db: db}
}

const betCols = `id, market_id, bettor_id, position, amount, odds,
	potential_payout, payment_ref, placed_at, settled_at, payout`

func scanBet(row rowScanner) (domain.Bet, error) {
	var b domain.Bet
	var pos string
	var placed int64
	var settled sql.NullInt64
	var payout decimal.NullDecimal
	if err := row.Scan(
		&b.ID, &b.MarketID, &b.BettorID, &pos, &b.Amount, &b.Odds,
		&b.PotentialPayout, &b.PaymentRef, &placed, &settled, &payout,
	); err != nil {
		return domain.Bet{}, err
	}
	b.Position = domain.Position(pos)
	b.PlacedAt = fromMicros(placed)
	b.SettledAt = fromNullMicros(settled)
	if payout.Valid {
		p := payout.Decimal
		b.Payout = &p
	}
	return b, nil
}

func (s *BetStore) queryBets(ctx context.Context, query string, args ...any) ([]domain.Bet, error) {
	rows, err := s.db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Bet
	for rows.Next() {
		b, err := scanBet(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *BetStore) Place(ctx context.Context, marketID string, build domain.BetBuilder) (domain.Bet, domain.Market, error) {
	var bet domain.Bet
	var market domain.Market

	err := s.db.withTx(ctx, func(tx *sql.Tx) error {
		m, err := getMarket(ctx, tx, marketID)
		if err != nil {
			return err
		}

		b, err := build(m)
		if err != nil {
			return err
		}
		b.MarketID = marketID
		b.PlacedAt = b.PlacedAt.UTC().Truncate(time.Microsecond)

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO bets (
				id, market_id, bettor_id, position, amount, odds,
				potential_payout, payment_ref, placed_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			b.ID, marketID, b.BettorID, string(b.Position), b.Amount, b.Odds,
			b.PotentialPayout, b.PaymentRef, toMicros(b.PlacedAt),
		); err != nil {
			if uniqueViolation(err, "bets.payment_ref") {
				return fmt.Errorf("sqlite: insert bet %s: %w", b.PaymentRef, domain.ErrDuplicatePaymentRef)
			}
			return fmt.Errorf("sqlite: insert bet %s: %w", b.ID, err)
		}

		if b.Position == domain.PositionYes {
			m.YesVolume = m.YesVolume.Add(b.Amount)
		} else {
			m.NoVolume = m.NoVolume.Add(b.Amount)
		}
		m.UpdatedAt = time.Now().UTC().Truncate(time.Microsecond)
		if _, err := tx.ExecContext(ctx,
			`UPDATE markets SET yes_volume = ?, no_volume = ?, updated_at = ? WHERE id = ?`,
			m.YesVolume, m.NoVolume, toMicros(m.UpdatedAt), marketID,
		); err != nil {
			return fmt.Errorf("sqlite: grow pool %s: %w", marketID, err)
		}

		if err := creditBettor(ctx, tx, b.BettorID, 1, 0, b.Amount, decimal.Zero); err != nil {
			return err
		}

		bet, market = b, m
		return nil
	})
	if err != nil {
		return domain.Bet{}, domain.Market{}, err
	}
	return bet, market, nil
}

// creditBettor adds the deltas to a bettor row, creating it on first use.
func creditBettor(ctx context.Context, tx *sql.Tx, id string, placed, won int64, staked, winnings decimal.Decimal) error {
	var cur domain.Bettor
	err := tx.QueryRowContext(ctx,
		`SELECT bets_placed, bets_won, total_staked, total_winnings FROM bettors WHERE id = ?`, id,
	).Scan(&cur.BetsPlaced, &cur.BetsWon, &cur.TotalStaked, &cur.TotalWinnings)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("sqlite: read bettor %s: %w", id, err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO bettors (id, bets_placed, bets_won, total_staked, total_winnings, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			bets_placed = excluded.bets_placed,
			bets_won = excluded.bets_won,
			total_staked = excluded.total_staked,
			total_winnings = excluded.total_winnings,
			updated_at = excluded.updated_at`,
		id, cur.BetsPlaced+placed, cur.BetsWon+won,
		cur.TotalStaked.Add(staked), cur.TotalWinnings.Add(winnings), toMicros(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("sqlite: update bettor %s: %w", id, err)
	}
	return nil
}

func (s *BetStore) GetByPaymentRef(ctx context.Context, paymentRef string) (domain.Bet, error) {
	b, err := scanBet(s.db.db.QueryRowContext(ctx,
		`SELECT `+betCols+` FROM bets WHERE payment_ref = ?`, paymentRef))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Bet{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Bet{}, fmt.Errorf("sqlite: get bet by payment ref: %w", err)
	}
	return b, nil
}

func (s *BetStore) ListByMarket(ctx context.Context, marketID string) ([]domain.Bet, error) {
	bets, err := s.queryBets(ctx, `SELECT `+betCols+` FROM bets WHERE market_id = ? ORDER BY seq`, marketID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list bets for market %s: %w", marketID, err)
	}
	return bets, nil
}

func (s *BetStore) ListByBettor(ctx context.Context, bettorID string, opts domain.ListOpts) ([]domain.Bet, error) {
	query := `SELECT ` + betCols + ` FROM bets WHERE bettor_id = ?`
	args := []any{bettorID}
	if opts.Since != nil {
		query += " AND placed_at >= ?"
		args = append(args, toMicros(*opts.Since))
	}
	if opts.Until != nil {
		query += " AND placed_at <= ?"
		args = append(args, toMicros(*opts.Until))
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = -1
	}
	query += " ORDER BY seq DESC LIMIT ? OFFSET ?"
	args = append(args, limit, opts.Offset)

	bets, err := s.queryBets(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list bets for bettor %s: %w", bettorID, err)
	}
	return bets, nil
}

func (s *BetStore) Settle(ctx context.Context, st domain.SettleBet) error {
	return s.db.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE bets SET payout = ?, settled_at = ? WHERE id = ? AND settled_at IS NULL`,
			st.Payout, toMicros(st.SettledAt), st.BetID)
		if err != nil {
			return fmt.Errorf("sqlite: settle bet %s: %w", st.BetID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("sqlite: settle bet %s: %w", st.BetID, err)
		}
		if n == 0 {
			var one int
			err := tx.QueryRowContext(ctx, `SELECT 1 FROM bets WHERE id = ?`, st.BetID).Scan(&one)
			if errors.Is(err, sql.ErrNoRows) {
				return domain.ErrNotFound
			}
			if err != nil {
				return fmt.Errorf("sqlite: settle bet %s: %w", st.BetID, err)
			}
			return domain.ErrAlreadySettledBet
		}

		var won int64
		winnings := decimal.Zero
		if st.Won {
			won, winnings = 1, st.Payout
		}
		return creditBettor(ctx, tx, st.BettorID, 0, won, decimal.Zero, winnings)
	})
}

func (s *BetStore) ListUnsettledMarkets(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.db.QueryContext(ctx, `
		SELECT DISTINCT m.id FROM markets m
		JOIN bets b ON b.market_id = m.id
		WHERE m.status = 'settled' AND b.settled_at IS NULL
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list unsettled markets: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("sqlite: scan market id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

var _ domain.BetStore = (*BetStore)(nil)
