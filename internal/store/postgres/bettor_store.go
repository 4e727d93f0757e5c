package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/predictpool/internal/domain"
)

// BettorStore reads bettor aggregates maintained by BetStore.
type BettorStore struct {
	pool *pgxpool.Pool
}

// NewBettorStore creates a new BettorStore backed by the given pool.
func NewBettorStore(pool *pgxpool.Pool) *BettorStore {
	return &BettorStore{pool: pool}
}

const bettorCols = `id, bets_placed, bets_won, total_staked, total_winnings, updated_at`

func scanBettor(row pgx.Row) (domain.Bettor, error) {
	var b domain.Bettor
	err := row.Scan(&b.ID, &b.BetsPlaced, &b.BetsWon, &b.TotalStaked, &b.TotalWinnings, &b.UpdatedAt)
	return b, err
}

func (s *BettorStore) Get(ctx context.Context, id string) (domain.Bettor, error) {
	b, err := scanBettor(s.pool.QueryRow(ctx, `SELECT `+bettorCols+` FROM bettors WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Bettor{}, domain.ErrNotFound
		}
		return domain.Bettor{}, fmt.Errorf("postgres: get bettor %s: %w", id, err)
	}
	return b, nil
}

// List returns bettors ranked by total winnings.
func (s *BettorStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.Bettor, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+bettorCols+` FROM bettors ORDER BY total_winnings DESC, id LIMIT $1 OFFSET $2`,
		limit, opts.Offset)
	if err != nil {
		return nil, fmt.Errorf("postgres: list bettors: %w", err)
	}
	defer rows.Close()

	var out []domain.Bettor
	for rows.Next() {
		b, err := scanBettor(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan bettor: %w", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list bettors rows: %w", err)
	}
	return out, nil
}

var _ domain.BettorStore = (*BettorStore)(nil)
