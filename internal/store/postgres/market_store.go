package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/predictpool/internal/domain"
)

// MarketStore implements domain.MarketStore using PostgreSQL.
type MarketStore struct {
	pool *pgxpool.Pool
}

// NewMarketStore creates a new MarketStore backed by the given connection pool.
func NewMarketStore(pool *pgxpool.Pool) *MarketStore {
	return &MarketStore{pool: pool}
}

const marketCols = `id, question, creator_id, platform, chat_id,
	resolution_type, oracle_source, oracle_condition, expires_at,
	settled_at, outcome, yes_volume, no_volume, status, dispute_reason,
	created_at, updated_at`

// scanMarket scans a single market row into a domain.Market.
func scanMarket(row pgx.Row) (domain.Market, error) {
	var m domain.Market
	var resType, status string
	var outcome *string
	err := row.Scan(
		&m.ID, &m.Question, &m.CreatorID, &m.Platform, &m.ChatID,
		&resType, &m.OracleSource, &m.OracleCondition, &m.ExpiresAt,
		&m.SettledAt, &outcome, &m.YesVolume, &m.NoVolume, &status, &m.DisputeReason,
		&m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return domain.Market{}, err
	}
	m.ResolutionType = domain.ResolutionType(resType)
	m.Status = domain.MarketStatus(status)
	if outcome != nil {
		o := domain.Outcome(*outcome)
		m.Outcome = &o
	}
	return m, nil
}

func collectMarkets(rows pgx.Rows) ([]domain.Market, error) {
	defer rows.Close()
	var markets []domain.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, err
		}
		markets = append(markets, m)
	}
	return markets, rows.Err()
}

// Create inserts a new open market with empty pools.
func (s *MarketStore) Create(ctx context.Context, m domain.Market) error {
	const query = `
		INSERT INTO markets (
			id, question, creator_id, platform, chat_id,
			resolution_type, oracle_source, oracle_condition, expires_at,
			status, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)`

	_, err := s.pool.Exec(ctx, query,
		m.ID, m.Question, m.CreatorID, m.Platform, m.ChatID,
		string(m.ResolutionType), m.OracleSource, m.OracleCondition, m.ExpiresAt,
		string(m.Status), m.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("postgres: create market %s: %w", m.ID, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("postgres: create market %s: %w", m.ID, err)
	}
	return nil
}

// GetByID retrieves a market by its primary key, without bets.
func (s *MarketStore) GetByID(ctx context.Context, id string) (domain.Market, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+marketCols+` FROM markets WHERE id = $1`, id)
	m, err := scanMarket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Market{}, domain.ErrNotFound
		}
		return domain.Market{}, fmt.Errorf("postgres: get market %s: %w", id, err)
	}
	return m, nil
}

// List returns markets matching filter, newest first.
func (s *MarketStore) List(ctx context.Context, f domain.MarketFilter) ([]domain.Market, error) {
	query := `SELECT ` + marketCols + ` FROM markets WHERE 1=1`
	args := []any{}
	argIdx := 1

	if f.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, string(f.Status))
		argIdx++
	}
	if f.Platform != "" {
		query += fmt.Sprintf(" AND platform = $%d", argIdx)
		args = append(args, f.Platform)
		argIdx++
	}
	if f.ChatID != "" {
		query += fmt.Sprintf(" AND chat_id = $%d", argIdx)
		args = append(args, f.ChatID)
		argIdx++
	}
	if f.SettledBefore != nil {
		query += fmt.Sprintf(" AND settled_at < $%d", argIdx)
		args = append(args, *f.SettledBefore)
		argIdx++
	}
	if f.SettledAfter != nil {
		query += fmt.Sprintf(" AND settled_at >= $%d", argIdx)
		args = append(args, *f.SettledAfter)
		argIdx++
	}
	if f.Since != nil {
		query += fmt.Sprintf(" AND created_at >= $%d", argIdx)
		args = append(args, *f.Since)
		argIdx++
	}
	if f.Until != nil {
		query += fmt.Sprintf(" AND created_at <= $%d", argIdx)
		args = append(args, *f.Until)
		argIdx++
	}

	query += " ORDER BY created_at DESC, id"

	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, f.Limit)
		argIdx++
	}
	if f.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, f.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list markets: %w", err)
	}
	markets, err := collectMarkets(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: list markets rows: %w", err)
	}
	return markets, nil
}

// ListExpiredOpen returns open markets with expires_at <= now, oldest first.
func (s *MarketStore) ListExpiredOpen(ctx context.Context, now time.Time, limit int) ([]domain.Market, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+marketCols+` FROM markets
		 WHERE status = 'open' AND expires_at <= $1
		 ORDER BY expires_at LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list expired markets: %w", err)
	}
	markets, err := collectMarkets(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: list expired markets rows: %w", err)
	}
	return markets, nil
}

// Stats aggregates markets and bets in one round trip.
func (s *MarketStore) Stats(ctx context.Context) (domain.MarketStats, error) {
	const query = `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE status = 'open'),
		       COALESCE(SUM(yes_volume + no_volume), 0),
		       (SELECT COUNT(*) FROM bets)
		FROM markets`

	var st domain.MarketStats
	err := s.pool.QueryRow(ctx, query).Scan(&st.TotalMarkets, &st.ActiveMarkets, &st.TotalVolume, &st.TotalBets)
	if err != nil {
		return domain.MarketStats{}, fmt.Errorf("postgres: market stats: %w", err)
	}
	return st, nil
}

// Transition moves a market to t.To when its status is one of t.From.
func (s *MarketStore) Transition(ctx context.Context, id string, t domain.MarketTransition) (domain.Market, error) {
	from := make([]string, len(t.From))
	for i, st := range t.From {
		from[i] = string(st)
	}
	var outcome *string
	if t.Outcome != nil {
		o := string(*t.Outcome)
		outcome = &o
	}

	const query = `
		UPDATE markets SET
			status         = $2,
			outcome        = COALESCE($3, outcome),
			settled_at     = COALESCE($4, settled_at),
			dispute_reason = CASE WHEN $5 = '' THEN dispute_reason ELSE $5 END,
			updated_at     = NOW()
		WHERE id = $1 AND status = ANY($6)
		RETURNING ` + marketCols

	row := s.pool.QueryRow(ctx, query, id, string(t.To), outcome, t.SettledAt, t.DisputeReason, from)
	m, err := scanMarket(row)
	if err == nil {
		return m, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return domain.Market{}, fmt.Errorf("postgres: transition market %s to %s: %w", id, t.To, err)
	}
	if _, getErr := s.GetByID(ctx, id); getErr != nil {
		return domain.Market{}, getErr
	}
	return domain.Market{}, fmt.Errorf("postgres: transition market %s to %s: %w", id, t.To, domain.ErrStatusConflict)
}

var _ domain.MarketStore = (*MarketStore)(nil)
