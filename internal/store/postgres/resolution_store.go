package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/predictpool/internal/domain"
)

// VoteStore implements domain.VoteStore using PostgreSQL.
type VoteStore struct {
	pool *pgxpool.Pool
}

// NewVoteStore creates a new VoteStore backed by the given connection pool.
func NewVoteStore(pool *pgxpool.Pool) *VoteStore {
	return &VoteStore{pool: pool}
}

// Cast records a vote. The (market_id, voter_id) unique key rejects repeats.
func (s *VoteStore) Cast(ctx context.Context, v domain.Vote) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO votes (id, market_id, voter_id, outcome, stake, voted_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		v.ID, v.MarketID, v.VoterID, string(v.Outcome), v.Stake, v.VotedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("postgres: cast vote on %s: %w", v.MarketID, domain.ErrDuplicateVote)
		}
		return fmt.Errorf("postgres: cast vote on %s: %w", v.MarketID, err)
	}
	return nil
}

// ListByMarket returns votes in casting order.
func (s *VoteStore) ListByMarket(ctx context.Context, marketID string) ([]domain.Vote, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, market_id, voter_id, outcome, stake, voted_at
		FROM votes WHERE market_id = $1 ORDER BY voted_at, id`, marketID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list votes for %s: %w", marketID, err)
	}
	defer rows.Close()

	var votes []domain.Vote
	for rows.Next() {
		var v domain.Vote
		var outcome string
		if err := rows.Scan(&v.ID, &v.MarketID, &v.VoterID, &outcome, &v.Stake, &v.VotedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan vote: %w", err)
		}
		v.Outcome = domain.Outcome(outcome)
		votes = append(votes, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list votes for %s rows: %w", marketID, err)
	}
	return votes, nil
}

var _ domain.VoteStore = (*VoteStore)(nil)

// OracleLogStore implements domain.OracleLogStore using PostgreSQL.
type OracleLogStore struct {
	pool *pgxpool.Pool
}

// NewOracleLogStore creates a new OracleLogStore backed by the given pool.
func NewOracleLogStore(pool *pgxpool.Pool) *OracleLogStore {
	return &OracleLogStore{pool: pool}
}

// Append inserts one oracle query record.
func (s *OracleLogStore) Append(ctx context.Context, e domain.OracleLog) error {
	var outcome *string
	if e.Outcome != nil {
		o := string(*e.Outcome)
		outcome = &o
	}
	var result []byte
	if len(e.Result) > 0 {
		result = e.Result
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO oracle_logs (id, market_id, source, queried_at, result, outcome, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.ID, e.MarketID, e.Source, e.QueriedAt, result, outcome, e.Error)
	if err != nil {
		return fmt.Errorf("postgres: append oracle log for %s: %w", e.MarketID, err)
	}
	return nil
}

// ListByMarket returns a market's oracle queries in time order.
func (s *OracleLogStore) ListByMarket(ctx context.Context, marketID string) ([]domain.OracleLog, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, market_id, source, queried_at, result, outcome, error
		FROM oracle_logs WHERE market_id = $1 ORDER BY queried_at, id`, marketID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list oracle logs for %s: %w", marketID, err)
	}
	logs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.OracleLog, error) {
		var e domain.OracleLog
		var outcome *string
		var result []byte
		if err := row.Scan(&e.ID, &e.MarketID, &e.Source, &e.QueriedAt, &result, &outcome, &e.Error); err != nil {
			return domain.OracleLog{}, err
		}
		e.Result = result
		if outcome != nil {
			o := domain.Outcome(*outcome)
			e.Outcome = &o
		}
		return e, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: list oracle logs for %s rows: %w", marketID, err)
	}
	return logs, nil
}

var _ domain.OracleLogStore = (*OracleLogStore)(nil)
