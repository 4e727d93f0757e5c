package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/alanyoungcy/predictpool/internal/domain"
)

// VoteStore implements domain.VoteStore on SQLite.
type VoteStore struct {
	db *DB
}

// NewVoteStore creates a VoteStore on db.
func NewVoteStore(db *DB) *VoteStore {
	return &VoteStore{db: db}
}

func (s *VoteStore) Cast(ctx context.Context, v domain.Vote) error {
	_, err := s.db.db.ExecContext(ctx, `
		INSERT INTO votes (id, market_id, voter_id, outcome, stake, voted_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		v.ID, v.MarketID, v.VoterID, string(v.Outcome), v.Stake, toMicros(v.VotedAt))
	if err != nil {
		if uniqueViolation(err, "votes.voter_id") {
			return fmt.Errorf("sqlite: cast vote on %s: %w", v.MarketID, domain.ErrDuplicateVote)
		}
		return fmt.Errorf("sqlite: cast vote on %s: %w", v.MarketID, err)
	}
	return nil
}

func (s *VoteStore) ListByMarket(ctx context.Context, marketID string) ([]domain.Vote, error) {
	rows, err := s.db.db.QueryContext(ctx, `
		SELECT id, market_id, voter_id, outcome, stake, voted_at
		FROM votes WHERE market_id = ? ORDER BY voted_at, id`, marketID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list votes for %s: %w", marketID, err)
	}
	defer rows.Close()

	var votes []domain.Vote
	for rows.Next() {
		var v domain.Vote
		var outcome string
		var at int64
		if err := rows.Scan(&v.ID, &v.MarketID, &v.VoterID, &outcome, &v.Stake, &at); err != nil {
			return nil, fmt.Errorf("sqlite: scan vote: %w", err)
		}
		v.Outcome = domain.Outcome(outcome)
		v.VotedAt = fromMicros(at)
		votes = append(votes, v)
	}
	return votes, rows.Err()
}

var _ domain.VoteStore = (*VoteStore)(nil)

// OracleLogStore implements domain.OracleLogStore on SQLite.
type OracleLogStore struct {
	db *DB
}

// NewOracleLogStore creates an OracleLogStore on db.
func NewOracleLogStore(db *DB) *OracleLogStore {
	return &OracleLogStore{db: db}
}

func (s *OracleLogStore) Append(ctx context.Context, e domain.OracleLog) error {
	var outcome sql.NullString
	if e.Outcome != nil {
		outcome = sql.NullString{String: string(*e.Outcome), Valid: true}
	}
	var result []byte
	if len(e.Result) > 0 {
		result = e.Result
	}
	_, err := s.db.db.ExecContext(ctx, `
		INSERT INTO oracle_logs (id, market_id, source, queried_at, result, outcome, error)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.MarketID, e.Source, toMicros(e.QueriedAt), result, outcome, e.Error)
	if err != nil {
		return fmt.Errorf("sqlite: append oracle log for %s: %w", e.MarketID, err)
	}
	return nil
}

func (s *OracleLogStore) ListByMarket(ctx context.Context, marketID string) ([]domain.OracleLog, error) {
	rows, err := s.db.db.QueryContext(ctx, `
		SELECT id, market_id, source, queried_at, result, outcome, error
		FROM oracle_logs WHERE market_id = ? ORDER BY queried_at, id`, marketID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list oracle logs for %s: %w", marketID, err)
	}
	defer rows.Close()

	var logs []domain.OracleLog
	for rows.Next() {
		var e domain.OracleLog
		var at int64
		var result []byte
		var outcome sql.NullString
		if err := rows.Scan(&e.ID, &e.MarketID, &e.Source, &at, &result, &outcome, &e.Error); err != nil {
			return nil, fmt.Errorf("sqlite: scan oracle log: %w", err)
		}
		e.QueriedAt = fromMicros(at)
		e.Result = result
		if outcome.Valid {
			o := domain.Outcome(outcome.String)
			e.Outcome = &o
		}
		logs = append(logs, e)
	}
	return logs, rows.Err()
}

var _ domain.OracleLogStore = (*OracleLogStore)(nil)
