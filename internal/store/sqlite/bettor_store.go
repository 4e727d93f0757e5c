package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/alanyoungcy/predictpool/internal/domain"
)

// BettorStore reads bettor aggregates maintained by BetStore.
type BettorStore struct {
	db *DB
}

// NewBettorStore creates a BettorStore on db.
func NewBettorStore(db *DB) *BettorStore {
	return &BettorStore{db: db}
}

const bettorCols = `id, bets_placed, bets_won, total_staked, total_winnings, updated_at`

func scanBettor(row rowScanner) (domain.Bettor, error) {
	var b domain.Bettor
	var at int64
	if err := row.Scan(&b.ID, &b.BetsPlaced, &b.BetsWon, &b.TotalStaked, &b.TotalWinnings, &at); err != nil {
		return domain.Bettor{}, err
	}
	b.UpdatedAt = fromMicros(at)
	return b, nil
}

func (s *BettorStore) Get(ctx context.Context, id string) (domain.Bettor, error) {
	b, err := scanBettor(s.db.db.QueryRowContext(ctx, `SELECT `+bettorCols+` FROM bettors WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Bettor{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Bettor{}, fmt.Errorf("sqlite: get bettor %s: %w", id, err)
	}
	return b, nil
}

// List returns bettors ordered by id. Winnings are decimal text, so ranking
// is left to the caller.
func (s *BettorStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.Bettor, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.db.QueryContext(ctx,
		`SELECT `+bettorCols+` FROM bettors ORDER BY id LIMIT ? OFFSET ?`, limit, opts.Offset)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list bettors: %w", err)
	}
	defer rows.Close()
	var out []domain.Bettor
	for rows.Next() {
		b, err := scanBettor(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan bettor: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

var _ domain.BettorStore = (*BettorStore)(nil)

// AuditStore implements domain.AuditStore on SQLite.
type AuditStore struct {
	db *DB
}

// NewAuditStore creates an AuditStore on db.
func NewAuditStore(db *DB) *AuditStore {
	return &AuditStore{db: db}
}

func (s *AuditStore) Log(ctx context.Context, event string, detail map[string]any) error {
	data, err := json.Marshal(detail)
	if err != nil {
		return fmt.Errorf("sqlite: marshal audit detail: %w", err)
	}
	if _, err := s.db.db.ExecContext(ctx,
		`INSERT INTO audit_log (event, detail, created_at) VALUES (?, ?, ?)`,
		event, string(data), toMicros(time.Now())); err != nil {
		return fmt.Errorf("sqlite: log audit event %s: %w", event, err)
	}
	return nil
}

func (s *AuditStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	query := `SELECT id, event, detail, created_at FROM audit_log WHERE 1=1`
	var args []any
	if opts.Since != nil {
		query += " AND created_at >= ?"
		args = append(args, toMicros(*opts.Since))
	}
	if opts.Until != nil {
		query += " AND created_at <= ?"
		args = append(args, toMicros(*opts.Until))
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = -1
	}
	query += " ORDER BY id DESC LIMIT ? OFFSET ?"
	args = append(args, limit, opts.Offset)

	rows, err := s.db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list audit entries: %w", err)
	}
	defer rows.Close()

	var entries []domain.AuditEntry
	for rows.Next() {
		var e domain.AuditEntry
		var detail sql.NullString
		var at int64
		if err := rows.Scan(&e.ID, &e.Event, &detail, &at); err != nil {
			return nil, fmt.Errorf("sqlite: scan audit entry: %w", err)
		}
		e.CreatedAt = fromMicros(at)
		if detail.Valid && detail.String != "" {
			if err := json.Unmarshal([]byte(detail.String), &e.Detail); err != nil {
				return nil, fmt.Errorf("sqlite: unmarshal audit detail: %w", err)
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

var _ domain.AuditStore = (*AuditStore)(nil)
