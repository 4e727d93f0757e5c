package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/predictpool/internal/domain"
)

// MarketStore implements domain.MarketStore on SQLite.
type MarketStore struct {
	db *DB
}

// NewMarketStore creates a MarketStore on db.
func NewMarketStore(db *DB) *MarketStore {
	return &MarketStore{db: db}
}

const marketCols = `id, question, creator_id, platform, chat_id,
	resolution_type, oracle_source, oracle_condition, expires_at,
	settled_at, outcome, yes_volume, no_volume, status, dispute_reason,
	created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMarket(row rowScanner) (domain.Market, error) {
	var m domain.Market
	var resType, status string
	var outcome sql.NullString
	var expires, created, updated int64
	var settled sql.NullInt64
	err := row.Scan(
		&m.ID, &m.Question, &m.CreatorID, &m.Platform, &m.ChatID,
		&resType, &m.OracleSource, &m.OracleCondition, &expires,
		&settled, &outcome, &m.YesVolume, &m.NoVolume, &status, &m.DisputeReason,
		&created, &updated,
	)
	if err != nil {
		return domain.Market{}, err
	}
	m.ResolutionType = domain.ResolutionType(resType)
	m.Status = domain.MarketStatus(status)
	m.ExpiresAt = fromMicros(expires)
	m.SettledAt = fromNullMicros(settled)
	m.CreatedAt = fromMicros(created)
	m.UpdatedAt = fromMicros(updated)
	if outcome.Valid {
		o := domain.Outcome(outcome.String)
		m.Outcome = &o
	}
	return m, nil
}

func queryMarkets(ctx context.Context, q interface {
	QueryContext(context.Context, string, ...any) (*sql.Rows, error)
}, query string, args ...any) ([]domain.Market, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func getMarket(ctx context.Context, q interface {
	QueryRowContext(context.Context, string, ...any) *sql.Row
}, id string) (domain.Market, error) {
	m, err := scanMarket(q.QueryRowContext(ctx, `SELECT `+marketCols+` FROM markets WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Market{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Market{}, fmt.Errorf("sqlite: get market %s: %w", id, err)
	}
	return m, nil
}

func (s *MarketStore) Create(ctx context.Context, m domain.Market) error {
	_, err := s.db.db.ExecContext(ctx, `
		INSERT INTO markets (
			id, question, creator_id, platform, chat_id,
			resolution_type, oracle_source, oracle_condition, expires_at,
			status, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.Question, m.CreatorID, m.Platform, m.ChatID,
		string(m.ResolutionType), m.OracleSource, m.OracleCondition, toMicros(m.ExpiresAt),
		string(m.Status), toMicros(m.CreatedAt), toMicros(m.CreatedAt),
	)
	if err != nil {
		if uniqueViolation(err, "markets.id") {
			return fmt.Errorf("sqlite: create market %s: %w", m.ID, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("sqlite: create market %s: %w", m.ID, err)
	}
	return nil
}

func (s *MarketStore) GetByID(ctx context.Context, id string) (domain.Market, error) {
	return getMarket(ctx, s.db.db, id)
}

func (s *MarketStore) List(ctx context.Context, f domain.MarketFilter) ([]domain.Market, error) {
	var where []string
	var args []any
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Platform != "" {
		where = append(where, "platform = ?")
		args = append(args, f.Platform)
	}
	if f.ChatID != "" {
		where = append(where, "chat_id = ?")
		args = append(args, f.ChatID)
	}
	if f.SettledBefore != nil {
		where = append(where, "settled_at < ?")
		args = append(args, toMicros(*f.SettledBefore))
	}
	if f.SettledAfter != nil {
		where = append(where, "settled_at >= ?")
		args = append(args, toMicros(*f.SettledAfter))
	}
	if f.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, toMicros(*f.Since))
	}
	if f.Until != nil {
		where = append(where, "created_at <= ?")
		args = append(args, toMicros(*f.Until))
	}

	query := `SELECT ` + marketCols + ` FROM markets`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id"
	limit := f.Limit
	if limit <= 0 {
		limit = -1
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, limit, f.Offset)

	markets, err := queryMarkets(ctx, s.db.db, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list markets: %w", err)
	}
	return markets, nil
}

func (s *MarketStore) ListExpiredOpen(ctx context.Context, now time.Time, limit int) ([]domain.Market, error) {
	if limit <= 0 {
		limit = 500
	}
	markets, err := queryMarkets(ctx, s.db.db,
		`SELECT `+marketCols+` FROM markets
		 WHERE status = 'open' AND expires_at <= ?
		 ORDER BY expires_at LIMIT ?`, toMicros(now), limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list expired markets: %w", err)
	}
	return markets, nil
}

// Stats sums pool volumes in Go; the volume columns are decimal text.
func (s *MarketStore) Stats(ctx context.Context) (domain.MarketStats, error) {
	st := domain.MarketStats{TotalVolume: decimal.Zero}
	rows, err := s.db.db.QueryContext(ctx, `SELECT status, yes_volume, no_volume FROM markets`)
	if err != nil {
		return domain.MarketStats{}, fmt.Errorf("sqlite: market stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var yes, no decimal.Decimal
		if err := rows.Scan(&status, &yes, &no); err != nil {
			return domain.MarketStats{}, fmt.Errorf("sqlite: market stats: %w", err)
		}
		st.TotalMarkets++
		if domain.MarketStatus(status) == domain.MarketStatusOpen {
			st.ActiveMarkets++
		}
		st.TotalVolume = st.TotalVolume.Add(yes).Add(no)
	}
	if err := rows.Err(); err != nil {
		return domain.MarketStats{}, fmt.Errorf("sqlite: market stats: %w", err)
	}
	if err := s.db.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM bets`).Scan(&st.TotalBets); err != nil {
		return domain.MarketStats{}, fmt.Errorf("sqlite: count bets: %w", err)
	}
	return st, nil
}

// Transition applies t inside a transaction so the status check and the
// update see the same row.
func (s *MarketStore) Transition(ctx context.Context, id string, t domain.MarketTransition) (domain.Market, error) {
	var out domain.Market
	err := s.db.withTx(ctx, func(tx *sql.Tx) error {
		m, err := getMarket(ctx, tx, id)
		if err != nil {
			return err
		}
		allowed := false
		for _, st := range t.From {
			if m.Status == st {
				allowed = true
				break
			}
		}
		if !allowed {
			return fmt.Errorf("sqlite: transition market %s from %s to %s: %w", id, m.Status, t.To, domain.ErrStatusConflict)
		}

		m.Status = t.To
		if t.Outcome != nil {
			o := *t.Outcome
			m.Outcome = &o
		}
		if t.SettledAt != nil {
			at := t.SettledAt.UTC()
			m.SettledAt = &at
		}
		if t.DisputeReason != "" {
			m.DisputeReason = t.DisputeReason
		}
		m.UpdatedAt = time.Now().UTC().Truncate(time.Microsecond)

		var outcome sql.NullString
		if m.Outcome != nil {
			outcome = sql.NullString{String: string(*m.Outcome), Valid: true}
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE markets SET status = ?, outcome = ?, settled_at = ?, dispute_reason = ?, updated_at = ?
			WHERE id = ?`,
			string(m.Status), outcome, nullMicros(m.SettledAt), m.DisputeReason, toMicros(m.UpdatedAt), id,
		); err != nil {
			return fmt.Errorf("sqlite: transition market %s: %w", id, err)
		}
		out = m
		return nil
	})
	if err != nil {
		return domain.Market{}, err
	}
	return out, nil
}

var _ domain.MarketStore = (*MarketStore)(nil)
