// Package sqlite implements the ledger store interfaces on an embedded SQLite
// database (pure Go, no CGo). Amounts are stored as decimal text and times as
// unix microseconds; the single connection serialises every transaction.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const schema = `
CREATE TABLE IF NOT EXISTS markets (
    id               TEXT PRIMARY KEY,
    question         TEXT    NOT NULL,
    creator_id       TEXT    NOT NULL,
    platform         TEXT    NOT NULL DEFAULT '',
    chat_id          TEXT    NOT NULL DEFAULT '',
    resolution_type  TEXT    NOT NULL,
    oracle_source    TEXT    NOT NULL DEFAULT '',
    oracle_condition TEXT    NOT NULL DEFAULT '',
    expires_at       INTEGER NOT NULL,
    settled_at       INTEGER,
    outcome          TEXT,
    yes_volume       TEXT    NOT NULL DEFAULT '0',
    no_volume        TEXT    NOT NULL DEFAULT '0',
    status           TEXT    NOT NULL,
    dispute_reason   TEXT    NOT NULL DEFAULT '',
    created_at       INTEGER NOT NULL,
    updated_at       INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS bets (
    seq              INTEGER PRIMARY KEY AUTOINCREMENT,
    id               TEXT    NOT NULL UNIQUE,
    market_id        TEXT    NOT NULL REFERENCES markets(id),
    bettor_id        TEXT    NOT NULL,
    position         TEXT    NOT NULL,
    amount           TEXT    NOT NULL,
    odds             TEXT    NOT NULL,
    potential_payout TEXT    NOT NULL,
    payment_ref      TEXT    NOT NULL UNIQUE,
    placed_at        INTEGER NOT NULL,
    settled_at       INTEGER,
    payout           TEXT
);

CREATE TABLE IF NOT EXISTS votes (
    id        TEXT PRIMARY KEY,
    market_id TEXT    NOT NULL REFERENCES markets(id),
    voter_id  TEXT    NOT NULL,
    outcome   TEXT    NOT NULL,
    stake     TEXT    NOT NULL,
    voted_at  INTEGER NOT NULL,
    UNIQUE (market_id, voter_id)
);

CREATE TABLE IF NOT EXISTS oracle_logs (
    id         TEXT PRIMARY KEY,
    market_id  TEXT    NOT NULL REFERENCES markets(id),
    source     TEXT    NOT NULL,
    queried_at INTEGER NOT NULL,
    result     BLOB,
    outcome    TEXT,
    error      TEXT    NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS bettors (
    id             TEXT PRIMARY KEY,
    bets_placed    INTEGER NOT NULL DEFAULT 0,
    bets_won       INTEGER NOT NULL DEFAULT 0,
    total_staked   TEXT    NOT NULL DEFAULT '0',
    total_winnings TEXT    NOT NULL DEFAULT '0',
    updated_at     INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS audit_log (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    event      TEXT    NOT NULL,
    detail     TEXT,
    created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_markets_status ON markets(status, expires_at);
CREATE INDEX IF NOT EXISTS idx_bets_market    ON bets(market_id, seq);
CREATE INDEX IF NOT EXISTS idx_bets_bettor    ON bets(bettor_id, seq);
CREATE INDEX IF NOT EXISTS idx_oracle_market  ON oracle_logs(market_id, queried_at);
`

// DB is an open ledger database.
type DB struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and applies the schema. Use
// ":memory:" for a throwaway ledger.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, stmt := range []string{"PRAGMA foreign_keys = ON", "PRAGMA busy_timeout = 5000", schema} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite: apply schema: %w", err)
		}
	}
	return &DB{db: db}, nil
}

// Close closes the database.
func (d *DB) Close() error { return d.db.Close() }

// Ping checks the database for the health endpoint.
func (d *DB) Ping(ctx context.Context) error { return d.db.PingContext(ctx) }

// Name identifies the dependency in health reports.
func (d *DB) Name() string { return "sqlite" }

func (d *DB) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return fmt.Errorf("sqlite: rollback failed: %v (original error: %w)", rbErr, err)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit transaction: %w", err)
	}
	return nil
}

// uniqueViolation reports whether err is a UNIQUE or PRIMARY KEY failure on
// the given "table.column".
func uniqueViolation(err error, column string) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return strings.Contains(se.Error(), column)
	}
	return false
}

func toMicros(t time.Time) int64 { return t.UTC().UnixMicro() }

func fromMicros(v int64) time.Time { return time.UnixMicro(v).UTC() }

func nullMicros(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toMicros(*t), Valid: true}
}

func fromNullMicros(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMicros(v.Int64)
	return &t
}
