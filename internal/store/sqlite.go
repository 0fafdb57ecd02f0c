package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/atmx/perp-engine/internal/model"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS accounts (
    address    TEXT PRIMARY KEY,
    kind       TEXT     NOT NULL,
    data       BLOB     NOT NULL,
    updated_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_accounts_kind ON accounts(kind);

CREATE TABLE IF NOT EXISTS events (
    id         TEXT PRIMARY KEY,
    kind       TEXT     NOT NULL,
    action     TEXT     NOT NULL DEFAULT '',
    market     TEXT     NOT NULL DEFAULT '',
    owner      TEXT     NOT NULL DEFAULT '',
    data       TEXT,
    created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_created ON events(created_at DESC);
CREATE INDEX IF NOT EXISTS idx_events_action  ON events(action);
`

// SQLiteStore implements Store on SQLite (pure Go, no cgo) for single
// node deployments.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at dsn and applies the
// schema. ":memory:" gives a private in-memory database.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", dsn, err)
	}
	// SQLite is single-writer, and every connection to :memory: would
	// otherwise see its own database.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) ApplyAccounts(ctx context.Context, put []model.Account, deleted []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	for _, a := range put {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO accounts (address, kind, data, updated_at) VALUES (?, ?, ?, ?)
			 ON CONFLICT(address) DO UPDATE
			 SET kind = excluded.kind, data = excluded.data, updated_at = excluded.updated_at`,
			a.Address, a.Kind, a.Data, a.UpdatedAt.UTC(),
		); err != nil {
			return fmt.Errorf("upsert account %s: %w", a.Address, err)
		}
	}
	for _, addr := range deleted {
		if _, err := tx.ExecContext(ctx, `DELETE FROM accounts WHERE address = ?`, addr); err != nil {
			return fmt.Errorf("delete account %s: %w", addr, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) GetAccount(ctx context.Context, address string) (*model.Account, error) {
	var a model.Account
	err := s.db.QueryRowContext(ctx,
		`SELECT address, kind, data, updated_at FROM accounts WHERE address = ?`, address).
		Scan(&a.Address, &a.Kind, &a.Data, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("account %s: %w", address, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w", address, err)
	}
	return &a, nil
}

func (s *SQLiteStore) ListAccounts(ctx context.Context, kind string) ([]model.Account, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT address, kind, data, updated_at FROM accounts
		 WHERE ? = '' OR kind = ? ORDER BY address`, kind, kind)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Account
	for rows.Next() {
		var a model.Account
		if err := rows.Scan(&a.Address, &a.Kind, &a.Data, &a.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) InsertEvent(ctx context.Context, e *model.Event) error {
	var data any
	if len(e.Data) > 0 {
		data = string(e.Data)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (id, kind, action, market, owner, data, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Kind, e.Action, e.Market, e.Owner, data, e.CreatedAt.UTC(),
	)
	return err
}

func (s *SQLiteStore) ListEvents(ctx context.Context, f EventFilter) ([]model.Event, error) {
	query, args := eventQuery(f, func(int) string { return "?" })
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanEvents(rows)
}
