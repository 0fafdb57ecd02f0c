package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atmx/perp-engine/internal/model"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS accounts (
    address    TEXT PRIMARY KEY,
    kind       TEXT        NOT NULL,
    data       BYTEA       NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_accounts_kind ON accounts(kind);

CREATE TABLE IF NOT EXISTS events (
    id         UUID PRIMARY KEY,
    kind       TEXT        NOT NULL,
    action     TEXT        NOT NULL DEFAULT '',
    market     TEXT        NOT NULL DEFAULT '',
    owner      TEXT        NOT NULL DEFAULT '',
    data       JSONB,
    created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_created ON events(created_at DESC);
CREATE INDEX IF NOT EXISTS idx_events_action  ON events(action);
`

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Account data is stored as BYTEA in its exact on-chain layout.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresSchema)
	return err
}

func (s *PostgresStore) ApplyAccounts(ctx context.Context, put []model.Account, deleted []string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, a := range put {
		if _, err := tx.Exec(ctx,
			`INSERT INTO accounts (address, kind, data, updated_at)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (address) DO UPDATE
			 SET kind = EXCLUDED.kind, data = EXCLUDED.data, updated_at = EXCLUDED.updated_at`,
			a.Address, a.Kind, a.Data, a.UpdatedAt,
		); err != nil {
			return fmt.Errorf("upsert account %s: %w", a.Address, err)
		}
	}
	for _, addr := range deleted {
		if _, err := tx.Exec(ctx, `DELETE FROM accounts WHERE address = $1`, addr); err != nil {
			return fmt.Errorf("delete account %s: %w", addr, err)
		}
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) GetAccount(ctx context.Context, address string) (*model.Account, error) {
	var a model.Account
	err := s.pool.QueryRow(ctx,
		`SELECT address, kind, data, updated_at FROM accounts WHERE address = $1`, address).
		Scan(&a.Address, &a.Kind, &a.Data, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("account %s: %w", address, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w", address, err)
	}
	return &a, nil
}

func (s *PostgresStore) ListAccounts(ctx context.Context, kind string) ([]model.Account, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT address, kind, data, updated_at FROM accounts
		 WHERE $1 = '' OR kind = $1 ORDER BY address`, kind)
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

func (s *PostgresStore) InsertEvent(ctx context.Context, e *model.Event) error {
	var data any
	if len(e.Data) > 0 {
		data = string(e.Data)
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO events (id, kind, action, market, owner, data, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6::JSONB, $7)`,
		e.ID, e.Kind, e.Action, e.Market, e.Owner, data, e.CreatedAt,
	)
	return err
}

func (s *PostgresStore) ListEvents(ctx context.Context, f EventFilter) ([]model.Event, error) {
	query, args := eventQuery(f, func(i int) string { return fmt.Sprintf("$%d", i) })
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanEvents(rows)
}

// eventQuery builds the ListEvents query with the driver's placeholder
// style.
func eventQuery(f EventFilter, placeholder func(i int) string) (string, []any) {
	var (
		where []string
		args  []any
	)
	if f.Action != "" {
		args = append(args, f.Action)
		where = append(where, "action = "+placeholder(len(args)))
	}
	if f.Market != "" {
		args = append(args, f.Market)
		where = append(where, "market = "+placeholder(len(args)))
	}
	var b strings.Builder
	b.WriteString(`SELECT CAST(id AS TEXT), kind, action, market, owner, COALESCE(CAST(data AS TEXT), ''), created_at FROM events`)
	if len(where) > 0 {
		b.WriteString(" WHERE " + strings.Join(where, " AND "))
	}
	b.WriteString(" ORDER BY created_at DESC, id DESC")
	if f.Limit > 0 {
		args = append(args, f.Limit)
		b.WriteString(" LIMIT " + placeholder(len(args)))
	}
	return b.String(), args
}

// rowScanner is satisfied by pgx.Rows and *sql.Rows.
type rowScanner interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanEvents(rows rowScanner) ([]model.Event, error) {
	var events []model.Event
	for rows.Next() {
		var e model.Event
		var data string
		if err := rows.Scan(&e.ID, &e.Kind, &e.Action, &e.Market, &e.Owner, &data, &e.CreatedAt); err != nil {
			return nil, err
		}
		if data != "" {
			e.Data = []byte(data)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
