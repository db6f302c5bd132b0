package orderstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema is the SQL DDL for the orders table. Execute it via
// [PostgresStore.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS orders (
    id          TEXT PRIMARY KEY,
    session_id  TEXT NOT NULL DEFAULT '',
    call_id     TEXT NOT NULL DEFAULT '',
    items       JSONB NOT NULL DEFAULT '[]',
    total       TEXT NOT NULL,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_orders_created_at ON orders(created_at DESC);
`

// DB is the database interface used by [PostgresStore]. Both *pgxpool.Pool
// and *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore is a [Store] backed by a PostgreSQL database. Line items are
// stored as JSONB.
type PostgresStore struct {
	db DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a store on top of db. The caller is responsible for
// calling [PostgresStore.Migrate] before issuing queries.
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Open connects a pool to dsn, verifies connectivity and migrates the schema.
// The returned pool must be closed by the caller.
func Open(ctx context.Context, dsn string) (*PostgresStore, *pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("orderstore: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("orderstore: ping: %w", err)
	}
	s := NewPostgresStore(pool)
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return s, pool, nil
}

// Migrate executes the [Schema] DDL.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("orderstore: migrate: %w", err)
	}
	return nil
}

// Create implements [Store].
func (s *PostgresStore) Create(ctx context.Context, o *Order) error {
	if err := o.Validate(); err != nil {
		return err
	}
	items := o.Items
	if items == nil {
		items = []LineItem{}
	}
	itemsJSON, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("orderstore: marshal items: %w", err)
	}

	const query = `
		INSERT INTO orders (id, session_id, call_id, items, total)
		VALUES ($1,$2,$3,$4,$5)
		RETURNING created_at`

	err = s.db.QueryRow(ctx, query, o.ID, o.SessionID, o.CallID, itemsJSON, o.Total).Scan(&o.CreatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return fmt.Errorf("orderstore: order with id %q already exists", o.ID)
		}
		return fmt.Errorf("orderstore: create: %w", err)
	}
	return nil
}

// Get implements [Store].
func (s *PostgresStore) Get(ctx context.Context, id string) (*Order, error) {
	const query = `
		SELECT id, session_id, call_id, items, total, created_at
		FROM orders
		WHERE id = $1`

	var o Order
	var itemsJSON []byte
	err := s.db.QueryRow(ctx, query, id).Scan(&o.ID, &o.SessionID, &o.CallID, &itemsJSON, &o.Total, &o.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("orderstore: get %q: %w", id, err)
	}
	if err := json.Unmarshal(itemsJSON, &o.Items); err != nil {
		return nil, fmt.Errorf("orderstore: unmarshal items: %w", err)
	}
	return &o, nil
}

// List implements [Store].
func (s *PostgresStore) List(ctx context.Context, limit int) ([]Order, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if limit > 0 {
		const query = `
			SELECT id, session_id, call_id, items, total, created_at
			FROM orders
			ORDER BY created_at DESC
			LIMIT $1`
		rows, err = s.db.Query(ctx, query, limit)
	} else {
		const query = `
			SELECT id, session_id, call_id, items, total, created_at
			FROM orders
			ORDER BY created_at DESC`
		rows, err = s.db.Query(ctx, query)
	}
	if err != nil {
		return nil, fmt.Errorf("orderstore: list: %w", err)
	}
	defer rows.Close()

	var orders []Order
	for rows.Next() {
		var o Order
		var itemsJSON []byte
		if err := rows.Scan(&o.ID, &o.SessionID, &o.CallID, &itemsJSON, &o.Total, &o.CreatedAt); err != nil {
			return nil, fmt.Errorf("orderstore: list scan: %w", err)
		}
		if err := json.Unmarshal(itemsJSON, &o.Items); err != nil {
			return nil, fmt.Errorf("orderstore: unmarshal items: %w", err)
		}
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("orderstore: list: %w", err)
	}
	return orders, nil
}

// isDuplicateKeyError reports whether err is a unique violation (SQLSTATE 23505).
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
