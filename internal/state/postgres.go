package state

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresConfig configures the postgres driver. Slots are rows keyed by
// (namespace, slot).
type PostgresConfig struct {
	DSN       string `yaml:"dsn"`
	Namespace string `yaml:"namespace"`
}

const (
	pgCreateTable = `CREATE TABLE IF NOT EXISTS dcfsync_slots (
	namespace TEXT NOT NULL,
	slot TEXT NOT NULL,
	value TEXT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (namespace, slot)
)`
	pgSelectSlot = `SELECT value FROM dcfsync_slots WHERE namespace = $1 AND slot = $2`
	pgUpsertSlot = `INSERT INTO dcfsync_slots (namespace, slot, value) VALUES ($1, $2, $3)
ON CONFLICT (namespace, slot) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`
)

// pgConn is the part of *pgxpool.Pool the driver uses.
type pgConn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresBackend stores slots in the dcfsync_slots table.
type PostgresBackend struct {
	conn      pgConn
	close     func()
	namespace string
}

func newPostgresBackend(ctx context.Context, conn pgConn, closeFn func(), namespace string) (*PostgresBackend, error) {
	if namespace == "" {
		namespace = "default"
	}
	if _, err := conn.Exec(ctx, pgCreateTable); err != nil {
		return nil, fmt.Errorf("create slot table: %w", err)
	}
	return &PostgresBackend{conn: conn, close: closeFn, namespace: namespace}, nil
}

func openPostgres(ctx context.Context, cfg Config) (Backend, error) {
	if cfg.Postgres.DSN == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	pool, err := pgxpool.New(ctx, cfg.Postgres.DSN)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	b, err := newPostgresBackend(ctx, pool, pool.Close, cfg.Postgres.Namespace)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return b, nil
}

func (b *PostgresBackend) Get(ctx context.Context, slot string) (string, error) {
	var v string
	err := b.conn.QueryRow(ctx, pgSelectSlot, b.namespace, slot).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("select slot %s: %w", slot, err)
	}
	return v, nil
}

func (b *PostgresBackend) Set(ctx context.Context, slot, value string) error {
	if _, err := b.conn.Exec(ctx, pgUpsertSlot, b.namespace, slot, value); err != nil {
		return fmt.Errorf("upsert slot %s: %w", slot, err)
	}
	return nil
}

func (b *PostgresBackend) Close() error {
	if b.close != nil {
		b.close()
	}
	return nil
}
