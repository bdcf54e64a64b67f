package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteConfig configures the sqlite driver.
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

const sqliteSchema = `CREATE TABLE IF NOT EXISTS slots (
	slot TEXT PRIMARY KEY,
	value TEXT NOT NULL
)`

// SQLiteBackend stores slots in a single-table SQLite database.
type SQLiteBackend struct {
	db *sql.DB
}

// OpenSQLite opens or creates the database at path.
func OpenSQLite(path string) (*SQLiteBackend, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// one writer at a time
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{"PRAGMA journal_mode = WAL", "PRAGMA busy_timeout = 5000", sqliteSchema} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("execute %q: %w", stmt, err)
		}
	}
	return &SQLiteBackend{db: db}, nil
}

func openSQLite(_ context.Context, cfg Config) (Backend, error) {
	return OpenSQLite(cfg.SQLite.Path)
}

func (b *SQLiteBackend) Get(ctx context.Context, slot string) (string, error) {
	var v string
	err := b.db.QueryRowContext(ctx, `SELECT value FROM slots WHERE slot = ?`, slot).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("select slot %s: %w", slot, err)
	}
	return v, nil
}

func (b *SQLiteBackend) Set(ctx context.Context, slot, value string) error {
	_, err := b.db.ExecContext(ctx,
		`INSERT INTO slots (slot, value) VALUES (?, ?) ON CONFLICT(slot) DO UPDATE SET value = excluded.value`,
		slot, value)
	if err != nil {
		return fmt.Errorf("upsert slot %s: %w", slot, err)
	}
	return nil
}

func (b *SQLiteBackend) Close() error { return b.db.Close() }
