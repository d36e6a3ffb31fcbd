package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	_ "github.com/mattn/go-sqlite3"
	"github.com/ruteri/device-agent/interfaces"
)

// SQLiteBackend stores namespaced keys in a single SQLite table.
// ReplaceNamespace runs in one transaction.
type SQLiteBackend struct {
	db   *sql.DB
	path string
	log  *slog.Logger
}

var _ interfaces.AtomicKVBackend = (*SQLiteBackend)(nil)

// NewSQLiteBackend opens (or creates) the database at dbPath.
func NewSQLiteBackend(ctx context.Context, dbPath string, log *slog.Logger) (*SQLiteBackend, error) {
	db, err := initDB(ctx, dbPath)
	if err != nil {
		return nil, err
	}
	return &SQLiteBackend{db: db, path: dbPath, log: log}, nil
}

// initDB opens the database, applies connection pragmas and creates the schema.
func initDB(ctx context.Context, dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// SQLite serializes writers.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL;",
		"PRAGMA synchronous = FULL;",
		"PRAGMA busy_timeout = 5000;",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set %s: %w", pragma, err)
		}
	}

	schema := `
	CREATE TABLE IF NOT EXISTS kv (
		namespace TEXT NOT NULL,
		key TEXT NOT NULL,
		value BLOB NOT NULL,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (namespace, key)
	);`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return db, nil
}

func (b *SQLiteBackend) Get(ctx context.Context, namespace, key string) ([]byte, error) {
	var value []byte
	err := b.db.QueryRowContext(ctx,
		`SELECT value FROM kv WHERE namespace = ? AND key = ?`, namespace, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, interfaces.ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("failed to query key: %w", err)
	}
	return value, nil
}

func (b *SQLiteBackend) Set(ctx context.Context, namespace, key string, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO kv (namespace, key, value, updated_at) VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(namespace, key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP`,
		namespace, key, value)
	if err != nil {
		return fmt.Errorf("failed to upsert key: %w", err)
	}
	return nil
}

func (b *SQLiteBackend) Delete(ctx context.Context, namespace, key string) error {
	if _, err := b.db.ExecContext(ctx, `DELETE FROM kv WHERE namespace = ? AND key = ?`, namespace, key); err != nil {
		return fmt.Errorf("failed to delete key: %w", err)
	}
	return nil
}

func (b *SQLiteBackend) ReplaceNamespace(ctx context.Context, namespace string, values map[string][]byte) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM kv WHERE namespace = ?`, namespace); err != nil {
		return fmt.Errorf("failed to clear namespace: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO kv (namespace, key, value) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for key, value := range values {
		if value == nil {
			value = []byte{}
		}
		if _, err := stmt.ExecContext(ctx, namespace, key, value); err != nil {
			return fmt.Errorf("failed to insert %s: %w", key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}

	b.log.Debug("Replaced namespace in sqlite", slog.String("namespace", namespace), slog.Int("keys", len(values)))
	return nil
}

func (b *SQLiteBackend) Name() string {
	return "sqlite-" + b.path
}

func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}
