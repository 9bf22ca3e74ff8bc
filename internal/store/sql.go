package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS checkout_state (
	entry_key  TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	expires_at BIGINT NOT NULL DEFAULT 0,
	updated_at BIGINT NOT NULL
)`

// SQLStore persists entries in a single table. It runs on the sqlite3 driver
// for on-device storage and on postgres for shared deployments.
type SQLStore struct {
	db  *sqlx.DB
	now func() time.Time
}

type stateRow struct {
	Value     string `db:"value"`
	ExpiresAt int64  `db:"expires_at"`
}

// NewSQLStore connects with driver ("sqlite3" or "postgres") and ensures the
// schema exists.
func NewSQLStore(driver, dsn string) (*SQLStore, error) {
	db, err := sqlx.Connect(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s store: %w", driver, err)
	}

	if driver == "sqlite3" {
		// One writer keeps sqlite from returning SQLITE_BUSY under concurrent saves.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(2)
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &SQLStore{db: db, now: time.Now}, nil
}

func (s *SQLStore) Get(ctx context.Context, key string) ([]byte, error) {
	var row stateRow
	err := s.db.GetContext(ctx, &row,
		s.db.Rebind("SELECT value, expires_at FROM checkout_state WHERE entry_key = ?"), key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if row.ExpiresAt != 0 && s.now().UnixNano() >= row.ExpiresAt {
		_ = s.Delete(ctx, key)
		return nil, ErrNotFound
	}
	return []byte(row.Value), nil
}

func (s *SQLStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	now := s.now()
	var expiresAt int64
	if ttl > 0 {
		expiresAt = now.Add(ttl).UnixNano()
	}

	query := s.db.Rebind(`
		INSERT INTO checkout_state (entry_key, value, expires_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (entry_key) DO UPDATE
		SET value = excluded.value, expires_at = excluded.expires_at, updated_at = excluded.updated_at`)

	_, err := s.db.ExecContext(ctx, query, key, string(value), expiresAt, now.UnixNano())
	return err
}

func (s *SQLStore) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx,
		s.db.Rebind("DELETE FROM checkout_state WHERE entry_key = ?"), key)
	return err
}

// Close closes the database connection
func (s *SQLStore) Close() error {
	return s.db.Close()
}
