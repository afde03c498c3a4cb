package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

type sqliteStore struct {
	db       *sql.DB
	capacity int64
}

// NewSQLite opens (creating if needed) an SQLite-backed store at path.
func NewSQLite(path string, capacity int64) (*sqliteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite store: %w", err)
	}

	const schema = `
		CREATE TABLE IF NOT EXISTS kv (
			key   TEXT PRIMARY KEY,
			value BLOB NOT NULL
		)
	`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating kv table: %w", err)
	}

	return &sqliteStore{db: db, capacity: capacity}, nil
}

func (s *sqliteStore) Get(ctx context.Context, key string) ([]byte, error) {
	const query = `SELECT value FROM kv WHERE key = ?`

	var value []byte
	err := s.db.QueryRowContext(ctx, query, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("fetching key: %w", err)
	}
	return value, nil
}

func (s *sqliteStore) Set(ctx context.Context, key string, value []byte) error {
	if s.capacity > 0 {
		used, err := s.usedBytes(ctx, key)
		if err != nil {
			return err
		}
		if used+recordSize(key, value) > s.capacity {
			return ErrQuotaExceeded
		}
	}

	const query = `
		INSERT INTO kv (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value
	`
	if _, err := s.db.ExecContext(ctx, query, key, value); err != nil {
		return fmt.Errorf("saving key: %w", err)
	}
	return nil
}

func (s *sqliteStore) Remove(ctx context.Context, key string) error {
	const query = `DELETE FROM kv WHERE key = ?`

	if _, err := s.db.ExecContext(ctx, query, key); err != nil {
		return fmt.Errorf("removing key: %w", err)
	}
	return nil
}

func (s *sqliteStore) Usage(ctx context.Context) (int64, int64, error) {
	used, err := s.usedBytes(ctx, "")
	if err != nil {
		return 0, 0, err
	}
	return used, s.capacity, nil
}

func (s *sqliteStore) Close() error {
	return s.db.Close()
}

// usedBytes measures the stored size of all records, excluding the one being
// replaced when excludeKey is set.
func (s *sqliteStore) usedBytes(ctx context.Context, excludeKey string) (int64, error) {
	const query = `
		SELECT COALESCE(SUM(LENGTH(key) + LENGTH(value)), 0)
		FROM kv
		WHERE key != ?
	`

	var used int64
	if err := s.db.QueryRowContext(ctx, query, excludeKey).Scan(&used); err != nil {
		return 0, fmt.Errorf("measuring storage usage: %w", err)
	}
	return used, nil
}
