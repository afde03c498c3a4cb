package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

type postgresStore struct {
	db       *sql.DB
	capacity int64
}

// NewPostgres creates a store over an already-migrated postgres database (see
// pkg/database). Intended for deployments where the engine runs server-side
// and the conversation catalog must outlive the host.
func NewPostgres(db *sql.DB, capacity int64) *postgresStore {
	return &postgresStore{db: db, capacity: capacity}
}

func (s *postgresStore) Get(ctx context.Context, key string) ([]byte, error) {
	const query = `SELECT value FROM kv WHERE key = $1`

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

func (s *postgresStore) Set(ctx context.Context, key string, value []byte) error {
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
		INSERT INTO kv (key, value) VALUES ($1, $2)
		ON CONFLICT (key)
		DO UPDATE SET value = EXCLUDED.value
	`
	if _, err := s.db.ExecContext(ctx, query, key, value); err != nil {
		return fmt.Errorf("saving key: %w", err)
	}
	return nil
}

func (s *postgresStore) Remove(ctx context.Context, key string) error {
	const query = `DELETE FROM kv WHERE key = $1`

	if _, err := s.db.ExecContext(ctx, query, key); err != nil {
		return fmt.Errorf("removing key: %w", err)
	}
	return nil
}

func (s *postgresStore) Usage(ctx context.Context) (int64, int64, error) {
	used, err := s.usedBytes(ctx, "")
	if err != nil {
		return 0, 0, err
	}
	return used, s.capacity, nil
}

func (s *postgresStore) usedBytes(ctx context.Context, excludeKey string) (int64, error) {
	const query = `
		SELECT COALESCE(SUM(LENGTH(key) + LENGTH(value)), 0)
		FROM kv
		WHERE key != $1
	`

	var used int64
	if err := s.db.QueryRowContext(ctx, query, excludeKey).Scan(&used); err != nil {
		return 0, fmt.Errorf("measuring storage usage: %w", err)
	}
	return used, nil
}
