package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var recordsBucket = []byte("records")

type boltStore struct {
	db       *bolt.DB
	capacity int64
}

// NewBolt opens (creating if needed) a BoltDB-backed store at path. This is
// the default primary store.
func NewBolt(path string, capacity int64) (*boltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening bolt store: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(recordsBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating records bucket: %w", err)
	}

	return &boltStore{db: db, capacity: capacity}, nil
}

func (s *boltStore) Get(_ context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(recordsBucket).Get([]byte(key))
		if v == nil {
			return ErrNotFound
		}
		value = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (s *boltStore) Set(_ context.Context, key string, value []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(recordsBucket)

		if s.capacity > 0 {
			next := bucketSize(b) + recordSize(key, value)
			if old := b.Get([]byte(key)); old != nil {
				next -= recordSize(key, old)
			}
			if next > s.capacity {
				return ErrQuotaExceeded
			}
		}
		return b.Put([]byte(key), value)
	})
}

func (s *boltStore) Remove(_ context.Context, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(recordsBucket).Delete([]byte(key))
	})
}

func (s *boltStore) Usage(_ context.Context) (int64, int64, error) {
	var used int64
	err := s.db.View(func(tx *bolt.Tx) error {
		used = bucketSize(tx.Bucket(recordsBucket))
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	return used, s.capacity, nil
}

func (s *boltStore) Close() error {
	return s.db.Close()
}

func bucketSize(b *bolt.Bucket) int64 {
	var size int64
	_ = b.ForEach(func(k, v []byte) error {
		size += int64(len(k) + len(v))
		return nil
	})
	return size
}
