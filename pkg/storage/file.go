package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

type fileStore struct {
	mu       sync.Mutex
	path     string
	capacity int64
}

// NewFile creates a store backed by a single JSON document. Every mutation
// rewrites the file atomically via a temp file and rename. It is the usual
// backend for the secondary disaster-recovery mirror.
func NewFile(path string, capacity int64) (*fileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}
	return &fileStore{path: path, capacity: capacity}, nil
}

func (s *fileStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.load()
	if err != nil {
		return nil, err
	}
	value, ok := records[key]
	if !ok {
		return nil, ErrNotFound
	}
	return value, nil
}

func (s *fileStore) Set(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.load()
	if err != nil {
		return err
	}
	records[key] = append([]byte(nil), value...)

	if s.capacity > 0 && totalSize(records) > s.capacity {
		return ErrQuotaExceeded
	}
	return s.save(records)
}

func (s *fileStore) Remove(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.load()
	if err != nil {
		return err
	}
	if _, ok := records[key]; !ok {
		return nil
	}
	delete(records, key)
	return s.save(records)
}

func (s *fileStore) Usage(_ context.Context) (int64, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.load()
	if err != nil {
		return 0, 0, err
	}
	return totalSize(records), s.capacity, nil
}

func (s *fileStore) load() (map[string][]byte, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string][]byte), nil
		}
		return nil, fmt.Errorf("reading store file: %w", err)
	}

	records := make(map[string][]byte)
	if len(data) > 0 {
		if err := json.Unmarshal(data, &records); err != nil {
			return nil, fmt.Errorf("parsing store file: %w", err)
		}
	}
	return records, nil
}

func (s *fileStore) save(records map[string][]byte) error {
	data, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("encoding store file: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing store file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replacing store file: %w", err)
	}
	return nil
}

func totalSize(records map[string][]byte) int64 {
	var used int64
	for key, value := range records {
		used += recordSize(key, value)
	}
	return used
}
