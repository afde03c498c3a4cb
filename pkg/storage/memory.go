package storage

import (
	"context"
	"sync"
)

type memoryStore struct {
	mu       sync.RWMutex
	records  map[string][]byte
	capacity int64
	used     int64
}

// NewMemory creates an in-memory store. A capacity of 0 means unbounded;
// otherwise Set fails with ErrQuotaExceeded once the total size of keys and
// values would exceed it.
func NewMemory(capacity int64) *memoryStore {
	return &memoryStore{
		records:  make(map[string][]byte),
		capacity: capacity,
	}
}

func (s *memoryStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	value, ok := s.records[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), value...), nil
}

func (s *memoryStore) Set(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	size := recordSize(key, value)
	next := s.used + size
	if old, ok := s.records[key]; ok {
		next -= recordSize(key, old)
	}
	if s.capacity > 0 && next > s.capacity {
		return ErrQuotaExceeded
	}

	s.records[key] = append([]byte(nil), value...)
	s.used = next
	return nil
}

// Seed places a record without the budget check, modeling a store whose data
// predates a tightened capacity. Test helper.
func (s *memoryStore) Seed(key string, value []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.used + recordSize(key, value)
	if old, ok := s.records[key]; ok {
		next -= recordSize(key, old)
	}
	s.records[key] = append([]byte(nil), value...)
	s.used = next
}

func (s *memoryStore) Remove(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.records[key]; ok {
		s.used -= recordSize(key, old)
		delete(s.records, key)
	}
	return nil
}

func (s *memoryStore) Usage(_ context.Context) (int64, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.used, s.capacity, nil
}

func recordSize(key string, value []byte) int64 {
	return int64(len(key) + len(value))
}
