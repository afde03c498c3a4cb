// Package storage is the durable key-value collaborator the engine writes
// through: async get/set/remove over string keys with a distinguishable
// quota-exceeded failure mode.
package storage

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned by Get when the key has no value.
	ErrNotFound = errors.New("key not found")

	// ErrQuotaExceeded is returned by Set when the write would exceed the
	// store's capacity. Callers use it to trigger eviction.
	ErrQuotaExceeded = errors.New("storage quota exceeded")
)

type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Remove(ctx context.Context, key string) error
}

// UsageReporter is implemented by stores with a byte budget. Used reflects
// the measured size of all stored records; capacity is the configured budget.
type UsageReporter interface {
	Usage(ctx context.Context) (used, capacity int64, err error)
}
