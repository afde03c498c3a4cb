package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bytechat/engine/pkg/domain"
	"github.com/bytechat/engine/pkg/storage"
)

// checkpointKey is the single slot: at most one checkpoint exists at a time.
const checkpointKey = "checkpoint:slot"

type checkpointRepository struct {
	store storage.Store
	now   func() time.Time
}

func NewCheckpointRepository(store storage.Store) *checkpointRepository {
	return &checkpointRepository{store: store, now: time.Now}
}

// Save overwrites the slot. CapturedAt is stamped here so it stays monotonic
// across successive delta writes.
func (r *checkpointRepository) Save(ctx context.Context, cp domain.Checkpoint) error {
	cp.CapturedAt = r.now()

	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshaling checkpoint: %w", err)
	}
	if err := r.store.Set(ctx, checkpointKey, data); err != nil {
		return fmt.Errorf("saving checkpoint: %w", err)
	}
	return nil
}

func (r *checkpointRepository) Get(ctx context.Context) (domain.Checkpoint, bool, error) {
	data, err := r.store.Get(ctx, checkpointKey)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return domain.Checkpoint{}, false, nil
		}
		return domain.Checkpoint{}, false, fmt.Errorf("fetching checkpoint: %w", err)
	}

	var cp domain.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return domain.Checkpoint{}, false, fmt.Errorf("parsing checkpoint: %w", err)
	}
	return cp, true, nil
}

// Clear removes the slot. Clearing an absent or already-cleared checkpoint is
// a no-op.
func (r *checkpointRepository) Clear(ctx context.Context) error {
	if err := r.store.Remove(ctx, checkpointKey); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("clearing checkpoint: %w", err)
	}
	return nil
}
