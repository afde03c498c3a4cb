package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/bytechat/engine/pkg/domain"
	"github.com/bytechat/engine/pkg/storage"
)

const identityKey = "identity:record"

// quotaRepository is the reactive token-balance ledger. It changes only on
// receipt of an authoritative token_update control signal and never predicts
// or locally decrements; the cached state lets UI reads and subsequent
// requests see the latest balance without an extra round trip.
type quotaRepository struct {
	mu    sync.RWMutex
	store storage.Store
	state domain.QuotaState
}

func NewQuotaRepository(store storage.Store) *quotaRepository {
	return &quotaRepository{store: store}
}

// Identity returns the locally persisted identity record, if any.
func (r *quotaRepository) Identity(ctx context.Context) (domain.Identity, bool, error) {
	data, err := r.store.Get(ctx, identityKey)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return domain.Identity{}, false, nil
		}
		return domain.Identity{}, false, fmt.Errorf("fetching identity record: %w", err)
	}

	var identity domain.Identity
	if err := json.Unmarshal(data, &identity); err != nil {
		return domain.Identity{}, false, fmt.Errorf("parsing identity record: %w", err)
	}
	return identity, true, nil
}

// SaveIdentity persists a freshly verified identity. A new identity starts
// with the backend's default grant until the first token_update reports the
// real balance.
func (r *quotaRepository) SaveIdentity(ctx context.Context, identity domain.Identity) error {
	if identity.Quota.TotalGrant == 0 {
		identity.Quota = domain.QuotaState{
			TotalGrant: domain.DefaultTokenGrant,
			Remaining:  domain.DefaultTokenGrant,
		}
	}

	if err := r.saveIdentity(ctx, identity); err != nil {
		return err
	}

	r.mu.Lock()
	r.state = identity.Quota
	r.mu.Unlock()
	return nil
}

// Apply overwrites the balance from a server-reported token_update,
// regardless of prior state. Both fields are stored exactly as reported; the
// grant is their sum so that remaining = totalGrant - used holds.
func (r *quotaRepository) Apply(ctx context.Context, update domain.TokenUpdate) error {
	identity, ok, err := r.Identity(ctx)
	if err != nil {
		return err
	}

	state := domain.QuotaState{
		TotalGrant: update.TokensLeft + update.TokensUsed,
		Used:       update.TokensUsed,
		Remaining:  update.TokensLeft,
	}

	if ok {
		identity.Quota = state
		if err := r.saveIdentity(ctx, identity); err != nil {
			return err
		}
	}

	r.mu.Lock()
	r.state = state
	r.mu.Unlock()
	return nil
}

// State returns the last authoritative balance.
func (r *quotaRepository) State() domain.QuotaState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// Invalidate removes the identity record locally. Called on backend-reported
// authentication failure: fail fast, no silent retry. Invalidating an absent
// record is a no-op.
func (r *quotaRepository) Invalidate(ctx context.Context) error {
	if err := r.store.Remove(ctx, identityKey); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("removing identity record: %w", err)
	}

	r.mu.Lock()
	r.state = domain.QuotaState{}
	r.mu.Unlock()
	return nil
}

func (r *quotaRepository) saveIdentity(ctx context.Context, identity domain.Identity) error {
	data, err := json.Marshal(identity)
	if err != nil {
		return fmt.Errorf("marshaling identity record: %w", err)
	}
	if err := r.store.Set(ctx, identityKey, data); err != nil {
		return fmt.Errorf("saving identity record: %w", err)
	}
	return nil
}
