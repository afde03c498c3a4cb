package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/bytechat/engine/pkg/domain"
	"github.com/bytechat/engine/pkg/logger"
	"github.com/bytechat/engine/pkg/storage"
)

const catalogKey = "sessions:catalog"

const (
	// evictionKeep is how many most-recently-updated sessions survive the
	// one bounded recovery attempt after a quota-exceeded write.
	evictionKeep = 10

	// maintenanceKeep is the trim target of the opportunistic maintenance
	// pass.
	maintenanceKeep = 20

	// maintenanceHighWater is the utilization fraction above which the
	// maintenance pass trims.
	maintenanceHighWater = 0.8

	// mirrorKeep is how many most recent sessions the secondary
	// disaster-recovery mirror holds.
	mirrorKeep = 5
)

type sessionRepository struct {
	mu      sync.Mutex
	primary storage.Store
	mirror  storage.Store // optional; nil disables the secondary tier
	now     func() time.Time
}

// NewSessionRepository creates the session store over a write-through primary
// and an optional best-effort mirror.
func NewSessionRepository(primary, mirror storage.Store) *sessionRepository {
	return &sessionRepository{primary: primary, mirror: mirror, now: time.Now}
}

// Load reads the catalog from the primary store. If the primary is
// unreadable it falls back to the truncated mirror; an absent catalog is an
// empty one.
func (r *sessionRepository) Load(ctx context.Context) (domain.SessionCatalog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.load(ctx)
}

func (r *sessionRepository) load(ctx context.Context) (domain.SessionCatalog, error) {
	catalog, err := loadCatalog(ctx, r.primary)
	if err == nil {
		return catalog, nil
	}

	if r.mirror == nil {
		return domain.SessionCatalog{}, err
	}

	slog.Warn("primary session catalog unreadable, falling back to mirror", logger.Err(err))
	catalog, mirrorErr := loadCatalog(ctx, r.mirror)
	if mirrorErr != nil {
		return domain.SessionCatalog{}, fmt.Errorf("loading catalog from mirror: %w", errors.Join(err, mirrorErr))
	}
	return catalog, nil
}

func loadCatalog(ctx context.Context, store storage.Store) (domain.SessionCatalog, error) {
	data, err := store.Get(ctx, catalogKey)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return domain.SessionCatalog{}, nil
		}
		return domain.SessionCatalog{}, fmt.Errorf("fetching session catalog: %w", err)
	}

	var catalog domain.SessionCatalog
	if err := json.Unmarshal(data, &catalog); err != nil {
		return domain.SessionCatalog{}, fmt.Errorf("parsing session catalog: %w", err)
	}
	return catalog, nil
}

// Append appends one message to the session named by sessionKey, creating the
// session lazily on its first user message. The display name is derived once
// from that message and never recomputed.
func (r *sessionRepository) Append(ctx context.Context, sessionKey string, msg domain.SessionMessage) (domain.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	catalog, err := r.load(ctx)
	if err != nil {
		return domain.Session{}, err
	}

	now := r.now()
	idx := -1
	for i := range catalog.Sessions {
		if catalog.Sessions[i].ID == sessionKey {
			idx = i
			break
		}
	}
	if idx < 0 {
		catalog.Sessions = append(catalog.Sessions, domain.Session{
			ID:        sessionKey,
			CreatedAt: now,
		})
		idx = len(catalog.Sessions) - 1
	}

	session := &catalog.Sessions[idx]
	if session.DisplayName == "" && msg.Role == domain.RoleUser {
		session.DisplayName = domain.DeriveDisplayName(msg.Content)
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = now
	}
	session.Messages = append(session.Messages, msg)
	session.UpdatedAt = now

	catalog.LastSessionID = catalog.CurrentSessionID
	catalog.CurrentSessionID = sessionKey

	if err := r.save(ctx, &catalog); err != nil {
		return domain.Session{}, err
	}

	saved, _ := catalog.Find(sessionKey)
	return saved, nil
}

// save writes the catalog through to the primary, running the one bounded
// eviction attempt on a quota-exceeded failure, then mirrors best-effort.
func (r *sessionRepository) save(ctx context.Context, catalog *domain.SessionCatalog) error {
	err := saveCatalog(ctx, r.primary, *catalog)
	if errors.Is(err, storage.ErrQuotaExceeded) {
		slog.Warn("session catalog write exceeded quota, evicting",
			"sessions", len(catalog.Sessions), "keep", evictionKeep)

		evictTo(catalog, evictionKeep)
		err = saveCatalog(ctx, r.primary, *catalog)
	}
	if err != nil {
		if errors.Is(err, storage.ErrQuotaExceeded) {
			return &domain.QuotaExceededError{Err: err}
		}
		return err
	}

	r.syncMirror(ctx, *catalog)
	return nil
}

func saveCatalog(ctx context.Context, store storage.Store, catalog domain.SessionCatalog) error {
	data, err := json.Marshal(catalog)
	if err != nil {
		return fmt.Errorf("marshaling session catalog: %w", err)
	}
	return store.Set(ctx, catalogKey, data)
}

// syncMirror writes the truncated mirror copy. Failures are logged and never
// propagated: the mirror is a disaster-recovery fallback, not a replica with
// guarantees.
func (r *sessionRepository) syncMirror(ctx context.Context, catalog domain.SessionCatalog) {
	if r.mirror == nil {
		return
	}

	evictTo(&catalog, mirrorKeep)
	if err := saveCatalog(ctx, r.mirror, catalog); err != nil {
		slog.Warn("mirroring session catalog", logger.Err(err))
	}
}

// SyncMirror re-mirrors the current catalog. Used by the periodic replica
// worker; failures are reported but callers treat them as advisory.
func (r *sessionRepository) SyncMirror(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	catalog, err := r.load(ctx)
	if err != nil {
		return err
	}
	if r.mirror == nil {
		return nil
	}

	evictTo(&catalog, mirrorKeep)
	return saveCatalog(ctx, r.mirror, catalog)
}

// Trim is the opportunistic maintenance pass: once measured utilization
// exceeds the high-water fraction of capacity, keep only the most recent
// sessions. It is not guaranteed to run before every write.
func (r *sessionRepository) Trim(ctx context.Context) error {
	reporter, ok := r.primary.(storage.UsageReporter)
	if !ok {
		return nil
	}

	used, capacity, err := reporter.Usage(ctx)
	if err != nil {
		return fmt.Errorf("measuring storage utilization: %w", err)
	}
	if capacity <= 0 || float64(used) < maintenanceHighWater*float64(capacity) {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	catalog, err := r.load(ctx)
	if err != nil {
		return err
	}
	if len(catalog.Sessions) <= maintenanceKeep {
		return nil
	}

	slog.Info("trimming session catalog",
		"used", used, "capacity", capacity, "sessions", len(catalog.Sessions), "keep", maintenanceKeep)

	evictTo(&catalog, maintenanceKeep)
	return r.save(ctx, &catalog)
}

// evictTo keeps the n most-recently-updated sessions, fixing up the pointers
// so CurrentSessionID never references an evicted entry.
func evictTo(catalog *domain.SessionCatalog, n int) {
	if len(catalog.Sessions) <= n {
		return
	}

	sort.SliceStable(catalog.Sessions, func(i, j int) bool {
		return catalog.Sessions[i].UpdatedAt.After(catalog.Sessions[j].UpdatedAt)
	})
	catalog.Sessions = catalog.Sessions[:n]

	if _, ok := catalog.Find(catalog.CurrentSessionID); !ok {
		catalog.CurrentSessionID = ""
	}
	if _, ok := catalog.Find(catalog.LastSessionID); !ok {
		catalog.LastSessionID = ""
	}
}
