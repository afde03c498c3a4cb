package workers

import (
	"context"
	"log/slog"
	"time"

	"github.com/bytechat/engine/pkg/logger"
)

type MirrorSyncer interface {
	SyncMirror(ctx context.Context) error
}

type replicaSync struct {
	sessions MirrorSyncer
	interval time.Duration
}

// NewReplicaSync creates the periodic re-mirror of the session catalog into
// the secondary store. The mirror is best effort, so failures are logged and
// the worker keeps going.
func NewReplicaSync(sessions MirrorSyncer, interval time.Duration) *replicaSync {
	if interval <= 0 {
		interval = time.Minute
	}
	return &replicaSync{sessions: sessions, interval: interval}
}

func (r *replicaSync) Name() string { return "replica_sync_worker" }

func (r *replicaSync) Start(ctx context.Context) error {
	slog.Info("Starting worker", "name", r.Name())
	defer slog.Info("Worker stopped", "name", r.Name())

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := r.sessions.SyncMirror(ctx); err != nil {
				slog.Warn("mirror sync pass", logger.Err(err))
			}
		}
	}
}
