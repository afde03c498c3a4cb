package workers

import (
	"context"
	"log/slog"
	"time"

	"github.com/bytechat/engine/pkg/logger"
)

type SessionMaintainer interface {
	Trim(ctx context.Context) error
}

type sessionMaintenance struct {
	sessions SessionMaintainer
	interval time.Duration
}

// NewSessionMaintenance creates the periodic trim pass over the session
// store. It only acts once measured utilization crosses the store's high
// water mark, so running it often is cheap.
func NewSessionMaintenance(sessions SessionMaintainer, interval time.Duration) *sessionMaintenance {
	if interval <= 0 {
		interval = time.Minute
	}
	return &sessionMaintenance{sessions: sessions, interval: interval}
}

func (s *sessionMaintenance) Name() string { return "session_maintenance_worker" }

func (s *sessionMaintenance) Start(ctx context.Context) error {
	slog.Info("Starting worker", "name", s.Name())
	defer slog.Info("Worker stopped", "name", s.Name())

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.sessions.Trim(ctx); err != nil {
				slog.Warn("session maintenance pass", logger.Err(err))
			}
		}
	}
}
