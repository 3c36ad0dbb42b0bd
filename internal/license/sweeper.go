package license

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper periodically ends stale sessions and purges licenses past their
// retention window.
type Sweeper struct {
	manager  *Manager
	interval time.Duration
	logger   *slog.Logger
}

// NewSweeper creates a sweeper that runs every interval.
func NewSweeper(manager *Manager, interval time.Duration, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		manager:  manager,
		interval: interval,
		logger:   logger.With(slog.String("component", "license_sweeper")),
	}
}

// Run sweeps until the context is cancelled. Intended to be started as a
// goroutine by the composition root.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper stopped")
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	ended, err := s.manager.SweepStaleSessions(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "stale session sweep failed", slog.String("error", err.Error()))
	}
	purged, err := s.manager.SweepExpiredLicenses(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "expired license sweep failed", slog.String("error", err.Error()))
	}
	if ended > 0 || purged > 0 {
		s.logger.InfoContext(ctx, "sweep completed",
			slog.Int("sessions_ended", ended),
			slog.Int("licenses_purged", purged),
		)
	}
}
