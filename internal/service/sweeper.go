package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"session-service/internal/config"
)

// Sweeper periodically expires sessions whose TTL has passed. Expiry is
// otherwise lazy (a validation against an overdue session expires it in
// place); the sweeper bounds how long an idle overdue session can linger as
// active.
type Sweeper struct {
	sessions SessionService
	interval time.Duration
	logger   *zap.Logger
}

func NewSweeper(sessions SessionService, cfg *config.Config, logger *zap.Logger) *Sweeper {
	return &Sweeper{
		sessions: sessions,
		interval: cfg.Session.SweepInterval,
		logger:   logger,
	}
}

// Run blocks until ctx is cancelled, sweeping once per interval. A failed
// sweep backs off and retries on the next tick; individual row failures are
// already absorbed inside SweepExpired.
func (s *Sweeper) Run(ctx context.Context) {
	interval := s.interval
	if interval <= 0 {
		interval = 15 * time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("Session sweeper started",
		zap.Duration("interval", interval))

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Session sweeper stopped")
			return
		case <-ticker.C:
			sweepCtx, cancel := context.WithTimeout(ctx, interval)
			swept, err := s.sessions.SweepExpired(sweepCtx)
			cancel()
			if err != nil {
				s.logger.Warn("Sweep pass failed, will retry next tick",
					zap.Error(err))
				continue
			}
			if swept > 0 {
				s.logger.Debug("Sweep pass complete",
					zap.Int("swept", swept))
			}
		}
	}
}
