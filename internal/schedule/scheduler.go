package schedule

import (
	"context"
	"errors"
	"log/slog"
	"time"

	kberr "github.com/alexjbarnes/kb-sync/internal/errors"
)

// Runner is the slice of the sync engine the triggers need.
// Extracted for testability.
type Runner interface {
	StartSync(ctx context.Context, triggeredBy string) error
	IsRunning() bool
}

// Scheduler invokes a sync run at a fixed interval. A tick that lands
// while a run is still active is skipped, not queued; the engine's run
// guard holds the at-most-one-run invariant either way.
type Scheduler struct {
	runner   Runner
	interval time.Duration
	logger   *slog.Logger
}

// NewScheduler creates an interval trigger for the runner.
func NewScheduler(runner Runner, interval time.Duration, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		runner:   runner,
		interval: interval,
		logger:   logger,
	}
}

// Run blocks until the context is cancelled, triggering a sync every
// interval. Run failures are logged; the loop keeps going.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("scheduler started", slog.Duration("interval", s.interval))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-ticker.C:
			if s.runner.IsRunning() {
				s.logger.Debug("skipping scheduled sync, run already active")
				continue
			}

			if err := s.runner.StartSync(ctx, "scheduled"); err != nil {
				if errors.Is(err, kberr.ErrSyncInProgress) {
					continue
				}

				if ctx.Err() != nil {
					return ctx.Err()
				}

				s.logger.Warn("scheduled sync failed", slog.String("error", err.Error()))
			}
		}
	}
}
