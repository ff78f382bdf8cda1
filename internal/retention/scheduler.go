package retention

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// DefaultSchedule runs a sweep at the top of every hour.
const DefaultSchedule = "@hourly"

// Scheduler runs SweepAll on a cron schedule. A sweep that is still running
// when the next one is due causes that tick to be skipped.
type Scheduler struct {
	sweeper *Sweeper
	cron    *cron.Cron
}

// NewScheduler creates a scheduler for sweeper.
func NewScheduler(sweeper *Sweeper) *Scheduler {
	return &Scheduler{
		sweeper: sweeper,
		cron:    cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
	}
}

// Start schedules periodic sweeps. An empty schedule uses DefaultSchedule.
func (s *Scheduler) Start(schedule string) error {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	if _, err := s.cron.AddFunc(schedule, s.run); err != nil {
		return err
	}
	s.cron.Start()
	slog.Info("Retention scheduler started", "component", "retention", "schedule", schedule)
	return nil
}

// Stop stops scheduling and waits for a running sweep to finish or ctx to end.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
	slog.Info("Retention scheduler stopped", "component", "retention")
}

func (s *Scheduler) run() {
	if err := s.sweeper.SweepAll(context.Background()); err != nil {
		slog.Warn("Scheduled sweep failed", "component", "retention", "error", err)
	}
}
