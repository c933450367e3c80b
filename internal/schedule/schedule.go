// Package schedule triggers the daily run on a cron timetable.
package schedule

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler wraps a seconds-granularity cron runner.
type Scheduler struct {
	cron *cron.Cron
	log  *slog.Logger
}

// New creates a stopped scheduler.
func New(log *slog.Logger) *Scheduler {
	return &Scheduler{
		cron: cron.New(cron.WithSeconds()),
		log:  log,
	}
}

// AddDailyRun registers the daily cycle at the given cron spec
// (six fields, e.g. "0 0 13 * * *" for 13:00 UTC). The job gets a fresh
// context per firing; overlapping fires are the runner's admission
// problem, not the scheduler's.
func (s *Scheduler) AddDailyRun(spec string, job func(ctx context.Context, runDate time.Time) error) error {
	_, err := s.cron.AddFunc(spec, func() {
		runDate := time.Now().UTC()
		ctx, cancel := context.WithTimeout(context.Background(), time.Hour)
		defer cancel()

		s.log.Info("cron fired daily run", "run_date", runDate.Format("2006-01-02"))
		if err := job(ctx, runDate); err != nil {
			s.log.Error("scheduled daily run failed", "error", err)
		}
	})
	return err
}

// Start begins firing jobs.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts scheduling and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}
