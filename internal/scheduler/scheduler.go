// Package scheduler runs the periodic maintenance jobs: the daily risk
// ledger rollover at UTC midnight and the hourly journal and order prunes.
package scheduler

import (
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Job is one scheduled unit of work. Run errors are logged, never fatal;
// the next occurrence fires regardless.
type Job interface {
	Name() string
	Run() error
}

// Scheduler wraps a cron runner pinned to UTC, so "0 0 * * *" means
// midnight UTC everywhere the binary runs.
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger
}

func New(logger *slog.Logger) *Scheduler {
	return &Scheduler{
		cron:   cron.New(cron.WithLocation(time.UTC)),
		logger: logger.With("component", "scheduler"),
	}
}

// Add registers a job under a cron spec (standard 5-field, @hourly,
// @every 5m, ...).
func (s *Scheduler) Add(spec string, job Job) error {
	_, err := s.cron.AddFunc(spec, func() {
		if err := job.Run(); err != nil {
			s.logger.Error("job failed", "job", job.Name(), "error", err)
			return
		}
		s.logger.Debug("job completed", "job", job.Name())
	})
	if err != nil {
		return err
	}
	s.logger.Info("job registered", "job", job.Name(), "spec", spec)
	return nil
}

// Start begins firing schedules on their own goroutine.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("scheduler started")
}

// Stop halts scheduling and waits for in-flight jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
}
