// Package scheduler runs the relay's periodic housekeeping on cron schedules.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/user/pushrelay/internal/metrics"
)

// Job is a named unit of periodic work. Jobs with an empty schedule are skipped.
type Job struct {
	Name     string
	Schedule string
	Run      func(ctx context.Context) error
}

// Scheduler fires registered jobs on their cron schedules.
type Scheduler struct {
	jobs   []Job
	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
}

// cronParser accepts both standard 5-field cron expressions and 6-field
// expressions with an optional seconds field.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// New creates a Scheduler for jobs.
func New(jobs ...Job) *Scheduler {
	return &Scheduler{
		jobs: jobs,
		cron: cron.New(cron.WithParser(cronParser)),
	}
}

// Start registers every job with a schedule and starts the cron ticker. An
// invalid schedule fails Start before anything runs.
func (s *Scheduler) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	for _, job := range s.jobs {
		if job.Schedule == "" || job.Run == nil {
			continue
		}
		job := job
		_, err := s.cron.AddFunc(job.Schedule, func() {
			if err := job.Run(s.ctx); err != nil {
				slog.Error("scheduled job failed", "name", job.Name, "error", err)
			}
		})
		if err != nil {
			s.cancel()
			return fmt.Errorf("schedule %s (%q): %w", job.Name, job.Schedule, err)
		}
		slog.Info("scheduled job", "name", job.Name, "schedule", job.Schedule)
	}

	s.cron.Start()
	return nil
}

// Stop stops the cron ticker and waits for running jobs to return.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	<-s.cron.Stop().Done()
}

// Pruner deletes archived rows older than a cutoff.
type Pruner interface {
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// PruneArchive removes archived watch-log rows older than retention.
func PruneArchive(p Pruner, schedule string, retention time.Duration) Job {
	return Job{
		Name:     "archive-prune",
		Schedule: schedule,
		Run: func(ctx context.Context) error {
			n, err := p.Prune(ctx, time.Now().Add(-retention))
			if err != nil {
				return err
			}
			if n > 0 {
				slog.Info("pruned watch log archive", "rows", n)
			}
			return nil
		},
	}
}

// Counter reports a current count.
type Counter interface {
	Count() int
}

// RefreshConnections publishes the gate's live connection count as a gauge.
func RefreshConnections(c Counter, schedule string) Job {
	return Job{
		Name:     "gate-connections",
		Schedule: schedule,
		Run: func(context.Context) error {
			metrics.SetConnections(c.Count())
			return nil
		},
	}
}
