// Package scheduler runs background jobs on cron schedules.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-co-op/gocron/v2"
)

const slowJobThreshold = 5 * time.Second

type Job func(ctx context.Context) error

type Scheduler struct {
	cron gocron.Scheduler
	log  *slog.Logger
}

func New(log *slog.Logger) (*Scheduler, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "scheduler")

	cron, err := gocron.NewScheduler(
		gocron.WithLocation(time.UTC),
		gocron.WithLogger(log),
	)
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}

	return &Scheduler{cron: cron, log: log}, nil
}

// AddCron schedules job under name. Six-field expressions include seconds.
// Runs of the same job never overlap.
func (s *Scheduler) AddCron(name string, expr string, job Job) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("empty job name")
	}
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return errors.New("empty cron expression")
	}
	if job == nil {
		return errors.New("nil job function")
	}

	withSeconds := len(strings.Fields(expr)) == 6
	scheduled, err := s.cron.NewJob(
		gocron.CronJob(expr, withSeconds),
		gocron.NewTask(func(ctx context.Context) {
			s.run(ctx, name, job)
		}),
		gocron.WithName(name),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("schedule job %s: %w", name, err)
	}

	attrs := []any{"job", name, "cron", expr}
	if next, err := scheduled.NextRun(); err == nil {
		attrs = append(attrs, "next_run", next.Format(time.RFC3339))
	}
	s.log.Info("Job scheduled", attrs...)
	return nil
}

func (s *Scheduler) run(ctx context.Context, name string, job Job) {
	start := time.Now()
	err := job(ctx)
	elapsed := time.Since(start)

	switch {
	case err != nil:
		s.log.Error("Scheduled job failed", "job", name, "error", err, "duration", elapsed)
	case elapsed > slowJobThreshold:
		s.log.Warn("Slow scheduled job", "job", name, "duration", elapsed)
	default:
		s.log.Debug("Scheduled job finished", "job", name, "duration", elapsed)
	}
}

// Run starts the scheduler and blocks until ctx ends, then waits for running
// jobs to finish.
func (s *Scheduler) Run(ctx context.Context) error {
	s.cron.Start()
	s.log.Debug("Scheduler started", "jobs", len(s.cron.Jobs()))

	<-ctx.Done()

	if err := s.cron.Shutdown(); err != nil {
		return fmt.Errorf("shutdown scheduler: %w", err)
	}
	return nil
}
