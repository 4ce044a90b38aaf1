// Package scheduler runs the sync pass on a cron schedule.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	appLog "calsync/internal/log"
	"calsync/internal/model"
)

// Job is one scheduled unit of work.
type Job func(ctx context.Context) error

type Scheduler struct {
	spec string
	loc  *time.Location
	job  Job
}

// New validates spec, a standard five-field cron expression or a
// descriptor such as "@every 5m".
func New(spec string, loc *time.Location, job Job) (*Scheduler, error) {
	if _, err := cron.ParseStandard(spec); err != nil {
		return nil, fmt.Errorf("%w: schedule %q: %v", model.ErrConfiguration, spec, err)
	}
	if loc == nil {
		loc = time.Local
	}
	return &Scheduler{spec: spec, loc: loc, job: job}, nil
}

// Run executes the job once, then on every tick until ctx is cancelled.
// A tick that fires while the previous run is still going is skipped.
func (s *Scheduler) Run(ctx context.Context) error {
	logger := cronLogger{}
	c := cron.New(
		cron.WithLocation(s.loc),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	if _, err := c.AddFunc(s.spec, func() { s.runOnce(ctx) }); err != nil {
		return fmt.Errorf("%w: schedule %q: %v", model.ErrConfiguration, s.spec, err)
	}

	s.runOnce(ctx)
	if ctx.Err() != nil {
		return nil
	}

	c.Start()
	appLog.Info("scheduler started", "schedule", s.spec, "timezone", s.loc.String())
	<-ctx.Done()

	stopped := c.Stop()
	<-stopped.Done()
	appLog.Info("scheduler stopped")
	return nil
}

func (s *Scheduler) runOnce(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	start := time.Now()
	if err := s.job(ctx); err != nil {
		appLog.Error("scheduled pass failed", err, "duration_ms", time.Since(start).Milliseconds())
		return
	}
	appLog.Debug("scheduled pass finished", "duration_ms", time.Since(start).Milliseconds())
}

// cronLogger routes cron's own logging through the app logger.
type cronLogger struct{}

func (cronLogger) Info(msg string, kv ...interface{}) {
	appLog.Debug("cron: "+msg, kv...)
}

func (cronLogger) Error(err error, msg string, kv ...interface{}) {
	appLog.Error("cron: "+msg, err, kv...)
}
