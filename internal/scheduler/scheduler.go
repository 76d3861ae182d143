// Package scheduler repeats collection runs at a fixed interval.
package scheduler

import (
	"context"
	"errors"
	"time"

	appconfig "tickerflow/config"
	"tickerflow/internal/pipeline"
	"tickerflow/logger"
)

// Runner is one collection run.
type Runner interface {
	Run(ctx context.Context) (*pipeline.Result, error)
}

// Scheduler invokes a Runner on a ticker. Runs never overlap: a tick that
// arrives while a run is in progress is dropped.
type Scheduler struct {
	runner     Runner
	interval   time.Duration
	runOnStart bool
	log        *logger.Log

	runs     int
	failures int
}

func New(runner Runner, cfg appconfig.SchedulerConfig) *Scheduler {
	return &Scheduler{
		runner:     runner,
		interval:   cfg.Interval,
		runOnStart: cfg.RunOnStart,
		log:        logger.GetLogger(),
	}
}

// Start blocks until ctx is cancelled. A failed run is logged and the next
// tick starts a new run, which resumes from the failed run's checkpoint.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.interval <= 0 {
		return errors.New("scheduler interval must be positive")
	}
	log := s.log.WithComponent("scheduler")
	log.WithFields(logger.Fields{
		"interval":     s.interval.String(),
		"run_on_start": s.runOnStart,
	}).Info("scheduler started")

	if s.runOnStart {
		s.runOnce(ctx)
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.WithFields(logger.Fields{"runs": s.runs, "failures": s.failures}).Info("scheduler stopped")
			return nil
		case <-ticker.C:
			s.runOnce(ctx)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	s.runs++
	res, err := s.runner.Run(ctx)

	entry := s.log.WithComponent("scheduler").WithFields(logger.Fields{"run": s.runs})
	if res != nil {
		entry = entry.WithFields(logger.Fields{
			"run_id":  res.RunID,
			"state":   res.State.String(),
			"records": res.Records,
			"resumed": res.Resumed,
		})
	}
	switch {
	case err == nil:
		entry.Info("scheduled run finished")
	case errors.Is(err, context.Canceled):
		entry.Info("scheduled run cancelled")
	default:
		s.failures++
		entry.WithError(err).Error("scheduled run failed")
	}
}
