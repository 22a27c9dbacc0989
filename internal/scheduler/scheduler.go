// Package scheduler triggers sync runs in-process on the cron expression
// stored in the sync_config row. It is used when Temporal is disabled.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron"

	"github.com/antigravity-dev/asanasync/internal/model"
	"github.com/antigravity-dev/asanasync/internal/syncer"
)

// retryConfigDelay is how long to wait before re-reading an unusable
// configuration row.
const retryConfigDelay = time.Minute

// Runner executes one sync run to completion.
type Runner interface {
	Run(ctx context.Context, trigger model.Trigger) (*model.SyncRun, error)
}

// ConfigSource returns the live sync configuration.
type ConfigSource interface {
	GetSyncConfig(ctx context.Context, def model.SyncConfig) (model.SyncConfig, error)
}

// Scheduler fires scheduled runs. Triggers are handled one at a time: a fire
// that comes due while a run is in progress is dropped, and a failed run is
// not retried before the next fire.
type Scheduler struct {
	runner   Runner
	configs  ConfigSource
	defaults func() model.SyncConfig
	logger   *slog.Logger
	now      func() time.Time
	kick     chan struct{}
}

// New creates a Scheduler. defaults supplies the row used before one is saved.
func New(runner Runner, configs ConfigSource, defaults func() model.SyncConfig, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		runner:   runner,
		configs:  configs,
		defaults: defaults,
		logger:   logger.With("component", "scheduler"),
		now:      time.Now,
		kick:     make(chan struct{}, 1),
	}
}

// Reschedule makes the loop re-read the configuration row now, for example
// after the cron expression was edited.
func (s *Scheduler) Reschedule() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Run blocks until ctx is cancelled, firing runs on schedule.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("scheduler started")

	for {
		wait, enabled, err := s.nextWait(ctx)
		if err != nil {
			s.logger.Error("scheduler: cannot compute next run", "error", err)
			wait = retryConfigDelay
		} else if !enabled {
			s.logger.Debug("scheduler: scheduled sync disabled")
			wait = retryConfigDelay
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.logger.Info("scheduler stopping")
			return
		case <-s.kick:
			timer.Stop()
			continue
		case <-timer.C:
		}

		if err != nil || !enabled {
			continue
		}
		s.fire(ctx)
	}
}

// nextWait returns the time until the next fire of the configured cron
// expression and whether scheduled sync is enabled.
func (s *Scheduler) nextWait(ctx context.Context) (time.Duration, bool, error) {
	cfg, err := s.configs.GetSyncConfig(ctx, s.defaults())
	if err != nil {
		return 0, false, fmt.Errorf("load sync config: %w", err)
	}
	if !cfg.Enabled {
		return 0, false, nil
	}
	next, err := NextFire(cfg.CronExpression, s.now())
	if err != nil {
		return 0, false, err
	}
	wait := next.Sub(s.now())
	if wait < 0 {
		wait = 0
	}
	s.logger.Debug("scheduler: next run", "at", next, "cron", cfg.CronExpression)
	return wait, true, nil
}

// fire runs one scheduled sync and logs its outcome.
func (s *Scheduler) fire(ctx context.Context) {
	// Enabled may have been switched off while waiting.
	cfg, err := s.configs.GetSyncConfig(ctx, s.defaults())
	if err == nil && !cfg.Enabled {
		s.logger.Info("scheduler: skipping run, scheduled sync disabled")
		return
	}

	run, err := s.runner.Run(ctx, model.TriggerScheduled)
	switch {
	case errors.Is(err, syncer.ErrAlreadyRunning):
		s.logger.Info("scheduler: skipping run, another sync is in progress")
	case err != nil && run == nil:
		s.logger.Error("scheduler: run could not start", "error", err)
	case err != nil:
		s.logger.Warn("scheduler: run ended unsuccessfully", "run_id", run.ID, "status", run.Status, "error", err)
	default:
		s.logger.Info("scheduler: run completed", "run_id", run.ID,
			"tasks", run.Counts.Tasks, "api_calls", run.APICalls, "duration", run.Duration())
	}
}

// NextFire returns the first time after from matching a standard five-field
// cron expression.
func NextFire(expr string, from time.Time) (time.Time, error) {
	schedule, err := cron.ParseStandard(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return schedule.Next(from), nil
}
