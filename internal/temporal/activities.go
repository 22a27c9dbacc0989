package temporal

import (
	"context"
	"errors"
	"time"

	"go.temporal.io/sdk/activity"
	tlog "go.temporal.io/sdk/log"
	"go.temporal.io/sdk/temporal"

	"github.com/antigravity-dev/asanasync/internal/model"
	"github.com/antigravity-dev/asanasync/internal/syncer"
)

const heartbeatInterval = 5 * time.Second

// Runner executes sync runs. *syncer.Orchestrator satisfies it.
type Runner interface {
	Run(ctx context.Context, trigger model.Trigger) (*model.SyncRun, error)
	Cancel() bool
}

// Activities holds the dependencies of the sync activity.
type Activities struct {
	Runner Runner
}

type runOutcome struct {
	run *model.SyncRun
	err error
}

// SyncActivity performs one full resync. Activity cancellation is forwarded to
// the orchestrator as a cooperative cancel, and the activity returns once the
// run has recorded its terminal state.
func (a *Activities) SyncActivity(ctx context.Context, req SyncRequest) (*SyncResult, error) {
	return a.runSync(ctx, req, activity.GetLogger(ctx), func() { activity.RecordHeartbeat(ctx) })
}

func (a *Activities) runSync(ctx context.Context, req SyncRequest, logger tlog.Logger, heartbeat func()) (*SyncResult, error) {
	trigger := req.Trigger
	if trigger == "" {
		trigger = model.TriggerScheduled
	}

	done := make(chan runOutcome, 1)
	go func() {
		// The run outlives activity cancellation until it reaches a checkpoint.
		run, err := a.Runner.Run(context.WithoutCancel(ctx), trigger)
		done <- runOutcome{run: run, err: err}
	}()

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	cancelled := ctx.Done()

	for {
		select {
		case out := <-done:
			return finishActivity(logger, out)
		case <-cancelled:
			logger.Info("activity cancelled, stopping sync run")
			a.Runner.Cancel()
			cancelled = nil
		case <-ticker.C:
			heartbeat()
		}
	}
}

func finishActivity(logger tlog.Logger, out runOutcome) (*SyncResult, error) {
	switch {
	case errors.Is(out.err, syncer.ErrAlreadyRunning):
		return nil, temporal.NewNonRetryableApplicationError("sync already running", ErrTypeAlreadyRunning, out.err)
	case out.err != nil && out.run == nil:
		return nil, temporal.NewNonRetryableApplicationError(out.err.Error(), ErrTypeSyncFailed, out.err)
	case syncer.IsCancelled(out.err):
		res := resultFromRun(out.run)
		logger.Info("sync run cancelled", "run_id", res.RunID)
		return res, nil
	case out.err != nil:
		res := resultFromRun(out.run)
		return nil, temporal.NewNonRetryableApplicationError(out.err.Error(), ErrTypeSyncFailed, out.err, res)
	default:
		res := resultFromRun(out.run)
		logger.Info("sync run completed", "run_id", res.RunID, "tasks", res.Counts.Tasks, "api_calls", res.APICalls)
		return res, nil
	}
}
