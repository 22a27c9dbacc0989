package temporal

import (
	"errors"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

const (
	syncStartToClose = 12 * time.Hour
	syncHeartbeat    = time.Minute
)

// SyncWorkflow runs one sync through SyncActivity. It is started by the sync
// schedule, so each fire is a fresh execution. A fire that finds a run in
// progress completes as skipped; a failed run is not retried.
func SyncWorkflow(ctx workflow.Context, req SyncRequest) (*SyncResult, error) {
	logger := workflow.GetLogger(ctx)

	opts := workflow.ActivityOptions{
		StartToCloseTimeout: syncStartToClose,
		HeartbeatTimeout:    syncHeartbeat,
		WaitForCancellation: true,
		RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 1},
	}
	actx := workflow.WithActivityOptions(ctx, opts)

	var a *Activities
	var res SyncResult
	err := workflow.ExecuteActivity(actx, a.SyncActivity, req).Get(ctx, &res)
	if err != nil {
		var appErr *temporal.ApplicationError
		if errors.As(err, &appErr) && appErr.Type() == ErrTypeAlreadyRunning {
			logger.Info("sync skipped, another run is in progress")
			return &SyncResult{Skipped: true}, nil
		}
		logger.Error("sync activity failed", "error", err)
		return nil, err
	}

	logger.Info("sync finished", "run_id", res.RunID, "status", res.Status)
	return &res, nil
}
