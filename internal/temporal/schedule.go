package temporal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"

	"github.com/antigravity-dev/asanasync/internal/config"
	"github.com/antigravity-dev/asanasync/internal/model"
)

// scheduleClient is the part of client.ScheduleClient used to manage the
// sync schedule.
type scheduleClient interface {
	Create(ctx context.Context, options client.ScheduleOptions) (client.ScheduleHandle, error)
	GetHandle(ctx context.Context, scheduleID string) client.ScheduleHandle
}

// ScheduleTrigger keeps a Temporal Schedule in line with the sync_config row:
// its cron spec follows the row, and it is paused while sync is disabled.
// Editing or pausing a schedule never touches a workflow it already started,
// so an in-flight run is unaffected by configuration changes.
type ScheduleTrigger struct {
	client     scheduleClient
	taskQueue  string
	scheduleID string
	logger     *slog.Logger

	mu      sync.Mutex
	applied string // cron expression last applied while enabled, "" otherwise
	known   bool   // applied reflects the server state
}

// NewScheduleTrigger creates a trigger for the schedule ID and task queue in cfg.
func NewScheduleTrigger(c scheduleClient, cfg config.Temporal, logger *slog.Logger) *ScheduleTrigger {
	return &ScheduleTrigger{
		client:     c,
		taskQueue:  cfg.TaskQueue,
		scheduleID: cfg.ScheduleID,
		logger:     logger.With("component", "temporal_schedule"),
	}
}

// Apply reconciles the schedule with sc. Unchanged settings are a no-op.
func (t *ScheduleTrigger) Apply(ctx context.Context, sc model.SyncConfig) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	want := ""
	if sc.Enabled {
		want = sc.CronExpression
	}
	if t.known && want == t.applied {
		return nil
	}
	t.known = false

	if want == "" {
		if err := t.pause(ctx); err != nil {
			return err
		}
	} else if err := t.upsert(ctx, want); err != nil {
		return err
	}
	t.applied = want
	t.known = true
	return nil
}

func (t *ScheduleTrigger) action() *client.ScheduleWorkflowAction {
	return &client.ScheduleWorkflowAction{
		ID:        t.scheduleID + "-run",
		Workflow:  SyncWorkflow,
		Args:      []interface{}{SyncRequest{Trigger: model.TriggerScheduled}},
		TaskQueue: t.taskQueue,
	}
}

func (t *ScheduleTrigger) upsert(ctx context.Context, cron string) error {
	spec := client.ScheduleSpec{CronExpressions: []string{cron}}
	_, err := t.client.Create(ctx, client.ScheduleOptions{
		ID:      t.scheduleID,
		Spec:    spec,
		Action:  t.action(),
		Overlap: enumspb.SCHEDULE_OVERLAP_POLICY_SKIP,
	})
	if err == nil {
		t.logger.Info("sync schedule registered", "schedule_id", t.scheduleID, "cron", cron)
		return nil
	}
	if !isScheduleExists(err) {
		return fmt.Errorf("create schedule %s: %w", t.scheduleID, err)
	}

	handle := t.client.GetHandle(ctx, t.scheduleID)
	err = handle.Update(ctx, client.ScheduleUpdateOptions{
		DoUpdate: func(in client.ScheduleUpdateInput) (*client.ScheduleUpdate, error) {
			s := in.Description.Schedule
			s.Spec = &spec
			s.Action = t.action()
			return &client.ScheduleUpdate{Schedule: &s}, nil
		},
	})
	if err != nil {
		return fmt.Errorf("update schedule %s: %w", t.scheduleID, err)
	}
	if err := handle.Unpause(ctx, client.ScheduleUnpauseOptions{Note: "sync enabled"}); err != nil {
		return fmt.Errorf("unpause schedule %s: %w", t.scheduleID, err)
	}
	t.logger.Info("sync schedule updated", "schedule_id", t.scheduleID, "cron", cron)
	return nil
}

func (t *ScheduleTrigger) pause(ctx context.Context) error {
	err := t.client.GetHandle(ctx, t.scheduleID).Pause(ctx, client.SchedulePauseOptions{Note: "sync disabled"})
	var notFound *serviceerror.NotFound
	switch {
	case err == nil:
		t.logger.Info("sync schedule paused", "schedule_id", t.scheduleID)
		return nil
	case errors.As(err, &notFound):
		return nil
	default:
		return fmt.Errorf("pause schedule %s: %w", t.scheduleID, err)
	}
}

// isScheduleExists reports whether Create failed because the schedule ID is
// already registered.
func isScheduleExists(err error) bool {
	var alreadyStarted *serviceerror.WorkflowExecutionAlreadyStarted
	if errors.As(err, &alreadyStarted) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "already exists") ||
		strings.Contains(msg, "AlreadyExists") ||
		strings.Contains(msg, "already registered")
}
