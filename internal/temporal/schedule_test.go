package temporal

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"
	tlog "go.temporal.io/sdk/log"

	"github.com/antigravity-dev/asanasync/internal/config"
	"github.com/antigravity-dev/asanasync/internal/model"
)

// fakeSchedules is an in-memory stand-in for one server-side schedule.
type fakeSchedules struct {
	mu        sync.Mutex
	exists    bool
	cron      []string
	paused    bool
	overlap   enumspb.ScheduleOverlapPolicy
	action    client.ScheduleAction
	creates   int
	updates   int
	deletes   int
	createErr error
}

func (f *fakeSchedules) Create(ctx context.Context, opts client.ScheduleOptions) (client.ScheduleHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	if f.exists {
		return nil, errors.New("schedule with this ID is already registered")
	}
	f.creates++
	f.exists = true
	f.cron = opts.Spec.CronExpressions
	f.overlap = opts.Overlap
	f.action = opts.Action
	f.paused = false
	return &fakeScheduleHandle{f: f}, nil
}

func (f *fakeSchedules) GetHandle(ctx context.Context, scheduleID string) client.ScheduleHandle {
	return &fakeScheduleHandle{f: f}
}

type fakeScheduleHandle struct {
	client.ScheduleHandle
	f *fakeSchedules
}

func (h *fakeScheduleHandle) Update(ctx context.Context, opts client.ScheduleUpdateOptions) error {
	f := h.f
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.exists {
		return serviceerror.NewNotFound("schedule not found")
	}
	in := client.ScheduleUpdateInput{Description: client.ScheduleDescription{
		Schedule: client.Schedule{Action: f.action, Spec: &client.ScheduleSpec{CronExpressions: f.cron}},
	}}
	upd, err := opts.DoUpdate(in)
	if err != nil {
		return err
	}
	f.updates++
	f.cron = upd.Schedule.Spec.CronExpressions
	f.action = upd.Schedule.Action
	return nil
}

func (h *fakeScheduleHandle) Pause(ctx context.Context, opts client.SchedulePauseOptions) error {
	h.f.mu.Lock()
	defer h.f.mu.Unlock()
	if !h.f.exists {
		return serviceerror.NewNotFound("schedule not found")
	}
	h.f.paused = true
	return nil
}

func (h *fakeScheduleHandle) Unpause(ctx context.Context, opts client.ScheduleUnpauseOptions) error {
	h.f.mu.Lock()
	defer h.f.mu.Unlock()
	h.f.paused = false
	return nil
}

func (h *fakeScheduleHandle) Delete(ctx context.Context) error {
	h.f.mu.Lock()
	defer h.f.mu.Unlock()
	h.f.deletes++
	h.f.exists = false
	return nil
}

func newTestTrigger(c scheduleClient) *ScheduleTrigger {
	return NewScheduleTrigger(c, config.Temporal{TaskQueue: "q", ScheduleID: "sync"}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func enabled(cron string) model.SyncConfig {
	return model.SyncConfig{CronExpression: cron, Enabled: true}
}

func TestScheduleTriggerCreatesSchedule(t *testing.T) {
	fs := &fakeSchedules{}
	trig := newTestTrigger(fs)

	require.NoError(t, trig.Apply(context.Background(), enabled("0 */3 * * *")))
	require.Equal(t, 1, fs.creates)
	require.Equal(t, []string{"0 */3 * * *"}, fs.cron)
	require.Equal(t, enumspb.SCHEDULE_OVERLAP_POLICY_SKIP, fs.overlap)

	action, ok := fs.action.(*client.ScheduleWorkflowAction)
	require.True(t, ok)
	require.Equal(t, "q", action.TaskQueue)
	require.Equal(t, []interface{}{SyncRequest{Trigger: model.TriggerScheduled}}, action.Args)

	// Same settings again do nothing.
	require.NoError(t, trig.Apply(context.Background(), enabled("0 */3 * * *")))
	require.Equal(t, 1, fs.creates)
	require.Zero(t, fs.updates)
}

func TestScheduleTriggerUpdatesExistingSchedule(t *testing.T) {
	// Left behind by a previous process, paused.
	fs := &fakeSchedules{exists: true, cron: []string{"0 0 * * *"}, paused: true}
	trig := newTestTrigger(fs)

	require.NoError(t, trig.Apply(context.Background(), enabled("*/30 * * * *")))
	require.Zero(t, fs.creates)
	require.Equal(t, 1, fs.updates)
	require.Equal(t, []string{"*/30 * * * *"}, fs.cron)
	require.False(t, fs.paused)
	require.Zero(t, fs.deletes)
}

func TestScheduleTriggerDisablePauses(t *testing.T) {
	fs := &fakeSchedules{}
	trig := newTestTrigger(fs)
	ctx := context.Background()

	require.NoError(t, trig.Apply(ctx, enabled("0 */3 * * *")))
	require.NoError(t, trig.Apply(ctx, model.SyncConfig{CronExpression: "0 */3 * * *"}))
	require.True(t, fs.paused)
	require.True(t, fs.exists)

	require.NoError(t, trig.Apply(ctx, enabled("0 */3 * * *")))
	require.False(t, fs.paused)
	require.Equal(t, 1, fs.creates)
	require.Zero(t, fs.deletes)
}

func TestScheduleTriggerDisableWithoutSchedule(t *testing.T) {
	fs := &fakeSchedules{}
	trig := newTestTrigger(fs)
	require.NoError(t, trig.Apply(context.Background(), model.SyncConfig{}))
	require.False(t, fs.exists)
}

func TestScheduleTriggerErrors(t *testing.T) {
	fs := &fakeSchedules{createErr: errors.New("unavailable")}
	trig := newTestTrigger(fs)
	err := trig.Apply(context.Background(), enabled("0 * * * *"))
	require.ErrorContains(t, err, "create schedule sync")

	// A failed apply is retried on the next call with the same settings.
	fs.createErr = nil
	require.NoError(t, trig.Apply(context.Background(), enabled("0 * * * *")))
	require.Equal(t, 1, fs.creates)
}

func TestScheduleChangeLeavesActiveRunAlone(t *testing.T) {
	runner := &fakeRunner{
		run:   &model.SyncRun{ID: 9, Status: model.RunCompleted},
		block: make(chan struct{}),
	}
	acts := &Activities{Runner: runner}
	logger := tlog.NewStructuredLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))

	type outcome struct {
		res *SyncResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := acts.runSync(context.Background(), SyncRequest{}, logger, func() {})
		done <- outcome{res, err}
	}()

	fs := &fakeSchedules{}
	trig := newTestTrigger(fs)
	ctx := context.Background()
	require.NoError(t, trig.Apply(ctx, enabled("0 */3 * * *")))
	require.NoError(t, trig.Apply(ctx, enabled("*/10 * * * *")))
	require.NoError(t, trig.Apply(ctx, model.SyncConfig{CronExpression: "*/10 * * * *"}))

	select {
	case <-done:
		t.Fatal("run finished before it was released")
	case <-time.After(50 * time.Millisecond):
	}
	require.False(t, runner.cancelled.Load(), "schedule change cancelled the active run")
	require.Zero(t, fs.deletes)

	close(runner.block)
	out := <-done
	require.NoError(t, out.err)
	require.Equal(t, model.RunCompleted, out.res.Status)
	require.Equal(t, int64(9), out.res.RunID)
}
