package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/antigravity-dev/asanasync/internal/model"
	"github.com/antigravity-dev/asanasync/internal/syncer"
)

type fakeRunner struct {
	mu       sync.Mutex
	triggers []model.Trigger
	err      error
	inFlight atomic.Int32
	peak     atomic.Int32
	delay    time.Duration
}

func (f *fakeRunner) Run(ctx context.Context, trigger model.Trigger) (*model.SyncRun, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(f.delay)

	f.mu.Lock()
	f.triggers = append(f.triggers, trigger)
	id := int64(len(f.triggers))
	err := f.err
	f.mu.Unlock()
	if errors.Is(err, syncer.ErrAlreadyRunning) {
		return nil, err
	}
	return &model.SyncRun{ID: id, Status: model.RunCompleted, Trigger: trigger}, err
}

func (f *fakeRunner) calls() []model.Trigger {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.Trigger(nil), f.triggers...)
}

type fakeConfigs struct {
	mu  sync.Mutex
	cfg model.SyncConfig
	err error
}

func (f *fakeConfigs) GetSyncConfig(ctx context.Context, def model.SyncConfig) (model.SyncConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cfg, f.err
}

func (f *fakeConfigs) set(cfg model.SyncConfig) {
	f.mu.Lock()
	f.cfg = cfg
	f.mu.Unlock()
}

// newTestScheduler pins the clock just before a minute boundary so an
// every-minute expression fires almost immediately.
func newTestScheduler(r Runner, c ConfigSource) *Scheduler {
	s := New(r, c, func() model.SyncConfig { return model.SyncConfig{} }, slog.New(slog.NewTextHandler(io.Discard, nil)))
	pinned := time.Date(2026, 3, 1, 12, 0, 59, 980_000_000, time.UTC)
	s.now = func() time.Time { return pinned }
	return s
}

func startScheduler(t *testing.T, s *Scheduler) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("scheduler did not stop")
		}
	})
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestSchedulerFiresScheduledRuns(t *testing.T) {
	runner := &fakeRunner{}
	configs := &fakeConfigs{cfg: model.SyncConfig{CronExpression: "* * * * *", Enabled: true}}
	startScheduler(t, newTestScheduler(runner, configs))

	waitFor(t, func() bool { return len(runner.calls()) >= 2 })
	for _, trig := range runner.calls() {
		if trig != model.TriggerScheduled {
			t.Fatalf("trigger = %q, want scheduled", trig)
		}
	}
}

func TestSchedulerRunsOneAtATime(t *testing.T) {
	runner := &fakeRunner{delay: 30 * time.Millisecond}
	configs := &fakeConfigs{cfg: model.SyncConfig{CronExpression: "* * * * *", Enabled: true}}
	startScheduler(t, newTestScheduler(runner, configs))

	waitFor(t, func() bool { return len(runner.calls()) >= 3 })
	if peak := runner.peak.Load(); peak != 1 {
		t.Fatalf("peak concurrent runs = %d, want 1", peak)
	}
}

func TestSchedulerDisabledDoesNotFire(t *testing.T) {
	runner := &fakeRunner{}
	configs := &fakeConfigs{cfg: model.SyncConfig{CronExpression: "* * * * *", Enabled: false}}
	startScheduler(t, newTestScheduler(runner, configs))

	time.Sleep(150 * time.Millisecond)
	if n := len(runner.calls()); n != 0 {
		t.Fatalf("runs = %d, want 0 while disabled", n)
	}
}

func TestSchedulerRescheduleAppliesConfigChange(t *testing.T) {
	runner := &fakeRunner{}
	configs := &fakeConfigs{cfg: model.SyncConfig{CronExpression: "* * * * *", Enabled: false}}
	s := newTestScheduler(runner, configs)
	startScheduler(t, s)

	time.Sleep(50 * time.Millisecond)
	configs.set(model.SyncConfig{CronExpression: "* * * * *", Enabled: true})
	s.Reschedule()

	waitFor(t, func() bool { return len(runner.calls()) >= 1 })
}

func TestSchedulerToleratesBusyAndFailedRuns(t *testing.T) {
	for _, err := range []error{syncer.ErrAlreadyRunning, errors.New("remote down")} {
		runner := &fakeRunner{err: err}
		configs := &fakeConfigs{cfg: model.SyncConfig{CronExpression: "* * * * *", Enabled: true}}
		s := newTestScheduler(runner, configs)
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			s.Run(ctx)
			close(done)
		}()

		waitFor(t, func() bool { return len(runner.calls()) >= 2 })
		cancel()
		<-done
	}
}

func TestSchedulerBadConfigKeepsLoopAlive(t *testing.T) {
	runner := &fakeRunner{}
	configs := &fakeConfigs{err: errors.New("db locked")}
	s := newTestScheduler(runner, configs)
	startScheduler(t, s)

	time.Sleep(50 * time.Millisecond)
	configs.mu.Lock()
	configs.err = nil
	configs.cfg = model.SyncConfig{CronExpression: "* * * * *", Enabled: true}
	configs.mu.Unlock()
	s.Reschedule()

	waitFor(t, func() bool { return len(runner.calls()) >= 1 })
}

func TestNextFire(t *testing.T) {
	from := time.Date(2026, 3, 1, 10, 17, 0, 0, time.UTC)
	tests := []struct {
		expr string
		want time.Time
	}{
		{"0 */3 * * *", time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
		{"*/15 * * * *", time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC)},
		{"30 2 * * *", time.Date(2026, 3, 2, 2, 30, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		got, err := NextFire(tt.expr, from)
		if err != nil {
			t.Fatalf("NextFire(%q): %v", tt.expr, err)
		}
		if !got.Equal(tt.want) {
			t.Errorf("NextFire(%q) = %v, want %v", tt.expr, got, tt.want)
		}
	}

	if _, err := NextFire("every day", from); err == nil {
		t.Fatal("expected error for invalid expression")
	}
}
