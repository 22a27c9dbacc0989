// Package syncer drives full resyncs of the remote workspace hierarchy into
// the local store. At most one run is active per process.
package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/antigravity-dev/asanasync/internal/attachments"
	"github.com/antigravity-dev/asanasync/internal/model"
)

// ErrAlreadyRunning is returned by Start while another run holds the slot.
var ErrAlreadyRunning = errors.New("sync already running")

// errCancelled marks a run stopped at a cancellation checkpoint.
var errCancelled = errors.New("sync cancelled")

const (
	DefaultBatchSize = 5

	finalizeTimeout = 30 * time.Second
)

// API is the subset of the remote client the pipeline calls.
type API interface {
	Users(ctx context.Context) ([]model.User, error)
	Workspaces(ctx context.Context) ([]model.Workspace, error)
	Projects(ctx context.Context, workspaceID int64) ([]model.Project, error)
	Tasks(ctx context.Context, projectID int64) ([]model.Task, error)
	Dependencies(ctx context.Context, taskID int64) ([]model.DependencyRef, error)
	Stories(ctx context.Context, taskID int64) ([]model.Story, error)
	Attachments(ctx context.Context, taskID int64) ([]model.Attachment, error)
	CallCount() int64
	ResetCallCount()
}

// Store is the persistence the pipeline writes through.
type Store interface {
	UpsertUsers(ctx context.Context, users []model.User) error
	UpsertWorkspaces(ctx context.Context, workspaces []model.Workspace) error
	UpsertProjects(ctx context.Context, projects []model.Project) error
	UpsertTasks(ctx context.Context, tasks []model.Task) error
	UpsertStories(ctx context.Context, stories []model.Story) error
	UpsertAttachments(ctx context.Context, attachments []model.Attachment) error
	ReplaceTaskDependencies(ctx context.Context, taskID int64, dependsOn []int64) error
	AttachmentsByIDs(ctx context.Context, ids []int64) (map[int64]model.Attachment, error)

	CreateRun(ctx context.Context, trigger model.Trigger, startedAt time.Time) (*model.SyncRun, error)
	FinishRun(ctx context.Context, run *model.SyncRun) error
	LatestTerminalRun(ctx context.Context) (*model.SyncRun, error)
	GetSyncConfig(ctx context.Context, def model.SyncConfig) (model.SyncConfig, error)
	MarkSyncSucceeded(ctx context.Context, at time.Time, def model.SyncConfig) error
}

// Downloader fetches one attachment to local storage.
type Downloader interface {
	DownloadAndSave(ctx context.Context, url, suggestedName string) attachments.Result
}

// DownloaderFactory builds a downloader for the settings of one run.
type DownloaderFactory func(cfg model.SyncConfig) Downloader

// Options configures an Orchestrator.
type Options struct {
	API         API
	Store       Store
	Downloaders DownloaderFactory
	// BatchSize is the number of projects processed concurrently.
	BatchSize int
	// Defaults supplies the sync configuration used when no row exists.
	Defaults func() model.SyncConfig
	Logger   *slog.Logger
}

// Orchestrator owns the run slot and the live progress snapshot.
type Orchestrator struct {
	api         API
	store       Store
	downloaders DownloaderFactory
	batchSize   int
	defaults    func() model.SyncConfig
	logger      *slog.Logger
	now         func() time.Time

	slot     runSlot
	progress atomic.Pointer[model.Progress]
}

// Status is the externally visible state of the orchestrator.
type Status struct {
	Running  bool            `json:"is_running"`
	LastRun  *model.SyncRun  `json:"last_run,omitempty"`
	Progress *model.Progress `json:"progress,omitempty"`
}

// Handle tracks a started run.
type Handle struct {
	RunID int64

	done chan struct{}
	run  *model.SyncRun
	err  error
}

// Done is closed once the run record has been finalized.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the run finishes and returns its final record together
// with the error that ended it, if any.
func (h *Handle) Wait() (*model.SyncRun, error) {
	<-h.done
	return h.run, h.err
}

// New creates an orchestrator.
func New(opts Options) *Orchestrator {
	o := &Orchestrator{
		api:         opts.API,
		store:       opts.Store,
		downloaders: opts.Downloaders,
		batchSize:   opts.BatchSize,
		defaults:    opts.Defaults,
		logger:      opts.Logger,
		now:         func() time.Time { return time.Now().UTC() },
	}
	if o.batchSize <= 0 {
		o.batchSize = DefaultBatchSize
	}
	if o.defaults == nil {
		o.defaults = func() model.SyncConfig { return model.SyncConfig{} }
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	return o
}

// Start claims the run slot, records a Running run and executes the pipeline
// in the background. ctx bounds the whole run, so pass a process-lifetime
// context rather than a request context. A second Start while a run is
// active fails with ErrAlreadyRunning and changes nothing.
func (o *Orchestrator) Start(ctx context.Context, trigger model.Trigger) (*Handle, error) {
	active, ok := o.slot.claim()
	if !ok {
		return nil, ErrAlreadyRunning
	}

	o.api.ResetCallCount()
	o.progress.Store(&model.Progress{Stage: model.StageStarting, UpdatedAt: o.now()})

	run, err := o.store.CreateRun(ctx, trigger, o.now())
	if err != nil {
		o.progress.Store(nil)
		o.slot.release(active)
		return nil, fmt.Errorf("create run record: %w", err)
	}

	h := &Handle{RunID: run.ID, done: make(chan struct{})}
	go o.runInBackground(ctx, active, run, h)
	return h, nil
}

// Run starts a run and waits for it to finish.
func (o *Orchestrator) Run(ctx context.Context, trigger model.Trigger) (*model.SyncRun, error) {
	h, err := o.Start(ctx, trigger)
	if err != nil {
		return nil, err
	}
	return h.Wait()
}

// Cancel asks the active run to stop at its next checkpoint. It reports
// whether a run was active; with none active it does nothing.
func (o *Orchestrator) Cancel() bool {
	if !o.slot.cancel() {
		return false
	}
	o.logger.Info("sync cancellation requested")
	return true
}

// Running reports whether a run holds the slot.
func (o *Orchestrator) Running() bool {
	return o.slot.current() != nil
}

// Status returns whether a run is active, the last terminal run and, only
// while a run is active, its live progress.
func (o *Orchestrator) Status(ctx context.Context) (Status, error) {
	last, err := o.store.LatestTerminalRun(ctx)
	if err != nil {
		return Status{}, err
	}
	st := Status{LastRun: last}
	if o.slot.current() != nil {
		st.Running = true
		st.Progress = o.progress.Load()
	}
	return st, nil
}

func (o *Orchestrator) runInBackground(ctx context.Context, active *activeRun, run *model.SyncRun, h *Handle) {
	logger := o.logger.With("run_id", run.ID, "trigger", run.Trigger)
	pub := &publisher{
		dst:   &o.progress,
		tally: &tally{},
		calls: o.api.CallCount,
		now:   o.now,
		runID: run.ID,
	}

	var runErr error
	defer func() {
		if r := recover(); r != nil {
			runErr = errors.Errorf("panic: %v", r)
		}
		h.err = o.finalize(ctx, logger, active, run, pub.tally, runErr)
		h.run = run
		close(h.done)
	}()

	logger.Info("sync started")
	runErr = o.execute(ctx, active, pub, logger)
}

// finalize writes the single terminal transition of a run, clears progress
// and releases the slot. It returns the error to report to the caller.
func (o *Orchestrator) finalize(ctx context.Context, logger *slog.Logger, active *activeRun, run *model.SyncRun, t *tally, runErr error) error {
	defer o.slot.release(active)
	defer o.progress.Store(nil)

	completed := o.now()
	run.CompletedAt = &completed
	run.Counts = t.counts()
	run.APICalls = o.api.CallCount()

	switch {
	case runErr == nil:
		run.Status = model.RunCompleted
		logger.Info("sync completed",
			"users", run.Counts.Users, "projects", run.Counts.Projects, "tasks", run.Counts.Tasks,
			"stories", run.Counts.Stories, "attachments", run.Counts.Attachments,
			"failed_projects", t.failed.Load(), "api_calls", run.APICalls, "duration", run.Duration())
	case isCancellation(runErr):
		run.Status = model.RunCancelled
		msg := errCancelled.Error()
		run.ErrorMessage = &msg
		runErr = errCancelled
		logger.Warn("sync cancelled")
	default:
		run.Status = model.RunFailed
		msg := runErr.Error()
		trace := fmt.Sprintf("%+v", runErr)
		run.ErrorMessage = &msg
		run.ErrorTrace = &trace
		logger.Error("sync failed", "error", runErr)
	}

	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()
	if err := o.store.FinishRun(persistCtx, run); err != nil {
		logger.Error("persist final run record failed", "error", err)
	}
	return runErr
}

func isCancellation(err error) bool {
	return errors.Is(err, errCancelled) || errors.Is(err, context.Canceled)
}

// IsCancelled reports whether err ended a run through cancellation.
func IsCancelled(err error) bool {
	return isCancellation(err)
}
