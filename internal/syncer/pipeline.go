package syncer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/antigravity-dev/asanasync/internal/model"
)

// ProjectResult is the outcome of one project unit inside a batch.
type ProjectResult struct {
	ProjectID int64
	Name      string
	Counts    model.Counts
	// Skipped is set when cancellation was requested before the unit began.
	Skipped bool
	Err     error
}

// BatchReport collects the unit results of one batch.
type BatchReport struct {
	Index   int
	Results []ProjectResult
}

// Failed returns the units that ended with an error.
func (b BatchReport) Failed() []ProjectResult {
	var out []ProjectResult
	for _, r := range b.Results {
		if r.Err != nil {
			out = append(out, r)
		}
	}
	return out
}

// checkpoint returns an error if the run should stop before its next step.
func checkpoint(ctx context.Context, active *activeRun) error {
	if active.cancelRequested() {
		return errCancelled
	}
	return ctx.Err()
}

// execute walks users and workspaces (stage A), projects per workspace
// (stage B) and project contents in batches (stage C).
func (o *Orchestrator) execute(ctx context.Context, active *activeRun, pub *publisher, logger *slog.Logger) error {
	t := pub.tally

	if err := checkpoint(ctx, active); err != nil {
		return err
	}
	pub.setStage(model.StageUsers)
	users, err := o.api.Users(ctx)
	if err != nil {
		return errors.Wrap(err, "fetch users")
	}
	if err := o.store.UpsertUsers(ctx, users); err != nil {
		return errors.Wrap(err, "save users")
	}
	t.users.Store(int64(len(users)))
	pub.publish()

	if err := checkpoint(ctx, active); err != nil {
		return err
	}
	pub.setStage(model.StageWorkspaces)
	workspaces, err := o.api.Workspaces(ctx)
	if err != nil {
		return errors.Wrap(err, "fetch workspaces")
	}
	if err := o.store.UpsertWorkspaces(ctx, workspaces); err != nil {
		return errors.Wrap(err, "save workspaces")
	}
	t.workspaces.Store(int64(len(workspaces)))
	pub.publish()

	if err := checkpoint(ctx, active); err != nil {
		return err
	}
	pub.setStage(model.StageProjects)
	var projects []model.Project
	for _, ws := range workspaces {
		if err := checkpoint(ctx, active); err != nil {
			return err
		}
		found, err := o.api.Projects(ctx, ws.ID)
		if err != nil {
			return errors.Wrapf(err, "fetch projects of workspace %d", ws.ID)
		}
		if err := o.store.UpsertProjects(ctx, found); err != nil {
			return errors.Wrapf(err, "save projects of workspace %d", ws.ID)
		}
		projects = append(projects, found...)
		t.projects.Store(int64(len(projects)))
		pub.publish()
	}

	if err := checkpoint(ctx, active); err != nil {
		return err
	}
	defaults := o.defaults()
	cfg, err := o.store.GetSyncConfig(ctx, defaults)
	if err != nil {
		return errors.Wrap(err, "load sync config")
	}
	var dl Downloader
	if cfg.DownloadAttachments && o.downloaders != nil {
		dl = o.downloaders(cfg)
	}

	batches := chunk(projects, o.batchSize)
	logger.Info("syncing project contents", "projects", len(projects), "batches", len(batches))
	for i, batch := range batches {
		if err := checkpoint(ctx, active); err != nil {
			return err
		}
		pub.setBatch(i+1, len(batches))
		report := o.runBatch(ctx, active, i+1, batch, cfg, dl, pub)
		for _, r := range report.Failed() {
			logger.Error("project sync failed", "project_id", r.ProjectID, "project", r.Name,
				"batch", report.Index, "error", r.Err)
		}
		logger.Debug("batch finished", "batch", report.Index, "of", len(batches),
			"projects", len(report.Results), "failed", len(report.Failed()))
	}

	if err := checkpoint(ctx, active); err != nil {
		return err
	}
	pub.setStage(model.StageFinishing)
	if err := o.store.MarkSyncSucceeded(ctx, o.now(), defaults); err != nil {
		return errors.Wrap(err, "stamp last successful sync")
	}
	return nil
}

// runBatch processes every project of a batch concurrently and returns once
// all units have finished.
func (o *Orchestrator) runBatch(ctx context.Context, active *activeRun, index int, batch []model.Project, cfg model.SyncConfig, dl Downloader, pub *publisher) BatchReport {
	report := BatchReport{Index: index, Results: make([]ProjectResult, len(batch))}

	var g errgroup.Group
	for i, p := range batch {
		g.Go(func() error {
			res := ProjectResult{ProjectID: p.ID, Name: p.Name}
			if checkpoint(ctx, active) != nil {
				res.Skipped = true
			} else {
				res.Counts, res.Err = o.syncProjectSafe(ctx, active, p.ID, cfg, dl)
				pub.tally.add(res.Counts)
				if res.Err != nil {
					pub.tally.failed.Add(1)
				}
			}
			report.Results[i] = res
			pub.publish()
			return nil
		})
	}
	_ = g.Wait()
	return report
}

// syncProjectSafe converts a panic inside a project unit into a unit error.
func (o *Orchestrator) syncProjectSafe(ctx context.Context, active *activeRun, projectID int64, cfg model.SyncConfig, dl Downloader) (counts model.Counts, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("panic in project %d: %v", projectID, r)
		}
	}()
	return o.syncProject(ctx, active, projectID, cfg, dl)
}

// syncProject fetches the tasks of a project and, per task in order, its
// dependencies, stories and attachments. Counts cover work done before an
// error.
func (o *Orchestrator) syncProject(ctx context.Context, active *activeRun, projectID int64, cfg model.SyncConfig, dl Downloader) (model.Counts, error) {
	var c model.Counts

	tasks, err := o.api.Tasks(ctx, projectID)
	if err != nil {
		return c, errors.Wrap(err, "fetch tasks")
	}
	if err := o.store.UpsertTasks(ctx, tasks); err != nil {
		return c, errors.Wrap(err, "save tasks")
	}
	c.Tasks = len(tasks)

	for _, task := range tasks {
		deps, err := o.api.Dependencies(ctx, task.ID)
		if err != nil {
			return c, errors.Wrapf(err, "fetch dependencies of task %d", task.ID)
		}
		ids := make([]int64, 0, len(deps))
		for _, d := range deps {
			ids = append(ids, d.ID)
		}
		if err := o.store.ReplaceTaskDependencies(ctx, task.ID, ids); err != nil {
			return c, errors.Wrapf(err, "save dependencies of task %d", task.ID)
		}

		stories, err := o.api.Stories(ctx, task.ID)
		if err != nil {
			return c, errors.Wrapf(err, "fetch stories of task %d", task.ID)
		}
		if err := o.store.UpsertStories(ctx, stories); err != nil {
			return c, errors.Wrapf(err, "save stories of task %d", task.ID)
		}
		c.Stories += len(stories)

		n, downloaded, err := o.syncAttachments(ctx, active, task.ID, cfg, dl)
		c.Attachments += n
		c.Downloaded += downloaded
		if err != nil {
			return c, err
		}
	}
	return c, nil
}

// syncAttachments upserts the attachments of a task. A prior record marked
// downloaded keeps its local state; otherwise one download is attempted when
// enabled. Download failures are recorded on the attachment only. Passes over
// the same task within a run are serialized, so a later pass sees the
// download of an earlier one.
func (o *Orchestrator) syncAttachments(ctx context.Context, active *activeRun, taskID int64, cfg model.SyncConfig, dl Downloader) (count, downloaded int, err error) {
	defer active.lockTask(taskID)()

	items, err := o.api.Attachments(ctx, taskID)
	if err != nil {
		return 0, 0, errors.Wrapf(err, "fetch attachments of task %d", taskID)
	}
	if len(items) == 0 {
		return 0, 0, nil
	}

	ids := make([]int64, len(items))
	for i, a := range items {
		ids[i] = a.ID
	}
	prior, err := o.store.AttachmentsByIDs(ctx, ids)
	if err != nil {
		return 0, 0, errors.Wrapf(err, "load attachments of task %d", taskID)
	}

	for i := range items {
		a := &items[i]
		if prev, ok := prior[a.ID]; ok && prev.IsDownloaded {
			a.IsDownloaded = true
			a.LocalPath = prev.LocalPath
			a.ThumbnailPath = prev.ThumbnailPath
			a.FileSize = prev.FileSize
			continue
		}
		if !cfg.DownloadAttachments || dl == nil || a.DownloadURL == nil || *a.DownloadURL == "" {
			continue
		}

		res := dl.DownloadAndSave(ctx, *a.DownloadURL, fmt.Sprintf("%d_%s", a.ID, a.Name))
		if !res.Success {
			msg := res.Error
			a.DownloadError = &msg
			continue
		}
		size := res.Size
		a.IsDownloaded = true
		a.LocalPath = &res.OriginalPath
		a.FileSize = &size
		if res.ThumbnailPath != "" {
			a.ThumbnailPath = &res.ThumbnailPath
		}
		downloaded++
	}

	if err := o.store.UpsertAttachments(ctx, items); err != nil {
		return 0, 0, errors.Wrapf(err, "save attachments of task %d", taskID)
	}
	return len(items), downloaded, nil
}

// chunk splits items into consecutive slices of at most size elements.
func chunk[T any](items []T, size int) [][]T {
	if size <= 0 {
		size = 1
	}
	var out [][]T
	for start := 0; start < len(items); start += size {
		end := min(start+size, len(items))
		out = append(out, items[start:end])
	}
	return out
}
