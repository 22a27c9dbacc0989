package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/antigravity-dev/asanasync/internal/model"
)

func tempStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func strPtr(s string) *string { return &s }
func intPtr(i int64) *int64   { return &i }

func TestOpen_Idempotent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	for i := 0; i < 2; i++ {
		s, err := Open(dbPath)
		if err != nil {
			t.Fatalf("Open #%d failed: %v", i, err)
		}
		s.Close()
	}
}

func TestUpsertTasks_PreservesCreatedAt(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()

	first := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return first }
	err := s.UpsertTasks(ctx, []model.Task{{
		Meta:      model.Meta{ID: 100, Raw: []byte(`{"gid":"100"}`)},
		ProjectID: 7,
		Name:      "draft",
		Notes:     strPtr("v1"),
	}})
	if err != nil {
		t.Fatal(err)
	}

	second := first.Add(3 * time.Hour)
	s.now = func() time.Time { return second }
	due := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	err = s.UpsertTasks(ctx, []model.Task{{
		Meta:       model.Meta{ID: 100},
		ProjectID:  7,
		Name:       "final",
		Completed:  true,
		DueOn:      &due,
		AssigneeID: intPtr(5),
	}})
	if err != nil {
		t.Fatal(err)
	}

	got, err := s.GetTask(ctx, 100)
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "final" || !got.Completed {
		t.Fatalf("fields not updated: %+v", got)
	}
	if got.Notes != nil {
		t.Fatalf("notes = %q, want nil after upstream cleared it", *got.Notes)
	}
	if got.DueOn == nil || !got.DueOn.Equal(due) {
		t.Fatalf("due_on = %v, want %v", got.DueOn, due)
	}
	if got.AssigneeID == nil || *got.AssigneeID != 5 {
		t.Fatalf("assignee_id = %v, want 5", got.AssigneeID)
	}
	if !got.CreatedAt.Equal(first) {
		t.Fatalf("created_at = %v, want original %v", got.CreatedAt, first)
	}
	if !got.UpdatedAt.Equal(second) {
		t.Fatalf("updated_at = %v, want %v", got.UpdatedAt, second)
	}
}

func TestGetTask_NotFound(t *testing.T) {
	s := tempStore(t)
	if _, err := s.GetTask(context.Background(), 404); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestReplaceTaskDependencies_ReplacesSet(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()

	if err := s.ReplaceTaskDependencies(ctx, 1, []int64{10, 20}); err != nil {
		t.Fatal(err)
	}
	if err := s.ReplaceTaskDependencies(ctx, 2, []int64{10}); err != nil {
		t.Fatal(err)
	}
	if err := s.ReplaceTaskDependencies(ctx, 1, []int64{10}); err != nil {
		t.Fatal(err)
	}

	deps, err := s.TaskDependencies(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(deps) != 1 || deps[0].DependsOnTaskID != 10 {
		t.Fatalf("deps of task 1 = %+v, want exactly {10}", deps)
	}

	other, err := s.TaskDependencies(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(other) != 1 {
		t.Fatalf("replacing task 1 touched task 2: %+v", other)
	}

	if err := s.ReplaceTaskDependencies(ctx, 1, nil); err != nil {
		t.Fatal(err)
	}
	if deps, _ := s.TaskDependencies(ctx, 1); len(deps) != 0 {
		t.Fatalf("deps after clear = %+v", deps)
	}
}

func TestAttachmentsByIDs(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()

	err := s.UpsertAttachments(ctx, []model.Attachment{
		{Meta: model.Meta{ID: 1}, TaskID: 9, Name: "a.png", IsDownloaded: true,
			LocalPath: strPtr("/x/original/a.png"), ThumbnailPath: strPtr("/x/thumbnails/a.png"), FileSize: intPtr(42)},
		{Meta: model.Meta{ID: 2}, TaskID: 9, Name: "b.pdf", DownloadError: strPtr("HTTP error: status 403")},
	})
	if err != nil {
		t.Fatal(err)
	}

	got, err := s.AttachmentsByIDs(ctx, []int64{1, 2, 3})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d attachments, want 2", len(got))
	}
	a := got[1]
	if !a.IsDownloaded || *a.LocalPath != "/x/original/a.png" || *a.FileSize != 42 {
		t.Fatalf("attachment 1 = %+v", a)
	}
	b := got[2]
	if b.IsDownloaded || b.LocalPath != nil || *b.DownloadError != "HTTP error: status 403" {
		t.Fatalf("attachment 2 = %+v", b)
	}

	empty, err := s.AttachmentsByIDs(ctx, nil)
	if err != nil || len(empty) != 0 {
		t.Fatalf("empty lookup = %v, %v", empty, err)
	}
}

func TestConcurrentUpserts(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 5)
	for p := int64(0); p < 5; p++ {
		wg.Add(1)
		go func(p int64) {
			defer wg.Done()
			tasks := make([]model.Task, 20)
			for i := range tasks {
				tasks[i] = model.Task{Meta: model.Meta{ID: p*100 + int64(i)}, ProjectID: p, Name: "t"}
			}
			errs <- s.UpsertTasks(ctx, tasks)
		}(p)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatal(err)
		}
	}

	stats, err := s.GetStats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Tasks != 100 {
		t.Fatalf("tasks = %d, want 100", stats.Tasks)
	}
}

func TestRunLifecycle(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()

	latest, err := s.LatestTerminalRun(ctx)
	if err != nil || latest != nil {
		t.Fatalf("latest on empty db = %v, %v", latest, err)
	}

	started := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	run, err := s.CreateRun(ctx, model.TriggerScheduled, started)
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != model.RunRunning {
		t.Fatalf("status = %s", run.Status)
	}

	// Still running: not terminal.
	if latest, _ := s.LatestTerminalRun(ctx); latest != nil {
		t.Fatalf("running run reported as terminal: %+v", latest)
	}

	done := started.Add(90 * time.Second)
	run.Status = model.RunCompleted
	run.CompletedAt = &done
	run.Counts = model.Counts{Users: 3, Workspaces: 1, Projects: 12, Tasks: 40, Stories: 80, Attachments: 5, Downloaded: 4}
	run.APICalls = 321
	if err := s.FinishRun(ctx, run); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != model.RunCompleted || got.Trigger != model.TriggerScheduled {
		t.Fatalf("run = %+v", got)
	}
	if got.Counts != run.Counts || got.APICalls != 321 {
		t.Fatalf("counts = %+v calls = %d", got.Counts, got.APICalls)
	}
	if got.Duration() != 90*time.Second {
		t.Fatalf("duration = %s", got.Duration())
	}

	latest, err = s.LatestTerminalRun(ctx)
	if err != nil || latest == nil || latest.ID != run.ID {
		t.Fatalf("latest = %+v, %v", latest, err)
	}
}

func TestFinishRun_RejectsNonTerminal(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()
	run, err := s.CreateRun(ctx, model.TriggerManual, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if err := s.FinishRun(ctx, run); err == nil {
		t.Fatal("expected error finishing a Running run")
	}
}

func TestListRuns_NewestFirst(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := s.CreateRun(ctx, model.TriggerManual, time.Now()); err != nil {
			t.Fatal(err)
		}
	}
	runs, err := s.ListRuns(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 2 || runs[0].ID < runs[1].ID {
		t.Fatalf("runs = %+v", runs)
	}
	if _, err := s.GetRun(ctx, 999); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetRun(999) err = %v", err)
	}
}

func TestInterruptRunningRuns(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()
	run, err := s.CreateRun(ctx, model.TriggerManual, time.Now())
	if err != nil {
		t.Fatal(err)
	}

	n, err := s.InterruptRunningRuns(ctx)
	if err != nil || n != 1 {
		t.Fatalf("interrupted = %d, %v", n, err)
	}
	got, err := s.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != model.RunFailed || got.CompletedAt == nil {
		t.Fatalf("run = %+v, want Failed with completed_at", got)
	}
}

func TestSyncConfig_DefaultThenSaved(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()
	def := model.SyncConfig{
		CronExpression:      "0 */3 * * *",
		Enabled:             true,
		DownloadAttachments: true,
		GenerateThumbnails:  true,
		ThumbnailMaxWidth:   400,
		AttachmentBasePath:  "./attachments",
	}

	got, err := s.GetSyncConfig(ctx, def)
	if err != nil {
		t.Fatal(err)
	}
	if got.Persisted || got.CronExpression != def.CronExpression {
		t.Fatalf("default config = %+v", got)
	}

	t0 := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return t0 }
	update := def
	update.GenerateThumbnails = false
	update.CronExpression = "*/30 * * * *"
	saved, err := s.SaveSyncConfig(ctx, update)
	if err != nil {
		t.Fatal(err)
	}
	if !saved.Persisted || saved.GenerateThumbnails || saved.CronExpression != "*/30 * * * *" {
		t.Fatalf("saved = %+v", saved)
	}

	success := t0.Add(time.Hour)
	s.now = func() time.Time { return success }
	if err := s.MarkSyncSucceeded(ctx, success, def); err != nil {
		t.Fatal(err)
	}

	got, err = s.GetSyncConfig(ctx, def)
	if err != nil {
		t.Fatal(err)
	}
	if got.CronExpression != "*/30 * * * *" {
		t.Fatalf("marking success overwrote settings: %+v", got)
	}
	if got.LastSuccessfulSyncAt == nil || !got.LastSuccessfulSyncAt.Equal(success) {
		t.Fatalf("last_successful_sync_at = %v", got.LastSuccessfulSyncAt)
	}
	if !got.CreatedAt.Equal(t0) {
		t.Fatalf("created_at = %v, want %v", got.CreatedAt, t0)
	}

	// Saving again keeps the success stamp.
	again, err := s.SaveSyncConfig(ctx, update)
	if err != nil {
		t.Fatal(err)
	}
	if again.LastSuccessfulSyncAt == nil {
		t.Fatal("save cleared last_successful_sync_at")
	}
}

func TestMarkSyncSucceeded_CreatesRowFromDefaults(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()
	def := model.SyncConfig{CronExpression: "0 * * * *", Enabled: true, ThumbnailMaxWidth: 300, AttachmentBasePath: "/data"}

	at := time.Date(2026, 5, 5, 5, 5, 5, 0, time.UTC)
	if err := s.MarkSyncSucceeded(ctx, at, def); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetSyncConfig(ctx, model.SyncConfig{})
	if err != nil {
		t.Fatal(err)
	}
	if !got.Persisted || got.CronExpression != "0 * * * *" || got.ThumbnailMaxWidth != 300 {
		t.Fatalf("config = %+v", got)
	}
}
