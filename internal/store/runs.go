package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/antigravity-dev/asanasync/internal/model"
)

const runCols = `id, started_at, completed_at, status, trigger_source,
	users_count, workspaces_count, projects_count, tasks_count, stories_count,
	attachments_count, downloaded_attachments_count, api_calls, error_message, error_trace`

// CreateRun inserts a new run record in Running state.
func (s *Store) CreateRun(ctx context.Context, trigger model.Trigger, startedAt time.Time) (*model.SyncRun, error) {
	if trigger == "" {
		trigger = model.TriggerManual
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO sync_runs (started_at, status, trigger_source) VALUES (?, ?, ?)`,
		formatTime(startedAt), string(model.RunRunning), string(trigger),
	)
	if err != nil {
		return nil, fmt.Errorf("store: create run: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("store: create run: %w", err)
	}
	return &model.SyncRun{
		ID:        id,
		StartedAt: startedAt.UTC(),
		Status:    model.RunRunning,
		Trigger:   trigger,
	}, nil
}

// FinishRun writes the terminal state, counts and diagnostics of a run.
func (s *Store) FinishRun(ctx context.Context, run *model.SyncRun) error {
	if !run.Status.Terminal() {
		return fmt.Errorf("store: finish run %d: status %q is not terminal", run.ID, run.Status)
	}
	if run.CompletedAt == nil {
		return fmt.Errorf("store: finish run %d: completed_at not set", run.ID)
	}
	c := run.Counts
	res, err := s.db.ExecContext(ctx, `UPDATE sync_runs SET
		completed_at = ?, status = ?,
		users_count = ?, workspaces_count = ?, projects_count = ?, tasks_count = ?,
		stories_count = ?, attachments_count = ?, downloaded_attachments_count = ?,
		api_calls = ?, error_message = ?, error_trace = ?
		WHERE id = ?`,
		formatTime(*run.CompletedAt), string(run.Status),
		c.Users, c.Workspaces, c.Projects, c.Tasks, c.Stories, c.Attachments, c.Downloaded,
		run.APICalls, optString(run.ErrorMessage), optString(run.ErrorTrace),
		run.ID,
	)
	if err != nil {
		return fmt.Errorf("store: finish run %d: %w", run.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("store: finish run %d: %w", run.ID, ErrNotFound)
	}
	return nil
}

// GetRun returns one run record.
func (s *Store) GetRun(ctx context.Context, id int64) (*model.SyncRun, error) {
	runs, err := s.queryRuns(ctx, `SELECT `+runCols+` FROM sync_runs WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, ErrNotFound
	}
	return &runs[0], nil
}

// LatestTerminalRun returns the most recent run that left Running, or nil if
// there is none.
func (s *Store) LatestTerminalRun(ctx context.Context) (*model.SyncRun, error) {
	runs, err := s.queryRuns(ctx, `SELECT `+runCols+` FROM sync_runs
		WHERE status != ? ORDER BY id DESC LIMIT 1`, string(model.RunRunning))
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, nil
	}
	return &runs[0], nil
}

// ListRuns returns up to limit runs, newest first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]model.SyncRun, error) {
	if limit <= 0 {
		limit = 20
	}
	return s.queryRuns(ctx, `SELECT `+runCols+` FROM sync_runs ORDER BY id DESC LIMIT ?`, limit)
}

// InterruptRunningRuns marks runs left in Running by a previous process as
// Failed. It returns the number of rows changed.
func (s *Store) InterruptRunningRuns(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sync_runs SET status = ?, completed_at = ?, error_message = ? WHERE status = ?`,
		string(model.RunFailed), s.stamp(), "interrupted by process restart", string(model.RunRunning),
	)
	if err != nil {
		return 0, fmt.Errorf("store: interrupt running runs: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: get rows affected: %w", err)
	}
	return int(affected), nil
}

func (s *Store) queryRuns(ctx context.Context, query string, args ...any) ([]model.SyncRun, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query runs: %w", err)
	}
	defer rows.Close()

	var runs []model.SyncRun
	for rows.Next() {
		var (
			r                   model.SyncRun
			started             string
			completed, msg, trc sql.NullString
			status, trigger     string
		)
		if err := rows.Scan(
			&r.ID, &started, &completed, &status, &trigger,
			&r.Counts.Users, &r.Counts.Workspaces, &r.Counts.Projects, &r.Counts.Tasks,
			&r.Counts.Stories, &r.Counts.Attachments, &r.Counts.Downloaded,
			&r.APICalls, &msg, &trc,
		); err != nil {
			return nil, fmt.Errorf("store: scan run: %w", err)
		}
		if r.StartedAt, err = parseTime(started); err != nil {
			return nil, fmt.Errorf("store: scan run: %w", err)
		}
		if r.CompletedAt, err = scanTime(completed); err != nil {
			return nil, fmt.Errorf("store: scan run: %w", err)
		}
		r.Status = model.RunStatus(status)
		r.Trigger = model.Trigger(trigger)
		r.ErrorMessage = scanString(msg)
		r.ErrorTrace = scanString(trc)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
