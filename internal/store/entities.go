package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/antigravity-dev/asanasync/internal/model"
)

var (
	userColumns      = []string{"name", "email", "photo_url", "raw"}
	workspaceColumns = []string{"name", "is_organization", "raw"}
	projectColumns   = []string{
		"workspace_id", "name", "archived", "color", "notes", "due_date",
		"remote_created_at", "remote_modified_at", "owner_id", "owner_name", "raw",
	}
	taskColumns = []string{
		"project_id", "name", "notes", "html_notes", "completed", "completed_at", "completed_by_id",
		"due_on", "due_at", "start_on", "start_at", "remote_created_at", "remote_modified_at",
		"assignee_id", "assignee_name", "custom_fields", "memberships", "num_subtasks",
		"parent_task_id", "resource_subtype", "raw",
	}
	storyColumns = []string{
		"task_id", "type", "resource_subtype", "text", "created_by_id", "created_by_name",
		"remote_created_at", "raw",
	}
	attachmentColumns = []string{
		"task_id", "name", "download_url", "view_url", "permanent_url", "host", "remote_created_at",
		"local_path", "thumbnail_path", "is_downloaded", "download_error", "file_size", "raw",
	}
)

// upsertAll inserts or updates items keyed by their external identifier in
// one transaction. created_at is written on insert only.
func upsertAll[T model.Entity](ctx context.Context, s *Store, table string, columns []string, items []T, values func(T) []any) error {
	if len(items) == 0 {
		return nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(columns)+3), ", ")
	sets := make([]string, 0, len(columns)+1)
	for _, c := range columns {
		sets = append(sets, c+" = excluded."+c)
	}
	sets = append(sets, "updated_at = excluded.updated_at")
	query := fmt.Sprintf(
		`INSERT INTO %s (id, %s, created_at, updated_at) VALUES (%s)
		ON CONFLICT(id) DO UPDATE SET %s`,
		table, strings.Join(columns, ", "), placeholders, strings.Join(sets, ", "),
	)

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, query)
		if err != nil {
			return err
		}
		defer stmt.Close()

		now := s.stamp()
		for _, item := range items {
			args := make([]any, 0, len(columns)+3)
			args = append(args, item.ExternalID())
			args = append(args, values(item)...)
			args = append(args, now, now)
			if _, err := stmt.ExecContext(ctx, args...); err != nil {
				return fmt.Errorf("id %d: %w", item.ExternalID(), err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("store: upsert %s: %w", table, err)
	}
	return nil
}

// UpsertUsers inserts or updates users by external id.
func (s *Store) UpsertUsers(ctx context.Context, users []model.User) error {
	return upsertAll(ctx, s, "users", userColumns, users, func(u model.User) []any {
		return []any{u.Name, optString(u.Email), optString(u.PhotoURL), optJSON(u.Raw)}
	})
}

// UpsertWorkspaces inserts or updates workspaces by external id.
func (s *Store) UpsertWorkspaces(ctx context.Context, workspaces []model.Workspace) error {
	return upsertAll(ctx, s, "workspaces", workspaceColumns, workspaces, func(w model.Workspace) []any {
		return []any{w.Name, boolInt(w.IsOrganization), optJSON(w.Raw)}
	})
}

// UpsertProjects inserts or updates projects by external id.
func (s *Store) UpsertProjects(ctx context.Context, projects []model.Project) error {
	return upsertAll(ctx, s, "projects", projectColumns, projects, func(p model.Project) []any {
		return []any{
			p.WorkspaceID, p.Name, boolInt(p.Archived), optString(p.Color), optString(p.Notes),
			optTime(p.DueDate), optTime(p.RemoteCreatedAt), optTime(p.RemoteModifiedAt),
			optInt(p.OwnerID), optString(p.OwnerName), optJSON(p.Raw),
		}
	})
}

// UpsertTasks inserts or updates tasks by external id.
func (s *Store) UpsertTasks(ctx context.Context, tasks []model.Task) error {
	return upsertAll(ctx, s, "tasks", taskColumns, tasks, func(t model.Task) []any {
		return []any{
			t.ProjectID, t.Name, optString(t.Notes), optString(t.HTMLNotes),
			boolInt(t.Completed), optTime(t.CompletedAt), optInt(t.CompletedByID),
			optTime(t.DueOn), optTime(t.DueAt), optTime(t.StartOn), optTime(t.StartAt),
			optTime(t.RemoteCreatedAt), optTime(t.RemoteModifiedAt),
			optInt(t.AssigneeID), optString(t.AssigneeName),
			optJSON(t.CustomFields), optJSON(t.Memberships), t.NumSubtasks,
			optInt(t.ParentTaskID), optString(t.ResourceSubtype), optJSON(t.Raw),
		}
	})
}

// UpsertStories inserts or updates stories by external id.
func (s *Store) UpsertStories(ctx context.Context, stories []model.Story) error {
	return upsertAll(ctx, s, "stories", storyColumns, stories, func(st model.Story) []any {
		return []any{
			st.TaskID, st.Type, optString(st.ResourceSubtype), optString(st.Text),
			optInt(st.CreatedByID), optString(st.CreatedByName), optTime(st.RemoteCreatedAt), optJSON(st.Raw),
		}
	})
}

// UpsertAttachments inserts or updates attachments by external id, including
// local download state. Callers merge prior download state before calling.
func (s *Store) UpsertAttachments(ctx context.Context, attachments []model.Attachment) error {
	return upsertAll(ctx, s, "attachments", attachmentColumns, attachments, func(a model.Attachment) []any {
		return []any{
			a.TaskID, a.Name, optString(a.DownloadURL), optString(a.ViewURL), optString(a.PermanentURL),
			optString(a.Host), optTime(a.RemoteCreatedAt), optString(a.LocalPath), optString(a.ThumbnailPath),
			boolInt(a.IsDownloaded), optString(a.DownloadError), optInt(a.FileSize), optJSON(a.Raw),
		}
	})
}

// ReplaceTaskDependencies replaces the full dependency edge set of a task.
func (s *Store) ReplaceTaskDependencies(ctx context.Context, taskID int64, dependsOn []int64) error {
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM task_dependencies WHERE task_id = ?`, taskID); err != nil {
			return err
		}
		now := s.stamp()
		for _, dep := range dependsOn {
			if _, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO task_dependencies (task_id, depends_on_task_id, created_at) VALUES (?, ?, ?)`,
				taskID, dep, now,
			); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("store: replace dependencies of task %d: %w", taskID, err)
	}
	return nil
}

// TaskDependencies returns the edges of a task ordered by dependency id.
func (s *Store) TaskDependencies(ctx context.Context, taskID int64) ([]model.TaskDependency, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT task_id, depends_on_task_id, created_at FROM task_dependencies WHERE task_id = ? ORDER BY depends_on_task_id`,
		taskID,
	)
	if err != nil {
		return nil, fmt.Errorf("store: query dependencies: %w", err)
	}
	defer rows.Close()

	var deps []model.TaskDependency
	for rows.Next() {
		var d model.TaskDependency
		var created string
		if err := rows.Scan(&d.TaskID, &d.DependsOnTaskID, &created); err != nil {
			return nil, fmt.Errorf("store: scan dependency: %w", err)
		}
		if d.CreatedAt, err = parseTime(created); err != nil {
			return nil, fmt.Errorf("store: scan dependency: %w", err)
		}
		deps = append(deps, d)
	}
	return deps, rows.Err()
}

// GetTask returns one task by external id.
func (s *Store) GetTask(ctx context.Context, id int64) (*model.Task, error) {
	var (
		t                                                        model.Task
		notes, htmlNotes, assigneeName, subtype, custom, members sql.NullString
		raw, created, updated                                    sql.NullString
		completedAt, dueOn, dueAt, startOn, startAt              sql.NullString
		remoteCreated, remoteModified                            sql.NullString
		completedBy, assignee, parent                            sql.NullInt64
		completed                                                int
	)
	err := s.db.QueryRowContext(ctx, `SELECT id, `+strings.Join(taskColumns, ", ")+`, created_at, updated_at
		FROM tasks WHERE id = ?`, id).Scan(
		&t.ID, &t.ProjectID, &t.Name, &notes, &htmlNotes, &completed, &completedAt, &completedBy,
		&dueOn, &dueAt, &startOn, &startAt, &remoteCreated, &remoteModified,
		&assignee, &assigneeName, &custom, &members, &t.NumSubtasks,
		&parent, &subtype, &raw, &created, &updated,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get task %d: %w", id, err)
	}

	t.Notes = scanString(notes)
	t.HTMLNotes = scanString(htmlNotes)
	t.Completed = completed != 0
	t.CompletedByID = scanInt(completedBy)
	t.AssigneeID = scanInt(assignee)
	t.AssigneeName = scanString(assigneeName)
	t.ParentTaskID = scanInt(parent)
	t.ResourceSubtype = scanString(subtype)
	t.CustomFields = rawJSON(custom)
	t.Memberships = rawJSON(members)
	t.Raw = rawJSON(raw)

	for _, f := range []struct {
		dst **time.Time
		src sql.NullString
	}{
		{&t.CompletedAt, completedAt}, {&t.DueOn, dueOn}, {&t.DueAt, dueAt},
		{&t.StartOn, startOn}, {&t.StartAt, startAt},
		{&t.RemoteCreatedAt, remoteCreated}, {&t.RemoteModifiedAt, remoteModified},
	} {
		if *f.dst, err = scanTime(f.src); err != nil {
			return nil, fmt.Errorf("store: get task %d: %w", id, err)
		}
	}
	if err := scanMeta(&t.Meta, created, updated); err != nil {
		return nil, fmt.Errorf("store: get task %d: %w", id, err)
	}
	return &t, nil
}

// AttachmentsByIDs returns the stored attachments among ids, keyed by id.
// Unknown ids are absent from the result.
func (s *Store) AttachmentsByIDs(ctx context.Context, ids []int64) (map[int64]model.Attachment, error) {
	if len(ids) == 0 {
		return map[int64]model.Attachment{}, nil
	}

	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	query := `SELECT id, ` + strings.Join(attachmentColumns, ", ") + `, created_at, updated_at
		FROM attachments WHERE id IN (` + strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ") + `)`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query attachments: %w", err)
	}
	defer rows.Close()

	found := make([]model.Attachment, 0, len(ids))
	for rows.Next() {
		var (
			a                                          model.Attachment
			downloadURL, viewURL, permanentURL, host   sql.NullString
			remoteCreated, localPath, thumbPath, dlErr sql.NullString
			raw, created, updated                      sql.NullString
			size                                       sql.NullInt64
			downloaded                                 int
		)
		if err := rows.Scan(
			&a.ID, &a.TaskID, &a.Name, &downloadURL, &viewURL, &permanentURL, &host, &remoteCreated,
			&localPath, &thumbPath, &downloaded, &dlErr, &size, &raw, &created, &updated,
		); err != nil {
			return nil, fmt.Errorf("store: scan attachment: %w", err)
		}
		a.DownloadURL = scanString(downloadURL)
		a.ViewURL = scanString(viewURL)
		a.PermanentURL = scanString(permanentURL)
		a.Host = scanString(host)
		a.LocalPath = scanString(localPath)
		a.ThumbnailPath = scanString(thumbPath)
		a.IsDownloaded = downloaded != 0
		a.DownloadError = scanString(dlErr)
		a.FileSize = scanInt(size)
		a.Raw = rawJSON(raw)
		if a.RemoteCreatedAt, err = scanTime(remoteCreated); err != nil {
			return nil, fmt.Errorf("store: scan attachment: %w", err)
		}
		if err := scanMeta(&a.Meta, created, updated); err != nil {
			return nil, fmt.Errorf("store: scan attachment: %w", err)
		}
		found = append(found, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: query attachments: %w", err)
	}
	return model.IndexByID(found), nil
}

// Stats are row counts per mirrored collection.
type Stats struct {
	Users                 int `json:"users"`
	Workspaces            int `json:"workspaces"`
	Projects              int `json:"projects"`
	Tasks                 int `json:"tasks"`
	Dependencies          int `json:"dependencies"`
	Stories               int `json:"stories"`
	Attachments           int `json:"attachments"`
	DownloadedAttachments int `json:"downloaded_attachments"`
	Runs                  int `json:"runs"`
}

// GetStats counts the rows of every mirrored collection.
func (s *Store) GetStats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx, `SELECT
		(SELECT COUNT(*) FROM users),
		(SELECT COUNT(*) FROM workspaces),
		(SELECT COUNT(*) FROM projects),
		(SELECT COUNT(*) FROM tasks),
		(SELECT COUNT(*) FROM task_dependencies),
		(SELECT COUNT(*) FROM stories),
		(SELECT COUNT(*) FROM attachments),
		(SELECT COUNT(*) FROM attachments WHERE is_downloaded = 1),
		(SELECT COUNT(*) FROM sync_runs)`).Scan(
		&st.Users, &st.Workspaces, &st.Projects, &st.Tasks, &st.Dependencies,
		&st.Stories, &st.Attachments, &st.DownloadedAttachments, &st.Runs,
	)
	if err != nil {
		return Stats{}, fmt.Errorf("store: stats: %w", err)
	}
	return st, nil
}

func scanMeta(m *model.Meta, created, updated sql.NullString) error {
	for _, f := range []struct {
		dst *time.Time
		src sql.NullString
	}{{&m.CreatedAt, created}, {&m.UpdatedAt, updated}} {
		t, err := scanTime(f.src)
		if err != nil {
			return err
		}
		if t != nil {
			*f.dst = *t
		}
	}
	return nil
}

func rawJSON(v sql.NullString) json.RawMessage {
	if !v.Valid || v.String == "" {
		return nil
	}
	return json.RawMessage(v.String)
}
