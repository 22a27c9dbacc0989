package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned by single-row lookups that match nothing.
var ErrNotFound = errors.New("store: not found")

// Store provides SQLite-backed persistence for mirrored entities, run records
// and the sync configuration row.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Timestamps are stored as fixed-width UTC text so they sort lexically.
const timeLayout = "2006-01-02 15:04:05.000000000"

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id INTEGER PRIMARY KEY,
	name TEXT NOT NULL DEFAULT '',
	email TEXT,
	photo_url TEXT,
	raw TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS workspaces (
	id INTEGER PRIMARY KEY,
	name TEXT NOT NULL DEFAULT '',
	is_organization INTEGER NOT NULL DEFAULT 0,
	raw TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS projects (
	id INTEGER PRIMARY KEY,
	workspace_id INTEGER NOT NULL,
	name TEXT NOT NULL DEFAULT '',
	archived INTEGER NOT NULL DEFAULT 0,
	color TEXT,
	notes TEXT,
	due_date TEXT,
	remote_created_at TEXT,
	remote_modified_at TEXT,
	owner_id INTEGER,
	owner_name TEXT,
	raw TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS tasks (
	id INTEGER PRIMARY KEY,
	project_id INTEGER NOT NULL,
	name TEXT NOT NULL DEFAULT '',
	notes TEXT,
	html_notes TEXT,
	completed INTEGER NOT NULL DEFAULT 0,
	completed_at TEXT,
	completed_by_id INTEGER,
	due_on TEXT,
	due_at TEXT,
	start_on TEXT,
	start_at TEXT,
	remote_created_at TEXT,
	remote_modified_at TEXT,
	assignee_id INTEGER,
	assignee_name TEXT,
	custom_fields TEXT,
	memberships TEXT,
	num_subtasks INTEGER NOT NULL DEFAULT 0,
	parent_task_id INTEGER,
	resource_subtype TEXT,
	raw TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS task_dependencies (
	task_id INTEGER NOT NULL,
	depends_on_task_id INTEGER NOT NULL,
	created_at TEXT NOT NULL,
	PRIMARY KEY (task_id, depends_on_task_id)
);

CREATE TABLE IF NOT EXISTS stories (
	id INTEGER PRIMARY KEY,
	task_id INTEGER NOT NULL,
	type TEXT NOT NULL DEFAULT 'system',
	resource_subtype TEXT,
	text TEXT,
	created_by_id INTEGER,
	created_by_name TEXT,
	remote_created_at TEXT,
	raw TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS attachments (
	id INTEGER PRIMARY KEY,
	task_id INTEGER NOT NULL,
	name TEXT NOT NULL DEFAULT '',
	download_url TEXT,
	view_url TEXT,
	permanent_url TEXT,
	host TEXT,
	remote_created_at TEXT,
	local_path TEXT,
	thumbnail_path TEXT,
	is_downloaded INTEGER NOT NULL DEFAULT 0,
	download_error TEXT,
	file_size INTEGER,
	raw TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS sync_runs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	started_at TEXT NOT NULL,
	completed_at TEXT,
	status TEXT NOT NULL,
	trigger_source TEXT NOT NULL DEFAULT 'manual',
	users_count INTEGER NOT NULL DEFAULT 0,
	workspaces_count INTEGER NOT NULL DEFAULT 0,
	projects_count INTEGER NOT NULL DEFAULT 0,
	tasks_count INTEGER NOT NULL DEFAULT 0,
	stories_count INTEGER NOT NULL DEFAULT 0,
	attachments_count INTEGER NOT NULL DEFAULT 0,
	downloaded_attachments_count INTEGER NOT NULL DEFAULT 0,
	api_calls INTEGER NOT NULL DEFAULT 0,
	error_message TEXT,
	error_trace TEXT
);

CREATE TABLE IF NOT EXISTS sync_config (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	cron_expression TEXT NOT NULL,
	enabled INTEGER NOT NULL DEFAULT 1,
	download_attachments INTEGER NOT NULL DEFAULT 1,
	generate_thumbnails INTEGER NOT NULL DEFAULT 1,
	thumbnail_max_width INTEGER NOT NULL DEFAULT 400,
	attachment_base_path TEXT NOT NULL,
	last_successful_sync_at TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_projects_workspace ON projects(workspace_id);
CREATE INDEX IF NOT EXISTS idx_tasks_project ON tasks(project_id);
CREATE INDEX IF NOT EXISTS idx_stories_task ON stories(task_id);
CREATE INDEX IF NOT EXISTS idx_attachments_task ON attachments(task_id);
CREATE INDEX IF NOT EXISTS idx_sync_runs_status ON sync_runs(status);
`

// Open opens (or creates) the SQLite database at dbPath and applies the schema.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", dbPath, err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: create schema: %w", err)
	}

	// Run migrations for existing databases
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}

	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

// migrate applies incremental schema migrations for existing databases.
func migrate(db *sql.DB) error {
	// Databases created before runs recorded their trigger.
	var count int
	err := db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info('sync_runs') WHERE name = 'trigger_source'`).Scan(&count)
	if err != nil {
		return fmt.Errorf("check trigger_source column: %w", err)
	}
	if count == 0 {
		if _, err := db.Exec(`ALTER TABLE sync_runs ADD COLUMN trigger_source TEXT NOT NULL DEFAULT 'manual'`); err != nil {
			return fmt.Errorf("add trigger_source column: %w", err)
		}
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) stamp() string {
	return formatTime(s.now())
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(v string) (time.Time, error) {
	t, err := time.Parse(timeLayout, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", v, err)
	}
	return t, nil
}

func optTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func optString(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func optInt(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func optJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func scanTime(v sql.NullString) (*time.Time, error) {
	if !v.Valid {
		return nil, nil
	}
	t, err := parseTime(v.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func scanString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	return &v.String
}

func scanInt(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	return &v.Int64
}

// inTx runs fn inside a transaction, rolling back on error.
func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
