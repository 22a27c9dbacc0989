package model

import "time"

// RunStatus is the lifecycle state of a sync run.
type RunStatus string

const (
	RunRunning   RunStatus = "Running"
	RunCompleted RunStatus = "Completed"
	RunFailed    RunStatus = "Failed"
	RunCancelled RunStatus = "Cancelled"
)

// Terminal reports whether the status is one a run can end in.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunCancelled:
		return true
	default:
		return false
	}
}

// Trigger records what started a run.
type Trigger string

const (
	TriggerManual    Trigger = "manual"
	TriggerScheduled Trigger = "scheduled"
	TriggerCLI       Trigger = "cli"
)

// Counts are the per-entity totals aggregated over a run.
type Counts struct {
	Users       int `json:"users"`
	Workspaces  int `json:"workspaces"`
	Projects    int `json:"projects"`
	Tasks       int `json:"tasks"`
	Stories     int `json:"stories"`
	Attachments int `json:"attachments"`
	Downloaded  int `json:"downloaded_attachments"`
}

// SyncRun is the durable record of one pipeline execution.
type SyncRun struct {
	ID           int64      `json:"id"`
	StartedAt    time.Time  `json:"started_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	Status       RunStatus  `json:"status"`
	Trigger      Trigger    `json:"trigger"`
	Counts       Counts     `json:"counts"`
	APICalls     int64      `json:"api_calls"`
	ErrorMessage *string    `json:"error_message,omitempty"`
	ErrorTrace   *string    `json:"error_trace,omitempty"`
}

// Duration is the wall time of a finished run, or zero while running.
func (r *SyncRun) Duration() time.Duration {
	if r == nil || r.CompletedAt == nil {
		return 0
	}
	return r.CompletedAt.Sub(r.StartedAt)
}

// SyncConfig is the singleton, runtime-editable sync configuration row.
type SyncConfig struct {
	CronExpression       string     `json:"cron_expression"`
	Enabled              bool       `json:"enabled"`
	DownloadAttachments  bool       `json:"download_attachments"`
	GenerateThumbnails   bool       `json:"generate_thumbnails"`
	ThumbnailMaxWidth    int        `json:"thumbnail_max_width"`
	AttachmentBasePath   string     `json:"attachment_base_path"`
	LastSuccessfulSyncAt *time.Time `json:"last_successful_sync_at,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
	// Persisted is false when the row does not exist yet and defaults were used.
	Persisted bool `json:"-"`
}

// Stage names the pipeline phase a progress snapshot was taken in.
type Stage string

const (
	StageStarting   Stage = "starting"
	StageUsers      Stage = "users"
	StageWorkspaces Stage = "workspaces"
	StageProjects   Stage = "projects"
	StageTasks      Stage = "tasks"
	StageFinishing  Stage = "finishing"
)

// Progress is an immutable snapshot of a running sync. A new value is
// published on every stage and batch boundary; readers never see it mutate.
type Progress struct {
	RunID          int64     `json:"run_id"`
	Stage          Stage     `json:"stage"`
	Counts         Counts    `json:"counts"`
	APICalls       int64     `json:"api_calls"`
	Batch          int       `json:"batch"`
	Batches        int       `json:"batches"`
	FailedProjects int       `json:"failed_projects"`
	UpdatedAt      time.Time `json:"updated_at"`
}
