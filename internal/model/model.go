// Package model defines the entities mirrored from the remote task tracker and
// the bookkeeping records written by the sync engine.
package model

import (
	"encoding/json"
	"time"
)

// Entity is implemented by every remotely-sourced record. The external
// identifier is assigned upstream and used as the local primary key.
type Entity interface {
	ExternalID() int64
}

// IndexByID maps entities by their external identifier. Later duplicates win.
func IndexByID[T Entity](items []T) map[int64]T {
	out := make(map[int64]T, len(items))
	for _, item := range items {
		out[item.ExternalID()] = item
	}
	return out
}

// Meta is the bookkeeping shared by all remotely-sourced entities.
type Meta struct {
	ID        int64           `json:"id"`
	Raw       json.RawMessage `json:"raw,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// ExternalID implements Entity.
func (m Meta) ExternalID() int64 { return m.ID }

type User struct {
	Meta
	Name     string  `json:"name"`
	Email    *string `json:"email,omitempty"`
	PhotoURL *string `json:"photo_url,omitempty"`
}

type Workspace struct {
	Meta
	Name           string `json:"name"`
	IsOrganization bool   `json:"is_organization"`
}

type Project struct {
	Meta
	WorkspaceID      int64      `json:"workspace_id"`
	Name             string     `json:"name"`
	Archived         bool       `json:"archived"`
	Color            *string    `json:"color,omitempty"`
	Notes            *string    `json:"notes,omitempty"`
	DueDate          *time.Time `json:"due_date,omitempty"`
	RemoteCreatedAt  *time.Time `json:"remote_created_at,omitempty"`
	RemoteModifiedAt *time.Time `json:"remote_modified_at,omitempty"`
	OwnerID          *int64     `json:"owner_id,omitempty"`
	OwnerName        *string    `json:"owner_name,omitempty"`
}

// Task is a unit of work inside a project. Parent and dependency links are
// plain identifiers; edges live in TaskDependency.
type Task struct {
	Meta
	ProjectID        int64           `json:"project_id"`
	Name             string          `json:"name"`
	Notes            *string         `json:"notes,omitempty"`
	HTMLNotes        *string         `json:"html_notes,omitempty"`
	Completed        bool            `json:"completed"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty"`
	CompletedByID    *int64          `json:"completed_by_id,omitempty"`
	DueOn            *time.Time      `json:"due_on,omitempty"`
	DueAt            *time.Time      `json:"due_at,omitempty"`
	StartOn          *time.Time      `json:"start_on,omitempty"`
	StartAt          *time.Time      `json:"start_at,omitempty"`
	RemoteCreatedAt  *time.Time      `json:"remote_created_at,omitempty"`
	RemoteModifiedAt *time.Time      `json:"remote_modified_at,omitempty"`
	AssigneeID       *int64          `json:"assignee_id,omitempty"`
	AssigneeName     *string         `json:"assignee_name,omitempty"`
	CustomFields     json.RawMessage `json:"custom_fields,omitempty"`
	Memberships      json.RawMessage `json:"memberships,omitempty"`
	NumSubtasks      int             `json:"num_subtasks"`
	ParentTaskID     *int64          `json:"parent_task_id,omitempty"`
	ResourceSubtype  *string         `json:"resource_subtype,omitempty"`
}

// TaskDependency is a directed edge: TaskID depends on DependsOnTaskID.
type TaskDependency struct {
	TaskID          int64     `json:"task_id"`
	DependsOnTaskID int64     `json:"depends_on_task_id"`
	CreatedAt       time.Time `json:"created_at"`
}

// DependencyRef is a dependency as reported upstream.
type DependencyRef struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

func (d DependencyRef) ExternalID() int64 { return d.ID }

type Story struct {
	Meta
	TaskID          int64      `json:"task_id"`
	Type            string     `json:"type"`
	ResourceSubtype *string    `json:"resource_subtype,omitempty"`
	Text            *string    `json:"text,omitempty"`
	CreatedByID     *int64     `json:"created_by_id,omitempty"`
	CreatedByName   *string    `json:"created_by_name,omitempty"`
	RemoteCreatedAt *time.Time `json:"remote_created_at,omitempty"`
}

// Attachment carries both upstream metadata and local download state. Once
// IsDownloaded is set, LocalPath, ThumbnailPath and FileSize are sticky.
type Attachment struct {
	Meta
	TaskID          int64      `json:"task_id"`
	Name            string     `json:"name"`
	DownloadURL     *string    `json:"download_url,omitempty"`
	ViewURL         *string    `json:"view_url,omitempty"`
	PermanentURL    *string    `json:"permanent_url,omitempty"`
	Host            *string    `json:"host,omitempty"`
	RemoteCreatedAt *time.Time `json:"remote_created_at,omitempty"`
	LocalPath       *string    `json:"local_path,omitempty"`
	ThumbnailPath   *string    `json:"thumbnail_path,omitempty"`
	IsDownloaded    bool       `json:"is_downloaded"`
	DownloadError   *string    `json:"download_error,omitempty"`
	FileSize        *int64     `json:"file_size,omitempty"`
}
