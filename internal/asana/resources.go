package asana

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/tidwall/gjson"

	"github.com/antigravity-dev/asanasync/internal/model"
)

var (
	userFields       = []string{"name", "email", "photo.image_128x128"}
	workspaceFields  = []string{"name", "is_organization"}
	projectFields    = []string{"name", "archived", "color", "notes", "due_date", "due_on", "created_at", "modified_at", "owner", "owner.name"}
	dependencyFields = []string{"gid", "name"}
	storyFields      = []string{"gid", "type", "resource_subtype", "text", "created_at", "created_by", "created_by.name"}
	attachmentFields = []string{"gid", "name", "download_url", "view_url", "permanent_url", "host", "created_at"}
	taskFields       = []string{
		"name", "notes", "html_notes",
		"completed", "completed_at", "completed_by", "completed_by.name",
		"created_at", "modified_at",
		"due_on", "due_at", "start_on", "start_at",
		"assignee", "assignee.name", "assignee.email",
		"custom_fields", "custom_fields.name", "custom_fields.display_value", "custom_fields.type",
		"memberships", "memberships.section", "memberships.section.name",
		"num_subtasks", "parent", "resource_subtype",
	}
)

// Users lists every user visible to the token.
func (c *Client) Users(ctx context.Context) ([]model.User, error) {
	items, err := c.listAll(ctx, "users", userFields)
	if err != nil {
		return nil, err
	}
	return mapAll(items, "user", func(r gjson.Result, meta model.Meta) model.User {
		return model.User{
			Meta:     meta,
			Name:     r.Get("name").String(),
			Email:    optString(r, "email"),
			PhotoURL: optString(r, "photo.image_128x128"),
		}
	})
}

// Workspaces lists every workspace visible to the token.
func (c *Client) Workspaces(ctx context.Context) ([]model.Workspace, error) {
	items, err := c.listAll(ctx, "workspaces", workspaceFields)
	if err != nil {
		return nil, err
	}
	return mapAll(items, "workspace", func(r gjson.Result, meta model.Meta) model.Workspace {
		return model.Workspace{
			Meta:           meta,
			Name:           r.Get("name").String(),
			IsOrganization: r.Get("is_organization").Bool(),
		}
	})
}

// Projects lists the projects of one workspace.
func (c *Client) Projects(ctx context.Context, workspaceID int64) ([]model.Project, error) {
	items, err := c.listAll(ctx, fmt.Sprintf("workspaces/%d/projects", workspaceID), projectFields)
	if err != nil {
		return nil, err
	}
	return mapAll(items, "project", func(r gjson.Result, meta model.Meta) model.Project {
		due := optTime(r, "due_date")
		if due == nil {
			due = optTime(r, "due_on")
		}
		return model.Project{
			Meta:             meta,
			WorkspaceID:      workspaceID,
			Name:             r.Get("name").String(),
			Archived:         r.Get("archived").Bool(),
			Color:            optString(r, "color"),
			Notes:            optString(r, "notes"),
			DueDate:          due,
			RemoteCreatedAt:  optTime(r, "created_at"),
			RemoteModifiedAt: optTime(r, "modified_at"),
			OwnerID:          optRef(r, "owner"),
			OwnerName:        optString(r, "owner.name"),
		}
	})
}

// Tasks lists the tasks of one project with all detail fields inlined.
func (c *Client) Tasks(ctx context.Context, projectID int64) ([]model.Task, error) {
	items, err := c.listAll(ctx, fmt.Sprintf("projects/%d/tasks", projectID), taskFields)
	if err != nil {
		return nil, err
	}
	return mapAll(items, "task", func(r gjson.Result, meta model.Meta) model.Task {
		return model.Task{
			Meta:             meta,
			ProjectID:        projectID,
			Name:             r.Get("name").String(),
			Notes:            optString(r, "notes"),
			HTMLNotes:        optString(r, "html_notes"),
			Completed:        r.Get("completed").Bool(),
			CompletedAt:      optTime(r, "completed_at"),
			CompletedByID:    optRef(r, "completed_by"),
			DueOn:            optTime(r, "due_on"),
			DueAt:            optTime(r, "due_at"),
			StartOn:          optTime(r, "start_on"),
			StartAt:          optTime(r, "start_at"),
			RemoteCreatedAt:  optTime(r, "created_at"),
			RemoteModifiedAt: optTime(r, "modified_at"),
			AssigneeID:       optRef(r, "assignee"),
			AssigneeName:     optString(r, "assignee.name"),
			CustomFields:     optArray(r, "custom_fields"),
			Memberships:      optArray(r, "memberships"),
			NumSubtasks:      int(r.Get("num_subtasks").Int()),
			ParentTaskID:     optRef(r, "parent"),
			ResourceSubtype:  optString(r, "resource_subtype"),
		}
	})
}

// Dependencies lists the tasks a task depends on.
func (c *Client) Dependencies(ctx context.Context, taskID int64) ([]model.DependencyRef, error) {
	items, err := c.listAll(ctx, fmt.Sprintf("tasks/%d/dependencies", taskID), dependencyFields)
	if err != nil {
		return nil, err
	}
	return mapAll(items, "dependency", func(r gjson.Result, meta model.Meta) model.DependencyRef {
		return model.DependencyRef{ID: meta.ID, Name: r.Get("name").String()}
	})
}

// Stories lists the comments and system events of a task.
func (c *Client) Stories(ctx context.Context, taskID int64) ([]model.Story, error) {
	items, err := c.listAll(ctx, fmt.Sprintf("tasks/%d/stories", taskID), storyFields)
	if err != nil {
		return nil, err
	}
	return mapAll(items, "story", func(r gjson.Result, meta model.Meta) model.Story {
		typ := r.Get("type").String()
		if typ == "" {
			typ = "system"
		}
		return model.Story{
			Meta:            meta,
			TaskID:          taskID,
			Type:            typ,
			ResourceSubtype: optString(r, "resource_subtype"),
			Text:            optString(r, "text"),
			CreatedByID:     optRef(r, "created_by"),
			CreatedByName:   optString(r, "created_by.name"),
			RemoteCreatedAt: optTime(r, "created_at"),
		}
	})
}

// Attachments lists attachment metadata of a task. Local download state is
// left empty; the caller merges it.
func (c *Client) Attachments(ctx context.Context, taskID int64) ([]model.Attachment, error) {
	items, err := c.listAll(ctx, fmt.Sprintf("tasks/%d/attachments", taskID), attachmentFields)
	if err != nil {
		return nil, err
	}
	return mapAll(items, "attachment", func(r gjson.Result, meta model.Meta) model.Attachment {
		return model.Attachment{
			Meta:            meta,
			TaskID:          taskID,
			Name:            r.Get("name").String(),
			DownloadURL:     optString(r, "download_url"),
			ViewURL:         optString(r, "view_url"),
			PermanentURL:    optString(r, "permanent_url"),
			Host:            optString(r, "host"),
			RemoteCreatedAt: optTime(r, "created_at"),
		}
	})
}

func mapAll[T any](items []gjson.Result, kind string, fn func(gjson.Result, model.Meta) T) ([]T, error) {
	out := make([]T, 0, len(items))
	for _, item := range items {
		id, err := parseGID(item.Get("gid"))
		if err != nil {
			return nil, errors.Wrapf(err, "asana: %s", kind)
		}
		meta := model.Meta{ID: id, Raw: json.RawMessage(item.Raw)}
		out = append(out, fn(item, meta))
	}
	return out, nil
}

func parseGID(v gjson.Result) (int64, error) {
	if !v.Exists() || v.Type == gjson.Null {
		return 0, errors.New("missing gid")
	}
	id, err := strconv.ParseInt(strings.TrimSpace(v.String()), 10, 64)
	if err != nil {
		return 0, errors.Errorf("invalid gid %q", v.String())
	}
	return id, nil
}

func optString(r gjson.Result, path string) *string {
	v := r.Get(path)
	if !v.Exists() || v.Type == gjson.Null {
		return nil
	}
	s := v.String()
	return &s
}

// optRef returns the identifier of a nested reference such as "assignee".
func optRef(r gjson.Result, path string) *int64 {
	v := r.Get(path + ".gid")
	if !v.Exists() || v.Type == gjson.Null {
		return nil
	}
	id, err := strconv.ParseInt(v.String(), 10, 64)
	if err != nil {
		return nil
	}
	return &id
}

func optArray(r gjson.Result, path string) json.RawMessage {
	v := r.Get(path)
	if !v.IsArray() {
		return nil
	}
	return json.RawMessage(v.Raw)
}

// optTime accepts both date-only ("2024-01-15") and RFC 3339 timestamps.
func optTime(r gjson.Result, path string) *time.Time {
	v := r.Get(path)
	if !v.Exists() || v.Type != gjson.String || v.String() == "" {
		return nil
	}
	t, ok := parseTime(v.String())
	if !ok {
		return nil
	}
	return &t
}

func parseTime(s string) (time.Time, bool) {
	for _, layout := range []string{time.RFC3339Nano, time.DateOnly} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}
