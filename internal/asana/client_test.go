package asana

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/antigravity-dev/asanasync/internal/ratelimit"
)

func testClient(t *testing.T, handler http.Handler) (*Client, *[]time.Duration) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c := New(Options{
		BaseURL: srv.URL,
		Token:   "secret",
		Limiter: ratelimit.New(100, 4),
	})
	var slept []time.Duration
	c.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	return c, &slept
}

func TestListAll_FollowsPagination(t *testing.T) {
	var pages atomic.Int32
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		require.Equal(t, "/workspaces", r.URL.Path)
		require.Equal(t, "100", r.URL.Query().Get("limit"))
		pages.Add(1)
		switch r.URL.Query().Get("offset") {
		case "":
			fmt.Fprint(w, `{"data":[{"gid":"1","name":"Alpha","is_organization":true}],"next_page":{"offset":"abc","path":"/workspaces?offset=abc"}}`)
		case "abc":
			fmt.Fprint(w, `{"data":[{"gid":"2","name":"Beta"}],"next_page":null}`)
		default:
			t.Errorf("unexpected offset %q", r.URL.Query().Get("offset"))
		}
	}))

	got, err := c.Workspaces(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, int64(1), got[0].ID)
	require.True(t, got[0].IsOrganization)
	require.Equal(t, "Beta", got[1].Name)
	require.False(t, got[1].IsOrganization)
	require.Equal(t, int32(2), pages.Load())
	require.Equal(t, int64(2), c.CallCount())

	c.ResetCallCount()
	require.Zero(t, c.CallCount())
}

func TestGetPage_RetriesOnceAfterTooManyRequests(t *testing.T) {
	var hits atomic.Int32
	c, slept := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.Header().Set("Retry-After", "7")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, `{"data":[{"gid":"42","name":"Ada","email":"ada@example.com"}]}`)
	}))

	users, err := c.Users(context.Background())
	require.NoError(t, err)
	require.Len(t, users, 1)
	require.Equal(t, []time.Duration{7 * time.Second}, *slept)
	require.Equal(t, int64(2), c.CallCount())
}

func TestGetPage_SecondTooManyRequestsPropagates(t *testing.T) {
	var hits atomic.Int32
	c, slept := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))

	_, err := c.Users(context.Background())
	require.Error(t, err)
	require.True(t, IsTooManyRequests(err))
	require.Equal(t, int32(2), hits.Load())
	require.Equal(t, []time.Duration{DefaultRetryAfter}, *slept)
}

func TestGetPage_ServerErrorIsAPIError(t *testing.T) {
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))

	_, err := c.Projects(context.Background(), 9)
	require.Error(t, err)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusInternalServerError, apiErr.StatusCode)
	require.Equal(t, "workspaces/9/projects", apiErr.Path)
	require.Contains(t, fmt.Sprintf("%+v", err), "getPage", "stack trace should be attached")
}

func TestTasks_MapsFieldsAndNulls(t *testing.T) {
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/projects/7/tasks", r.URL.Path)
		require.Contains(t, r.URL.Query().Get("opt_fields"), "assignee.name")
		fmt.Fprint(w, `{"data":[
			{"gid":"100","name":"Write docs","completed":true,"completed_at":"2024-01-15T10:30:00.000Z",
			 "due_on":"2024-02-01","assignee":{"gid":"5","name":"Grace"},"parent":null,
			 "num_subtasks":3,"custom_fields":[{"name":"Size","display_value":"L"}],"notes":null},
			{"gid":"101","name":"Bare"}
		]}`)
	}))

	tasks, err := c.Tasks(context.Background(), 7)
	require.NoError(t, err)
	require.Len(t, tasks, 2)

	full := tasks[0]
	require.Equal(t, int64(100), full.ExternalID())
	require.Equal(t, int64(7), full.ProjectID)
	require.True(t, full.Completed)
	require.NotNil(t, full.CompletedAt)
	require.Equal(t, time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC), *full.CompletedAt)
	require.Equal(t, time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC), *full.DueOn)
	require.Equal(t, int64(5), *full.AssigneeID)
	require.Equal(t, "Grace", *full.AssigneeName)
	require.Nil(t, full.ParentTaskID)
	require.Nil(t, full.Notes)
	require.Equal(t, 3, full.NumSubtasks)
	require.JSONEq(t, `[{"name":"Size","display_value":"L"}]`, string(full.CustomFields))
	require.True(t, strings.Contains(string(full.Raw), `"Write docs"`))

	bare := tasks[1]
	require.False(t, bare.Completed)
	require.Nil(t, bare.AssigneeID)
	require.Nil(t, bare.AssigneeName)
	require.Nil(t, bare.DueOn)
	require.Nil(t, bare.CustomFields)
}

func TestStories_DefaultsTypeToSystem(t *testing.T) {
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data":[{"gid":"1","text":"moved"},{"gid":"2","type":"comment","created_by":{"gid":"9","name":"Lin"}}]}`)
	}))

	stories, err := c.Stories(context.Background(), 3)
	require.NoError(t, err)
	require.Equal(t, "system", stories[0].Type)
	require.Equal(t, "comment", stories[1].Type)
	require.Equal(t, int64(9), *stories[1].CreatedByID)
	require.Equal(t, int64(3), stories[1].TaskID)
}

func TestMapAll_RejectsMissingGID(t *testing.T) {
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data":[{"name":"orphan"}]}`)
	}))

	_, err := c.Dependencies(context.Background(), 1)
	require.ErrorContains(t, err, "missing gid")
}

func TestRetryAfter(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name   string
		header string
		want   time.Duration
	}{
		{name: "empty uses default", header: "", want: time.Minute},
		{name: "seconds", header: "30", want: 30 * time.Second},
		{name: "negative uses default", header: "-4", want: time.Minute},
		{name: "http date", header: now.Add(90 * time.Second).Format(http.TimeFormat), want: 90 * time.Second},
		{name: "past date", header: now.Add(-time.Hour).Format(http.TimeFormat), want: 0},
		{name: "garbage uses default", header: "soon", want: time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, retryAfter(tt.header, time.Minute, now))
		})
	}
}
