package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"text/tabwriter"
	"time"

	"github.com/antigravity-dev/asanasync/internal/model"
)

func decodeJSON(resp *http.Response, v any) error {
	return json.NewDecoder(resp.Body).Decode(v)
}

func formatCounts(c model.Counts) string {
	return fmt.Sprintf("users=%d workspaces=%d projects=%d tasks=%d stories=%d attachments=%d downloaded=%d",
		c.Users, c.Workspaces, c.Projects, c.Tasks, c.Stories, c.Attachments, c.Downloaded)
}

func formatDuration(run *model.SyncRun) string {
	if run.CompletedAt == nil {
		return "-"
	}
	return run.Duration().Round(time.Second).String()
}

func printRun(run *model.SyncRun) {
	fmt.Printf("  Run:      %d (%s)\n", run.ID, run.Trigger)
	fmt.Printf("  Status:   %s\n", run.Status)
	fmt.Printf("  Started:  %s\n", run.StartedAt.Local().Format(time.RFC3339))
	fmt.Printf("  Duration: %s\n", formatDuration(run))
	fmt.Printf("  Counts:   %s\n", formatCounts(run.Counts))
	fmt.Printf("  API calls: %d\n", run.APICalls)
	if run.ErrorMessage != nil {
		fmt.Printf("  Error:    %s\n", *run.ErrorMessage)
	}
}

func printRuns(w io.Writer, runs []model.SyncRun) error {
	if len(runs) == 0 {
		_, err := fmt.Fprintln(w, "no sync runs recorded")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tTRIGGER\tSTARTED\tDURATION\tPROJECTS\tTASKS\tAPI CALLS\tERROR")
	for i := range runs {
		r := &runs[i]
		msg := ""
		if r.ErrorMessage != nil {
			msg = truncate(*r.ErrorMessage, 60)
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
			r.ID, r.Status, r.Trigger, r.StartedAt.Local().Format("2006-01-02 15:04:05"),
			formatDuration(r), r.Counts.Projects, r.Counts.Tasks, r.APICalls, msg)
	}
	return tw.Flush()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
