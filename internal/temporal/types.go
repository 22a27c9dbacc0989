package temporal

import (
	"github.com/antigravity-dev/asanasync/internal/model"
)

// Application error types raised by SyncActivity.
const (
	ErrTypeAlreadyRunning = "SyncAlreadyRunning"
	ErrTypeSyncFailed     = "SyncFailed"
)

// SyncRequest is the input of SyncWorkflow.
type SyncRequest struct {
	Trigger model.Trigger `json:"trigger"`
}

// SyncResult summarizes one sync run for workflow history.
type SyncResult struct {
	RunID        int64           `json:"run_id"`
	Status       model.RunStatus `json:"status"`
	Counts       model.Counts    `json:"counts"`
	APICalls     int64           `json:"api_calls"`
	ErrorMessage string          `json:"error_message,omitempty"`
	// Skipped is set when the trigger found another run in progress.
	Skipped bool `json:"skipped,omitempty"`
}

func resultFromRun(run *model.SyncRun) *SyncResult {
	if run == nil {
		return &SyncResult{}
	}
	res := &SyncResult{
		RunID:    run.ID,
		Status:   run.Status,
		Counts:   run.Counts,
		APICalls: run.APICalls,
	}
	if run.ErrorMessage != nil {
		res.ErrorMessage = *run.ErrorMessage
	}
	return res
}
