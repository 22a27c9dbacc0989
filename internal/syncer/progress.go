package syncer

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/antigravity-dev/asanasync/internal/model"
)

// tally holds the running totals of one run. Project units add to it
// concurrently.
type tally struct {
	users       atomic.Int64
	workspaces  atomic.Int64
	projects    atomic.Int64
	tasks       atomic.Int64
	stories     atomic.Int64
	attachments atomic.Int64
	downloaded  atomic.Int64
	failed      atomic.Int64
}

func (t *tally) counts() model.Counts {
	return model.Counts{
		Users:       int(t.users.Load()),
		Workspaces:  int(t.workspaces.Load()),
		Projects:    int(t.projects.Load()),
		Tasks:       int(t.tasks.Load()),
		Stories:     int(t.stories.Load()),
		Attachments: int(t.attachments.Load()),
		Downloaded:  int(t.downloaded.Load()),
	}
}

func (t *tally) add(c model.Counts) {
	t.tasks.Add(int64(c.Tasks))
	t.stories.Add(int64(c.Stories))
	t.attachments.Add(int64(c.Attachments))
	t.downloaded.Add(int64(c.Downloaded))
}

// publisher builds immutable progress snapshots and swaps them into dst.
type publisher struct {
	dst   *atomic.Pointer[model.Progress]
	tally *tally
	calls func() int64
	now   func() time.Time
	runID int64

	mu      sync.Mutex
	stage   model.Stage
	batch   int
	batches int
}

func (p *publisher) setStage(stage model.Stage) {
	p.mu.Lock()
	p.stage = stage
	p.mu.Unlock()
	p.publish()
}

func (p *publisher) setBatch(batch, batches int) {
	p.mu.Lock()
	p.stage = model.StageTasks
	p.batch = batch
	p.batches = batches
	p.mu.Unlock()
	p.publish()
}

func (p *publisher) publish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dst.Store(&model.Progress{
		RunID:          p.runID,
		Stage:          p.stage,
		Counts:         p.tally.counts(),
		APICalls:       p.calls(),
		Batch:          p.batch,
		Batches:        p.batches,
		FailedProjects: int(p.tally.failed.Load()),
		UpdatedAt:      p.now(),
	})
}
