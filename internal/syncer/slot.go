package syncer

import (
	"sync"
	"sync/atomic"
)

// activeRun is the cancellation handle of the run holding the slot.
type activeRun struct {
	cancelled atomic.Bool

	// taskLocks serializes the attachment pass per task id. A task listed in
	// several projects of one batch is otherwise visited concurrently.
	taskLocks sync.Map // int64 -> *sync.Mutex
}

func (a *activeRun) cancelRequested() bool { return a.cancelled.Load() }

// lockTask holds the attachment lock of taskID until the returned func runs.
func (a *activeRun) lockTask(taskID int64) func() {
	v, _ := a.taskLocks.LoadOrStore(taskID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// runSlot admits at most one active run per process. Claim and release are
// the only transitions; everything else reads.
type runSlot struct {
	mu     sync.Mutex
	active *activeRun
}

// claim takes the slot, or returns false if a run already holds it.
func (s *runSlot) claim() (*activeRun, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != nil {
		return nil, false
	}
	s.active = &activeRun{}
	return s.active, true
}

// release frees the slot if a still holds it.
func (s *runSlot) release(a *activeRun) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == a {
		s.active = nil
	}
}

// cancel flags the active run. It reports whether a run was active.
func (s *runSlot) cancel() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return false
	}
	s.active.cancelled.Store(true)
	return true
}

func (s *runSlot) current() *activeRun {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}
