package web

import (
	"context"
	"sync"
	"time"

	"smart-squeeze-go/internal/compressor"
	"smart-squeeze-go/internal/strategy"
)

// RunView is the client-facing state of a run.
type RunView struct {
	ID           string                        `json:"run_id"`
	Name         string                        `json:"name"`
	State        compressor.State              `json:"state"`
	Iteration    int                           `json:"iteration"`
	Percent      int                           `json:"percent"`
	OriginalSize int64                         `json:"original_size"`
	TargetSize   int64                         `json:"target_size"`
	Strategy     *strategy.Strategy            `json:"strategy,omitempty"`
	AchievedSize int64                         `json:"achieved_size,omitempty"`
	Result       *compressor.CompressionResult `json:"result,omitempty"`
	Error        string                        `json:"error,omitempty"`
	CreatedAt    time.Time                     `json:"created_at"`
	FinishedAt   *time.Time                    `json:"finished_at,omitempty"`
}

type runRecord struct {
	view   RunView
	cancel context.CancelFunc
}

// runStore keeps runs started through the API until they expire.
type runStore struct {
	mu        sync.RWMutex
	runs      map[string]*runRecord
	retention time.Duration
}

func newRunStore(retention time.Duration) *runStore {
	return &runStore{
		runs:      make(map[string]*runRecord),
		retention: retention,
	}
}

func (rs *runStore) add(view RunView, cancel context.CancelFunc) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.runs[view.ID] = &runRecord{view: view, cancel: cancel}
}

func (rs *runStore) get(id string) (RunView, bool) {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	rec, ok := rs.runs[id]
	if !ok {
		return RunView{}, false
	}
	return rec.view, true
}

// progress applies a progress update. Terminal states are left to finish so
// that a finished view always carries its result.
func (rs *runStore) progress(p compressor.Progress) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rec, ok := rs.runs[p.RunID]
	if !ok || rec.view.State.Terminal() || p.State.Terminal() {
		return
	}
	rec.view.State = p.State
	rec.view.Iteration = p.Iteration
	rec.view.Percent = p.Percent
	if p.Strategy != nil {
		s := *p.Strategy
		rec.view.Strategy = &s
		rec.view.AchievedSize = p.AchievedSize
	}
}

// finish records the terminal state of a run and returns its final view.
func (rs *runStore) finish(id string, res *compressor.CompressionResult, state compressor.State, err error) (RunView, bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rec, ok := rs.runs[id]
	if !ok {
		return RunView{}, false
	}

	now := time.Now()
	rec.view.State = state
	rec.view.FinishedAt = &now
	rec.view.Result = res
	if res != nil {
		rec.view.Percent = 100
		rec.view.Iteration = res.Iterations
		s := res.Strategy
		rec.view.Strategy = &s
		rec.view.AchievedSize = res.CompressedSize
	}
	if err != nil {
		rec.view.Error = err.Error()
	}
	rec.cancel()
	return rec.view, true
}

// cancel stops a running run. It reports whether the run exists and whether
// it was still running.
func (rs *runStore) cancel(id string) (found, running bool) {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	rec, ok := rs.runs[id]
	if !ok {
		return false, false
	}
	if rec.view.State.Terminal() {
		return true, false
	}
	rec.cancel()
	return true, true
}

func (rs *runStore) remove(id string) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	delete(rs.runs, id)
}

// active returns the number of runs that have not finished.
func (rs *runStore) active() int {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	n := 0
	for _, rec := range rs.runs {
		if !rec.view.State.Terminal() {
			n++
		}
	}
	return n
}

func (rs *runStore) count() int {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return len(rs.runs)
}

// sweep drops finished runs older than the retention period.
func (rs *runStore) sweep(now time.Time) int {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	removed := 0
	for id, rec := range rs.runs {
		if rec.view.FinishedAt != nil && now.Sub(*rec.view.FinishedAt) > rs.retention {
			delete(rs.runs, id)
			removed++
		}
	}
	return removed
}

// cancelAll stops every running run, e.g. on shutdown.
func (rs *runStore) cancelAll() {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	for _, rec := range rs.runs {
		rec.cancel()
	}
}
