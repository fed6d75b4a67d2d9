package orchestrator

import (
	"context"
	"sync"
	"time"
)

// ActiveRun tracks one in-flight run.
type ActiveRun struct {
	LessonID  string
	Mode      Mode
	StartedAt time.Time
	cancel    context.CancelFunc
}

// RunTracker tracks which lessons have a run in flight so shutdown can
// cancel them and the single-flight guard can reject duplicates.
type RunTracker struct {
	mu     sync.Mutex
	runs   map[uint64]*ActiveRun
	next   uint64
	closed bool
	wg     sync.WaitGroup
}

// NewRunTracker creates an empty RunTracker.
func NewRunTracker() *RunTracker {
	return &RunTracker{runs: make(map[uint64]*ActiveRun)}
}

// Begin registers a run for lessonID and returns a context cancelled by
// CloseAll. It fails with ErrShuttingDown after CloseAll, and with
// ErrRunInProgress when exclusive is set and the lesson already has a run
// in flight. The returned done func must be called when the run ends.
func (t *RunTracker) Begin(ctx context.Context, lessonID string, mode Mode, exclusive bool) (runCtx context.Context, done func(), err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ctx, func() {}, ErrShuttingDown
	}
	if exclusive && t.activeLocked(lessonID) {
		return ctx, func() {}, ErrRunInProgress
	}

	runCtx, cancel := context.WithCancel(ctx)
	t.next++
	key := t.next
	t.runs[key] = &ActiveRun{
		LessonID:  lessonID,
		Mode:      mode,
		StartedAt: time.Now(),
		cancel:    cancel,
	}
	t.wg.Add(1)

	var once sync.Once
	done = func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.runs, key)
			t.mu.Unlock()
			cancel()
			t.wg.Done()
		})
	}
	return runCtx, done, nil
}

// Active reports whether lessonID has a run in flight.
func (t *RunTracker) Active(lessonID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.activeLocked(lessonID)
}

func (t *RunTracker) activeLocked(lessonID string) bool {
	for _, r := range t.runs {
		if r.LessonID == lessonID {
			return true
		}
	}
	return false
}

// Len returns the number of runs in flight.
func (t *RunTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.runs)
}

// CloseAll cancels every in-flight run and refuses new ones.
func (t *RunTracker) CloseAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	for _, r := range t.runs {
		r.cancel()
	}
}

// Wait blocks until every registered run has called done.
func (t *RunTracker) Wait() {
	t.wg.Wait()
}
