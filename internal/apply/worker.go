package apply

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// executor runs one tracked action and reports its result.
type executor interface {
	Execute(ctx context.Context, ta *TrackedAction) Result
}

// resultTable holds the result of every completed action, indexed by plan
// position. Results are written before the tracker releases dependents, so
// an executor can read the outcome of any dependency it waits on.
type resultTable struct {
	mu      sync.Mutex
	results []Result
	set     []bool
}

func newResultTable(n int) *resultTable {
	return &resultTable{results: make([]Result, n), set: make([]bool, n)}
}

func (rt *resultTable) put(id int, r Result) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	rt.results[id] = r
	rt.set[id] = true
}

func (rt *resultTable) get(id int) (Result, bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	return rt.results[id], rt.set[id]
}

// find returns the first recorded result matching pred.
func (rt *resultTable) find(pred func(Result) bool) (Result, bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	for i, r := range rt.results {
		if rt.set[i] && pred(r) {
			return r, true
		}
	}

	return Result{}, false
}

func (rt *resultTable) snapshot() []Result {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	out := make([]Result, len(rt.results))
	copy(out, rt.results)

	return out
}

// WorkerPool spawns goroutines that pull TrackedActions from the
// DepTracker's ready channel, execute them, record the result and signal
// completion back to the tracker for dependent dispatch.
type WorkerPool struct {
	tracker *DepTracker
	exec    executor
	table   *resultTable
	logger  *slog.Logger

	applied atomic.Int32
	failed  atomic.Int32
	skipped atomic.Int32

	wg sync.WaitGroup
}

func newWorkerPool(tracker *DepTracker, exec executor, table *resultTable, logger *slog.Logger) *WorkerPool {
	return &WorkerPool{
		tracker: tracker,
		exec:    exec,
		table:   table,
		logger:  logger,
	}
}

// Start spawns total workers. One worker runs the plan strictly
// sequentially.
func (wp *WorkerPool) Start(ctx context.Context, total int) {
	total = max(total, 1)

	for range total {
		wp.wg.Add(1)

		go wp.worker(ctx)
	}

	wp.logger.Debug("worker pool started",
		slog.Int("workers", total),
	)
}

// Wait blocks until every tracked action has completed and all workers
// have exited. Workers keep draining after ctx is canceled so that every
// action still receives a result.
func (wp *WorkerPool) Wait() {
	<-wp.tracker.Done()
	wp.wg.Wait()
}

// Stats returns outcome counters.
func (wp *WorkerPool) Stats() (applied, failed, skipped int) {
	return int(wp.applied.Load()), int(wp.failed.Load()), int(wp.skipped.Load())
}

func (wp *WorkerPool) worker(ctx context.Context) {
	defer wp.wg.Done()

	for {
		select {
		case <-wp.tracker.Done():
			return
		case ta := <-wp.tracker.Ready():
			wp.safeExecuteAction(ctx, ta)
		}
	}
}

// safeExecuteAction wraps the executor with panic recovery so a single
// action panic is reported as a failure instead of crashing the program.
func (wp *WorkerPool) safeExecuteAction(ctx context.Context, ta *TrackedAction) {
	defer func() {
		if r := recover(); r != nil {
			wp.logger.Error("worker: panic in action execution",
				slog.Int("id", ta.ID),
				slog.String("path", ta.Action.Path.String()),
				slog.Any("panic", r),
			)

			wp.finish(ta, Result{
				Path:    ta.Action.Path,
				Kind:    ta.Action.Kind,
				Outcome: Failed,
				Err:     fmt.Errorf("%w: %s %s: panic: %v", ErrOperationFailed, ta.Action.Kind, ta.Action.Path, r),
			})
		}
	}()

	wp.finish(ta, wp.exec.Execute(ctx, ta))
}

func (wp *WorkerPool) finish(ta *TrackedAction, r Result) {
	switch r.Outcome {
	case Applied:
		wp.applied.Add(1)
	case Failed:
		wp.failed.Add(1)
	case Skipped:
		wp.skipped.Add(1)
	}

	wp.table.put(ta.ID, r)
	wp.tracker.Complete(ta.ID)
}
