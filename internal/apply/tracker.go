// Package apply executes a reconciliation plan against a live server. A
// dependency tracker releases actions once their prerequisites complete, a
// worker pool runs them, and every action ends with exactly one Result:
// Applied, Failed or Skipped. A failure never aborts the run.
package apply

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/dsconverge/dsconverge/internal/reconcile"
)

// TrackedAction pairs a plan action with its index in the plan. Workers
// pull TrackedActions from the tracker's ready channel.
type TrackedAction struct {
	ID     int
	Action reconcile.Action

	depsLeft   atomic.Int32
	dependents []*TrackedAction
}

// DepTracker is an in-memory dependency graph that dispatches actions to a
// ready channel as their dependencies are satisfied. It is populated before
// the worker pool starts and driven to completion by Complete calls.
type DepTracker struct {
	mu        sync.Mutex
	actions   map[int]*TrackedAction
	ready     chan *TrackedAction
	done      chan struct{} // closed when all actions complete
	total     int32
	completed atomic.Int32
	logger    *slog.Logger
}

// NewDepTracker creates a tracker whose ready channel holds up to size
// actions. Pass the plan length so dispatch never blocks.
func NewDepTracker(size int, logger *slog.Logger) *DepTracker {
	return &DepTracker{
		actions: make(map[int]*TrackedAction),
		ready:   make(chan *TrackedAction, max(size, 1)),
		done:    make(chan struct{}),
		logger:  logger,
	}
}

// Add inserts an action. Dependencies must have been added earlier; unknown
// IDs are ignored. An action with no outstanding dependencies is dispatched
// immediately.
func (dt *DepTracker) Add(id int, action *reconcile.Action, depIDs []int) {
	ta := &TrackedAction{ID: id, Action: *action}

	dt.mu.Lock()
	defer dt.mu.Unlock()

	dt.actions[id] = ta
	dt.total++

	var depsRemaining int32

	for _, depID := range depIDs {
		dep, ok := dt.actions[depID]
		if !ok {
			continue
		}

		dep.dependents = append(dep.dependents, ta)
		depsRemaining++
	}

	ta.depsLeft.Store(depsRemaining)

	if depsRemaining == 0 {
		dt.ready <- ta
	}
}

// Complete marks an action as done and dispatches every dependent whose
// last dependency this was. When all actions are complete the done channel
// is closed.
func (dt *DepTracker) Complete(id int) {
	dt.mu.Lock()
	ta, ok := dt.actions[id]
	dt.mu.Unlock()

	if !ok {
		dt.logger.Warn("tracker: Complete called with unknown action ID",
			slog.Int("id", id),
		)
	} else {
		for _, dep := range ta.dependents {
			if dep.depsLeft.Add(-1) == 0 {
				dt.ready <- dep
			}
		}
	}

	if dt.completed.Add(1) == dt.total {
		close(dt.done)
	}
}

// Ready returns the channel of actions whose dependencies are satisfied.
func (dt *DepTracker) Ready() <-chan *TrackedAction {
	return dt.ready
}

// Done returns a channel that is closed when all tracked actions complete.
func (dt *DepTracker) Done() <-chan struct{} {
	return dt.done
}
