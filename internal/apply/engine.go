package apply

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/dsconverge/dsconverge/internal/live"
	"github.com/dsconverge/dsconverge/internal/reconcile"
	"github.com/dsconverge/dsconverge/internal/schema"
	"github.com/dsconverge/dsconverge/internal/tree"
)

// ErrOperationFailed wraps every error returned by the server for one
// action. It is local to that action and never aborts the run.
var ErrOperationFailed = errors.New("apply: operation failed")

// startedField is the instance field that maps onto the process run state
// rather than a stored attribute.
const startedField = "started"

// Outcome is the final state of one action.
type Outcome int

// Outcomes.
const (
	Applied Outcome = iota + 1
	Failed
	Skipped
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case Failed:
		return "failed"
	case Skipped:
		return "skipped"
	default:
		return "pending"
	}
}

// Result records what happened to one action.
type Result struct {
	Path    tree.Path
	Kind    reconcile.ActionKind
	Outcome Outcome
	Err     error  // set when Failed
	Cause   string // set when Skipped
}

// Report holds one Result per plan action, in plan order.
type Report struct {
	PlanID   string
	DryRun   bool
	Results  []Result
	Duration time.Duration
}

// Count returns the number of results with the given outcome.
func (r *Report) Count(o Outcome) int {
	n := 0

	for i := range r.Results {
		if r.Results[i].Outcome == o {
			n++
		}
	}

	return n
}

// Failures returns the failed results in plan order.
func (r *Report) Failures() []Result {
	var out []Result

	for i := range r.Results {
		if r.Results[i].Outcome == Failed {
			out = append(out, r.Results[i])
		}
	}

	return out
}

// Config controls engine behavior.
type Config struct {
	// Workers bounds concurrent actions. Actions under one instance always
	// run one at a time, in plan order. Values below 1 mean 1.
	Workers int
	// DryRun records every action as Skipped without touching the server.
	DryRun bool
}

// Engine executes plans against a server.
type Engine struct {
	server live.Server
	cfg    Config
	logger *slog.Logger
}

// NewEngine creates an Engine.
func NewEngine(server live.Server, cfg Config, logger *slog.Logger) *Engine {
	return &Engine{server: server, cfg: cfg, logger: logger}
}

// Apply runs plan and returns a report with a result for every action. It
// returns only after every action has finished.
func (e *Engine) Apply(ctx context.Context, plan *reconcile.Plan) *Report {
	start := time.Now()
	report := &Report{PlanID: plan.ID, DryRun: e.cfg.DryRun, Results: make([]Result, len(plan.Actions))}

	if len(plan.Actions) == 0 {
		return report
	}

	if e.cfg.DryRun {
		for i := range plan.Actions {
			a := &plan.Actions[i]
			report.Results[i] = Result{Path: a.Path, Kind: a.Kind, Outcome: Skipped, Cause: "dry run"}
		}

		e.logger.Info("dry run: no changes made", slog.Int("actions", len(plan.Actions)))

		return report
	}

	table := newResultTable(len(plan.Actions))
	tracker := NewDepTracker(len(plan.Actions), e.logger)
	deps := chainInstances(plan)

	for i := range plan.Actions {
		tracker.Add(i, &plan.Actions[i], deps[i])
	}

	x := &actionExecutor{server: e.server, plan: plan, table: table, logger: e.logger}
	pool := newWorkerPool(tracker, x, table, e.logger)
	pool.Start(ctx, e.cfg.Workers)
	pool.Wait()

	report.Results = table.snapshot()
	report.Duration = time.Since(start)

	applied, failed, skipped := pool.Stats()
	e.logger.Info("apply complete",
		slog.String("plan_id", plan.ID),
		slog.Int("applied", applied),
		slog.Int("failed", failed),
		slog.Int("skipped", skipped),
		slog.Duration("duration", report.Duration),
	)

	return report
}

// chainInstances adds an edge from every action to the previous action
// touching the same instance, on top of the plan's own dependencies.
func chainInstances(plan *reconcile.Plan) [][]int {
	out := make([][]int, len(plan.Actions))
	last := make(map[string]int)

	for i := range plan.Actions {
		if i < len(plan.Deps) {
			out[i] = append(out[i], plan.Deps[i]...)
		}

		inst := plan.Actions[i].Path.Instance
		if prev, ok := last[inst]; ok {
			out[i] = append(out[i], prev)
		}

		last[inst] = i
	}

	return out
}

// actionExecutor performs one action against the server.
type actionExecutor struct {
	server live.Server
	plan   *reconcile.Plan
	table  *resultTable
	logger *slog.Logger
}

// Execute implements executor.
func (x *actionExecutor) Execute(ctx context.Context, ta *TrackedAction) Result {
	a := &ta.Action
	res := Result{Path: a.Path, Kind: a.Kind}

	if cause := x.blocked(ta); cause != "" {
		res.Outcome = Skipped
		res.Cause = cause

		x.logger.Warn("action skipped",
			slog.String("action", a.Kind.String()),
			slog.String("path", a.Path.String()),
			slog.String("cause", cause),
		)

		return res
	}

	if err := x.run(ctx, a); err != nil {
		res.Outcome = Failed
		res.Err = fmt.Errorf("%w: %s %s: %w", ErrOperationFailed, a.Kind, a.Path, err)

		x.logger.Error("action failed",
			slog.String("action", a.Kind.String()),
			slog.String("path", a.Path.String()),
			slog.String("error", err.Error()),
		)

		return res
	}

	res.Outcome = Applied

	x.logger.Info("action applied",
		slog.String("action", a.Kind.String()),
		slog.String("path", a.Path.String()),
		slog.Any("fields", a.FieldNames()),
	)

	return res
}

// blocked returns why ta must not run, or "" if it may. An action is
// skipped when a plan dependency did not apply, or when it creates or
// updates something under an entity whose create or update did not apply.
func (x *actionExecutor) blocked(ta *TrackedAction) string {
	if ta.ID < len(x.plan.Deps) {
		for _, dep := range x.plan.Deps[ta.ID] {
			r, ok := x.table.get(dep)
			if !ok || r.Outcome != Applied {
				return fmt.Sprintf("%s %s %s", r.Kind, r.Path, r.Outcome)
			}
		}
	}

	if ta.Action.Kind == reconcile.ActionDelete {
		return ""
	}

	r, found := x.table.find(func(r Result) bool {
		return r.Kind != reconcile.ActionDelete && r.Outcome != Applied && r.Path.IsAncestorOf(ta.Action.Path)
	})
	if found {
		return fmt.Sprintf("%s %s %s", r.Kind, r.Path, r.Outcome)
	}

	return ""
}

// run issues the server calls for one action. Offline actions run inside
// withQuiesced; a started value is applied last, after any resume.
func (x *actionExecutor) run(ctx context.Context, a *reconcile.Action) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	fields := a.Fields
	started, hasStarted := fields[startedField]

	if hasStarted && a.Path.Kind == schema.KindInstance {
		fields = maps.Clone(fields)
		delete(fields, startedField)
	} else {
		hasStarted = false
	}

	op := func(ctx context.Context) error {
		switch a.Kind {
		case reconcile.ActionCreate:
			return x.server.CreateEntity(ctx, a.Path, fields)
		case reconcile.ActionUpdate:
			if len(fields) == 0 {
				return nil
			}

			return x.server.ModifyEntity(ctx, a.Path, fields)
		case reconcile.ActionDelete:
			return x.server.DeleteEntity(ctx, a.Path)
		default:
			return fmt.Errorf("unknown action kind %s", a.Kind)
		}
	}

	var err error
	if a.Offline {
		err = x.withQuiesced(ctx, a.Path.Instance, op)
	} else {
		err = op(ctx)
	}

	if err != nil || !hasStarted {
		return err
	}

	return x.setStarted(ctx, a.Path.Instance, started.Bool())
}

func (x *actionExecutor) setStarted(ctx context.Context, instance string, started bool) error {
	if started {
		if err := x.server.Resume(ctx, instance); err != nil {
			return fmt.Errorf("starting %s: %w", instance, err)
		}

		return nil
	}

	if err := x.server.Quiesce(ctx, instance); err != nil {
		return fmt.Errorf("stopping %s: %w", instance, err)
	}

	return nil
}
