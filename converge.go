package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dsconverge/dsconverge/internal/apply"
	"github.com/dsconverge/dsconverge/internal/config"
	"github.com/dsconverge/dsconverge/internal/desired"
	"github.com/dsconverge/dsconverge/internal/dsestore"
	"github.com/dsconverge/dsconverge/internal/facts"
	"github.com/dsconverge/dsconverge/internal/live"
	"github.com/dsconverge/dsconverge/internal/reconcile"
	"github.com/dsconverge/dsconverge/internal/tree"
)

// openTarget opens the configured target store.
func openTarget(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*dsestore.Store, error) {
	target, err := config.ParseTarget(cfg.Target.URI)
	if err != nil {
		return nil, err
	}

	store, err := dsestore.Open(ctx, target.Path, logger)
	if err != nil {
		return nil, fmt.Errorf("opening target: %w", err)
	}

	return store, nil
}

// loadDesired decodes the desired document at path. engine.overwrite makes
// a merge document authoritative.
func loadDesired(path string, cfg *config.Config) (*tree.Tree, error) {
	if path == "" {
		return nil, fmt.Errorf("--file is required")
	}

	want, err := desired.DecodeFile(path)
	if err != nil {
		return nil, err
	}

	if cfg.Engine.Overwrite && want.Mode() == tree.ModeMerge {
		want.SetMode(tree.ModeOverwrite)
	}

	return want, nil
}

// planned is the actual state of the target and the plan converging it.
type planned struct {
	actual *tree.Tree
	plan   *reconcile.Plan
}

// planAgainst reads the target and computes the plan for want. Planning
// errors carry exit code 2.
func planAgainst(ctx context.Context, srv live.Server, want *tree.Tree, logger *slog.Logger) (*planned, error) {
	actual, err := live.NewLoader(srv, logger).Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading target: %w", err)
	}

	plan, err := reconcile.NewPlanner(logger).Plan(want, actual)
	if err != nil {
		return nil, planningError(err)
	}

	return &planned{actual: actual, plan: plan}, nil
}

// convergeOpts controls one convergence run.
type convergeOpts struct {
	Workers int
	DryRun  bool
	// Requery re-reads the target for facts instead of projecting the
	// applied actions onto the actual tree.
	Requery bool
}

// outcome is everything a convergence run produces.
type outcome struct {
	plan    *reconcile.Plan
	report  *apply.Report
	verdict facts.Verdict
}

// errFactsUnavailable reports a run that was applied but whose resulting
// state could not be derived.
var errFactsUnavailable = errors.New("deriving facts")

// converge plans want against srv, applies the plan and derives the facts.
// When only the facts fail, the outcome is returned with the error so the
// report still reaches the caller.
func converge(
	ctx context.Context, srv live.Server, want *tree.Tree, opts convergeOpts, logger *slog.Logger,
) (*outcome, error) {
	p, err := planAgainst(ctx, srv, want, logger)
	if err != nil {
		return nil, err
	}

	engine := apply.NewEngine(srv, apply.Config{Workers: opts.Workers, DryRun: opts.DryRun}, logger)
	report := engine.Apply(ctx, p.plan)

	var result *tree.Tree
	if opts.Requery {
		result, err = facts.Requery(context.WithoutCancel(ctx), live.NewLoader(srv, logger))
	} else {
		result, err = facts.Project(p.actual, p.plan, report)
	}

	logger.Info("convergence finished",
		slog.String("plan_id", p.plan.ID),
		slog.Int("applied", report.Count(apply.Applied)),
		slog.Int("failed", report.Count(apply.Failed)),
		slog.Int("skipped", report.Count(apply.Skipped)),
		slog.Duration("duration", report.Duration),
	)

	if err != nil {
		err = fmt.Errorf("%w: %w", errFactsUnavailable, err)

		return &outcome{plan: p.plan, report: report, verdict: facts.IncompleteVerdict(report, err)}, err
	}

	return &outcome{plan: p.plan, report: report, verdict: facts.NewVerdict(report, result)}, nil
}
