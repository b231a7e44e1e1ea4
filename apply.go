package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/dsconverge/dsconverge/internal/apply"
)

func newApplyCmd() *cobra.Command {
	var (
		file    string
		requery bool
	)

	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Converge the target to the desired state",
		Long: `Plan the desired-state document against the target and execute the plan.
Failures are local to the action that hit them: dependent actions are
skipped and everything else still runs. With --json the verdict
{changed, facts, failures} is printed to stdout.

Exit status is 0 when every action applied, 1 when any failed and 2 when
the document could not be planned.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runApply(cmd, file, requery)
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "desired-state document (YAML or JSON)")
	cmd.Flags().Bool("dry-run", false, "plan and report without changing the target")
	cmd.Flags().Int("workers", 0, "maximum concurrent actions (default from config)")
	cmd.Flags().BoolVar(&requery, "requery", false, "re-read the target for facts instead of projecting the plan")

	return cmd
}

func runApply(cmd *cobra.Command, file string, requery bool) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	want, err := loadDesired(file, cc.Cfg)
	if err != nil {
		return planningError(err)
	}

	store, err := openTarget(ctx, cc.Cfg, cc.Logger)
	if err != nil {
		return err
	}
	defer store.Close()

	out, err := converge(shutdownContext(ctx, cc.Logger), store, want, convergeOpts{
		Workers: cc.Cfg.Engine.Workers,
		DryRun:  cc.Cfg.Engine.DryRun,
		Requery: requery,
	}, cc.Logger)
	if out == nil {
		return err
	}

	if cc.Flags.JSON {
		if err := printJSON(cmd.OutOrStdout(), out.verdict); err != nil {
			return err
		}
	} else {
		printReport(cmd.OutOrStdout(), out.report)
		cc.Statusf("%s\n", reportSummary(out.report))
	}

	if err != nil {
		return err
	}

	if n := out.report.Count(apply.Failed); n > 0 {
		return fmt.Errorf("%d of %d actions: %w", n, len(out.report.Results), errActionsFailed)
	}

	return nil
}

// reportSummary renders the one-line outcome of a run.
func reportSummary(r *apply.Report) string {
	prefix := ""
	if r.DryRun {
		prefix = "Dry run: "
	}

	return fmt.Sprintf("%s%d applied, %d failed, %d skipped (%s)",
		prefix, r.Count(apply.Applied), r.Count(apply.Failed), r.Count(apply.Skipped), r.Duration.Round(time.Millisecond))
}

// printReport prints one row per action. Failed rows carry the error and
// skipped rows their cause.
func printReport(w io.Writer, r *apply.Report) {
	if len(r.Results) == 0 {
		fmt.Fprintln(w, "No changes. The target matches the desired state.")
		return
	}

	rows := make([][]string, 0, len(r.Results))

	for i := range r.Results {
		res := &r.Results[i]

		detail := res.Cause
		if res.Err != nil {
			detail = res.Err.Error()
		}

		rows = append(rows, []string{res.Outcome.String(), res.Kind.String(), res.Path.String(), detail})
	}

	printTable(w, []string{"RESULT", "ACTION", "PATH", "DETAIL"}, rows)
}
