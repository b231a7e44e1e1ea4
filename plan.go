package main

import (
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/dsconverge/dsconverge/internal/reconcile"
)

func newPlanCmd() *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Show the actions that would converge the target",
		Long: `Read the target, compare it with the desired-state document and print the
ordered plan. Nothing is changed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runPlan(cmd, file)
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "desired-state document (YAML or JSON)")

	return cmd
}

func runPlan(cmd *cobra.Command, file string) error {
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

	p, err := planAgainst(ctx, store, want, cc.Logger)
	if err != nil {
		return err
	}

	if cc.Flags.JSON {
		return printJSON(cmd.OutOrStdout(), planJSON(p.plan))
	}

	if p.plan.Empty() {
		fmt.Fprintln(cmd.OutOrStdout(), "No changes. The target matches the desired state.")
		return nil
	}

	printPlan(cmd.OutOrStdout(), p.plan)
	cc.Statusf("Plan %s: %s\n", p.plan.ID, p.plan.Summary())

	return nil
}

// planAction is the JSON shape of one plan action.
type planAction struct {
	Kind    string         `json:"kind"`
	Path    string         `json:"path"`
	Fields  map[string]any `json:"fields,omitempty"`
	Offline bool           `json:"offline,omitempty"`
	Reason  string         `json:"reason,omitempty"`
	Deps    []int          `json:"deps,omitempty"`
}

// planOutput is the JSON shape of a plan.
type planOutput struct {
	ID      string       `json:"id"`
	Actions []planAction `json:"actions"`
}

func planJSON(plan *reconcile.Plan) planOutput {
	out := planOutput{ID: plan.ID, Actions: make([]planAction, 0, len(plan.Actions))}

	for i := range plan.Actions {
		a := &plan.Actions[i]
		pa := planAction{
			Kind:    a.Kind.String(),
			Path:    a.Path.String(),
			Offline: a.Offline,
			Reason:  a.Reason,
			Deps:    plan.Deps[i],
		}

		if len(a.Fields) > 0 {
			pa.Fields = make(map[string]any, len(a.Fields))
			for _, name := range a.FieldNames() {
				pa.Fields[name] = a.Fields[name].Interface()
				if isHidden(a, name) {
					pa.Fields[name] = maskedValue
				}
			}
		}

		out.Actions = append(out.Actions, pa)
	}

	return out
}

func printPlan(w io.Writer, plan *reconcile.Plan) {
	rows := make([][]string, 0, len(plan.Actions))

	for i := range plan.Actions {
		a := &plan.Actions[i]

		offline := ""
		if a.Offline {
			offline = "yes"
		}

		rows = append(rows, []string{
			strconv.Itoa(i + 1), a.Kind.String(), a.Path.String(), offline, formatFields(a),
		})
	}

	printTable(w, []string{"#", "ACTION", "PATH", "OFFLINE", "FIELDS"}, rows)
}
