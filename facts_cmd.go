package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dsconverge/dsconverge/internal/desired"
	"github.com/dsconverge/dsconverge/internal/facts"
	"github.com/dsconverge/dsconverge/internal/live"
)

func newFactsCmd() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "facts",
		Short: "Print the current state of the target",
		Long: `Read every instance, backend, index and agreement from the target and
print them in the desired-state document shape. Hidden fields such as
passwords are never printed. The output can be fed back to apply.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runFacts(cmd, format)
		},
	}

	cmd.Flags().StringVar(&format, "format", "yaml", "output format (yaml or json)")

	return cmd
}

func runFacts(cmd *cobra.Command, format string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	f, err := desired.ParseFormat(format)
	if err != nil {
		return err
	}

	if cc.Flags.JSON {
		f = desired.FormatJSON
	}

	store, err := openTarget(ctx, cc.Cfg, cc.Logger)
	if err != nil {
		return err
	}
	defer store.Close()

	actual, err := facts.Requery(ctx, live.NewLoader(store, cc.Logger))
	if err != nil {
		return fmt.Errorf("reading target: %w", err)
	}

	return facts.Write(cmd.OutOrStdout(), facts.Encode(actual), f)
}
