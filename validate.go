package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newValidateCmd() *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check a desired-state document without reading the target",
		Long: `Decode and validate a desired-state document. Every schema and structural
problem is reported in one pass. The target is not contacted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runValidate(cmd, file)
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "desired-state document (YAML or JSON)")

	return cmd
}

// validateResult is the JSON shape of a successful validation.
type validateResult struct {
	File     string `json:"file"`
	Mode     string `json:"mode"`
	Entities int    `json:"entities"`
}

func runValidate(cmd *cobra.Command, file string) error {
	cc := mustCLIContext(cmd.Context())

	want, err := loadDesired(file, cc.Cfg)
	if err != nil {
		return planningError(err)
	}

	res := validateResult{File: file, Mode: want.Mode().String(), Entities: want.Len()}

	if cc.Flags.JSON {
		return printJSON(cmd.OutOrStdout(), res)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%s: valid (%d entities, mode %s)\n", res.File, res.Entities, res.Mode)

	return nil
}
