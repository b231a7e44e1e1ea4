package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/dsconverge/dsconverge/internal/reconcile"
	"github.com/dsconverge/dsconverge/internal/schema"
)

// maskedValue replaces hidden field values in human-readable output.
const maskedValue = "********"

// statusf prints a status message to stderr unless quiet mode is set.
func statusf(quiet bool, format string, args ...any) {
	if !quiet {
		fmt.Fprintf(os.Stderr, format, args...)
	}
}

// Statusf prints a status message to stderr unless quiet mode is set.
func (cc *CLIContext) Statusf(format string, args ...any) {
	statusf(cc.Flags.Quiet, format, args...)
}

// printJSON writes v as indented JSON.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	return enc.Encode(v)
}

// formatFields renders an action's fields as "name=value" pairs in name
// order. Hidden values are masked.
func formatFields(a *reconcile.Action) string {
	parts := make([]string, 0, len(a.Fields))

	for _, name := range a.FieldNames() {
		v := a.Fields[name].String()
		if isHidden(a, name) {
			v = maskedValue
		}

		parts = append(parts, name+"="+v)
	}

	return strings.Join(parts, " ")
}

func isHidden(a *reconcile.Action, name string) bool {
	f, ok := schema.Lookup(a.Path.Kind, name)

	return ok && f.Hidden
}

// printTable writes aligned columns to the given writer.
// headers and each row must have the same length.
func printTable(w io.Writer, headers []string, rows [][]string) {
	// Compute column widths.
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
	}

	for _, row := range rows {
		for i, cell := range row {
			if len(cell) > widths[i] {
				widths[i] = len(cell)
			}
		}
	}

	printRow(w, headers, widths)

	for _, row := range rows {
		printRow(w, row, widths)
	}
}

// printRow writes a single padded row. The last column is not padded.
func printRow(w io.Writer, cells []string, widths []int) {
	parts := make([]string, len(cells))
	for i, cell := range cells {
		if i == len(cells)-1 {
			parts[i] = cell
			continue
		}

		parts[i] = fmt.Sprintf("%-*s", widths[i], cell)
	}

	fmt.Fprintln(w, strings.Join(parts, "  "))
}
