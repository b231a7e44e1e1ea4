package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/dsconverge/dsconverge/internal/apply"
	"github.com/dsconverge/dsconverge/internal/reconcile"
	"github.com/dsconverge/dsconverge/internal/schema"
	"github.com/dsconverge/dsconverge/internal/tree"
)

func TestFormatFields_SortedAndMasked(t *testing.T) {
	t.Parallel()

	a := &reconcile.Action{
		Kind: reconcile.ActionCreate,
		Path: tree.InstancePath("i1"),
		Fields: map[string]schema.Value{
			"rootpw": schema.StringValue("secret"),
			"port":   schema.IntValue(38901),
		},
	}

	assert.Equal(t, "port=38901 rootpw="+maskedValue, formatFields(a))
}

func TestFormatFields_Lists(t *testing.T) {
	t.Parallel()

	a := &reconcile.Action{
		Kind:   reconcile.ActionUpdate,
		Path:   tree.IndexPath("i1", "userroot", "cn"),
		Fields: map[string]schema.Value{"indextype": schema.ListValue("eq", "sub")},
	}

	assert.Equal(t, "indextype=eq,sub", formatFields(a))
}

func TestPrintTable(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	headers := []string{"ACTION", "PATH", "FIELDS"}
	rows := [][]string{
		{"create", "i1/userroot", "suffix=dc=example,dc=com"},
		{"delete", "i2", ""},
	}

	printTable(&buf, headers, rows)
	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")

	assert.Equal(t, []string{
		"ACTION  PATH         FIELDS",
		"create  i1/userroot  suffix=dc=example,dc=com",
		"delete  i2           ",
	}, lines)
}

func TestReportSummary(t *testing.T) {
	t.Parallel()

	r := &apply.Report{
		Results: []apply.Result{
			{Outcome: apply.Applied},
			{Outcome: apply.Failed},
			{Outcome: apply.Skipped},
			{Outcome: apply.Skipped},
		},
		Duration: 1500 * time.Microsecond,
	}

	assert.Equal(t, "1 applied, 1 failed, 2 skipped (2ms)", reportSummary(r))

	r.DryRun = true
	assert.True(t, strings.HasPrefix(reportSummary(r), "Dry run: "))
}
