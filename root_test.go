package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dsconverge/dsconverge/internal/config"
	"github.com/dsconverge/dsconverge/internal/facts"
	"github.com/dsconverge/dsconverge/internal/tree"
)

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(&testLogWriter{t: t}, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

type testLogWriter struct {
	t *testing.T
}

func (w *testLogWriter) Write(p []byte) (int, error) {
	w.t.Helper()
	w.t.Log(string(p))

	return len(p), nil
}

// --- buildLogger tests ---

func TestBuildLogger_Levels(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		level   string
		flags   CLIFlags
		enabled slog.Level
		blocked slog.Level
	}{
		{"default info", "info", CLIFlags{}, slog.LevelInfo, slog.LevelDebug},
		{"config debug", "debug", CLIFlags{}, slog.LevelDebug, slog.LevelDebug - 1},
		{"config warn", "warn", CLIFlags{}, slog.LevelWarn, slog.LevelInfo},
		{"verbose beats config", "error", CLIFlags{Verbose: true}, slog.LevelDebug, slog.LevelDebug - 1},
		{"quiet beats config", "debug", CLIFlags{Quiet: true}, slog.LevelError, slog.LevelWarn},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			lc := &config.LoggingConfig{LogLevel: tt.level, LogFormat: "text"}
			logger := buildLogger(&bytes.Buffer{}, false, lc, tt.flags)

			ctx := context.Background()
			assert.True(t, logger.Handler().Enabled(ctx, tt.enabled))
			assert.False(t, logger.Handler().Enabled(ctx, tt.blocked))
		})
	}
}

func TestBuildLogger_Format(t *testing.T) {
	t.Parallel()

	tests := []struct {
		format   string
		tty      bool
		wantJSON bool
	}{
		{"auto", true, false},
		{"auto", false, true},
		{"text", false, false},
		{"json", true, true},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s/tty=%t", tt.format, tt.tty), func(t *testing.T) {
			t.Parallel()

			var buf bytes.Buffer

			lc := &config.LoggingConfig{LogLevel: "info", LogFormat: tt.format}
			buildLogger(&buf, tt.tty, lc, CLIFlags{}).Info("hello", slog.String("k", "v"))

			assert.Equal(t, tt.wantJSON, strings.HasPrefix(buf.String(), "{"), buf.String())
		})
	}
}

func TestExitCode(t *testing.T) {
	t.Parallel()

	assert.Equal(t, exitOK, exitCode(nil))
	assert.Equal(t, exitFailures, exitCode(errors.New("boom")))
	assert.Equal(t, exitFailures, exitCode(fmt.Errorf("2 of 3 actions: %w", errActionsFailed)))
	assert.Equal(t, exitPlanning, exitCode(planningError(errors.New("bad doc"))))
	assert.Equal(t, exitPlanning, exitCode(fmt.Errorf("wrapped: %w", planningError(errors.New("bad doc")))))
}

func TestMustCLIContext_PanicsWithoutContext(t *testing.T) {
	t.Parallel()

	assert.Panics(t, func() { mustCLIContext(context.Background()) })
}

// --- CLI tests against a temporary SQLite target ---

// cliEnv isolates a CLI run: no user config, data and PID files under a
// temp dir, and a fresh SQLite target.
type cliEnv struct {
	dir    string
	target string
}

func newCLIEnv(t *testing.T) *cliEnv {
	t.Helper()

	dir := t.TempDir()
	t.Setenv(config.EnvConfig, filepath.Join(dir, "missing.toml"))
	t.Setenv(config.EnvTarget, "")
	t.Setenv("XDG_DATA_HOME", filepath.Join(dir, "data"))
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "config"))

	return &cliEnv{dir: dir, target: "sqlite:" + filepath.Join(dir, "dse.db")}
}

// writeFile writes content under the env dir and returns its path.
func (e *cliEnv) writeFile(t *testing.T, name, content string) string {
	t.Helper()

	path := filepath.Join(e.dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	return path
}

// run executes the CLI with args and returns stdout and the command error.
func (e *cliEnv) run(t *testing.T, args ...string) (string, error) {
	t.Helper()

	var out bytes.Buffer

	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(append([]string{"--target", e.target, "--quiet"}, args...))
	err := cmd.ExecuteContext(context.Background())

	return out.String(), err
}

const cliDoc = `
i1:
  port: 38901
  rootpw: secret
  backends:
    - name: userroot
      suffix: dc=example,dc=com
      replicarole: supplier
      replicaid: 1
      indexes:
        - {name: cn, indextype: [eq, sub]}
`

func decodeVerdict(t *testing.T, out string) facts.Verdict {
	t.Helper()

	var v facts.Verdict
	require.NoError(t, json.Unmarshal([]byte(out), &v), out)

	return v
}

func TestCLI_Validate(t *testing.T) {
	env := newCLIEnv(t)
	doc := env.writeFile(t, "desired.yaml", cliDoc)

	out, err := env.run(t, "validate", "-f", doc)
	require.NoError(t, err)
	assert.Contains(t, out, "valid (3 entities, mode merge)")

	out, err = env.run(t, "--json", "validate", "-f", doc)
	require.NoError(t, err)

	var res validateResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, 3, res.Entities)
}

func TestCLI_ValidateRejectsSchemaErrors(t *testing.T) {
	env := newCLIEnv(t)
	doc := env.writeFile(t, "desired.yaml", "i1:\n  port: many\n  prot: 1\n")

	_, err := env.run(t, "validate", "-f", doc)
	require.Error(t, err)
	assert.Equal(t, exitPlanning, exitCode(err))
	assert.Contains(t, err.Error(), "port")
	assert.Contains(t, err.Error(), "prot")
}

func TestCLI_RequiresFile(t *testing.T) {
	env := newCLIEnv(t)

	_, err := env.run(t, "plan")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--file is required")
}

func TestCLI_PlanApplyFacts(t *testing.T) {
	env := newCLIEnv(t)
	doc := env.writeFile(t, "desired.yaml", cliDoc)

	out, err := env.run(t, "--json", "plan", "-f", doc)
	require.NoError(t, err)

	var plan planOutput
	require.NoError(t, json.Unmarshal([]byte(out), &plan))
	require.NotEmpty(t, plan.Actions)
	assert.Equal(t, "create", plan.Actions[0].Kind)
	assert.Equal(t, "i1", plan.Actions[0].Path)
	assert.Equal(t, maskedValue, plan.Actions[0].Fields["rootpw"])

	out, err = env.run(t, "--json", "apply", "-f", doc)
	require.NoError(t, err)

	v := decodeVerdict(t, out)
	assert.True(t, v.Changed)
	assert.Empty(t, v.Failures)
	require.Contains(t, v.Facts.Instances, "i1")
	assert.NotContains(t, v.Facts.Instances["i1"], "rootpw")

	// Idempotent: a second run changes nothing.
	out, err = env.run(t, "--json", "apply", "-f", doc)
	require.NoError(t, err)
	assert.False(t, decodeVerdict(t, out).Changed)

	out, err = env.run(t, "plan", "-f", doc)
	require.NoError(t, err)
	assert.Contains(t, out, "No changes")

	out, err = env.run(t, "facts", "--format", "json")
	require.NoError(t, err)

	var doc2 facts.Document
	require.NoError(t, json.Unmarshal([]byte(out), &doc2))
	assert.Equal(t, float64(38901), doc2.Instances["i1"]["port"])
	assert.Equal(t, true, doc2.Instances["i1"]["started"])

	out, err = env.run(t, "facts")
	require.NoError(t, err)
	assert.Contains(t, out, "instances:")
	assert.Contains(t, out, "suffix: dc=example,dc=com")
}

func TestCLI_FactsRoundTrip(t *testing.T) {
	env := newCLIEnv(t)
	doc := env.writeFile(t, "desired.yaml", cliDoc)

	_, err := env.run(t, "apply", "-f", doc)
	require.NoError(t, err)

	out, err := env.run(t, "facts")
	require.NoError(t, err)

	factsDoc := env.writeFile(t, "facts.yaml", out)

	out, err = env.run(t, "plan", "-f", factsDoc)
	require.NoError(t, err)
	assert.Contains(t, out, "No changes")
}

func TestCLI_ApplyDryRun(t *testing.T) {
	env := newCLIEnv(t)
	doc := env.writeFile(t, "desired.yaml", cliDoc)

	out, err := env.run(t, "--json", "apply", "--dry-run", "-f", doc)
	require.NoError(t, err)
	assert.False(t, decodeVerdict(t, out).Changed)

	out, err = env.run(t, "--json", "facts")
	require.NoError(t, err)
	assert.JSONEq(t, `{"instances": {}}`, out)
}

func TestCLI_ApplyTable(t *testing.T) {
	env := newCLIEnv(t)
	doc := env.writeFile(t, "desired.yaml", cliDoc)

	out, err := env.run(t, "apply", "-f", doc)
	require.NoError(t, err)
	assert.Contains(t, out, "RESULT")
	assert.Contains(t, out, "applied  create  i1")

	out, err = env.run(t, "apply", "-f", doc)
	require.NoError(t, err)
	assert.Contains(t, out, "No changes")
}

func TestCLI_ImmutableConflictIsPlanningError(t *testing.T) {
	env := newCLIEnv(t)
	doc := env.writeFile(t, "desired.yaml", cliDoc)

	_, err := env.run(t, "apply", "-f", doc)
	require.NoError(t, err)

	changed := env.writeFile(t, "changed.yaml", strings.Replace(cliDoc, "port: 38901", "port: 38901\n  db_lib: mdb", 1))

	_, err = env.run(t, "apply", "-f", changed)
	require.Error(t, err)
	assert.Equal(t, exitPlanning, exitCode(err))
	assert.Contains(t, err.Error(), "db_lib")
}

func TestCLI_ReplicaIDChangeIsApplied(t *testing.T) {
	env := newCLIEnv(t)

	_, err := env.run(t, "apply", "-f", env.writeFile(t, "desired.yaml", cliDoc))
	require.NoError(t, err)

	changed := env.writeFile(t, "changed.yaml", strings.Replace(cliDoc, "replicaid: 1", "replicaid: 2", 1))

	out, err := env.run(t, "apply", "--json", "-f", changed)
	require.NoError(t, err)

	v := decodeVerdict(t, out)
	assert.True(t, v.Changed)
	assert.Empty(t, v.Failures)

	out, err = env.run(t, "plan", "-f", changed)
	require.NoError(t, err)
	assert.Contains(t, out, "No changes")
}

func TestCLI_ReusedSuffixIsPlanningError(t *testing.T) {
	env := newCLIEnv(t)

	_, err := env.run(t, "apply", "-f", env.writeFile(t, "desired.yaml", cliDoc))
	require.NoError(t, err)

	clash := env.writeFile(t, "clash.yaml", "i1:\n  backends:\n    - name: other\n      suffix: DC=example,DC=com\n")

	_, err = env.run(t, "apply", "-f", clash)
	require.Error(t, err)
	assert.Equal(t, exitPlanning, exitCode(err))
	assert.ErrorIs(t, err, tree.ErrDuplicateKey)

	// The target still loads.
	_, err = env.run(t, "facts")
	require.NoError(t, err)
}

func TestCLI_OverwriteFromConfig(t *testing.T) {
	env := newCLIEnv(t)

	_, err := env.run(t, "apply", "-f", env.writeFile(t, "one.yaml", "i1: {}\ni2: {}\n"))
	require.NoError(t, err)

	cfgPath := env.writeFile(t, "config.toml", "[engine]\noverwrite = true\n")
	only := env.writeFile(t, "two.yaml", "i2: {}\n")

	out, err := env.run(t, "--config", cfgPath, "--json", "apply", "-f", only)
	require.NoError(t, err)

	v := decodeVerdict(t, out)
	assert.True(t, v.Changed)
	assert.NotContains(t, v.Facts.Instances, "i1")
	assert.Contains(t, v.Facts.Instances, "i2")
}

func TestCLI_ConfigShow(t *testing.T) {
	env := newCLIEnv(t)

	out, err := env.run(t, "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "[engine]")
	assert.Contains(t, out, env.target)
}

func TestCLI_BadConfigKey(t *testing.T) {
	env := newCLIEnv(t)
	cfgPath := env.writeFile(t, "config.toml", "[engine]\nwokers = 2\n")

	_, err := env.run(t, "--config", cfgPath, "config", "show")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `did you mean "workers"`)
}

func TestCLI_UnsupportedTarget(t *testing.T) {
	env := newCLIEnv(t)
	env.target = "ldap://localhost"

	_, err := env.run(t, "facts")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported target scheme")
}

func TestCLI_TriggerWithoutWatcher(t *testing.T) {
	env := newCLIEnv(t)

	_, err := env.run(t, "trigger")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no running watcher")
}
