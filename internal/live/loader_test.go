package live_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dsconverge/dsconverge/internal/live"
	"github.com/dsconverge/dsconverge/internal/live/livetest"
	"github.com/dsconverge/dsconverge/internal/schema"
	"github.com/dsconverge/dsconverge/internal/tree"
)

// testLogger returns a debug-level logger that writes to t.Log.
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

func seeded(t *testing.T) *livetest.Server {
	t.Helper()

	src := tree.New(tree.ModeMerge)
	for _, e := range []*tree.Entity{
		{Path: tree.InstancePath("i1"), Fields: map[string]schema.Value{
			"port":       schema.IntValue(389),
			"nsuniqueid": schema.StringValue("ignored"),
		}},
		{Path: tree.InstancePath("i2"), Fields: map[string]schema.Value{
			"started": schema.BoolValue(false),
		}},
		{Path: tree.BackendPath("i1", "userroot"), Fields: map[string]schema.Value{
			"Suffix": schema.StringValue("DC=Example,DC=Com"),
		}},
		{Path: tree.IndexPath("i1", "userroot", "cn"), Fields: map[string]schema.Value{
			"indextype": schema.ListValue("eq"),
		}},
		{Path: tree.AgreementPath("i1", "userroot", "to-s2"), Fields: map[string]schema.Value{
			"replicahost": schema.StringValue("s2"),
		}},
	} {
		require.NoError(t, src.Insert(e))
	}

	srv := livetest.New()
	srv.Seed(src)

	return srv
}

func TestLoad_ReadsWholeHierarchy(t *testing.T) {
	t.Parallel()

	loader := live.NewLoader(seeded(t), testLogger(t))

	got, err := loader.Load(context.Background())
	require.NoError(t, err)

	var paths []string
	for p, e := range got.Walk() {
		paths = append(paths, p.String())
		assert.Equal(t, schema.StatePresent, e.State)
	}

	assert.Equal(t, []string{
		"i1",
		"i1.userroot",
		"i1.userroot/index:cn",
		"i1.userroot/agmt:to-s2",
		"i2",
	}, paths)
	assert.Equal(t, tree.ModeMerge, got.Mode())

	i1, err := got.Lookup(tree.InstancePath("i1"))
	require.NoError(t, err)
	assert.Equal(t, int64(389), i1.Fields["port"].Int())
	assert.True(t, i1.Fields["started"].Bool())
	assert.NotContains(t, i1.Fields, "nsuniqueid")

	i2, err := got.Lookup(tree.InstancePath("i2"))
	require.NoError(t, err)
	assert.False(t, i2.Fields["started"].Bool())

	be, err := got.Lookup(tree.BackendPath("i1", "userroot"))
	require.NoError(t, err)
	assert.Equal(t, "dc=example,dc=com", be.Fields["suffix"].Str())
}

func TestLoad_EmptyServer(t *testing.T) {
	t.Parallel()

	got, err := live.NewLoader(livetest.New(), testLogger(t)).Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, got.Len())
}

func TestLoad_QueryErrorAborts(t *testing.T) {
	t.Parallel()

	srv := seeded(t)
	boom := errors.New("connection reset")
	srv.FailOn("query", tree.BackendPath("i1", "userroot"), boom)

	loader := live.NewLoader(srv, testLogger(t))
	loader.SetConcurrency(1)

	_, err := loader.Load(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "i1.userroot")
}

func TestLoad_VanishedEntitySkipped(t *testing.T) {
	t.Parallel()

	srv := seeded(t)
	srv.FailOn("query", tree.InstancePath("i2"), live.ErrNotFound)

	got, err := live.NewLoader(srv, testLogger(t)).Load(context.Background())
	require.NoError(t, err)
	assert.False(t, got.Has(tree.InstancePath("i2")))
	assert.True(t, got.Has(tree.InstancePath("i1")))
}
