package main

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dsconverge/dsconverge/internal/config"
	"github.com/dsconverge/dsconverge/internal/dsestore"
	"github.com/dsconverge/dsconverge/internal/live"
	"github.com/dsconverge/dsconverge/internal/tree"
)

// loopHarness drives docWatcher.loop through fake channels.
type loopHarness struct {
	events chan fsnotify.Event
	errs   chan error
	sighup chan os.Signal
	runs   chan struct{}
	count  atomic.Int32
	cancel context.CancelFunc
	done   chan error
}

func startLoop(t *testing.T, file string, debounce time.Duration) *loopHarness {
	t.Helper()

	h := &loopHarness{
		events: make(chan fsnotify.Event),
		errs:   make(chan error),
		sighup: make(chan os.Signal),
		runs:   make(chan struct{}, 16),
		done:   make(chan error, 1),
	}

	w := &docWatcher{
		file:     file,
		debounce: debounce,
		logger:   testLogger(t),
		run: func(context.Context) {
			h.count.Add(1)
			h.runs <- struct{}{}
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel

	go func() { h.done <- w.loop(ctx, h.events, h.errs, h.sighup) }()

	t.Cleanup(func() {
		cancel()
		<-h.done
	})

	h.waitRun(t) // initial run

	return h
}

func (h *loopHarness) waitRun(t *testing.T) {
	t.Helper()

	select {
	case <-h.runs:
	case <-time.After(2 * time.Second):
		t.Fatal("expected a run")
	}
}

func (h *loopHarness) noRun(t *testing.T, wait time.Duration) {
	t.Helper()

	select {
	case <-h.runs:
		t.Fatal("unexpected run")
	case <-time.After(wait):
	}
}

func TestDocWatcher_RunsOnStartup(t *testing.T) {
	t.Parallel()

	h := startLoop(t, "/etc/ds/desired.yaml", 20*time.Millisecond)
	assert.Equal(t, int32(1), h.count.Load())
}

func TestDocWatcher_DebouncesBursts(t *testing.T) {
	t.Parallel()

	const file = "/etc/ds/desired.yaml"

	h := startLoop(t, file, 50*time.Millisecond)

	for range 5 {
		h.events <- fsnotify.Event{Name: file, Op: fsnotify.Write}
	}

	h.waitRun(t)
	h.noRun(t, 150*time.Millisecond)
	assert.Equal(t, int32(2), h.count.Load())
}

func TestDocWatcher_IgnoresOtherFilesAndChmod(t *testing.T) {
	t.Parallel()

	const file = "/etc/ds/desired.yaml"

	h := startLoop(t, file, 20*time.Millisecond)

	h.events <- fsnotify.Event{Name: "/etc/ds/other.yaml", Op: fsnotify.Write}
	h.events <- fsnotify.Event{Name: file, Op: fsnotify.Chmod}

	h.noRun(t, 100*time.Millisecond)
}

func TestDocWatcher_RenameTriggersRun(t *testing.T) {
	t.Parallel()

	const file = "/etc/ds/desired.yaml"

	h := startLoop(t, file, 20*time.Millisecond)

	h.events <- fsnotify.Event{Name: file, Op: fsnotify.Create}

	h.waitRun(t)
}

func TestDocWatcher_SIGHUPRunsImmediately(t *testing.T) {
	t.Parallel()

	h := startLoop(t, "/etc/ds/desired.yaml", time.Hour)

	h.sighup <- syscall.SIGHUP

	h.waitRun(t)
}

func TestDocWatcher_WatcherErrorsAreNotFatal(t *testing.T) {
	t.Parallel()

	const file = "/etc/ds/desired.yaml"

	h := startLoop(t, file, 20*time.Millisecond)

	h.errs <- fsnotify.ErrEventOverflow
	h.events <- fsnotify.Event{Name: file, Op: fsnotify.Write}

	h.waitRun(t)
}

func TestDocWatcher_StopsOnCancel(t *testing.T) {
	t.Parallel()

	h := startLoop(t, "/etc/ds/desired.yaml", 20*time.Millisecond)

	h.cancel()

	select {
	case err := <-h.done:
		require.NoError(t, err)
		h.done <- err // for cleanup
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not stop")
	}
}

func TestReconcileOnce_ConvergesAndToleratesBadDocs(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	logger := testLogger(t)

	store, err := dsestore.Open(context.Background(), filepath.Join(dir, "dse.db"), logger)
	require.NoError(t, err)

	t.Cleanup(func() { store.Close() })

	cfg := config.DefaultConfig()
	cc := &CLIContext{Flags: CLIFlags{Quiet: true}, Cfg: cfg, Logger: logger}

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("i1:\n  port: lots\n"), 0o644))

	reconcileOnce(context.Background(), cc, store, bad)

	actual, err := live.NewLoader(store, logger).Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, actual.Len())

	good := filepath.Join(dir, "good.yaml")
	require.NoError(t, os.WriteFile(good, []byte(cliDoc), 0o644))

	reconcileOnce(context.Background(), cc, store, good)

	actual, err = live.NewLoader(store, logger).Load(context.Background())
	require.NoError(t, err)
	assert.True(t, actual.Has(tree.IndexPath("i1", "userroot", "cn")))
}
