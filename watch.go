package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/dsconverge/dsconverge/internal/apply"
	"github.com/dsconverge/dsconverge/internal/live"
)

func newWatchCmd() *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Re-apply the desired state whenever the document changes",
		Long: `Apply the desired-state document, then keep watching it. Every change is
debounced ([watch] debounce) and triggers a new run. SIGHUP, or
"dsconverge trigger", forces a run without a file change.

Only one watcher may run per PID file. The first SIGINT or SIGTERM lets the
current run drain; a second one exits immediately.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWatch(cmd, file)
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "desired-state document (YAML or JSON)")
	cmd.Flags().Bool("dry-run", false, "plan and report without changing the target")
	cmd.Flags().Int("workers", 0, "maximum concurrent actions (default from config)")

	return cmd
}

func newTriggerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "trigger",
		Short: "Ask a running watcher to reconcile now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())

			if err := sendSIGHUP(cc.Cfg.Watch.PIDFilePath()); err != nil {
				return err
			}

			cc.Statusf("Watcher signaled\n")

			return nil
		},
	}
}

func runWatch(cmd *cobra.Command, file string) error {
	cc := mustCLIContext(cmd.Context())
	logger := cc.Logger

	if file == "" {
		return planningError(fmt.Errorf("--file is required"))
	}

	abs, err := filepath.Abs(file)
	if err != nil {
		return fmt.Errorf("resolving %s: %w", file, err)
	}

	cleanup, err := writePIDFile(cc.Cfg.Watch.PIDFilePath())
	if err != nil {
		return err
	}
	defer cleanup()

	ctx := shutdownContext(cmd.Context(), logger)

	store, err := openTarget(ctx, cc.Cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating file watcher: %w", err)
	}
	defer fsw.Close()

	// Watch the directory: editors replace files by rename, which drops a
	// watch placed on the file itself.
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watching %s: %w", filepath.Dir(abs), err)
	}

	sighup := make(chan os.Signal, 1)
	signal.Notify(sighup, syscall.SIGHUP)
	defer signal.Stop(sighup)

	w := &docWatcher{
		file:     abs,
		debounce: cc.Cfg.Watch.DebounceDuration(),
		logger:   logger,
		run: func(ctx context.Context) {
			reconcileOnce(ctx, cc, store, abs)
		},
	}

	logger.Info("watching desired state",
		slog.String("file", abs),
		slog.Duration("debounce", w.debounce),
	)

	return w.loop(ctx, fsw.Events, fsw.Errors, sighup)
}

// reconcileOnce runs one convergence for the watcher. Errors are logged,
// never fatal: the next change gets another chance.
func reconcileOnce(ctx context.Context, cc *CLIContext, srv live.Server, file string) {
	want, err := loadDesired(file, cc.Cfg)
	if err != nil {
		cc.Logger.Error("desired state rejected", slog.String("file", file), slog.String("error", err.Error()))
		return
	}

	out, err := converge(ctx, srv, want, convergeOpts{
		Workers: cc.Cfg.Engine.Workers,
		DryRun:  cc.Cfg.Engine.DryRun,
	}, cc.Logger)
	if err != nil {
		cc.Logger.Error("convergence failed", slog.String("error", err.Error()))
	}

	if out == nil {
		return
	}

	for _, f := range out.report.Failures() {
		cc.Logger.Warn("action failed",
			slog.String("path", f.Path.String()),
			slog.String("kind", f.Kind.String()),
			slog.String("error", f.Err.Error()),
		)
	}

	cc.Statusf("%s\n", reportSummary(out.report))

	if err == nil && out.report.Count(apply.Failed) == 0 && len(out.report.Results) > 0 {
		cc.Logger.Info("target converged", slog.String("plan_id", out.plan.ID))
	}
}

// docWatcher turns file events on one document into debounced runs.
type docWatcher struct {
	file     string
	debounce time.Duration
	logger   *slog.Logger
	run      func(ctx context.Context)
}

// loop runs once immediately, then once per quiet period after the
// document changes and once per SIGHUP. It returns when ctx is canceled or
// the event channels close.
func (w *docWatcher) loop(
	ctx context.Context, events <-chan fsnotify.Event, errs <-chan error, sighup <-chan os.Signal,
) error {
	w.run(ctx)

	timer := time.NewTimer(w.debounce)
	timer.Stop()

	defer timer.Stop()

	// pending is nil while no run is scheduled.
	var pending <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-events:
			if !ok {
				return nil
			}

			if !w.relevant(ev) {
				continue
			}

			w.logger.Debug("desired state changed", slog.String("op", ev.Op.String()))
			timer.Reset(w.debounce)
			pending = timer.C

		case err, ok := <-errs:
			if !ok {
				return nil
			}

			w.logger.Warn("file watcher error", slog.String("error", err.Error()))

		case <-sighup:
			w.logger.Info("SIGHUP received, reconciling")
			w.run(ctx)

		case <-pending:
			pending = nil
			w.run(ctx)
		}
	}
}

// relevant reports whether ev touches the watched document. Pure chmod
// events are ignored.
func (w *docWatcher) relevant(ev fsnotify.Event) bool {
	if filepath.Clean(ev.Name) != w.file {
		return false
	}

	return !(ev.Has(fsnotify.Chmod) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write))
}
