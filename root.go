package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/dsconverge/dsconverge/internal/config"
)

// version is set at build time via ldflags.
var version = "dev"

// Exit codes.
const (
	exitOK       = 0
	exitFailures = 1
	exitPlanning = 2
)

// logFilePermissions matches the PID file: owner rw, group/other r.
const logFilePermissions = 0o644

// CLIFlags holds the global persistent flags.
type CLIFlags struct {
	ConfigPath string
	Target     string
	JSON       bool
	Verbose    bool
	Quiet      bool
}

// CLIContext is built once per invocation by the root pre-run and handed to
// subcommands through the command context.
type CLIContext struct {
	Flags  CLIFlags
	Cfg    *config.Config
	Logger *slog.Logger

	closers []io.Closer
}

type cliContextKey struct{}

func withCLIContext(ctx context.Context, cc *CLIContext) context.Context {
	return context.WithValue(ctx, cliContextKey{}, cc)
}

// mustCLIContext returns the CLIContext stored by the root pre-run. A
// missing context is a programming error.
func mustCLIContext(ctx context.Context) *CLIContext {
	cc, ok := ctx.Value(cliContextKey{}).(*CLIContext)
	if !ok {
		panic("CLIContext missing from command context")
	}

	return cc
}

// close releases resources opened while building the context (log file).
func (cc *CLIContext) close() {
	for _, c := range cc.closers {
		c.Close()
	}

	cc.closers = nil
}

// newRootCmd builds and returns the fully-assembled root command with all
// subcommands registered. Called once from main().
func newRootCmd() *cobra.Command {
	flags := &CLIFlags{}

	cmd := &cobra.Command{
		Use:   "dsconverge",
		Short: "Converge 389 Directory Server configuration",
		Long: `Reconcile a declarative description of 389 Directory Server instances,
backends, indexes and replication agreements against a target, applying the
minimal set of create, update and delete operations.`,
		Version: version,
		// Silence Cobra's default error/usage printing; main handles it.
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cc, err := newCLIContext(cmd, *flags)
			if err != nil {
				return err
			}

			cmd.SetContext(withCLIContext(cmd.Context(), cc))

			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			mustCLIContext(cmd.Context()).close()
		},
	}

	cmd.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "config file path")
	cmd.PersistentFlags().StringVar(&flags.Target, "target", "", "target URI (sqlite:<path>)")
	cmd.PersistentFlags().BoolVar(&flags.JSON, "json", false, "output in JSON format")
	cmd.PersistentFlags().BoolVarP(&flags.Verbose, "verbose", "v", false, "enable debug logging")
	cmd.PersistentFlags().BoolVarP(&flags.Quiet, "quiet", "q", false, "suppress informational output")
	cmd.MarkFlagsMutuallyExclusive("verbose", "quiet")

	cmd.AddCommand(newValidateCmd())
	cmd.AddCommand(newPlanCmd())
	cmd.AddCommand(newApplyCmd())
	cmd.AddCommand(newFactsCmd())
	cmd.AddCommand(newWatchCmd())
	cmd.AddCommand(newTriggerCmd())
	cmd.AddCommand(newConfigCmd())

	return cmd
}

// newCLIContext resolves the effective configuration from the four-layer
// override chain and builds the logger from it.
func newCLIContext(cmd *cobra.Command, flags CLIFlags) (*CLIContext, error) {
	cli := config.CLIOverrides{ConfigPath: flags.ConfigPath}

	if cmd.Flags().Changed("target") {
		cli.Target = &flags.Target
	}

	// --workers and --dry-run are local to apply and watch.
	if f := cmd.Flags().Lookup("workers"); f != nil && f.Changed {
		n, err := cmd.Flags().GetInt("workers")
		if err != nil {
			return nil, err
		}

		cli.Workers = &n
	}

	if f := cmd.Flags().Lookup("dry-run"); f != nil && f.Changed {
		d, err := cmd.Flags().GetBool("dry-run")
		if err != nil {
			return nil, err
		}

		cli.DryRun = &d
	}

	cfg, err := config.Resolve(config.ReadEnvOverrides(), cli)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	cc := &CLIContext{Flags: flags, Cfg: cfg}

	out := io.Writer(os.Stderr)
	tty := isatty.IsTerminal(os.Stderr.Fd())

	if cfg.Logging.LogFile != "" {
		f, err := os.OpenFile(cfg.Logging.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, logFilePermissions)
		if err != nil {
			return nil, fmt.Errorf("opening log file: %w", err)
		}

		cc.closers = append(cc.closers, f)
		out = f
		tty = false
	}

	cc.Logger = buildLogger(out, tty, &cfg.Logging, flags)

	return cc, nil
}

// buildLogger creates an slog.Logger configured by the resolved config and
// CLI flags. Config-file log level provides the baseline; --verbose and
// --quiet override it because CLI flags always win. The "auto" format picks
// text on a terminal and JSON otherwise.
func buildLogger(w io.Writer, tty bool, lc *config.LoggingConfig, flags CLIFlags) *slog.Logger {
	level := slog.LevelInfo

	switch lc.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	if flags.Verbose {
		level = slog.LevelDebug
	}

	if flags.Quiet {
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	useJSON := lc.LogFormat == "json" || (lc.LogFormat == "auto" && !tty)
	if useJSON {
		return slog.New(slog.NewJSONHandler(w, opts))
	}

	return slog.New(slog.NewTextHandler(w, opts))
}

// exitError carries a process exit code alongside the message.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func planningError(err error) error {
	return &exitError{code: exitPlanning, err: err}
}

// errActionsFailed reports a run whose plan executed with failures. The
// verdict has already been printed.
var errActionsFailed = errors.New("actions failed")

// exitCode maps a command error onto the process exit code.
func exitCode(err error) int {
	if err == nil {
		return exitOK
	}

	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}

	return exitFailures
}

// exitOnError prints a user-friendly error message to stderr and exits.
func exitOnError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(exitCode(err))
}
