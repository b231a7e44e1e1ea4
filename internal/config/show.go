package config

import (
	"fmt"
	"io"
)

// RenderEffective writes the resolved configuration as a human-readable
// annotated summary to w. This powers the "config show" command.
func RenderEffective(cfg *Config, w io.Writer) error {
	ew := &errWriter{w: w}

	ew.printf("# Effective configuration\n\n")

	renderEngineSection(ew, &cfg.Engine)
	renderTargetSection(ew, &cfg.Target)
	renderLoggingSection(ew, &cfg.Logging)
	renderWatchSection(ew, &cfg.Watch)

	return ew.err
}

// errWriter wraps an io.Writer and captures the first write error.
// Subsequent writes after an error are no-ops, so callers can chain
// printf calls without checking each one individually.
type errWriter struct {
	w   io.Writer
	err error
}

func (ew *errWriter) printf(format string, args ...any) {
	if ew.err != nil {
		return
	}

	_, ew.err = fmt.Fprintf(ew.w, format, args...)
}

func renderEngineSection(ew *errWriter, e *EngineConfig) {
	ew.printf("[engine]\n")
	ew.printf("  workers   = %d\n", e.Workers)
	ew.printf("  dry_run   = %t\n", e.DryRun)
	ew.printf("  overwrite = %t\n", e.Overwrite)
	ew.printf("\n")
}

func renderTargetSection(ew *errWriter, t *TargetConfig) {
	ew.printf("[target]\n")
	ew.printf("  uri = %q\n", t.URI)
	ew.printf("\n")
}

func renderLoggingSection(ew *errWriter, l *LoggingConfig) {
	ew.printf("[logging]\n")
	ew.printf("  log_level  = %q\n", l.LogLevel)

	if l.LogFile != "" {
		ew.printf("  log_file   = %q\n", l.LogFile)
	}

	ew.printf("  log_format = %q\n", l.LogFormat)
	ew.printf("\n")
}

func renderWatchSection(ew *errWriter, wc *WatchConfig) {
	ew.printf("[watch]\n")
	ew.printf("  debounce = %q\n", wc.Debounce)
	ew.printf("  pid_file = %q\n", wc.PIDFilePath())
}
