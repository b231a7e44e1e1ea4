package config

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

// Validation range constants.
const (
	minWorkers  = 1
	maxWorkers  = 64
	minDebounce = 100 * time.Millisecond
	maxDebounce = 10 * time.Minute
)

var (
	validLogLevels  = []string{"debug", "info", "warn", "error"}
	validLogFormats = []string{"auto", "text", "json"}
)

// Validate checks all configuration values and returns all errors found.
// It accumulates every error rather than stopping at the first, so users
// see a complete report and can fix all issues in one pass.
func Validate(cfg *Config) error {
	var errs []error

	errs = append(errs, validateEngine(&cfg.Engine)...)
	errs = append(errs, validateTarget(&cfg.Target)...)
	errs = append(errs, validateLogging(&cfg.Logging)...)
	errs = append(errs, validateWatch(&cfg.Watch)...)

	return errors.Join(errs...)
}

func validateEngine(e *EngineConfig) []error {
	if e.Workers < minWorkers || e.Workers > maxWorkers {
		return []error{fmt.Errorf("workers: must be between %d and %d, got %d", minWorkers, maxWorkers, e.Workers)}
	}

	return nil
}

func validateTarget(t *TargetConfig) []error {
	if _, err := ParseTarget(t.URI); err != nil {
		return []error{fmt.Errorf("uri: %w", err)}
	}

	return nil
}

func validateLogging(l *LoggingConfig) []error {
	var errs []error

	if !slices.Contains(validLogLevels, l.LogLevel) {
		errs = append(errs, fmt.Errorf("log_level: must be one of %v, got %q", validLogLevels, l.LogLevel))
	}

	if !slices.Contains(validLogFormats, l.LogFormat) {
		errs = append(errs, fmt.Errorf("log_format: must be one of %v, got %q", validLogFormats, l.LogFormat))
	}

	return errs
}

func validateWatch(w *WatchConfig) []error {
	d, err := time.ParseDuration(w.Debounce)
	if err != nil {
		return []error{fmt.Errorf("debounce: invalid duration %q: %w", w.Debounce, err)}
	}

	if d < minDebounce || d > maxDebounce {
		return []error{fmt.Errorf("debounce: must be between %s and %s, got %s", minDebounce, maxDebounce, d)}
	}

	return nil
}

// DebounceDuration returns the parsed watch debounce. Validate has already
// rejected malformed values, so a parse failure falls back to the default.
func (w *WatchConfig) DebounceDuration() time.Duration {
	d, err := time.ParseDuration(w.Debounce)
	if err != nil {
		d, _ = time.ParseDuration(defaultDebounce)
	}

	return d
}
