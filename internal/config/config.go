// Package config implements TOML configuration loading, validation, and
// platform-specific path resolution for dsconverge. It supports a four-layer
// override chain (defaults -> config file -> environment -> CLI flags).
package config

// Config is the top-level configuration structure parsed from a TOML file.
type Config struct {
	Engine  EngineConfig  `toml:"engine"`
	Target  TargetConfig  `toml:"target"`
	Logging LoggingConfig `toml:"logging"`
	Watch   WatchConfig   `toml:"watch"`
}

// EngineConfig controls how plans are executed.
type EngineConfig struct {
	// Workers bounds concurrent actions; actions under one instance always
	// run one at a time.
	Workers int  `toml:"workers"`
	DryRun  bool `toml:"dry_run"`
	// Overwrite treats every document without a root state as
	// authoritative, removing entities it does not list.
	Overwrite bool `toml:"overwrite"`
}

// TargetConfig names the administrative store to reconcile.
type TargetConfig struct {
	URI string `toml:"uri"`
}

// LoggingConfig controls log output behavior: level, format and
// destination.
type LoggingConfig struct {
	LogLevel  string `toml:"log_level"`
	LogFile   string `toml:"log_file"`
	LogFormat string `toml:"log_format"`
}

// WatchConfig controls the watch command.
type WatchConfig struct {
	// Debounce is how long the desired-state file must stay quiet before a
	// change triggers a run.
	Debounce string `toml:"debounce"`
	PIDFile  string `toml:"pid_file"`
}

// CLIOverrides holds values from CLI flags that override config file and
// environment settings. Pointer fields distinguish "not specified" (nil)
// from "explicitly set to zero value".
type CLIOverrides struct {
	ConfigPath string  // --config flag (empty = use default)
	Target     *string // --target flag
	Workers    *int    // --workers flag
	DryRun     *bool   // --dry-run flag
}
