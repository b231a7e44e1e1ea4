package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// Platform identifiers.
const (
	platformLinux  = "linux"
	platformDarwin = "darwin"
)

// Application directory name used across all platforms.
const appName = "dsconverge"

// File names inside the application directories.
const (
	configFileName   = "config.toml"
	databaseFileName = "dse.db"
	pidFileName      = "watch.pid"
)

// DefaultConfigDir returns the platform-specific directory for config files.
// On Linux, respects XDG_CONFIG_HOME (defaults to ~/.config/dsconverge).
// On macOS, uses ~/Library/Application Support/dsconverge.
// Other platforms fall back to ~/.config/dsconverge.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	switch runtime.GOOS {
	case platformLinux:
		return linuxConfigDir(home)
	case platformDarwin:
		return filepath.Join(home, "Library", "Application Support", appName)
	default:
		return filepath.Join(home, ".config", appName)
	}
}

// linuxConfigDir returns the XDG-compliant config directory for Linux.
func linuxConfigDir(home string) string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, appName)
	}

	return filepath.Join(home, ".config", appName)
}

// DefaultDataDir returns the platform-specific directory for application
// data (the local store and the watch PID file).
// On Linux, respects XDG_DATA_HOME (defaults to ~/.local/share/dsconverge).
// On macOS, uses ~/Library/Application Support/dsconverge.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	switch runtime.GOOS {
	case platformLinux:
		return linuxDataDir(home)
	case platformDarwin:
		return filepath.Join(home, "Library", "Application Support", appName)
	default:
		return filepath.Join(home, ".local", "share", appName)
	}
}

// linuxDataDir returns the XDG-compliant data directory for Linux.
func linuxDataDir(home string) string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, appName)
	}

	return filepath.Join(home, ".local", "share", appName)
}

// DefaultConfigPath returns the full path to the default config file.
// This is used as the fallback when neither DSCONVERGE_CONFIG nor
// --config is specified.
func DefaultConfigPath() string {
	dir := DefaultConfigDir()
	if dir == "" {
		return ""
	}

	return filepath.Join(dir, configFileName)
}

// DefaultTargetURI returns the target used when none is configured: a
// SQLite store in the data directory.
func DefaultTargetURI() string {
	return targetSchemeSQLite + ":" + filepath.Join(DefaultDataDir(), databaseFileName)
}

// PIDFilePath returns the configured watch PID file, or the default one in
// the data directory.
func (w *WatchConfig) PIDFilePath() string {
	if w.PIDFile != "" {
		return w.PIDFile
	}

	return filepath.Join(DefaultDataDir(), pidFileName)
}
