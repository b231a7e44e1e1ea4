// Package testutil provides shared helpers for end-to-end tests, which
// drive the built binary and cannot import internal/.
package testutil

import (
	"os"
	"path/filepath"
	"time"
)

// FindModuleRoot walks up from the working directory to the directory
// holding go.mod. It falls back to ".." (e2e/ sits one level below the
// root).
func FindModuleRoot() string {
	dir, err := os.Getwd()
	if err != nil {
		return ".."
	}

	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return ".."
		}

		dir = parent
	}
}

// IsolatedEnv returns an environment for a child process whose config,
// data and target all live under dir.
func IsolatedEnv(dir string) []string {
	env := make([]string, 0, len(os.Environ())+4)

	for _, kv := range os.Environ() {
		switch {
		case hasKey(kv, "DSCONVERGE_CONFIG"), hasKey(kv, "DSCONVERGE_TARGET"),
			hasKey(kv, "XDG_CONFIG_HOME"), hasKey(kv, "XDG_DATA_HOME"):
			continue
		}

		env = append(env, kv)
	}

	return append(env,
		"XDG_CONFIG_HOME="+filepath.Join(dir, "config"),
		"XDG_DATA_HOME="+filepath.Join(dir, "data"),
		"DSCONVERGE_TARGET=sqlite:"+filepath.Join(dir, "dse.db"),
	)
}

func hasKey(kv, key string) bool {
	return len(kv) > len(key) && kv[:len(key)] == key && kv[len(key)] == '='
}

// PollUntil calls cond every interval until it returns true or timeout
// elapses, and reports whether cond succeeded.
func PollUntil(timeout, interval time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)

	for {
		if cond() {
			return true
		}

		if time.Now().After(deadline) {
			return false
		}

		time.Sleep(interval)
	}
}
