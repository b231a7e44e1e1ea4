package config

import (
	"errors"
	"fmt"
	"strings"
)

const targetSchemeSQLite = "sqlite"

// Target is a parsed target URI.
type Target struct {
	Scheme string
	Path   string
}

// ParseTarget parses a target URI of the form sqlite:<path> or
// sqlite://<path>. A bare path is read as a SQLite database.
func ParseTarget(uri string) (Target, error) {
	uri = strings.TrimSpace(uri)
	if uri == "" {
		return Target{}, errors.New("target must not be empty")
	}

	scheme, rest, found := strings.Cut(uri, ":")
	if !found || strings.ContainsAny(scheme, `/\.`) || len(scheme) == 1 {
		// No scheme, or a Windows drive letter.
		return Target{Scheme: targetSchemeSQLite, Path: uri}, nil
	}

	if scheme != targetSchemeSQLite {
		return Target{}, fmt.Errorf("unsupported target scheme %q (want %s)", scheme, targetSchemeSQLite)
	}

	rest = strings.TrimPrefix(rest, "//")
	if rest == "" {
		return Target{}, fmt.Errorf("target %q has no path", uri)
	}

	return Target{Scheme: scheme, Path: rest}, nil
}
