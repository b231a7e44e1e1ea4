package config

import (
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/BurntSushi/toml"

	"github.com/dsconverge/dsconverge/internal/suggest"
)

// sectionKeys lists the keys each config section accepts.
var sectionKeys = map[string][]string{
	"engine":  {"dry_run", "overwrite", "workers"},
	"target":  {"uri"},
	"logging": {"log_file", "log_format", "log_level"},
	"watch":   {"debounce", "pid_file"},
}

// sectionNames is sorted so suggestion ties resolve the same way every run.
var sectionNames = slices.Sorted(maps.Keys(sectionKeys))

// checkUnknownKeys turns every key the decoder left untouched into an
// error. A misspelled section is reported once, not once per key in it.
func checkUnknownKeys(md *toml.MetaData) error {
	var errs []error

	seen := make(map[string]bool)

	for _, key := range md.Undecoded() {
		section := key[0]

		if keys, ok := sectionKeys[section]; ok && len(key) > 1 {
			errs = append(errs, unknownKeyError(key[1], section, keys))
			continue
		}

		if !seen[section] {
			seen[section] = true
			errs = append(errs, unknownKeyError(section, "", sectionNames))
		}
	}

	return errors.Join(errs...)
}

func unknownKeyError(name, section string, candidates []string) error {
	msg := fmt.Sprintf("unknown config key %q", name)
	if section != "" {
		msg += fmt.Sprintf(" in [%s]", section)
	}

	if s := suggest.Closest(name, candidates); s != "" {
		msg += fmt.Sprintf(", did you mean %q?", s)
	}

	return errors.New(msg)
}
