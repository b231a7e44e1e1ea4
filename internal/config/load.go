package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Load decodes the TOML file at path over the defaults. Unknown keys and
// invalid values are both fatal.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if err := checkUnknownKeys(&md); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault is Load, except that a missing file yields the defaults.
func LoadOrDefault(path string) (*Config, error) {
	_, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}

	return Load(path)
}

// Resolve builds the effective configuration. Each layer overrides the one
// before it: defaults, the config file, the environment, then flags.
func Resolve(env EnvOverrides, cli CLIOverrides) (*Config, error) {
	cfg, err := LoadOrDefault(firstNonEmpty(cli.ConfigPath, env.ConfigPath, DefaultConfigPath()))
	if err != nil {
		return nil, err
	}

	if env.Target != "" {
		cfg.Target.URI = env.Target
	}

	cli.apply(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// apply copies every flag that was given onto cfg.
func (o CLIOverrides) apply(cfg *Config) {
	if o.Target != nil {
		cfg.Target.URI = *o.Target
	}

	if o.Workers != nil {
		cfg.Engine.Workers = *o.Workers
	}

	if o.DryRun != nil {
		cfg.Engine.DryRun = *o.DryRun
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}

	return ""
}
