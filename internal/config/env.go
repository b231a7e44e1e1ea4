package config

import "os"

// Environment variable names for overrides.
const (
	EnvConfig = "DSCONVERGE_CONFIG"
	EnvTarget = "DSCONVERGE_TARGET"
)

// EnvOverrides holds values derived from environment variables.
type EnvOverrides struct {
	ConfigPath string // DSCONVERGE_CONFIG: override config file path
	Target     string // DSCONVERGE_TARGET: override target URI
}

// ReadEnvOverrides reads environment variables and returns any overrides found.
// This does not modify the Config; callers apply the relevant fields.
func ReadEnvOverrides() EnvOverrides {
	return EnvOverrides{
		ConfigPath: os.Getenv(EnvConfig),
		Target:     os.Getenv(EnvTarget),
	}
}
