package config

// Default values for configuration options. These represent the "layer 0"
// of the four-layer override chain.
const (
	defaultWorkers   = 1
	defaultLogLevel  = "info"
	defaultLogFormat = "auto"
	defaultDebounce  = "2s"
)

// DefaultConfig returns a Config populated with all default values.
// This is used both as the starting point for TOML decoding (so unset
// fields retain defaults) and as the fallback when no config file exists.
func DefaultConfig() *Config {
	return &Config{
		Engine: EngineConfig{
			Workers: defaultWorkers,
		},
		Target: TargetConfig{
			URI: DefaultTargetURI(),
		},
		Logging: LoggingConfig{
			LogLevel:  defaultLogLevel,
			LogFormat: defaultLogFormat,
		},
		Watch: WatchConfig{
			Debounce: defaultDebounce,
		},
	}
}
