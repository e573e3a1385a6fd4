package config

const (
	// DefaultPath is the configuration file used when --config is not given.
	DefaultPath = "config.toml"

	// PIDFileName is the PID file created in the data directory.
	PIDFileName = "sinap.pid"

	// SocketFileName is the default control socket name.
	SocketFileName = "sinap.sock"

	// DefaultMaxTokenBytes keeps the state token well below Linux MAX_ARG_STRLEN (128 KiB).
	DefaultMaxTokenBytes = 96 * 1024
)

// applyDefaults применяет значения по умолчанию
func applyDefaults(c *Config) {
	if c.Bot.Name == "" {
		c.Bot.Name = "sinap"
	}
	if c.Bot.DataDir == "" {
		c.Bot.DataDir = "~/.sinap"
	}

	if c.Lifecycle.DrainTimeoutSeconds == 0 {
		c.Lifecycle.DrainTimeoutSeconds = 10
	}
	if c.Lifecycle.ReadyTimeoutSeconds == 0 {
		c.Lifecycle.ReadyTimeoutSeconds = 5
	}
	if c.Lifecycle.RestartSignals == nil {
		c.Lifecycle.RestartSignals = []string{"SIGHUP", "SIGUSR1"}
	}

	if c.Runtime.OffloadWorkers == 0 {
		c.Runtime.OffloadWorkers = 8
	}
	if c.Runtime.MaxTokenBytes == 0 {
		c.Runtime.MaxTokenBytes = DefaultMaxTokenBytes
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stdout"
	}

	if c.Control.Socket == "" {
		c.Control.Socket = SocketFileName
	}

	if c.Metrics.Listen == "" {
		c.Metrics.Listen = "127.0.0.1:9310"
	}
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = "sinap"
	}

	if c.Stats.Heartbeat == "" {
		c.Stats.Heartbeat = "@every 90s"
	}
}

// Default returns a configuration with every default applied.
// Environment references and ~ are not expanded.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}
