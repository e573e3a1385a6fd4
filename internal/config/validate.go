package config

import (
	"fmt"
	"net"
	"strings"

	"github.com/robfig/cron/v3"
)

// RestartSignalNames lists the signals that may be bound to a restart.
// SIGINT and SIGTERM are reserved for shutdown.
var RestartSignalNames = map[string]bool{
	"SIGHUP":  true,
	"SIGUSR1": true,
	"SIGUSR2": true,
}

// Validate проверяет валидность конфигурации
func (c *Config) Validate() []error {
	var errors []error

	// Проверка bot
	if strings.TrimSpace(c.Bot.Name) == "" {
		errors = append(errors, fmt.Errorf("bot.name is required"))
	}
	if c.Bot.DataDir == "" {
		errors = append(errors, fmt.Errorf("bot.data_dir is required"))
	} else if err := validatePath(c.Bot.DataDir, "bot.data_dir"); err != nil {
		errors = append(errors, err)
	}

	// Проверка lifecycle
	if c.Lifecycle.DrainTimeoutSeconds < 1 {
		errors = append(errors, fmt.Errorf("lifecycle.drain_timeout_seconds must be >= 1 (got %d)", c.Lifecycle.DrainTimeoutSeconds))
	}
	if c.Lifecycle.ReadyTimeoutSeconds < 1 {
		errors = append(errors, fmt.Errorf("lifecycle.ready_timeout_seconds must be >= 1 (got %d)", c.Lifecycle.ReadyTimeoutSeconds))
	}
	for _, sig := range c.Lifecycle.RestartSignals {
		if !RestartSignalNames[strings.ToUpper(sig)] {
			errors = append(errors, fmt.Errorf("invalid lifecycle.restart_signals entry: %s (expected: SIGHUP, SIGUSR1, SIGUSR2)", sig))
		}
	}

	// Проверка runtime
	if c.Runtime.OffloadWorkers < 1 {
		errors = append(errors, fmt.Errorf("runtime.offload_workers must be >= 1 (got %d)", c.Runtime.OffloadWorkers))
	}
	if c.Runtime.MaxTokenBytes < 1024 || c.Runtime.MaxTokenBytes > 128*1024 {
		errors = append(errors, fmt.Errorf("runtime.max_token_bytes must be between 1024 and 131072 (got %d)", c.Runtime.MaxTokenBytes))
	}

	// Проверка logging config
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		errors = append(errors, fmt.Errorf("invalid logging.level: %s (expected: debug, info, warn, error)", c.Logging.Level))
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(c.Logging.Format)] {
		errors = append(errors, fmt.Errorf("invalid logging.format: %s (expected: json, text)", c.Logging.Format))
	}

	// Проверка control socket
	if c.Control.Enabled {
		if err := validatePath(c.Control.Socket, "control.socket"); err != nil {
			errors = append(errors, err)
		}
	}

	// Проверка metrics
	if c.Metrics.Enabled {
		if _, _, err := net.SplitHostPort(c.Metrics.Listen); err != nil {
			errors = append(errors, fmt.Errorf("invalid metrics.listen: %s (%v)", c.Metrics.Listen, err))
		}
	}

	// Проверка stats
	if c.Stats.Enabled {
		if _, err := cron.ParseStandard(c.Stats.Heartbeat); err != nil {
			errors = append(errors, fmt.Errorf("invalid stats.heartbeat: %s (%v)", c.Stats.Heartbeat, err))
		}
	}

	return errors
}

func validatePath(path, fieldName string) error {
	if path == "" {
		return fmt.Errorf("%s cannot be empty", fieldName)
	}

	if strings.HasPrefix(path, "~") {
		return nil
	}

	if strings.Contains(path, "..") {
		return fmt.Errorf("%s contains potentially dangerous path traversal sequence", fieldName)
	}

	return nil
}
