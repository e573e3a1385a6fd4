// Package config provides configuration loading and validation for sinap.
// It supports TOML configuration files (and YAML for .yml/.yaml paths) with
// environment variable expansion, default values, and comprehensive validation.
//
// Configuration structure:
//   - [bot]: Bot name and data directory
//   - [lifecycle]: Drain and successor readiness timeouts, restart signals
//   - [runtime]: Event loop tunables
//   - [logging]: Logging level, format, and output
//   - [control]: Admin control socket
//   - [metrics]: Prometheus and health HTTP endpoint
//   - [stats]: Built-in stats handler
//
// Environment variables:
// Path-like values can reference environment variables using ${VAR} or
// ${VAR:default} syntax. For example: data_dir = "${SINAP_DATA:~/.sinap}"
//
// A Config is loaded once per process and is never mutated afterwards; a new
// configuration only takes effect through a full restart.
package config

import (
	"path/filepath"
	"time"
)

// Config represents the main application configuration.
type Config struct {
	Bot       BotConfig       `toml:"bot" yaml:"bot"`
	Lifecycle LifecycleConfig `toml:"lifecycle" yaml:"lifecycle"`
	Runtime   RuntimeConfig   `toml:"runtime" yaml:"runtime"`
	Logging   LoggingConfig   `toml:"logging" yaml:"logging"`
	Control   ControlConfig   `toml:"control" yaml:"control"`
	Metrics   MetricsConfig   `toml:"metrics" yaml:"metrics"`
	Stats     StatsConfig     `toml:"stats" yaml:"stats"`

	// Source is the path the configuration was loaded from.
	Source string `toml:"-" yaml:"-"`
}

// BotConfig представляет общую конфигурацию бота
type BotConfig struct {
	Name    string `toml:"name" yaml:"name"`
	DataDir string `toml:"data_dir" yaml:"data_dir"`
}

// LifecycleConfig представляет конфигурацию жизненного цикла процесса
type LifecycleConfig struct {
	DrainTimeoutSeconds int      `toml:"drain_timeout_seconds" yaml:"drain_timeout_seconds"`
	ReadyTimeoutSeconds int      `toml:"ready_timeout_seconds" yaml:"ready_timeout_seconds"`
	RestartSignals      []string `toml:"restart_signals" yaml:"restart_signals"`
}

// DrainTimeout returns the drain timeout as a duration.
func (c LifecycleConfig) DrainTimeout() time.Duration {
	return time.Duration(c.DrainTimeoutSeconds) * time.Second
}

// ReadyTimeout returns the successor readiness timeout as a duration.
func (c LifecycleConfig) ReadyTimeout() time.Duration {
	return time.Duration(c.ReadyTimeoutSeconds) * time.Second
}

// RuntimeConfig представляет конфигурацию event loop
type RuntimeConfig struct {
	OffloadWorkers int `toml:"offload_workers" yaml:"offload_workers"`
	MaxTokenBytes  int `toml:"max_token_bytes" yaml:"max_token_bytes"`
}

// LoggingConfig представляет конфигурацию логирования
type LoggingConfig struct {
	Level  string `toml:"level" yaml:"level"`
	Format string `toml:"format" yaml:"format"`
	Output string `toml:"output" yaml:"output"`
}

// ControlConfig представляет конфигурацию управляющего сокета
type ControlConfig struct {
	Enabled bool   `toml:"enabled" yaml:"enabled"`
	Socket  string `toml:"socket" yaml:"socket"`
}

// MetricsConfig представляет конфигурацию HTTP endpoint для метрик
type MetricsConfig struct {
	Enabled   bool   `toml:"enabled" yaml:"enabled"`
	Listen    string `toml:"listen" yaml:"listen"`
	Namespace string `toml:"namespace" yaml:"namespace"`
}

// StatsConfig представляет конфигурацию встроенного stats handler
type StatsConfig struct {
	Enabled   bool   `toml:"enabled" yaml:"enabled"`
	Heartbeat string `toml:"heartbeat" yaml:"heartbeat"`
}

// PIDFile returns the path of the PID file inside the data directory.
func (c *Config) PIDFile() string {
	return filepath.Join(c.Bot.DataDir, PIDFileName)
}

// ControlSocket returns the control socket path, relative paths are resolved
// against the data directory.
func (c *Config) ControlSocket() string {
	if filepath.IsAbs(c.Control.Socket) {
		return c.Control.Socket
	}
	return filepath.Join(c.Bot.DataDir, c.Control.Socket)
}
