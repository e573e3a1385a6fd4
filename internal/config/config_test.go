package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestConfigDefaults(t *testing.T) {
	cfg := &Config{}
	applyDefaults(cfg)

	tests := []struct {
		name  string
		field string
		want  any
		got   any
	}{
		{"bot name", "bot.name", "sinap", cfg.Bot.Name},
		{"data dir", "bot.data_dir", "~/.sinap", cfg.Bot.DataDir},
		{"drain timeout", "lifecycle.drain_timeout_seconds", 10, cfg.Lifecycle.DrainTimeoutSeconds},
		{"ready timeout", "lifecycle.ready_timeout_seconds", 5, cfg.Lifecycle.ReadyTimeoutSeconds},
		{"offload workers", "runtime.offload_workers", 8, cfg.Runtime.OffloadWorkers},
		{"max token bytes", "runtime.max_token_bytes", DefaultMaxTokenBytes, cfg.Runtime.MaxTokenBytes},
		{"logging level", "logging.level", "info", cfg.Logging.Level},
		{"logging format", "logging.format", "json", cfg.Logging.Format},
		{"logging output", "logging.output", "stdout", cfg.Logging.Output},
		{"control socket", "control.socket", SocketFileName, cfg.Control.Socket},
		{"metrics namespace", "metrics.namespace", "sinap", cfg.Metrics.Namespace},
		{"stats heartbeat", "stats.heartbeat", "@every 90s", cfg.Stats.Heartbeat},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.got, tt.field)
		})
	}

	assert.Equal(t, []string{"SIGHUP", "SIGUSR1"}, cfg.Lifecycle.RestartSignals)
}

func TestLoad_TOML(t *testing.T) {
	dataDir := t.TempDir()
	path := writeConfig(t, "config.toml", `
[bot]
name = "ircbot"
data_dir = "`+dataDir+`"

[lifecycle]
drain_timeout_seconds = 3
ready_timeout_seconds = 7

[logging]
level = "debug"
format = "text"

[metrics]
enabled = true
listen = "127.0.0.1:0"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "ircbot", cfg.Bot.Name)
	assert.Equal(t, dataDir, cfg.Bot.DataDir)
	assert.Equal(t, 3, cfg.Lifecycle.DrainTimeoutSeconds)
	assert.Equal(t, "7s", cfg.Lifecycle.ReadyTimeout().String())
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, path, cfg.Source)
	assert.Equal(t, filepath.Join(dataDir, SocketFileName), cfg.ControlSocket())
	assert.Equal(t, filepath.Join(dataDir, PIDFileName), cfg.PIDFile())
}

func TestLoad_YAML(t *testing.T) {
	path := writeConfig(t, "config.yml", `
bot:
  name: yamlbot
lifecycle:
  drain_timeout_seconds: 2
stats:
  enabled: true
  heartbeat: "@every 30s"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "yamlbot", cfg.Bot.Name)
	assert.Equal(t, 2, cfg.Lifecycle.DrainTimeoutSeconds)
	assert.True(t, cfg.Stats.Enabled)
	assert.Equal(t, "@every 30s", cfg.Stats.Heartbeat)
}

func TestLoad_EmptyYAMLUsesDefaults(t *testing.T) {
	path := writeConfig(t, "config.yaml", "")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "sinap", cfg.Bot.Name)
}

func TestLoad_NotFound(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)

	assert.True(t, IsKind(err, NotFound))
	assert.False(t, IsKind(err, Malformed))
	assert.Contains(t, err.Error(), "not found")
}

func TestLoad_Malformed(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{name: "broken toml", file: "config.toml", content: "[bot\nname = "},
		{name: "unknown toml key", file: "config.toml", content: "[bot]\nnickname = \"x\"\n"},
		{name: "broken yaml", file: "config.yaml", content: "bot: [unterminated"},
		{name: "unknown yaml key", file: "config.yaml", content: "bot:\n  nickname: x\n"},
		{name: "wrong type", file: "config.toml", content: "[lifecycle]\ndrain_timeout_seconds = \"soon\"\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.file, tt.content))
			require.Error(t, err)
			assert.True(t, IsKind(err, Malformed), "got %v", err)
		})
	}
}

func TestLoad_Invalid(t *testing.T) {
	path := writeConfig(t, "config.toml", `
[lifecycle]
drain_timeout_seconds = -1
restart_signals = ["SIGKILL"]

[logging]
level = "verbose"
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.True(t, IsKind(err, Invalid))

	var cerr *Error
	require.ErrorAs(t, err, &cerr)
	assert.Len(t, cerr.Problems, 3)
	assert.Contains(t, err.Error(), "lifecycle.drain_timeout_seconds")
	assert.Contains(t, err.Error(), "SIGKILL")
	assert.Contains(t, err.Error(), "logging.level")
}

func TestConfigValidation(t *testing.T) {
	valid := func() *Config {
		cfg := &Config{}
		applyDefaults(cfg)
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "defaults are valid", mutate: func(c *Config) {}},
		{name: "empty name", mutate: func(c *Config) { c.Bot.Name = "  " }, wantErr: "bot.name"},
		{name: "path traversal", mutate: func(c *Config) { c.Bot.DataDir = "/srv/../etc" }, wantErr: "bot.data_dir"},
		{name: "zero workers", mutate: func(c *Config) { c.Runtime.OffloadWorkers = 0 }, wantErr: "runtime.offload_workers"},
		{name: "token limit above argv limit", mutate: func(c *Config) { c.Runtime.MaxTokenBytes = 1 << 20 }, wantErr: "runtime.max_token_bytes"},
		{name: "bad format", mutate: func(c *Config) { c.Logging.Format = "xml" }, wantErr: "logging.format"},
		{
			name:    "metrics listen without port",
			mutate:  func(c *Config) { c.Metrics.Enabled = true; c.Metrics.Listen = "localhost" },
			wantErr: "metrics.listen",
		},
		{
			name:    "metrics listen ignored when disabled",
			mutate:  func(c *Config) { c.Metrics.Listen = "localhost" },
			wantErr: "",
		},
		{
			name:    "bad heartbeat",
			mutate:  func(c *Config) { c.Stats.Enabled = true; c.Stats.Heartbeat = "every now and then" },
			wantErr: "stats.heartbeat",
		},
		{name: "lower-case signal", mutate: func(c *Config) { c.Lifecycle.RestartSignals = []string{"sighup"} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			errs := cfg.Validate()
			if tt.wantErr == "" {
				assert.Empty(t, errs)
				return
			}
			require.NotEmpty(t, errs)
			var joined []string
			for _, e := range errs {
				joined = append(joined, e.Error())
			}
			assert.Contains(t, strings.Join(joined, "\n"), tt.wantErr)
		})
	}
}

func TestLoad_ExpandsEnvironment(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("SINAP_TEST_DATA", dir)

	path := writeConfig(t, "config.toml", `
[bot]
data_dir = "${SINAP_TEST_DATA}"

[control]
socket = "${SINAP_TEST_SOCKET:ctl.sock}"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, dir, cfg.Bot.DataDir)
	assert.Equal(t, filepath.Join(dir, "ctl.sock"), cfg.ControlSocket())
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("SINAP_EXPAND", "value")

	assert.Equal(t, "value", expandEnv("${SINAP_EXPAND}"))
	assert.Equal(t, "value/sub", expandEnv("${SINAP_EXPAND}/sub"))
	assert.Equal(t, "fallback", expandEnv("${SINAP_MISSING_VAR:fallback}"))
	assert.Equal(t, "plain", expandEnv("plain"))
	assert.Equal(t, "${broken", expandEnv("${broken"))
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(home, ".sinap"), expandHome("~/.sinap"))
	assert.Equal(t, "/abs/path", expandHome("/abs/path"))
}
