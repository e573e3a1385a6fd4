package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Load загружает и валидирует конфигурацию.
// Формат определяется по расширению: .yml и .yaml это YAML, остальное TOML.
// Ошибки имеют тип *Error с Kind NotFound, Malformed или Invalid.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &Error{Kind: NotFound, Path: path, Err: err}
		}
		return nil, &Error{Kind: NotFound, Path: path, Err: fmt.Errorf("failed to read config file: %w", err)}
	}

	var cfg Config
	if err := decode(path, data, &cfg); err != nil {
		return nil, &Error{Kind: Malformed, Path: path, Err: err}
	}

	applyDefaults(&cfg)
	expandEnvVars(&cfg)
	cfg.Source = path

	if problems := cfg.Validate(); len(problems) > 0 {
		return nil, &Error{Kind: Invalid, Path: path, Problems: problems}
	}

	return &cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yml", ".yaml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			// An empty document is a valid, all-defaults configuration.
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("failed to parse YAML: %w", err)
		}
		return nil
	default:
		md, err := toml.Decode(string(data), cfg)
		if err != nil {
			return fmt.Errorf("failed to parse TOML: %w", err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, 0, len(undecoded))
			for _, k := range undecoded {
				keys = append(keys, k.String())
			}
			sort.Strings(keys)
			return fmt.Errorf("unknown keys: %s", strings.Join(keys, ", "))
		}
		return nil
	}
}
