package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
)

// LoadEnv загружает переменные окружения из .env файла.
// Уже установленные переменные имеют приоритет над файлом. Возвращает
// ошибку, если файл не удалось прочитать или разобрать.
func LoadEnv(path string) error {
	return godotenv.Load(path)
}

// LoadEnvOptional загружает переменные окружения из .env файла, если он существует.
// Если файл не существует - возвращает nil (без ошибки).
func LoadEnvOptional(path string) error {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	return LoadEnv(path)
}

// expandEnvVars расширяет переменные окружения в конфигурации
func expandEnvVars(c *Config) {
	c.Bot.DataDir = expandHome(expandEnv(c.Bot.DataDir))
	c.Control.Socket = expandHome(expandEnv(c.Control.Socket))
	c.Metrics.Listen = expandEnv(c.Metrics.Listen)

	if c.Logging.Output != "stdout" && c.Logging.Output != "stderr" {
		c.Logging.Output = expandHome(expandEnv(c.Logging.Output))
	}
}

// expandEnv расширяет переменную окружения формата ${VAR:default}
func expandEnv(s string) string {
	if !strings.HasPrefix(s, "${") {
		return s
	}

	end := strings.Index(s, "}")
	if end == -1 {
		return s
	}

	content := s[2:end]
	rest := s[end+1:]
	if parts := strings.SplitN(content, ":", 2); len(parts) == 2 {
		if val := os.Getenv(parts[0]); val != "" {
			return val + rest
		}
		return parts[1] + rest
	}

	// Без значения по умолчанию
	return os.Getenv(content) + rest
}

// expandHome расширяет ~ в пути
func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
