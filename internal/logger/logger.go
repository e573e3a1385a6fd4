// Package logger provides a structured logging wrapper around Go's slog package.
// It supports both JSON and text formatted output, multiple log levels (debug, info, warn, error),
// and flexible output destinations (stdout, stderr, or file paths).
//
// Every subsystem of the bot logs through a component logger obtained with Named,
// so a single line can be traced back to the loop, the launcher or a handler:
//
//	log, err := logger.New(logger.Config{
//	    Level:  "info",
//	    Format: "json",
//	    Output: "stdout",
//	})
//	if err != nil {
//	    return err
//	}
//
//	log.Named("process").Info("state changed", logger.Field{Key: "state", Value: "running"})
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// ComponentKey is the attribute carrying the component name of a Named logger.
const ComponentKey = "component"

// Config представляет конфигурацию logger
type Config struct {
	Level  string // debug, info, warn, error
	Format string // json, text
	Output string // stdout, stderr, или путь к файлу
}

// Logger представляет обёртку вокруг slog.Logger
type Logger struct {
	slog *slog.Logger
	// base is the logger without the component attribute, so Named can
	// replace the name instead of stacking it.
	base *slog.Logger
	name string
}

// Field представляет поле для structured logging
type Field struct {
	Key   string
	Value any
}

// New создает новый logger с заданной конфигурацией
func New(cfg Config) (*Logger, error) {
	writer, err := openOutput(cfg.Output)
	if err != nil {
		return nil, err
	}
	return NewWithWriter(writer, cfg)
}

// NewWithWriter creates a logger writing to w. Output in cfg is ignored.
func NewWithWriter(w io.Writer, cfg Config) (*Logger, error) {
	level, valid := parseLevel(cfg.Level)
	if !valid {
		return nil, fmt.Errorf("invalid log level: %s (expected: debug, info, warn, error)", cfg.Level)
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		return nil, fmt.Errorf("invalid log format: %s (expected: json, text)", cfg.Format)
	}

	return &Logger{
		slog: slog.New(handler),
	}, nil
}

// Discard returns a logger that drops everything. Handy in tests.
func Discard() *Logger {
	return &Logger{slog: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

// openOutput определяет writer для вывода
func openOutput(output string) (io.Writer, error) {
	switch strings.ToLower(output) {
	case "stdout":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	}

	// Путь к файлу - разворачиваем ~ в домашнюю директорию
	filePath := output
	if strings.HasPrefix(filePath, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		filePath = filepath.Join(homeDir, filePath[2:])
	}
	filePath = filepath.Clean(filePath)

	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory %s: %w", dir, err)
	}
	// O_APPEND keeps parent and successor writing to the same file without clobbering.
	file, err := os.OpenFile(filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %s: %w", filePath, err)
	}
	return file, nil
}

// parseLevel конвертирует строку уровня в slog.Level
func parseLevel(level string) (slog.Level, bool) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, true
	case "info":
		return slog.LevelInfo, true
	case "warn":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	default:
		return slog.LevelInfo, false
	}
}

// ValidLevel reports whether level is accepted by New.
func ValidLevel(level string) bool {
	_, ok := parseLevel(level)
	return ok
}

// Debug логирует сообщение на уровне debug
func (l *Logger) Debug(msg string, fields ...Field) {
	l.slog.Debug(msg, fieldsToAny(fields...)...)
}

// Info логирует сообщение на уровне info
func (l *Logger) Info(msg string, fields ...Field) {
	l.slog.Info(msg, fieldsToAny(fields...)...)
}

// Warn логирует сообщение на уровне warn
func (l *Logger) Warn(msg string, fields ...Field) {
	l.slog.Warn(msg, fieldsToAny(fields...)...)
}

// Error логирует сообщение на уровне error с ошибкой
func (l *Logger) Error(msg string, err error, fields ...Field) {
	allFields := append([]Field{{Key: "error", Value: err}}, fields...)
	l.slog.Error(msg, fieldsToAny(allFields...)...)
}

// DebugCtx логирует сообщение с контекстом на уровне debug
func (l *Logger) DebugCtx(ctx context.Context, msg string, fields ...Field) {
	l.slog.DebugContext(ctx, msg, fieldsToAny(fields...)...)
}

// InfoCtx логирует сообщение с контекстом на уровне info
func (l *Logger) InfoCtx(ctx context.Context, msg string, fields ...Field) {
	l.slog.InfoContext(ctx, msg, fieldsToAny(fields...)...)
}

// WarnCtx логирует сообщение с контекстом на уровне warn
func (l *Logger) WarnCtx(ctx context.Context, msg string, fields ...Field) {
	l.slog.WarnContext(ctx, msg, fieldsToAny(fields...)...)
}

// ErrorCtx логирует сообщение с контекстом на уровне error с ошибкой
func (l *Logger) ErrorCtx(ctx context.Context, msg string, err error, fields ...Field) {
	allFields := append([]Field{{Key: "error", Value: err}}, fields...)
	l.slog.ErrorContext(ctx, msg, fieldsToAny(allFields...)...)
}

func fieldsToAny(fields ...Field) []any {
	result := make([]any, 0, len(fields)*2)
	for _, f := range fields {
		result = append(result, f.Key, f.Value)
	}
	return result
}

// With возвращает новый logger с добавленными полями
func (l *Logger) With(fields ...Field) *Logger {
	args := fieldsToAny(fields...)
	return &Logger{
		slog: l.slog.With(args...),
		base: l.unnamed().With(args...),
		name: l.name,
	}
}

// Named returns a logger tagged with a component name. Nested names are
// joined with a dot, so Named("handler").Named("stats") logs "handler.stats".
func (l *Logger) Named(component string) *Logger {
	name := component
	if l.name != "" {
		name = l.name + "." + component
	}
	base := l.unnamed()
	return &Logger{
		slog: base.With(ComponentKey, name),
		base: base,
		name: name,
	}
}

// Name returns the component name, empty for the root logger.
func (l *Logger) Name() string {
	return l.name
}

func (l *Logger) unnamed() *slog.Logger {
	if l.base != nil {
		return l.base
	}
	return l.slog
}

// StdLogger возвращает стандартный logger для совместимости
func (l *Logger) StdLogger() *slog.Logger {
	return l.slog
}

// SetDefault устанавливает стандартный logger
func SetDefault(l *Logger) {
	slog.SetDefault(l.slog)
}
