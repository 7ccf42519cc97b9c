// Package logging wraps log/slog with the handler, output and level
// selection driven by config.LoggingConfig.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"

	"smartguard/pkg/config"
)

// Logger wraps slog.Logger with a level that can be changed at runtime.
type Logger struct {
	*slog.Logger
	level *slog.LevelVar
	file  *os.File
}

// New creates a new logger from configuration
func New(cfg *config.LoggingConfig) (*Logger, error) {
	var output io.Writer
	var file *os.File
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "file":
		f, err := os.OpenFile(cfg.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			return nil, err
		}
		output, file = f, f
	default:
		output = os.Stdout
	}

	l := newWithWriter(output, cfg.Format, ParseLevel(cfg.Level), cfg.AddSource)
	l.file = file
	return l, nil
}

// NewWithWriter builds a logger writing to w; used by tests that inspect output.
func NewWithWriter(w io.Writer, format, level string) *Logger {
	return newWithWriter(w, format, ParseLevel(level), false)
}

func newWithWriter(w io.Writer, format string, level slog.Level, addSource bool) *Logger {
	lv := new(slog.LevelVar)
	lv.Set(level)

	opts := &slog.HandlerOptions{
		Level:     lv,
		AddSource: addSource,
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return &Logger{Logger: slog.New(handler), level: lv}
}

// NewDefault creates a logger with sensible defaults (info level, text format, stdout)
func NewDefault() *Logger {
	return newWithWriter(os.Stdout, "text", slog.LevelInfo, false)
}

// NewDiscard returns a logger that drops everything. Handy in tests.
func NewDiscard() *Logger {
	return newWithWriter(io.Discard, "text", slog.LevelError, false)
}

// SetLevel changes the minimum level for this logger and every logger
// derived from it with WithField/WithFields.
func (l *Logger) SetLevel(level string) {
	l.level.Set(ParseLevel(level))
}

// Level returns the current minimum level.
func (l *Logger) Level() slog.Level {
	return l.level.Level()
}

// WithFields creates a new logger with additional fields
func (l *Logger) WithFields(fields map[string]any) *Logger {
	args := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return &Logger{Logger: l.Logger.With(args...), level: l.level}
}

// WithField creates a new logger with an additional field
func (l *Logger) WithField(key string, value any) *Logger {
	return &Logger{Logger: l.Logger.With(key, value), level: l.level}
}

// Close releases the log file when output is "file".
func (l *Logger) Close() error {
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// ParseLevel converts a config level name to slog.Level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

var global = NewDefault()

// SetGlobal sets the global logger
func SetGlobal(logger *Logger) {
	global = logger
	slog.SetDefault(logger.Logger)
}

// Global returns the global logger
func Global() *Logger {
	return global
}

// Info logs an info message
func Info(msg string, args ...any) {
	global.Info(msg, args...)
}

// Warn logs a warning message
func Warn(msg string, args ...any) {
	global.Warn(msg, args...)
}

// Error logs an error message
func Error(msg string, args ...any) {
	global.Error(msg, args...)
}

// ErrorContext logs an error message with context
func ErrorContext(ctx context.Context, msg string, args ...any) {
	global.ErrorContext(ctx, msg, args...)
}
