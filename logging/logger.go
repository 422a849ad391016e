// Package logging provides structured logging for possync on top of
// log/slog.
package logging

import (
	"context"
	"log/slog"
	"os"

	"github.com/tillworks/possync/errors"
)

// Logger wraps slog.Logger with possync-specific conveniences.
type Logger struct {
	*slog.Logger
}

// Config holds logger configuration.
type Config struct {
	Level     string `json:"level" mapstructure:"level"`           // debug, info, warn, error
	Format    string `json:"format" mapstructure:"format"`         // text, json
	AddSource bool   `json:"add_source" mapstructure:"add_source"` // include caller info
}

// DefaultConfig is used when no configuration is provided.
var DefaultConfig = Config{
	Level:  "info",
	Format: "json",
}

var defaultLogger *Logger

// Component identifies the engine component emitting a log record.
type Component string

func (c Component) LogValue() slog.Value { return slog.StringValue(string(c)) }

// syncErrorValuer renders a *errors.SyncError as a structured group.
type syncErrorValuer struct {
	*errors.SyncError
}

func (e syncErrorValuer) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("operation", string(e.Op)),
		slog.String("component", e.Component),
		slog.String("kind", string(e.Kind)),
		slog.Bool("retryable", e.Retryable),
		slog.String("error", e.Err.Error()),
	)
}

// NewLogger creates a logger from config, writing to stdout.
func NewLogger(config Config) *Logger {
	var level slog.Level
	switch config.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level, AddSource: config.AddSource}

	var handler slog.Handler
	if config.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	return &Logger{Logger: slog.New(handler)}
}

// Init installs the given configuration as the process default.
func Init(config Config) {
	defaultLogger = NewLogger(config)
	slog.SetDefault(defaultLogger.Logger)
}

// Default returns the default logger, initializing it if needed.
func Default() *Logger {
	if defaultLogger == nil {
		Init(DefaultConfig)
	}
	return defaultLogger
}

// WithComponent creates a child logger carrying a component attribute.
func (l *Logger) WithComponent(c Component) *Logger {
	return &Logger{Logger: l.With(slog.Any("component", c))}
}

// LogError logs an error with structured attributes. SyncErrors are rendered
// as a group with operation, component, kind, and retryability.
func (l *Logger) LogError(ctx context.Context, err error, msg string, attrs ...slog.Attr) {
	args := make([]any, 0, len(attrs)+1)
	if se, ok := err.(*errors.SyncError); ok {
		args = append(args, slog.Any("sync_error", syncErrorValuer{SyncError: se}))
	} else {
		args = append(args, slog.String("error", err.Error()))
	}
	for _, attr := range attrs {
		args = append(args, attr)
	}
	l.ErrorContext(ctx, msg, args...)
}

// WithComponent creates a child of the default logger.
func WithComponent(c Component) *Logger { return Default().WithComponent(c) }

// LogError logs via the default logger.
func LogError(ctx context.Context, err error, msg string, attrs ...slog.Attr) {
	Default().LogError(ctx, err, msg, attrs...)
}
