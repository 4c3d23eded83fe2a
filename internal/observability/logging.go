package observability

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// LogOptions controls logger level and optional rotating file output.
type LogOptions struct {
	Level      string
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// NewLogger returns a stdout JSON logger with a component field attached.
func NewLogger(component string) *slog.Logger {
	return Component(NewRootLogger(LogOptions{}), component)
}

// NewRootLogger returns a JSON logger writing to stdout, or to a
// lumberjack-rotated file when opts.File is set. Build it once per process
// and derive component loggers with Component: each call opens its own
// rotating writer.
func NewRootLogger(opts LogOptions) *slog.Logger {
	return slog.New(slog.NewJSONHandler(logWriter(opts), &slog.HandlerOptions{
		Level: ParseLevel(opts.Level),
	}))
}

// Component derives a logger tagged with component, sharing root's writer.
func Component(root *slog.Logger, component string) *slog.Logger {
	if root == nil || component == "" {
		return root
	}
	return root.With("component", component)
}

func logWriter(opts LogOptions) io.Writer {
	if strings.TrimSpace(opts.File) == "" {
		return os.Stdout
	}
	maxSize := opts.MaxSizeMB
	if maxSize <= 0 {
		maxSize = 100
	}
	return &lumberjack.Logger{
		Filename:   opts.File,
		MaxSize:    maxSize,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAgeDays,
		Compress:   true,
	}
}

// ParseLevel maps a textual level to slog; unknown values mean info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Discard returns a logger that drops everything. Used by tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func WithStream(logger *slog.Logger, stream string) *slog.Logger {
	if logger == nil || stream == "" {
		return logger
	}
	return logger.With("stream", stream)
}

func WithJob(logger *slog.Logger, jobID string) *slog.Logger {
	if logger == nil || jobID == "" {
		return logger
	}
	return logger.With("job_id", jobID)
}

func WithRequest(logger *slog.Logger, requestID string) *slog.Logger {
	if logger == nil || requestID == "" {
		return logger
	}
	return logger.With("request_id", requestID)
}
