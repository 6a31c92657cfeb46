package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"fleet-plex/internal/model"
)

// LogLevel represents the logging level
type LogLevel string

const (
	LevelInfo  LogLevel = "info"
	LevelError LogLevel = "error"
)

// LogFormat represents the output format for logs
type LogFormat string

const (
	FormatJSON LogFormat = "json"
	FormatText LogFormat = "text"
)

var levels = map[LogLevel]slog.Level{
	LevelInfo:  slog.LevelInfo,
	LevelError: slog.LevelError,
}

// Config holds logging configuration
type Config struct {
	Level  LogLevel  // Minimum log level to output
	Format LogFormat // json or text; anything else is text
	Output io.Writer // Defaults to stderr
	Quiet  bool      // Suppress info output
}

// Logger is a slog.Logger that never writes credential material. Attribute
// keys that look like secrets are masked before they reach the handler.
type Logger struct {
	logger *slog.Logger
	config Config
}

// secretKeys are attribute key fragments whose values are always masked.
var secretKeys = []string{"password", "passphrase", "secret", "private_key", "token"}

func redact(_ []string, a slog.Attr) slog.Attr {
	key := strings.ToLower(a.Key)
	for _, frag := range secretKeys {
		if strings.Contains(key, frag) {
			return slog.String(a.Key, model.Masked)
		}
	}
	return a
}

// NewLogger builds a logger writing to config.Output.
func NewLogger(config Config) *Logger {
	if config.Output == nil {
		config.Output = os.Stderr
	}
	level, ok := levels[config.Level]
	if !ok {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level, ReplaceAttr: redact}

	var handler slog.Handler = slog.NewTextHandler(config.Output, opts)
	if config.Format == FormatJSON {
		handler = slog.NewJSONHandler(config.Output, opts)
	}
	return &Logger{logger: slog.New(handler), config: config}
}

// Info logs an informational message
func (l *Logger) Info(msg string, args ...any) {
	if l.config.Quiet {
		return // Suppress non-error output in quiet mode
	}
	l.logger.Info(msg, args...)
}

// Error logs an error message
func (l *Logger) Error(msg string, args ...any) {
	l.logger.Error(msg, args...)
}

// InfoContext logs an informational message with context
func (l *Logger) InfoContext(ctx context.Context, msg string, args ...any) {
	if l.config.Quiet {
		return // Suppress non-error output in quiet mode
	}
	l.logger.InfoContext(ctx, msg, args...)
}

// ErrorContext logs an error message with context
func (l *Logger) ErrorContext(ctx context.Context, msg string, args ...any) {
	l.logger.ErrorContext(ctx, msg, args...)
}

// LogConnection logs an established transport connection
func (l *Logger) LogConnection(conn model.ServerConnection, transport string, duration time.Duration) {
	l.Info("connection established",
		"connection_id", conn.ID,
		"host", conn.Hostname,
		"user", conn.Username,
		"port", conn.Port,
		"transport", transport,
		"duration_ms", duration.Milliseconds(),
		// Note: Never log key paths or authentication details
	)
}

// LogConnectionError logs transport connection errors securely
func (l *Logger) LogConnectionError(conn model.ServerConnection, transport string, err error) {
	l.Error("connection failed",
		"connection_id", conn.ID,
		"host", conn.Hostname,
		"user", conn.Username,
		"port", conn.Port,
		"transport", transport,
		"error", err.Error(),
	)
}

// LogExecution logs the outcome of a command on one host
func (l *Logger) LogExecution(executionID string, result model.CommandResult) {
	args := []any{
		"execution_id", executionID,
		"connection_id", result.ConnectionID,
		"host", result.Hostname,
		"status", string(result.Status),
		"duration_ms", result.Duration().Milliseconds(),
		// Note: Never log the actual command for security reasons
	}
	if result.ExitCode != nil {
		args = append(args, "exit_code", *result.ExitCode)
	}
	l.Info("command executed", args...)
}

// LogExecutionError logs a host whose command ended in error
func (l *Logger) LogExecutionError(executionID string, result model.CommandResult, errorType string) {
	l.Error("command execution failed",
		"execution_id", executionID,
		"connection_id", result.ConnectionID,
		"host", result.Hostname,
		"error_type", errorType,
		"error", result.Error,
	)
}

// LogHostSkipped logs a host that was never attempted
func (l *Logger) LogHostSkipped(executionID string, result model.CommandResult) {
	l.Info("host skipped",
		"execution_id", executionID,
		"connection_id", result.ConnectionID,
		"host", result.Hostname,
		"reason", result.Error,
	)
}

// LogConnectionWarning logs security warnings for connections
func (l *Logger) LogConnectionWarning(hostname string, message string) {
	l.logger.Warn("connection security warning",
		"host", hostname,
		"warning", message,
	)
}

// LogDispatchStart logs the start of an execution
func (l *Logger) LogDispatchStart(executionID string, targetCount int, batchSize int) {
	l.Info("dispatch started",
		"execution_id", executionID,
		"target_count", targetCount,
		"batch_size", batchSize,
	)
}

// LogDispatchComplete logs the end of an execution
func (l *Logger) LogDispatchComplete(executionID string, counts map[model.ResultStatus]int, duration time.Duration) {
	l.Info("dispatch completed",
		"execution_id", executionID,
		"success_count", counts[model.ResultSuccess],
		"error_count", counts[model.ResultError],
		"skipped_count", counts[model.ResultSkipped],
		"total_duration_ms", duration.Milliseconds(),
	)
}

// LogCancel logs a cancellation request
func (l *Logger) LogCancel(executionID string, accepted bool) {
	l.Info("cancellation requested",
		"execution_id", executionID,
		"accepted", accepted,
	)
}

// LogSync logs the summary of a provider sync
func (l *Logger) LogSync(providerID string, summary model.SyncSummary, duration time.Duration) {
	l.Info("provider synced",
		"provider_id", providerID,
		"total", summary.Total,
		"new", summary.New,
		"removed", summary.Removed,
		"existing", summary.Existing,
		"changed", summary.Changed,
		"imported", summary.Imported,
		"duration_ms", duration.Milliseconds(),
	)
}

// LogSyncError logs a failed provider sync
func (l *Logger) LogSyncError(providerID string, err error) {
	l.Error("provider sync failed",
		"provider_id", providerID,
		"error", err.Error(),
	)
}

// LogConfigLoad logs configuration loading events
func (l *Logger) LogConfigLoad(source string) {
	l.Info("configuration loaded",
		"source", source,
	)
}

// LogConfigError logs configuration errors
func (l *Logger) LogConfigError(source string, err error) {
	l.Error("configuration error",
		"source", source,
		"error", err.Error(),
	)
}

// LogTargetResolution logs how many connections a filter resolved to
func (l *Logger) LogTargetResolution(filterType string, targetOS string, count int) {
	l.Info("targets resolved",
		"filter", filterType,
		"target_os", targetOS,
		"count", count,
	)
}

// With returns a logger that adds attrs to every entry
func (l *Logger) With(args ...any) *Logger {
	return &Logger{logger: l.logger.With(args...), config: l.config}
}

// Warn logs a warning; quiet mode does not suppress warnings
func (l *Logger) Warn(msg string, args ...any) {
	l.logger.Warn(msg, args...)
}

// Discard returns a logger that writes nowhere, for tests and library callers
func Discard() *Logger {
	return NewLogger(Config{Output: io.Discard, Quiet: true})
}

// IsQuiet returns whether the logger is in quiet mode
func (l *Logger) IsQuiet() bool {
	return l.config.Quiet
}

// NewLoggerFromConfig creates a logger from configuration strings. Unknown
// values fall back to info and text.
func NewLoggerFromConfig(logLevel, logFormat string, quiet bool) *Logger {
	return NewLogger(Config{
		Level:  LogLevel(logLevel),
		Format: LogFormat(logFormat),
		Quiet:  quiet,
	})
}
