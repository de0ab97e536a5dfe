// Package logging provides a tiny abstraction over slog so downstream code can
// depend on a minimal interface (Logger) while allowing users to plug any
// structured logger. It also offers a richer ContextLogger with contextual
// helpers (thread, invocation, component) and domain specific logging helpers
// for tools, model calls and checkpoint commits.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"time"
)

// LogLevel is a thin enum for user friendly level configuration decoupled from slog.
type LogLevel int

const (
	// LogLevelDebug is the debug logging level.
	LogLevelDebug LogLevel = iota
	// LogLevelInfo is the informational logging level.
	LogLevelInfo
	// LogLevelWarn is the warning logging level.
	LogLevelWarn
	// LogLevelError is the error logging level.
	LogLevelError
)

// String returns the string representation of the log level.
func (l LogLevel) String() string {
	switch l {
	case LogLevelDebug:
		return "DEBUG"
	case LogLevelInfo:
		return "INFO"
	case LogLevelWarn:
		return "WARN"
	case LogLevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel maps a case-insensitive level name to a LogLevel. Unknown names
// map to LogLevelInfo.
func ParseLevel(s string) LogLevel {
	switch s {
	case "debug", "DEBUG":
		return LogLevelDebug
	case "warn", "WARN", "warning":
		return LogLevelWarn
	case "error", "ERROR":
		return LogLevelError
	default:
		return LogLevelInfo
	}
}

// Logger defines the minimal logging interface used across agentloop.
// Messages are dotted event names; args are alternating key/value pairs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// SlogAdapter wraps *slog.Logger to implement the Logger interface.
type SlogAdapter struct {
	*slog.Logger
}

// Debug logs a debug message.
func (s *SlogAdapter) Debug(msg string, args ...any) { s.Logger.Debug(msg, args...) }

// Info logs an informational message.
func (s *SlogAdapter) Info(msg string, args ...any) { s.Logger.Info(msg, args...) }

// Warn logs a warning message.
func (s *SlogAdapter) Warn(msg string, args ...any) { s.Logger.Warn(msg, args...) }

// Error logs an error message.
func (s *SlogAdapter) Error(msg string, args ...any) { s.Logger.Error(msg, args...) }

// NewSlogAdapter creates a Logger from *slog.Logger.
func NewSlogAdapter(logger *slog.Logger) Logger {
	return &SlogAdapter{Logger: logger}
}

// NewDefaultSlogLogger creates a Logger using slog.Default().
func NewDefaultSlogLogger() Logger {
	return NewSlogAdapter(slog.Default())
}

// ContextLogger wraps slog.Logger adding contextual cloning helpers and
// domain convenience methods. It is cheap to copy via With* methods.
type ContextLogger struct {
	logger       *slog.Logger
	level        LogLevel
	context      map[string]any
	component    string
	threadID     string
	invocationID string
}

// LoggerConfig configures construction of a ContextLogger.
type LoggerConfig struct {
	Level        LogLevel
	Format       string // json or text
	Output       io.Writer
	AddSource    bool
	Component    string
	ThreadID     string
	InvocationID string
	CustomAttrs  map[string]any
}

// DefaultLoggerConfig returns a baseline JSON info level configuration.
func DefaultLoggerConfig() *LoggerConfig {
	return &LoggerConfig{Level: LogLevelInfo, Format: "json", Output: os.Stdout, CustomAttrs: map[string]any{}}
}

// NewLogger builds a ContextLogger from a config (or defaults if nil).
func NewLogger(cfg *LoggerConfig) *ContextLogger {
	if cfg == nil {
		cfg = DefaultLoggerConfig()
	}
	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	opts := &slog.HandlerOptions{Level: slogLevel(cfg.Level), AddSource: cfg.AddSource}
	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(out, opts)
	} else {
		handler = slog.NewJSONHandler(out, opts)
	}
	ctx := map[string]any{}
	for k, v := range cfg.CustomAttrs {
		ctx[k] = v
	}
	return &ContextLogger{logger: slog.New(handler), level: cfg.Level, context: ctx, component: cfg.Component, threadID: cfg.ThreadID, invocationID: cfg.InvocationID}
}

func slogLevel(l LogLevel) slog.Level {
	switch l {
	case LogLevelDebug:
		return slog.LevelDebug
	case LogLevelInfo:
		return slog.LevelInfo
	case LogLevelWarn:
		return slog.LevelWarn
	case LogLevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func (l *ContextLogger) clone() *ContextLogger {
	nl := *l
	nl.context = map[string]any{}
	for k, v := range l.context {
		nl.context[k] = v
	}
	return &nl
}

// WithContext adds a key/value attribute that will be attached to every log entry.
func (l *ContextLogger) WithContext(key string, value any) *ContextLogger {
	nl := l.clone()
	nl.context[key] = value
	return nl
}

// WithComponent sets the logical component (engine, checkpoint, server, etc.).
func (l *ContextLogger) WithComponent(c string) *ContextLogger {
	nl := l.clone()
	nl.component = c
	return nl
}

// WithThread attaches thread and invocation identifiers.
func (l *ContextLogger) WithThread(threadID, invocationID string) *ContextLogger {
	nl := l.clone()
	nl.threadID = threadID
	nl.invocationID = invocationID
	return nl
}

func (l *ContextLogger) buildAttrs() []slog.Attr {
	attrs := make([]slog.Attr, 0, len(l.context)+3)
	if l.component != "" {
		attrs = append(attrs, slog.String("component", l.component))
	}
	if l.threadID != "" {
		attrs = append(attrs, slog.String("thread_id", l.threadID))
	}
	if l.invocationID != "" {
		attrs = append(attrs, slog.String("invocation_id", l.invocationID))
	}
	for k, v := range l.context {
		attrs = append(attrs, slog.Any(k, v))
	}
	return attrs
}

func (l *ContextLogger) log(level slog.Level, allowed bool, msg string, args ...any) {
	if !allowed {
		return
	}
	attrs := l.buildAttrs()
	for i := 0; i+1 < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			continue
		}
		attrs = append(attrs, slog.Any(key, args[i+1]))
	}
	l.logger.LogAttrs(context.Background(), level, msg, attrs...)
}

// Debug logs at debug level.
func (l *ContextLogger) Debug(msg string, args ...any) {
	l.log(slog.LevelDebug, l.level <= LogLevelDebug, msg, args...)
}

// Info logs at info level.
func (l *ContextLogger) Info(msg string, args ...any) {
	l.log(slog.LevelInfo, l.level <= LogLevelInfo, msg, args...)
}

// Warn logs at warn level.
func (l *ContextLogger) Warn(msg string, args ...any) {
	l.log(slog.LevelWarn, l.level <= LogLevelWarn, msg, args...)
}

// Error logs at error level.
func (l *ContextLogger) Error(msg string, args ...any) {
	l.log(slog.LevelError, l.level <= LogLevelError, msg, args...)
}

func outcome(l Logger, event string, success bool, err error, args ...any) {
	if err != nil {
		args = append(args, "error", err.Error())
	}
	args = append(args, "success", success)
	if success {
		l.Info(event+".completed", args...)
		return
	}
	l.Error(event+".failed", args...)
}

// LogToolCall records execution details for a tool invocation.
func (l *ContextLogger) LogToolCall(tool, callID string, dur time.Duration, err error) {
	LogToolCall(l, tool, callID, dur, err)
}

// LogModelCall records model call latency, attempt and success.
func (l *ContextLogger) LogModelCall(model string, attempt int, dur time.Duration, err error) {
	LogModelCall(l, model, attempt, dur, err)
}

// LogCommit records a checkpoint commit.
func (l *ContextLogger) LogCommit(stepIndex, revision, messages int, err error) {
	LogCommit(l, stepIndex, revision, messages, err)
}

// LogToolCall records a tool invocation on any Logger.
func LogToolCall(l Logger, tool, callID string, dur time.Duration, err error) {
	outcome(l, "tool.call", err == nil, err, "tool_name", tool, "call_id", callID, "duration", dur)
}

// LogModelCall records a model call on any Logger.
func LogModelCall(l Logger, model string, attempt int, dur time.Duration, err error) {
	outcome(l, "model.call", err == nil, err, "model", model, "attempt", attempt, "duration", dur)
}

// LogCommit records a checkpoint commit on any Logger.
func LogCommit(l Logger, stepIndex, revision, messages int, err error) {
	outcome(l, "checkpoint.commit", err == nil, err, "step_index", stepIndex, "revision", revision, "messages", messages)
}

// With returns a Logger that prepends the given key/value pairs to every
// entry written through l.
func With(l Logger, args ...any) Logger {
	if len(args) == 0 {
		return l
	}
	if fl, ok := l.(*fieldLogger); ok {
		return &fieldLogger{base: fl.base, fields: append(append([]any(nil), fl.fields...), args...)}
	}
	return &fieldLogger{base: l, fields: append([]any(nil), args...)}
}

type fieldLogger struct {
	base   Logger
	fields []any
}

func (f *fieldLogger) merge(args []any) []any {
	out := make([]any, 0, len(f.fields)+len(args))
	out = append(out, f.fields...)
	return append(out, args...)
}

func (f *fieldLogger) Debug(msg string, args ...any) { f.base.Debug(msg, f.merge(args)...) }
func (f *fieldLogger) Info(msg string, args ...any)  { f.base.Info(msg, f.merge(args)...) }
func (f *fieldLogger) Warn(msg string, args ...any)  { f.base.Warn(msg, f.merge(args)...) }
func (f *fieldLogger) Error(msg string, args ...any) { f.base.Error(msg, f.merge(args)...) }

// StartTimer returns a closure that logs the elapsed duration when invoked.
func (l *ContextLogger) StartTimer(op string) func() {
	start := time.Now()
	return func() { l.Info("operation.completed", "operation", op, "duration", time.Since(start)) }
}

// NoOpLogger discards all log messages. Useful for testing or when logging is disabled.
type NoOpLogger struct{}

// Debug logs a debug message.
func (NoOpLogger) Debug(string, ...any) {}

// Info logs an informational message.
func (NoOpLogger) Info(string, ...any) {}

// Warn logs a warning message.
func (NoOpLogger) Warn(string, ...any) {}

// Error logs an error message.
func (NoOpLogger) Error(string, ...any) {}

// NewSlogLogger creates a new ContextLogger with the specified configuration.
func NewSlogLogger(level LogLevel, format string, addSource bool) *ContextLogger {
	cfg := DefaultLoggerConfig()
	cfg.Level = level
	if format != "" {
		cfg.Format = format
	}
	cfg.AddSource = addSource
	return NewLogger(cfg)
}
