package core

import "github.com/hupe1980/agentloop/logging"

// callLogger scopes a logger to one tool call so that every line a tool
// writes carries the thread, invocation and call ids. A nil base is replaced
// by a NoOpLogger.
type callLogger struct {
	logger logging.Logger
}

func newCallLogger(base logging.Logger, threadID, invocationID string, call ToolCall) *callLogger {
	if base == nil {
		return &callLogger{logger: logging.NoOpLogger{}}
	}

	var fields []any
	if threadID != "" {
		fields = append(fields, "thread_id", threadID)
	}
	if invocationID != "" {
		fields = append(fields, "invocation_id", invocationID)
	}
	fields = append(fields, "call_id", call.ID, "tool", call.Name)

	return &callLogger{logger: logging.With(base, fields...)}
}

// Logger returns the scoped logger.
func (l *callLogger) Logger() logging.Logger { return l.logger }

// LogDebug logs a debug message.
func (l *callLogger) LogDebug(msg string, args ...any) { l.logger.Debug(msg, args...) }

// LogInfo logs an info message.
func (l *callLogger) LogInfo(msg string, args ...any) { l.logger.Info(msg, args...) }

// LogWarn logs a warning message.
func (l *callLogger) LogWarn(msg string, args ...any) { l.logger.Warn(msg, args...) }

// LogError logs an error message.
func (l *callLogger) LogError(msg string, args ...any) { l.logger.Error(msg, args...) }
