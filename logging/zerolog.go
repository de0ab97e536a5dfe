package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// ZerologAdapter adapts zerolog.Logger to the Logger interface.
type ZerologAdapter struct {
	logger zerolog.Logger
}

// NewZerologAdapter wraps an existing zerolog logger.
func NewZerologAdapter(l zerolog.Logger) *ZerologAdapter {
	return &ZerologAdapter{logger: l}
}

// NewConsoleLogger builds a human readable zerolog logger writing to w
// (stderr when nil), filtered at level.
func NewConsoleLogger(w io.Writer, level LogLevel) *ZerologAdapter {
	if w == nil {
		w = os.Stderr
	}
	out := zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	l := zerolog.New(out).Level(zerologLevel(level)).With().Timestamp().Logger()
	return &ZerologAdapter{logger: l}
}

// NewJSONLogger builds a JSON zerolog logger writing to w, filtered at level.
func NewJSONLogger(w io.Writer, level LogLevel) *ZerologAdapter {
	if w == nil {
		w = os.Stderr
	}
	l := zerolog.New(w).Level(zerologLevel(level)).With().Timestamp().Logger()
	return &ZerologAdapter{logger: l}
}

func zerologLevel(l LogLevel) zerolog.Level {
	switch l {
	case LogLevelDebug:
		return zerolog.DebugLevel
	case LogLevelWarn:
		return zerolog.WarnLevel
	case LogLevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Zerolog returns the wrapped logger.
func (z *ZerologAdapter) Zerolog() zerolog.Logger { return z.logger }

// Debug logs a debug message.
func (z *ZerologAdapter) Debug(msg string, args ...any) { z.log(z.logger.Debug(), msg, args...) }

// Info logs an informational message.
func (z *ZerologAdapter) Info(msg string, args ...any) { z.log(z.logger.Info(), msg, args...) }

// Warn logs a warning message.
func (z *ZerologAdapter) Warn(msg string, args ...any) { z.log(z.logger.Warn(), msg, args...) }

// Error logs an error message.
func (z *ZerologAdapter) Error(msg string, args ...any) { z.log(z.logger.Error(), msg, args...) }

func (z *ZerologAdapter) log(ev *zerolog.Event, msg string, args ...any) {
	for i := 0; i+1 < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			continue
		}
		switch v := args[i+1].(type) {
		case error:
			ev.AnErr(key, v)
		case time.Duration:
			ev.Dur(key, v)
		default:
			ev.Interface(key, v)
		}
	}
	ev.Msg(msg)
}
