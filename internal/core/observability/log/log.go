// Package log is the structured logger shared by the server, the transports
// and the client SDK. It is a thin layer over zap.
package log

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap/zapcore"
)

type Log interface {
	Log(level Level, msg string, fields ...Field)

	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
	Fatal(msg string, fields ...Field)

	With(fields ...Field) Log
	// WithContext adds the fields attached to ctx by ContextWith.
	WithContext(ctx context.Context) Log

	SetLevel(level Level)
	GetLevel() Level
}

type Level uint8

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelFatal
	LevelSilent Level = 101
)

var levels = []struct {
	level Level
	zap   zapcore.Level
	names []string
}{
	{LevelDebug, zapcore.DebugLevel, []string{"debug"}},
	{LevelInfo, zapcore.InfoLevel, []string{"info", ""}},
	{LevelWarn, zapcore.WarnLevel, []string{"warn", "warning"}},
	{LevelError, zapcore.ErrorLevel, []string{"error"}},
	{LevelFatal, zapcore.FatalLevel, []string{"fatal"}},
	// zap has no level above fatal, so silent maps past it.
	{LevelSilent, zapcore.FatalLevel + 1, []string{"silent", "off"}},
}

func (l Level) String() string {
	for _, e := range levels {
		if e.level == l {
			return e.names[0]
		}
	}
	return "unknown"
}

// ParseLevel maps a config or flag value onto a Level. The empty string is info.
func ParseLevel(s string) (Level, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, e := range levels {
		for _, name := range e.names {
			if name == s {
				return e.level, nil
			}
		}
	}
	return LevelInfo, fmt.Errorf("unknown log level %q", s)
}

func (l Level) zap() zapcore.Level {
	for _, e := range levels {
		if e.level == l {
			return e.zap
		}
	}
	return zapcore.InfoLevel
}

func levelOf(z zapcore.Level) Level {
	for _, e := range levels {
		if e.zap == z {
			return e.level
		}
	}
	return LevelInfo
}
