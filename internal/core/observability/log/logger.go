package log

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var _ Log = (*Logger)(nil)

var (
	processLogger *Logger
	processOnce   sync.Once
)

// Options configures Build.
type Options struct {
	Level Level
	// Format is "json" or "console".
	Format string
	// Output lists zap sink paths. Empty means stderr.
	Output []string
	// Sampled keeps the first 100 identical entries per second and every
	// 100th after that.
	Sampled bool
}

func DefaultOptions() Options {
	return Options{Level: LevelInfo, Format: "json", Sampled: true}
}

type Logger struct {
	zap   *zap.Logger
	level zap.AtomicLevel
}

// Build creates a logger. The first logger built becomes the process logger
// returned by Provide.
func Build(opts Options) (*Logger, error) {
	if opts.Format == "" {
		opts.Format = "json"
	}
	if opts.Format != "json" && opts.Format != "console" {
		return nil, fmt.Errorf("unknown log format %q", opts.Format)
	}
	output := opts.Output
	if len(output) == 0 {
		output = []string{"stderr"}
	}

	encoder := zap.NewProductionEncoderConfig()
	encoder.EncodeTime = zapcore.ISO8601TimeEncoder
	if opts.Format == "console" {
		encoder.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	level := zap.NewAtomicLevelAt(opts.Level.zap())
	cfg := zap.Config{
		Level:             level,
		Encoding:          opts.Format,
		EncoderConfig:     encoder,
		OutputPaths:       output,
		ErrorOutputPaths:  []string{"stderr"},
		DisableCaller:     true,
		DisableStacktrace: true,
	}
	if opts.Sampled {
		cfg.Sampling = &zap.SamplingConfig{Initial: 100, Thereafter: 100}
	}
	z, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}

	l := &Logger{zap: z, level: level}
	processOnce.Do(func() { processLogger = l })
	return l, nil
}

// New is Build with default options at the given level. It panics when zap
// cannot open stderr.
func New(level Level) *Logger {
	opts := DefaultOptions()
	opts.Level = level
	l, err := Build(opts)
	if err != nil {
		panic(err)
	}
	return l
}

// Wrap adapts an existing zap logger.
func Wrap(z *zap.Logger, level Level) *Logger {
	return &Logger{zap: z, level: zap.NewAtomicLevelAt(level.zap())}
}

// Nop discards everything.
func Nop() *Logger {
	return Wrap(zap.NewNop(), LevelSilent)
}

// Provide returns the process logger, building an info-level one on first use.
func Provide() *Logger {
	processOnce.Do(func() {
		z, err := zap.NewProduction()
		if err != nil {
			z = zap.NewNop()
		}
		processLogger = Wrap(z, LevelInfo)
	})
	return processLogger
}

func (l *Logger) Log(level Level, msg string, fields ...Field) {
	if level == LevelSilent || !l.level.Enabled(level.zap()) {
		return
	}
	if ce := l.zap.Check(level.zap(), msg); ce != nil {
		ce.Write(fields...)
	}
}

func (l *Logger) Debug(msg string, fields ...Field) { l.Log(LevelDebug, msg, fields...) }
func (l *Logger) Info(msg string, fields ...Field)  { l.Log(LevelInfo, msg, fields...) }
func (l *Logger) Warn(msg string, fields ...Field)  { l.Log(LevelWarn, msg, fields...) }
func (l *Logger) Error(msg string, fields ...Field) { l.Log(LevelError, msg, fields...) }

// Fatal logs and exits even when the level is silent.
func (l *Logger) Fatal(msg string, fields ...Field) {
	l.zap.Fatal(msg, fields...)
}

// With shares the level with its parent.
func (l *Logger) With(fields ...Field) Log {
	if len(fields) == 0 {
		return l
	}
	return &Logger{zap: l.zap.With(fields...), level: l.level}
}

func (l *Logger) WithContext(ctx context.Context) Log {
	return l.With(FieldsFrom(ctx)...)
}

func (l *Logger) SetLevel(level Level) { l.level.SetLevel(level.zap()) }

func (l *Logger) GetLevel() Level { return levelOf(l.level.Level()) }

// Sync flushes buffered entries.
func (l *Logger) Sync() error {
	return l.zap.Sync()
}
