package log

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func observed(level Level) (*Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	return Wrap(zap.New(core), level), logs
}

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"":        LevelInfo,
		"DEBUG":   LevelDebug,
		"warning": LevelWarn,
		" error ": LevelError,
		"off":     LevelSilent,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseLevel("loud")
	assert.Error(t, err)
	assert.Equal(t, "silent", LevelSilent.String())
	assert.Equal(t, "unknown", Level(42).String())
}

func TestLogger_LevelGate(t *testing.T) {
	l, logs := observed(LevelWarn)
	l.Info("dropped")
	l.Warn("kept", Int("n", 1))
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "kept", logs.All()[0].Message)

	child := l.With(String("k", "v"))
	l.SetLevel(LevelDebug)
	assert.Equal(t, LevelDebug, child.GetLevel(), "children share the level")
	child.Debug("now visible")
	assert.Equal(t, 2, logs.Len())

	l.SetLevel(LevelSilent)
	l.Error("silenced", Error(errors.New("x")))
	assert.Equal(t, 2, logs.Len())
}

func TestLogger_WithContext(t *testing.T) {
	l, logs := observed(LevelDebug)
	ctx := ContextWith(context.Background(), Addr("10.0.0.1:9"))
	ctx = ContextWith(ctx, Client("c1"))

	l.WithContext(ctx).Info("connected")
	l.WithContext(context.Background()).Info("bare")

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, map[string]any{"addr": "10.0.0.1:9", "client_id": "c1"}, entries[0].ContextMap())
	assert.Empty(t, entries[1].ContextMap())
}

func TestBuild(t *testing.T) {
	l, err := Build(Options{Level: LevelError, Format: "console"})
	require.NoError(t, err)
	assert.Equal(t, LevelError, l.GetLevel())

	_, err = Build(Options{Format: "xml"})
	assert.Error(t, err)

	assert.NotNil(t, Provide())
	assert.Equal(t, LevelSilent, Nop().GetLevel())
}
