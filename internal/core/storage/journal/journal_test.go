package journal

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type record struct {
	Tick  uint64 `json:"tick"`
	Conns int    `json:"connections"`
}

func TestWriter_RoundTripAndRotation(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, "")
	require.NoError(t, err)

	first := time.Date(2025, 3, 1, 10, 59, 0, 0, time.UTC)
	second := first.Add(2 * time.Minute)

	require.NoError(t, w.Write(first, record{Tick: 1, Conns: 2}))
	require.NoError(t, w.Write(first.Add(time.Second), record{Tick: 2, Conns: 3}))
	require.NoError(t, w.Write(second, record{Tick: 3}))
	require.NoError(t, w.Close())
	assert.Equal(t, uint64(3), w.Records())

	assert.NotEqual(t, w.Path(first), w.Path(second))
	got, err := ReadFile[record](w.Path(first))
	require.NoError(t, err)
	assert.Equal(t, []record{{Tick: 1, Conns: 2}, {Tick: 2, Conns: 3}}, got)

	got, err = ReadFile[record](w.Path(second))
	require.NoError(t, err)
	assert.Equal(t, []record{{Tick: 3}}, got)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestWriter_Closed(t *testing.T) {
	w, err := Open(t.TempDir(), "x")
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
	assert.ErrorIs(t, w.Write(time.Now(), record{}), ErrClosed)

	_, err = Open("", "x")
	assert.Error(t, err)
}
