package ledger

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/scopesync/internal/core/observability/log"
	"github.com/zeusync/scopesync/internal/core/protocol"
)

func TestLedger_RecordsSessions(t *testing.T) {
	ctx := context.Background()
	l, err := Open(filepath.Join(t.TempDir(), "db", "ledger.sqlite"), 0, log.Nop())
	require.NoError(t, err)
	defer func() { _ = l.Close() }()

	opened := time.Unix(1000, 0).UTC()
	l.Opened("a", "10.0.0.1:1", "quic", opened)
	l.Opened("b", "10.0.0.2:1", "websocket", opened.Add(time.Second))
	l.Closed("a", opened.Add(time.Minute), fmt.Errorf("idle: %w", protocol.ErrConnectionTimeout),
		Traffic{DatagramsIn: 3, DatagramsOut: 4, BytesIn: 30, BytesOut: 400})
	l.Opened("a", "10.0.0.1:2", "quic", opened.Add(2*time.Minute))
	require.NoError(t, l.Sync(ctx))

	got, err := l.Sessions(ctx)
	require.NoError(t, err)
	require.Len(t, got, 3)

	assert.Equal(t, "a", got[0].Client)
	assert.Equal(t, opened, got[0].Opened)
	assert.Equal(t, opened.Add(time.Minute), got[0].Closed)
	assert.Equal(t, "idle: connection timeout", got[0].Reason)
	assert.Equal(t, protocol.CodeConnectionTimeout, got[0].Code)
	assert.Equal(t, uint64(400), got[0].BytesOut)
	assert.Equal(t, uint64(3), got[0].DatagramsIn)

	assert.Equal(t, "websocket", got[1].Transport)
	assert.True(t, got[1].Closed.IsZero())
	assert.True(t, got[2].Closed.IsZero(), "reconnect opens a fresh row")

	assert.Equal(t, uint64(4), l.Stats().Written)
}

func TestLedger_DropsWhenFull(t *testing.T) {
	l := &Ledger{ch: make(chan req, 1), logger: log.Nop()}
	l.Opened("a", "x", "memory", time.Now())
	l.Opened("b", "x", "memory", time.Now())

	st := l.Stats()
	assert.Equal(t, uint64(1), st.Dropped)
	assert.Equal(t, 1, st.QueueDepth)
	assert.Equal(t, 1, st.QueueCapacity)
}

func TestLedger_Closed(t *testing.T) {
	l, err := Open(filepath.Join(t.TempDir(), "ledger.sqlite"), 8, log.Nop())
	require.NoError(t, err)
	require.NoError(t, l.Close())
	require.NoError(t, l.Close())

	l.Opened("a", "x", "memory", time.Now())
	assert.ErrorIs(t, l.Sync(context.Background()), ErrClosed)

	_, err = Open("", 0, log.Nop())
	assert.Error(t, err)
}
