package injector

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/scopesync/internal/config"
	"github.com/zeusync/scopesync/internal/core/observability/log"
	"github.com/zeusync/scopesync/internal/core/protocol"
	"github.com/zeusync/scopesync/internal/server"
)

func TestInitializeServer(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.QUICAddr = "127.0.0.1:0"
	cfg.WSAddr = "127.0.0.1:0"
	cfg.LogLevel = "silent"
	cfg.JournalDir = filepath.Join(dir, "journal")
	cfg.LedgerPath = filepath.Join(dir, "ledger.sqlite")

	srv, cleanup, err := InitializeServer(cfg)
	require.NoError(t, err)
	defer cleanup()
	assert.NotNil(t, srv.World())
	assert.Equal(t, cfg, srv.Config())
	require.NoError(t, srv.Close())
}

func TestProvideAcceptors(t *testing.T) {
	cfg := config.Default()
	cfg.QUICAddr = ""
	acceptors, err := ProvideAcceptors(cfg, log.Nop())
	require.NoError(t, err)
	require.Len(t, acceptors, 1)
	assert.Equal(t, protocol.TransportWebSocket, acceptors[0].Type())

	cfg.WSAddr = ""
	_, err = ProvideAcceptors(cfg, log.Nop())
	assert.ErrorIs(t, err, server.ErrNoAcceptors)
}

func TestProvideStoresDisabled(t *testing.T) {
	cfg := config.Default()
	cfg.JournalDir = ""
	cfg.LedgerPath = ""

	j, cleanup, err := ProvideJournal(cfg)
	require.NoError(t, err)
	assert.Nil(t, j)
	cleanup()

	l, cleanup, err := ProvideLedger(cfg, log.Nop())
	require.NoError(t, err)
	assert.Nil(t, l)
	cleanup()
}

func TestProvideLogger(t *testing.T) {
	cfg := config.Default()
	cfg.LogLevel = "warn"
	cfg.LogFormat = "console"
	logger, err := ProvideLogger(cfg)
	require.NoError(t, err)
	assert.Equal(t, log.LevelWarn, logger.GetLevel())

	cfg.LogFormat = "xml"
	_, err = ProvideLogger(cfg)
	assert.Error(t, err)
}
