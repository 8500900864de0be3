package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/scopesync/internal/core/observability/log"
	"github.com/zeusync/scopesync/internal/core/protocol"
	"github.com/zeusync/scopesync/internal/core/session"
)

func TestDefault_MatchesSessionDefaults(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, session.DefaultConfig(), cfg.Session())
	assert.Equal(t, 50*time.Millisecond, cfg.TickInterval())
	assert.Equal(t, log.LevelInfo, cfg.Level())
}

func TestParse_OverridesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
tick_rate: 30
ack_window: 16
resend_timeout: 150ms
rtt_smoothing: 0.25
ws_path: sync
log_level: DEBUG
ledger_path: ""
`))
	require.NoError(t, err)
	assert.Equal(t, 30, cfg.TickRate)
	assert.Equal(t, 16, cfg.AckWindow)
	assert.Equal(t, 150*time.Millisecond, cfg.ResendTimeout)
	assert.Equal(t, 0.25, cfg.RTTSmoothing)
	assert.Equal(t, "/sync", cfg.WSPath)
	assert.Equal(t, log.LevelDebug, cfg.Level())
	assert.Empty(t, cfg.LedgerPath)
	assert.Equal(t, Default().IdleTimeout, cfg.IdleTimeout, "untouched keys keep defaults")
}

func TestParse_Rejects(t *testing.T) {
	cases := map[string]string{
		"unknown key":       "tick_rte: 20\n",
		"ack window range":  "ack_window: 40\n",
		"bad duration":      "idle_timeout: soon\n",
		"wrong type":        "tick_rate: fast\n",
		"bad log level":     "log_level: loud\n",
		"bad log format":    "log_format: xml\n",
		"half a key pair":   "tls_cert: server.crt\n",
		"reliable window":   "reliable_window: 100000\n",
		"non-object":        "- 1\n- 2\n",
		"fractional window": "ack_window: 1.5\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			assert.Error(t, err)
		})
	}

	_, err := Parse([]byte("ack_window: 40\n"))
	assert.ErrorIs(t, err, protocol.ErrInvalidConfig)
}

func TestParse_EmptyDocument(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_RoundTripsYAML(t *testing.T) {
	cfg := Default()
	cfg.TickRate = 60
	cfg.QUICAddr = ""
	cfg.HeartbeatInterval = 500 * time.Millisecond

	raw, err := cfg.YAML()
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "scopesync.yaml")
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, got)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	def, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), def)
}
