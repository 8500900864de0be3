package injector

import (
	"fmt"

	"github.com/google/wire"

	"github.com/zeusync/scopesync/internal/config"
	"github.com/zeusync/scopesync/internal/core/events/bus"
	"github.com/zeusync/scopesync/internal/core/observability/log"
	"github.com/zeusync/scopesync/internal/core/protocol"
	"github.com/zeusync/scopesync/internal/core/protocol/quic"
	"github.com/zeusync/scopesync/internal/core/protocol/websocket"
	"github.com/zeusync/scopesync/internal/core/storage/journal"
	"github.com/zeusync/scopesync/internal/core/storage/ledger"
	"github.com/zeusync/scopesync/internal/core/world"
	"github.com/zeusync/scopesync/internal/server"
)

// ServerSet provides everything a Server needs from a config.Config.
var ServerSet = wire.NewSet(
	ProvideLogger,
	ProvideWorld,
	ProvideEventBus,
	ProvideAcceptors,
	ProvideJournal,
	ProvideLedger,
	server.NewServer,
)

func ProvideLogger(cfg config.Config) (log.Log, error) {
	opts := log.DefaultOptions()
	opts.Level = cfg.Level()
	opts.Format = cfg.LogFormat
	return log.Build(opts)
}

func ProvideWorld() *world.World {
	return world.New()
}

func ProvideEventBus() bus.EventBus {
	return bus.New()
}

// ProvideAcceptors builds a transport for every configured address.
func ProvideAcceptors(cfg config.Config, logger log.Log) ([]protocol.Acceptor, error) {
	var acceptors []protocol.Acceptor
	if cfg.QUICAddr != "" {
		tlsConfig, err := quic.ServerTLSConfig(cfg.TLSCert, cfg.TLSKey)
		if err != nil {
			return nil, err
		}
		qc := quic.DefaultConfig()
		qc.Addr = cfg.QUICAddr
		qc.TLSConfig = tlsConfig
		qc.MaxIdleTimeout = 2 * cfg.IdleTimeout
		acceptors = append(acceptors, quic.NewTransport(qc, logger))
	}
	if cfg.WSAddr != "" {
		wc := websocket.DefaultConfig()
		wc.Addr = cfg.WSAddr
		wc.Path = cfg.WSPath
		wc.ReadTimeout = 2 * cfg.IdleTimeout
		wc.MaxMessageSize = int64(cfg.MaxDatagramSize)
		acceptors = append(acceptors, websocket.NewTransport(wc, logger))
	}
	if len(acceptors) == 0 {
		return nil, fmt.Errorf("no listen address: %w", server.ErrNoAcceptors)
	}
	return acceptors, nil
}

// ProvideJournal opens the tick journal, or returns nil when disabled.
func ProvideJournal(cfg config.Config) (*journal.Writer, func(), error) {
	if cfg.JournalDir == "" {
		return nil, func() {}, nil
	}
	j, err := journal.Open(cfg.JournalDir, "ticks")
	if err != nil {
		return nil, nil, err
	}
	return j, func() { _ = j.Close() }, nil
}

// ProvideLedger opens the session ledger, or returns nil when disabled.
func ProvideLedger(cfg config.Config, logger log.Log) (*ledger.Ledger, func(), error) {
	if cfg.LedgerPath == "" {
		return nil, func() {}, nil
	}
	l, err := ledger.Open(cfg.LedgerPath, 0, logger)
	if err != nil {
		return nil, nil, err
	}
	return l, func() { _ = l.Close() }, nil
}
