// Package quic carries replication datagrams as QUIC unreliable datagrams
// (RFC 9221). Streams are not used.
package quic

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/zeusync/scopesync/internal/core/observability/log"
	"github.com/zeusync/scopesync/internal/core/protocol"
)

// Config holds QUIC-specific configuration
type Config struct {
	Addr                 string
	MaxIdleTimeout       time.Duration
	KeepAlivePeriod      time.Duration
	HandshakeIdleTimeout time.Duration
	TLSConfig            *tls.Config
}

// DefaultConfig returns default QUIC configuration
func DefaultConfig() Config {
	return Config{
		Addr:                 "127.0.0.1:7777",
		MaxIdleTimeout:       30 * time.Second,
		KeepAlivePeriod:      10 * time.Second,
		HandshakeIdleTimeout: 10 * time.Second,
	}
}

func (c Config) quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:       c.MaxIdleTimeout,
		KeepAlivePeriod:      c.KeepAlivePeriod,
		HandshakeIdleTimeout: c.HandshakeIdleTimeout,
		EnableDatagrams:      true,
	}
}

type Stats struct {
	Accepted         uint64
	Rejected         uint64
	DatagramsIn      uint64
	DatagramsOut     uint64
	SendErrors       uint64
	UnknownAddresses uint64
}

var _ protocol.Acceptor = (*Transport)(nil)

// Transport accepts QUIC connections and exchanges datagrams with them. The
// remote address of a connection is its address for Send.
type Transport struct {
	config Config
	logger log.Log

	mu       sync.Mutex
	listener *quic.Listener
	conns    map[string]*quic.Conn
	closed   bool
	wg       sync.WaitGroup

	accepted     atomic.Uint64
	rejected     atomic.Uint64
	datagramsIn  atomic.Uint64
	datagramsOut atomic.Uint64
	sendErrors   atomic.Uint64
	unknown      atomic.Uint64
}

func NewTransport(config Config, logger log.Log) *Transport {
	return &Transport{
		config: config,
		logger: logger.With(log.String("transport", "quic")),
		conns:  make(map[string]*quic.Conn),
	}
}

func (t *Transport) Type() protocol.TransportType { return protocol.TransportQUIC }

// Listen binds the UDP socket. Serve calls it when it was not called before.
func (t *Transport) Listen() (net.Addr, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, protocol.ErrTransportClosed
	}
	if t.listener != nil {
		return t.listener.Addr(), nil
	}

	tlsConfig := t.config.TLSConfig
	if tlsConfig == nil {
		var err error
		if tlsConfig, err = DevTLSConfig(); err != nil {
			return nil, err
		}
	}
	listener, err := quic.ListenAddr(t.config.Addr, tlsConfig, t.config.quicConfig())
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", t.config.Addr, err)
	}
	t.listener = listener
	t.logger.Info("QUIC listener started", log.Addr(listener.Addr().String()))
	return listener.Addr(), nil
}

// Serve accepts connections until ctx ends or the transport is closed. Each
// connection gets one goroutine pumping datagrams into h.
func (t *Transport) Serve(ctx context.Context, h protocol.Handler) error {
	if _, err := t.Listen(); err != nil {
		return err
	}
	t.mu.Lock()
	listener := t.listener
	t.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { _ = t.Close() })
	defer stop()

	for {
		conn, err := listener.Accept(ctx)
		if err != nil {
			t.wg.Wait()
			if ctx.Err() != nil || t.isClosed() || errors.Is(err, quic.ErrServerClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", errors.Join(protocol.ErrTransportFailed, err))
		}
		t.wg.Add(1)
		go t.handle(ctx, conn, h)
	}
}

func (t *Transport) handle(ctx context.Context, conn *quic.Conn, h protocol.Handler) {
	defer t.wg.Done()
	addr := conn.RemoteAddr().String()
	ctx = log.ContextWith(ctx, log.Addr(addr))
	logger := t.logger.WithContext(ctx)

	if !conn.ConnectionState().SupportsDatagrams {
		t.rejected.Add(1)
		logger.Warn("Peer does not support datagrams")
		_ = conn.CloseWithError(1, "datagrams required")
		return
	}
	id, err := h.Connected(t, addr)
	if err != nil {
		t.rejected.Add(1)
		logger.Warn("Connection rejected", log.Error(err))
		_ = conn.CloseWithError(1, "rejected")
		return
	}
	t.accepted.Add(1)
	logger.Debug("QUIC client connected", log.Client(string(id)))

	t.mu.Lock()
	t.conns[addr] = conn
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		delete(t.conns, addr)
		t.mu.Unlock()
		h.Disconnected(addr)
		_ = conn.CloseWithError(0, "")
		logger.Debug("QUIC client disconnected")
	}()

	for {
		data, err := conn.ReceiveDatagram(ctx)
		if err != nil {
			return
		}
		t.datagramsIn.Add(1)
		h.Datagram(addr, data)
	}
}

// Send transmits one datagram. A peer that is gone is not an error.
func (t *Transport) Send(addr string, datagram []byte) error {
	t.mu.Lock()
	conn, ok := t.conns[addr]
	t.mu.Unlock()
	if !ok {
		t.unknown.Add(1)
		return nil
	}
	if err := conn.SendDatagram(datagram); err != nil {
		t.sendErrors.Add(1)
		return fmt.Errorf("send to %s: %w", addr, errors.Join(protocol.ErrTransportFailed, err))
	}
	t.datagramsOut.Add(1)
	return nil
}

func (t *Transport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Close stops accepting and drops every connection.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	listener := t.listener
	conns := make([]*quic.Conn, 0, len(t.conns))
	for _, c := range t.conns {
		conns = append(conns, c)
	}
	t.mu.Unlock()

	for _, c := range conns {
		_ = c.CloseWithError(0, "server shutdown")
	}
	if listener != nil {
		return listener.Close()
	}
	return nil
}

func (t *Transport) Stats() Stats {
	return Stats{
		Accepted:         t.accepted.Load(),
		Rejected:         t.rejected.Load(),
		DatagramsIn:      t.datagramsIn.Load(),
		DatagramsOut:     t.datagramsOut.Load(),
		SendErrors:       t.sendErrors.Load(),
		UnknownAddresses: t.unknown.Load(),
	}
}
