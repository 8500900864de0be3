// Package websocket carries replication datagrams as binary WebSocket frames
// for clients that cannot speak QUIC.
package websocket

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zeusync/scopesync/internal/core/observability/log"
	"github.com/zeusync/scopesync/internal/core/protocol"
)

// Config holds WebSocket-specific configuration
type Config struct {
	Addr             string
	Path             string
	ReadBufferSize   int
	WriteBufferSize  int
	HandshakeTimeout time.Duration
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	MaxMessageSize   int64
	EnableCompress   bool
}

// DefaultConfig returns default WebSocket configuration
func DefaultConfig() Config {
	return Config{
		Addr:             "127.0.0.1:7778",
		Path:             "/ws",
		ReadBufferSize:   64 * 1024,
		WriteBufferSize:  64 * 1024,
		HandshakeTimeout: 10 * time.Second,
		ReadTimeout:      60 * time.Second,
		WriteTimeout:     5 * time.Second,
		MaxMessageSize:   64 * 1024,
	}
}

type Stats struct {
	Accepted         uint64
	Rejected         uint64
	UpgradeErrors    uint64
	DatagramsIn      uint64
	DatagramsOut     uint64
	SendErrors       uint64
	UnknownAddresses uint64
}

var _ protocol.Acceptor = (*Transport)(nil)

// Transport serves the upgrade endpoint and exchanges frames with every
// upgraded connection. A connection's remote address is its address for Send.
type Transport struct {
	config   Config
	logger   log.Log
	upgrader websocket.Upgrader

	mu       sync.Mutex
	listener net.Listener
	server   *http.Server
	handler  protocol.Handler
	conns    map[string]*Conn
	closed   bool
	wg       sync.WaitGroup

	accepted      atomic.Uint64
	rejected      atomic.Uint64
	upgradeErrors atomic.Uint64
	datagramsIn   atomic.Uint64
	datagramsOut  atomic.Uint64
	sendErrors    atomic.Uint64
	unknown       atomic.Uint64
}

func NewTransport(config Config, logger log.Log) *Transport {
	if config.Path == "" {
		config.Path = "/ws"
	}
	return &Transport{
		config: config,
		logger: logger.With(log.String("transport", "websocket")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:    config.ReadBufferSize,
			WriteBufferSize:   config.WriteBufferSize,
			HandshakeTimeout:  config.HandshakeTimeout,
			EnableCompression: config.EnableCompress,
			// datagrams carry no cookies or credentials
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns: make(map[string]*Conn),
	}
}

func (t *Transport) Type() protocol.TransportType { return protocol.TransportWebSocket }

// Listen binds the TCP socket. Serve calls it when it was not called before.
func (t *Transport) Listen() (net.Addr, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, protocol.ErrTransportClosed
	}
	if t.listener != nil {
		return t.listener.Addr(), nil
	}
	listener, err := net.Listen("tcp", t.config.Addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", t.config.Addr, err)
	}
	t.listener = listener
	t.logger.Info("WebSocket listener started",
		log.Addr(listener.Addr().String()), log.String("path", t.config.Path))
	return listener.Addr(), nil
}

// Serve accepts upgrades until ctx ends or the transport is closed.
func (t *Transport) Serve(ctx context.Context, h protocol.Handler) error {
	if _, err := t.Listen(); err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc(t.config.Path, t.handleUpgrade)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	t.mu.Lock()
	t.handler = h
	t.server = &http.Server{Handler: mux, ReadHeaderTimeout: t.config.HandshakeTimeout}
	server, listener := t.server, t.listener
	t.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { _ = t.Close() })
	defer stop()

	err := server.Serve(listener)
	t.wg.Wait()
	if errors.Is(err, http.ErrServerClosed) || ctx.Err() != nil || t.isClosed() {
		return nil
	}
	return fmt.Errorf("serve: %w", errors.Join(protocol.ErrTransportFailed, err))
}

func (t *Transport) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	t.mu.Lock()
	h, closed := t.handler, t.closed
	if !closed {
		t.wg.Add(1)
	}
	t.mu.Unlock()
	if closed {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	defer t.wg.Done()

	ws, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.upgradeErrors.Add(1)
		t.logger.Debug("Upgrade failed", log.Error(err))
		return
	}
	conn := newConn(ws, t.config)
	addr := ws.RemoteAddr().String()
	logger := t.logger.With(log.Addr(addr))

	id, err := h.Connected(t, addr)
	if err != nil {
		t.rejected.Add(1)
		logger.Warn("Connection rejected", log.Error(err))
		_ = conn.Close()
		return
	}
	t.accepted.Add(1)
	logger.Debug("WebSocket client connected", log.Client(string(id)))

	t.mu.Lock()
	t.conns[addr] = conn
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		delete(t.conns, addr)
		t.mu.Unlock()
		h.Disconnected(addr)
		_ = conn.Close()
		logger.Debug("WebSocket client disconnected")
	}()

	for {
		data, err := conn.Receive(r.Context())
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
	if err := conn.Send(datagram); err != nil {
		t.sendErrors.Add(1)
		return fmt.Errorf("send to %s: %w", addr, err)
	}
	t.datagramsOut.Add(1)
	return nil
}

func (t *Transport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Close stops the HTTP server and drops every connection.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	server, listener := t.server, t.listener
	conns := make([]*Conn, 0, len(t.conns))
	for _, c := range t.conns {
		conns = append(conns, c)
	}
	t.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
	if server != nil {
		return server.Close()
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
		UpgradeErrors:    t.upgradeErrors.Load(),
		DatagramsIn:      t.datagramsIn.Load(),
		DatagramsOut:     t.datagramsOut.Load(),
		SendErrors:       t.sendErrors.Load(),
		UnknownAddresses: t.unknown.Load(),
	}
}
