// Package client is the Go SDK for ScopeSync servers. Replica mirrors the
// replicated state; Client dials a server and keeps a Replica fed.
package client

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zeusync/scopesync/internal/core/observability/log"
	"github.com/zeusync/scopesync/internal/core/protocol"
	"github.com/zeusync/scopesync/internal/core/protocol/quic"
	"github.com/zeusync/scopesync/internal/core/protocol/websocket"
	"github.com/zeusync/scopesync/internal/core/session"
	"github.com/zeusync/scopesync/internal/core/world"
)

// Carrier moves datagrams to and from the server.
type Carrier interface {
	Send(datagram []byte) error
	Receive(ctx context.Context) ([]byte, error)
	Close() error
}

// Config holds configuration for the client
type Config struct {
	// ServerAddr is host:port for QUIC and a ws:// URL for WebSocket.
	ServerAddr     string
	Transport      protocol.TransportType
	ConnectTimeout time.Duration
	// FlushInterval is how often queued messages, acks and heartbeats go out.
	FlushInterval time.Duration
	InsecureTLS   bool
	Session       session.Config
	LogLevel      log.Level
}

// DefaultClientConfig returns default client configuration
func DefaultClientConfig() Config {
	return Config{
		ServerAddr:     "127.0.0.1:7777",
		Transport:      protocol.TransportQUIC,
		ConnectTimeout: 10 * time.Second,
		FlushInterval:  20 * time.Millisecond,
		InsecureTLS:    true,
		Session:        session.DefaultConfig(),
		LogLevel:       log.LevelInfo,
	}
}

func (c Config) Validate() error {
	if c.ConnectTimeout <= 0 || c.FlushInterval <= 0 {
		return fmt.Errorf("timeouts must be positive: %w", ErrInvalidConfig)
	}
	if err := c.Session.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

// Client connects to one server once. The Replica is usable before Connect
// and keeps its last state after the connection ends.
type Client struct {
	config  Config
	logger  log.Log
	replica *Replica

	mu      sync.Mutex
	carrier Carrier
	cancel  context.CancelFunc
	err     error

	connected atomic.Bool
	closed    atomic.Bool
	done      chan struct{}

	workerGroup sync.WaitGroup
}

func NewClient(config Config, logger log.Log) *Client {
	if logger == nil {
		logger = log.New(config.LogLevel)
	}
	return &Client{
		config:  config,
		logger:  logger.With(log.String("component", "client")),
		replica: NewReplica(config.Session, time.Now()),
		done:    make(chan struct{}),
	}
}

// Connect dials the server over the configured transport.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.config.Validate(); err != nil {
		return err
	}
	if c.closed.Load() {
		return ErrClientClosed
	}
	if c.connected.Load() {
		return ErrAlreadyConnected
	}

	connectCtx, cancel := context.WithTimeout(ctx, c.config.ConnectTimeout)
	defer cancel()

	c.logger.Info("Connecting to server",
		log.Addr(c.config.ServerAddr), log.String("transport", string(c.config.Transport)))

	var (
		carrier Carrier
		err     error
	)
	switch c.config.Transport {
	case protocol.TransportQUIC:
		qc := quic.DefaultConfig()
		qc.MaxIdleTimeout = c.config.Session.IdleTimeout * 2
		carrier, err = quic.Dial(connectCtx, c.config.ServerAddr, quic.ClientTLSConfig(c.config.InsecureTLS), qc)
	case protocol.TransportWebSocket:
		carrier, err = websocket.Dial(connectCtx, c.config.ServerAddr, websocket.DefaultConfig())
	default:
		return fmt.Errorf("transport %q: %w", c.config.Transport, ErrInvalidConfig)
	}
	if err != nil {
		c.logger.Error("Failed to connect to server", log.Addr(c.config.ServerAddr), log.Error(err))
		return err
	}
	return c.Attach(carrier)
}

// Attach starts exchanging datagrams over an already open carrier.
func (c *Client) Attach(carrier Carrier) error {
	if c.closed.Load() || c.Err() != nil {
		return ErrClientClosed
	}
	if !c.connected.CompareAndSwap(false, true) {
		return ErrAlreadyConnected
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.carrier = carrier
	c.cancel = cancel
	c.mu.Unlock()

	c.workerGroup.Add(2)
	go c.receiveLoop(ctx, carrier)
	go c.flushLoop(ctx, carrier)
	return nil
}

func (c *Client) receiveLoop(ctx context.Context, carrier Carrier) {
	defer c.workerGroup.Done()
	for {
		data, err := carrier.Receive(ctx)
		if err != nil {
			if ctx.Err() == nil {
				c.finish(fmt.Errorf("receive: %w", err))
			}
			return
		}
		if err = c.replica.Receive(time.Now(), data); err != nil {
			c.logger.Debug("Dropped datagram", log.Error(err))
		}
		if c.replica.Closed() {
			c.finish(protocol.ErrConnectionClosed)
			return
		}
	}
}

func (c *Client) flushLoop(ctx context.Context, carrier Carrier) {
	defer c.workerGroup.Done()
	ticker := time.NewTicker(c.config.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if c.replica.Expired(now) {
				c.finish(protocol.ErrConnectionTimeout)
				return
			}
			out, err := c.replica.Flush(now)
			if err != nil {
				c.finish(err)
				return
			}
			for _, d := range out {
				if err = carrier.Send(d); err != nil {
					c.logger.Debug("Send failed", log.Error(err))
				}
			}
		}
	}
}

// finish ends the connection once, recording why.
func (c *Client) finish(reason error) {
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return
	}
	c.err = reason
	cancel, carrier := c.cancel, c.carrier
	c.mu.Unlock()

	c.connected.Store(false)
	if cancel != nil {
		cancel()
	}
	if carrier != nil {
		_ = carrier.Close()
	}
	close(c.done)
	c.logger.Info("Disconnected from server", log.Error(reason))
}

// Replica is the mirrored state.
func (c *Client) Replica() *Replica { return c.replica }

// SendEvent queues an application event for the server.
func (c *Client) SendEvent(t world.TypeID, payload []byte) error {
	if c.closed.Load() {
		return ErrClientClosed
	}
	return c.replica.SendEvent(t, payload)
}

// Done is closed when the connection ends for any reason.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err is why the connection ended, or nil while it is up.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Client) IsConnected() bool { return c.connected.Load() }

// Disconnect tells the server the session is over and drops the carrier.
func (c *Client) Disconnect() error {
	if !c.connected.Load() {
		return ErrNotConnected
	}
	c.mu.Lock()
	carrier := c.carrier
	c.mu.Unlock()

	if notice := c.replica.Close(time.Now()); notice != nil && carrier != nil {
		_ = carrier.Send(notice)
	}
	c.finish(protocol.ErrConnectionClosed)
	c.workerGroup.Wait()
	return nil
}

// Close disconnects if needed and releases the client.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	if c.connected.Load() {
		_ = c.Disconnect()
	}
	c.workerGroup.Wait()
	return nil
}
