package websocket

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zeusync/scopesync/internal/core/protocol"
)

// Conn carries datagrams as binary frames. Text frames are skipped. Send is
// safe for concurrent use; Receive must have a single caller.
type Conn struct {
	conn   *websocket.Conn
	config Config

	writeMu sync.Mutex
	closed  atomic.Bool

	framesSent     atomic.Uint64
	framesReceived atomic.Uint64
	bytesSent      atomic.Uint64
	bytesReceived  atomic.Uint64
	skipped        atomic.Uint64
}

type ConnStats struct {
	FramesSent     uint64
	FramesReceived uint64
	BytesSent      uint64
	BytesReceived  uint64
	Skipped        uint64
}

func newConn(conn *websocket.Conn, config Config) *Conn {
	if config.MaxMessageSize > 0 {
		conn.SetReadLimit(config.MaxMessageSize)
	}
	return &Conn{conn: conn, config: config}
}

// Dial opens a client connection to url (ws:// or wss://).
func Dial(ctx context.Context, url string, config Config) (*Conn, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: config.HandshakeTimeout,
		ReadBufferSize:   config.ReadBufferSize,
		WriteBufferSize:  config.WriteBufferSize,
	}
	conn, resp, err := dialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return newConn(conn, config), nil
}

func (c *Conn) Send(datagram []byte) error {
	if c.closed.Load() {
		return protocol.ErrTransportClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.config.WriteTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	}
	if err := c.conn.WriteMessage(websocket.BinaryMessage, datagram); err != nil {
		return errors.Join(protocol.ErrTransportFailed, err)
	}
	c.framesSent.Add(1)
	c.bytesSent.Add(uint64(len(datagram)))
	return nil
}

// Receive blocks until a binary frame arrives. Cancelling ctx breaks the
// connection.
func (c *Conn) Receive(ctx context.Context) ([]byte, error) {
	stop := context.AfterFunc(ctx, func() { _ = c.conn.SetReadDeadline(time.Now()) })
	defer stop()

	for {
		if c.config.ReadTimeout > 0 && ctx.Err() == nil {
			_ = c.conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
		}
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, errors.Join(protocol.ErrTransportClosed, err)
		}
		if kind != websocket.BinaryMessage {
			c.skipped.Add(1)
			continue
		}
		c.framesReceived.Add(1)
		c.bytesReceived.Add(uint64(len(data)))
		return data, nil
	}
}

func (c *Conn) LocalAddr() string  { return c.conn.LocalAddr().String() }
func (c *Conn) RemoteAddr() string { return c.conn.RemoteAddr().String() }

func (c *Conn) IsClosed() bool { return c.closed.Load() }

// Close sends a close frame and drops the connection.
func (c *Conn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.conn.Close()
}

func (c *Conn) Stats() ConnStats {
	return ConnStats{
		FramesSent:     c.framesSent.Load(),
		FramesReceived: c.framesReceived.Load(),
		BytesSent:      c.bytesSent.Load(),
		BytesReceived:  c.bytesReceived.Load(),
		Skipped:        c.skipped.Load(),
	}
}
