package quic

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"

	"github.com/quic-go/quic-go"

	"github.com/zeusync/scopesync/internal/core/protocol"
)

// Conn is the dialing side of a QUIC datagram session.
type Conn struct {
	conn *quic.Conn
}

// Dial connects to a server. A nil tlsConfig verifies nothing and is meant
// for development servers.
func Dial(ctx context.Context, addr string, tlsConfig *tls.Config, config Config) (*Conn, error) {
	if tlsConfig == nil {
		tlsConfig = ClientTLSConfig(true)
	}
	conn, err := quic.DialAddr(ctx, addr, tlsConfig, config.quicConfig())
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	if !conn.ConnectionState().SupportsDatagrams {
		_ = conn.CloseWithError(1, "datagrams required")
		return nil, fmt.Errorf("dial %s: peer does not support datagrams: %w", addr, protocol.ErrTransportFailed)
	}
	return &Conn{conn: conn}, nil
}

func (c *Conn) Send(datagram []byte) error {
	if err := c.conn.SendDatagram(datagram); err != nil {
		return errors.Join(protocol.ErrTransportFailed, err)
	}
	return nil
}

// Receive blocks until a datagram arrives, ctx ends or the session closes.
func (c *Conn) Receive(ctx context.Context) ([]byte, error) {
	data, err := c.conn.ReceiveDatagram(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errors.Join(protocol.ErrTransportClosed, err)
	}
	return data, nil
}

func (c *Conn) LocalAddr() string  { return c.conn.LocalAddr().String() }
func (c *Conn) RemoteAddr() string { return c.conn.RemoteAddr().String() }

func (c *Conn) Close() error {
	return c.conn.CloseWithError(0, "")
}
