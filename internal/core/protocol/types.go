package protocol

import (
	"context"

	"github.com/google/uuid"
)

// ClientID identifies a connected client for its whole session
type ClientID string

// TransportType defines the underlying datagram carrier
type TransportType string

const (
	TransportQUIC      TransportType = "quic"
	TransportWebSocket TransportType = "websocket"
	TransportMemory    TransportType = "memory"
)

// Transport is the outbound half of the datagram boundary. Send is
// fire-and-forget: implementations queue the datagram and return; a datagram
// addressed to a peer that has gone away is dropped without error.
type Transport interface {
	Type() TransportType
	Send(addr string, datagram []byte) error
}

// Handler receives inbound transport events. Implementations must be safe for
// concurrent use; transports call it from their reader goroutines.
type Handler interface {
	// Connected reports a session that finished its handshake. The returned
	// ClientID is the identity the replication layer will use for the peer.
	Connected(t Transport, addr string) (ClientID, error)
	// Datagram hands over one opaque datagram received from addr.
	Datagram(addr string, datagram []byte)
	// Disconnected reports that the carrier for addr went away.
	Disconnected(addr string)
}

// Acceptor is a transport that accepts peers and pumps their datagrams into a
// Handler until the context ends.
type Acceptor interface {
	Transport
	Serve(ctx context.Context, h Handler) error
	Close() error
}

// GenerateClientID generates a unique client ID
func GenerateClientID() ClientID {
	return ClientID(uuid.NewString())
}
