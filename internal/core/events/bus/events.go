package bus

import (
	"time"

	"github.com/zeusync/scopesync/internal/core/protocol"
	"github.com/zeusync/scopesync/internal/core/session"
	"github.com/zeusync/scopesync/internal/core/world"
)

// Event types published by the connection manager.
const (
	TypeConnectionEstablished = "connection.established"
	TypeConnectionClosed      = "connection.closed"
	TypeEventReceived         = "event.received"
)

const source = "replication"

// ConnectionEstablished is the Data of a connection.established event.
type ConnectionEstablished struct {
	Client    protocol.ClientID
	Addr      string
	Transport protocol.TransportType
}

// ConnectionClosed is the Data of a connection.closed event. Reason is
// protocol.ErrConnectionTimeout, protocol.ErrConnectionClosed for a peer or
// local disconnect, or the error that forced the teardown.
type ConnectionClosed struct {
	Client  protocol.ClientID
	Addr    string
	Reason  error
	Opened  time.Time
	Traffic session.Stats
}

// EventReceived is the Data of an event.received event: an application event
// the client sent over the reliable channel, in send order.
type EventReceived struct {
	Client  protocol.ClientID
	Type    world.TypeID
	Payload []byte
}

func NewConnectionEstablished(ev ConnectionEstablished, ts time.Time) Event {
	return NewEvent(TypeConnectionEstablished, source, ev, ts)
}

func NewConnectionClosed(ev ConnectionClosed, ts time.Time) Event {
	return NewEvent(TypeConnectionClosed, source, ev, ts)
}

func NewEventReceived(ev EventReceived, ts time.Time) Event {
	return NewEvent(TypeEventReceived, source, ev, ts)
}

// On subscribes a handler typed to the Data of eventType. Events whose Data
// is not a T are ignored.
func On[T any](b EventBus, eventType string, fn func(T) error) (Subscription, error) {
	return b.Subscribe(eventType, func(e Event) error {
		v, ok := e.Data().(T)
		if !ok {
			return nil
		}
		return fn(v)
	})
}
