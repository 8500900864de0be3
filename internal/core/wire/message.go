package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/zeusync/scopesync/internal/core/protocol"
	"github.com/zeusync/scopesync/internal/core/world"
)

// Kind identifies a sub-message.
type Kind uint8

const (
	KindEntityAdd       Kind = 1
	KindEntityRemove    Kind = 2
	KindComponentAdd    Kind = 3
	KindComponentUpdate Kind = 4
	KindComponentRemove Kind = 5
	KindEvent           Kind = 6
)

// Policy is how a kind of sub-message survives loss.
type Policy uint8

const (
	// PolicyAckGated messages go over the reliable channel and are resent
	// until acknowledged.
	PolicyAckGated Policy = iota + 1
	// PolicyBestEffort messages are superseded by the next send; a lost one
	// is simply regenerated from current state.
	PolicyBestEffort
)

func (p Policy) String() string {
	switch p {
	case PolicyAckGated:
		return "ack-gated"
	case PolicyBestEffort:
		return "best-effort"
	default:
		return "unknown"
	}
}

func (k Kind) Policy() Policy {
	if k == KindComponentUpdate {
		return PolicyBestEffort
	}
	return PolicyAckGated
}

// Channel is the channel a kind is sent on.
func (k Kind) Channel() Channel {
	if k.Policy() == PolicyBestEffort {
		return ChannelUnreliable
	}
	return ChannelReliable
}

// HasType reports whether the encoding carries a type_id field.
func (k Kind) HasType() bool {
	switch k {
	case KindComponentAdd, KindComponentUpdate, KindComponentRemove, KindEvent:
		return true
	default:
		return false
	}
}

func (k Kind) Valid() bool { return k >= KindEntityAdd && k <= KindEvent }

func (k Kind) String() string {
	switch k {
	case KindEntityAdd:
		return "EntityAdd"
	case KindEntityRemove:
		return "EntityRemove"
	case KindComponentAdd:
		return "ComponentAdd"
	case KindComponentUpdate:
		return "ComponentUpdate"
	case KindComponentRemove:
		return "ComponentRemove"
	case KindEvent:
		return "Event"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Message is one decoded sub-message. Entity is the zero handle for events
// not bound to an entity.
type Message struct {
	Kind    Kind
	Entity  world.Handle
	Type    world.TypeID
	Payload []byte
}

func EntityAdd(h world.Handle) Message    { return Message{Kind: KindEntityAdd, Entity: h} }
func EntityRemove(h world.Handle) Message { return Message{Kind: KindEntityRemove, Entity: h} }

func ComponentAdd(h world.Handle, c world.ComponentState) Message {
	return Message{Kind: KindComponentAdd, Entity: h, Type: c.Type, Payload: c.Payload}
}

func ComponentUpdate(h world.Handle, c world.ComponentState) Message {
	return Message{Kind: KindComponentUpdate, Entity: h, Type: c.Type, Payload: c.Payload}
}

func ComponentRemove(h world.Handle, t world.TypeID) Message {
	return Message{Kind: KindComponentRemove, Entity: h, Type: t}
}

func Event(t world.TypeID, payload []byte) Message {
	return Message{Kind: KindEvent, Type: t, Payload: payload}
}

// Size is the encoded size of m without a reliable ordinal.
func (m Message) Size() int {
	n := 1 + 4 + 2 + 2 + len(m.Payload)
	if m.Kind.HasType() {
		n += 2
	}
	return n
}

// Append encodes m after dst.
func (m Message) Append(dst []byte) ([]byte, error) {
	if !m.Kind.Valid() {
		return dst, fmt.Errorf("encode %s: %w", m.Kind, protocol.ErrUnknownKind)
	}
	if len(m.Payload) > world.MaxComponentPayload {
		return dst, fmt.Errorf("encode %s payload of %d bytes: %w", m.Kind, len(m.Payload), protocol.ErrMessageTooLarge)
	}
	dst = append(dst, byte(m.Kind))
	dst = binary.BigEndian.AppendUint32(dst, m.Entity.Index)
	dst = binary.BigEndian.AppendUint16(dst, m.Entity.Generation)
	if m.Kind.HasType() {
		dst = binary.BigEndian.AppendUint16(dst, uint16(m.Type))
	}
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(m.Payload)))
	return append(dst, m.Payload...), nil
}

func decodeMessage(b []byte) (Message, []byte, error) {
	if len(b) < 1 {
		return Message{}, nil, decodeErr("message", protocol.ErrTruncated, "missing kind")
	}
	m := Message{Kind: Kind(b[0])}
	if !m.Kind.Valid() {
		return Message{}, nil, decodeErr("message", protocol.ErrUnknownKind, "kind %d", b[0])
	}
	fixed := 4 + 2 + 2
	if m.Kind.HasType() {
		fixed += 2
	}
	b = b[1:]
	if len(b) < fixed {
		return Message{}, nil, decodeErr("message", protocol.ErrTruncated, "%s needs %d bytes, have %d", m.Kind, fixed, len(b))
	}
	m.Entity.Index = binary.BigEndian.Uint32(b)
	m.Entity.Generation = binary.BigEndian.Uint16(b[4:])
	b = b[6:]
	if m.Kind.HasType() {
		m.Type = world.TypeID(binary.BigEndian.Uint16(b))
		b = b[2:]
	}
	n := int(binary.BigEndian.Uint16(b))
	b = b[2:]
	if len(b) < n {
		return Message{}, nil, decodeErr("message", protocol.ErrTruncated, "%s payload %d bytes, have %d", m.Kind, n, len(b))
	}
	if n > 0 {
		m.Payload = make([]byte, n)
		copy(m.Payload, b[:n])
	}
	return m, b[n:], nil
}
