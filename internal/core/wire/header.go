package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/zeusync/scopesync/internal/core/protocol"
)

// HeaderSize is the encoded size of Header.
const HeaderSize = 11

// Channel tags the delivery mode of a packet.
type Channel uint8

const (
	ChannelUnreliable Channel = 0
	ChannelReliable   Channel = 1
	// ChannelHeartbeat packets carry only a header so acks keep flowing when
	// there is nothing else to send.
	ChannelHeartbeat Channel = 2
	// ChannelDisconnect tells the peer the session is over.
	ChannelDisconnect Channel = 3
)

func (c Channel) String() string {
	switch c {
	case ChannelUnreliable:
		return "unreliable"
	case ChannelReliable:
		return "reliable"
	case ChannelHeartbeat:
		return "heartbeat"
	case ChannelDisconnect:
		return "disconnect"
	default:
		return fmt.Sprintf("channel(%d)", uint8(c))
	}
}

func (c Channel) valid() bool { return c <= ChannelDisconnect }

// HeaderOnly reports whether packets on c never carry a body.
func (c Channel) HeaderOnly() bool {
	return c == ChannelHeartbeat || c == ChannelDisconnect
}

// Header precedes every datagram.
//
//	sequence u16 | ack u16 | ack_bits u32 | channel u8 | fragment_id u8 | fragment_count u8
//
// Fragments of one packet use consecutive sequence numbers, so the first
// fragment's sequence is Sequence - FragmentID.
type Header struct {
	Sequence      uint16
	Ack           uint16
	AckBits       uint32
	Channel       Channel
	FragmentID    uint8
	FragmentCount uint8
}

// Fragmented reports whether the datagram is one piece of a larger packet.
func (h Header) Fragmented() bool { return h.FragmentCount > 1 }

// BaseSequence is the sequence of the first fragment of the packet.
func (h Header) BaseSequence() uint16 { return h.Sequence - uint16(h.FragmentID) }

func (h Header) Append(dst []byte) []byte {
	dst = binary.BigEndian.AppendUint16(dst, h.Sequence)
	dst = binary.BigEndian.AppendUint16(dst, h.Ack)
	dst = binary.BigEndian.AppendUint32(dst, h.AckBits)
	return append(dst, byte(h.Channel), h.FragmentID, h.FragmentCount)
}

// DecodeHeader parses the header and returns the remaining bytes.
func DecodeHeader(b []byte) (Header, []byte, error) {
	if len(b) < HeaderSize {
		return Header{}, nil, decodeErr("header", protocol.ErrInvalidHeader, "%d bytes", len(b))
	}
	h := Header{
		Sequence:      binary.BigEndian.Uint16(b[0:]),
		Ack:           binary.BigEndian.Uint16(b[2:]),
		AckBits:       binary.BigEndian.Uint32(b[4:]),
		Channel:       Channel(b[8]),
		FragmentID:    b[9],
		FragmentCount: b[10],
	}
	rest := b[HeaderSize:]

	if !h.Channel.valid() {
		return Header{}, nil, decodeErr("header", protocol.ErrUnknownChannel, "tag %d", b[8])
	}
	if h.FragmentCount == 0 || h.FragmentID >= h.FragmentCount {
		return Header{}, nil, decodeErr("header", protocol.ErrInvalidFragment, "%d/%d", h.FragmentID, h.FragmentCount)
	}
	if h.Channel.HeaderOnly() {
		if h.FragmentCount != 1 {
			return Header{}, nil, decodeErr("header", protocol.ErrInvalidFragment, "%s fragmented", h.Channel)
		}
		if len(rest) != 0 {
			return Header{}, nil, decodeErr("header", protocol.ErrTrailingBytes, "%s with %d body bytes", h.Channel, len(rest))
		}
	}
	return h, rest, nil
}

// DecodeError reports a malformed datagram. It never concerns the
// connection as a whole.
type DecodeError struct {
	Op  string
	Err error
	Msg string
}

func (e *DecodeError) Error() string {
	if e.Msg == "" {
		return "decode " + e.Op + ": " + e.Err.Error()
	}
	return "decode " + e.Op + ": " + e.Err.Error() + " (" + e.Msg + ")"
}

func (e *DecodeError) Unwrap() error { return e.Err }

func decodeErr(op string, sentinel error, format string, args ...any) error {
	return &DecodeError{Op: op, Err: sentinel, Msg: fmt.Sprintf(format, args...)}
}
