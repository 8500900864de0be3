package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/zeusync/scopesync/internal/core/protocol"
)

// Entry is a sub-message as carried in a body. Ordinal is only meaningful on
// the reliable channel.
type Entry struct {
	Ordinal uint16
	Message Message
}

// EntrySize is the encoded size of m on channel ch.
func EntrySize(ch Channel, m Message) int {
	if ch == ChannelReliable {
		return 2 + m.Size()
	}
	return m.Size()
}

// BodySize is the encoded size of a body holding entries.
func BodySize(ch Channel, entries []Entry) int {
	n := 2
	for _, e := range entries {
		n += EntrySize(ch, e.Message)
	}
	return n
}

// EncodeBody appends the body for entries to dst.
//
//	count u16 | { [ordinal u16] message }*count
func EncodeBody(dst []byte, ch Channel, entries []Entry) ([]byte, error) {
	if ch.HeaderOnly() {
		if len(entries) > 0 {
			return dst, fmt.Errorf("encode %s body: %w", ch, protocol.ErrTrailingBytes)
		}
		return dst, nil
	}
	if len(entries) > 0xFFFF {
		return dst, fmt.Errorf("encode body of %d entries: %w", len(entries), protocol.ErrMessageTooLarge)
	}
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(entries)))
	var err error
	for _, e := range entries {
		if ch == ChannelReliable {
			dst = binary.BigEndian.AppendUint16(dst, e.Ordinal)
		}
		if dst, err = e.Message.Append(dst); err != nil {
			return dst, err
		}
	}
	return dst, nil
}

// DecodeBody parses a complete, reassembled body.
func DecodeBody(ch Channel, b []byte) ([]Entry, error) {
	if ch.HeaderOnly() {
		if len(b) != 0 {
			return nil, decodeErr("body", protocol.ErrTrailingBytes, "%s with %d body bytes", ch, len(b))
		}
		return nil, nil
	}
	if len(b) < 2 {
		return nil, decodeErr("body", protocol.ErrTruncated, "missing count")
	}
	count := int(binary.BigEndian.Uint16(b))
	b = b[2:]

	entries := make([]Entry, 0, min(count, len(b)/9+1))
	for i := 0; i < count; i++ {
		var e Entry
		if ch == ChannelReliable {
			if len(b) < 2 {
				return nil, decodeErr("body", protocol.ErrTruncated, "entry %d/%d missing ordinal", i, count)
			}
			e.Ordinal = binary.BigEndian.Uint16(b)
			b = b[2:]
		}
		m, rest, err := decodeMessage(b)
		if err != nil {
			return nil, err
		}
		e.Message = m
		entries = append(entries, e)
		b = rest
	}
	if len(b) != 0 {
		return nil, decodeErr("body", protocol.ErrTrailingBytes, "%d bytes", len(b))
	}
	return entries, nil
}

// Packet is a header with its decoded body.
type Packet struct {
	Header  Header
	Entries []Entry
}

// Encode produces a single unfragmented datagram.
func (p Packet) Encode() ([]byte, error) {
	h := p.Header
	h.FragmentID, h.FragmentCount = 0, 1
	out := h.Append(make([]byte, 0, HeaderSize+BodySize(h.Channel, p.Entries)))
	return EncodeBody(out, h.Channel, p.Entries)
}

// Decode parses an unfragmented datagram.
func Decode(datagram []byte) (Packet, error) {
	h, rest, err := DecodeHeader(datagram)
	if err != nil {
		return Packet{}, err
	}
	if h.Fragmented() {
		return Packet{}, decodeErr("packet", protocol.ErrInvalidFragment, "fragment %d/%d needs reassembly", h.FragmentID, h.FragmentCount)
	}
	entries, err := DecodeBody(h.Channel, rest)
	if err != nil {
		return Packet{}, err
	}
	return Packet{Header: h, Entries: entries}, nil
}
