// Package session joins framing and reliability into one side of a logical
// connection. It does no I/O: datagrams go in through Receive and come out
// of Flush, and time is always passed in.
package session

import (
	"fmt"
	"time"

	"github.com/zeusync/scopesync/internal/core/protocol"
	"github.com/zeusync/scopesync/internal/core/reliability"
	"github.com/zeusync/scopesync/internal/core/wire"
)

// Delivery is one message handed to the application.
type Delivery struct {
	Channel wire.Channel
	// Sequence of the packet that carried the message, even when a reliable
	// message was held back for ordering and released by a later packet.
	// It is extended past the 16-bit wire wrap, so values from any point of
	// the session compare directly. Unreliable messages may arrive out of
	// order; newer sequences supersede older ones.
	Sequence uint64
	Message  wire.Message
}

type unreliable struct {
	msg    wire.Message
	onAck  func()
	onLost func()
}

type sentPacket struct {
	ordinals   []uint16
	unreliable []unreliable
}

type Stats struct {
	DatagramsSent     uint64
	DatagramsReceived uint64
	BytesSent         uint64
	BytesReceived     uint64
	Heartbeats        uint64
	Duplicates        uint64
	TooOld            uint64
	DecodeErrors      uint64
	Delivered         uint64
	Lost              uint64
	Evicted           uint64
	ReliablePending   int
	Reassembling      int
	RTT               time.Duration
}

// Endpoint is one side of a connection. It is not safe for concurrent use.
type Endpoint struct {
	cfg Config

	seq         uint16
	window      *reliability.ReceiveWindow
	rtt         *reliability.RTT
	tracker     *reliability.AckTracker
	sender      *reliability.ReliableSender
	receiver    *reliability.ReliableReceiver[Delivery]
	reassembler *wire.Reassembler

	queue []unreliable
	sent  map[uint16]*sentPacket

	lastSent     time.Time
	lastReceived time.Time
	ackDirty     bool
	closed       bool
	peerClosed   bool

	stats Stats
}

func New(cfg Config, now time.Time) *Endpoint {
	rtt := reliability.NewRTT(cfg.RTTSmoothing, cfg.RTTMax)
	return &Endpoint{
		cfg:    cfg,
		window: reliability.NewReceiveWindow(cfg.AckWindow),
		rtt:    rtt,
		tracker: reliability.NewAckTracker(reliability.TrackerConfig{
			AckWindow:     cfg.AckWindow,
			ResendTimeout: cfg.ResendTimeout,
			MaxSent:       cfg.MaxSentPackets,
		}, rtt),
		sender:       reliability.NewReliableSender(cfg.ReliableWindow),
		receiver:     reliability.NewReliableReceiver[Delivery](cfg.ReliableWindow),
		reassembler:  wire.NewReassembler(cfg.MaxReassembly, cfg.FragmentTimeout),
		sent:         make(map[uint16]*sentPacket),
		lastSent:     now,
		lastReceived: now,
	}
}

// SendReliable queues msg on the reliable channel. onAck runs inside Receive
// or Flush once the peer acknowledged it.
func (e *Endpoint) SendReliable(msg wire.Message, onAck func()) error {
	if err := e.admit(wire.ChannelReliable, msg); err != nil {
		return err
	}
	e.sender.Push(msg, onAck)
	return nil
}

// SendUnreliable queues msg for the next Flush only. Exactly one of onAck and
// onLost eventually runs unless the endpoint is dropped first.
func (e *Endpoint) SendUnreliable(msg wire.Message, onAck, onLost func()) error {
	if err := e.admit(wire.ChannelUnreliable, msg); err != nil {
		return err
	}
	e.queue = append(e.queue, unreliable{msg: msg, onAck: onAck, onLost: onLost})
	return nil
}

func (e *Endpoint) admit(ch wire.Channel, msg wire.Message) error {
	if e.closed {
		return protocol.ErrConnectionClosed
	}
	if !msg.Kind.Valid() {
		return fmt.Errorf("send %s: %w", msg.Kind, protocol.ErrUnknownKind)
	}
	if n := 2 + wire.EntrySize(ch, msg); n > wire.MaxBody(e.cfg.MaxDatagramSize) || len(msg.Payload) > 0xFFFF {
		return fmt.Errorf("send %s of %d bytes: %w", msg.Kind, n, protocol.ErrMessageTooLarge)
	}
	return nil
}

// Flush settles timed out packets and returns the datagrams to transmit now:
// lost and new reliable messages first, then queued unreliable ones, or a
// heartbeat when acks are owed or the line has been quiet too long.
func (e *Endpoint) Flush(now time.Time) ([][]byte, error) {
	if e.closed || e.peerClosed {
		return nil, nil
	}
	e.settle(e.tracker.Expire(now))
	e.reassembler.Expire(now)

	var out [][]byte

	w := wire.NewWriter(wire.ChannelReliable, e.cfg.MaxDatagramSize)
	for {
		var ordinals []uint16
		for {
			entry, ok := e.sender.Peek()
			if !ok || !w.TryAdd(entry) {
				break
			}
			ordinals = append(ordinals, e.sender.Pop())
		}
		if w.Len() == 0 {
			break
		}
		datagrams, err := e.emit(now, wire.ChannelReliable, w.Take(), &sentPacket{ordinals: ordinals})
		if err != nil {
			return out, err
		}
		out = append(out, datagrams...)
	}

	w = wire.NewWriter(wire.ChannelUnreliable, e.cfg.MaxDatagramSize)
	for len(e.queue) > 0 {
		packet := &sentPacket{}
		for len(e.queue) > 0 && w.TryAdd(wire.Entry{Message: e.queue[0].msg}) {
			packet.unreliable = append(packet.unreliable, e.queue[0])
			e.queue = e.queue[1:]
		}
		if w.Len() == 0 {
			break
		}
		datagrams, err := e.emit(now, wire.ChannelUnreliable, w.Take(), packet)
		if err != nil {
			return out, err
		}
		out = append(out, datagrams...)
	}
	e.queue = nil

	if len(out) == 0 && (e.ackDirty || now.Sub(e.lastSent) >= e.cfg.HeartbeatInterval) {
		out = append(out, e.headerOnly(now, wire.ChannelHeartbeat))
		e.stats.Heartbeats++
	}
	return out, nil
}

func (e *Endpoint) emit(now time.Time, ch wire.Channel, entries []wire.Entry, packet *sentPacket) ([][]byte, error) {
	body, err := wire.EncodeBody(nil, ch, entries)
	if err != nil {
		return nil, err
	}
	chunks, err := wire.Split(body, e.cfg.MaxDatagramSize)
	if err != nil {
		return nil, err
	}

	base := e.seq
	ack, bits := e.window.Ack()
	out := make([][]byte, len(chunks))
	for i, chunk := range chunks {
		h := wire.Header{
			Sequence:      e.seq,
			Ack:           ack,
			AckBits:       bits,
			Channel:       ch,
			FragmentID:    uint8(i),
			FragmentCount: uint8(len(chunks)),
		}
		e.seq++
		out[i] = append(h.Append(make([]byte, 0, wire.HeaderSize+len(chunk))), chunk...)
		e.stats.BytesSent += uint64(len(out[i]))
	}
	e.stats.DatagramsSent += uint64(len(out))

	// settle packets evicted to make room before the new one takes the slot
	e.settle(e.tracker.Sent(now, base, len(chunks)))
	e.sent[base] = packet
	e.lastSent = now
	e.ackDirty = false
	return out, nil
}

func (e *Endpoint) headerOnly(now time.Time, ch wire.Channel) []byte {
	ack, bits := e.window.Ack()
	h := wire.Header{Sequence: e.seq, Ack: ack, AckBits: bits, Channel: ch, FragmentCount: 1}
	e.seq++
	e.lastSent = now
	e.ackDirty = false
	e.stats.DatagramsSent++
	e.stats.BytesSent += wire.HeaderSize
	return h.Append(make([]byte, 0, wire.HeaderSize))
}

func (e *Endpoint) settle(notices []reliability.Notice) {
	for _, n := range notices {
		packet, ok := e.sent[n.Packet]
		if !ok {
			continue
		}
		delete(e.sent, n.Packet)
		if n.Lost {
			e.sender.Lost(packet.ordinals)
			for _, u := range packet.unreliable {
				if u.onLost != nil {
					u.onLost()
				}
			}
			continue
		}
		e.sender.Acked(packet.ordinals)
		for _, u := range packet.unreliable {
			if u.onAck != nil {
				u.onAck()
			}
		}
	}
}

// Receive processes one datagram from the peer. Acknowledgements are applied
// even when the datagram itself turns out to be a duplicate. A decode error
// concerns this datagram only.
func (e *Endpoint) Receive(now time.Time, datagram []byte) ([]Delivery, error) {
	if e.closed {
		return nil, protocol.ErrConnectionClosed
	}
	e.stats.DatagramsReceived++
	e.stats.BytesReceived += uint64(len(datagram))

	h, rest, err := wire.DecodeHeader(datagram)
	if err != nil {
		e.stats.DecodeErrors++
		return nil, err
	}
	e.lastReceived = now
	e.settle(e.tracker.OnAck(now, h.Ack, h.AckBits))

	switch e.window.Observe(h.Sequence) {
	case reliability.ArrivalDuplicate:
		e.stats.Duplicates++
		return nil, nil
	case reliability.ArrivalTooOld:
		e.stats.TooOld++
		return nil, nil
	}

	switch h.Channel {
	case wire.ChannelHeartbeat:
		return nil, nil
	case wire.ChannelDisconnect:
		e.peerClosed = true
		return nil, nil
	}
	e.ackDirty = true

	body, done, err := e.reassembler.Add(now, h, rest)
	if err != nil {
		e.stats.DecodeErrors++
		return nil, err
	}
	if !done {
		return nil, nil
	}
	entries, err := wire.DecodeBody(h.Channel, body)
	if err != nil {
		e.stats.DecodeErrors++
		return nil, err
	}

	seq := e.window.Extend(h.BaseSequence())
	var out []Delivery
	for _, entry := range entries {
		if h.Channel == wire.ChannelReliable {
			d := Delivery{Channel: wire.ChannelReliable, Sequence: seq, Message: entry.Message}
			out = append(out, e.receiver.Accept(entry.Ordinal, d)...)
			continue
		}
		out = append(out, Delivery{Channel: wire.ChannelUnreliable, Sequence: seq, Message: entry.Message})
	}
	return out, nil
}

// Expired reports whether the peer has been silent longer than the idle
// timeout.
func (e *Endpoint) Expired(now time.Time) bool {
	return now.Sub(e.lastReceived) >= e.cfg.IdleTimeout
}

// PeerClosed reports whether the peer sent a disconnect.
func (e *Endpoint) PeerClosed() bool { return e.peerClosed }

// Close ends the session and returns the disconnect datagram to send. Later
// calls return nil.
func (e *Endpoint) Close(now time.Time) []byte {
	if e.closed {
		return nil
	}
	d := e.headerOnly(now, wire.ChannelDisconnect)
	e.closed = true
	e.queue = nil
	e.sent = nil
	return d
}

func (e *Endpoint) Closed() bool { return e.closed }

// RTT is the smoothed round trip estimate.
func (e *Endpoint) RTT() time.Duration { return e.rtt.Get() }

func (e *Endpoint) Stats() Stats {
	s := e.stats
	ts := e.tracker.Stats()
	s.Delivered, s.Lost, s.Evicted = ts.Delivered, ts.Lost, ts.Evicted
	s.ReliablePending = e.sender.Pending()
	s.Reassembling = e.reassembler.Len()
	s.RTT = e.rtt.Get()
	return s
}
