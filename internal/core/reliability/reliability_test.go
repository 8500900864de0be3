package reliability

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/scopesync/internal/core/wire"
	"github.com/zeusync/scopesync/internal/core/world"
)

func TestSequence_WrapAround(t *testing.T) {
	assert.True(t, Greater(1, 0))
	assert.True(t, Greater(0, 0xFFFF))
	assert.True(t, Greater(5, 0xFFF0))
	assert.False(t, Greater(0xFFF0, 5))
	assert.True(t, Less(0xFFFF, 0))
	assert.False(t, Greater(7, 7))
	assert.Equal(t, 2, Diff(1, 0xFFFF))
	assert.Equal(t, -2, Diff(0xFFFF, 1))
}

func TestReceiveWindow_Classification(t *testing.T) {
	w := NewReceiveWindow(32)
	assert.False(t, w.Started())
	ack, bits := w.Ack()
	assert.Equal(t, uint16(0xFFFF), ack, "nothing received acknowledges nothing")
	assert.Zero(t, bits)

	assert.Equal(t, ArrivalNew, w.Observe(10))
	assert.Equal(t, ArrivalDuplicate, w.Observe(10))
	assert.Equal(t, ArrivalNew, w.Observe(12))
	ack, bits = w.Ack()
	assert.Equal(t, uint16(12), ack)
	assert.Equal(t, uint32(0b10), bits, "10 is two behind 12")

	assert.Equal(t, ArrivalNew, w.Observe(11), "late arrival inside the window")
	_, bits = w.Ack()
	assert.Equal(t, uint32(0b11), bits)
	assert.Equal(t, ArrivalDuplicate, w.Observe(11))

	assert.Equal(t, ArrivalNew, w.Observe(12+40))
	ack, bits = w.Ack()
	assert.Equal(t, uint16(52), ack)
	assert.Zero(t, bits, "a jump past the window forgets the history")
	assert.Equal(t, ArrivalTooOld, w.Observe(12))
	assert.Equal(t, ArrivalNew, w.Observe(52-32))
}

func TestReceiveWindow_NarrowWindowAndWrap(t *testing.T) {
	w := NewReceiveWindow(4)
	w.Observe(0xFFFE)
	assert.Equal(t, ArrivalNew, w.Observe(1))
	ack, bits := w.Ack()
	assert.Equal(t, uint16(1), ack)
	assert.Equal(t, uint32(0b100), bits)
	assert.Equal(t, ArrivalTooOld, w.Observe(0xFFFC))
	assert.Equal(t, ArrivalNew, w.Observe(0xFFFD))

	w.Observe(2)
	_, bits = w.Ack()
	assert.LessOrEqual(t, bits, uint32(0b1111), "bits beyond the window are masked")
}

func TestReceiveWindow_ExtendAcrossWraps(t *testing.T) {
	w := NewReceiveWindow(32)
	w.Observe(0xFFF0)
	first := w.Extend(0xFFF0)

	seq := uint16(0xFFF0)
	for range 3 * 65536 {
		seq++
		require.Equal(t, ArrivalNew, w.Observe(seq))
	}
	assert.Equal(t, first+3*65536, w.Extend(seq))
	assert.Equal(t, first+3*65536-5, w.Extend(seq-5), "late arrivals extend below the latest")
	assert.Greater(t, w.Extend(seq), first)
}

func TestRTT_Smoothing(t *testing.T) {
	r := NewRTT(0.5, time.Second)
	assert.Zero(t, r.Get())
	assert.Equal(t, 200*time.Millisecond, r.Timeout(200*time.Millisecond))

	r.Sample(100 * time.Millisecond)
	assert.Equal(t, 100*time.Millisecond, r.Get())
	r.Sample(200 * time.Millisecond)
	assert.Equal(t, 150*time.Millisecond, r.Get())
	r.Sample(10 * time.Second)
	assert.Equal(t, 575*time.Millisecond, r.Get(), "samples clamp at max")
	assert.Equal(t, 1150*time.Millisecond, r.Timeout(200*time.Millisecond))
}

func newTracker(maxSent int) *AckTracker {
	return NewAckTracker(TrackerConfig{AckWindow: 32, ResendTimeout: 200 * time.Millisecond, MaxSent: maxSent}, NewRTT(0.1, 2*time.Second))
}

func TestAckTracker_DeliveryViaBitfield(t *testing.T) {
	now := time.Unix(0, 0)
	tr := newTracker(64)
	for seq := uint16(0); seq < 4; seq++ {
		assert.Empty(t, tr.Sent(now, seq, 1))
	}

	// peer saw 3 and 1 (bit 1 = 3-2)
	got := tr.OnAck(now.Add(50*time.Millisecond), 3, 0b10)
	assert.ElementsMatch(t, []Notice{{Packet: 3}, {Packet: 1}}, got)
	assert.Equal(t, 2, tr.Outstanding())

	// clear bits are not losses before the timeout
	assert.Empty(t, tr.Expire(now.Add(100*time.Millisecond)))

	// repeated acks are idempotent
	assert.Empty(t, tr.OnAck(now.Add(60*time.Millisecond), 3, 0b10))

	lost := tr.Expire(now.Add(time.Second))
	assert.Equal(t, []Notice{{Packet: 0, Lost: true}, {Packet: 2, Lost: true}}, lost)
	assert.Equal(t, 0, tr.Outstanding())
	assert.Equal(t, TrackerStats{Sent: 4, Delivered: 2, Lost: 2}, tr.Stats())
}

func TestAckTracker_Fragments(t *testing.T) {
	now := time.Unix(0, 0)
	tr := newTracker(64)
	tr.Sent(now, 10, 3)

	assert.Empty(t, tr.OnAck(now, 10, 0))
	assert.Empty(t, tr.OnAck(now, 12, 0))
	got := tr.OnAck(now, 11, 0)
	assert.Equal(t, []Notice{{Packet: 10}}, got, "delivered once every fragment is acked")

	tr.Sent(now, 13, 2)
	tr.OnAck(now, 13, 0)
	lost := tr.Expire(now.Add(time.Second))
	assert.Equal(t, []Notice{{Packet: 13, Lost: true}}, lost, "one missing fragment loses the packet")
}

func TestAckTracker_FallsBehindWindow(t *testing.T) {
	now := time.Unix(0, 0)
	tr := newTracker(1024)
	tr.Sent(now, 0, 1)
	for seq := uint16(1); seq <= 40; seq++ {
		tr.Sent(now, seq, 1)
	}
	tr.OnAck(now, 40, 0)

	lost := tr.Expire(now.Add(time.Millisecond))
	require.NotEmpty(t, lost)
	assert.Equal(t, uint16(0), lost[0].Packet)
	for _, n := range lost {
		assert.True(t, n.Lost)
		assert.Greater(t, Diff(40, n.Packet), 32)
	}
	assert.Len(t, lost, 8, "0..7 are more than 32 behind 40")
}

func TestAckTracker_CapacityEviction(t *testing.T) {
	now := time.Unix(0, 0)
	tr := newTracker(2)
	tr.Sent(now, 1, 1)
	tr.Sent(now, 2, 1)
	got := tr.Sent(now, 3, 1)
	assert.Equal(t, []Notice{{Packet: 1, Lost: true, Evicted: true}}, got)
	assert.Equal(t, 2, tr.Outstanding())
	assert.Equal(t, uint64(1), tr.Stats().Evicted)

	assert.Empty(t, tr.OnAck(now, 1, 0), "evicted packets are forgotten")
}

func msg(i int) wire.Message {
	return wire.Event(world.TypeID(1), []byte{byte(i)})
}

func TestReliableSender_WindowAndRetransmitOrder(t *testing.T) {
	s := NewReliableSender(3)
	acked := 0
	for i := range 5 {
		s.Push(msg(i), func() { acked++ })
	}

	var sent []uint16
	for {
		e, ok := s.Peek()
		if !ok {
			break
		}
		assert.Equal(t, msg(int(e.Ordinal)), e.Message)
		sent = append(sent, s.Pop())
	}
	assert.Equal(t, []uint16{0, 1, 2}, sent, "window caps the in-flight ordinals")

	s.Acked([]uint16{1})
	_, ok := s.Peek()
	assert.False(t, ok, "window is anchored at the oldest unacked ordinal")

	s.Lost([]uint16{2, 0})
	assert.Equal(t, 4, s.Ready())
	e, ok := s.Peek()
	require.True(t, ok)
	assert.Equal(t, uint16(0), e.Ordinal, "lost messages go first, in ordinal order")
	s.Pop()
	e, _ = s.Peek()
	assert.Equal(t, uint16(2), e.Ordinal)
	s.Pop()

	s.Acked([]uint16{0, 2, 2})
	assert.Equal(t, 3, acked)
	e, ok = s.Peek()
	require.True(t, ok)
	assert.Equal(t, uint16(3), e.Ordinal)
	assert.Equal(t, 2, s.Pending())
}

// A backlog larger than the ordinal space must not overwrite queued messages
// or stall the window.
func TestReliableSender_BacklogBeyondOrdinalSpace(t *testing.T) {
	const total = 70000
	s := NewReliableSender(256)
	r := NewReliableReceiver[wire.Message](256)
	for i := range total {
		s.Push(wire.Event(1, []byte{byte(i), byte(i >> 8), byte(i >> 16)}), nil)
	}
	assert.Equal(t, total, s.Pending())

	delivered := 0
	for round := 0; round < total && delivered < total; round++ {
		var ordinals []uint16
		for range 64 {
			e, ok := s.Peek()
			if !ok {
				break
			}
			ordinals = append(ordinals, s.Pop())
			for _, m := range r.Accept(e.Ordinal, e.Message) {
				i := delivered
				require.Equal(t, []byte{byte(i), byte(i >> 8), byte(i >> 16)}, m.Payload)
				delivered++
			}
		}
		require.NotEmpty(t, ordinals, "sender stalled after %d messages", delivered)
		s.Acked(ordinals)
	}

	assert.Equal(t, total, delivered)
	assert.Zero(t, s.Pending())
	assert.Zero(t, r.Dropped())
}

func TestReliableReceiver_InOrderExactlyOnce(t *testing.T) {
	r := NewReliableReceiver[wire.Message](8)
	assert.Empty(t, r.Accept(1, msg(1)))
	assert.Empty(t, r.Accept(2, msg(2)))
	assert.Empty(t, r.Accept(2, msg(2)))
	assert.Equal(t, 2, r.Buffered())

	assert.Equal(t, []wire.Message{msg(0), msg(1), msg(2)}, r.Accept(0, msg(0)))
	assert.Empty(t, r.Accept(1, msg(1)), "already delivered")
	assert.Empty(t, r.Accept(3+8, msg(11)))
	assert.Equal(t, uint64(1), r.Dropped())
}

// Sender and receiver joined by a link that loses, duplicates and reorders
// whole packets must still deliver every message once, in order.
func TestReliable_LossyLinkDeliversInOrder(t *testing.T) {
	const total = 500
	rng := rand.New(rand.NewSource(7))
	s := NewReliableSender(32)
	r := NewReliableReceiver[wire.Message](32)
	for i := range total {
		s.Push(wire.Event(1, []byte{byte(i), byte(i >> 8)}), nil)
	}

	type packet struct{ entries []wire.Entry }
	var (
		inFlight  []packet
		delivered []wire.Message
	)
	for round := 0; round < 10000 && len(delivered) < total; round++ {
		var p packet
		for len(p.entries) < 4 {
			e, ok := s.Peek()
			if !ok {
				break
			}
			s.Pop()
			p.entries = append(p.entries, e)
		}
		if len(p.entries) > 0 {
			inFlight = append(inFlight, p)
		}

		rng.Shuffle(len(inFlight), func(i, j int) { inFlight[i], inFlight[j] = inFlight[j], inFlight[i] })
		var keep []packet
		for _, p := range inFlight {
			if rng.Float64() < 0.3 {
				keep = append(keep, p)
				continue
			}
			ordinals := make([]uint16, len(p.entries))
			for i, e := range p.entries {
				ordinals[i] = e.Ordinal
			}
			if rng.Float64() < 0.3 {
				s.Lost(ordinals)
				continue
			}
			copies := 1
			if rng.Float64() < 0.1 {
				copies = 2
			}
			for range copies {
				for _, e := range p.entries {
					delivered = append(delivered, r.Accept(e.Ordinal, e.Message)...)
				}
			}
			s.Acked(ordinals)
		}
		inFlight = keep
	}

	require.Len(t, delivered, total)
	for i, m := range delivered {
		assert.Equal(t, []byte{byte(i), byte(i >> 8)}, m.Payload)
	}
	assert.Zero(t, r.Dropped())
	assert.Zero(t, s.Pending())
}
