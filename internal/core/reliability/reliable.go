package reliability

import (
	"slices"

	"github.com/zeusync/scopesync/internal/core/wire"
)

// MaxReliableWindow keeps ordinal comparisons unambiguous.
const MaxReliableWindow = 1 << 14

type queued struct {
	msg   wire.Message
	onAck func()
}

type outgoing struct {
	msg      wire.Message
	onAck    func()
	inFlight bool
}

// ReliableSender numbers reliable messages and resends them until the peer
// acknowledges the packet carrying them. A message gets its ordinal when it
// is first transmitted, and at most window ordinals past the oldest
// unacknowledged one exist at any time, so the receiver's reorder buffer
// cannot overflow however long the backlog grows.
type ReliableSender struct {
	window  int
	next    uint16
	oldest  uint16
	pending map[uint16]*outgoing
	// lost ordinals waiting for retransmission, oldest first
	retry []uint16
	// messages not transmitted yet, in push order
	backlog []queued
}

func NewReliableSender(window int) *ReliableSender {
	return &ReliableSender{
		window:  max(1, min(window, MaxReliableWindow)),
		pending: make(map[uint16]*outgoing),
	}
}

// Push queues msg behind everything pushed before it. onAck, if set, runs
// once when the message is acknowledged.
func (s *ReliableSender) Push(msg wire.Message, onAck func()) {
	s.backlog = append(s.backlog, queued{msg: msg, onAck: onAck})
}

// Peek returns the next entry to transmit, if the window allows one. Lost
// messages go before new ones.
func (s *ReliableSender) Peek() (wire.Entry, bool) {
	if len(s.retry) > 0 {
		o := s.retry[0]
		return wire.Entry{Ordinal: o, Message: s.pending[o].msg}, true
	}
	if len(s.backlog) == 0 || s.numbered() >= s.window {
		return wire.Entry{}, false
	}
	return wire.Entry{Ordinal: s.next, Message: s.backlog[0].msg}, true
}

// Pop marks the entry returned by Peek as in flight and returns its ordinal.
func (s *ReliableSender) Pop() uint16 {
	if len(s.retry) > 0 {
		o := s.retry[0]
		s.retry = s.retry[1:]
		s.pending[o].inFlight = true
		return o
	}
	q := s.backlog[0]
	s.backlog[0] = queued{}
	s.backlog = s.backlog[1:]
	o := s.next
	s.next++
	s.pending[o] = &outgoing{msg: q.msg, onAck: q.onAck, inFlight: true}
	return o
}

// numbered is the span of ordinals handed out and not yet settled.
func (s *ReliableSender) numbered() int { return int(s.next - s.oldest) }

// Acked settles ordinals carried by a delivered packet.
func (s *ReliableSender) Acked(ordinals []uint16) {
	for _, o := range ordinals {
		m, ok := s.pending[o]
		if !ok {
			continue
		}
		delete(s.pending, o)
		if !m.inFlight {
			s.retry = slices.DeleteFunc(s.retry, func(r uint16) bool { return r == o })
		}
		if m.onAck != nil {
			m.onAck()
		}
	}
	for s.oldest != s.next {
		if _, ok := s.pending[s.oldest]; ok {
			break
		}
		s.oldest++
	}
}

// Lost requeues ordinals carried by a lost packet ahead of anything newer.
func (s *ReliableSender) Lost(ordinals []uint16) {
	changed := false
	for _, o := range ordinals {
		m, ok := s.pending[o]
		if !ok || !m.inFlight {
			continue
		}
		m.inFlight = false
		s.retry = append(s.retry, o)
		changed = true
	}
	if changed {
		slices.SortFunc(s.retry, func(a, b uint16) int {
			return int(a-s.oldest) - int(b-s.oldest)
		})
	}
}

// Pending is the number of messages not yet acknowledged, backlog included.
func (s *ReliableSender) Pending() int { return len(s.pending) + len(s.backlog) }

// Ready is the number of messages waiting to be (re)transmitted.
func (s *ReliableSender) Ready() int { return len(s.retry) + len(s.backlog) }

// ReliableReceiver hands reliable items to the application in ordinal order
// exactly once.
type ReliableReceiver[T any] struct {
	window   int
	expected uint16
	buffer   map[uint16]T
	dropped  uint64
}

func NewReliableReceiver[T any](window int) *ReliableReceiver[T] {
	return &ReliableReceiver[T]{
		window: max(1, min(window, MaxReliableWindow)),
		buffer: make(map[uint16]T),
	}
}

// Accept takes one received item and returns the items that are now
// deliverable, in order.
func (r *ReliableReceiver[T]) Accept(ordinal uint16, item T) []T {
	d := Diff(ordinal, r.expected)
	switch {
	case d < 0:
		return nil
	case d >= r.window:
		r.dropped++
		return nil
	case d > 0:
		if _, ok := r.buffer[ordinal]; !ok {
			r.buffer[ordinal] = item
		}
		return nil
	}

	out := []T{item}
	r.expected++
	for {
		next, ok := r.buffer[r.expected]
		if !ok {
			break
		}
		delete(r.buffer, r.expected)
		out = append(out, next)
		r.expected++
	}
	return out
}

// Buffered is the number of out-of-order items held back.
func (r *ReliableReceiver[T]) Buffered() int { return len(r.buffer) }

// Dropped counts items beyond the window. A well-behaved sender never
// causes one.
func (r *ReliableReceiver[T]) Dropped() uint64 { return r.dropped }
