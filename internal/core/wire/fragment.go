package wire

import (
	"fmt"
	"time"

	"github.com/zeusync/scopesync/internal/core/protocol"
)

// MaxFragments is the most pieces one packet may be split into.
const MaxFragments = 255

// Split cuts body into chunks that fit a datagram of mtu bytes after the
// header. A body that already fits is returned as one chunk.
func Split(body []byte, mtu int) ([][]byte, error) {
	chunk := mtu - HeaderSize
	if chunk <= 0 {
		return nil, fmt.Errorf("mtu %d leaves no room for a body: %w", mtu, protocol.ErrInvalidConfig)
	}
	if len(body) <= chunk {
		return [][]byte{body}, nil
	}
	n := (len(body) + chunk - 1) / chunk
	if n > MaxFragments {
		return nil, fmt.Errorf("body of %d bytes needs %d fragments: %w", len(body), n, protocol.ErrMessageTooLarge)
	}
	out := make([][]byte, 0, n)
	for len(body) > 0 {
		size := min(chunk, len(body))
		out = append(out, body[:size])
		body = body[size:]
	}
	return out, nil
}

// MaxBody is the largest body that can be framed with the given mtu.
func MaxBody(mtu int) int {
	return MaxFragments * (mtu - HeaderSize)
}

type partial struct {
	channel  Channel
	count    uint8
	parts    [][]byte
	received int
	started  time.Time
}

// ReassemblyStats counts partial packets given up on.
type ReassemblyStats struct {
	Completed uint64
	Evicted   uint64
	Expired   uint64
}

// Reassembler holds fragments until every piece of a packet has arrived.
// Packets are keyed by the sequence of their first fragment. It is not safe
// for concurrent use.
type Reassembler struct {
	limit   int
	timeout time.Duration
	pending map[uint16]*partial
	stats   ReassemblyStats
}

func NewReassembler(limit int, timeout time.Duration) *Reassembler {
	if limit < 1 {
		limit = 1
	}
	return &Reassembler{
		limit:   limit,
		timeout: timeout,
		pending: make(map[uint16]*partial),
	}
}

// Add stores one fragment. When it completes its packet the full body is
// returned with done set. Inconsistent fragments are decode errors.
func (r *Reassembler) Add(now time.Time, h Header, chunk []byte) (body []byte, done bool, err error) {
	if !h.Fragmented() {
		return chunk, true, nil
	}
	base := h.BaseSequence()
	p, ok := r.pending[base]
	if !ok {
		r.evictFor(now)
		p = &partial{
			channel: h.Channel,
			count:   h.FragmentCount,
			parts:   make([][]byte, h.FragmentCount),
			started: now,
		}
		r.pending[base] = p
	}
	if p.count != h.FragmentCount || p.channel != h.Channel {
		delete(r.pending, base)
		return nil, false, decodeErr("fragment", protocol.ErrInvalidFragment,
			"group %d has %d pieces on %s, got %d on %s", base, p.count, p.channel, h.FragmentCount, h.Channel)
	}
	if p.parts[h.FragmentID] != nil {
		return nil, false, nil
	}
	p.parts[h.FragmentID] = append([]byte{}, chunk...)
	p.received++
	if p.received < int(p.count) {
		return nil, false, nil
	}

	delete(r.pending, base)
	r.stats.Completed++
	size := 0
	for _, part := range p.parts {
		size += len(part)
	}
	body = make([]byte, 0, size)
	for _, part := range p.parts {
		body = append(body, part...)
	}
	return body, true, nil
}

// Expire drops partial packets older than the timeout and returns how many.
func (r *Reassembler) Expire(now time.Time) int {
	n := 0
	for base, p := range r.pending {
		if now.Sub(p.started) >= r.timeout {
			delete(r.pending, base)
			n++
		}
	}
	r.stats.Expired += uint64(n)
	return n
}

func (r *Reassembler) evictFor(now time.Time) {
	r.Expire(now)
	for len(r.pending) >= r.limit {
		var (
			oldest uint16
			when   time.Time
			found  bool
		)
		for base, p := range r.pending {
			if !found || p.started.Before(when) {
				oldest, when, found = base, p.started, true
			}
		}
		delete(r.pending, oldest)
		r.stats.Evicted++
	}
}

func (r *Reassembler) Len() int { return len(r.pending) }

func (r *Reassembler) Stats() ReassemblyStats { return r.stats }
