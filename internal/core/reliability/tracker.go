package reliability

import "time"

// Notice is the fate of one sent packet. A fragmented packet counts as
// delivered only when every fragment was acknowledged, and as lost as soon as
// any fragment is.
type Notice struct {
	Packet uint16
	Lost   bool
	// Evicted is set when the packet was dropped from tracking because too
	// many packets were outstanding.
	Evicted bool
}

type TrackerConfig struct {
	AckWindow     int
	ResendTimeout time.Duration
	MaxSent       int
}

type TrackerStats struct {
	Sent      uint64
	Delivered uint64
	Lost      uint64
	Evicted   uint64
}

type inflight struct {
	base      uint16
	pending   []bool
	remaining int
	sent      time.Time
}

// AckTracker follows the packets this side sent until the peer's
// acknowledgements settle their fate.
type AckTracker struct {
	cfg TrackerConfig
	rtt *RTT

	bySeq   map[uint16]*inflight
	packets map[uint16]*inflight
	order   []*inflight

	newest    uint16
	hasNewest bool
	stats     TrackerStats
}

func NewAckTracker(cfg TrackerConfig, rtt *RTT) *AckTracker {
	cfg.AckWindow = max(1, min(cfg.AckWindow, MaxAckWindow))
	if cfg.MaxSent < 1 {
		cfg.MaxSent = 1
	}
	return &AckTracker{
		cfg:     cfg,
		rtt:     rtt,
		bySeq:   make(map[uint16]*inflight),
		packets: make(map[uint16]*inflight),
	}
}

// Sent registers a packet made of fragments datagrams with consecutive
// sequence numbers starting at base. Packets pushed out to stay within
// MaxSent are reported as lost.
func (t *AckTracker) Sent(now time.Time, base uint16, fragments int) []Notice {
	var out []Notice
	p := &inflight{
		base:      base,
		pending:   make([]bool, fragments),
		remaining: fragments,
		sent:      now,
	}
	if old, ok := t.packets[base]; ok {
		out = append(out, t.drop(old, true))
	}
	for i := range p.pending {
		seq := base + uint16(i)
		if old, ok := t.bySeq[seq]; ok {
			out = append(out, t.drop(old, true))
		}
		p.pending[i] = true
		t.bySeq[seq] = p
	}
	t.packets[base] = p
	t.order = append(t.order, p)
	t.stats.Sent++

	for len(t.packets) > t.cfg.MaxSent {
		oldest := t.front()
		if oldest == nil {
			break
		}
		out = append(out, t.drop(oldest, true))
	}
	return out
}

// OnAck applies the acknowledgement carried by one received header.
func (t *AckTracker) OnAck(now time.Time, ack uint16, bits uint32) []Notice {
	if !t.hasNewest || Greater(ack, t.newest) {
		t.newest, t.hasNewest = ack, true
	}

	var out []Notice
	if n, ok := t.ackSeq(now, ack); ok {
		out = append(out, n)
	}
	for i := 0; i < t.cfg.AckWindow; i++ {
		if bits&(1<<i) == 0 {
			continue
		}
		if n, ok := t.ackSeq(now, ack-uint16(i+1)); ok {
			out = append(out, n)
		}
	}
	return out
}

// Expire reports packets that waited too long for an acknowledgement or fell
// behind the peer's ack window. A clear bit alone is not a loss: the datagram
// may still be in flight.
func (t *AckTracker) Expire(now time.Time) []Notice {
	timeout := t.cfg.ResendTimeout
	if t.rtt != nil {
		timeout = t.rtt.Timeout(timeout)
	}

	var out []Notice
	for {
		p := t.front()
		if p == nil {
			break
		}
		if now.Sub(p.sent) < timeout && !t.behindWindow(p) {
			break
		}
		out = append(out, t.drop(p, false))
	}
	return out
}

// Outstanding is the number of packets awaiting their fate.
func (t *AckTracker) Outstanding() int { return len(t.packets) }

func (t *AckTracker) Stats() TrackerStats { return t.stats }

func (t *AckTracker) behindWindow(p *inflight) bool {
	if !t.hasNewest {
		return false
	}
	for i, waiting := range p.pending {
		if waiting && Diff(t.newest, p.base+uint16(i)) > t.cfg.AckWindow {
			return true
		}
	}
	return false
}

func (t *AckTracker) ackSeq(now time.Time, seq uint16) (Notice, bool) {
	p, ok := t.bySeq[seq]
	if !ok {
		return Notice{}, false
	}
	delete(t.bySeq, seq)
	p.pending[Diff(seq, p.base)] = false
	p.remaining--
	if p.remaining > 0 {
		return Notice{}, false
	}
	if t.packets[p.base] == p {
		delete(t.packets, p.base)
	}
	t.stats.Delivered++
	if t.rtt != nil {
		t.rtt.Sample(now.Sub(p.sent))
	}
	return Notice{Packet: p.base}, true
}

// front returns the oldest tracked packet, skipping settled entries.
func (t *AckTracker) front() *inflight {
	for len(t.order) > 0 {
		p := t.order[0]
		if p.remaining > 0 && t.packets[p.base] == p {
			return p
		}
		t.order[0] = nil
		t.order = t.order[1:]
	}
	return nil
}

func (t *AckTracker) drop(p *inflight, evicted bool) Notice {
	for i, waiting := range p.pending {
		seq := p.base + uint16(i)
		if waiting && t.bySeq[seq] == p {
			delete(t.bySeq, seq)
		}
	}
	if t.packets[p.base] == p {
		delete(t.packets, p.base)
	}
	p.remaining = 0
	t.stats.Lost++
	if evicted {
		t.stats.Evicted++
	}
	return Notice{Packet: p.base, Lost: true, Evicted: evicted}
}
