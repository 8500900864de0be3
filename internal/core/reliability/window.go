package reliability

// MaxAckWindow is the width of the acknowledgement bitfield on the wire.
const MaxAckWindow = 32

// Arrival classifies an incoming sequence number.
type Arrival uint8

const (
	ArrivalNew Arrival = iota
	ArrivalDuplicate
	// ArrivalTooOld is older than the window can describe.
	ArrivalTooOld
)

func (a Arrival) String() string {
	switch a {
	case ArrivalNew:
		return "new"
	case ArrivalDuplicate:
		return "duplicate"
	case ArrivalTooOld:
		return "too-old"
	default:
		return "unknown"
	}
}

// ReceiveWindow remembers which recent sequence numbers arrived. Bit i of
// the field is set when latest-(i+1) was received.
type ReceiveWindow struct {
	size    int
	mask    uint32
	latest  uint16
	bits    uint32
	started bool
	// latest without the 16-bit wrap, offset so that sequences inside the
	// window never extend below zero
	extended uint64
}

func NewReceiveWindow(size int) *ReceiveWindow {
	size = max(1, min(size, MaxAckWindow))
	return &ReceiveWindow{
		size: size,
		mask: uint32(uint64(1)<<size - 1),
	}
}

// Observe records seq and reports whether it is new.
func (w *ReceiveWindow) Observe(seq uint16) Arrival {
	if !w.started {
		w.started = true
		w.latest = seq
		w.extended = 1<<16 | uint64(seq)
		return ArrivalNew
	}

	d := Diff(seq, w.latest)
	switch {
	case d > 0:
		if d > MaxAckWindow {
			w.bits = 0
		} else {
			w.bits = (w.bits<<d | 1<<(d-1)) & w.mask
		}
		w.latest = seq
		w.extended += uint64(d)
		return ArrivalNew
	case d == 0:
		return ArrivalDuplicate
	}

	back := -d
	if back > w.size {
		return ArrivalTooOld
	}
	bit := uint32(1) << (back - 1)
	if w.bits&bit != 0 {
		return ArrivalDuplicate
	}
	w.bits |= bit
	return ArrivalNew
}

// Ack returns the values to piggyback on the next outgoing header. Before
// anything arrived it names the sequence preceding the peer's first one, with
// no bits set, so nothing is acknowledged by accident.
func (w *ReceiveWindow) Ack() (latest uint16, bits uint32) {
	if !w.started {
		return 0xFFFF, 0
	}
	return w.latest, w.bits
}

// Extend places seq on a counter that never wraps, relative to the latest
// arrival. Comparing extended values stays correct across any number of
// wraps as long as each seq was observed.
func (w *ReceiveWindow) Extend(seq uint16) uint64 {
	return uint64(int64(w.extended) + int64(Diff(seq, w.latest)))
}

// Started reports whether anything was received yet.
func (w *ReceiveWindow) Started() bool { return w.started }

func (w *ReceiveWindow) Size() int { return w.size }
