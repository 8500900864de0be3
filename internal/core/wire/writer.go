package wire

// Writer packs entries into one packet body without exceeding the datagram
// budget. An entry that does not fit stays with the caller for the next
// packet. The first entry is always accepted when it fits in a fragmented
// body, so oversized messages still make progress.
type Writer struct {
	channel Channel
	mtu     int
	entries []Entry
	size    int
}

func NewWriter(ch Channel, mtu int) *Writer {
	return &Writer{channel: ch, mtu: mtu, size: 2}
}

// TryAdd appends e if the body still fits a single datagram.
func (w *Writer) TryAdd(e Entry) bool {
	n := EntrySize(w.channel, e.Message)
	if len(w.entries) == 0 {
		if w.size+n > MaxBody(w.mtu) {
			return false
		}
	} else if HeaderSize+w.size+n > w.mtu {
		return false
	}
	w.entries = append(w.entries, e)
	w.size += n
	return true
}

func (w *Writer) Len() int { return len(w.entries) }

// Size is the encoded body size so far.
func (w *Writer) Size() int { return w.size }

// Take returns the accumulated entries and resets the writer.
func (w *Writer) Take() []Entry {
	out := w.entries
	w.entries = nil
	w.size = 2
	return out
}
