// Package reliability implements the sequencing, acknowledgement and
// retransmission bookkeeping for one side of a datagram connection.
package reliability

// Sequence numbers are 16 bit and wrap. Comparisons are only meaningful for
// values less than half the space apart.

// Greater reports whether a is newer than b.
func Greater(a, b uint16) bool {
	return int16(a-b) > 0
}

// Less reports whether a is older than b.
func Less(a, b uint16) bool {
	return Greater(b, a)
}

// Diff returns how far a is ahead of b, negative when a is older.
func Diff(a, b uint16) int {
	return int(int16(a - b))
}
