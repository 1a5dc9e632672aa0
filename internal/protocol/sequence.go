package protocol

// A SequenceNumber is a 32 bit packet sequence number.
// It wraps around, comparisons must use the serial number arithmetic below.
type SequenceNumber uint32

// Less says if s was assigned before other, under wraparound:
// a distance of more than half the number space means the counter wrapped.
func (s SequenceNumber) Less(other SequenceNumber) bool {
	return s != other && other-s < 1<<31
}

// LessOrEqual says if s was assigned no later than other.
func (s SequenceNumber) LessOrEqual(other SequenceNumber) bool {
	return s == other || s.Less(other)
}

// Distance returns how many sequence numbers lie between s and other,
// in whichever direction is shorter.
func (s SequenceNumber) Distance(other SequenceNumber) uint32 {
	d := uint32(other - s)
	if d >= 1<<31 {
		d = uint32(s - other)
	}
	return d
}

// MaxSequenceNumber returns the later of the two sequence numbers.
func MaxSequenceNumber(a, b SequenceNumber) SequenceNumber {
	if a.Less(b) {
		return b
	}
	return a
}
