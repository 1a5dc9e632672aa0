package wire

import (
	"encoding/binary"
	"errors"
	"time"

	"github.com/silktransport/silk/internal/protocol"
)

// An AckRange is a contiguous range of acknowledged sequence numbers.
type AckRange struct {
	Smallest protocol.SequenceNumber
	Largest  protocol.SequenceNumber
}

// Len returns the number of sequence numbers in the range.
func (r AckRange) Len() uint32 {
	return uint32(r.Largest-r.Smallest) + 1
}

// An AckFrame is the payload of a selective-acknowledgment frame.
type AckFrame struct {
	// AckRanges is ordered from the range containing the largest acked
	// sequence number down to the smallest.
	AckRanges []AckRange
	DelayTime time.Duration
}

var (
	// ErrAckMalformed is returned for an undecodable ACK payload.
	ErrAckMalformed = errors.New("malformed ack payload")
	// ErrAckTooManyRanges is returned when the range count exceeds the bound.
	ErrAckTooManyRanges = errors.New("too many ack ranges")
)

const ackFixedLen = 4 + 4 + 1 + 4 // largest, delay, count, first range length

// LargestAcked is the largest acked sequence number.
func (f *AckFrame) LargestAcked() protocol.SequenceNumber {
	return f.AckRanges[0].Largest
}

// LowestAcked is the smallest acked sequence number.
func (f *AckFrame) LowestAcked() protocol.SequenceNumber {
	return f.AckRanges[len(f.AckRanges)-1].Smallest
}

// AcksSequence says if the sequence number falls into one of the acked ranges.
func (f *AckFrame) AcksSequence(seq protocol.SequenceNumber) bool {
	for _, r := range f.AckRanges {
		if f.LargestAcked().Less(seq) {
			return false
		}
		if r.Smallest.LessOrEqual(seq) && seq.LessOrEqual(r.Largest) {
			return true
		}
	}
	return false
}

// Append serializes the ACK payload.
func (f *AckFrame) Append(b []byte) ([]byte, error) {
	if len(f.AckRanges) == 0 || len(f.AckRanges) > protocol.MaxAckRanges {
		return nil, ErrAckTooManyRanges
	}
	first := f.AckRanges[0]
	b = binary.BigEndian.AppendUint32(b, uint32(first.Largest))
	b = binary.BigEndian.AppendUint32(b, uint32(f.DelayTime.Microseconds()))
	b = append(b, uint8(len(f.AckRanges)))
	b = binary.BigEndian.AppendUint32(b, first.Len())
	prev := first
	for _, r := range f.AckRanges[1:] {
		gap := uint32(prev.Smallest-r.Largest) - 1
		b = binary.BigEndian.AppendUint32(b, gap)
		b = binary.BigEndian.AppendUint32(b, r.Len())
		prev = r
	}
	return b, nil
}

// Len returns the encoded length of the ACK payload.
func (f *AckFrame) Len() protocol.ByteCount {
	return protocol.ByteCount(ackFixedLen + 8*(len(f.AckRanges)-1))
}

// ParseAckFrame decodes an ACK payload.
func ParseAckFrame(b []byte) (*AckFrame, error) {
	if len(b) < ackFixedLen {
		return nil, ErrAckMalformed
	}
	largest := protocol.SequenceNumber(binary.BigEndian.Uint32(b[0:4]))
	delay := time.Duration(binary.BigEndian.Uint32(b[4:8])) * time.Microsecond
	count := int(b[8])
	if count == 0 || count > protocol.MaxAckRanges {
		return nil, ErrAckTooManyRanges
	}
	if len(b) < ackFixedLen+8*(count-1) {
		return nil, ErrAckMalformed
	}
	firstLen := binary.BigEndian.Uint32(b[9:13])
	if firstLen == 0 {
		return nil, ErrAckMalformed
	}
	frame := &AckFrame{
		DelayTime: delay,
		AckRanges: make([]AckRange, 0, count),
	}
	frame.AckRanges = append(frame.AckRanges, AckRange{
		Smallest: largest - protocol.SequenceNumber(firstLen) + 1,
		Largest:  largest,
	})
	pos := ackFixedLen
	for i := 1; i < count; i++ {
		gap := binary.BigEndian.Uint32(b[pos : pos+4])
		length := binary.BigEndian.Uint32(b[pos+4 : pos+8])
		pos += 8
		if length == 0 {
			return nil, ErrAckMalformed
		}
		prev := frame.AckRanges[i-1]
		rangeLargest := prev.Smallest - protocol.SequenceNumber(gap) - 1
		frame.AckRanges = append(frame.AckRanges, AckRange{
			Smallest: rangeLargest - protocol.SequenceNumber(length) + 1,
			Largest:  rangeLargest,
		})
	}
	return frame, nil
}
