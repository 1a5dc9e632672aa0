package wire

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/silktransport/silk/internal/protocol"
)

func TestAckFrameSingleRange(t *testing.T) {
	f := &AckFrame{
		AckRanges: []AckRange{{Smallest: 10, Largest: 20}},
		DelayTime: 3 * time.Millisecond,
	}
	b, err := f.Append(nil)
	require.NoError(t, err)
	require.Len(t, b, int(f.Len()))

	parsed, err := ParseAckFrame(b)
	require.NoError(t, err)
	require.Equal(t, f.AckRanges, parsed.AckRanges)
	require.Equal(t, f.DelayTime, parsed.DelayTime)
	require.Equal(t, protocol.SequenceNumber(20), parsed.LargestAcked())
	require.Equal(t, protocol.SequenceNumber(10), parsed.LowestAcked())
}

func TestAckFrameMultipleRanges(t *testing.T) {
	f := &AckFrame{
		AckRanges: []AckRange{
			{Smallest: 100, Largest: 120},
			{Smallest: 50, Largest: 70},
			{Smallest: 0, Largest: 10},
		},
	}
	b, err := f.Append(nil)
	require.NoError(t, err)

	parsed, err := ParseAckFrame(b)
	require.NoError(t, err)
	require.Equal(t, f.AckRanges, parsed.AckRanges)
}

func TestAckFrameAcksSequence(t *testing.T) {
	f := &AckFrame{
		AckRanges: []AckRange{
			{Smallest: 50, Largest: 70},
			{Smallest: 0, Largest: 10},
		},
	}
	require.True(t, f.AcksSequence(0))
	require.True(t, f.AcksSequence(10))
	require.True(t, f.AcksSequence(60))
	require.True(t, f.AcksSequence(70))
	require.False(t, f.AcksSequence(11))
	require.False(t, f.AcksSequence(49))
	require.False(t, f.AcksSequence(71))
}

func TestAckFrameRangeBound(t *testing.T) {
	var ranges []AckRange
	for i := protocol.MaxAckRanges; i >= 0; i-- {
		start := protocol.SequenceNumber(i * 10)
		ranges = append(ranges, AckRange{Smallest: start, Largest: start + 2})
	}
	f := &AckFrame{AckRanges: ranges}
	_, err := f.Append(nil)
	require.ErrorIs(t, err, ErrAckTooManyRanges)

	f.AckRanges = f.AckRanges[:protocol.MaxAckRanges]
	b, err := f.Append(nil)
	require.NoError(t, err)
	parsed, err := ParseAckFrame(b)
	require.NoError(t, err)
	require.Len(t, parsed.AckRanges, protocol.MaxAckRanges)
}

func TestAckFrameWraparound(t *testing.T) {
	f := &AckFrame{
		AckRanges: []AckRange{{Smallest: 0xfffffff0, Largest: 5}},
	}
	b, err := f.Append(nil)
	require.NoError(t, err)
	parsed, err := ParseAckFrame(b)
	require.NoError(t, err)
	require.Equal(t, f.AckRanges, parsed.AckRanges)
	require.True(t, parsed.AcksSequence(0xfffffff5))
	require.True(t, parsed.AcksSequence(0))
	require.True(t, parsed.AcksSequence(5))
	require.False(t, parsed.AcksSequence(6))
}

func TestParseAckFrameErrors(t *testing.T) {
	_, err := ParseAckFrame([]byte{1, 2, 3})
	require.ErrorIs(t, err, ErrAckMalformed)

	// zero range count
	b := make([]byte, ackFixedLen)
	_, err = ParseAckFrame(b)
	require.ErrorIs(t, err, ErrAckTooManyRanges)

	// zero length first range
	b = make([]byte, ackFixedLen)
	b[8] = 1
	_, err = ParseAckFrame(b)
	require.ErrorIs(t, err, ErrAckMalformed)

	// truncated follow-up ranges
	f := &AckFrame{AckRanges: []AckRange{
		{Smallest: 20, Largest: 30},
		{Smallest: 0, Largest: 10},
	}}
	enc, err := f.Append(nil)
	require.NoError(t, err)
	_, err = ParseAckFrame(enc[:len(enc)-1])
	require.ErrorIs(t, err, ErrAckMalformed)
}
