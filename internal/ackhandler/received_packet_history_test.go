package ackhandler

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/silktransport/silk/internal/protocol"
	"github.com/silktransport/silk/internal/wire"
)

func TestHistoryContiguousPackets(t *testing.T) {
	h := newReceivedPacketHistory()
	for seq := protocol.SequenceNumber(0); seq < 5; seq++ {
		require.True(t, h.ReceivedPacket(seq))
	}
	require.Equal(t, []wire.AckRange{{Smallest: 0, Largest: 4}}, h.AckRanges())
	highest, ok := h.HighestReceived()
	require.True(t, ok)
	require.Equal(t, protocol.SequenceNumber(4), highest)
}

func TestHistoryDuplicates(t *testing.T) {
	h := newReceivedPacketHistory()
	require.True(t, h.ReceivedPacket(3))
	require.False(t, h.ReceivedPacket(3))
	require.True(t, h.ReceivedPacket(4))
	require.False(t, h.ReceivedPacket(3))
	require.False(t, h.ReceivedPacket(4))
	require.Equal(t, []wire.AckRange{{Smallest: 3, Largest: 4}}, h.AckRanges())
}

func TestHistoryGapsAndMerging(t *testing.T) {
	h := newReceivedPacketHistory()
	h.ReceivedPacket(1)
	h.ReceivedPacket(5)
	require.Equal(t, []wire.AckRange{
		{Smallest: 5, Largest: 5},
		{Smallest: 1, Largest: 1},
	}, h.AckRanges())

	// extend the lower range upwards
	h.ReceivedPacket(2)
	// extend the upper range downwards
	h.ReceivedPacket(4)
	require.Equal(t, []wire.AckRange{
		{Smallest: 4, Largest: 5},
		{Smallest: 1, Largest: 2},
	}, h.AckRanges())

	// fill the hole, merging both ranges
	h.ReceivedPacket(3)
	require.Equal(t, []wire.AckRange{{Smallest: 1, Largest: 5}}, h.AckRanges())
}

func TestHistoryInsertBetweenRanges(t *testing.T) {
	h := newReceivedPacketHistory()
	h.ReceivedPacket(1)
	h.ReceivedPacket(10)
	h.ReceivedPacket(5)
	require.Equal(t, []wire.AckRange{
		{Smallest: 10, Largest: 10},
		{Smallest: 5, Largest: 5},
		{Smallest: 1, Largest: 1},
	}, h.AckRanges())
}

func TestHistoryInsertBeforeAll(t *testing.T) {
	h := newReceivedPacketHistory()
	h.ReceivedPacket(10)
	h.ReceivedPacket(2)
	require.Equal(t, []wire.AckRange{
		{Smallest: 10, Largest: 10},
		{Smallest: 2, Largest: 2},
	}, h.AckRanges())
}

func TestHistoryRangeBound(t *testing.T) {
	h := newReceivedPacketHistory()
	// every even sequence number opens a new range
	for i := 0; i < protocol.MaxAckRanges; i++ {
		h.ReceivedPacket(protocol.SequenceNumber(2 * i))
	}
	require.Len(t, h.ranges, protocol.MaxAckRanges)
	require.Equal(t, protocol.SequenceNumber(0), h.ranges[0].Start)

	// one more gap drops the oldest range
	h.ReceivedPacket(protocol.SequenceNumber(2 * protocol.MaxAckRanges))
	require.Len(t, h.ranges, protocol.MaxAckRanges)
	require.Equal(t, protocol.SequenceNumber(2), h.ranges[0].Start)
}

func TestHistoryDeleteBelow(t *testing.T) {
	h := newReceivedPacketHistory()
	h.ReceivedPacket(2)
	h.ReceivedPacket(3)
	h.ReceivedPacket(6)
	h.ReceivedPacket(7)
	h.ReceivedPacket(10)

	h.DeleteBelow(7)
	require.Equal(t, []wire.AckRange{
		{Smallest: 10, Largest: 10},
		{Smallest: 7, Largest: 7},
	}, h.AckRanges())

	// packets below the cutoff are now duplicates
	require.False(t, h.ReceivedPacket(3))
	require.True(t, h.IsPotentiallyDuplicate(3))

	// lowering the cutoff has no effect
	h.DeleteBelow(5)
	require.False(t, h.ReceivedPacket(5))
}

func TestHistoryDeleteBelowSplitsRange(t *testing.T) {
	h := newReceivedPacketHistory()
	for seq := protocol.SequenceNumber(0); seq <= 9; seq++ {
		h.ReceivedPacket(seq)
	}
	h.DeleteBelow(5)
	require.Equal(t, []wire.AckRange{{Smallest: 5, Largest: 9}}, h.AckRanges())
}

func TestHistoryIsPotentiallyDuplicate(t *testing.T) {
	h := newReceivedPacketHistory()
	h.ReceivedPacket(4)
	h.ReceivedPacket(5)
	h.ReceivedPacket(8)

	require.True(t, h.IsPotentiallyDuplicate(4))
	require.True(t, h.IsPotentiallyDuplicate(5))
	require.True(t, h.IsPotentiallyDuplicate(8))
	require.False(t, h.IsPotentiallyDuplicate(3))
	require.False(t, h.IsPotentiallyDuplicate(6))
	require.False(t, h.IsPotentiallyDuplicate(9))
}

func TestHistoryEmpty(t *testing.T) {
	h := newReceivedPacketHistory()
	require.Nil(t, h.AckRanges())
	_, ok := h.HighestReceived()
	require.False(t, ok)
	require.False(t, h.IsPotentiallyDuplicate(0))
}
