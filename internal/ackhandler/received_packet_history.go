package ackhandler

import (
	"github.com/silktransport/silk/internal/protocol"
	"github.com/silktransport/silk/internal/wire"
)

// interval is a closed range of received sequence numbers.
type interval struct {
	Start protocol.SequenceNumber
	End   protocol.SequenceNumber
}

// receivedPacketHistory keeps the received sequence numbers as a sorted list
// of intervals, smallest first. The number of intervals is bounded: when a
// new gap would push it past the limit, the oldest interval is dropped and
// its packets are treated as if an ACK for them had been confirmed.
type receivedPacketHistory struct {
	ranges []interval

	deletedBelowSet bool
	deletedBelow    protocol.SequenceNumber
}

func newReceivedPacketHistory() *receivedPacketHistory {
	return &receivedPacketHistory{
		ranges: make([]interval, 0, protocol.MaxAckRanges),
	}
}

// ReceivedPacket registers a received sequence number.
// It returns true if the packet is new, false for duplicates.
func (h *receivedPacketHistory) ReceivedPacket(seq protocol.SequenceNumber) bool {
	if h.deletedBelowSet && seq.Less(h.deletedBelow) {
		return false
	}
	added := h.addToRanges(seq)
	if added && len(h.ranges) > protocol.MaxAckRanges {
		h.ranges = h.ranges[1:]
	}
	return added
}

func (h *receivedPacketHistory) addToRanges(seq protocol.SequenceNumber) bool {
	if len(h.ranges) == 0 {
		h.ranges = append(h.ranges, interval{Start: seq, End: seq})
		return true
	}

	for i := len(h.ranges) - 1; i >= 0; i-- {
		r := &h.ranges[i]
		// already included
		if r.Start.LessOrEqual(seq) && seq.LessOrEqual(r.End) {
			return false
		}
		if r.End+1 == seq { // extend the range at the end
			r.End = seq
			return true
		}
		if seq+1 == r.Start { // extend the range at the beginning
			r.Start = seq
			// merge with the previous range, if they now touch
			if i > 0 && h.ranges[i-1].End+1 == r.Start {
				h.ranges[i-1].End = r.End
				h.ranges = append(h.ranges[:i], h.ranges[i+1:]...)
			}
			return true
		}
		if r.End.Less(seq) { // new range after this one
			h.ranges = append(h.ranges, interval{})
			copy(h.ranges[i+2:], h.ranges[i+1:])
			h.ranges[i+1] = interval{Start: seq, End: seq}
			return true
		}
	}

	// new range before all others
	h.ranges = append(h.ranges, interval{})
	copy(h.ranges[1:], h.ranges)
	h.ranges[0] = interval{Start: seq, End: seq}
	return true
}

// DeleteBelow deletes all entries below (but not including) seq.
func (h *receivedPacketHistory) DeleteBelow(seq protocol.SequenceNumber) {
	if h.deletedBelowSet && seq.LessOrEqual(h.deletedBelow) {
		return
	}
	h.deletedBelowSet = true
	h.deletedBelow = seq

	idx := -1
	for i := range h.ranges {
		r := &h.ranges[i]
		if r.End.Less(seq) {
			idx = i
			continue
		}
		if r.Start.Less(seq) && seq.LessOrEqual(r.End) {
			r.Start = seq
		}
		break
	}
	if idx >= 0 {
		h.ranges = h.ranges[idx+1:]
	}
}

// AckRanges returns the intervals as ACK ranges, largest first, the order
// the wire encoding wants.
func (h *receivedPacketHistory) AckRanges() []wire.AckRange {
	if len(h.ranges) == 0 {
		return nil
	}
	ackRanges := make([]wire.AckRange, 0, len(h.ranges))
	for i := len(h.ranges) - 1; i >= 0; i-- {
		ackRanges = append(ackRanges, wire.AckRange{
			Smallest: h.ranges[i].Start,
			Largest:  h.ranges[i].End,
		})
	}
	return ackRanges
}

func (h *receivedPacketHistory) IsPotentiallyDuplicate(seq protocol.SequenceNumber) bool {
	if h.deletedBelowSet && seq.Less(h.deletedBelow) {
		return true
	}
	for i := len(h.ranges) - 1; i >= 0; i-- {
		r := h.ranges[i]
		if r.Start.LessOrEqual(seq) && seq.LessOrEqual(r.End) {
			return true
		}
		if r.End.Less(seq) {
			return false
		}
	}
	return false
}

func (h *receivedPacketHistory) HighestReceived() (protocol.SequenceNumber, bool) {
	if len(h.ranges) == 0 {
		return 0, false
	}
	return h.ranges[len(h.ranges)-1].End, true
}
