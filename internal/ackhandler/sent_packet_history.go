package ackhandler

import (
	"fmt"

	"github.com/silktransport/silk/internal/protocol"
)

// sentPacketHistory keeps the sent packets in sequence order. Packets are
// appended with strictly increasing sequence numbers, so the slice can be
// indexed by the distance from the first entry. Removed packets leave nil
// holes until the start of the slice is cleaned up.
type sentPacketHistory struct {
	packets []*Packet

	numOutstanding int

	hasHighest bool
	highestSeq protocol.SequenceNumber
}

func newSentPacketHistory() *sentPacketHistory {
	return &sentPacketHistory{
		packets: make([]*Packet, 0, 32),
	}
}

func (h *sentPacketHistory) SentNonRetransmittablePacket(seq protocol.SequenceNumber) {
	h.checkSequential(seq)
	h.hasHighest = true
	h.highestSeq = seq
	if len(h.packets) > 0 {
		h.packets = append(h.packets, nil)
	}
}

func (h *sentPacketHistory) SentRetransmittablePacket(p *Packet) {
	h.checkSequential(p.Seq)
	h.hasHighest = true
	h.highestSeq = p.Seq
	h.packets = append(h.packets, p)
	if p.outstanding() {
		h.numOutstanding++
	}
}

func (h *sentPacketHistory) checkSequential(seq protocol.SequenceNumber) {
	if h.hasHighest && h.highestSeq+1 != seq {
		panic("non-sequential sequence number use")
	}
}

// Iterate iterates through all tracked packets in send order.
func (h *sentPacketHistory) Iterate(cb func(*Packet) (cont bool, err error)) error {
	for _, p := range h.packets {
		if p == nil {
			continue
		}
		cont, err := cb(p)
		if err != nil {
			return err
		}
		if !cont {
			return nil
		}
	}
	return nil
}

// FirstOutstanding returns the first outstanding packet.
func (h *sentPacketHistory) FirstOutstanding() *Packet {
	if !h.HasOutstandingPackets() {
		return nil
	}
	for _, p := range h.packets {
		if p != nil && p.outstanding() {
			return p
		}
	}
	return nil
}

func (h *sentPacketHistory) Len() int {
	return len(h.packets)
}

func (h *sentPacketHistory) GetPacket(seq protocol.SequenceNumber) *Packet {
	idx, ok := h.getIndex(seq)
	if !ok {
		return nil
	}
	return h.packets[idx]
}

func (h *sentPacketHistory) Remove(seq protocol.SequenceNumber) error {
	idx, ok := h.getIndex(seq)
	if !ok {
		return fmt.Errorf("packet %d not found in sent packet history", seq)
	}
	p := h.packets[idx]
	if p == nil {
		return fmt.Errorf("packet %d already removed from sent packet history", seq)
	}
	if p.outstanding() {
		h.numOutstanding--
		if h.numOutstanding < 0 {
			panic("negative number of outstanding packets")
		}
	}
	h.packets[idx] = nil
	if idx == 0 {
		h.cleanupStart()
	}
	return nil
}

// DeclareLost removes the packet, but keeps the slot as a hole. Unlike
// Remove, a missing packet is not an error: a spurious loss declaration may
// race with the ACK that removes it.
func (h *sentPacketHistory) DeclareLost(seq protocol.SequenceNumber) {
	idx, ok := h.getIndex(seq)
	if !ok {
		return
	}
	p := h.packets[idx]
	if p == nil {
		return
	}
	if p.outstanding() {
		h.numOutstanding--
		if h.numOutstanding < 0 {
			panic("negative number of outstanding packets")
		}
	}
	h.packets[idx] = nil
	if idx == 0 {
		h.cleanupStart()
	}
}

// getIndex gets the index of the packet with sequence number seq.
func (h *sentPacketHistory) getIndex(seq protocol.SequenceNumber) (int, bool) {
	if len(h.packets) == 0 {
		return 0, false
	}
	first := h.packets[0].Seq
	if seq.Less(first) {
		return 0, false
	}
	index := int(first.Distance(seq))
	if index > len(h.packets)-1 {
		return 0, false
	}
	return index, true
}

func (h *sentPacketHistory) HasOutstandingPackets() bool {
	return h.numOutstanding > 0
}

// delete all nil entries at the beginning of the packets slice
func (h *sentPacketHistory) cleanupStart() {
	for i, p := range h.packets {
		if p != nil {
			h.packets = h.packets[i:]
			return
		}
	}
	h.packets = h.packets[:0]
}
