package ackhandler

import (
	"time"

	"github.com/silktransport/silk/internal/protocol"
	"github.com/silktransport/silk/internal/utils"
	"github.com/silktransport/silk/internal/wire"
)

// number of ack-eliciting packets received before an ACK is sent out
// without waiting for the ack delay
const packetsBeforeAck = 2

type receivedPacketTracker struct {
	packetHistory *receivedPacketHistory

	largestObserved         protocol.SequenceNumber
	hasObserved             bool
	largestObservedRcvdTime time.Time

	ackQueued                               bool
	ackElicitingPacketsReceivedSinceLastAck int
	ackAlarm                                time.Time
	lastAck                                 *wire.AckFrame

	logger utils.Logger
}

var _ ReceivedPacketTracker = &receivedPacketTracker{}

// NewReceivedPacketTracker creates a tracker for incoming packets.
func NewReceivedPacketTracker(logger utils.Logger) ReceivedPacketTracker {
	return &receivedPacketTracker{
		packetHistory: newReceivedPacketHistory(),
		logger:        logger,
	}
}

func (h *receivedPacketTracker) ReceivedPacket(seq protocol.SequenceNumber, rcvTime time.Time, ackEliciting bool) {
	if isNew := h.packetHistory.ReceivedPacket(seq); !isNew {
		return
	}
	if !h.hasObserved || h.largestObserved.Less(seq) {
		h.hasObserved = true
		h.largestObserved = seq
		h.largestObservedRcvdTime = rcvTime
	}
	if ackEliciting {
		h.maybeQueueAck(seq, rcvTime)
	}
}

func (h *receivedPacketTracker) IsPotentiallyDuplicate(seq protocol.SequenceNumber) bool {
	return h.packetHistory.IsPotentiallyDuplicate(seq)
}

// IgnoreBelow drops the ranges below seq. The peer confirmed reception of
// our ACKs covering them, re-advertising is pointless.
func (h *receivedPacketTracker) IgnoreBelow(seq protocol.SequenceNumber) {
	h.packetHistory.DeleteBelow(seq)
	if h.logger.Debug() {
		h.logger.Debugf("\tIgnoring all packets below %d.", seq)
	}
}

// maybeQueueAck decides if an ACK needs to be sent now or after the ack
// delay. Out-of-order arrival is reported immediately so the peer's loss
// detection sees the gap early.
func (h *receivedPacketTracker) maybeQueueAck(seq protocol.SequenceNumber, rcvTime time.Time) {
	if h.ackQueued {
		return
	}

	h.ackElicitingPacketsReceivedSinceLastAck++

	if h.ackElicitingPacketsReceivedSinceLastAck >= packetsBeforeAck {
		h.ackQueued = true
	} else if h.isMissing(seq) || h.hasNewMissingPackets() {
		h.ackQueued = true
	}

	if h.ackQueued {
		h.ackAlarm = time.Time{}
		return
	}
	if h.ackAlarm.IsZero() {
		h.ackAlarm = rcvTime.Add(protocol.MaxAckDelay)
	}
}

// isMissing says if a packet was reported missing by the last ACK.
func (h *receivedPacketTracker) isMissing(seq protocol.SequenceNumber) bool {
	if h.lastAck == nil {
		return false
	}
	return seq.Less(h.lastAck.LargestAcked()) && !h.lastAck.AcksSequence(seq)
}

// hasNewMissingPackets says if packets are missing directly below the
// largest observed that the last ACK did not yet report.
func (h *receivedPacketTracker) hasNewMissingPackets() bool {
	if h.lastAck == nil {
		return false
	}
	highest, ok := h.packetHistory.HighestReceived()
	if !ok {
		return false
	}
	ranges := h.packetHistory.AckRanges()
	if len(ranges) < 2 {
		return false
	}
	return h.lastAck.LargestAcked().LessOrEqual(ranges[0].Smallest) && highest == ranges[0].Largest
}

func (h *receivedPacketTracker) GetAckFrame(onlyIfQueued bool) *wire.AckFrame {
	if !h.hasObserved {
		return nil
	}
	now := time.Now()
	if onlyIfQueued && !h.ackQueued {
		if h.ackAlarm.IsZero() || now.Before(h.ackAlarm) {
			return nil
		}
	}

	ackRanges := h.packetHistory.AckRanges()
	if len(ackRanges) == 0 {
		return nil
	}
	ack := &wire.AckFrame{
		AckRanges: ackRanges,
		DelayTime: max(0, now.Sub(h.largestObservedRcvdTime)),
	}

	h.lastAck = ack
	h.ackQueued = false
	h.ackAlarm = time.Time{}
	h.ackElicitingPacketsReceivedSinceLastAck = 0
	return ack
}

func (h *receivedPacketTracker) GetAlarmTimeout() time.Time {
	return h.ackAlarm
}
