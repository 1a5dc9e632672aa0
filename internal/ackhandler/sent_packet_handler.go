package ackhandler

import (
	"errors"
	"fmt"
	"time"

	"github.com/silktransport/silk/internal/congestion"
	"github.com/silktransport/silk/internal/protocol"
	"github.com/silktransport/silk/internal/utils"
	"github.com/silktransport/silk/internal/wire"
)

// ErrTooManyProbeTimeouts is returned when the peer stopped answering probe
// packets. The connection is dead.
var ErrTooManyProbeTimeouts = errors.New("no response after repeated probe timeouts")

// ErrAckForUnsentPacket is returned when an ACK covers a sequence number
// that was never sent.
var ErrAckForUnsentPacket = errors.New("received ack for an unsent packet")

type sentPacketHandler struct {
	history *sentPacketHistory

	hasLargestSent  bool
	largestSent     protocol.SequenceNumber
	hasLargestAcked bool
	largestAcked    protocol.SequenceNumber

	// lowestNotConfirmedAcked is the lowest sequence number we sent an ACK
	// for whose reception the peer has confirmed. The receive tracker drops
	// ranges below it.
	lowestNotConfirmedAcked protocol.SequenceNumber

	bytesInFlight protocol.ByteCount

	congestion congestion.SendAlgorithm
	rttStats   *congestion.RTTStats

	lossTime                    time.Time
	lastRetransmittableSentTime time.Time

	// Number of probe timeouts fired without receiving an ack.
	ptoCount        uint32
	numProbesToSend int

	alarm time.Time

	packetsSent uint64
	packetsLost uint64

	logger utils.Logger
}

var _ SentPacketHandler = &sentPacketHandler{}

// NewSentPacketHandler creates a handler for outgoing packets.
func NewSentPacketHandler(
	rttStats *congestion.RTTStats,
	cc congestion.SendAlgorithm,
	logger utils.Logger,
) SentPacketHandler {
	return &sentPacketHandler{
		history:    newSentPacketHistory(),
		rttStats:   rttStats,
		congestion: cc,
		logger:     logger,
	}
}

func (h *sentPacketHandler) SentPacket(p *Packet) {
	h.packetsSent++
	h.hasLargestSent = true
	h.largestSent = p.Seq

	if p.Retransmittable {
		h.lastRetransmittableSentTime = p.SendTime
		p.includedInBytesInFlight = true
		h.bytesInFlight += p.Length
		if h.numProbesToSend > 0 {
			h.numProbesToSend--
		}
		h.history.SentRetransmittablePacket(p)
	} else {
		h.history.SentNonRetransmittablePacket(p.Seq)
	}
	h.congestion.OnPacketSent(p.SendTime, h.bytesInFlight, p.Seq, p.Length, p.Retransmittable)

	if p.Retransmittable {
		h.setLossDetectionTimer()
	}
}

func (h *sentPacketHandler) ReceivedAck(ack *wire.AckFrame, rcvTime time.Time) error {
	largestAcked := ack.LargestAcked()
	if !h.hasLargestSent || h.largestSent.Less(largestAcked) {
		return ErrAckForUnsentPacket
	}
	if !h.hasLargestAcked || h.largestAcked.Less(largestAcked) {
		h.hasLargestAcked = true
		h.largestAcked = largestAcked
	}

	// maybe update the RTT
	if p := h.history.GetPacket(largestAcked); p != nil {
		h.rttStats.UpdateRTT(rcvTime.Sub(p.SendTime), ack.DelayTime)
		if h.logger.Debug() {
			h.logger.Debugf("\tupdated RTT: %s (σ: %s)", h.rttStats.SmoothedRTT(), h.rttStats.MeanDeviation())
		}
	}

	priorInFlight := h.bytesInFlight
	ackedPackets, err := h.detectAndRemoveAckedPackets(ack)
	if err != nil || len(ackedPackets) == 0 {
		return err
	}
	lostPackets := h.detectAndRemoveLostPackets(rcvTime)
	for _, p := range lostPackets {
		h.congestion.OnPacketLost(p.Seq, p.Length, priorInFlight)
	}
	for _, p := range ackedPackets {
		if p.includedInBytesInFlight {
			h.congestion.OnPacketAcked(p.Seq, p.Length, priorInFlight, rcvTime)
		}
	}

	h.ptoCount = 0
	h.numProbesToSend = 0
	h.setLossDetectionTimer()
	return nil
}

// GetLowestNotConfirmedAcked returns the lowest sequence number for which we
// still need to advertise an ACK range.
func (h *sentPacketHandler) GetLowestNotConfirmedAcked() protocol.SequenceNumber {
	return h.lowestNotConfirmedAcked
}

func (h *sentPacketHandler) detectAndRemoveAckedPackets(ack *wire.AckFrame) ([]*Packet, error) {
	var ackedPackets []*Packet
	ackRangeIndex := 0
	lowestAcked := ack.LowestAcked()
	largestAcked := ack.LargestAcked()
	err := h.history.Iterate(func(p *Packet) (bool, error) {
		// ignore packets below the lowest acked
		if p.Seq.Less(lowestAcked) {
			return true, nil
		}
		// break after the largest acked is reached
		if largestAcked.Less(p.Seq) {
			return false, nil
		}

		// ranges are ordered from the largest downwards, the iteration
		// walks upwards, so the ranges are consumed back to front
		ackRange := ack.AckRanges[len(ack.AckRanges)-1-ackRangeIndex]
		for ackRange.Largest.Less(p.Seq) && ackRangeIndex < len(ack.AckRanges)-1 {
			ackRangeIndex++
			ackRange = ack.AckRanges[len(ack.AckRanges)-1-ackRangeIndex]
		}
		if ackRange.Smallest.LessOrEqual(p.Seq) {
			if ackRange.Largest.Less(p.Seq) {
				return false, fmt.Errorf("BUG: would have acked packet %d, evaluating range %d -> %d", p.Seq, ackRange.Smallest, ackRange.Largest)
			}
			ackedPackets = append(ackedPackets, p)
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	if h.logger.Debug() && len(ackedPackets) > 0 {
		seqs := make([]protocol.SequenceNumber, len(ackedPackets))
		for i, p := range ackedPackets {
			seqs[i] = p.Seq
		}
		h.logger.Debugf("\tnewly acked packets (%d): %d", len(seqs), seqs)
	}

	for _, p := range ackedPackets {
		if p.HasAck {
			h.lowestNotConfirmedAcked = protocol.MaxSequenceNumber(h.lowestNotConfirmedAcked, p.LargestAcked+1)
		}
		if p.OnAcked != nil {
			p.OnAcked(p)
		}
		if p.includedInBytesInFlight {
			h.bytesInFlight -= p.Length
		}
		if err := h.history.Remove(p.Seq); err != nil {
			return nil, err
		}
	}
	return ackedPackets, nil
}

func (h *sentPacketHandler) detectAndRemoveLostPackets(now time.Time) []*Packet {
	h.lossTime = time.Time{}
	if !h.hasLargestAcked {
		return nil
	}

	maxRTT := max(h.rttStats.LatestRTT(), h.rttStats.SmoothedRTT())
	lossDelay := maxRTT * protocol.TimeLossThresholdNumerator / protocol.TimeLossThresholdDenominator
	lossDelay = max(lossDelay, protocol.TimerGranularity)

	// packets sent before this time are deemed lost
	lostSendTime := now.Add(-lossDelay)

	var lostPackets []*Packet
	h.history.Iterate(func(p *Packet) (bool, error) {
		if h.largestAcked.Less(p.Seq) {
			return false, nil
		}
		if p.SendTime.Before(lostSendTime) {
			lostPackets = append(lostPackets, p)
		} else if p.Seq.Distance(h.largestAcked) >= protocol.PacketReorderingThreshold {
			lostPackets = append(lostPackets, p)
		} else if h.lossTime.IsZero() {
			// this conditional is only entered once per call
			h.lossTime = p.SendTime.Add(lossDelay)
		}
		return true, nil
	})

	if h.logger.Debug() && len(lostPackets) > 0 {
		seqs := make([]protocol.SequenceNumber, len(lostPackets))
		for i, p := range lostPackets {
			seqs[i] = p.Seq
		}
		h.logger.Debugf("\tlost packets (%d): %d", len(seqs), seqs)
	}

	for _, p := range lostPackets {
		h.packetsLost++
		p.declaredLost = true
		if p.OnLost != nil {
			p.OnLost(p)
		}
		if p.includedInBytesInFlight {
			h.bytesInFlight -= p.Length
		}
		h.history.DeclareLost(p.Seq)
	}
	return lostPackets
}

func (h *sentPacketHandler) OnLossDetectionTimeout() error {
	defer h.setLossDetectionTimer()

	if !h.lossTime.IsZero() {
		// time threshold loss detection
		priorInFlight := h.bytesInFlight
		lostPackets := h.detectAndRemoveLostPackets(time.Now())
		for _, p := range lostPackets {
			h.congestion.OnPacketLost(p.Seq, p.Length, priorInFlight)
		}
		return nil
	}

	if !h.history.HasOutstandingPackets() {
		return nil
	}

	// probe timeout
	h.ptoCount++
	if h.ptoCount >= protocol.MaxConsecutiveProbeTimeouts {
		return ErrTooManyProbeTimeouts
	}
	if h.logger.Debug() {
		h.logger.Debugf("Probe timeout fired. PTO count: %d", h.ptoCount)
	}
	h.numProbesToSend += 2
	return nil
}

func (h *sentPacketHandler) setLossDetectionTimer() {
	if !h.lossTime.IsZero() {
		// early retransmit timer or time loss detection
		h.alarm = h.lossTime
		return
	}

	// cancel the alarm if no packets are outstanding
	if !h.history.HasOutstandingPackets() {
		h.alarm = time.Time{}
		return
	}

	// PTO alarm
	h.alarm = h.lastRetransmittableSentTime.Add(h.rttStats.PTO() << h.ptoCount)
}

func (h *sentPacketHandler) GetLossDetectionTimeout() time.Time {
	return h.alarm
}

func (h *sentPacketHandler) PopProbePacket() bool {
	if h.numProbesToSend == 0 {
		return false
	}
	h.numProbesToSend--
	return true
}

func (h *sentPacketHandler) SendMode() SendMode {
	if h.numProbesToSend > 0 {
		return SendProbe
	}
	if !h.congestion.CanSend(h.bytesInFlight) {
		return SendAck
	}
	return SendAny
}

func (h *sentPacketHandler) TimeUntilSend() time.Time {
	return h.congestion.TimeUntilSend(time.Now())
}

func (h *sentPacketHandler) BytesInFlight() protocol.ByteCount {
	return h.bytesInFlight
}

func (h *sentPacketHandler) PacketsLost() uint64 { return h.packetsLost }
func (h *sentPacketHandler) PacketsSent() uint64 { return h.packetsSent }

// OnConnectionMigration resets RTT measurements and the probe timeout
// counter. Outstanding packets stay tracked, they may still be acked on the
// new path.
func (h *sentPacketHandler) OnConnectionMigration() {
	h.rttStats.OnConnectionMigration()
	h.ptoCount = 0
	h.numProbesToSend = 0
	h.setLossDetectionTimer()
}
