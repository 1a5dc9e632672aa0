// Package ackhandler tracks sent and received packets, builds selective
// acknowledgments, and drives loss detection and probe timeouts.
package ackhandler

import (
	"time"

	"github.com/silktransport/silk/internal/protocol"
	"github.com/silktransport/silk/internal/wire"
)

// A Packet is a sent packet awaiting acknowledgment.
type Packet struct {
	Seq      protocol.SequenceNumber
	Length   protocol.ByteCount
	SendTime time.Time
	// Retransmittable says if loss of the packet must trigger retransmission.
	// ACK-only and padding packets are not tracked beyond congestion accounting.
	Retransmittable bool
	// LargestAcked is the largest sequence number acknowledged by an ACK
	// frame this packet carried. Only valid if HasAck is set.
	LargestAcked protocol.SequenceNumber
	HasAck       bool

	// OnLost is called when the packet is declared lost. The callback
	// retransmits whatever the packet carried.
	OnLost func(*Packet)
	// OnAcked is called when the packet is acknowledged.
	OnAcked func(*Packet)

	includedInBytesInFlight bool
	declaredLost            bool
}

func (p *Packet) outstanding() bool {
	return p.Retransmittable && !p.declaredLost
}

// SentPacketHandler handles ACKs received for sent packets.
type SentPacketHandler interface {
	SentPacket(p *Packet)
	ReceivedAck(ack *wire.AckFrame, rcvTime time.Time) error
	// OnConnectionMigration resets RTT and congestion state. Path
	// properties change with the path.
	OnConnectionMigration()

	SendMode() SendMode
	TimeUntilSend() time.Time
	BytesInFlight() protocol.ByteCount

	GetLossDetectionTimeout() time.Time
	OnLossDetectionTimeout() error
	// PopProbePacket says if a probe should be sent now, consuming one
	// queued probe.
	PopProbePacket() bool

	PacketsLost() uint64
	PacketsSent() uint64

	// GetLowestNotConfirmedAcked returns the lowest sequence number for
	// which an ACK we sent has not been confirmed received. Fed to the
	// receive tracker's IgnoreBelow.
	GetLowestNotConfirmedAcked() protocol.SequenceNumber
}

// ReceivedPacketTracker records received packets and produces ACK frames.
type ReceivedPacketTracker interface {
	ReceivedPacket(seq protocol.SequenceNumber, rcvTime time.Time, ackEliciting bool)
	IsPotentiallyDuplicate(seq protocol.SequenceNumber) bool
	// GetAckFrame returns the frame to send, or nil. With onlyIfQueued, a
	// frame is only returned if an ACK is due.
	GetAckFrame(onlyIfQueued bool) *wire.AckFrame
	GetAlarmTimeout() time.Time
	// IgnoreBelow drops state for sequence numbers the peer has confirmed
	// it no longer needs acknowledged.
	IgnoreBelow(seq protocol.SequenceNumber)
}
