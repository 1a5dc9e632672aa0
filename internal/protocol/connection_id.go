package protocol

import (
	"encoding/binary"
	"fmt"
)

// A ConnectionID identifies a session on the wire. It is derived from the
// handshake's traffic secret, never chosen by either peer directly.
//
// Only the high 4 bytes appear unchanged in every packet; the low 4 bytes
// are XORed with the packet's sequence number before transmission, so two
// packets of the same session don't share an 8 byte prefix.
type ConnectionID [ConnectionIDSize]byte

// HandshakeConnectionID is the reserved all-ones CID marking handshake datagrams.
var HandshakeConnectionID = ConnectionID{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// ParseConnectionID reads a connection ID from the start of b.
func ParseConnectionID(b []byte) (ConnectionID, error) {
	var c ConnectionID
	if len(b) < ConnectionIDSize {
		return c, fmt.Errorf("connection ID requires %d bytes, got %d", ConnectionIDSize, len(b))
	}
	copy(c[:], b[:ConnectionIDSize])
	return c, nil
}

// Rotate returns the CID as it appears on the wire for the given sequence number.
// Rotate is its own inverse.
func (c ConnectionID) Rotate(seq SequenceNumber) ConnectionID {
	r := c
	binary.BigEndian.PutUint32(r[4:], binary.BigEndian.Uint32(c[4:])^uint32(seq))
	return r
}

// RecoverSequence extracts the sequence number from a received, rotated CID,
// given the session's base CID.
func (c ConnectionID) RecoverSequence(received ConnectionID) SequenceNumber {
	return SequenceNumber(binary.BigEndian.Uint32(c[4:]) ^ binary.BigEndian.Uint32(received[4:]))
}

// Prefix returns the stable high 4 bytes, the demux key for incoming packets.
func (c ConnectionID) Prefix() uint32 {
	return binary.BigEndian.Uint32(c[:4])
}

// Bytes returns the byte representation.
func (c ConnectionID) Bytes() []byte {
	return c[:]
}

func (c ConnectionID) String() string {
	return fmt.Sprintf("%x", c[:])
}
