// Package wire implements the frame codec.
//
// It operates on already-decrypted bytes. Parsing is view-only: a parsed
// frame's payload aliases the input buffer and no allocation happens on the
// parse path. Building fills the space between payload and requested total
// size with CSPRNG output, never zeros.
package wire

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/silktransport/silk/internal/protocol"
)

// A FrameType identifies what a frame carries.
type FrameType uint8

const (
	// FrameTypeData carries stream payload bytes.
	FrameTypeData FrameType = 0x01
	// FrameTypeAck carries a selective acknowledgment.
	FrameTypeAck FrameType = 0x02
	// FrameTypeControl carries connection-level control signals.
	FrameTypeControl FrameType = 0x03
	// FrameTypeRekey announces a DH ratchet step.
	FrameTypeRekey FrameType = 0x04
	// FrameTypePing elicits a Pong.
	FrameTypePing FrameType = 0x05
	// FrameTypePong answers a Ping.
	FrameTypePong FrameType = 0x06
	// FrameTypeClose terminates the connection.
	FrameTypeClose FrameType = 0x07
	// FrameTypePad is cover traffic, the payload is discarded.
	FrameTypePad FrameType = 0x08
	// FrameTypeStreamOpen opens a stream.
	FrameTypeStreamOpen FrameType = 0x09
	// FrameTypeStreamClose half-closes a stream gracefully.
	FrameTypeStreamClose FrameType = 0x0a
	// FrameTypeStreamReset aborts a stream.
	FrameTypeStreamReset FrameType = 0x0b
	// FrameTypeWindowUpdate raises a flow control window.
	FrameTypeWindowUpdate FrameType = 0x0c
	// FrameTypeBlocked reports flow control exhaustion.
	FrameTypeBlocked FrameType = 0x0d
	// FrameTypeGoAway refuses new streams ahead of a shutdown.
	FrameTypeGoAway FrameType = 0x0e
	// FrameTypePathChallenge probes a new network path.
	FrameTypePathChallenge FrameType = 0x0f
	// FrameTypePathResponse echoes a path challenge.
	FrameTypePathResponse FrameType = 0x10
)

// Extension ranges. Frames in these ranges parse successfully and are
// dispatched as unknown extensions; everything else outside the defined
// types is a framing error.
const (
	extensionRange1Start FrameType = 0x40
	extensionRange1End   FrameType = 0x4f
	extensionRange2Start FrameType = 0xe0
	extensionRange2End   FrameType = 0xef
)

// IsExtension says if the type falls into one of the reserved extension ranges.
func (t FrameType) IsExtension() bool {
	return (t >= extensionRange1Start && t <= extensionRange1End) ||
		(t >= extensionRange2Start && t <= extensionRange2End)
}

// IsValid says if the type may appear on the wire.
func (t FrameType) IsValid() bool {
	return (t >= FrameTypeData && t <= FrameTypePathResponse) || t.IsExtension()
}

func (t FrameType) String() string {
	switch t {
	case FrameTypeData:
		return "DATA"
	case FrameTypeAck:
		return "ACK"
	case FrameTypeControl:
		return "CONTROL"
	case FrameTypeRekey:
		return "REKEY"
	case FrameTypePing:
		return "PING"
	case FrameTypePong:
		return "PONG"
	case FrameTypeClose:
		return "CLOSE"
	case FrameTypePad:
		return "PAD"
	case FrameTypeStreamOpen:
		return "STREAM_OPEN"
	case FrameTypeStreamClose:
		return "STREAM_CLOSE"
	case FrameTypeStreamReset:
		return "STREAM_RESET"
	case FrameTypeWindowUpdate:
		return "WINDOW_UPDATE"
	case FrameTypeGoAway:
		return "GO_AWAY"
	case FrameTypePathChallenge:
		return "PATH_CHALLENGE"
	case FrameTypePathResponse:
		return "PATH_RESPONSE"
	default:
		if t.IsExtension() {
			return fmt.Sprintf("EXTENSION(0x%x)", uint8(t))
		}
		return fmt.Sprintf("INVALID(0x%x)", uint8(t))
	}
}

// Flags is the frame flag bitmap.
type Flags uint8

const (
	// FlagSyn marks the first frame of a stream.
	FlagSyn Flags = 1 << 0
	// FlagFin marks the final frame of a stream.
	FlagFin Flags = 1 << 1
	// FlagAck says the frame piggybacks acknowledgment state.
	FlagAck Flags = 1 << 2
	// FlagPriority marks expedited data.
	FlagPriority Flags = 1 << 3
	// FlagCompressed says the payload is compressed.
	FlagCompressed Flags = 1 << 4

	// flagsReserved must be zero on the wire.
	flagsReserved Flags = 0xe0
)

// A Frame is the smallest protocol unit.
type Frame struct {
	// Nonce is the 64 bit packet counter (epoch<<32 | sequence number),
	// cross-checked against the outer packet after decryption.
	Nonce    uint64
	Type     FrameType
	Flags    Flags
	StreamID protocol.StreamID
	Seq      protocol.SequenceNumber
	Offset   protocol.ByteCount
	// Payload aliases the parse input. Callers that keep a frame beyond the
	// lifetime of the packet buffer must copy it.
	Payload []byte
}

var (
	// ErrFrameTooShort is returned when the buffer can't hold the fixed header.
	ErrFrameTooShort = errors.New("frame too short")
	// ErrInvalidFrameType is returned for types outside the defined and extension ranges.
	ErrInvalidFrameType = errors.New("invalid frame type")
	// ErrPayloadOverflow is returned when the declared payload exceeds the buffer.
	ErrPayloadOverflow = errors.New("payload length exceeds frame")
	// ErrInvalidFlags is returned when reserved flag bits are set.
	ErrInvalidFlags = errors.New("reserved flag bits set")
	// ErrFrameTooLarge is returned by Append when header and payload don't fit the requested size.
	ErrFrameTooLarge = errors.New("frame larger than requested total size")
)

// ParseFrame parses a single frame from b. The returned frame's payload is a
// view into b. Everything after header and payload is padding and ignored.
func ParseFrame(b []byte) (*Frame, error) {
	f := &Frame{}
	if err := f.parse(b); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *Frame) parse(b []byte) error {
	if len(b) < protocol.FrameHeaderSize {
		return ErrFrameTooShort
	}
	typ := FrameType(b[8])
	if !typ.IsValid() {
		return ErrInvalidFrameType
	}
	flags := Flags(b[9])
	if flags&flagsReserved != 0 {
		return ErrInvalidFlags
	}
	payloadLen := int(binary.BigEndian.Uint16(b[24:26]))
	if protocol.FrameHeaderSize+payloadLen > len(b) {
		return ErrPayloadOverflow
	}
	f.Nonce = binary.BigEndian.Uint64(b[0:8])
	f.Type = typ
	f.Flags = flags
	f.StreamID = protocol.StreamID(binary.BigEndian.Uint16(b[10:12]))
	f.Seq = protocol.SequenceNumber(binary.BigEndian.Uint32(b[12:16]))
	f.Offset = protocol.ByteCount(binary.BigEndian.Uint64(b[16:24]))
	f.Payload = b[protocol.FrameHeaderSize : protocol.FrameHeaderSize+payloadLen]
	return nil
}

// Append serializes the frame to b and pads it with random bytes up to
// totalSize. It fails if header and payload don't fit.
func (f *Frame) Append(b []byte, totalSize protocol.ByteCount) ([]byte, error) {
	length := protocol.FrameHeaderSize + protocol.ByteCount(len(f.Payload))
	if totalSize < length {
		return nil, ErrFrameTooLarge
	}
	if len(f.Payload) > int(protocol.MaxPayloadSize) {
		return nil, ErrFrameTooLarge
	}
	start := len(b)
	b = append(b, make([]byte, totalSize)...)
	hdr := b[start:]
	binary.BigEndian.PutUint64(hdr[0:8], f.Nonce)
	hdr[8] = uint8(f.Type)
	hdr[9] = uint8(f.Flags)
	binary.BigEndian.PutUint16(hdr[10:12], uint16(f.StreamID))
	binary.BigEndian.PutUint32(hdr[12:16], uint32(f.Seq))
	binary.BigEndian.PutUint64(hdr[16:24], uint64(f.Offset))
	binary.BigEndian.PutUint16(hdr[24:26], uint16(len(f.Payload)))
	copy(hdr[protocol.FrameHeaderSize:], f.Payload)
	if padding := hdr[length:]; len(padding) > 0 {
		if _, err := rand.Read(padding); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// Length returns the unpadded on-the-wire length of the frame.
func (f *Frame) Length() protocol.ByteCount {
	return protocol.FrameHeaderSize + protocol.ByteCount(len(f.Payload))
}

// IsRetransmittable says if loss of the frame triggers retransmission.
// Acks, padding and path probes are not retransmitted as-is.
func (f *Frame) IsRetransmittable() bool {
	switch f.Type {
	case FrameTypeAck, FrameTypePad, FrameTypePong, FrameTypePathChallenge, FrameTypePathResponse:
		return false
	default:
		return true
	}
}
