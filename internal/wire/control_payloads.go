package wire

import (
	"encoding/binary"
	"errors"

	"github.com/silktransport/silk/internal/protocol"
)

// Fixed payload codecs for the small control frames. The stream a payload
// refers to travels in the frame header's stream field; stream 0 means the
// connection level.

var errPayloadMalformed = errors.New("malformed control payload")

// AppendWindowUpdate encodes a WindowUpdate payload.
func AppendWindowUpdate(b []byte, maxOffset protocol.ByteCount) []byte {
	return binary.BigEndian.AppendUint64(b, uint64(maxOffset))
}

// ParseWindowUpdate decodes a WindowUpdate payload.
func ParseWindowUpdate(b []byte) (protocol.ByteCount, error) {
	if len(b) < 8 {
		return 0, errPayloadMalformed
	}
	return protocol.ByteCount(binary.BigEndian.Uint64(b)), nil
}

// AppendBlocked encodes a Blocked payload carrying the offset at which the
// sender ran out of window.
func AppendBlocked(b []byte, offset protocol.ByteCount) []byte {
	return binary.BigEndian.AppendUint64(b, uint64(offset))
}

// ParseBlocked decodes a Blocked payload.
func ParseBlocked(b []byte) (protocol.ByteCount, error) {
	if len(b) < 8 {
		return 0, errPayloadMalformed
	}
	return protocol.ByteCount(binary.BigEndian.Uint64(b)), nil
}

// AppendClose encodes a Close payload.
func AppendClose(b []byte, errorCode uint16, reason string) []byte {
	b = binary.BigEndian.AppendUint16(b, errorCode)
	b = binary.BigEndian.AppendUint16(b, uint16(len(reason)))
	return append(b, reason...)
}

// ParseClose decodes a Close payload.
func ParseClose(b []byte) (errorCode uint16, reason string, err error) {
	if len(b) < 4 {
		return 0, "", errPayloadMalformed
	}
	errorCode = binary.BigEndian.Uint16(b[0:2])
	reasonLen := int(binary.BigEndian.Uint16(b[2:4]))
	if len(b) < 4+reasonLen {
		return 0, "", errPayloadMalformed
	}
	return errorCode, string(b[4 : 4+reasonLen]), nil
}

// AppendGoAway encodes a GoAway payload carrying the highest stream ID the
// sender will still service.
func AppendGoAway(b []byte, lastStream protocol.StreamID) []byte {
	return binary.BigEndian.AppendUint16(b, uint16(lastStream))
}

// ParseGoAway decodes a GoAway payload.
func ParseGoAway(b []byte) (protocol.StreamID, error) {
	if len(b) < 2 {
		return 0, errPayloadMalformed
	}
	return protocol.StreamID(binary.BigEndian.Uint16(b)), nil
}

// ParsePathToken decodes a PathChallenge or PathResponse payload.
func ParsePathToken(b []byte) ([protocol.PathChallengeSize]byte, error) {
	var token [protocol.PathChallengeSize]byte
	if len(b) < protocol.PathChallengeSize {
		return token, errPayloadMalformed
	}
	copy(token[:], b)
	return token, nil
}

// ParseRekey decodes a Rekey payload: the Elligator representative of the
// sender's fresh ratchet ephemeral.
func ParseRekey(b []byte) ([32]byte, error) {
	var repr [32]byte
	if len(b) < 32 {
		return repr, errPayloadMalformed
	}
	copy(repr[:], b)
	return repr, nil
}

// AppendStreamReset encodes a StreamReset payload.
func AppendStreamReset(b []byte, errorCode uint16) []byte {
	return binary.BigEndian.AppendUint16(b, errorCode)
}

// ParseStreamReset decodes a StreamReset payload.
func ParseStreamReset(b []byte) (uint16, error) {
	if len(b) < 2 {
		return 0, errPayloadMalformed
	}
	return binary.BigEndian.Uint16(b), nil
}
