package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/silktransport/silk/internal/protocol"
)

func TestFrameRoundTrip(t *testing.T) {
	f := &Frame{
		Nonce:    0xdeadbeefcafe0001,
		Type:     FrameTypeData,
		Flags:    FlagSyn | FlagFin,
		StreamID: 7,
		Seq:      42,
		Offset:   1 << 33,
		Payload:  []byte("hello silk"),
	}
	b, err := f.Append(nil, f.Length())
	require.NoError(t, err)
	require.Len(t, b, int(f.Length()))

	parsed, err := ParseFrame(b)
	require.NoError(t, err)
	require.Equal(t, f.Nonce, parsed.Nonce)
	require.Equal(t, f.Type, parsed.Type)
	require.Equal(t, f.Flags, parsed.Flags)
	require.Equal(t, f.StreamID, parsed.StreamID)
	require.Equal(t, f.Seq, parsed.Seq)
	require.Equal(t, f.Offset, parsed.Offset)
	require.Equal(t, f.Payload, parsed.Payload)
}

func TestFramePaddingIgnoredOnParse(t *testing.T) {
	f := &Frame{Type: FrameTypeData, StreamID: 1, Payload: []byte("abc")}
	const totalSize = 200
	b, err := f.Append(nil, totalSize)
	require.NoError(t, err)
	require.Len(t, b, totalSize)

	parsed, err := ParseFrame(b)
	require.NoError(t, err)
	require.Equal(t, []byte("abc"), parsed.Payload)
}

func TestFramePaddingIsRandom(t *testing.T) {
	f := &Frame{Type: FrameTypePad}
	b1, err := f.Append(nil, 256)
	require.NoError(t, err)
	b2, err := f.Append(nil, 256)
	require.NoError(t, err)
	// 228 bytes of CSPRNG output colliding means a broken rand
	require.False(t, bytes.Equal(b1[protocol.FrameHeaderSize:], b2[protocol.FrameHeaderSize:]))
}

func TestFrameAppendTooLarge(t *testing.T) {
	f := &Frame{Type: FrameTypeData, Payload: make([]byte, 100)}
	_, err := f.Append(nil, protocol.FrameHeaderSize+99)
	require.ErrorIs(t, err, ErrFrameTooLarge)

	f = &Frame{Type: FrameTypeData, Payload: make([]byte, protocol.MaxPayloadSize+1)}
	_, err = f.Append(nil, protocol.MaxFrameSize+100)
	require.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestParseFrameErrors(t *testing.T) {
	t.Run("too short", func(t *testing.T) {
		_, err := ParseFrame(make([]byte, protocol.FrameHeaderSize-1))
		require.ErrorIs(t, err, ErrFrameTooShort)
	})

	t.Run("invalid type", func(t *testing.T) {
		for _, typ := range []byte{0x00, 0x11, 0x3f, 0x50, 0xdf, 0xf0, 0xff} {
			b := make([]byte, protocol.FrameHeaderSize)
			b[8] = typ
			_, err := ParseFrame(b)
			require.ErrorIs(t, err, ErrInvalidFrameType, "type 0x%x", typ)
		}
	})

	t.Run("reserved flags", func(t *testing.T) {
		b := make([]byte, protocol.FrameHeaderSize)
		b[8] = byte(FrameTypePing)
		b[9] = 0x20
		_, err := ParseFrame(b)
		require.ErrorIs(t, err, ErrInvalidFlags)
	})

	t.Run("payload overflow", func(t *testing.T) {
		b := make([]byte, protocol.FrameHeaderSize+10)
		b[8] = byte(FrameTypeData)
		b[24] = 0
		b[25] = 11 // declares one byte more than the buffer holds
		_, err := ParseFrame(b)
		require.ErrorIs(t, err, ErrPayloadOverflow)
	})
}

func TestParseFrameExtensions(t *testing.T) {
	for _, typ := range []FrameType{0x40, 0x4f, 0xe0, 0xef} {
		b := make([]byte, protocol.FrameHeaderSize)
		b[8] = byte(typ)
		f, err := ParseFrame(b)
		require.NoError(t, err)
		require.Equal(t, typ, f.Type)
		require.True(t, f.Type.IsExtension())
	}
}

func TestFrameIsRetransmittable(t *testing.T) {
	retransmittable := map[FrameType]bool{
		FrameTypeData:          true,
		FrameTypeAck:           false,
		FrameTypeControl:       true,
		FrameTypeRekey:         true,
		FrameTypePing:          true,
		FrameTypePong:          false,
		FrameTypeClose:         true,
		FrameTypePad:           false,
		FrameTypeStreamOpen:    true,
		FrameTypeStreamClose:   true,
		FrameTypeStreamReset:   true,
		FrameTypeWindowUpdate:  true,
		FrameTypeBlocked:       true,
		FrameTypeGoAway:        true,
		FrameTypePathChallenge: false,
		FrameTypePathResponse:  false,
	}
	for typ, want := range retransmittable {
		f := &Frame{Type: typ}
		require.Equal(t, want, f.IsRetransmittable(), "type %s", typ)
	}
}

func TestFrameTypeValidity(t *testing.T) {
	for typ := FrameTypeData; typ <= FrameTypePathResponse; typ++ {
		require.True(t, typ.IsValid())
		require.False(t, typ.IsExtension())
	}
	require.False(t, FrameType(0).IsValid())
	require.False(t, FrameType(0x11).IsValid())
	require.True(t, FrameType(0x40).IsValid())
	require.True(t, FrameType(0xef).IsValid())
	require.False(t, FrameType(0xf0).IsValid())
}
