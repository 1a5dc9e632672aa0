package wire

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/silktransport/silk/internal/protocol"
)

func TestWindowUpdatePayload(t *testing.T) {
	b := AppendWindowUpdate(nil, 1<<40)
	offset, err := ParseWindowUpdate(b)
	require.NoError(t, err)
	require.Equal(t, protocol.ByteCount(1<<40), offset)

	_, err = ParseWindowUpdate(b[:7])
	require.Error(t, err)
}

func TestBlockedPayload(t *testing.T) {
	b := AppendBlocked(nil, 12345)
	offset, err := ParseBlocked(b)
	require.NoError(t, err)
	require.Equal(t, protocol.ByteCount(12345), offset)
}

func TestClosePayload(t *testing.T) {
	b := AppendClose(nil, 7, "gone fishing")
	code, reason, err := ParseClose(b)
	require.NoError(t, err)
	require.Equal(t, uint16(7), code)
	require.Equal(t, "gone fishing", reason)

	b = AppendClose(nil, 0, "")
	code, reason, err = ParseClose(b)
	require.NoError(t, err)
	require.Equal(t, uint16(0), code)
	require.Empty(t, reason)

	// declared reason longer than the payload
	b = AppendClose(nil, 1, "abc")
	_, _, err = ParseClose(b[:5])
	require.Error(t, err)
}

func TestGoAwayPayload(t *testing.T) {
	b := AppendGoAway(nil, 17)
	last, err := ParseGoAway(b)
	require.NoError(t, err)
	require.Equal(t, protocol.StreamID(17), last)
}

func TestPathTokenPayload(t *testing.T) {
	raw := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	token, err := ParsePathToken(raw)
	require.NoError(t, err)
	require.Equal(t, raw, token[:])

	_, err = ParsePathToken(raw[:7])
	require.Error(t, err)
}

func TestRekeyPayload(t *testing.T) {
	raw := make([]byte, 32)
	for i := range raw {
		raw[i] = byte(i)
	}
	repr, err := ParseRekey(raw)
	require.NoError(t, err)
	require.Equal(t, raw, repr[:])

	_, err = ParseRekey(raw[:31])
	require.Error(t, err)
}

func TestStreamResetPayload(t *testing.T) {
	b := AppendStreamReset(nil, 3)
	code, err := ParseStreamReset(b)
	require.NoError(t, err)
	require.Equal(t, uint16(3), code)
}
