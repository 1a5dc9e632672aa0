package protocol

import (
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func randomCID(t *testing.T) ConnectionID {
	t.Helper()
	var c ConnectionID
	_, err := rand.Read(c[:])
	require.NoError(t, err)
	if c == HandshakeConnectionID {
		c[0] = 0
	}
	return c
}

func TestParseConnectionID(t *testing.T) {
	b := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	c, err := ParseConnectionID(b)
	require.NoError(t, err)
	require.Equal(t, ConnectionID{1, 2, 3, 4, 5, 6, 7, 8}, c)

	_, err = ParseConnectionID(b[:7])
	require.Error(t, err)
}

func TestConnectionIDRotateIsSelfInverse(t *testing.T) {
	c := randomCID(t)
	for _, seq := range []SequenceNumber{0, 1, 0xdeadbeef, 0xffffffff} {
		require.Equal(t, c, c.Rotate(seq).Rotate(seq))
	}
}

func TestConnectionIDRotateKeepsPrefix(t *testing.T) {
	c := randomCID(t)
	rotated := c.Rotate(0x12345678)
	require.Equal(t, c.Prefix(), rotated.Prefix())
	require.Equal(t, c[:4], rotated[:4])
	require.NotEqual(t, c[4:], rotated[4:])
	// rotating by zero is the identity
	require.Equal(t, c, c.Rotate(0))
}

func TestConnectionIDRecoverSequence(t *testing.T) {
	c := randomCID(t)
	for _, seq := range []SequenceNumber{0, 7, 1 << 20, 0xffffffff} {
		require.Equal(t, seq, c.RecoverSequence(c.Rotate(seq)))
	}
}
