package handshake

import (
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/silktransport/silk/internal/protocol"
)

func newStaticPair(t *testing.T) (initiator, responder *Keypair) {
	t.Helper()
	var err error
	initiator, err = NewKeypair(false)
	require.NoError(t, err)
	responder, err = NewKeypair(false)
	require.NoError(t, err)
	return initiator, responder
}

// runHandshake completes a full exchange and returns both results.
func runHandshake(t *testing.T) (*Result, *Result) {
	t.Helper()
	initStatic, respStatic := newStaticPair(t)
	init := NewInitiator(initStatic, *respStatic.Public())
	resp := NewResponder(respStatic)

	msg1, err := init.Message1()
	require.NoError(t, err)
	require.Len(t, msg1, protocol.HandshakeMsg1Size)
	require.NoError(t, resp.ReadMessage1(msg1))

	msg2, err := resp.Message2()
	require.NoError(t, err)
	require.Len(t, msg2, protocol.HandshakeMsg2Size)
	require.NoError(t, init.ReadMessage2(msg2))

	msg3, err := init.Message3()
	require.NoError(t, err)
	require.Len(t, msg3, protocol.HandshakeMsg3Size)
	require.NoError(t, resp.ReadMessage3(msg3))

	initRes, err := init.Derive()
	require.NoError(t, err)
	respRes, err := resp.Derive()
	require.NoError(t, err)
	return initRes, respRes
}

func TestHandshakeSymmetry(t *testing.T) {
	initRes, respRes := runHandshake(t)

	require.Equal(t, initRes.CID, respRes.CID)
	require.NotEqual(t, protocol.HandshakeConnectionID, initRes.CID)
	require.Equal(t, initRes.RootSecret, respRes.RootSecret)
	// directional keys cross
	require.Equal(t, initRes.SendKey, respRes.RecvKey)
	require.Equal(t, initRes.RecvKey, respRes.SendKey)
	require.Equal(t, initRes.SendSalt, respRes.RecvSalt)
	require.Equal(t, initRes.RecvSalt, respRes.SendSalt)
	require.NotEqual(t, initRes.SendKey, initRes.RecvKey)
	// each side learned the other's keys
	require.Equal(t, initRes.RemoteEphemeral, *respRes.LocalEphemeral.Public())
	require.Equal(t, respRes.RemoteEphemeral, *initRes.LocalEphemeral.Public())
}

func TestHandshakeAuthenticatesStatics(t *testing.T) {
	initStatic, respStatic := newStaticPair(t)
	init := NewInitiator(initStatic, *respStatic.Public())
	resp := NewResponder(respStatic)

	msg1, err := init.Message1()
	require.NoError(t, err)
	require.NoError(t, resp.ReadMessage1(msg1))
	msg2, err := resp.Message2()
	require.NoError(t, err)
	require.NoError(t, init.ReadMessage2(msg2))
	msg3, err := init.Message3()
	require.NoError(t, err)
	require.NoError(t, resp.ReadMessage3(msg3))

	initRes, err := init.Derive()
	require.NoError(t, err)
	respRes, err := resp.Derive()
	require.NoError(t, err)

	require.Equal(t, *respStatic.Public(), initRes.RemoteStatic)
	require.Equal(t, *initStatic.Public(), respRes.RemoteStatic)
}

func TestHandshakeRejectsWrongResponderKey(t *testing.T) {
	initStatic, respStatic := newStaticPair(t)
	other, err := NewKeypair(false)
	require.NoError(t, err)

	// initiator expects a different responder
	init := NewInitiator(initStatic, *other.Public())
	resp := NewResponder(respStatic)

	msg1, err := init.Message1()
	require.NoError(t, err)
	// the responder can't even authenticate message 1: its MAC is keyed by
	// a hash of the intended responder's static key
	require.ErrorIs(t, resp.ReadMessage1(msg1), ErrHandshakeFailed)
}

func TestHandshakeTamperDetection(t *testing.T) {
	// The bytes after the MAC are unauthenticated padding; flip everything
	// from the end of the handshake marker up to and including the MAC.
	flipEachByte := func(t *testing.T, msg []byte, end int, verify func([]byte) error) {
		for i := protocol.ConnectionIDSize; i < end; i++ {
			tampered := append([]byte(nil), msg...)
			tampered[i] ^= 0x40
			require.ErrorIs(t, verify(tampered), ErrHandshakeFailed, "byte %d", i)
		}
	}

	t.Run("message 1", func(t *testing.T) {
		initStatic, respStatic := newStaticPair(t)
		init := NewInitiator(initStatic, *respStatic.Public())
		msg1, err := init.Message1()
		require.NoError(t, err)
		flipEachByte(t, msg1, msg1MACOffset+macSize, func(m []byte) error {
			return NewResponder(respStatic).ReadMessage1(m)
		})
	})

	t.Run("message 2", func(t *testing.T) {
		initStatic, respStatic := newStaticPair(t)
		init := NewInitiator(initStatic, *respStatic.Public())
		resp := NewResponder(respStatic)
		msg1, err := init.Message1()
		require.NoError(t, err)
		require.NoError(t, resp.ReadMessage1(msg1))
		msg2, err := resp.Message2()
		require.NoError(t, err)

		for _, i := range []int{protocol.ConnectionIDSize, msg2MACOffset - 1, msg2MACOffset, msg2MACOffset + macSize - 1} {
			tampered := append([]byte(nil), msg2...)
			tampered[i] ^= 0x01
			require.ErrorIs(t, init.ReadMessage2(tampered), ErrHandshakeFailed, "byte %d", i)
		}
	})

	t.Run("message 3", func(t *testing.T) {
		initStatic, respStatic := newStaticPair(t)
		init := NewInitiator(initStatic, *respStatic.Public())
		resp := NewResponder(respStatic)
		msg1, err := init.Message1()
		require.NoError(t, err)
		require.NoError(t, resp.ReadMessage1(msg1))
		msg2, err := resp.Message2()
		require.NoError(t, err)
		require.NoError(t, init.ReadMessage2(msg2))
		msg3, err := init.Message3()
		require.NoError(t, err)
		flipEachByte(t, msg3, msg3MACOffset+macSize, resp.ReadMessage3)
	})
}

func TestHandshakeRejectsWrongSizes(t *testing.T) {
	_, respStatic := newStaticPair(t)
	resp := NewResponder(respStatic)

	short := make([]byte, protocol.HandshakeMsg1Size-1)
	copy(short, protocol.HandshakeConnectionID[:])
	require.ErrorIs(t, resp.ReadMessage1(short), ErrHandshakeFailed)

	long := make([]byte, protocol.HandshakeMsg1Size+1)
	copy(long, protocol.HandshakeConnectionID[:])
	require.ErrorIs(t, resp.ReadMessage1(long), ErrHandshakeFailed)
}

func TestHandshakeRejectsOutOfOrderMessages(t *testing.T) {
	initStatic, respStatic := newStaticPair(t)
	init := NewInitiator(initStatic, *respStatic.Public())
	resp := NewResponder(respStatic)

	// responder can't speak first
	_, err := resp.Message2()
	require.ErrorIs(t, err, ErrHandshakeFailed)
	// initiator can't skip ahead
	_, err = init.Message3()
	require.ErrorIs(t, err, ErrHandshakeFailed)
	// deriving before completion fails
	_, err = init.Derive()
	require.ErrorIs(t, err, ErrHandshakeFailed)

	msg1, err := init.Message1()
	require.NoError(t, err)
	// replaying message 1 into the wrong perspective
	require.ErrorIs(t, init.ReadMessage1(msg1), ErrHandshakeFailed)
}

func TestHandshakeMessagesCarryMarkerCID(t *testing.T) {
	initStatic, respStatic := newStaticPair(t)
	init := NewInitiator(initStatic, *respStatic.Public())
	resp := NewResponder(respStatic)

	msg1, err := init.Message1()
	require.NoError(t, err)
	require.Equal(t, protocol.HandshakeConnectionID[:], msg1[:protocol.ConnectionIDSize])
	require.NoError(t, resp.ReadMessage1(msg1))

	msg2, err := resp.Message2()
	require.NoError(t, err)
	require.Equal(t, protocol.HandshakeConnectionID[:], msg2[:protocol.ConnectionIDSize])
}

func TestHandshakeSessionsAreIndependent(t *testing.T) {
	a1, _ := runHandshake(t)
	a2, _ := runHandshake(t)
	require.NotEqual(t, a1.CID, a2.CID)
	require.NotEqual(t, a1.RootSecret, a2.RootSecret)
	require.NotEqual(t, a1.SendKey, a2.SendKey)
}

func TestHandshakeRandomGarbageRejected(t *testing.T) {
	_, respStatic := newStaticPair(t)
	for i := 0; i < 100; i++ {
		msg := make([]byte, protocol.HandshakeMsg1Size)
		_, err := rand.Read(msg)
		require.NoError(t, err)
		copy(msg, protocol.HandshakeConnectionID[:])
		require.ErrorIs(t, NewResponder(respStatic).ReadMessage1(msg), ErrHandshakeFailed)
	}
}
