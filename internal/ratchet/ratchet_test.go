package ratchet

import (
	"crypto/rand"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/silktransport/silk/internal/handshake"
	"github.com/silktransport/silk/internal/protocol"
)

// newRatchetPair wires two ratchets together the way a completed handshake
// would.
func newRatchetPair(t *testing.T, interval time.Duration, packetLimit uint64) (init, resp *Ratchet) {
	t.Helper()

	initEph, err := handshake.NewKeypair(true)
	require.NoError(t, err)
	respEph, err := handshake.NewKeypair(true)
	require.NoError(t, err)

	root := make([]byte, 32)
	_, err = rand.Read(root)
	require.NoError(t, err)
	var keyI2R, keyR2I [32]byte
	var saltI2R, saltR2I [chacha20poly1305.NonceSize]byte
	_, err = rand.Read(keyI2R[:])
	require.NoError(t, err)
	_, err = rand.Read(keyR2I[:])
	require.NoError(t, err)
	_, err = rand.Read(saltI2R[:])
	require.NoError(t, err)
	_, err = rand.Read(saltR2I[:])
	require.NoError(t, err)

	initRes := &handshake.Result{
		RootSecret:      append([]byte(nil), root...),
		SendKey:         keyI2R,
		RecvKey:         keyR2I,
		SendSalt:        saltI2R,
		RecvSalt:        saltR2I,
		RemoteEphemeral: *respEph.Public(),
		LocalEphemeral:  initEph,
	}
	respRes := &handshake.Result{
		RootSecret:      append([]byte(nil), root...),
		SendKey:         keyR2I,
		RecvKey:         keyI2R,
		SendSalt:        saltR2I,
		RecvSalt:        saltI2R,
		RemoteEphemeral: *initEph.Public(),
		LocalEphemeral:  respEph,
	}
	init = New(initRes, protocol.PerspectiveInitiator, interval, packetLimit)
	resp = New(respRes, protocol.PerspectiveResponder, interval, packetLimit)
	return init, resp
}

func TestRatchetRoundTrip(t *testing.T) {
	init, resp := newRatchetPair(t, time.Hour, 1<<40)
	ad := []byte("header")

	for i := 0; i < 50; i++ {
		msg := []byte(fmt.Sprintf("packet %d", i))
		ct, seq := init.Seal(ad, msg)
		require.Equal(t, protocol.SequenceNumber(i), seq)
		pt, err := resp.Open(ad, ct, seq)
		require.NoError(t, err)
		require.Equal(t, msg, pt)
	}
	// and the other direction
	ct, seq := resp.Seal(ad, []byte("reply"))
	pt, err := init.Open(ad, ct, seq)
	require.NoError(t, err)
	require.Equal(t, []byte("reply"), pt)
}

func TestRatchetCiphertextsAreUnique(t *testing.T) {
	init, _ := newRatchetPair(t, time.Hour, 1<<40)
	plaintext := make([]byte, 32)

	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		ct, _ := init.Seal(nil, plaintext)
		require.False(t, seen[string(ct)], "ciphertext %d repeated", i)
		seen[string(ct)] = true
	}
}

func TestRatchetRejectsTamperedPacket(t *testing.T) {
	init, resp := newRatchetPair(t, time.Hour, 1<<40)
	ct, seq := init.Seal(nil, []byte("secret"))

	tampered := append([]byte(nil), ct...)
	tampered[0] ^= 1
	_, err := resp.Open(nil, tampered, seq)
	require.ErrorIs(t, err, ErrDecryptFailed)

	// a forgery must not advance the chain
	pt, err := resp.Open(nil, ct, seq)
	require.NoError(t, err)
	require.Equal(t, []byte("secret"), pt)
}

func TestRatchetRejectsWrongAD(t *testing.T) {
	init, resp := newRatchetPair(t, time.Hour, 1<<40)
	ct, seq := init.Seal([]byte("right"), []byte("payload"))
	_, err := resp.Open([]byte("wrong"), ct, seq)
	require.ErrorIs(t, err, ErrDecryptFailed)
}

func TestRatchetOutOfOrderDelivery(t *testing.T) {
	init, resp := newRatchetPair(t, time.Hour, 1<<40)

	type packet struct {
		ct  []byte
		seq protocol.SequenceNumber
	}
	var packets []packet
	for i := 0; i < 10; i++ {
		ct, seq := init.Seal(nil, []byte{byte(i)})
		packets = append(packets, packet{ct, seq})
	}

	// deliver in reverse
	for i := 9; i >= 0; i-- {
		pt, err := resp.Open(nil, packets[i].ct, packets[i].seq)
		require.NoError(t, err)
		require.Equal(t, []byte{byte(i)}, pt)
	}

	// replaying a consumed sequence number fails
	_, err := resp.Open(nil, packets[3].ct, packets[3].seq)
	require.ErrorIs(t, err, ErrKeyConsumed)
}

func TestRatchetSkippedKeyBound(t *testing.T) {
	init, resp := newRatchetPair(t, time.Hour, 1<<40)

	var first []byte
	for i := 0; i <= int(protocol.MaxSkippedMessageKeys)+1; i++ {
		ct, _ := init.Seal(nil, []byte{byte(i)})
		if i == 0 {
			first = ct
		}
	}

	// a jump beyond the cache bound is refused outright
	ct, seq := init.Seal(nil, []byte("far"))
	_, err := resp.Open(nil, ct, seq)
	require.ErrorIs(t, err, ErrTooFarAhead)

	// opening the last in-bound packet caches the skipped keys and evicts
	// the oldest beyond the bound
	_ = first
	require.Equal(t, protocol.SequenceNumber(protocol.MaxSkippedMessageKeys+3), init.NextSeq())
}

func TestRatchetSkippedKeyEviction(t *testing.T) {
	init, resp := newRatchetPair(t, time.Hour, 1<<40)

	type packet struct {
		ct  []byte
		seq protocol.SequenceNumber
	}
	var packets []packet
	for i := 0; i < int(protocol.MaxSkippedMessageKeys)+3; i++ {
		ct, seq := init.Seal(nil, []byte{byte(i)})
		packets = append(packets, packet{ct, seq})
	}

	// delivering the packet at the skip bound caches the full cache's worth
	// of keys for seqs 0..MaxSkippedMessageKeys-1
	atBound := packets[protocol.MaxSkippedMessageKeys]
	_, err := resp.Open(nil, atBound.ct, atBound.seq)
	require.NoError(t, err)

	// one more skipped key pushes the cache over the bound and evicts the
	// key for seq 0
	beyond := packets[protocol.MaxSkippedMessageKeys+2]
	_, err = resp.Open(nil, beyond.ct, beyond.seq)
	require.NoError(t, err)

	_, err = resp.Open(nil, packets[0].ct, packets[0].seq)
	require.ErrorIs(t, err, ErrKeyConsumed)

	// seq 1 is still cached
	pt, err := resp.Open(nil, packets[1].ct, packets[1].seq)
	require.NoError(t, err)
	require.Equal(t, []byte{1}, pt)
}

func TestRatchetRekey(t *testing.T) {
	init, resp := newRatchetPair(t, time.Hour, 1<<40)
	now := time.Now()

	// some traffic on epoch 0
	ct, seq := init.Seal(nil, []byte("before"))
	_, err := resp.Open(nil, ct, seq)
	require.NoError(t, err)

	repr, err := init.InitiateRekey(now)
	require.NoError(t, err)
	require.True(t, init.RekeyPending())
	require.False(t, init.NeedRekey(now))

	// the initiator keeps sealing under the old epoch until confirmation
	require.Equal(t, uint32(0), init.SendEpoch())
	ct, seq = init.Seal(nil, []byte("during"))
	pt, err := resp.Open(nil, ct, seq)
	require.NoError(t, err)
	require.Equal(t, []byte("during"), pt)

	// the peer switches its send chain immediately on processing the announcement
	require.NoError(t, resp.HandleRekey(repr, now))
	require.Equal(t, uint32(1), resp.SendEpoch())

	// first new-epoch packet confirms the rekey on the initiator side
	ct, seq = resp.Seal(nil, []byte("epoch1"))
	pt, err = init.Open(nil, ct, seq)
	require.NoError(t, err)
	require.Equal(t, []byte("epoch1"), pt)
	require.False(t, init.RekeyPending())
	require.Equal(t, uint32(1), init.SendEpoch())

	// traffic flows in both directions under the new epoch
	ct, seq = init.Seal(nil, []byte("onwards"))
	pt, err = resp.Open(nil, ct, seq)
	require.NoError(t, err)
	require.Equal(t, []byte("onwards"), pt)
}

func TestRatchetSequenceNumbersContinueAcrossEpochs(t *testing.T) {
	init, resp := newRatchetPair(t, time.Hour, 1<<40)
	now := time.Now()

	for i := 0; i < 5; i++ {
		ct, seq := init.Seal(nil, []byte("x"))
		_, err := resp.Open(nil, ct, seq)
		require.NoError(t, err)
	}
	require.Equal(t, protocol.SequenceNumber(5), init.NextSeq())

	repr, err := init.InitiateRekey(now)
	require.NoError(t, err)
	require.NoError(t, resp.HandleRekey(repr, now))

	ct, seq := resp.Seal(nil, []byte("confirm"))
	_, err = init.Open(nil, ct, seq)
	require.NoError(t, err)

	// the new send chain picks up where the old one stopped
	require.Equal(t, protocol.SequenceNumber(5), init.NextSeq())
	ct, seq = init.Seal(nil, []byte("y"))
	require.Equal(t, protocol.SequenceNumber(5), seq)
	pt, err := resp.Open(nil, ct, seq)
	require.NoError(t, err)
	require.Equal(t, []byte("y"), pt)
}

func TestRatchetSimultaneousRekeyInitiatorWins(t *testing.T) {
	init, resp := newRatchetPair(t, time.Hour, 1<<40)
	now := time.Now()

	initRepr, err := init.InitiateRekey(now)
	require.NoError(t, err)
	respRepr, err := resp.InitiateRekey(now)
	require.NoError(t, err)

	// the initiator ignores the responder's announcement
	require.NoError(t, init.HandleRekey(respRepr, now))
	// the responder abandons its own attempt and applies the initiator's
	require.NoError(t, resp.HandleRekey(initRepr, now))
	require.Equal(t, uint32(1), resp.SendEpoch())

	// responder's first epoch-1 packet confirms on the initiator side
	ct, seq := resp.Seal(nil, []byte("r"))
	pt, err := init.Open(nil, ct, seq)
	require.NoError(t, err)
	require.Equal(t, []byte("r"), pt)
	require.Equal(t, uint32(1), init.SendEpoch())

	ct, seq = init.Seal(nil, []byte("i"))
	pt, err = resp.Open(nil, ct, seq)
	require.NoError(t, err)
	require.Equal(t, []byte("i"), pt)
}

func TestRatchetNeedRekey(t *testing.T) {
	start := time.Now()

	t.Run("by time", func(t *testing.T) {
		init, _ := newRatchetPair(t, time.Minute, 1<<40)
		require.False(t, init.NeedRekey(start))
		require.True(t, init.NeedRekey(start.Add(2*time.Minute)))
	})

	t.Run("by packet count", func(t *testing.T) {
		init, _ := newRatchetPair(t, time.Hour, 3)
		require.False(t, init.NeedRekey(start))
		for i := 0; i < 3; i++ {
			init.Seal(nil, []byte("x"))
		}
		require.True(t, init.NeedRekey(start))
	})

	t.Run("quiet while pending", func(t *testing.T) {
		init, _ := newRatchetPair(t, time.Minute, 1<<40)
		_, err := init.InitiateRekey(start)
		require.NoError(t, err)
		require.False(t, init.NeedRekey(start.Add(2*time.Minute)))
	})
}

func TestRatchetOldEpochPacketsDuringRekey(t *testing.T) {
	init, resp := newRatchetPair(t, time.Hour, 1<<40)
	now := time.Now()

	// packets sealed before the rekey, delivered after
	ct0, seq0 := init.Seal(nil, []byte("old0"))
	ct1, seq1 := init.Seal(nil, []byte("old1"))

	repr, err := init.InitiateRekey(now)
	require.NoError(t, err)
	require.NoError(t, resp.HandleRekey(repr, now))

	// the responder still decrypts old-epoch packets with the old chain
	pt, err := resp.Open(nil, ct1, seq1)
	require.NoError(t, err)
	require.Equal(t, []byte("old1"), pt)
	pt, err = resp.Open(nil, ct0, seq0)
	require.NoError(t, err)
	require.Equal(t, []byte("old0"), pt)
}
