// Package ratchet provides forward secrecy for established sessions.
//
// Two layers: a symmetric ratchet replaces the chain key with a one-way hash
// of itself after every packet, and a DH ratchet periodically folds a fresh
// key exchange into the root secret, bounding the blast radius of a key
// compromise to one ratchet interval. All superseded key material lives in
// locked buffers and is wiped the moment it is replaced.
package ratchet

import (
	"crypto/sha256"
	"time"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/silktransport/silk/internal/handshake"
	"github.com/silktransport/silk/internal/protocol"
)

// A Ratchet owns all key material of one established session.
type Ratchet struct {
	perspective protocol.Perspective

	root *memguard.LockedBuffer

	send *sendChain
	recv *recvChain

	// pending chains installed by a DH ratchet and not yet confirmed by an
	// authenticated packet of the new epoch.
	pendingSend *sendChain
	pendingRecv *recvChain
	// pendingRoot is the folded root of a locally initiated rekey. It only
	// replaces the live root on confirmation: if the attempt loses a rekey
	// collision, the live root must still match the peer's.
	pendingRoot *memguard.LockedBuffer
	// pendingEphemeral is the fresh local ephemeral of an outstanding,
	// locally initiated rekey.
	pendingEphemeral *handshake.Keypair

	localEphemeral  *handshake.Keypair
	remoteEphemeral handshake.PublicKey

	lastRekey         time.Time
	packetsSinceRekey uint64
	rekeyInterval     time.Duration
	rekeyPacketLimit  uint64
}

// New builds the epoch-0 chains from a completed handshake.
func New(res *handshake.Result, perspective protocol.Perspective, rekeyInterval time.Duration, rekeyPacketLimit uint64) *Ratchet {
	r := &Ratchet{
		perspective:      perspective,
		root:             memguard.NewBufferFromBytes(res.RootSecret),
		send:             newSendChain(res.SendKey, res.SendSalt, 0, 0),
		recv:             newRecvChain(res.RecvKey, res.RecvSalt, 0, 0),
		localEphemeral:   res.LocalEphemeral,
		remoteEphemeral:  res.RemoteEphemeral,
		lastRekey:        time.Now(),
		rekeyInterval:    rekeyInterval,
		rekeyPacketLimit: rekeyPacketLimit,
	}
	return r
}

// NextSeq returns the sequence number the next Seal call will use.
func (r *Ratchet) NextSeq() protocol.SequenceNumber {
	return r.send.NextSeq()
}

// SendEpoch returns the epoch of the active send chain.
func (r *Ratchet) SendEpoch() uint32 {
	return r.send.epoch
}

// Seal encrypts one outgoing packet.
func (r *Ratchet) Seal(ad, plaintext []byte) (ciphertext []byte, seq protocol.SequenceNumber) {
	r.packetsSinceRekey++
	return r.send.Seal(ad, plaintext)
}

// Open decrypts an incoming packet. During a rekey it trial-decrypts with
// the pending epoch's chain; the first packet that authenticates under it
// confirms the rekey and wipes the superseded keys.
func (r *Ratchet) Open(ad, ciphertext []byte, seq protocol.SequenceNumber) ([]byte, error) {
	plaintext, err := r.recv.Open(ad, ciphertext, seq)
	if err == nil {
		return plaintext, nil
	}
	if r.pendingRecv == nil || err == ErrKeyConsumed {
		return nil, err
	}
	// Sequence numbers below the old chain's progress were spent in the old
	// epoch; skip them in the pending chain without caching their keys.
	if r.pendingRecv.next.Less(r.recv.next) {
		r.pendingRecv.fastForward(r.recv.next)
	}
	plaintext, perr := r.pendingRecv.Open(ad, ciphertext, seq)
	if perr != nil {
		return nil, err
	}
	r.confirmPending()
	return plaintext, nil
}

func (r *Ratchet) confirmPending() {
	if r.pendingRoot != nil {
		r.root.Destroy()
		r.root = r.pendingRoot
		r.pendingRoot = nil
	}
	r.recv.destroy()
	r.recv = r.pendingRecv
	r.pendingRecv = nil
	if r.pendingSend != nil {
		// The old chain kept sending while the rekey was outstanding.
		r.pendingSend.seq = r.send.seq
		r.send.destroy()
		r.send = r.pendingSend
		r.pendingSend = nil
	}
	if r.pendingEphemeral != nil {
		r.localEphemeral.Wipe()
		r.localEphemeral = r.pendingEphemeral
		r.pendingEphemeral = nil
	}
}

// NeedRekey says if the local timer or packet counter asks for a DH ratchet.
// It stays false while a rekey is outstanding.
// RekeyPending says if a DH ratchet step awaits confirmation by the peer.
func (r *Ratchet) RekeyPending() bool {
	return r.pendingSend != nil || r.pendingRecv != nil
}

func (r *Ratchet) NeedRekey(now time.Time) bool {
	if r.pendingRecv != nil {
		return false
	}
	return now.Sub(r.lastRekey) >= r.rekeyInterval || r.packetsSinceRekey >= r.rekeyPacketLimit
}

// InitiateRekey generates a fresh ephemeral, folds the new DH output into
// the root secret and installs the next epoch's chains as pending. The
// caller announces the returned representative to the peer in a Rekey frame;
// the old send chain stays active until the peer's first packet of the new
// epoch confirms the switch.
func (r *Ratchet) InitiateRekey(now time.Time) (repr [32]byte, err error) {
	e, err := handshake.NewKeypair(true)
	if err != nil {
		return repr, err
	}
	dh, err := e.SharedSecret(&r.remoteEphemeral)
	if err != nil {
		return repr, err
	}
	newRoot, send, recv := r.fold(dh, r.send.epoch+1)
	r.pendingRoot = newRoot
	r.pendingSend = send
	r.pendingRecv = recv
	r.pendingEphemeral = e
	r.lastRekey = now
	r.packetsSinceRekey = 0
	copy(repr[:], e.Representative()[:])
	return repr, nil
}

// HandleRekey processes the peer's Rekey announcement. The send chain
// switches to the new epoch immediately (the peer provably has the new
// keys), the receive chain of the new epoch becomes pending: the peer keeps
// sending on its old chain until it sees our first new-epoch packet.
//
// If both sides initiated a rekey simultaneously, the connection initiator's
// wins: the initiator ignores the peer's announcement, the responder drops
// its own outstanding attempt.
func (r *Ratchet) HandleRekey(reprBytes [32]byte, now time.Time) error {
	if r.pendingRecv != nil {
		if r.perspective == protocol.PerspectiveInitiator {
			return nil
		}
		r.dropPending()
	}
	repr := handshake.Representative(reprBytes)
	newRemote := repr.ToPublic()
	dh, err := r.localEphemeral.SharedSecret(newRemote)
	if err != nil {
		return err
	}
	newRoot, send, recv := r.fold(dh, r.send.epoch+1)
	r.root.Destroy()
	r.root = newRoot
	r.send.destroy()
	r.send = send
	r.pendingRecv = recv
	r.remoteEphemeral = *newRemote
	r.lastRekey = now
	r.packetsSinceRekey = 0
	return nil
}

func (r *Ratchet) dropPending() {
	if r.pendingRoot != nil {
		r.pendingRoot.Destroy()
		r.pendingRoot = nil
	}
	if r.pendingSend != nil {
		r.pendingSend.destroy()
		r.pendingSend = nil
	}
	if r.pendingRecv != nil {
		r.pendingRecv.destroy()
		r.pendingRecv = nil
	}
	if r.pendingEphemeral != nil {
		r.pendingEphemeral.Wipe()
		r.pendingEphemeral = nil
	}
}

// fold mixes a DH output into the root secret and derives the next epoch's
// directional chains. The caller decides when the returned root replaces the
// live one.
func (r *Ratchet) fold(dh []byte, epoch uint32) (*memguard.LockedBuffer, *sendChain, *recvChain) {
	const outLen = 32 + 32 + 32 + 2*chacha20poly1305.NonceSize
	out := make([]byte, outLen)
	kdf := hkdf.New(sha256.New, dh, r.root.Bytes(), []byte("silk rekey"))
	if _, err := kdf.Read(out); err != nil {
		panic(err)
	}
	for i := range dh {
		dh[i] = 0
	}

	newRoot := memguard.NewBufferFromBytes(out[:32])

	var keyI2R, keyR2I [32]byte
	var saltI2R, saltR2I [chacha20poly1305.NonceSize]byte
	copy(keyI2R[:], out[32:64])
	copy(keyR2I[:], out[64:96])
	copy(saltI2R[:], out[96:96+chacha20poly1305.NonceSize])
	copy(saltR2I[:], out[96+chacha20poly1305.NonceSize:])

	if r.perspective == protocol.PerspectiveInitiator {
		return newRoot, newSendChain(keyI2R, saltI2R, epoch, r.send.seq), newRecvChain(keyR2I, saltR2I, epoch, r.recv.next)
	}
	return newRoot, newSendChain(keyR2I, saltR2I, epoch, r.send.seq), newRecvChain(keyI2R, saltI2R, epoch, r.recv.next)
}

// Destroy wipes every piece of key material the ratchet holds.
func (r *Ratchet) Destroy() {
	r.dropPending()
	if r.root.IsAlive() {
		r.root.Destroy()
	}
	r.send.destroy()
	r.recv.destroy()
	r.localEphemeral.Wipe()
}
