// Package handshake implements the mutually authenticated, key-hiding
// three-message exchange that bootstraps a session.
//
// Every public key on the wire is either an Elligator representative
// (ephemerals) or AEAD-encrypted (statics), so a handshake datagram is
// indistinguishable from random bytes. Each message carries a MAC keyed by a
// hash of the responder's static key, binding the exchange to the intended
// responder before any DH is performed.
package handshake

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/silktransport/silk/internal/protocol"
)

// ErrHandshakeFailed is returned for every handshake failure: bad MAC,
// message out of order, undecryptable static, size mismatch. The cause is
// deliberately not distinguishable by the peer.
var ErrHandshakeFailed = errors.New("handshake failed")

const protocolName = "silk/1 x25519 chacha20poly1305 hkdf-sha256"

const macKeyLabel = "silk mac v1"

const (
	macSize       = 16
	encStaticSize = PublicKeySize + protocol.AEADOverhead

	msg1MACOffset = protocol.ConnectionIDSize + RepresentativeSize
	msg2MACOffset = protocol.ConnectionIDSize + RepresentativeSize + encStaticSize
	msg3MACOffset = protocol.ConnectionIDSize + encStaticSize
)

type handshakeState int

const (
	stateInitial handshakeState = iota
	stateWroteMsg1
	stateReadMsg1
	stateWroteMsg2
	stateReadMsg2
	stateWroteMsg3
	stateReadMsg3
)

// A Result holds everything both sides derive from a completed handshake.
type Result struct {
	CID        protocol.ConnectionID
	RootSecret []byte

	SendKey  [32]byte
	RecvKey  [32]byte
	SendSalt [chacha20poly1305.NonceSize]byte
	RecvSalt [chacha20poly1305.NonceSize]byte

	RemoteStatic    PublicKey
	RemoteEphemeral PublicKey
	LocalEphemeral  *Keypair
}

// A Handshake drives one handshake attempt from either perspective.
// It is not safe for concurrent use; a session owns exactly one.
type Handshake struct {
	perspective  protocol.Perspective
	state        handshakeState
	localStatic  *Keypair
	remoteStatic *PublicKey // known upfront for the initiator, learned from msg3 for the responder

	macKey [32]byte
	ck     []byte // chaining key
	h      []byte // transcript hash

	localEphemeral  *Keypair
	remoteEphemeral *PublicKey

	dhEE []byte
	dhES []byte
	dhSE []byte
}

// NewInitiator creates a handshake towards a peer whose static key was
// obtained out of band.
func NewInitiator(localStatic *Keypair, remoteStatic PublicKey) *Handshake {
	h := &Handshake{
		perspective:  protocol.PerspectiveInitiator,
		localStatic:  localStatic,
		remoteStatic: &remoteStatic,
	}
	h.init(&remoteStatic)
	return h
}

// NewResponder creates a handshake answering an incoming attempt.
func NewResponder(localStatic *Keypair) *Handshake {
	h := &Handshake{
		perspective: protocol.PerspectiveResponder,
		localStatic: localStatic,
	}
	h.init(localStatic.Public())
	return h
}

func (h *Handshake) init(responderStatic *PublicKey) {
	sum := sha256.Sum256([]byte(protocolName))
	h.h = sum[:]
	h.ck = append([]byte(nil), sum[:]...)
	h.macKey = sha256.Sum256(append([]byte(macKeyLabel), responderStatic[:]...))
}

func (h *Handshake) mixHash(data []byte) {
	hs := sha256.New()
	hs.Write(h.h)
	hs.Write(data)
	h.h = hs.Sum(h.h[:0])
}

// mixKey ratchets the chaining key with new DH material and returns a
// message encryption key.
func (h *Handshake) mixKey(ikm []byte) [32]byte {
	var out [64]byte
	r := hkdf.New(sha256.New, ikm, h.ck, nil)
	if _, err := r.Read(out[:]); err != nil {
		panic(err) // hkdf.Read from sha256 cannot fail
	}
	copy(h.ck, out[:32])
	var k [32]byte
	copy(k[:], out[32:])
	return k
}

func (h *Handshake) mac(msg []byte) [macSize]byte {
	m := hmac.New(sha256.New, h.macKey[:])
	m.Write(msg)
	var out [macSize]byte
	copy(out[:], m.Sum(nil))
	return out
}

func (h *Handshake) verifyMAC(msg, mac []byte) bool {
	want := h.mac(msg)
	return subtle.ConstantTimeCompare(want[:], mac) == 1
}

func (h *Handshake) seal(key [32]byte, plaintext []byte) []byte {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		panic(err)
	}
	var nonce [chacha20poly1305.NonceSize]byte
	return aead.Seal(nil, nonce[:], plaintext, h.h)
}

func (h *Handshake) open(key [32]byte, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		panic(err)
	}
	var nonce [chacha20poly1305.NonceSize]byte
	return aead.Open(nil, nonce[:], ciphertext, h.h)
}

func newHandshakeMessage(size int) ([]byte, error) {
	msg := make([]byte, size)
	// The unused tail of a fixed-size message is random, like everything else in it.
	if _, err := rand.Read(msg); err != nil {
		return nil, err
	}
	copy(msg[:protocol.ConnectionIDSize], protocol.HandshakeConnectionID[:])
	return msg, nil
}

func checkHandshakeCID(msg []byte) bool {
	return subtle.ConstantTimeCompare(msg[:protocol.ConnectionIDSize], protocol.HandshakeConnectionID[:]) == 1
}

// Message1 produces the initiator's opening message: a fresh Elligator
// encoded ephemeral.
func (h *Handshake) Message1() ([]byte, error) {
	if h.perspective != protocol.PerspectiveInitiator || h.state != stateInitial {
		return nil, ErrHandshakeFailed
	}
	e, err := NewKeypair(true)
	if err != nil {
		return nil, err
	}
	h.localEphemeral = e

	msg, err := newHandshakeMessage(protocol.HandshakeMsg1Size)
	if err != nil {
		return nil, err
	}
	copy(msg[protocol.ConnectionIDSize:msg1MACOffset], e.Representative()[:])
	mac := h.mac(msg[:msg1MACOffset])
	copy(msg[msg1MACOffset:msg1MACOffset+macSize], mac[:])

	h.mixHash(e.Representative()[:])
	h.state = stateWroteMsg1
	return msg, nil
}

// ReadMessage1 consumes the initiator's opening message.
func (h *Handshake) ReadMessage1(msg []byte) error {
	if h.perspective != protocol.PerspectiveResponder || h.state != stateInitial {
		return ErrHandshakeFailed
	}
	if len(msg) != protocol.HandshakeMsg1Size || !checkHandshakeCID(msg) {
		return ErrHandshakeFailed
	}
	if !h.verifyMAC(msg[:msg1MACOffset], msg[msg1MACOffset:msg1MACOffset+macSize]) {
		return ErrHandshakeFailed
	}
	var repr Representative
	copy(repr[:], msg[protocol.ConnectionIDSize:msg1MACOffset])
	h.remoteEphemeral = repr.ToPublic()
	h.mixHash(repr[:])
	h.state = stateReadMsg1
	return nil
}

// Message2 produces the responder's reply: its own Elligator encoded
// ephemeral plus its static key, encrypted under the ee-derived key.
func (h *Handshake) Message2() ([]byte, error) {
	if h.perspective != protocol.PerspectiveResponder || h.state != stateReadMsg1 {
		return nil, ErrHandshakeFailed
	}
	e, err := NewKeypair(true)
	if err != nil {
		return nil, err
	}
	h.localEphemeral = e
	h.mixHash(e.Representative()[:])

	ee, err := e.SharedSecret(h.remoteEphemeral)
	if err != nil {
		return nil, ErrHandshakeFailed
	}
	h.dhEE = ee
	k1 := h.mixKey(ee)
	encStatic := h.seal(k1, h.localStatic.Public()[:])
	h.mixHash(encStatic)

	es, err := h.localStatic.SharedSecret(h.remoteEphemeral)
	if err != nil {
		return nil, ErrHandshakeFailed
	}
	h.dhES = es
	h.mixKey(es)

	msg, err := newHandshakeMessage(protocol.HandshakeMsg2Size)
	if err != nil {
		return nil, err
	}
	copy(msg[protocol.ConnectionIDSize:protocol.ConnectionIDSize+RepresentativeSize], e.Representative()[:])
	copy(msg[protocol.ConnectionIDSize+RepresentativeSize:msg2MACOffset], encStatic)
	mac := h.mac(msg[:msg2MACOffset])
	copy(msg[msg2MACOffset:msg2MACOffset+macSize], mac[:])

	h.state = stateWroteMsg2
	return msg, nil
}

// ReadMessage2 consumes the responder's reply and checks the asserted static
// key against the one obtained out of band.
func (h *Handshake) ReadMessage2(msg []byte) error {
	if h.perspective != protocol.PerspectiveInitiator || h.state != stateWroteMsg1 {
		return ErrHandshakeFailed
	}
	if len(msg) != protocol.HandshakeMsg2Size || !checkHandshakeCID(msg) {
		return ErrHandshakeFailed
	}
	if !h.verifyMAC(msg[:msg2MACOffset], msg[msg2MACOffset:msg2MACOffset+macSize]) {
		return ErrHandshakeFailed
	}
	var repr Representative
	copy(repr[:], msg[protocol.ConnectionIDSize:protocol.ConnectionIDSize+RepresentativeSize])
	h.remoteEphemeral = repr.ToPublic()
	h.mixHash(repr[:])

	ee, err := h.localEphemeral.SharedSecret(h.remoteEphemeral)
	if err != nil {
		return ErrHandshakeFailed
	}
	h.dhEE = ee
	k1 := h.mixKey(ee)
	encStatic := msg[protocol.ConnectionIDSize+RepresentativeSize : msg2MACOffset]
	staticBytes, err := h.open(k1, encStatic)
	if err != nil {
		return ErrHandshakeFailed
	}
	if subtle.ConstantTimeCompare(staticBytes, h.remoteStatic[:]) != 1 {
		return ErrHandshakeFailed
	}
	h.mixHash(encStatic)

	es, err := h.localEphemeral.SharedSecret(h.remoteStatic)
	if err != nil {
		return ErrHandshakeFailed
	}
	h.dhES = es
	h.mixKey(es)

	h.state = stateReadMsg2
	return nil
}

// Message3 produces the initiator's final message: its static key, encrypted
// under the es-derived key.
func (h *Handshake) Message3() ([]byte, error) {
	if h.perspective != protocol.PerspectiveInitiator || h.state != stateReadMsg2 {
		return nil, ErrHandshakeFailed
	}
	encStatic := h.seal(h.lastKey(), h.localStatic.Public()[:])
	h.mixHash(encStatic)

	se, err := h.localStatic.SharedSecret(h.remoteEphemeral)
	if err != nil {
		return nil, ErrHandshakeFailed
	}
	h.dhSE = se
	h.mixKey(se)

	msg, err := newHandshakeMessage(protocol.HandshakeMsg3Size)
	if err != nil {
		return nil, err
	}
	copy(msg[protocol.ConnectionIDSize:msg3MACOffset], encStatic)
	mac := h.mac(msg[:msg3MACOffset])
	copy(msg[msg3MACOffset:msg3MACOffset+macSize], mac[:])

	h.state = stateWroteMsg3
	return msg, nil
}

// ReadMessage3 consumes the initiator's final message and learns its static key.
func (h *Handshake) ReadMessage3(msg []byte) error {
	if h.perspective != protocol.PerspectiveResponder || h.state != stateWroteMsg2 {
		return ErrHandshakeFailed
	}
	if len(msg) != protocol.HandshakeMsg3Size || !checkHandshakeCID(msg) {
		return ErrHandshakeFailed
	}
	if !h.verifyMAC(msg[:msg3MACOffset], msg[msg3MACOffset:msg3MACOffset+macSize]) {
		return ErrHandshakeFailed
	}
	encStatic := msg[protocol.ConnectionIDSize:msg3MACOffset]
	staticBytes, err := h.open(h.lastKey(), encStatic)
	if err != nil {
		return ErrHandshakeFailed
	}
	remoteStatic := new(PublicKey)
	if err := remoteStatic.FromBytes(staticBytes); err != nil {
		return ErrHandshakeFailed
	}
	h.remoteStatic = remoteStatic
	h.mixHash(encStatic)

	se, err := h.localEphemeral.SharedSecret(h.remoteStatic)
	if err != nil {
		return ErrHandshakeFailed
	}
	h.dhSE = se
	h.mixKey(se)

	h.state = stateReadMsg3
	return nil
}

// lastKey re-derives the current message key from the chaining key without
// advancing it. The chain was already advanced by the corresponding mixKey,
// so the key used for the static encryption in message 3 is derived from the
// post-es chain state on both sides.
func (h *Handshake) lastKey() [32]byte {
	var k [32]byte
	m := hmac.New(sha256.New, h.ck)
	m.Write([]byte("silk msg3 static"))
	copy(k[:], m.Sum(nil))
	return k
}

// Derive completes the handshake: one KDF pass over the concatenation of all
// four DH outputs yields the root chain secret, both directional traffic
// keys and nonce salts, and the connection ID. The handshake ephemerals are
// handed to the caller, they seed the DH ratchet.
func (h *Handshake) Derive() (*Result, error) {
	complete := (h.perspective == protocol.PerspectiveInitiator && h.state == stateWroteMsg3) ||
		(h.perspective == protocol.PerspectiveResponder && h.state == stateReadMsg3)
	if !complete {
		return nil, ErrHandshakeFailed
	}

	ss, err := h.localStatic.SharedSecret(h.remoteStatic)
	if err != nil {
		return nil, ErrHandshakeFailed
	}

	// The concatenation order is the initiator's view: ee, es, se, ss are
	// the same byte strings on both sides.
	ikm := make([]byte, 0, 4*SharedSecretSize)
	ikm = append(ikm, h.dhEE...)
	ikm = append(ikm, h.dhES...)
	ikm = append(ikm, h.dhSE...)
	ikm = append(ikm, ss...)

	const outLen = 32 + 32 + 32 + chacha20poly1305.NonceSize + chacha20poly1305.NonceSize + protocol.ConnectionIDSize
	out := make([]byte, outLen)
	r := hkdf.New(sha256.New, ikm, h.h, []byte("silk traffic"))
	if _, err := r.Read(out); err != nil {
		return nil, err
	}

	res := &Result{
		RootSecret:      out[:32],
		RemoteStatic:    *h.remoteStatic,
		RemoteEphemeral: *h.remoteEphemeral,
		LocalEphemeral:  h.localEphemeral,
	}
	var keyI2R, keyR2I [32]byte
	var saltI2R, saltR2I [chacha20poly1305.NonceSize]byte
	copy(keyI2R[:], out[32:64])
	copy(keyR2I[:], out[64:96])
	copy(saltI2R[:], out[96:96+chacha20poly1305.NonceSize])
	copy(saltR2I[:], out[96+chacha20poly1305.NonceSize:96+2*chacha20poly1305.NonceSize])
	copy(res.CID[:], out[96+2*chacha20poly1305.NonceSize:])

	if h.perspective == protocol.PerspectiveInitiator {
		res.SendKey, res.RecvKey = keyI2R, keyR2I
		res.SendSalt, res.RecvSalt = saltI2R, saltR2I
	} else {
		res.SendKey, res.RecvKey = keyR2I, keyI2R
		res.SendSalt, res.RecvSalt = saltR2I, saltI2R
	}

	// The CID must never be the reserved handshake marker.
	if res.CID == protocol.HandshakeConnectionID {
		res.CID[0] = 0
	}

	for i := range ikm {
		ikm[i] = 0
	}
	return res, nil
}
