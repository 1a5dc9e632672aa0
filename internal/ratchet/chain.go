package ratchet

import (
	"crypto/hmac"
	"crypto/sha256"
	"errors"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/silktransport/silk/internal/protocol"
)

var (
	chainKeyStepLabel = []byte("silk chain")
	messageKeyLabel   = []byte("silk msg")
)

var (
	// ErrDecryptFailed is returned when a packet doesn't authenticate under
	// any available key.
	ErrDecryptFailed = errors.New("ratchet: cannot decrypt")
	// ErrKeyConsumed is returned for a sequence number whose key was already
	// used or fell out of the skipped-key cache. The packet is stale, drop it.
	ErrKeyConsumed = errors.New("ratchet: message key no longer available")
	// ErrTooFarAhead is returned when a packet would require skipping more
	// keys than the cache holds.
	ErrTooFarAhead = errors.New("ratchet: sequence number too far ahead")
)

// deriveKey computes HMAC(key, label) without retaining intermediate state.
func deriveKey(key *memguard.LockedBuffer, label []byte) []byte {
	m := hmac.New(sha256.New, key.Bytes())
	m.Write(label)
	return m.Sum(nil)
}

func newAEAD(key []byte) *memguard.LockedBuffer {
	return memguard.NewBufferFromBytes(key)
}

func sealWithKey(key *memguard.LockedBuffer, nonce, ad, plaintext []byte) []byte {
	aead, err := chacha20poly1305.New(key.Bytes())
	if err != nil {
		panic(err)
	}
	return aead.Seal(nil, nonce, plaintext, ad)
}

func openWithKey(key *memguard.LockedBuffer, nonce, ad, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key.Bytes())
	if err != nil {
		panic(err)
	}
	return aead.Open(nil, nonce, ciphertext, ad)
}

func packetNonce(salt [chacha20poly1305.NonceSize]byte, epoch uint32, seq protocol.SequenceNumber) []byte {
	nonce := make([]byte, chacha20poly1305.NonceSize)
	copy(nonce, salt[:])
	nonce[4] ^= byte(epoch >> 24)
	nonce[5] ^= byte(epoch >> 16)
	nonce[6] ^= byte(epoch >> 8)
	nonce[7] ^= byte(epoch)
	nonce[8] ^= byte(seq >> 24)
	nonce[9] ^= byte(seq >> 16)
	nonce[10] ^= byte(seq >> 8)
	nonce[11] ^= byte(seq)
	return nonce
}

// A sendChain derives one message key per outgoing packet and ratchets
// forward. The pre-update chain key and the message key are wiped as soon as
// the packet is sealed.
type sendChain struct {
	ck    *memguard.LockedBuffer
	salt  [chacha20poly1305.NonceSize]byte
	epoch uint32
	seq   protocol.SequenceNumber
}

// Sequence numbers continue across epochs: the loss detection ledger and the
// ack tracker key on one session-wide sequence space.
func newSendChain(key [32]byte, salt [chacha20poly1305.NonceSize]byte, epoch uint32, startSeq protocol.SequenceNumber) *sendChain {
	return &sendChain{
		ck:    memguard.NewBufferFromBytes(key[:]),
		salt:  salt,
		epoch: epoch,
		seq:   startSeq,
	}
}

// NextSeq returns the sequence number the next Seal call will use.
func (c *sendChain) NextSeq() protocol.SequenceNumber {
	return c.seq
}

// Seal encrypts one packet and advances the chain.
func (c *sendChain) Seal(ad, plaintext []byte) (ciphertext []byte, seq protocol.SequenceNumber) {
	seq = c.seq
	msgKey := newAEAD(deriveKey(c.ck, messageKeyLabel))
	next := memguard.NewBufferFromBytes(deriveKey(c.ck, chainKeyStepLabel))
	c.ck.Destroy()
	c.ck = next

	ciphertext = sealWithKey(msgKey, packetNonce(c.salt, c.epoch, seq), ad, plaintext)
	msgKey.Destroy()
	c.seq++
	return ciphertext, seq
}

func (c *sendChain) destroy() {
	if c.ck.IsAlive() {
		c.ck.Destroy()
	}
}

// A recvChain mirrors the peer's send chain. Keys for sequence numbers that
// arrive out of order are cached until used, bounded by
// protocol.MaxSkippedMessageKeys.
type recvChain struct {
	ck      *memguard.LockedBuffer
	salt    [chacha20poly1305.NonceSize]byte
	epoch   uint32
	next    protocol.SequenceNumber
	skipped map[protocol.SequenceNumber]*memguard.LockedBuffer
}

func newRecvChain(key [32]byte, salt [chacha20poly1305.NonceSize]byte, epoch uint32, next protocol.SequenceNumber) *recvChain {
	return &recvChain{
		ck:      memguard.NewBufferFromBytes(key[:]),
		salt:    salt,
		epoch:   epoch,
		next:    next,
		skipped: make(map[protocol.SequenceNumber]*memguard.LockedBuffer),
	}
}

// fastForward steps the chain to the given sequence number without caching
// message keys. Used when the sequence numbers being skipped are known to
// belong to the previous epoch.
func (c *recvChain) fastForward(to protocol.SequenceNumber) {
	for c.next.Less(to) {
		next := memguard.NewBufferFromBytes(deriveKey(c.ck, chainKeyStepLabel))
		c.ck.Destroy()
		c.ck = next
		c.next++
	}
}

// Open decrypts the packet with the given sequence number. The chain state
// only advances once the packet authenticated, a forgery leaves the chain
// untouched.
func (c *recvChain) Open(ad, ciphertext []byte, seq protocol.SequenceNumber) ([]byte, error) {
	nonce := packetNonce(c.salt, c.epoch, seq)

	if seq.Less(c.next) {
		key, ok := c.skipped[seq]
		if !ok {
			return nil, ErrKeyConsumed
		}
		plaintext, err := openWithKey(key, nonce, ad, ciphertext)
		if err != nil {
			return nil, ErrDecryptFailed
		}
		key.Destroy()
		delete(c.skipped, seq)
		return plaintext, nil
	}

	skip := uint32(seq - c.next)
	if skip > protocol.MaxSkippedMessageKeys {
		return nil, ErrTooFarAhead
	}

	// Walk a copy of the chain forward. Nothing is committed until the
	// packet authenticates.
	ck := memguard.NewBufferFromBytes(append([]byte(nil), c.ck.Bytes()...))
	candidates := make(map[protocol.SequenceNumber]*memguard.LockedBuffer, skip)
	for s := c.next; s != seq; s++ {
		candidates[s] = newAEAD(deriveKey(ck, messageKeyLabel))
		next := memguard.NewBufferFromBytes(deriveKey(ck, chainKeyStepLabel))
		ck.Destroy()
		ck = next
	}
	msgKey := newAEAD(deriveKey(ck, messageKeyLabel))
	nextCk := memguard.NewBufferFromBytes(deriveKey(ck, chainKeyStepLabel))
	ck.Destroy()

	plaintext, err := openWithKey(msgKey, nonce, ad, ciphertext)
	msgKey.Destroy()
	if err != nil {
		nextCk.Destroy()
		for _, k := range candidates {
			k.Destroy()
		}
		return nil, ErrDecryptFailed
	}

	// Commit: cache the skipped keys, evicting the oldest beyond the bound.
	for s, k := range candidates {
		c.skipped[s] = k
	}
	for len(c.skipped) > protocol.MaxSkippedMessageKeys {
		var oldest protocol.SequenceNumber
		first := true
		for s := range c.skipped {
			if first || s.Less(oldest) {
				oldest = s
				first = false
			}
		}
		c.skipped[oldest].Destroy()
		delete(c.skipped, oldest)
	}
	c.ck.Destroy()
	c.ck = nextCk
	c.next = seq + 1
	return plaintext, nil
}

func (c *recvChain) destroy() {
	if c.ck.IsAlive() {
		c.ck.Destroy()
	}
	for s, k := range c.skipped {
		k.Destroy()
		delete(c.skipped, s)
	}
}
