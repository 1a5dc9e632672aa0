package handshake

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"github.com/agl/ed25519/extra25519"
	"golang.org/x/crypto/curve25519"
)

const (
	// PublicKeySize is the length of a Curve25519 public key.
	PublicKeySize = 32

	// RepresentativeSize is the length of an Elligator representative.
	RepresentativeSize = 32

	// PrivateKeySize is the length of a Curve25519 private key.
	PrivateKeySize = 32

	// SharedSecretSize is the length of a Curve25519 shared secret.
	SharedSecretSize = 32
)

// keypairRetries bounds the Elligator encoding retry loop. Each attempt
// succeeds with probability ~0.5, so hitting this bound indicates a broken
// CSPRNG rather than bad luck.
const keypairRetries = 64

// PublicKey is a Curve25519 public key in little-endian byte order.
type PublicKey [PublicKeySize]byte

// Bytes returns a pointer to the raw Curve25519 public key.
func (k *PublicKey) Bytes() *[PublicKeySize]byte {
	return (*[PublicKeySize]byte)(k)
}

// FromBytes deserializes the byte slice b into the PublicKey.
func (k *PublicKey) FromBytes(b []byte) error {
	if len(b) != PublicKeySize {
		return fmt.Errorf("handshake: invalid public key length: %d", len(b))
	}
	copy(k[:], b)
	return nil
}

// Representative is an Elligator representative of a Curve25519 public key.
// It is indistinguishable from 32 uniform random bytes.
type Representative [RepresentativeSize]byte

// Bytes returns a pointer to the raw representative.
func (repr *Representative) Bytes() *[RepresentativeSize]byte {
	return (*[RepresentativeSize]byte)(repr)
}

// ToPublic converts an Elligator representative to a Curve25519 public key.
// The mapping is total: every 32 byte string maps to some valid point.
func (repr *Representative) ToPublic() *PublicKey {
	pub := new(PublicKey)
	extra25519.RepresentativeToPublicKey(pub.Bytes(), repr.Bytes())
	return pub
}

// PrivateKey is a Curve25519 private key in little-endian byte order.
type PrivateKey [PrivateKeySize]byte

// Bytes returns a pointer to the raw Curve25519 private key.
func (k *PrivateKey) Bytes() *[PrivateKeySize]byte {
	return (*[PrivateKeySize]byte)(k)
}

// Wipe overwrites the private key material.
func (k *PrivateKey) Wipe() {
	for i := range k {
		k[i] = 0
	}
}

// Keypair is a Curve25519 keypair with an optional Elligator representative.
// Only ~50% of freshly generated keys have a representative, generation
// retries until it finds an encodable one.
type Keypair struct {
	public         *PublicKey
	private        *PrivateKey
	representative *Representative
}

// Public returns the Curve25519 public key belonging to the Keypair.
func (keypair *Keypair) Public() *PublicKey {
	return keypair.public
}

// Private returns the Curve25519 private key belonging to the Keypair.
func (keypair *Keypair) Private() *PrivateKey {
	return keypair.private
}

// Representative returns the Elligator representative of the public key
// belonging to the Keypair, or nil if none was generated.
func (keypair *Keypair) Representative() *Representative {
	return keypair.representative
}

// HasElligator returns true if the Keypair has an Elligator representative.
func (keypair *Keypair) HasElligator() bool {
	return keypair.representative != nil
}

// SharedSecret computes the Curve25519 shared secret with the peer's public key.
func (keypair *Keypair) SharedSecret(peer *PublicKey) ([]byte, error) {
	return curve25519.X25519(keypair.private[:], peer[:])
}

// Wipe erases the private key material.
func (keypair *Keypair) Wipe() {
	keypair.private.Wipe()
}

// NewKeypair generates a new Curve25519 keypair, and optionally also the
// Elligator representative of the public key.
func NewKeypair(elligator bool) (*Keypair, error) {
	keypair := new(Keypair)
	keypair.private = new(PrivateKey)
	keypair.public = new(PublicKey)
	if elligator {
		keypair.representative = new(Representative)
	}

	for i := 0; ; i++ {
		// The scalar is the clamped SHA256 of the CSPRNG output, never the
		// raw RNG state.
		priv := keypair.private.Bytes()[:]
		if _, err := rand.Read(priv); err != nil {
			return nil, err
		}
		digest := sha256.Sum256(priv)
		digest[0] &= 248
		digest[31] &= 127
		digest[31] |= 64
		copy(priv, digest[:])

		if elligator {
			// Apply the Elligator transform. This fails ~50% of the time.
			if !extra25519.ScalarBaseMult(keypair.public.Bytes(),
				keypair.representative.Bytes(),
				keypair.private.Bytes()) {
				if i >= keypairRetries {
					return nil, fmt.Errorf("handshake: no encodable key after %d attempts", i)
				}
				continue
			}
		} else {
			curve25519.ScalarBaseMult(keypair.public.Bytes(),
				keypair.private.Bytes())
		}

		return keypair, nil
	}
}

// NewKeypairFromPrivate rebuilds a static identity keypair from stored
// private key bytes.
func NewKeypairFromPrivate(priv []byte) (*Keypair, error) {
	if len(priv) != PrivateKeySize {
		return nil, fmt.Errorf("handshake: invalid private key length: %d", len(priv))
	}
	keypair := new(Keypair)
	keypair.private = new(PrivateKey)
	keypair.public = new(PublicKey)
	copy(keypair.private[:], priv)
	curve25519.ScalarBaseMult(keypair.public.Bytes(), keypair.private.Bytes())
	return keypair, nil
}
