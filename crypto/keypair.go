package crypto

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// EphemeralKeyPairSize is the length in bytes of an X25519 public or private key
const EphemeralKeyPairSize = 32

// HandshakeNonceSize is the length in bytes of a handshake nonce
const HandshakeNonceSize = 16

// EphemeralKeyPair is a single-use X25519 keypair generated per handshake;
// the private scalar never leaves the process and is discarded with the session
type EphemeralKeyPair struct {
	Public  [EphemeralKeyPairSize]byte
	private [EphemeralKeyPairSize]byte
}

// GenerateEphemeralKeyPair generates an ephemeral X25519 keypair
func GenerateEphemeralKeyPair() (*EphemeralKeyPair, error) {
	keypair := &EphemeralKeyPair{}
	if _, err := rand.Read(keypair.private[:]); err != nil {
		return nil, fmt.Errorf("failed to generate ephemeral keypair; %s", err.Error())
	}

	pub, err := curve25519.X25519(keypair.private[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("failed to derive ephemeral public key; %s", err.Error())
	}
	copy(keypair.Public[:], pub)

	return keypair, nil
}

// SharedSecret computes the X25519 shared secret between the keypair's
// private scalar and the given peer public key
func (k *EphemeralKeyPair) SharedSecret(peerPublic []byte) ([]byte, error) {
	if len(peerPublic) != EphemeralKeyPairSize {
		return nil, fmt.Errorf("invalid peer public key length: %d", len(peerPublic))
	}

	secret, err := curve25519.X25519(k.private[:], peerPublic)
	if err != nil {
		return nil, fmt.Errorf("failed to compute shared secret; %s", err.Error())
	}

	return secret, nil
}

// Zeroize overwrites the private scalar
func (k *EphemeralKeyPair) Zeroize() {
	for i := range k.private {
		k.private[i] = 0
	}
}
