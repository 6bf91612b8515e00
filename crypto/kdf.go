package crypto

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// SessionKeySize is the length in bytes of a directional AEAD session key
const SessionKeySize = 32

// kdfAlgorithmID is bound into the HKDF info of every derivation so keys
// negotiated under a different suite can never collide with these
const kdfAlgorithmID = "x25519-hkdf-sha256-chacha20poly1305"

const directionLabelClientServer = "client->server"
const directionLabelServerClient = "server->client"

// SessionKeys holds the two independent directional keys derived from a
// single handshake; KCS protects client-to-server traffic, KSC the reverse
type SessionKeys struct {
	KCS [SessionKeySize]byte
	KSC [SessionKeySize]byte
}

// DeriveSessionKeys derives both directional session keys from the ECDH
// shared secret. The salt is the concatenation of both handshake nonces and
// the info binds the direction label, both peer identities, both ephemeral
// public keys, both nonces and the algorithm identifier, so the derived keys
// are unique to this exact handshake context in both direction and peering.
func DeriveSessionKeys(
	sharedSecret []byte,
	clientNonce []byte,
	serverNonce []byte,
	clientIdentity string,
	serverIdentity string,
	clientPublic []byte,
	serverPublic []byte,
) (*SessionKeys, error) {
	if len(sharedSecret) == 0 {
		return nil, fmt.Errorf("failed to derive session keys; empty shared secret")
	}
	if len(clientNonce) != HandshakeNonceSize || len(serverNonce) != HandshakeNonceSize {
		return nil, fmt.Errorf("failed to derive session keys; invalid nonce length")
	}
	if len(clientPublic) != EphemeralKeyPairSize || len(serverPublic) != EphemeralKeyPairSize {
		return nil, fmt.Errorf("failed to derive session keys; invalid ephemeral public key length")
	}

	salt := make([]byte, 0, len(clientNonce)+len(serverNonce))
	salt = append(salt, clientNonce...)
	salt = append(salt, serverNonce...)

	keys := &SessionKeys{}

	kcs, err := deriveDirectionalKey(sharedSecret, salt, directionLabelClientServer, clientIdentity, serverIdentity, clientPublic, serverPublic, clientNonce, serverNonce)
	if err != nil {
		return nil, err
	}
	copy(keys.KCS[:], kcs)

	ksc, err := deriveDirectionalKey(sharedSecret, salt, directionLabelServerClient, clientIdentity, serverIdentity, clientPublic, serverPublic, clientNonce, serverNonce)
	if err != nil {
		return nil, err
	}
	copy(keys.KSC[:], ksc)

	return keys, nil
}

func deriveDirectionalKey(
	sharedSecret []byte,
	salt []byte,
	direction string,
	clientIdentity string,
	serverIdentity string,
	clientPublic []byte,
	serverPublic []byte,
	clientNonce []byte,
	serverNonce []byte,
) ([]byte, error) {
	info := make([]byte, 0, 256)
	info = append(info, []byte(direction)...)
	info = append(info, []byte(clientIdentity)...)
	info = append(info, []byte(serverIdentity)...)
	info = append(info, clientPublic...)
	info = append(info, serverPublic...)
	info = append(info, clientNonce...)
	info = append(info, serverNonce...)
	info = append(info, []byte(kdfAlgorithmID)...)

	reader := hkdf.New(sha256.New, sharedSecret, salt, info)
	key := make([]byte, SessionKeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("failed to derive %s session key; %s", direction, err.Error())
	}

	return key, nil
}
