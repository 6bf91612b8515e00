package crypto

import (
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// AEADNonceSize is the length in bytes of the 96-bit deterministic IV
const AEADNonceSize = chacha20poly1305.NonceSize

// Seal encrypts and authenticates the given plaintext under the 256-bit key,
// binding the additional authenticated data; the returned ciphertext carries
// the Poly1305 tag
func Seal(key []byte, nonce []byte, plaintext []byte, aad []byte) ([]byte, error) {
	if len(key) != SessionKeySize {
		return nil, fmt.Errorf("invalid AEAD key length: %d", len(key))
	}
	if len(nonce) != AEADNonceSize {
		return nil, fmt.Errorf("invalid AEAD nonce length: %d", len(nonce))
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}

	return aead.Seal(nil, nonce, plaintext, aad), nil
}

// Open authenticates and decrypts the given ciphertext; any tampering with
// the ciphertext, nonce or aad fails the tag check
func Open(key []byte, nonce []byte, ciphertext []byte, aad []byte) ([]byte, error) {
	if len(key) != SessionKeySize {
		return nil, fmt.Errorf("invalid AEAD key length: %d", len(key))
	}
	if len(nonce) != AEADNonceSize {
		return nil, fmt.Errorf("invalid AEAD nonce length: %d", len(nonce))
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("failed to open AEAD ciphertext; %s", err.Error())
	}

	return plaintext, nil
}
