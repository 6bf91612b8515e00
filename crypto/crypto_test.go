// +build unit

package crypto

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSharedSecretAgreement(t *testing.T) {
	alice, err := GenerateEphemeralKeyPair()
	require.NoError(t, err)
	bob, err := GenerateEphemeralKeyPair()
	require.NoError(t, err)

	ab, err := alice.SharedSecret(bob.Public[:])
	require.NoError(t, err)
	ba, err := bob.SharedSecret(alice.Public[:])
	require.NoError(t, err)

	assert.Equal(t, ab, ba)
	assert.Len(t, ab, EphemeralKeyPairSize)
}

func TestSharedSecretRejectsMalformedPeerKey(t *testing.T) {
	keypair, err := GenerateEphemeralKeyPair()
	require.NoError(t, err)

	_, err = keypair.SharedSecret([]byte{0x01, 0x02})
	assert.Error(t, err)
}

func testNonce(t *testing.T) []byte {
	nonce := make([]byte, HandshakeNonceSize)
	_, err := rand.Read(nonce)
	require.NoError(t, err)
	return nonce
}

func TestDeriveSessionKeysBothSidesAgree(t *testing.T) {
	client, err := GenerateEphemeralKeyPair()
	require.NoError(t, err)
	server, err := GenerateEphemeralKeyPair()
	require.NoError(t, err)

	clientNonce := testNonce(t)
	serverNonce := testNonce(t)

	clientSecret, err := client.SharedSecret(server.Public[:])
	require.NoError(t, err)
	serverSecret, err := server.SharedSecret(client.Public[:])
	require.NoError(t, err)

	clientKeys, err := DeriveSessionKeys(clientSecret, clientNonce, serverNonce, "alice", "bob", client.Public[:], server.Public[:])
	require.NoError(t, err)
	serverKeys, err := DeriveSessionKeys(serverSecret, clientNonce, serverNonce, "alice", "bob", client.Public[:], server.Public[:])
	require.NoError(t, err)

	assert.Equal(t, clientKeys.KCS, serverKeys.KCS)
	assert.Equal(t, clientKeys.KSC, serverKeys.KSC)
	assert.NotEqual(t, clientKeys.KCS, clientKeys.KSC)
}

func TestDeriveSessionKeysBindContext(t *testing.T) {
	client, err := GenerateEphemeralKeyPair()
	require.NoError(t, err)
	server, err := GenerateEphemeralKeyPair()
	require.NoError(t, err)

	clientNonce := testNonce(t)
	serverNonce := testNonce(t)

	secret, err := client.SharedSecret(server.Public[:])
	require.NoError(t, err)

	baseline, err := DeriveSessionKeys(secret, clientNonce, serverNonce, "alice", "bob", client.Public[:], server.Public[:])
	require.NoError(t, err)

	// any change to peer identities or nonces must yield unrelated keys
	swapped, err := DeriveSessionKeys(secret, clientNonce, serverNonce, "bob", "alice", client.Public[:], server.Public[:])
	require.NoError(t, err)
	assert.NotEqual(t, baseline.KCS, swapped.KCS)
	assert.NotEqual(t, baseline.KSC, swapped.KSC)

	otherNonce := testNonce(t)
	renonced, err := DeriveSessionKeys(secret, otherNonce, serverNonce, "alice", "bob", client.Public[:], server.Public[:])
	require.NoError(t, err)
	assert.NotEqual(t, baseline.KCS, renonced.KCS)
}

func TestDeriveSessionKeysValidation(t *testing.T) {
	client, err := GenerateEphemeralKeyPair()
	require.NoError(t, err)
	server, err := GenerateEphemeralKeyPair()
	require.NoError(t, err)

	nonce := testNonce(t)

	_, err = DeriveSessionKeys(nil, nonce, nonce, "alice", "bob", client.Public[:], server.Public[:])
	assert.Error(t, err)

	_, err = DeriveSessionKeys([]byte{0x01}, nonce[:8], nonce, "alice", "bob", client.Public[:], server.Public[:])
	assert.Error(t, err)

	_, err = DeriveSessionKeys([]byte{0x01}, nonce, nonce, "alice", "bob", client.Public[:4], server.Public[:])
	assert.Error(t, err)
}

func TestAEADRoundTrip(t *testing.T) {
	key := make([]byte, SessionKeySize)
	_, err := rand.Read(key)
	require.NoError(t, err)

	nonce := make([]byte, AEADNonceSize)
	_, err = rand.Read(nonce)
	require.NoError(t, err)

	plaintext := []byte(`{"challenge_id":"c1"}`)
	aad := []byte("attest-v1|alice|bob")

	ciphertext, err := Seal(key, nonce, plaintext, aad)
	require.NoError(t, err)
	assert.NotEqual(t, plaintext, ciphertext)

	opened, err := Open(key, nonce, ciphertext, aad)
	require.NoError(t, err)
	assert.Equal(t, plaintext, opened)
}

func TestAEADRejectsTampering(t *testing.T) {
	key := make([]byte, SessionKeySize)
	nonce := make([]byte, AEADNonceSize)

	ciphertext, err := Seal(key, nonce, []byte("payload"), []byte("aad"))
	require.NoError(t, err)

	tampered := append([]byte{}, ciphertext...)
	tampered[0] ^= 0x01
	_, err = Open(key, nonce, tampered, []byte("aad"))
	assert.Error(t, err)

	_, err = Open(key, nonce, ciphertext, []byte("other aad"))
	assert.Error(t, err)

	otherNonce := make([]byte, AEADNonceSize)
	otherNonce[0] = 0x01
	_, err = Open(key, otherNonce, ciphertext, []byte("aad"))
	assert.Error(t, err)
}

func TestAttestationSignVerifyRoundTrip(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	message := AttestationMessage("ecdsa-p256-v1", 42, "gpu-0", "deadbeef")
	assert.Equal(t, []byte("ecdsa-p256-v1|42|gpu-0|deadbeef"), message)

	signature, err := SignAttestation(key, message)
	require.NoError(t, err)
	require.Len(t, signature, 64)

	assert.True(t, VerifyAttestation(&key.PublicKey, message, signature))

	other := AttestationMessage("ecdsa-p256-v1", 43, "gpu-0", "deadbeef")
	assert.False(t, VerifyAttestation(&key.PublicKey, other, signature))
}

func TestDecodeAttestationSignatureEncodings(t *testing.T) {
	raw := make([]byte, 64)
	_, err := rand.Read(raw)
	require.NoError(t, err)

	decoded, err := DecodeAttestationSignature(hex.EncodeToString(raw))
	require.NoError(t, err)
	assert.Equal(t, raw, decoded)

	decoded, err = DecodeAttestationSignature(base64.StdEncoding.EncodeToString(raw))
	require.NoError(t, err)
	assert.Equal(t, raw, decoded)

	_, err = DecodeAttestationSignature("")
	assert.Error(t, err)

	_, err = DecodeAttestationSignature(hex.EncodeToString(raw[:32]))
	assert.Error(t, err)

	_, err = DecodeAttestationSignature("!! not an encoding !!")
	assert.Error(t, err)
}

func TestParseVerifyingKey(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	uncompressed := elliptic.Marshal(elliptic.P256(), key.X, key.Y)
	parsed, err := ParseVerifyingKey(hex.EncodeToString(uncompressed))
	require.NoError(t, err)
	assert.Equal(t, 0, parsed.X.Cmp(key.X))
	assert.Equal(t, 0, parsed.Y.Cmp(key.Y))

	compressed := elliptic.MarshalCompressed(elliptic.P256(), key.X, key.Y)
	parsed, err = ParseVerifyingKey(hex.EncodeToString(compressed))
	require.NoError(t, err)
	assert.Equal(t, 0, parsed.X.Cmp(key.X))

	_, err = ParseVerifyingKey("zz")
	assert.Error(t, err)

	_, err = ParseVerifyingKey(hex.EncodeToString(uncompressed[:10]))
	assert.Error(t, err)
}

func TestZeroizeClearsPrivateScalar(t *testing.T) {
	keypair, err := GenerateEphemeralKeyPair()
	require.NoError(t, err)

	peer, err := GenerateEphemeralKeyPair()
	require.NoError(t, err)

	before, err := keypair.SharedSecret(peer.Public[:])
	require.NoError(t, err)

	keypair.Zeroize()

	// an all-zero scalar can no longer reproduce the shared secret
	after, err := keypair.SharedSecret(peer.Public[:])
	if err == nil {
		assert.NotEqual(t, before, after)
	}
}
