// +build unit

package transport

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verinet/attest/session"
)

var testMessageTypes = []string{"ping", "pong"}

// testPeering wires two transports back to back through loopback handshakes
func testPeering(t *testing.T) (*Transport, *Transport) {
	bobSessions := session.NewManager("bob", nil)
	aliceSessions := session.NewManager("alice", func(ctx context.Context, peerIdentity string, req *session.HandshakeRequest) (*session.HandshakeResponse, error) {
		return bobSessions.RespondHandshake("alice", req)
	})

	alice := NewTransport(aliceSessions, testMessageTypes, nil)
	bob := NewTransport(bobSessions, testMessageTypes, nil)
	return alice, bob
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	alice, bob := testPeering(t)

	payload := map[string]interface{}{"value": "hello"}
	pkg, err := alice.Encrypt(context.Background(), "bob", "ping", payload)
	require.NoError(t, err)

	assert.Equal(t, ProtocolVersion, pkg.Ver)
	assert.Equal(t, "alice", pkg.Sender)
	assert.Equal(t, "bob", pkg.Recipient)
	assert.Equal(t, uint64(1), pkg.Seq)

	sender, plaintext, err := bob.Decrypt(pkg)
	require.NoError(t, err)
	assert.Equal(t, "alice", sender)

	decoded := map[string]interface{}{}
	require.NoError(t, json.Unmarshal(plaintext, &decoded))
	assert.Equal(t, "hello", decoded["value"])
}

func TestEncryptRejectsUnregisteredMessageType(t *testing.T) {
	alice, _ := testPeering(t)

	_, err := alice.Encrypt(context.Background(), "bob", "bogus", nil)
	require.Error(t, err)

	terr, ok := err.(*Error)
	require.True(t, ok)
	assert.Equal(t, ErrCodeMalformedPackage, terr.Code)
}

func TestDecryptRejectsReplayedPackage(t *testing.T) {
	alice, bob := testPeering(t)

	pkg, err := alice.Encrypt(context.Background(), "bob", "ping", map[string]interface{}{"n": 1})
	require.NoError(t, err)

	_, _, err = bob.Decrypt(pkg)
	require.NoError(t, err)

	_, _, err = bob.Decrypt(pkg)
	require.Error(t, err)
	terr, ok := err.(*Error)
	require.True(t, ok)
	assert.Equal(t, ErrCodeSequenceReplayed, terr.Code)
	assert.True(t, IsSessionRecoverable(err))
}

func TestDecryptRejectsTamperedContext(t *testing.T) {
	alice, bob := testPeering(t)

	encrypt := func() *EncryptedPackage {
		pkg, err := alice.Encrypt(context.Background(), "bob", "ping", map[string]interface{}{"n": 1})
		require.NoError(t, err)
		return pkg
	}

	assertCode := func(pkg *EncryptedPackage, code string) {
		_, _, err := bob.Decrypt(pkg)
		require.Error(t, err)
		terr, ok := err.(*Error)
		require.True(t, ok)
		assert.Equal(t, code, terr.Code)
	}

	pkg := encrypt()
	pkg.Ver = "0.9"
	assertCode(pkg, ErrCodeVersionMismatch)

	pkg = encrypt()
	pkg.Recipient = "carol"
	assertCode(pkg, ErrCodeContextMismatch)

	pkg = encrypt()
	pkg.MessageType = "bogus"
	assertCode(pkg, ErrCodeContextMismatch)

	// flipping the message type to another registered type breaks the AAD
	pkg = encrypt()
	pkg.MessageType = "pong"
	assertCode(pkg, ErrCodeDecryptionFailed)

	pkg = encrypt()
	pkg.Seq = pkg.Seq + 1
	assertCode(pkg, ErrCodeDecryptionFailed)

	pkg = encrypt()
	pkg.Ciphertext = "%%% not base64 %%%"
	assertCode(pkg, ErrCodeMalformedPackage)

	pkg = encrypt()
	pkg.SessionID = ""
	assertCode(pkg, ErrCodeMalformedPackage)
}

func TestDecryptRejectsUnknownSession(t *testing.T) {
	alice, bob := testPeering(t)

	pkg, err := alice.Encrypt(context.Background(), "bob", "ping", nil)
	require.NoError(t, err)

	bob.Sessions().InvalidatePeer("alice", "testing")

	_, _, err = bob.Decrypt(pkg)
	require.Error(t, err)
	terr, ok := err.(*Error)
	require.True(t, ok)
	assert.Equal(t, ErrCodeSessionNotFound, terr.Code)
	assert.True(t, IsSessionRecoverable(err))
}

func TestDeterministicIVDerivation(t *testing.T) {
	iv1 := deriveIV("session-a", 1)
	iv2 := deriveIV("session-a", 1)
	assert.Equal(t, iv1, iv2)
	assert.Len(t, iv1, 12)

	assert.NotEqual(t, iv1, deriveIV("session-a", 2))
	assert.NotEqual(t, iv1, deriveIV("session-b", 1))
}

func TestSequenceNumbersAreMonotonicAcrossPackages(t *testing.T) {
	alice, bob := testPeering(t)

	for expected := uint64(1); expected <= 5; expected++ {
		pkg, err := alice.Encrypt(context.Background(), "bob", "ping", map[string]interface{}{"n": expected})
		require.NoError(t, err)
		assert.Equal(t, expected, pkg.Seq)

		_, _, err = bob.Decrypt(pkg)
		require.NoError(t, err)
	}
}

func TestExchangeRetriesOnceOnStaleSession(t *testing.T) {
	bobSessions := session.NewManager("bob", nil)
	aliceSessions := session.NewManager("alice", func(ctx context.Context, peerIdentity string, req *session.HandshakeRequest) (*session.HandshakeResponse, error) {
		return bobSessions.RespondHandshake("alice", req)
	})

	bob := NewTransport(bobSessions, testMessageTypes, nil)

	attempts := 0
	sender := func(ctx context.Context, peerIdentity string, pkg *EncryptedPackage) (*EncryptedPackage, error) {
		attempts++
		_, plaintext, err := bob.Decrypt(pkg)
		if err != nil {
			return nil, err
		}
		var echoed interface{}
		if err := json.Unmarshal(plaintext, &echoed); err != nil {
			return nil, err
		}
		return bob.encryptForSession(mustLookup(bobSessions, pkg.SessionID), "pong", echoed)
	}
	alice := NewTransport(aliceSessions, testMessageTypes, sender)

	// prime a session, then drop it on bob's side only; the first attempt
	// fails with session_not_found and the retry renegotiates
	_, err := aliceSessions.Session(context.Background(), "bob")
	require.NoError(t, err)
	bobSessions.InvalidatePeer("alice", "simulated restart")

	response, err := alice.Exchange(context.Background(), "bob", "ping", map[string]interface{}{"value": 42})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)

	decoded := map[string]interface{}{}
	require.NoError(t, json.Unmarshal(response, &decoded))
	assert.Equal(t, float64(42), decoded["value"])
}

func mustLookup(m *session.Manager, sessionID string) *session.Session {
	sess, err := m.Lookup(sessionID)
	if err != nil {
		panic(err)
	}
	return sess
}
