/*
 * Copyright 2024-2026 Verinet Labs, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package transport

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/verinet/attest/common"
	"github.com/verinet/attest/crypto"
	"github.com/verinet/attest/session"
)

// Sender delivers an encrypted package to a peer and returns the peer's
// encrypted response; a structured error response from the peer surfaces as
// a *Error
type Sender func(ctx context.Context, peerIdentity string, pkg *EncryptedPackage) (*EncryptedPackage, error)

// Transport encrypts outbound payloads and authenticates/decrypts inbound
// payloads under a session's directional keys. The set of supported message
// types is an explicit table passed at construction; there is no global
// registry.
type Transport struct {
	sessions     *session.Manager
	messageTypes map[string]struct{}
	send         Sender
}

// NewTransport constructs a transport over the given session manager with
// the explicit message-type table
func NewTransport(sessions *session.Manager, messageTypes []string, send Sender) *Transport {
	registry := make(map[string]struct{}, len(messageTypes))
	for _, typ := range messageTypes {
		registry[typ] = struct{}{}
	}

	return &Transport{
		sessions:     sessions,
		messageTypes: registry,
		send:         send,
	}
}

// Sessions exposes the underlying session manager
func (t *Transport) Sessions() *session.Manager {
	return t.sessions
}

// deriveIV computes the deterministic 96-bit IV: the first 4 bytes of
// SHA256(session_id) concatenated with the 8-byte big-endian sequence
// number. Uniqueness holds exactly as long as sequence numbers are never
// reused within the session; that is a hard invariant, not an optimization.
func deriveIV(sessionID string, seq uint64) []byte {
	digest := sha256.Sum256([]byte(sessionID))
	iv := make([]byte, 0, crypto.AEADNonceSize)
	iv = append(iv, digest[:4]...)
	iv = append(iv, common.Uint64ToBytes(seq)...)
	return iv
}

// buildAAD binds the full message context into the AEAD seal
func buildAAD(sender, recipient, messageType, sessionID string, seq uint64) []byte {
	aad := []byte(fmt.Sprintf("%s|%s|%s|%s|%s|", aadPrefix, sender, recipient, messageType, sessionID))
	return append(aad, common.Uint64ToBytes(seq)...)
}

// Encrypt serializes the payload deterministically and seals it for the
// given peer under the session's outbound directional key, resolving (or
// negotiating) a session as needed
func (t *Transport) Encrypt(ctx context.Context, peerIdentity, messageType string, payload interface{}) (*EncryptedPackage, error) {
	if _, supported := t.messageTypes[messageType]; !supported {
		return nil, NewError(ErrCodeMalformedPackage, fmt.Sprintf("unsupported message type: %s", messageType))
	}

	sess, err := t.sessions.Session(ctx, peerIdentity)
	if err != nil {
		return nil, wrapSessionError(err)
	}

	return t.encryptForSession(sess, messageType, payload)
}

func (t *Transport) encryptForSession(sess *session.Session, messageType string, payload interface{}) (*EncryptedPackage, error) {
	plaintext, err := json.Marshal(payload)
	if err != nil {
		return nil, NewError(ErrCodeMalformedPackage, fmt.Sprintf("failed to serialize payload; %s", err.Error()))
	}

	seq, err := sess.NextSeq()
	if err != nil {
		t.sessions.Invalidate(sess.ID, "sequence space exhausted")
		return nil, wrapSessionError(err)
	}

	sender := t.sessions.Identity()
	recipient := sess.PeerIdentity
	sessionID := sess.ID.String()

	iv := deriveIV(sessionID, seq)
	aad := buildAAD(sender, recipient, messageType, sessionID, seq)

	ciphertext, err := crypto.Seal(sess.SendKey(), iv, plaintext, aad)
	if err != nil {
		return nil, NewError(ErrCodeDecryptionFailed, err.Error())
	}

	sess.Touch()

	return &EncryptedPackage{
		Ver:         ProtocolVersion,
		SessionID:   sessionID,
		Seq:         seq,
		Ciphertext:  base64.StdEncoding.EncodeToString(ciphertext),
		Sender:      sender,
		Recipient:   recipient,
		MessageType: messageType,
	}, nil
}

// Decrypt authenticates and opens an inbound package. Version, recipient and
// message-type registration are checked before any AEAD work; the sender
// must match the session's peer identity (cross-context splicing is rejected
// before the tag is even examined). A replay or out-of-window verdict after
// a successful open is treated as an authentication failure.
func (t *Transport) Decrypt(pkg *EncryptedPackage) (string, []byte, error) {
	if pkg == nil || pkg.SessionID == "" || pkg.Ciphertext == "" {
		return "", nil, NewError(ErrCodeMalformedPackage, "missing required package fields")
	}

	if pkg.Ver != ProtocolVersion {
		return "", nil, NewError(ErrCodeVersionMismatch, fmt.Sprintf("unsupported protocol version: %s", pkg.Ver))
	}

	if pkg.Recipient != t.sessions.Identity() {
		return "", nil, NewError(ErrCodeContextMismatch, "package recipient does not match local identity")
	}

	if _, supported := t.messageTypes[pkg.MessageType]; !supported {
		return "", nil, NewError(ErrCodeContextMismatch, fmt.Sprintf("unsupported message type: %s", pkg.MessageType))
	}

	sess, err := t.sessions.Lookup(pkg.SessionID)
	if err != nil {
		return "", nil, wrapSessionError(err)
	}

	if pkg.Sender != sess.PeerIdentity {
		return "", nil, NewError(ErrCodeContextMismatch, "package sender does not match session peer")
	}

	ciphertext, err := base64.StdEncoding.DecodeString(pkg.Ciphertext)
	if err != nil {
		return "", nil, NewError(ErrCodeMalformedPackage, "ciphertext is not valid base64")
	}

	iv := deriveIV(pkg.SessionID, pkg.Seq)
	aad := buildAAD(pkg.Sender, pkg.Recipient, pkg.MessageType, pkg.SessionID, pkg.Seq)

	plaintext, err := crypto.Open(sess.ReceiveKey(), iv, ciphertext, aad)
	if err != nil {
		return "", nil, NewError(ErrCodeDecryptionFailed, err.Error())
	}

	if err := sess.ValidateInbound(pkg.Seq); err != nil {
		common.Log.Warningf("rejected sequence %d on session %s from peer %s; %s", pkg.Seq, pkg.SessionID, pkg.Sender, err.Error())
		return "", nil, wrapSessionError(err)
	}

	sess.Touch()
	return sess.PeerIdentity, plaintext, nil
}

// Exchange encrypts a request, delivers it, and decrypts the peer's
// response. On a session-lifecycle error from the peer the locally cached
// session is invalidated and the exchange is retried exactly once; all
// other errors are surfaced to the caller.
func (t *Transport) Exchange(ctx context.Context, peerIdentity, messageType string, payload interface{}) ([]byte, error) {
	if t.send == nil {
		return nil, fmt.Errorf("transport has no sender configured")
	}

	response, err := t.exchangeOnce(ctx, peerIdentity, messageType, payload)
	if err != nil && IsSessionRecoverable(err) {
		common.Log.Debugf("recoverable transport error with peer %s; invalidating session and retrying once; %s", peerIdentity, err.Error())
		t.sessions.InvalidatePeer(peerIdentity, "stale session reported by peer")
		response, err = t.exchangeOnce(ctx, peerIdentity, messageType, payload)
	}

	return response, err
}

func (t *Transport) exchangeOnce(ctx context.Context, peerIdentity, messageType string, payload interface{}) ([]byte, error) {
	pkg, err := t.Encrypt(ctx, peerIdentity, messageType, payload)
	if err != nil {
		return nil, err
	}

	resp, err := t.send(ctx, peerIdentity, pkg)
	if err != nil {
		return nil, err
	}

	sender, plaintext, err := t.Decrypt(resp)
	if err != nil {
		return nil, err
	}
	if sender != peerIdentity {
		return nil, NewError(ErrCodeContextMismatch, "response sender does not match request peer")
	}

	return plaintext, nil
}
