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

package session

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	uuid "github.com/kthomas/go.uuid"

	"github.com/verinet/attest/common"
	"github.com/verinet/attest/crypto"
)

const cleanupInterval = time.Minute

// HandshakeRequest is the initiator's opening message
type HandshakeRequest struct {
	EphemeralPublicKey string `json:"ephemeral_pub"`
	ClientNonce        string `json:"client_nonce"`
}

// HandshakeResponse is the responder's answer completing key agreement
type HandshakeResponse struct {
	EphemeralPublicKey string    `json:"ephemeral_pub"`
	SessionID          string    `json:"session_id"`
	ServerNonce        string    `json:"server_nonce"`
	ExpiresAt          time.Time `json:"expires_at"`
}

// Initiator performs the handshake network round-trip on behalf of the
// manager; it is injected so the manager stays transport-agnostic
type Initiator func(ctx context.Context, peerIdentity string, req *HandshakeRequest) (*HandshakeResponse, error)

// InvalidationHook is invoked after a session has been removed from the
// table; key material is not exposed to the hook
type InvalidationHook func(sessionID uuid.UUID, peerIdentity string, reason string)

type handshakeFlight struct {
	done    chan struct{}
	session *Session
	err     error
}

// Manager owns the session table for one endpoint. It enforces the per-peer
// handshake quota, the per-peer concurrent session cap with LRU eviction,
// and the single-flight contract: concurrent callers needing a session with
// the same peer share exactly one in-flight handshake.
type Manager struct {
	identity string

	ttl              time.Duration
	windowSize       int
	maxPerPeer       int
	quota            int
	quotaWindow      time.Duration
	handshakeTimeout time.Duration

	initiator     Initiator
	onInvalidated InvalidationHook

	byID       map[string]*Session
	byPeer     map[string]map[string]*Session
	inflight   map[string]*handshakeFlight
	quotaMarks map[string][]time.Time
	mutex      sync.Mutex

	cancelCleanup context.CancelFunc
}

// NewManager constructs a session manager for the endpoint with the given
// authenticated identity
func NewManager(identity string, initiator Initiator) *Manager {
	return &Manager{
		identity:         identity,
		ttl:              common.DefaultSessionTTL,
		windowSize:       common.DefaultReplayWindowSize,
		maxPerPeer:       common.DefaultMaxSessionsPerPeer,
		quota:            common.DefaultHandshakeQuota,
		quotaWindow:      common.DefaultHandshakeQuotaWindow,
		handshakeTimeout: common.DefaultHandshakeTimeout,
		initiator:        initiator,
		byID:             map[string]*Session{},
		byPeer:           map[string]map[string]*Session{},
		inflight:         map[string]*handshakeFlight{},
		quotaMarks:       map[string][]time.Time{},
	}
}

// Identity returns the local endpoint identity
func (m *Manager) Identity() string {
	return m.identity
}

// SetInvalidationHook registers the hook invoked on session invalidation
func (m *Manager) SetInvalidationHook(hook InvalidationHook) {
	m.onInvalidated = hook
}

// RespondHandshake executes the responder half of the handshake for the
// given authenticated peer identity. Malformed field lengths and quota
// violations are rejected before any asymmetric crypto runs.
func (m *Manager) RespondHandshake(peerIdentity string, req *HandshakeRequest) (*HandshakeResponse, error) {
	if req == nil {
		return nil, fmt.Errorf("%w; nil request", ErrHandshakeFailed)
	}

	clientPub, err := base64.StdEncoding.DecodeString(req.EphemeralPublicKey)
	if err != nil || len(clientPub) != crypto.EphemeralKeyPairSize {
		return nil, fmt.Errorf("%w; malformed ephemeral public key", ErrHandshakeFailed)
	}

	clientNonce, err := base64.StdEncoding.DecodeString(req.ClientNonce)
	if err != nil || len(clientNonce) != crypto.HandshakeNonceSize {
		return nil, fmt.Errorf("%w; malformed client nonce", ErrHandshakeFailed)
	}

	if !m.admitHandshake(peerIdentity) {
		return nil, ErrHandshakeRateLimit
	}

	keypair, err := crypto.GenerateEphemeralKeyPair()
	if err != nil {
		return nil, fmt.Errorf("%w; %s", ErrHandshakeFailed, err.Error())
	}
	defer keypair.Zeroize()

	serverNonce, err := common.RandomBytes(crypto.HandshakeNonceSize)
	if err != nil {
		return nil, fmt.Errorf("%w; %s", ErrHandshakeFailed, err.Error())
	}

	secret, err := keypair.SharedSecret(clientPub)
	if err != nil {
		return nil, fmt.Errorf("%w; %s", ErrHandshakeFailed, err.Error())
	}

	keys, err := crypto.DeriveSessionKeys(secret, clientNonce, serverNonce, peerIdentity, m.identity, clientPub, keypair.Public[:])
	if err != nil {
		return nil, fmt.Errorf("%w; %s", ErrHandshakeFailed, err.Error())
	}

	sess, err := NewSession(peerIdentity, RoleResponder, keys, m.ttl, m.windowSize)
	if err != nil {
		return nil, fmt.Errorf("%w; %s", ErrHandshakeFailed, err.Error())
	}

	m.store(sess)
	common.Log.Debugf("negotiated session %s with peer %s", sess.ID, peerIdentity)

	return &HandshakeResponse{
		EphemeralPublicKey: base64.StdEncoding.EncodeToString(keypair.Public[:]),
		SessionID:          sess.ID.String(),
		ServerNonce:        base64.StdEncoding.EncodeToString(serverNonce),
		ExpiresAt:          sess.ExpiresAt,
	}, nil
}

// Session resolves a live session with the given peer, initiating a
// handshake if none exists. All concurrent callers for the same peer block
// on the single in-flight attempt and receive its outcome.
func (m *Manager) Session(ctx context.Context, peerIdentity string) (*Session, error) {
	m.mutex.Lock()
	if sess := m.newestLocked(peerIdentity); sess != nil && !sess.Expired() {
		sess.Touch()
		m.mutex.Unlock()
		return sess, nil
	}

	if flight, exists := m.inflight[peerIdentity]; exists {
		m.mutex.Unlock()
		return m.awaitFlight(ctx, flight)
	}

	flight := &handshakeFlight{done: make(chan struct{})}
	m.inflight[peerIdentity] = flight
	m.mutex.Unlock()

	go m.runHandshake(peerIdentity, flight)

	return m.awaitFlight(ctx, flight)
}

func (m *Manager) awaitFlight(ctx context.Context, flight *handshakeFlight) (*Session, error) {
	timeout := time.NewTimer(m.handshakeTimeout)
	defer timeout.Stop()

	select {
	case <-flight.done:
		return flight.session, flight.err
	case <-timeout.C:
		return nil, ErrHandshakeTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Manager) runHandshake(peerIdentity string, flight *handshakeFlight) {
	defer func() {
		m.mutex.Lock()
		delete(m.inflight, peerIdentity)
		m.mutex.Unlock()
		close(flight.done)
	}()

	if m.initiator == nil {
		flight.err = fmt.Errorf("%w; no initiator configured", ErrHandshakeFailed)
		return
	}

	keypair, err := crypto.GenerateEphemeralKeyPair()
	if err != nil {
		flight.err = fmt.Errorf("%w; %s", ErrHandshakeFailed, err.Error())
		return
	}
	defer keypair.Zeroize()

	clientNonce, err := common.RandomBytes(crypto.HandshakeNonceSize)
	if err != nil {
		flight.err = fmt.Errorf("%w; %s", ErrHandshakeFailed, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.handshakeTimeout)
	defer cancel()

	resp, err := m.initiator(ctx, peerIdentity, &HandshakeRequest{
		EphemeralPublicKey: base64.StdEncoding.EncodeToString(keypair.Public[:]),
		ClientNonce:        base64.StdEncoding.EncodeToString(clientNonce),
	})
	if err != nil {
		flight.err = fmt.Errorf("%w; %s", ErrHandshakeFailed, err.Error())
		return
	}

	serverPub, err := base64.StdEncoding.DecodeString(resp.EphemeralPublicKey)
	if err != nil || len(serverPub) != crypto.EphemeralKeyPairSize {
		flight.err = fmt.Errorf("%w; malformed responder ephemeral public key", ErrHandshakeFailed)
		return
	}

	serverNonce, err := base64.StdEncoding.DecodeString(resp.ServerNonce)
	if err != nil || len(serverNonce) != crypto.HandshakeNonceSize {
		flight.err = fmt.Errorf("%w; malformed responder nonce", ErrHandshakeFailed)
		return
	}

	sessionID, err := uuid.FromString(resp.SessionID)
	if err != nil {
		flight.err = fmt.Errorf("%w; malformed session id", ErrHandshakeFailed)
		return
	}

	secret, err := keypair.SharedSecret(serverPub)
	if err != nil {
		flight.err = fmt.Errorf("%w; %s", ErrHandshakeFailed, err.Error())
		return
	}

	keys, err := crypto.DeriveSessionKeys(secret, clientNonce, serverNonce, m.identity, peerIdentity, keypair.Public[:], serverPub)
	if err != nil {
		flight.err = fmt.Errorf("%w; %s", ErrHandshakeFailed, err.Error())
		return
	}

	sess := RestoreSession(sessionID, peerIdentity, RoleInitiator, keys, resp.ExpiresAt, m.windowSize)
	m.store(sess)
	common.Log.Debugf("negotiated session %s with peer %s", sess.ID, peerIdentity)

	flight.session = sess
}

// Lookup resolves a session by id, enforcing expiry
func (m *Manager) Lookup(sessionID string) (*Session, error) {
	m.mutex.Lock()
	sess, exists := m.byID[sessionID]
	m.mutex.Unlock()

	if !exists {
		return nil, ErrSessionNotFound
	}

	if sess.Expired() {
		m.Invalidate(sess.ID, "expired")
		return nil, ErrSessionExpired
	}

	return sess, nil
}

// Invalidate removes a session from the table and notifies the hook; the
// key material becomes unreachable
func (m *Manager) Invalidate(sessionID uuid.UUID, reason string) {
	m.mutex.Lock()
	sess, exists := m.byID[sessionID.String()]
	if exists {
		delete(m.byID, sessionID.String())
		if peers, ok := m.byPeer[sess.PeerIdentity]; ok {
			delete(peers, sessionID.String())
			if len(peers) == 0 {
				delete(m.byPeer, sess.PeerIdentity)
			}
		}
	}
	m.mutex.Unlock()

	if exists {
		common.Log.Debugf("invalidated session %s with peer %s; %s", sessionID, sess.PeerIdentity, reason)
		if m.onInvalidated != nil {
			m.onInvalidated(sessionID, sess.PeerIdentity, reason)
		}
	}
}

// InvalidatePeer removes every session held with the given peer
func (m *Manager) InvalidatePeer(peerIdentity string, reason string) {
	m.mutex.Lock()
	ids := make([]uuid.UUID, 0)
	for _, sess := range m.byPeer[peerIdentity] {
		ids = append(ids, sess.ID)
	}
	m.mutex.Unlock()

	for _, id := range ids {
		m.Invalidate(id, reason)
	}
}

// StartCleanup launches the background expiry sweep; the returned cancel is
// safe to call at any point and re-running a sweep is idempotent
func (m *Manager) StartCleanup(ctx context.Context) context.CancelFunc {
	ctx, cancel := context.WithCancel(ctx)
	m.cancelCleanup = cancel

	go func() {
		ticker := time.NewTicker(cleanupInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				m.sweepExpired()
			case <-ctx.Done():
				return
			}
		}
	}()

	return cancel
}

func (m *Manager) sweepExpired() {
	m.mutex.Lock()
	expired := make([]uuid.UUID, 0)
	for _, sess := range m.byID {
		if sess.Expired() {
			expired = append(expired, sess.ID)
		}
	}
	m.mutex.Unlock()

	for _, id := range expired {
		m.Invalidate(id, "expired")
	}

	m.mutex.Lock()
	for peer, marks := range m.quotaMarks {
		m.quotaMarks[peer] = pruneMarks(marks, m.quotaWindow)
		if len(m.quotaMarks[peer]) == 0 {
			delete(m.quotaMarks, peer)
		}
	}
	m.mutex.Unlock()
}

// admitHandshake applies the per-peer sliding handshake quota using
// monotonic timestamps
func (m *Manager) admitHandshake(peerIdentity string) bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	marks := pruneMarks(m.quotaMarks[peerIdentity], m.quotaWindow)
	if len(marks) >= m.quota {
		m.quotaMarks[peerIdentity] = marks
		common.Log.Warningf("handshake quota exceeded for peer %s; %d attempts in window", peerIdentity, len(marks))
		return false
	}

	m.quotaMarks[peerIdentity] = append(marks, time.Now())
	return true
}

func pruneMarks(marks []time.Time, window time.Duration) []time.Time {
	pruned := marks[:0]
	for _, mark := range marks {
		if time.Since(mark) < window {
			pruned = append(pruned, mark)
		}
	}
	return pruned
}

func (m *Manager) store(sess *Session) {
	var evict *Session

	m.mutex.Lock()
	peers, exists := m.byPeer[sess.PeerIdentity]
	if !exists {
		peers = map[string]*Session{}
		m.byPeer[sess.PeerIdentity] = peers
	}

	if len(peers) >= m.maxPerPeer {
		for _, candidate := range peers {
			if evict == nil || candidate.LastSeen().Before(evict.LastSeen()) {
				evict = candidate
			}
		}
	}

	peers[sess.ID.String()] = sess
	m.byID[sess.ID.String()] = sess
	m.mutex.Unlock()

	if evict != nil {
		m.Invalidate(evict.ID, "evicted; session quota reached")
	}
}

func (m *Manager) newestLocked(peerIdentity string) *Session {
	var newest *Session
	for _, sess := range m.byPeer[peerIdentity] {
		if newest == nil || sess.CreatedAt.After(newest.CreatedAt) {
			newest = sess
		}
	}
	return newest
}

// SessionCount returns the number of live sessions in the table
func (m *Manager) SessionCount() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return len(m.byID)
}
