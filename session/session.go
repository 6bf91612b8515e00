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
	"math"
	"sync"
	"sync/atomic"
	"time"

	uuid "github.com/kthomas/go.uuid"

	"github.com/verinet/attest/crypto"
)

// Role distinguishes which end of the handshake this endpoint played; it
// fixes which directional key protects outbound traffic
type Role int

const (
	// RoleInitiator is the endpoint that opened the handshake
	RoleInitiator Role = iota
	// RoleResponder is the endpoint that answered it
	RoleResponder
)

// Session is the negotiated state shared with a single peer: two independent
// directional AEAD keys, a monotonic outgoing sequence counter and one replay
// window per inbound direction. Sessions are deliberately never persisted.
type Session struct {
	ID           uuid.UUID
	PeerIdentity string
	Role         Role

	CreatedAt time.Time
	ExpiresAt time.Time

	keys     *crypto.SessionKeys
	seq      uint64
	inbound  *ReplayWindow
	lastSeen time.Time
	mutex    sync.RWMutex
}

// NewSession constructs a session with a freshly generated 128-bit random id
func NewSession(peerIdentity string, role Role, keys *crypto.SessionKeys, ttl time.Duration, windowSize int) (*Session, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	return &Session{
		ID:           id,
		PeerIdentity: peerIdentity,
		Role:         role,
		CreatedAt:    now,
		ExpiresAt:    now.Add(ttl),
		keys:         keys,
		inbound:      NewReplayWindow(windowSize),
		lastSeen:     now,
	}, nil
}

// RestoreSession rebuilds the initiator's view of a session from the
// responder-assigned id and the locally derived keys
func RestoreSession(id uuid.UUID, peerIdentity string, role Role, keys *crypto.SessionKeys, expiresAt time.Time, windowSize int) *Session {
	now := time.Now()
	return &Session{
		ID:           id,
		PeerIdentity: peerIdentity,
		Role:         role,
		CreatedAt:    now,
		ExpiresAt:    expiresAt,
		keys:         keys,
		inbound:      NewReplayWindow(windowSize),
		lastSeen:     now,
	}
}

// SendKey returns the directional key protecting outbound traffic
func (s *Session) SendKey() []byte {
	if s.Role == RoleInitiator {
		return s.keys.KCS[:]
	}
	return s.keys.KSC[:]
}

// ReceiveKey returns the directional key protecting inbound traffic
func (s *Session) ReceiveKey() []byte {
	if s.Role == RoleInitiator {
		return s.keys.KSC[:]
	}
	return s.keys.KCS[:]
}

// NextSeq atomically reserves the next outgoing sequence number. Sequence
// numbers start at 1 and are never reused within a session; exhausting the
// space returns ErrSequenceExhausted and the session must be invalidated
// rather than ever reusing an IV.
func (s *Session) NextSeq() (uint64, error) {
	for {
		current := atomic.LoadUint64(&s.seq)
		if current >= math.MaxUint64-1 {
			// pin the counter at the top of the space so it can never
			// wrap back into already-issued sequence numbers
			atomic.CompareAndSwapUint64(&s.seq, current, math.MaxUint64)
			return 0, ErrSequenceExhausted
		}
		if atomic.CompareAndSwapUint64(&s.seq, current, current+1) {
			return current + 1, nil
		}
	}
}

// ValidateInbound passes an authenticated inbound sequence number through
// the session's replay window
func (s *Session) ValidateInbound(seq uint64) error {
	return s.inbound.Validate(seq)
}

// Expired returns true if the session TTL has elapsed
func (s *Session) Expired() bool {
	return time.Now().After(s.ExpiresAt)
}

// Touch updates the session's last-seen timestamp
func (s *Session) Touch() {
	s.mutex.Lock()
	s.lastSeen = time.Now()
	s.mutex.Unlock()
}

// LastSeen returns the session's last-seen timestamp
func (s *Session) LastSeen() time.Time {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.lastSeen
}
