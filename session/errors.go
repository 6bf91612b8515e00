package session

import "errors"

// Sentinel errors surfaced by the session layer; the transport maps these
// onto its typed error codes so callers can branch on them
var (
	ErrSessionNotFound     = errors.New("session not found")
	ErrSessionExpired      = errors.New("session expired")
	ErrSequenceReplayed    = errors.New("sequence number replayed")
	ErrSequenceOutOfWindow = errors.New("sequence number outside replay window")
	ErrSequenceExhausted   = errors.New("outgoing sequence space exhausted")
	ErrHandshakeFailed     = errors.New("handshake failed")
	ErrHandshakeRateLimit  = errors.New("handshake rate limit exceeded")
	ErrHandshakeTimeout    = errors.New("handshake timed out")
)
