package transport

import (
	"errors"
	"fmt"

	"github.com/verinet/attest/session"
)

// Error codes surfaced by the secure transport; callers branch on these, so
// they are part of the wire contract
const (
	ErrCodeMalformedPackage    = "malformed_package"
	ErrCodeVersionMismatch     = "version_mismatch"
	ErrCodeSessionNotFound     = "session_not_found"
	ErrCodeSessionExpired      = "session_expired"
	ErrCodeContextMismatch     = "context_mismatch"
	ErrCodeDecryptionFailed    = "decryption_failed"
	ErrCodeSequenceReplayed    = "sequence_replayed"
	ErrCodeSequenceOutOfWindow = "sequence_out_of_window"
	ErrCodeSequenceExhausted   = "sequence_exhausted"
	ErrCodeRateLimited         = "rate_limited"
	ErrCodeHandshakeFailed     = "handshake_failed"
)

// Error is a typed transport error; Code is stable across releases and is
// what a peer receives in a structured error response
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewError returns a typed transport error
func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// IsSessionRecoverable returns true for the error codes that permit exactly
// one automatic retry after invalidating the locally cached session; all
// other codes are terminal for the message
func IsSessionRecoverable(err error) bool {
	var terr *Error
	if !errors.As(err, &terr) {
		return false
	}

	switch terr.Code {
	case ErrCodeSessionNotFound, ErrCodeSessionExpired, ErrCodeSequenceReplayed, ErrCodeSequenceOutOfWindow, ErrCodeSequenceExhausted:
		return true
	}
	return false
}

// wrapSessionError maps session-layer sentinel errors onto typed codes
func wrapSessionError(err error) error {
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		return NewError(ErrCodeSessionNotFound, err.Error())
	case errors.Is(err, session.ErrSessionExpired):
		return NewError(ErrCodeSessionExpired, err.Error())
	case errors.Is(err, session.ErrSequenceReplayed):
		return NewError(ErrCodeSequenceReplayed, err.Error())
	case errors.Is(err, session.ErrSequenceOutOfWindow):
		return NewError(ErrCodeSequenceOutOfWindow, err.Error())
	case errors.Is(err, session.ErrSequenceExhausted):
		return NewError(ErrCodeSequenceExhausted, err.Error())
	case errors.Is(err, session.ErrHandshakeRateLimit):
		return NewError(ErrCodeRateLimited, err.Error())
	case errors.Is(err, session.ErrHandshakeFailed), errors.Is(err, session.ErrHandshakeTimeout):
		return NewError(ErrCodeHandshakeFailed, err.Error())
	}
	return err
}
