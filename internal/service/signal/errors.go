package signal

import (
	"errors"
	"fmt"
)

// ErrorCode classifies a failed session operation.
type ErrorCode int

const (
	ErrUnknown ErrorCode = iota
	ErrNoSession
	ErrInvalidMessage
	ErrInvalidKeyID
	ErrInvalidKey
	ErrDuplicateMessage
	ErrUntrustedIdentity
	ErrIdentityMissing
)

func (c ErrorCode) String() string {
	switch c {
	case ErrNoSession:
		return "no session"
	case ErrInvalidMessage:
		return "invalid message"
	case ErrInvalidKeyID:
		return "invalid key id"
	case ErrInvalidKey:
		return "invalid key"
	case ErrDuplicateMessage:
		return "duplicate message"
	case ErrUntrustedIdentity:
		return "untrusted identity"
	case ErrIdentityMissing:
		return "local identity missing"
	}
	return "unknown"
}

// SessionError is returned by Provider operations.
type SessionError struct {
	Code ErrorCode
	Err  error
}

// NewSessionError wraps err with code.
func NewSessionError(code ErrorCode, err error) *SessionError {
	return &SessionError{Code: code, Err: err}
}

func (e *SessionError) Error() string {
	if e.Err == nil {
		return "signal: " + e.Code.String()
	}
	return fmt.Sprintf("signal: %s: %v", e.Code, e.Err)
}

func (e *SessionError) Unwrap() error { return e.Err }

// Recovery is what the inbound processor does after a failed decryption.
type Recovery int

const (
	// RecoverReport reports the failure and does not retry.
	RecoverReport Recovery = iota
	// RecoverResendKey records a placeholder and asks the sender for keys.
	RecoverResendKey
	// RecoverDuplicate treats the message as already processed.
	RecoverDuplicate
	// RecoverLogout ends the session; the local identity is unusable.
	RecoverLogout
)

func (r Recovery) String() string {
	switch r {
	case RecoverResendKey:
		return "resend-key"
	case RecoverDuplicate:
		return "duplicate"
	case RecoverLogout:
		return "logout"
	}
	return "report"
}

// Classify maps a decryption error onto its recovery.
func Classify(err error) Recovery {
	var se *SessionError
	if !errors.As(err, &se) {
		return RecoverReport
	}
	switch se.Code {
	case ErrNoSession, ErrInvalidMessage, ErrInvalidKeyID, ErrInvalidKey, ErrUntrustedIdentity:
		return RecoverResendKey
	case ErrDuplicateMessage:
		return RecoverDuplicate
	case ErrIdentityMissing:
		return RecoverLogout
	}
	return RecoverReport
}

// Code returns the session error code of err, or ErrUnknown.
func Code(err error) ErrorCode {
	var se *SessionError
	if errors.As(err, &se) {
		return se.Code
	}
	return ErrUnknown
}
