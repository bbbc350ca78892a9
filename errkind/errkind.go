// Package errkind classifies errors crossing component boundaries.
//
// Every error surfaced out of the crypto, identity, kep, session and
// transport packages carries exactly one Kind. Internal detail stays in the
// wrapped cause and is meant for logs; callers dispatch on the Kind and show
// the short message to the user.
package errkind

import (
	"errors"
	"fmt"
)

// Kind identifies the boundary classification of an error.
type Kind uint8

const (
	// Unknown means the error was never classified. Treated as fatal to the
	// operation, like every other kind.
	Unknown Kind = iota
	// BadInput is a malformed envelope, wrong field type or missing field.
	BadInput
	// SessionLocked means the encrypted session store has no cached key for
	// the user; the password must be re-entered.
	SessionLocked
	// SessionNotFound means no such session exists for this user.
	SessionNotFound
	// CryptoError is any primitive failure: bad tag, malformed key, wrong
	// curve. It never carries plaintext or key material.
	CryptoError
	// ReplayDetected is a stale timestamp, reused sequence number or
	// duplicate nonce.
	ReplayDetected
	// MITMDetected is a signature verification failure or an AEAD tag
	// failure on an otherwise well-formed envelope.
	MITMDetected
	// IntegrityError is a server-side key hash mismatch.
	IntegrityError
	// BadPassword means a password-derived key failed to unwrap a private
	// key or session record.
	BadPassword
	// TransportError means the relay is unavailable; the caller may retry.
	TransportError
)

// String returns the wire/log name of the kind.
func (k Kind) String() string {
	switch k {
	case BadInput:
		return "BadInput"
	case SessionLocked:
		return "SessionLocked"
	case SessionNotFound:
		return "SessionNotFound"
	case CryptoError:
		return "CryptoError"
	case ReplayDetected:
		return "ReplayDetected"
	case MITMDetected:
		return "MITMDetected"
	case IntegrityError:
		return "IntegrityError"
	case BadPassword:
		return "BadPassword"
	case TransportError:
		return "TransportError"
	default:
		return "Unknown"
	}
}

// Error is a classified error. The Msg is safe to show to a user; Cause is
// internal detail for logging only.
type Error struct {
	Kind  Kind
	Msg   string
	Cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

// Unwrap exposes the cause for errors.Is / errors.As chains.
func (e *Error) Unwrap() error { return e.Cause }

// New creates a classified error with no underlying cause.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf creates a classified error with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies an existing error. A nil err returns nil. If err already
// carries a kind, the outer classification wins but the cause chain is kept.
func Wrap(kind Kind, msg string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: msg, Cause: err}
}

// Of returns the kind carried by err, or Unknown if it was never classified.
func Of(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// Is reports whether err carries the given kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	return Of(err) == kind
}

// Message returns the user-facing message for err: the classified Msg when
// present, otherwise a generic string so internal detail never leaks upward.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Msg
	}
	return "internal error"
}
