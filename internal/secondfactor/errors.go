package secondfactor

import (
	"errors"
	"fmt"
)

// ValidationError reports malformed input on a specific field. It is a
// local, recoverable error and is never treated as a security event.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// RejectedError is the expected operational outcome of a wrong token,
// wrong code, or failed WebAuthn verification. It carries the underlying
// reason for the caller; no state is mutated on this path.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string {
	return e.Reason
}

// DuplicateCredentialError is returned when a registration ceremony
// produces a credential ID already registered to any user. Per W3C
// guidance the ceremony fails rather than silently reassigning the
// credential.
type DuplicateCredentialError struct {
	Label string
}

func (e *DuplicateCredentialError) Error() string {
	return "credential ID is already registered"
}

var (
	// ErrChallengeNotFound means the pending ceremony is missing or has
	// expired; either way the caller restarts the flow with a fresh
	// challenge.
	ErrChallengeNotFound = errors.New("no pending challenge")

	// ErrNoPendingEnrollment means TOTP setup was never started or the
	// pending secret expired before confirmation.
	ErrNoPendingEnrollment = errors.New("no pending TOTP enrollment")

	// ErrUnknownCredential means the assertion named a credential ID not
	// enrolled for the expected user.
	ErrUnknownCredential = errors.New("unknown credential")

	// ErrFactorNotEnrolled is a protocol error: the submitted factor kind
	// is not among the user's enrolled factors, so no verifier is invoked.
	ErrFactorNotEnrolled = errors.New("factor not enrolled")
)
