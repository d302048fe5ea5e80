package secondfactor

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/keyfort/backend/internal/models"
)

// FactorKind names one of the three second-factor types.
type FactorKind string

const (
	FactorTOTP       FactorKind = "totp"
	FactorBackupCode FactorKind = "backup"
	FactorWebAuthn   FactorKind = "webauthn"
)

func ParseFactorKind(value string) (FactorKind, bool) {
	switch FactorKind(value) {
	case FactorTOTP, FactorBackupCode, FactorWebAuthn:
		return FactorKind(value), true
	default:
		return "", false
	}
}

// Proof carries the submitted evidence for exactly one factor kind:
// Code for TOTP tokens and backup codes, Assertion for WebAuthn.
type Proof struct {
	Code      string
	Assertion json.RawMessage
}

// Dispatcher routes a submitted proof to the verifier for its factor
// kind. It never invokes a verifier for a kind the user has not
// enrolled.
type Dispatcher struct {
	TOTP     *TOTPService
	Backup   *BackupCodeService
	WebAuthn *WebAuthnService
}

func NewDispatcher(totp *TOTPService, backup *BackupCodeService, webAuthn *WebAuthnService) *Dispatcher {
	return &Dispatcher{TOTP: totp, Backup: backup, WebAuthn: webAuthn}
}

// HasAnyFactor reports whether the user has at least one enrolled
// second factor. When false, the caller promotes the session without
// requesting proof.
func (d *Dispatcher) HasAnyFactor(userID uuid.UUID) bool {
	return d.WebAuthn.HasCredentials(userID) ||
		d.Backup.HasCodes(userID) ||
		d.TOTP.HasEnrollment(userID)
}

// AvailableFactors lists the factor kinds the user can be challenged
// with, in presentation order.
func (d *Dispatcher) AvailableFactors(userID uuid.UUID) []FactorKind {
	var kinds []FactorKind
	if d.WebAuthn.HasCredentials(userID) {
		kinds = append(kinds, FactorWebAuthn)
	}
	if d.TOTP.HasEnrollment(userID) {
		kinds = append(kinds, FactorTOTP)
	}
	if d.Backup.HasCodes(userID) {
		kinds = append(kinds, FactorBackupCode)
	}
	return kinds
}

// Verify routes the proof to exactly one verifier, selected by the
// submitted kind. A nil return means the proof was accepted and the
// caller may promote the session.
func (d *Dispatcher) Verify(user *models.User, kind FactorKind, proof Proof, now time.Time) error {
	enrolled := false
	for _, k := range d.AvailableFactors(user.ID) {
		if k == kind {
			enrolled = true
			break
		}
	}
	if !enrolled {
		return ErrFactorNotEnrolled
	}

	switch kind {
	case FactorTOTP:
		return d.TOTP.Verify(user.ID, proof.Code, now)
	case FactorBackupCode:
		return d.Backup.Consume(user.ID, proof.Code)
	case FactorWebAuthn:
		return d.WebAuthn.FinishAssertion(user, proof.Assertion, now)
	default:
		return ErrFactorNotEnrolled
	}
}
