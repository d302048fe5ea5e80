package secondfactor

import (
	"bytes"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/keyfort/backend/internal/models"
	"github.com/keyfort/backend/pkg/logger"
)

// CredentialVerifier is the cryptographic collaborator for WebAuthn
// ceremonies: challenge/origin matching, signature validation and
// attestation policy all live behind it. The production implementation
// wraps go-webauthn; tests substitute deterministic fakes.
type CredentialVerifier interface {
	BeginRegistration(user webauthn.User) (options *protocol.CredentialCreation, session *webauthn.SessionData, err error)
	FinishRegistration(user webauthn.User, session webauthn.SessionData, response []byte) (*webauthn.Credential, error)
	BeginLogin(user webauthn.User) (options *protocol.CredentialAssertion, session *webauthn.SessionData, err error)
	FinishLogin(user webauthn.User, session webauthn.SessionData, response []byte) (*webauthn.Credential, error)
}

type libraryVerifier struct {
	wa *webauthn.WebAuthn
}

// NewLibraryVerifier adapts a configured go-webauthn instance to the
// CredentialVerifier boundary.
func NewLibraryVerifier(wa *webauthn.WebAuthn) CredentialVerifier {
	return &libraryVerifier{wa: wa}
}

func (v *libraryVerifier) BeginRegistration(user webauthn.User) (*protocol.CredentialCreation, *webauthn.SessionData, error) {
	return v.wa.BeginRegistration(user)
}

func (v *libraryVerifier) FinishRegistration(user webauthn.User, session webauthn.SessionData, response []byte) (*webauthn.Credential, error) {
	parsed, err := protocol.ParseCredentialCreationResponseBody(bytes.NewReader(response))
	if err != nil {
		return nil, err
	}
	return v.wa.CreateCredential(user, session, parsed)
}

func (v *libraryVerifier) BeginLogin(user webauthn.User) (*protocol.CredentialAssertion, *webauthn.SessionData, error) {
	return v.wa.BeginLogin(user)
}

func (v *libraryVerifier) FinishLogin(user webauthn.User, session webauthn.SessionData, response []byte) (*webauthn.Credential, error) {
	parsed, err := protocol.ParseCredentialRequestResponseBody(bytes.NewReader(response))
	if err != nil {
		return nil, err
	}
	return v.wa.ValidateLogin(user, session, parsed)
}

// webAuthnUser adapts a User row plus its stored credentials to the
// webauthn.User interface.
type webAuthnUser struct {
	user  models.User
	creds []webauthn.Credential
}

func (u *webAuthnUser) WebAuthnID() []byte {
	b, _ := u.user.ID.MarshalBinary()
	return b
}

func (u *webAuthnUser) WebAuthnName() string {
	return u.user.Email
}

func (u *webAuthnUser) WebAuthnDisplayName() string {
	return u.user.FirstName + " " + u.user.LastName
}

func (u *webAuthnUser) WebAuthnCredentials() []webauthn.Credential {
	return u.creds
}

// WebAuthnService runs registration and authentication ceremonies over a
// pending-challenge table. A challenge is single-use: it is consumed on
// the terminal verification attempt whether or not verification succeeds,
// so every retry needs a fresh one.
type WebAuthnService struct {
	DB           *gorm.DB
	Verifier     CredentialVerifier
	ChallengeTTL time.Duration
}

func NewWebAuthnService(db *gorm.DB, verifier CredentialVerifier, challengeTTL time.Duration) *WebAuthnService {
	return &WebAuthnService{DB: db, Verifier: verifier, ChallengeTTL: challengeTTL}
}

func (s *WebAuthnService) loadWebAuthnUser(user *models.User) (*webAuthnUser, error) {
	var dbCreds []models.WebAuthnCredential
	if err := s.DB.Where("user_id = ?", user.ID).Find(&dbCreds).Error; err != nil {
		return nil, err
	}

	creds := make([]webauthn.Credential, len(dbCreds))
	for i, dc := range dbCreds {
		var transports []protocol.AuthenticatorTransport
		if dc.Transports != "" {
			var ts []string
			if err := json.Unmarshal([]byte(dc.Transports), &ts); err != nil {
				// The transport hint is advisory; a corrupted column must
				// not make the credential unusable.
				logger.Warn("webauthn_transports_unreadable", map[string]interface{}{
					"credential_id": dc.ID.String(),
					"error":         err.Error(),
				})
			}
			for _, t := range ts {
				transports = append(transports, protocol.AuthenticatorTransport(t))
			}
		}
		creds[i] = webauthn.Credential{
			ID:              dc.CredentialID,
			PublicKey:       dc.PublicKey,
			AttestationType: dc.AttestationType,
			Authenticator: webauthn.Authenticator{
				AAGUID:    dc.AAGUID,
				SignCount: dc.SignCount,
			},
			Transport: transports,
			Flags: webauthn.CredentialFlags{
				BackupEligible: dc.BackupEligible,
				BackupState:    dc.BackupState,
			},
		}
	}

	return &webAuthnUser{user: *user, creds: creds}, nil
}

func (s *WebAuthnService) HasCredentials(userID uuid.UUID) bool {
	var count int64
	s.DB.Model(&models.WebAuthnCredential{}).Where("user_id = ?", userID).Count(&count)
	return count > 0
}

func (s *WebAuthnService) storeChallenge(userID uuid.UUID, kind models.MFAChallengeType, label string, session *webauthn.SessionData) error {
	sessionJSON, err := json.Marshal(session)
	if err != nil {
		return err
	}

	return s.DB.Transaction(func(tx *gorm.DB) error {
		// At most one pending ceremony per user per kind.
		if err := tx.Where("user_id = ? AND type = ?", userID, kind).
			Delete(&models.MFAChallenge{}).Error; err != nil {
			return err
		}
		challenge := models.MFAChallenge{
			UserID:      &userID,
			Challenge:   []byte(session.Challenge),
			Type:        kind,
			Label:       label,
			SessionData: string(sessionJSON),
			ExpiresAt:   time.Now().Add(s.ChallengeTTL),
		}
		return tx.Create(&challenge).Error
	})
}

// consumeChallenge pops the user's pending ceremony of the given kind.
// Missing and expired are the same outcome: restart the flow. The
// delete is the consumption: concurrent terminal attempts may all load
// the same row, but only the one whose delete lands proceeds.
func (s *WebAuthnService) consumeChallenge(userID uuid.UUID, kind models.MFAChallengeType) (*models.MFAChallenge, error) {
	var challenge models.MFAChallenge
	if err := s.DB.Where("user_id = ? AND type = ? AND expires_at > ?",
		userID, kind, time.Now()).
		Order("created_at DESC").First(&challenge).Error; err != nil {
		return nil, ErrChallengeNotFound
	}

	res := s.DB.Where("id = ?", challenge.ID).Delete(&models.MFAChallenge{})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected != 1 {
		return nil, ErrChallengeNotFound
	}
	return &challenge, nil
}

// BeginRegistration issues creation options for enrolling a new
// authenticator. The label is required up front; nothing is stored when
// it is missing.
func (s *WebAuthnService) BeginRegistration(user *models.User, label string) (*protocol.CredentialCreation, error) {
	if label == "" {
		return nil, &ValidationError{Field: "name", Message: "name is required"}
	}

	waUser, err := s.loadWebAuthnUser(user)
	if err != nil {
		return nil, err
	}

	options, session, err := s.Verifier.BeginRegistration(waUser)
	if err != nil {
		return nil, err
	}

	if err := s.storeChallenge(user.ID, models.MFAChallengeRegistration, label, session); err != nil {
		return nil, err
	}
	return options, nil
}

// FinishRegistration verifies the authenticator's creation response and,
// when the credential ID is not yet registered to anyone, persists the
// new credential. The pending challenge is gone after this call no matter
// what it returns.
func (s *WebAuthnService) FinishRegistration(user *models.User, response []byte) (*models.WebAuthnCredential, error) {
	challenge, err := s.consumeChallenge(user.ID, models.MFAChallengeRegistration)
	if err != nil {
		return nil, err
	}

	var session webauthn.SessionData
	if err := json.Unmarshal([]byte(challenge.SessionData), &session); err != nil {
		return nil, err
	}

	waUser, err := s.loadWebAuthnUser(user)
	if err != nil {
		return nil, err
	}

	credential, err := s.Verifier.FinishRegistration(waUser, session, response)
	if err != nil {
		return nil, &RejectedError{Reason: err.Error()}
	}

	var transportsJSON []byte
	if len(credential.Transport) > 0 {
		ts := make([]string, len(credential.Transport))
		for i, t := range credential.Transport {
			ts[i] = string(t)
		}
		transportsJSON, _ = json.Marshal(ts)
	}

	dbCred := models.WebAuthnCredential{
		UserID:          user.ID,
		Name:            challenge.Label,
		CredentialID:    credential.ID,
		PublicKey:       credential.PublicKey,
		AttestationType: credential.AttestationType,
		AAGUID:          credential.Authenticator.AAGUID,
		SignCount:       credential.Authenticator.SignCount,
		Transports:      string(transportsJSON),
		BackupEligible:  credential.Flags.BackupEligible,
		BackupState:     credential.Flags.BackupState,
	}

	// Credential IDs are unique across all users. The existence check and
	// insert run in one transaction, with the unique index as backstop
	// against a concurrent registration of the same ID.
	err = s.DB.Transaction(func(tx *gorm.DB) error {
		var existing int64
		if err := tx.Model(&models.WebAuthnCredential{}).
			Where("credential_id = ?", credential.ID).Count(&existing).Error; err != nil {
			return err
		}
		if existing > 0 {
			return &DuplicateCredentialError{Label: challenge.Label}
		}
		return tx.Create(&dbCred).Error
	})
	if err != nil {
		var dup *DuplicateCredentialError
		if errors.As(err, &dup) {
			return nil, dup
		}
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, &DuplicateCredentialError{Label: challenge.Label}
		}
		return nil, err
	}

	return &dbCred, nil
}

// BeginAssertion issues assertion options scoped to the user's enrolled
// credentials.
func (s *WebAuthnService) BeginAssertion(user *models.User) (*protocol.CredentialAssertion, error) {
	waUser, err := s.loadWebAuthnUser(user)
	if err != nil {
		return nil, err
	}

	options, session, err := s.Verifier.BeginLogin(waUser)
	if err != nil {
		return nil, err
	}

	if err := s.storeChallenge(user.ID, models.MFAChallengeAuthentication, "", session); err != nil {
		return nil, err
	}
	return options, nil
}

// FinishAssertion verifies an assertion response against the expected
// user's credentials. On success it records the authenticator's new sign
// counter; a counter that failed to advance on a counter-bearing
// authenticator is treated as a cloned authenticator and rejected.
func (s *WebAuthnService) FinishAssertion(user *models.User, response []byte, now time.Time) error {
	challenge, err := s.consumeChallenge(user.ID, models.MFAChallengeAuthentication)
	if err != nil {
		return err
	}

	var session webauthn.SessionData
	if err := json.Unmarshal([]byte(challenge.SessionData), &session); err != nil {
		return err
	}

	waUser, err := s.loadWebAuthnUser(user)
	if err != nil {
		return err
	}

	credential, err := s.Verifier.FinishLogin(waUser, session, response)
	if err != nil {
		return &RejectedError{Reason: err.Error()}
	}

	var dbCred models.WebAuthnCredential
	if err := s.DB.Where("user_id = ? AND credential_id = ?", user.ID, credential.ID).
		First(&dbCred).Error; err != nil {
		return ErrUnknownCredential
	}

	newCount := credential.Authenticator.SignCount
	switch {
	case credential.Authenticator.CloneWarning:
		return &RejectedError{Reason: "sign counter did not advance; possible cloned authenticator"}
	case newCount == 0 && dbCred.SignCount == 0:
		// Authenticator without a counter; only track usage time.
		return s.DB.Model(&dbCred).Update("last_used_at", now).Error
	case newCount <= dbCred.SignCount:
		return &RejectedError{Reason: "sign counter did not advance; possible cloned authenticator"}
	default:
		res := s.DB.Model(&models.WebAuthnCredential{}).
			Where("id = ? AND sign_count < ?", dbCred.ID, newCount).
			Updates(map[string]interface{}{
				"sign_count":   newCount,
				"last_used_at": now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != 1 {
			return &RejectedError{Reason: "sign counter did not advance; possible cloned authenticator"}
		}
		return nil
	}
}

func (s *WebAuthnService) ListCredentials(userID uuid.UUID) ([]models.WebAuthnCredential, error) {
	var creds []models.WebAuthnCredential
	err := s.DB.Where("user_id = ?", userID).Order("created_at DESC").Find(&creds).Error
	return creds, err
}

func (s *WebAuthnService) RenameCredential(userID, credID uuid.UUID, name string) error {
	if name == "" {
		return &ValidationError{Field: "name", Message: "name is required"}
	}
	res := s.DB.Model(&models.WebAuthnCredential{}).
		Where("id = ? AND user_id = ?", credID, userID).
		Update("name", name)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (s *WebAuthnService) DeleteCredential(userID, credID uuid.UUID) error {
	res := s.DB.Where("id = ? AND user_id = ?", credID, userID).Delete(&models.WebAuthnCredential{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (s *WebAuthnService) CleanupExpiredChallenges(now time.Time) {
	s.DB.Where("expires_at < ?", now).Delete(&models.MFAChallenge{})
}
