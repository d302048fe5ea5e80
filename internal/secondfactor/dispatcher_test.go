package secondfactor

import (
	"errors"
	"testing"
	"time"

	"github.com/go-webauthn/webauthn/webauthn"
	"gorm.io/gorm"

	"github.com/keyfort/backend/internal/models"
)

func setupDispatcher(t *testing.T, fake *fakeVerifier) (*Dispatcher, *gorm.DB) {
	t.Helper()
	db := setupSecondFactorTestDB(t)
	totp := NewTOTPService(db, "Keyfort", 10*time.Minute)
	backup := NewBackupCodeService(db)
	wa := NewWebAuthnService(db, fake, 5*time.Minute)
	return NewDispatcher(totp, backup, wa), db
}

func TestParseFactorKind(t *testing.T) {
	for _, valid := range []string{"totp", "backup", "webauthn"} {
		if _, ok := ParseFactorKind(valid); !ok {
			t.Errorf("expected %q to parse", valid)
		}
	}
	for _, invalid := range []string{"", "sms", "TOTP", "password"} {
		if _, ok := ParseFactorKind(invalid); ok {
			t.Errorf("expected %q to be rejected", invalid)
		}
	}
}

func TestDispatcherFactorInventory(t *testing.T) {
	d, db := setupDispatcher(t, &fakeVerifier{})
	user := createFactorTestUser(t, db, "inventory@test.com")

	t.Run("no factors enrolled", func(t *testing.T) {
		if d.HasAnyFactor(user.ID) {
			t.Error("expected no factors for a fresh user")
		}
		if kinds := d.AvailableFactors(user.ID); len(kinds) != 0 {
			t.Errorf("expected empty factor list, got %v", kinds)
		}
	})

	t.Run("all factors enrolled, presentation order", func(t *testing.T) {
		now := time.Unix(1700000000, 0)
		enrollTOTP(t, d.TOTP, user.ID, now)
		if _, err := d.Backup.IssueBatch(user.ID, 3); err != nil {
			t.Fatalf("failed issuing backup codes: %v", err)
		}
		cred := models.WebAuthnCredential{
			UserID:       user.ID,
			Name:         "Key",
			CredentialID: []byte("dispatch-cred"),
			PublicKey:    []byte("pk"),
		}
		if err := db.Create(&cred).Error; err != nil {
			t.Fatalf("failed seeding credential: %v", err)
		}

		if !d.HasAnyFactor(user.ID) {
			t.Error("expected factors after enrollment")
		}

		kinds := d.AvailableFactors(user.ID)
		want := []FactorKind{FactorWebAuthn, FactorTOTP, FactorBackupCode}
		if len(kinds) != len(want) {
			t.Fatalf("expected %v, got %v", want, kinds)
		}
		for i := range want {
			if kinds[i] != want[i] {
				t.Errorf("expected %v at position %d, got %v", want[i], i, kinds[i])
			}
		}
	})
}

func TestDispatcherVerify(t *testing.T) {
	now := time.Unix(1700000000, 0)

	t.Run("unenrolled factor never reaches a verifier", func(t *testing.T) {
		d, db := setupDispatcher(t, &fakeVerifier{})
		user := createFactorTestUser(t, db, "unenrolled@test.com")

		err := d.Verify(user, FactorTOTP, Proof{Code: "123456"}, now)
		if !errors.Is(err, ErrFactorNotEnrolled) {
			t.Errorf("expected ErrFactorNotEnrolled, got %v", err)
		}
	})

	t.Run("routes TOTP proof", func(t *testing.T) {
		d, db := setupDispatcher(t, &fakeVerifier{})
		user := createFactorTestUser(t, db, "route-totp@test.com")
		secret := enrollTOTP(t, d.TOTP, user.ID, now)

		later := now.Add(5 * StepSeconds * time.Second)
		code, _ := codeForStep(secret, StepOf(later))
		if err := d.Verify(user, FactorTOTP, Proof{Code: code}, later); err != nil {
			t.Errorf("expected TOTP proof to be accepted: %v", err)
		}

		// The same code submitted as a backup code must not validate.
		err := d.Verify(user, FactorBackupCode, Proof{Code: code}, later)
		if !errors.Is(err, ErrFactorNotEnrolled) {
			t.Errorf("expected ErrFactorNotEnrolled for backup kind, got %v", err)
		}
	})

	t.Run("routes backup code proof", func(t *testing.T) {
		d, db := setupDispatcher(t, &fakeVerifier{})
		user := createFactorTestUser(t, db, "route-backup@test.com")
		codes, err := d.Backup.IssueBatch(user.ID, 2)
		if err != nil {
			t.Fatalf("failed issuing backup codes: %v", err)
		}

		if err := d.Verify(user, FactorBackupCode, Proof{Code: codes[0]}, now); err != nil {
			t.Errorf("expected backup code to be accepted: %v", err)
		}

		err = d.Verify(user, FactorBackupCode, Proof{Code: codes[0]}, now)
		var rejected *RejectedError
		if !errors.As(err, &rejected) {
			t.Errorf("expected consumed code to be rejected, got %v", err)
		}
	})

	t.Run("routes WebAuthn proof", func(t *testing.T) {
		fake := &fakeVerifier{loginCred: &webauthn.Credential{
			ID:            []byte("route-cred"),
			Authenticator: webauthn.Authenticator{SignCount: 1},
		}}
		d, db := setupDispatcher(t, fake)
		user := createFactorTestUser(t, db, "route-webauthn@test.com")

		cred := models.WebAuthnCredential{
			UserID:       user.ID,
			Name:         "Key",
			CredentialID: []byte("route-cred"),
			PublicKey:    []byte("pk"),
		}
		if err := db.Create(&cred).Error; err != nil {
			t.Fatalf("failed seeding credential: %v", err)
		}

		if _, err := d.WebAuthn.BeginAssertion(user); err != nil {
			t.Fatalf("failed beginning assertion: %v", err)
		}
		if err := d.Verify(user, FactorWebAuthn, Proof{Assertion: []byte(`{}`)}, now); err != nil {
			t.Errorf("expected assertion to be accepted: %v", err)
		}
	})
}
