package secondfactor

import (
	"crypto/subtle"
	"time"

	"github.com/google/uuid"
	"github.com/keyfort/backend/pkg/utils"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/hotp"
	"github.com/pquerna/otp/totp"
	"gorm.io/gorm"

	"github.com/keyfort/backend/internal/models"
)

const totpDigits = otp.DigitsSix

// TOTPService validates authenticator-app tokens against enrolled
// devices and manages the two-phase enrollment flow.
type TOTPService struct {
	DB         *gorm.DB
	Issuer     string
	PendingTTL time.Duration
}

func NewTOTPService(db *gorm.DB, issuer string, pendingTTL time.Duration) *TOTPService {
	return &TOTPService{DB: db, Issuer: issuer, PendingTTL: pendingTTL}
}

func codeForStep(secret string, step int64) (string, error) {
	return hotp.GenerateCodeCustom(secret, uint64(step), hotp.ValidateOpts{
		Digits:    totpDigits,
		Algorithm: otp.AlgorithmSHA1,
	})
}

// matchStep returns the step whose token equals the submitted code, or
// false if none matches. Steps at or below the watermark are discarded
// before any token comparison so that a replayed token is rejected even
// while its step is still inside the skew window.
func matchStep(secret string, lastStep *int64, code string, now time.Time) (int64, bool) {
	if len(code) != totpDigits.Length() {
		return 0, false
	}
	for _, r := range code {
		if r < '0' || r > '9' {
			return 0, false
		}
	}

	for _, step := range CandidateSteps(now, DefaultSkew) {
		if lastStep != nil && step <= *lastStep {
			continue
		}
		expected, err := codeForStep(secret, step)
		if err != nil {
			return 0, false
		}
		if subtle.ConstantTimeCompare([]byte(expected), []byte(code)) == 1 {
			return step, true
		}
	}
	return 0, false
}

func (s *TOTPService) HasEnrollment(userID uuid.UUID) bool {
	var count int64
	s.DB.Model(&models.TOTPDevice{}).Where("user_id = ?", userID).Count(&count)
	return count > 0
}

// BeginEnrollment generates a fresh secret and holds it pending until the
// user confirms possession with a valid token. Re-running setup replaces
// any earlier pending secret.
func (s *TOTPService) BeginEnrollment(userID uuid.UUID, accountName, deviceName string) (secret, otpauthURL string, err error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      s.Issuer,
		AccountName: accountName,
	})
	if err != nil {
		return "", "", err
	}

	encrypted, err := utils.EncryptAESGCM(key.Secret())
	if err != nil {
		return "", "", err
	}

	if deviceName == "" {
		deviceName = "Authenticator app"
	}

	err = s.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("user_id = ?", userID).Delete(&models.PendingTOTP{}).Error; err != nil {
			return err
		}
		pending := models.PendingTOTP{
			UserID:    userID,
			Name:      deviceName,
			Secret:    encrypted,
			ExpiresAt: time.Now().Add(s.PendingTTL),
		}
		return tx.Create(&pending).Error
	})
	if err != nil {
		return "", "", err
	}

	return key.Secret(), key.URL(), nil
}

// ConfirmEnrollment promotes the pending secret to a confirmed device iff
// the submitted token is valid for it. The new device's watermark starts
// at the matched step, so the confirmation token cannot be replayed at
// login. A wrong token keeps the pending secret so the user can retype.
func (s *TOTPService) ConfirmEnrollment(userID uuid.UUID, code string, now time.Time) (*models.TOTPDevice, error) {
	var pending models.PendingTOTP
	if err := s.DB.Where("user_id = ? AND expires_at > ?", userID, now).First(&pending).Error; err != nil {
		return nil, ErrNoPendingEnrollment
	}

	secret := utils.DecryptOrPlaintext(pending.Secret)
	step, ok := matchStep(secret, nil, code, now)
	if !ok {
		return nil, &RejectedError{Reason: "invalid TOTP token"}
	}

	device := models.TOTPDevice{
		UserID:   userID,
		Name:     pending.Name,
		Secret:   pending.Secret,
		LastStep: &step,
	}
	err := s.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&device).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", pending.ID).Delete(&models.PendingTOTP{}).Error
	})
	if err != nil {
		return nil, err
	}
	return &device, nil
}

// Verify checks the token against every enrolled device. Acceptance
// advances the matched device's watermark with a conditional update that
// only moves forward; if a concurrent request already recorded the same
// or a later step, this request loses and the token is rejected.
func (s *TOTPService) Verify(userID uuid.UUID, code string, now time.Time) error {
	var devices []models.TOTPDevice
	if err := s.DB.Where("user_id = ?", userID).Find(&devices).Error; err != nil {
		return err
	}

	for i := range devices {
		device := &devices[i]
		secret := utils.DecryptOrPlaintext(device.Secret)
		step, ok := matchStep(secret, device.LastStep, code, now)
		if !ok {
			continue
		}

		res := s.DB.Model(&models.TOTPDevice{}).
			Where("id = ? AND (last_step IS NULL OR last_step < ?)", device.ID, step).
			Updates(map[string]interface{}{
				"last_step":    step,
				"last_used_at": now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 1 {
			return nil
		}
		// Lost the watermark race: someone already used this step.
	}

	return &RejectedError{Reason: "invalid TOTP token"}
}

func (s *TOTPService) ListDevices(userID uuid.UUID) ([]models.TOTPDevice, error) {
	var devices []models.TOTPDevice
	err := s.DB.Where("user_id = ?", userID).Order("created_at ASC").Find(&devices).Error
	return devices, err
}

func (s *TOTPService) DeleteDevice(userID, deviceID uuid.UUID) error {
	res := s.DB.Where("id = ? AND user_id = ?", deviceID, userID).Delete(&models.TOTPDevice{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (s *TOTPService) CleanupExpiredPending(now time.Time) {
	s.DB.Where("expires_at < ?", now).Delete(&models.PendingTOTP{})
}
