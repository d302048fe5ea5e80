package secondfactor

import (
	"crypto/rand"
	"fmt"
	"math/big"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/keyfort/backend/internal/models"
)

const (
	backupCodeDigits = 6
	// DefaultBackupBatch is the number of codes issued per batch.
	DefaultBackupBatch = 10

	maxCollisionRetries = 20
)

// BackupCodeService issues and consumes single-use numeric fallback
// codes.
type BackupCodeService struct {
	DB *gorm.DB
}

func NewBackupCodeService(db *gorm.DB) *BackupCodeService {
	return &BackupCodeService{DB: db}
}

func randomCode() (string, error) {
	max := big.NewInt(1)
	for i := 0; i < backupCodeDigits; i++ {
		max.Mul(max, big.NewInt(10))
	}
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", backupCodeDigits, n), nil
}

func (s *BackupCodeService) HasCodes(userID uuid.UUID) bool {
	var count int64
	s.DB.Model(&models.BackupCode{}).Where("user_id = ?", userID).Count(&count)
	return count > 0
}

func (s *BackupCodeService) Count(userID uuid.UUID) (int64, error) {
	var count int64
	err := s.DB.Model(&models.BackupCode{}).Where("user_id = ?", userID).Count(&count).Error
	return count, err
}

// IssueBatch creates count new codes for the user, retrying on
// per-user collisions. Existing codes are left in place; callers that
// want a clean batch clear first (see Regenerate).
func (s *BackupCodeService) IssueBatch(userID uuid.UUID, count int) ([]string, error) {
	codes := make([]string, 0, count)
	for len(codes) < count {
		issued := false
		for attempt := 0; attempt < maxCollisionRetries; attempt++ {
			code, err := randomCode()
			if err != nil {
				return nil, err
			}
			// The (user_id, code) unique index rejects duplicates; a
			// collision just draws again.
			err = s.DB.Create(&models.BackupCode{UserID: userID, Code: code}).Error
			if err == nil {
				codes = append(codes, code)
				issued = true
				break
			}
		}
		if !issued {
			return nil, fmt.Errorf("could not issue a unique backup code after %d attempts", maxCollisionRetries)
		}
	}
	return codes, nil
}

// Regenerate replaces the user's entire batch.
func (s *BackupCodeService) Regenerate(userID uuid.UUID, count int) ([]string, error) {
	if err := s.DB.Where("user_id = ?", userID).Delete(&models.BackupCode{}).Error; err != nil {
		return nil, err
	}
	return s.IssueBatch(userID, count)
}

// Consume validates and burns a code in one atomic conditional delete.
// Two concurrent submissions of the same code cannot both see
// RowsAffected == 1, so exactly one wins.
func (s *BackupCodeService) Consume(userID uuid.UUID, code string) error {
	res := s.DB.Where("user_id = ? AND code = ?", userID, code).Delete(&models.BackupCode{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected != 1 {
		return &RejectedError{Reason: "invalid backup code"}
	}
	return nil
}
