package services

import (
	"time"

	"gorm.io/gorm"

	"github.com/keyfort/backend/internal/models"
)

// MFATokenService tracks which challenge-token IDs have promoted a
// session. The state is a database table rather than process memory so
// every replica sees the same consumption.
type MFATokenService struct {
	DB *gorm.DB
}

func NewMFATokenService(db *gorm.DB) *MFATokenService {
	return &MFATokenService{DB: db}
}

// IsConsumed reports whether the token ID has already promoted a
// session. Callers about to promote must use TryConsume; this is only
// for early rejection before running a verifier.
func (s *MFATokenService) IsConsumed(jti string) bool {
	var count int64
	s.DB.Model(&models.ConsumedMFAToken{}).Where("jti = ?", jti).Count(&count)
	return count > 0
}

// TryConsume marks the token ID consumed and reports whether this
// caller won. The insert is judged by the primary key, so two
// concurrent promotions of the same token cannot both win. Any insert
// failure counts as a loss: a promotion that cannot be recorded must
// not happen.
func (s *MFATokenService) TryConsume(jti string, expiresAt time.Time) bool {
	err := s.DB.Create(&models.ConsumedMFAToken{JTI: jti, ExpiresAt: expiresAt}).Error
	return err == nil
}

// Release frees a token ID whose verifier rejected the proof, so the
// user can retry with the same challenge token.
func (s *MFATokenService) Release(jti string) {
	s.DB.Where("jti = ?", jti).Delete(&models.ConsumedMFAToken{})
}

func (s *MFATokenService) CleanupExpired(now time.Time) {
	s.DB.Where("expires_at < ?", now).Delete(&models.ConsumedMFAToken{})
}
