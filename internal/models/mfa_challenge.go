package models

import (
	"time"

	"github.com/google/uuid"
)

type MFAChallengeType string

const (
	MFAChallengeRegistration   MFAChallengeType = "registration"
	MFAChallengeAuthentication MFAChallengeType = "authentication"
)

// MFAChallenge is a pending WebAuthn ceremony. At most one exists per
// (user, type); it is deleted on the terminal verification attempt
// whether or not that attempt succeeds, so every attempt needs a fresh
// challenge. Expired rows are treated the same as missing ones.
type MFAChallenge struct {
	BaseModel
	UserID      *uuid.UUID       `json:"-" gorm:"type:uuid;index"`
	Challenge   []byte           `json:"-" gorm:"type:bytea;not null"`
	Type        MFAChallengeType `json:"-" gorm:"type:varchar(20);not null"`
	Label       string           `json:"-" gorm:"type:varchar(64)"`
	SessionData string           `json:"-" gorm:"type:text;not null"`
	ExpiresAt   time.Time        `json:"-" gorm:"not null;index"`
}
