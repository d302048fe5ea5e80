package models

import (
	"time"

	"github.com/google/uuid"
)

// TOTPDevice is a confirmed authenticator app enrollment. The secret is
// stored AES-GCM encrypted. LastStep is the time-step counter of the most
// recently accepted token; a token for a step at or below it never
// validates again.
type TOTPDevice struct {
	BaseModel
	UserID     uuid.UUID  `json:"userID" gorm:"type:uuid;not null;index"`
	Name       string     `json:"name" gorm:"type:varchar(64);not null"`
	Secret     string     `json:"-" gorm:"type:text;not null"`
	LastStep   *int64     `json:"-"`
	LastUsedAt *time.Time `json:"lastUsedAt,omitempty"`
	User       User       `json:"-" gorm:"foreignKey:UserID"`
}

// PendingTOTP holds a generated secret between setup and confirmation.
// The device only becomes a TOTPDevice once the user submits a valid
// token for it, proving the secret was actually captured.
type PendingTOTP struct {
	BaseModel
	UserID    uuid.UUID `json:"-" gorm:"type:uuid;uniqueIndex;not null"`
	Name      string    `json:"-" gorm:"type:varchar(64);not null"`
	Secret    string    `json:"-" gorm:"type:text;not null"`
	ExpiresAt time.Time `json:"-" gorm:"not null;index"`
}
