package models

import (
	"time"

	"github.com/google/uuid"
)

type WebAuthnCredential struct {
	BaseModel
	UserID          uuid.UUID  `json:"userID" gorm:"type:uuid;not null;index"`
	Name            string     `json:"name" gorm:"type:varchar(64);not null"`
	CredentialID    []byte     `json:"-" gorm:"type:bytea;not null;uniqueIndex"`
	PublicKey       []byte     `json:"-" gorm:"type:bytea;not null"`
	AttestationType string     `json:"-" gorm:"type:varchar(32)"`
	AAGUID          []byte     `json:"-" gorm:"type:bytea"`
	SignCount       uint32     `json:"-" gorm:"not null;default:0"`
	Transports      string     `json:"-" gorm:"type:text"`
	BackupEligible  bool       `json:"-" gorm:"not null;default:false"`
	BackupState     bool       `json:"-" gorm:"not null;default:false"`
	LastUsedAt      *time.Time `json:"lastUsedAt,omitempty"`
	User            User       `json:"-" gorm:"foreignKey:UserID"`
}
