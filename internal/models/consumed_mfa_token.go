package models

import "time"

// ConsumedMFAToken records a challenge-token ID that already promoted a
// session. The primary key makes consumption a conditional insert: of
// two writers racing on the same ID, the second gets a duplicate-key
// error and loses. Rows are swept once the token itself has expired.
type ConsumedMFAToken struct {
	JTI       string    `json:"-" gorm:"type:varchar(36);primaryKey"`
	ExpiresAt time.Time `json:"-" gorm:"not null;index"`
	CreatedAt time.Time `json:"-" gorm:"not null"`
}

func (ConsumedMFAToken) TableName() string {
	return "consumed_mfa_tokens"
}
