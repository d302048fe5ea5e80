package models

import "github.com/google/uuid"

// BackupCode is a single-use fallback credential. Uniqueness is scoped to
// (user, code); consuming a code deletes its row in the same statement
// that finds it.
type BackupCode struct {
	BaseModel
	UserID uuid.UUID `json:"-" gorm:"type:uuid;not null;index;uniqueIndex:idx_backup_user_code"`
	Code   string    `json:"-" gorm:"type:varchar(8);not null;uniqueIndex:idx_backup_user_code"`
	User   User      `json:"-" gorm:"foreignKey:UserID"`
}
