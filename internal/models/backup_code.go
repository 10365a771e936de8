package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// BackupCode is a single-use two-factor fallback credential. Codes are
// stored bcrypt-hashed; consumption is a conditional update on
// consumed_at IS NULL so a code can never be spent twice.
type BackupCode struct {
	ID         uuid.UUID  `json:"id" gorm:"type:uuid;primaryKey"`
	UserID     uuid.UUID  `json:"userID" gorm:"type:uuid;not null;index"`
	CodeHash   string     `json:"-" gorm:"type:text;not null"`
	ConsumedAt *time.Time `json:"consumedAt,omitempty"`
	CreatedAt  time.Time  `json:"createdAt" gorm:"not null"`
	User       User       `json:"-" gorm:"foreignKey:UserID"`
}

func (b *BackupCode) BeforeCreate(_ *gorm.DB) error {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	return nil
}

func (BackupCode) TableName() string {
	return "backup_codes"
}
