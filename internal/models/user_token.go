package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type TokenPurpose string

const (
	TokenPurposeEmailConfirm  TokenPurpose = "email_confirm"
	TokenPurposePasswordReset TokenPurpose = "password_reset"
)

// UserToken is a purpose-tagged opaque token (email confirmation, password
// reset). Stored hashed, consumed at most once.
type UserToken struct {
	ID         uuid.UUID    `json:"id" gorm:"type:uuid;primaryKey"`
	UserID     uuid.UUID    `json:"userID" gorm:"type:uuid;not null;index"`
	TokenHash  string       `json:"-" gorm:"type:text;not null;uniqueIndex"`
	Purpose    TokenPurpose `json:"purpose" gorm:"type:varchar(20);not null;index"`
	ExpiresAt  time.Time    `json:"expiresAt" gorm:"not null;index"`
	ConsumedAt *time.Time   `json:"consumedAt,omitempty"`
	CreatedAt  time.Time    `json:"createdAt" gorm:"not null"`
	User       User         `json:"-" gorm:"foreignKey:UserID"`
}

func (t *UserToken) BeforeCreate(_ *gorm.DB) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	return nil
}

func (t *UserToken) IsUsable() bool {
	return t.ConsumedAt == nil && time.Now().Before(t.ExpiresAt)
}

func (UserToken) TableName() string {
	return "user_tokens"
}
