package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// RefreshToken does not use BaseModel: rows are created, revoked and
// eventually purged, never soft-deleted. Only the SHA-256 hash of the
// opaque token is stored.
type RefreshToken struct {
	ID        uuid.UUID `json:"id" gorm:"type:uuid;primaryKey"`
	UserID    uuid.UUID `json:"userID" gorm:"type:uuid;not null;index"`
	TokenHash string    `json:"-" gorm:"type:text;not null;uniqueIndex"`
	ExpiresAt time.Time `json:"expiresAt" gorm:"not null;index"`
	Revoked   bool      `json:"revoked" gorm:"not null;default:false;index"`
	UserAgent string    `json:"userAgent" gorm:"type:varchar(255)"`
	IPAddress string    `json:"ipAddress" gorm:"type:varchar(45)"`
	CreatedAt time.Time `json:"createdAt" gorm:"not null"`
	User      User      `json:"-" gorm:"foreignKey:UserID"`
}

func (r *RefreshToken) BeforeCreate(_ *gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	return nil
}

func (r *RefreshToken) IsActive() bool {
	return !r.Revoked && time.Now().Before(r.ExpiresAt)
}

func (RefreshToken) TableName() string {
	return "refresh_tokens"
}
