package models

import "time"

type UserRole string

const (
	UserRoleAdmin UserRole = "admin"
	UserRoleUser  UserRole = "user"
)

// User rows are never hard-deleted; BaseModel's DeletedAt keeps the audit
// trail intact. TwoFactorEnabled implies TwoFactorSecret is set; the secret
// is written at enrollment but the flag only flips on the first verified code.
type User struct {
	BaseModel
	Username            string         `json:"username" gorm:"type:varchar(100);uniqueIndex;not null"`
	Email               string         `json:"email" gorm:"type:varchar(255);uniqueIndex;not null"`
	PasswordHash        string         `json:"-" gorm:"type:text;not null"`
	FirstName           string         `json:"firstName" gorm:"type:varchar(100);not null"`
	LastName            string         `json:"lastName" gorm:"type:varchar(100);not null"`
	Role                UserRole       `json:"role" gorm:"type:varchar(20);not null;default:'user'"`
	EmailConfirmed      bool           `json:"emailConfirmed" gorm:"not null;default:false"`
	TwoFactorEnabled    bool           `json:"twoFactorEnabled" gorm:"not null;default:false"`
	TwoFactorSecret     *string        `json:"-" gorm:"type:text"`
	FailedLoginAttempts int            `json:"-" gorm:"not null;default:0"`
	LockedUntil         *time.Time     `json:"-"`
	RefreshTokens       []RefreshToken `json:"-" gorm:"foreignKey:UserID"`
	BackupCodes         []BackupCode   `json:"-" gorm:"foreignKey:UserID"`
	RoleGrants          []RoleGrant    `json:"-" gorm:"foreignKey:UserID"`
}

func (u *User) IsLocked() bool {
	return u.LockedUntil != nil && u.LockedUntil.After(time.Now())
}
