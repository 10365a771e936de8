package models

import "github.com/google/uuid"

// RoleGrant holds extra roles beyond the primary User.Role. Grants are
// embedded into the JWT roles claim at token issuance.
type RoleGrant struct {
	BaseModel
	UserID uuid.UUID `json:"userID" gorm:"type:uuid;not null;index;uniqueIndex:idx_role_grant"`
	Role   string    `json:"role" gorm:"type:varchar(50);not null;uniqueIndex:idx_role_grant"`
	User   User      `json:"-" gorm:"foreignKey:UserID"`
}

func (RoleGrant) TableName() string {
	return "role_grants"
}
