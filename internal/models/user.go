package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// User is a guardian account. ExternalParentID and LastValidatedAt are
// mutated only by the identity resolver and the auth subsystem.
type User struct {
	ID               uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	Email            string         `gorm:"not null;size:255;uniqueIndex" json:"email"`
	Password         string         `gorm:"not null" json:"-"`
	IsGuardian       bool           `gorm:"default:true" json:"is_guardian"`
	ExternalParentID *string        `gorm:"size:64;index" json:"-"`
	LastValidatedAt  *time.Time     `json:"last_validated_at"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
	DeletedAt        gorm.DeletedAt `gorm:"index" json:"-"`

	Emails []UserEmail `gorm:"foreignKey:UserID" json:"-"`
}

// UserEmail is an additional address a guardian has attached to their
// account. Only verified addresses take part in identity resolution
// unless the deployment opts in to unverified ones.
type UserEmail struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	UserID    uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_user_emails_user_email" json:"user_id"`
	Email     string    `gorm:"not null;size:255;uniqueIndex:idx_user_emails_user_email" json:"email"`
	Verified  bool      `gorm:"default:false" json:"verified"`
	CreatedAt time.Time `json:"created_at"`
}
