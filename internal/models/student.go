package models

import (
	"time"

	"github.com/google/uuid"
)

// Student is created on first sighting by the resolver.
// ExternalStudentID is the stable join key into the directory/warehouse.
type Student struct {
	ID                uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	ExternalStudentID string    `gorm:"size:64;not null;uniqueIndex" json:"external_student_id"`
	FirstName         string    `gorm:"size:128" json:"first_name"`
	LastName          string    `gorm:"size:128" json:"last_name"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// GuardianLink records that a guardian relationship was observed for a
// (user, student) pair. Rows are never deleted, only toggled active, so
// the table doubles as an audit trail of every relationship ever seen.
type GuardianLink struct {
	ID             uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	UserID         uuid.UUID  `gorm:"type:uuid;not null;uniqueIndex:idx_guardian_links_user_student" json:"user_id"`
	StudentID      uuid.UUID  `gorm:"type:uuid;not null;uniqueIndex:idx_guardian_links_user_student" json:"student_id"`
	Active         bool       `gorm:"default:true;index" json:"active"`
	Source         string     `gorm:"size:32;default:'directory'" json:"source"`
	LastVerifiedAt *time.Time `json:"last_verified_at"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`

	Student Student `gorm:"foreignKey:StudentID" json:"student"`
}

// Resolution source tags recorded on GuardianLink.Source.
const (
	SourceContactCache = "cache"
	SourceWarehouse    = "warehouse"
	SourceDirectory    = "directory"
)
