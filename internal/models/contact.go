package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Contact is a locally mirrored directory row, synced by the contactsync
// command. The resolver consults it before touching any network source.
type Contact struct {
	ID            uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	ContactID     string         `gorm:"size:64;not null;uniqueIndex" json:"contact_id"`
	FirstName     *string        `gorm:"size:128" json:"first_name"`
	LastName      *string        `gorm:"size:128" json:"last_name"`
	Email         *string        `gorm:"size:254;index" json:"email"`
	Sponsor1Email *string        `gorm:"size:254;index" json:"sponsor1_email"`
	Sponsor2Email *string        `gorm:"size:254;index" json:"sponsor2_email"`
	Raw           datatypes.JSON `gorm:"type:jsonb" json:"raw"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}
