package proposal

import (
	"time"

	"github.com/google/uuid"
)

// Requirement is one structured requirement extracted from the RFP text and
// mapped to a target volume by the outline step.
type Requirement struct {
	ID           uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	ProposalID   uuid.UUID `gorm:"type:uuid;not null;index" json:"proposal_id"`
	Ref          string    `gorm:"column:ref;not null" json:"ref"`
	Text         string    `gorm:"column:text;type:text;not null" json:"text"`
	Mandatory    bool      `gorm:"column:mandatory;not null;default:false" json:"mandatory"`
	VolumeNumber int       `gorm:"column:volume_number;not null;default:0" json:"volume_number"`
	Section      string    `gorm:"column:section" json:"section,omitempty"`
	CreatedAt    time.Time `gorm:"not null;default:now()" json:"created_at"`
}

func (Requirement) TableName() string { return "proposal_requirement" }
