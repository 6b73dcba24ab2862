package proposal

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// IterationRecord is an append-only log entry for one rework cycle of a
// volume. Never mutated after creation; the consult step reads prior
// records to flag repeated issues.
type IterationRecord struct {
	ID              uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	ProposalID      uuid.UUID      `gorm:"type:uuid;not null;index" json:"proposal_id"`
	VolumeID        uuid.UUID      `gorm:"type:uuid;not null;index" json:"volume_id"`
	Iteration       int            `gorm:"column:iteration;not null" json:"iteration"`
	UserFeedback    string         `gorm:"column:user_feedback;type:text" json:"user_feedback,omitempty"`
	IssuesAddressed datatypes.JSON `gorm:"column:issues_addressed;type:jsonb" json:"issues_addressed,omitempty"`
	CreatedAt       time.Time      `gorm:"not null;default:now()" json:"created_at"`
}

func (IterationRecord) TableName() string { return "proposal_iteration" }
