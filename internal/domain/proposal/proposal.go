package proposal

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Proposal statuses mirror the top-level job lifecycle from intake to
// deliverable.
const (
	StatusQueued        = "queued"
	StatusProcessing    = "processing"
	StatusBlocked       = "blocked"
	StatusReview        = "review"
	StatusNeedsRevision = "needs_revision"
	StatusCompleted     = "completed"
	StatusFailed        = "failed"
	StatusCancelled     = "cancelled"
)

// Proposal is one proposal-generation request against an RFP.
type Proposal struct {
	ID           uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	OwnerOrgID   uuid.UUID      `gorm:"type:uuid;not null;index" json:"owner_org_id"`
	Title        string         `gorm:"column:title;not null" json:"title"`
	RFPText      string         `gorm:"column:rfp_text;type:text" json:"rfp_text,omitempty"`
	Status       string         `gorm:"column:status;not null;index" json:"status"`
	CurrentStep  string         `gorm:"column:current_step" json:"current_step,omitempty"`
	CurrentStage string         `gorm:"column:current_stage;index" json:"current_stage,omitempty"`
	Progress     int            `gorm:"column:progress;not null;default:0" json:"progress"`
	VolumeLimits datatypes.JSON `gorm:"column:volume_limits;type:jsonb" json:"volume_limits,omitempty"`
	Outline      datatypes.JSON `gorm:"column:outline;type:jsonb" json:"outline,omitempty"`
	Validation   datatypes.JSON `gorm:"column:validation;type:jsonb" json:"validation,omitempty"`
	FinalReport  datatypes.JSON `gorm:"column:final_report;type:jsonb" json:"final_report,omitempty"`
	ArtifactKey  string         `gorm:"column:artifact_key" json:"artifact_key,omitempty"`
	CreatedAt    time.Time      `gorm:"not null;default:now();index" json:"created_at"`
	UpdatedAt    time.Time      `gorm:"not null;default:now();index" json:"updated_at"`
	CompletedAt  *time.Time     `gorm:"column:completed_at" json:"completed_at,omitempty"`
	DeletedAt    gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (Proposal) TableName() string { return "proposal" }
