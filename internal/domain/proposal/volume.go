package proposal

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Volume statuses. A Volume reaches approved only through an explicit human
// decision; blocked is recoverable, complete means checkpointed content.
const (
	VolumeStatusPending          = "pending"
	VolumeStatusGenerating       = "generating"
	VolumeStatusReadyForScoring  = "ready_for_scoring"
	VolumeStatusScoring          = "scoring"
	VolumeStatusAwaitingApproval = "awaiting_approval"
	VolumeStatusIterating        = "iterating"
	VolumeStatusApproved         = "approved"
	VolumeStatusBlocked          = "blocked"
	VolumeStatusComplete         = "complete"
)

// MaxIterations caps the rework loop per volume. Requesting a sixth
// iteration blocks the job for manual review instead.
const MaxIterations = 5

// Volume is one of the fixed set of independent content units composing the
// deliverable.
type Volume struct {
	ID             uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	ProposalID     uuid.UUID      `gorm:"type:uuid;not null;index" json:"proposal_id"`
	Number         int            `gorm:"column:number;not null" json:"number"`
	Title          string         `gorm:"column:title;not null" json:"title"`
	Content        string         `gorm:"column:content;type:text" json:"content,omitempty"`
	PageCount      int            `gorm:"column:page_count;not null;default:0" json:"page_count"`
	PageLimit      int            `gorm:"column:page_limit;not null;default:0" json:"page_limit"`
	Status         string         `gorm:"column:status;not null;index" json:"status"`
	Score          int            `gorm:"column:score;not null;default:0" json:"score"`
	Iteration      int            `gorm:"column:iteration;not null;default:0" json:"iteration"`
	Insights       datatypes.JSON `gorm:"column:insights;type:jsonb" json:"insights,omitempty"`
	Progress       datatypes.JSON `gorm:"column:progress;type:jsonb" json:"progress,omitempty"`
	CheckpointedAt *time.Time     `gorm:"column:checkpointed_at" json:"checkpointed_at,omitempty"`
	CreatedAt      time.Time      `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt      time.Time      `gorm:"not null;default:now();index" json:"updated_at"`
}

func (Volume) TableName() string { return "proposal_volume" }

// CheckpointValid reports whether the volume's persisted content can be
// reused instead of regenerating. Stale content without the paired status
// flag must be discarded on resume.
func (v *Volume) CheckpointValid() bool {
	if v == nil || v.CheckpointedAt == nil || v.Content == "" {
		return false
	}
	switch v.Status {
	case VolumeStatusComplete, VolumeStatusApproved, VolumeStatusReadyForScoring,
		VolumeStatusScoring, VolumeStatusAwaitingApproval, VolumeStatusIterating:
		return true
	default:
		return false
	}
}
