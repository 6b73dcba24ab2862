package volume_generate

import (
	"gorm.io/gorm"

	"github.com/draftwell/propgen-backend/internal/data/repos"
	"github.com/draftwell/propgen-backend/internal/platform/llm"
	"github.com/draftwell/propgen-backend/internal/platform/logger"
	"github.com/draftwell/propgen-backend/internal/services"
)

// Pipeline generates the content of one volume. Section writes fan out under
// a concurrency cap with per-section failure containment; on success the
// content is checkpointed immediately so a restarted job reuses it instead of
// paying for regeneration.
type Pipeline struct {
	db           *gorm.DB
	log          *logger.Logger
	proposals    repos.ProposalRepo
	volumes      repos.VolumeRepo
	requirements repos.RequirementRepo
	ai           llm.Client
	notify       services.JobNotifier
}

func New(
	db *gorm.DB,
	baseLog *logger.Logger,
	proposals repos.ProposalRepo,
	volumes repos.VolumeRepo,
	requirements repos.RequirementRepo,
	ai llm.Client,
	notify services.JobNotifier,
) *Pipeline {
	return &Pipeline{
		db:           db,
		log:          baseLog.With("job", "volume_generate"),
		proposals:    proposals,
		volumes:      volumes,
		requirements: requirements,
		ai:           ai,
		notify:       notify,
	}
}

func (p *Pipeline) Type() string { return "volume_generate" }
