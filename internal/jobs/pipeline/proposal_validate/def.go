package proposal_validate

import (
	"gorm.io/gorm"

	"github.com/draftwell/propgen-backend/internal/data/repos"
	"github.com/draftwell/propgen-backend/internal/platform/logger"
	"github.com/draftwell/propgen-backend/internal/services"
)

// Pipeline is the validation gate of the preparation stage. It runs the
// deterministic completeness checks; when blocking issues are found it
// suspends on a durable waitpoint and resumes only on an explicit approval,
// which can arrive days later.
type Pipeline struct {
	db           *gorm.DB
	log          *logger.Logger
	proposals    repos.ProposalRepo
	requirements repos.RequirementRepo
	notify       services.JobNotifier
}

func New(
	db *gorm.DB,
	baseLog *logger.Logger,
	proposals repos.ProposalRepo,
	requirements repos.RequirementRepo,
	notify services.JobNotifier,
) *Pipeline {
	return &Pipeline{
		db:           db,
		log:          baseLog.With("job", "proposal_validate"),
		proposals:    proposals,
		requirements: requirements,
		notify:       notify,
	}
}

func (p *Pipeline) Type() string { return "proposal_validate" }
