package volume_consult

import (
	"gorm.io/gorm"

	"github.com/draftwell/propgen-backend/internal/data/repos"
	"github.com/draftwell/propgen-backend/internal/platform/llm"
	"github.com/draftwell/propgen-backend/internal/platform/logger"
	"github.com/draftwell/propgen-backend/internal/services"
)

/*
Pipeline drives one volume's iteration loop:

	ready_for_scoring → scoring → awaiting_approval → approved
	                                └→ iterate → rewrite → rescore → ...

Each human decision arrives as a waitpoint resume, so the pipeline is fully
re-entrant: every claim re-reads the volume and the decision envelope and
continues from there. The loop is bounded by MaxIterations; asking for more
blocks the job for manual review instead.
*/
type Pipeline struct {
	db         *gorm.DB
	log        *logger.Logger
	proposals  repos.ProposalRepo
	volumes    repos.VolumeRepo
	iterations repos.IterationRepo

	requirements repos.RequirementRepo
	ai           llm.Client
	notify       services.JobNotifier
}

func New(
	db *gorm.DB,
	baseLog *logger.Logger,
	proposals repos.ProposalRepo,
	volumes repos.VolumeRepo,
	iterations repos.IterationRepo,
	requirements repos.RequirementRepo,
	ai llm.Client,
	notify services.JobNotifier,
) *Pipeline {
	return &Pipeline{
		db:           db,
		log:          baseLog.With("job", "volume_consult"),
		proposals:    proposals,
		volumes:      volumes,
		iterations:   iterations,
		requirements: requirements,
		ai:           ai,
		notify:       notify,
	}
}

func (p *Pipeline) Type() string { return "volume_consult" }
