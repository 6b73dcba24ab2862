package proposal_build

import (
	"gorm.io/gorm"

	"github.com/draftwell/propgen-backend/internal/clients/gcs"
	"github.com/draftwell/propgen-backend/internal/data/repos"
	"github.com/draftwell/propgen-backend/internal/jobs/orchestrator"
	"github.com/draftwell/propgen-backend/internal/platform/llm"
	"github.com/draftwell/propgen-backend/internal/platform/logger"
	"github.com/draftwell/propgen-backend/internal/services"
)

// Pipeline is the top-level proposal orchestration: it sequences the five
// stages (preparation, volume generation, consultation/scoring, assembly,
// final scoring) over the durable stage engine, fanning volume work out to
// child jobs.
type Pipeline struct {
	db           *gorm.DB
	log          *logger.Logger
	proposals    repos.ProposalRepo
	volumes      repos.VolumeRepo
	requirements repos.RequirementRepo
	jobRuns      repos.JobRunRepo
	bucket       gcs.BucketService
	ai           llm.Client
	notify       services.JobNotifier
	engine       *orchestrator.Engine
}

func New(
	db *gorm.DB,
	baseLog *logger.Logger,
	proposals repos.ProposalRepo,
	volumes repos.VolumeRepo,
	requirements repos.RequirementRepo,
	jobRuns repos.JobRunRepo,
	bucket gcs.BucketService,
	ai llm.Client,
	notify services.JobNotifier,
	childJobs orchestrator.ChildEnqueuer,
) *Pipeline {
	return &Pipeline{
		db:           db,
		log:          baseLog.With("job", "proposal_build"),
		proposals:    proposals,
		volumes:      volumes,
		requirements: requirements,
		jobRuns:      jobRuns,
		bucket:       bucket,
		ai:           ai,
		notify:       notify,
		engine:       orchestrator.NewEngine(childJobs),
	}
}

func (p *Pipeline) Type() string { return "proposal_build" }
