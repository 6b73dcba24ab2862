package repos

import (
	"gorm.io/gorm"

	"github.com/draftwell/propgen-backend/internal/data/repos/jobs"
	"github.com/draftwell/propgen-backend/internal/data/repos/proposalrepo"
	"github.com/draftwell/propgen-backend/internal/platform/logger"
)

type JobRunRepo = jobs.JobRunRepo

type ProposalRepo = proposalrepo.ProposalRepo
type VolumeRepo = proposalrepo.VolumeRepo
type IterationRepo = proposalrepo.IterationRepo
type RequirementRepo = proposalrepo.RequirementRepo

// Repos bundles every repository over one gorm handle.
type Repos struct {
	JobRun JobRunRepo

	Proposal    ProposalRepo
	Volume      VolumeRepo
	Iteration   IterationRepo
	Requirement RequirementRepo
}

func New(db *gorm.DB, log *logger.Logger) *Repos {
	return &Repos{
		JobRun: jobs.NewJobRunRepo(db, log),

		Proposal:    proposalrepo.NewProposalRepo(db, log),
		Volume:      proposalrepo.NewVolumeRepo(db, log),
		Iteration:   proposalrepo.NewIterationRepo(db, log),
		Requirement: proposalrepo.NewRequirementRepo(db, log),
	}
}
