package domain

import (
	"github.com/draftwell/propgen-backend/internal/domain/jobs"
	"github.com/draftwell/propgen-backend/internal/domain/proposal"
)

type (
	JobRun          = jobs.JobRun
	Proposal        = proposal.Proposal
	Volume          = proposal.Volume
	IterationRecord = proposal.IterationRecord
	Requirement     = proposal.Requirement
)
