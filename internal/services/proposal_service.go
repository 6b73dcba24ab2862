package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/draftwell/propgen-backend/internal/clients/gcs"
	"github.com/draftwell/propgen-backend/internal/data/repos"
	types "github.com/draftwell/propgen-backend/internal/domain"
	domainjobs "github.com/draftwell/propgen-backend/internal/domain/jobs"
	proposaldomain "github.com/draftwell/propgen-backend/internal/domain/proposal"
	jobrt "github.com/draftwell/propgen-backend/internal/jobs/runtime"
	"github.com/draftwell/propgen-backend/internal/modules/proposal/steps"
	"github.com/draftwell/propgen-backend/internal/platform/dbctx"
	"github.com/draftwell/propgen-backend/internal/platform/logger"
)

// ProposalService is the control surface for proposal runs: intake,
// status reads, the two human decision points, cancel, and the
// assembled-artifact download.
type ProposalService interface {
	Create(ctx context.Context, ownerOrgID uuid.UUID, title, rfpText string) (*types.Proposal, *types.JobRun, error)
	GetByID(dbc dbctx.Context, ownerOrgID uuid.UUID, proposalID uuid.UUID) (*types.Proposal, error)
	List(dbc dbctx.Context, ownerOrgID uuid.UUID, limit, offset int) ([]*types.Proposal, error)
	Volumes(dbc dbctx.Context, ownerOrgID uuid.UUID, proposalID uuid.UUID) ([]*types.Volume, error)
	ApproveValidation(ctx context.Context, ownerOrgID uuid.UUID, proposalID uuid.UUID) (*types.JobRun, error)
	DecideVolume(ctx context.Context, ownerOrgID uuid.UUID, proposalID uuid.UUID, volumeNumber int, decision, feedback string) (*types.JobRun, error)
	Cancel(ctx context.Context, ownerOrgID uuid.UUID, proposalID uuid.UUID) (*types.Proposal, error)
	Artifact(ctx context.Context, ownerOrgID uuid.UUID, proposalID uuid.UUID) ([]byte, string, error)
}

type proposalService struct {
	db  *gorm.DB
	log *logger.Logger

	proposals repos.ProposalRepo
	volumes   repos.VolumeRepo
	jobRuns   repos.JobRunRepo
	jobs      JobService
	bucket    gcs.BucketService
}

func NewProposalService(
	db *gorm.DB,
	baseLog *logger.Logger,
	proposals repos.ProposalRepo,
	volumes repos.VolumeRepo,
	jobRuns repos.JobRunRepo,
	jobs JobService,
	bucket gcs.BucketService,
) ProposalService {
	return &proposalService{
		db:        db,
		log:       baseLog.With("service", "ProposalService"),
		proposals: proposals,
		volumes:   volumes,
		jobRuns:   jobRuns,
		jobs:      jobs,
		bucket:    bucket,
	}
}

// Create persists the proposal with its four volume shells and enqueues
// the root build job, all in one transaction. The workflow is dispatched
// only after commit so the first tick sees the rows.
func (s *proposalService) Create(ctx context.Context, ownerOrgID uuid.UUID, title, rfpText string) (*types.Proposal, *types.JobRun, error) {
	if ownerOrgID == uuid.Nil {
		return nil, nil, fmt.Errorf("missing owner_org_id")
	}
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, nil, fmt.Errorf("missing title")
	}

	prop := &types.Proposal{
		ID:          uuid.New(),
		OwnerOrgID:  ownerOrgID,
		Title:       title,
		RFPText:     rfpText,
		Status:      proposaldomain.StatusQueued,
		CurrentStep: "queued",
	}

	var job *types.JobRun
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		dbc := dbctx.Context{Ctx: ctx, Tx: tx}
		if _, err := s.proposals.Create(dbc, []*types.Proposal{prop}); err != nil {
			return fmt.Errorf("create proposal: %w", err)
		}

		vols := make([]*types.Volume, 0, steps.VolumeCount)
		for n := 1; n <= steps.VolumeCount; n++ {
			vols = append(vols, &types.Volume{
				ID:         uuid.New(),
				ProposalID: prop.ID,
				Number:     n,
				Title:      steps.DefaultVolumeTitle(n),
				Status:     proposaldomain.VolumeStatusPending,
			})
		}
		if _, err := s.volumes.Create(dbc, vols); err != nil {
			return fmt.Errorf("create volumes: %w", err)
		}

		entityID := prop.ID
		j, err := s.jobs.EnqueueTx(dbc, ownerOrgID, "proposal_build", "proposal", &entityID, map[string]any{
			"proposal_id": prop.ID.String(),
		})
		if err != nil {
			return err
		}
		job = j
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	if job != nil {
		if err := s.jobs.Dispatch(ctx, job.ID); err != nil {
			return prop, job, err
		}
	}
	return prop, job, nil
}

func (s *proposalService) GetByID(dbc dbctx.Context, ownerOrgID uuid.UUID, proposalID uuid.UUID) (*types.Proposal, error) {
	if ownerOrgID == uuid.Nil || proposalID == uuid.Nil {
		return nil, fmt.Errorf("missing proposal id")
	}
	prop, err := s.proposals.GetByID(dbc, proposalID)
	if err != nil {
		return nil, err
	}
	if prop == nil || prop.OwnerOrgID != ownerOrgID {
		return nil, fmt.Errorf("proposal not found")
	}
	return prop, nil
}

func (s *proposalService) List(dbc dbctx.Context, ownerOrgID uuid.UUID, limit, offset int) ([]*types.Proposal, error) {
	if ownerOrgID == uuid.Nil {
		return nil, fmt.Errorf("missing owner_org_id")
	}
	return s.proposals.ListByOwner(dbc, ownerOrgID, limit, offset)
}

func (s *proposalService) Volumes(dbc dbctx.Context, ownerOrgID uuid.UUID, proposalID uuid.UUID) ([]*types.Volume, error) {
	if _, err := s.GetByID(dbc, ownerOrgID, proposalID); err != nil {
		return nil, err
	}
	return s.volumes.ListByProposal(dbc, proposalID)
}

// ApproveValidation records the human go-ahead on a suspended validation
// gate and wakes the child job.
func (s *proposalService) ApproveValidation(ctx context.Context, ownerOrgID uuid.UUID, proposalID uuid.UUID) (*types.JobRun, error) {
	dbc := dbctx.Context{Ctx: ctx}
	if _, err := s.GetByID(dbc, ownerOrgID, proposalID); err != nil {
		return nil, err
	}
	job, err := s.jobs.GetLatestForEntity(dbc, ownerOrgID, "proposal", proposalID, "proposal_validate")
	if err != nil {
		return nil, err
	}
	return s.recordDecision(ctx, job, jobrt.WaitKindValidationApproval, jobrt.DecisionApproved, "")
}

// DecideVolume records the approve/iterate decision for one volume's
// review gate and wakes its consult job.
func (s *proposalService) DecideVolume(ctx context.Context, ownerOrgID uuid.UUID, proposalID uuid.UUID, volumeNumber int, decision, feedback string) (*types.JobRun, error) {
	decision = strings.ToLower(strings.TrimSpace(decision))
	if decision != jobrt.DecisionApproved && decision != jobrt.DecisionIterate {
		return nil, fmt.Errorf("unknown decision %q", decision)
	}

	dbc := dbctx.Context{Ctx: ctx}
	if _, err := s.GetByID(dbc, ownerOrgID, proposalID); err != nil {
		return nil, err
	}
	vol, err := s.volumes.GetByProposalAndNumber(dbc, proposalID, volumeNumber)
	if err != nil {
		return nil, err
	}
	if vol == nil {
		return nil, fmt.Errorf("volume not found")
	}
	job, err := s.jobs.GetLatestForEntity(dbc, ownerOrgID, "proposal_volume", vol.ID, "volume_consult")
	if err != nil {
		return nil, err
	}
	return s.recordDecision(ctx, job, jobrt.WaitKindVolumeDecision, decision, feedback)
}

// recordDecision writes the decision into the job's waitpoint envelope,
// requeues the job, and signals the workflow to resume.
func (s *proposalService) recordDecision(ctx context.Context, job *types.JobRun, wantKind, decision, feedback string) (*types.JobRun, error) {
	if job == nil {
		return nil, fmt.Errorf("no pending decision")
	}
	if !strings.EqualFold(strings.TrimSpace(job.Status), domainjobs.StatusWaitingUser) {
		return nil, fmt.Errorf("job is not waiting for a decision (status=%s)", job.Status)
	}
	env, ok := jobrt.ParseWaitpointEnvelope(job.Result)
	if !ok {
		return nil, fmt.Errorf("job has no waitpoint")
	}
	if env.Waitpoint.Kind != wantKind {
		return nil, fmt.Errorf("unexpected waitpoint kind %q", env.Waitpoint.Kind)
	}

	env.State.Decision = decision
	env.State.UserFeedback = strings.TrimSpace(feedback)
	b, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal waitpoint: %w", err)
	}

	dbc := dbctx.Context{Ctx: ctx}
	if err := s.jobRuns.UpdateFields(dbc, job.ID, map[string]interface{}{
		"result": datatypes.JSON(b),
		"status": domainjobs.StatusQueued,
	}); err != nil {
		return nil, err
	}
	job.Result = datatypes.JSON(b)
	job.Status = domainjobs.StatusQueued

	if err := s.jobs.SignalResume(ctx, job.ID); err != nil {
		s.log.Warn("Signal resume failed; workflow will pick the decision up on its next poll", "job_id", job.ID, "error", err)
	}
	return job, nil
}

// Cancel stops the root build job and marks the proposal cancelled.
// Completed proposals are returned as-is.
func (s *proposalService) Cancel(ctx context.Context, ownerOrgID uuid.UUID, proposalID uuid.UUID) (*types.Proposal, error) {
	dbc := dbctx.Context{Ctx: ctx}
	prop, err := s.GetByID(dbc, ownerOrgID, proposalID)
	if err != nil {
		return nil, err
	}
	if prop.Status == proposaldomain.StatusCompleted || prop.Status == proposaldomain.StatusCancelled {
		return prop, nil
	}

	if job, jerr := s.jobs.GetLatestForEntity(dbc, ownerOrgID, "proposal", proposalID, "proposal_build"); jerr == nil && job != nil {
		if _, cerr := s.jobs.Cancel(dbc, ownerOrgID, job.ID); cerr != nil {
			s.log.Warn("Cancel build job failed", "proposal_id", proposalID, "job_id", job.ID, "error", cerr)
		}
	}

	changed, err := s.proposals.UpdateFieldsUnlessStatus(dbc, proposalID, []string{proposaldomain.StatusCompleted}, map[string]interface{}{
		"status":       proposaldomain.StatusCancelled,
		"current_step": "cancelled",
	})
	if err != nil {
		return nil, err
	}
	if changed {
		prop.Status = proposaldomain.StatusCancelled
		prop.CurrentStep = "cancelled"
	}
	return prop, nil
}

// Artifact fetches the assembled proposal document from object storage.
func (s *proposalService) Artifact(ctx context.Context, ownerOrgID uuid.UUID, proposalID uuid.UUID) ([]byte, string, error) {
	prop, err := s.GetByID(dbctx.Context{Ctx: ctx}, ownerOrgID, proposalID)
	if err != nil {
		return nil, "", err
	}
	key := strings.TrimSpace(prop.ArtifactKey)
	if key == "" {
		return nil, "", fmt.Errorf("proposal has no artifact yet")
	}
	if s.bucket == nil {
		return nil, "", fmt.Errorf("artifact storage not configured")
	}
	data, err := s.bucket.Download(ctx, key)
	if err != nil {
		return nil, "", fmt.Errorf("download artifact: %w", err)
	}
	return data, "text/markdown", nil
}
