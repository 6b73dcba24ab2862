package proposal_build

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	proposaldomain "github.com/draftwell/propgen-backend/internal/domain/proposal"
	"github.com/draftwell/propgen-backend/internal/jobs/orchestrator"
	jobrt "github.com/draftwell/propgen-backend/internal/jobs/runtime"
	"github.com/draftwell/propgen-backend/internal/modules/proposal/steps"
	"github.com/draftwell/propgen-backend/internal/platform/dbctx"
)

// Stage names. These are also the event names consumers subscribe to, so
// they are part of the pipeline's public contract.
const (
	StagePrepareParams       = "prepare_params"
	StageExtractRequirements = "extract_requirements"
	StageValidationGate      = "validation_gate"
	StageBuildOutline        = "build_outline"
	StageGenerateVolumes     = "generate_volumes"
	StageConsultVolumes      = "consult_volumes"
	StageAssemble            = "assemble"
	StageFinalScore          = "final_score"
)

// Child job types dispatched by the fan-out and waitpoint stages.
const (
	JobTypeValidate       = "proposal_validate"
	JobTypeVolumeGenerate = "volume_generate"
	JobTypeVolumeConsult  = "volume_consult"
)

func (p *Pipeline) stages(proposalID uuid.UUID) []orchestrator.Stage {
	generationRetry := orchestrator.RetryPolicy{
		MaxAttempts: 3,
		MinBackoff:  5 * time.Second,
		MaxBackoff:  2 * time.Minute,
	}

	return []orchestrator.Stage{
		{
			Name:     StagePrepareParams,
			Mode:     orchestrator.ModeInline,
			StartPct: 2,
			EndPct:   8,
			StartMsg: "Deriving structural parameters...",
			DoneMsg:  "Parameters ready",
			Run: p.inlineStage(StagePrepareParams, "Deriving volume page limits", proposalID,
				func(jc *jobrt.Context, st *orchestrator.OrchestratorState) (map[string]any, error) {
					out, err := steps.PrepareParams(dbctx.New(jc.Ctx), steps.PrepareParamsDeps{
						Log:       p.log,
						Proposals: p.proposals,
						Volumes:   p.volumes,
					}, steps.PrepareParamsInput{ProposalID: proposalID})
					if err != nil {
						return nil, err
					}
					return map[string]any{"limits": out.Limits}, nil
				}),
		},
		{
			Name:     StageExtractRequirements,
			Mode:     orchestrator.ModeInline,
			StartPct: 8,
			EndPct:   15,
			StartMsg: "Extracting requirements from the RFP...",
			DoneMsg:  "Requirements extracted",
			Retry:    generationRetry,
			Run: p.inlineStage(StageExtractRequirements, "Extracting structured requirements", proposalID,
				func(jc *jobrt.Context, st *orchestrator.OrchestratorState) (map[string]any, error) {
					out, err := steps.ExtractRequirements(dbctx.New(jc.Ctx), steps.ExtractRequirementsDeps{
						Log:          p.log,
						Proposals:    p.proposals,
						Requirements: p.requirements,
						AI:           p.ai,
					}, steps.ExtractRequirementsInput{ProposalID: proposalID, JobID: jc.Job.ID})
					if err != nil {
						return nil, err
					}
					return map[string]any{
						"count":     out.Count,
						"mandatory": out.Mandatory,
						"reused":    out.Reused,
					}, nil
				}),
		},
		{
			// The gate runs as a child job so it can suspend on WaitForUser for
			// days without holding this orchestrator mid-stage.
			Name:         StageValidationGate,
			Mode:         orchestrator.ModeChild,
			StartPct:     15,
			EndPct:       20,
			StartMsg:     "Validating inputs...",
			DoneMsg:      "Validation passed",
			ChildJobType: JobTypeValidate,
			ChildEntity: func(jc *jobrt.Context) (string, *uuid.UUID) {
				id := proposalID
				return "proposal", &id
			},
			ChildPayload: func(jc *jobrt.Context, st *orchestrator.OrchestratorState) (map[string]any, error) {
				return map[string]any{"proposal_id": proposalID.String()}, nil
			},
		},
		{
			Name:     StageBuildOutline,
			Mode:     orchestrator.ModeInline,
			StartPct: 20,
			EndPct:   25,
			StartMsg: "Building the content outline...",
			DoneMsg:  "Outline ready",
			Retry:    generationRetry,
			Run: p.inlineStage(StageBuildOutline, "Mapping requirements to volumes and sections", proposalID,
				func(jc *jobrt.Context, st *orchestrator.OrchestratorState) (map[string]any, error) {
					out, err := steps.BuildOutline(dbctx.New(jc.Ctx), steps.BuildOutlineDeps{
						Log:          p.log,
						Proposals:    p.proposals,
						Requirements: p.requirements,
						AI:           p.ai,
					}, steps.BuildOutlineInput{ProposalID: proposalID, JobID: jc.Job.ID})
					if err != nil {
						return nil, err
					}
					return map[string]any{
						"volumes":  len(out.Outline.Volumes),
						"fallback": out.Outline.Fallback,
						"reused":   out.Reused,
					}, nil
				}),
		},
		{
			// Fan-out: all four volumes generate concurrently. A failed volume
			// is recorded and siblings keep going; the assembly checklist is
			// what ultimately refuses an incomplete set.
			Name:                   StageGenerateVolumes,
			Mode:                   orchestrator.ModeFanout,
			StartPct:               25,
			EndPct:                 55,
			StartMsg:               "Generating volumes...",
			DoneMsg:                "Volumes generated",
			ChildJobType:           JobTypeVolumeGenerate,
			ContinueOnChildFailure: true,
			MaxConcurrentChildren:  steps.VolumeCount,
			FanoutChildren:         p.volumeChildren(proposalID),
		},
		{
			Name:                   StageConsultVolumes,
			Mode:                   orchestrator.ModeFanout,
			StartPct:               55,
			EndPct:                 85,
			StartMsg:               "Scoring and reviewing volumes...",
			DoneMsg:                "All volume decisions resolved",
			ChildJobType:           JobTypeVolumeConsult,
			ContinueOnChildFailure: true,
			MaxConcurrentChildren:  steps.VolumeCount,
			FanoutChildren:         p.volumeChildren(proposalID),
		},
		{
			Name:     StageAssemble,
			Mode:     orchestrator.ModeInline,
			StartPct: 85,
			EndPct:   92,
			StartMsg: "Assembling the deliverable...",
			DoneMsg:  "Deliverable assembled",
			Run: p.inlineStage(StageAssemble, "Running the assembly checklist", proposalID,
				func(jc *jobrt.Context, st *orchestrator.OrchestratorState) (map[string]any, error) {
					return p.runAssemble(jc, proposalID)
				}),
		},
		{
			Name:     StageFinalScore,
			Mode:     orchestrator.ModeInline,
			StartPct: 92,
			EndPct:   100,
			StartMsg: "Running final cross-volume checks...",
			DoneMsg:  "Final scoring complete",
			Run: p.inlineStage(StageFinalScore, "Cross-volume duplicate, terminology and aggregate checks", proposalID,
				func(jc *jobrt.Context, st *orchestrator.OrchestratorState) (map[string]any, error) {
					return p.runFinalScore(jc, proposalID)
				}),
		},
	}
}

// volumeChildren enumerates one fan-out child per volume with a key stable
// across resumes.
func (p *Pipeline) volumeChildren(proposalID uuid.UUID) func(jc *jobrt.Context, st *orchestrator.OrchestratorState) ([]orchestrator.FanoutChild, error) {
	return func(jc *jobrt.Context, st *orchestrator.OrchestratorState) ([]orchestrator.FanoutChild, error) {
		volumes, err := p.loadVolumes(jc, proposalID)
		if err != nil {
			return nil, err
		}
		if len(volumes) == 0 {
			return nil, fmt.Errorf("proposal %s has no volumes", proposalID)
		}
		children := make([]orchestrator.FanoutChild, 0, len(volumes))
		for _, v := range volumes {
			if v == nil {
				continue
			}
			id := v.ID
			children = append(children, orchestrator.FanoutChild{
				Key:        fmt.Sprintf("volume_%d", v.Number),
				EntityType: "proposal_volume",
				EntityID:   &id,
				Payload: map[string]any{
					"proposal_id":   proposalID.String(),
					"volume_number": v.Number,
				},
			})
		}
		return children, nil
	}
}

func (p *Pipeline) runAssemble(jc *jobrt.Context, proposalID uuid.UUID) (map[string]any, error) {
	dbc := dbctx.New(jc.Ctx)
	prop, err := p.proposals.GetByID(dbc, proposalID)
	if err != nil {
		return nil, err
	}
	volumes, err := p.loadVolumes(jc, proposalID)
	if err != nil {
		return nil, err
	}

	out, err := steps.Assemble(steps.AssembleInput{Proposal: prop, Volumes: volumes})
	if err != nil {
		var cf *steps.ChecklistFailure
		if errors.As(err, &cf) {
			// Surface the full failed-check list to the event stream before
			// failing; a partial artifact is never produced.
			return map[string]any{"failed_checks": cf.Failed}, err
		}
		return nil, err
	}

	artifactKey := fmt.Sprintf("proposals/%s/proposal.md", proposalID)
	if p.bucket != nil {
		if err := p.bucket.Upload(jc.Ctx, artifactKey, "text/markdown", []byte(out.Document)); err != nil {
			return nil, fmt.Errorf("upload artifact: %w", err)
		}
	}
	if err := p.proposals.UpdateFields(dbc, proposalID, map[string]interface{}{
		"artifact_key": artifactKey,
	}); err != nil {
		return nil, err
	}

	return map[string]any{
		"artifact_key": artifactKey,
		"page_count":   out.PageCount,
		"checks_run":   out.ChecksRun,
	}, nil
}

func (p *Pipeline) runFinalScore(jc *jobrt.Context, proposalID uuid.UUID) (map[string]any, error) {
	dbc := dbctx.New(jc.Ctx)
	prop, err := p.proposals.GetByID(dbc, proposalID)
	if err != nil {
		return nil, err
	}
	if prop == nil {
		return nil, fmt.Errorf("proposal not found")
	}
	volumes, err := p.loadVolumes(jc, proposalID)
	if err != nil {
		return nil, err
	}

	outline, _ := steps.ParseOutline(prop.Outline)
	report, err := steps.FinalScore(steps.FinalScoreInput{
		Volumes: volumes,
		Outline: outline,
		Scores:  scoresFromVolumes(volumes),
	})
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	updates := map[string]interface{}{
		"final_report": mustJSON(report),
		"status":       report.Decision,
		"current_step": finalStepMessage(report),
		"progress":     100,
		"completed_at": now,
	}
	if _, err := p.proposals.UpdateFieldsUnlessStatus(dbc, proposalID,
		[]string{proposaldomain.StatusCancelled}, updates); err != nil {
		return nil, err
	}

	return map[string]any{
		"decision":         report.Decision,
		"mean_score":       report.MeanScore,
		"min_score":        report.MinScore,
		"critical_gaps":    report.CriticalGaps,
		"duplicate_chunks": report.DuplicateChunks,
		"reasons":          report.Reasons,
	}, nil
}

func finalStepMessage(report steps.FinalReport) string {
	if report.Decision == proposaldomain.StatusCompleted {
		return "Proposal complete"
	}
	return fmt.Sprintf("Needs revision: %d issue(s) found", len(report.Reasons))
}
