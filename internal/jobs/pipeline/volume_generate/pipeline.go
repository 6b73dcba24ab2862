package volume_generate

import (
	"fmt"

	"github.com/google/uuid"

	types "github.com/draftwell/propgen-backend/internal/domain"
	proposaldomain "github.com/draftwell/propgen-backend/internal/domain/proposal"
	jobrt "github.com/draftwell/propgen-backend/internal/jobs/runtime"
	"github.com/draftwell/propgen-backend/internal/modules/proposal/steps"
	"github.com/draftwell/propgen-backend/internal/platform/dbctx"
	"github.com/draftwell/propgen-backend/internal/sse"
)

const stageName = "volume_generate"

func (p *Pipeline) Run(jc *jobrt.Context) error {
	if jc == nil || jc.Job == nil {
		return nil
	}
	if p == nil || p.proposals == nil || p.volumes == nil || p.requirements == nil || p.ai == nil {
		jc.Fail("validate", fmt.Errorf("volume_generate: pipeline not configured"))
		return nil
	}

	proposalID, ok := jc.PayloadUUID("proposal_id")
	if !ok || proposalID == uuid.Nil {
		jc.Fail("validate", fmt.Errorf("volume_generate: missing proposal_id"))
		return nil
	}
	number, ok := jc.PayloadInt("volume_number")
	if !ok || number < 1 {
		jc.Fail("validate", fmt.Errorf("volume_generate: missing volume_number"))
		return nil
	}

	dbc := dbctx.New(jc.Ctx)
	volume, err := p.volumes.GetByProposalAndNumber(dbc, proposalID, number)
	if err != nil {
		p.fail(jc, proposalID, number, nil, "load volume", err)
		return nil
	}
	if volume == nil {
		p.fail(jc, proposalID, number, nil, "load volume", fmt.Errorf("volume %d not found", number))
		return nil
	}

	// Checkpoint reuse: a volume with valid checkpointed content skips
	// generation entirely. The content is left byte-identical.
	if volume.CheckpointValid() {
		p.log.Info("Reusing checkpointed volume content",
			"proposal_id", proposalID,
			"volume", number,
			"page_count", volume.PageCount,
		)
		p.succeed(jc, proposalID, volume, steps.WriteSectionsOutput{PageCount: volume.PageCount}, true)
		return nil
	}

	jc.Progress(stageName, 10, fmt.Sprintf("Generating volume %d: %s", number, volume.Title))
	if err := p.volumes.UpdateFields(dbc, volume.ID, map[string]interface{}{
		"status": proposaldomain.VolumeStatusGenerating,
	}); err != nil {
		p.fail(jc, proposalID, number, volume, "mark generating", err)
		return nil
	}

	prop, err := p.proposals.GetByID(dbc, proposalID)
	if err != nil || prop == nil {
		p.fail(jc, proposalID, number, volume, "load proposal", firstErr(err, fmt.Errorf("proposal not found")))
		return nil
	}
	outline, okOutline := steps.ParseOutline(prop.Outline)
	ov := outline.Volume(number)
	if !okOutline || ov == nil || len(ov.Sections) == 0 {
		p.fail(jc, proposalID, number, volume, "outline", fmt.Errorf("no outline sections for volume %d", number))
		return nil
	}
	reqs, err := p.requirements.ListByVolume(dbc, proposalID, number)
	if err != nil {
		p.fail(jc, proposalID, number, volume, "load requirements", err)
		return nil
	}

	out, err := steps.WriteSections(dbc, steps.WriteSectionsDeps{Log: p.log, AI: p.ai}, steps.WriteSectionsInput{
		JobID:        jc.Job.ID,
		Volume:       volume,
		Sections:     ov.Sections,
		Requirements: reqs,
	})
	if err != nil {
		p.fail(jc, proposalID, number, volume, "write sections", err)
		return nil
	}

	// Checkpoint immediately on success, before any downstream step can
	// fail, so completed work is never regenerated.
	if err := p.volumes.Checkpoint(dbc, volume.ID, out.Content, out.PageCount, proposaldomain.VolumeStatusReadyForScoring); err != nil {
		p.fail(jc, proposalID, number, volume, "checkpoint", err)
		return nil
	}
	if err := p.volumes.MergeProgress(dbc, volume.ID, map[string]interface{}{
		"generate": map[string]any{
			"page_count":      out.PageCount,
			"failed_sections": out.FailedSections,
		},
	}); err != nil {
		p.log.Warn("Merge volume progress failed", "volume", number, "error", err)
	}

	p.succeed(jc, proposalID, volume, out, false)
	return nil
}

// succeed emits the volume-generated event and finishes the job. The result
// payload is what the parent orchestrator merges into its fan-out summary.
func (p *Pipeline) succeed(jc *jobrt.Context, proposalID uuid.UUID, volume *types.Volume, out steps.WriteSectionsOutput, reused bool) {
	if p.notify != nil {
		p.notify.VolumeEvent(jc.Job.OwnerOrgID, proposalID, volume.Number, sse.EventVolumeGenerated, map[string]any{
			"page_count":      out.PageCount,
			"failed_sections": out.FailedSections,
			"reused":          reused,
		})
	}
	jc.Succeed("done", map[string]any{
		"volume_number":   volume.Number,
		"page_count":      out.PageCount,
		"failed_sections": out.FailedSections,
		"reused":          reused,
	})
}

/*
fail is the single failure path: the volume goes to blocked (recoverable, a
human can retry from checkpoint), the failure event is still emitted so the
coordinator never stalls waiting for a unit that will never complete, and
the job is failed with stage context.
*/
func (p *Pipeline) fail(jc *jobrt.Context, proposalID uuid.UUID, number int, volume *types.Volume, stage string, err error) {
	p.log.Error("Volume generation failed",
		"proposal_id", proposalID,
		"volume", number,
		"stage", stage,
		"error", err,
	)
	if volume != nil {
		_ = p.volumes.UpdateFields(dbctx.New(jc.Ctx), volume.ID, map[string]interface{}{
			"status": proposaldomain.VolumeStatusBlocked,
		})
	}
	if p.notify != nil {
		p.notify.VolumeEvent(jc.Job.OwnerOrgID, proposalID, number, sse.EventVolumeBlocked, map[string]any{
			"stage": stage,
			"error": err.Error(),
		})
	}
	jc.Fail(stage, err)
}

func firstErr(errs ...error) error {
	for _, e := range errs {
		if e != nil {
			return e
		}
	}
	return nil
}
