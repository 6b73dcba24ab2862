package volume_consult

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	types "github.com/draftwell/propgen-backend/internal/domain"
	proposaldomain "github.com/draftwell/propgen-backend/internal/domain/proposal"
	jobrt "github.com/draftwell/propgen-backend/internal/jobs/runtime"
	"github.com/draftwell/propgen-backend/internal/modules/proposal/steps"
	"github.com/draftwell/propgen-backend/internal/platform/dbctx"
	"github.com/draftwell/propgen-backend/internal/sse"
)

const stageName = "volume_consult"

func (p *Pipeline) Run(jc *jobrt.Context) error {
	if jc == nil || jc.Job == nil {
		return nil
	}
	if p == nil || p.proposals == nil || p.volumes == nil || p.iterations == nil ||
		p.requirements == nil || p.ai == nil {
		jc.Fail("validate", fmt.Errorf("volume_consult: pipeline not configured"))
		return nil
	}

	proposalID, ok := jc.PayloadUUID("proposal_id")
	if !ok || proposalID == uuid.Nil {
		jc.Fail("validate", fmt.Errorf("volume_consult: missing proposal_id"))
		return nil
	}
	number, ok := jc.PayloadInt("volume_number")
	if !ok || number < 1 {
		jc.Fail("validate", fmt.Errorf("volume_consult: missing volume_number"))
		return nil
	}

	dbc := dbctx.New(jc.Ctx)
	volume, err := p.volumes.GetByProposalAndNumber(dbc, proposalID, number)
	if err != nil || volume == nil {
		p.fail(jc, proposalID, number, nil, "load volume", firstErr(err, fmt.Errorf("volume %d not found", number)))
		return nil
	}

	// Idempotent re-entry: a volume approved in an earlier claim is done.
	if volume.Status == proposaldomain.VolumeStatusApproved {
		jc.Succeed("done", map[string]any{
			"volume_number": number,
			"status":        proposaldomain.VolumeStatusApproved,
			"score":         volume.Score,
			"iteration":     volume.Iteration,
		})
		return nil
	}

	// Resume path: the decision endpoint recorded approved/iterate into the
	// waitpoint envelope and requeued this job.
	if env, found := jobrt.ParseWaitpointEnvelope(jc.Job.Result); found &&
		env.Waitpoint.Kind == jobrt.WaitKindVolumeDecision &&
		env.State.Decision != "" {
		switch env.State.Decision {
		case jobrt.DecisionApproved:
			p.approve(jc, proposalID, volume)
		case jobrt.DecisionIterate:
			p.iterate(jc, proposalID, volume, env.State.UserFeedback)
		default:
			p.fail(jc, proposalID, number, volume, "decision", fmt.Errorf("unknown decision %q", env.State.Decision))
		}
		return nil
	}

	p.scoreAndWait(jc, proposalID, volume)
	return nil
}

/*
scoreAndWait runs one scoring pass, consults when the score is below the
consult threshold, then parks the job on the volume-decision waitpoint. The
score breakdown is merged into the volume's progress map so the final
cross-volume pass can count remaining critical gaps.
*/
func (p *Pipeline) scoreAndWait(jc *jobrt.Context, proposalID uuid.UUID, volume *types.Volume) {
	dbc := dbctx.New(jc.Ctx)
	number := volume.Number

	reqs, err := p.requirements.ListByVolume(dbc, proposalID, number)
	if err != nil {
		p.fail(jc, proposalID, number, volume, "load requirements", err)
		return
	}

	jc.Progress(stageName, 20, fmt.Sprintf("Scoring volume %d (iteration %d)", number, volume.Iteration))
	if err := p.volumes.UpdateFields(dbc, volume.ID, map[string]interface{}{
		"status": proposaldomain.VolumeStatusScoring,
	}); err != nil {
		p.fail(jc, proposalID, number, volume, "mark scoring", err)
		return
	}

	score, err := steps.ScoreVolume(dbc, steps.ScoreVolumeDeps{Log: p.log, AI: p.ai}, steps.ScoreVolumeInput{
		JobID:        jc.Job.ID,
		Volume:       volume,
		Requirements: reqs,
	})
	if err != nil {
		p.fail(jc, proposalID, number, volume, "score", err)
		return
	}

	updates := map[string]interface{}{
		"score":  score.Overall,
		"status": proposaldomain.VolumeStatusAwaitingApproval,
	}

	var consult *steps.ConsultReport
	if score.NeedsConsult() {
		report, cerr := steps.ConsultVolume(dbc, steps.ConsultVolumeDeps{
			Log:        p.log,
			Iterations: p.iterations,
			AI:         p.ai,
		}, steps.ConsultVolumeInput{JobID: jc.Job.ID, Volume: volume, Score: score})
		if cerr != nil {
			p.fail(jc, proposalID, number, volume, "consult", cerr)
			return
		}
		consult = &report
		updates["insights"] = mustJSON(report)
	}

	if err := p.volumes.UpdateFields(dbc, volume.ID, updates); err != nil {
		p.fail(jc, proposalID, number, volume, "persist score", err)
		return
	}
	if err := p.volumes.MergeProgress(dbc, volume.ID, map[string]interface{}{
		"score_breakdown": score,
	}); err != nil {
		p.log.Warn("Merge volume progress failed", "volume", number, "error", err)
	}

	if p.notify != nil {
		p.notify.VolumeEvent(jc.Job.OwnerOrgID, proposalID, number, sse.EventVolumeScored, map[string]any{
			"score":     score.Overall,
			"gaps":      len(score.Gaps()),
			"critical":  len(score.CriticalGaps()),
			"consulted": consult != nil,
			"iteration": volume.Iteration,
		})
		p.notify.VolumeEvent(jc.Job.OwnerOrgID, proposalID, number, sse.EventVolumeAwaitingApproval, map[string]any{
			"score":     score.Overall,
			"iteration": volume.Iteration,
		})
	}

	data := map[string]any{
		"proposal_id":   proposalID.String(),
		"volume_number": number,
		"score":         score.Overall,
		"gaps":          len(score.Gaps()),
	}
	if consult != nil {
		data["consult_summary"] = consult.Summary
		data["ranked_gaps"] = consult.RankedGaps
	}

	jc.WaitForUser(
		"awaiting_volume_decision",
		60,
		fmt.Sprintf("Volume %d scored %d. Waiting for your decision...", number, score.Overall),
		jobrt.WaitpointSpec{
			Version:  1,
			Kind:     jobrt.WaitKindVolumeDecision,
			Step:     stageName,
			Blocking: true,
			Actions: []jobrt.WaitpointAction{
				{ID: "approve", Label: "Approve volume", Token: jobrt.DecisionApproved, Variant: "primary"},
				{ID: "iterate", Label: "Request rework", Token: jobrt.DecisionIterate, Variant: "secondary"},
			},
		},
		jobrt.WaitpointState{
			Version:      1,
			VolumeNumber: number,
			Iteration:    volume.Iteration,
		},
		data,
	)
}

// approve is the only path to VolumeStatusApproved: an explicit human
// decision, never an automatic transition.
func (p *Pipeline) approve(jc *jobrt.Context, proposalID uuid.UUID, volume *types.Volume) {
	dbc := dbctx.New(jc.Ctx)
	if err := p.volumes.UpdateFields(dbc, volume.ID, map[string]interface{}{
		"status": proposaldomain.VolumeStatusApproved,
	}); err != nil {
		p.fail(jc, proposalID, volume.Number, volume, "approve", err)
		return
	}
	if p.notify != nil {
		p.notify.VolumeEvent(jc.Job.OwnerOrgID, proposalID, volume.Number, sse.EventVolumeApproved, map[string]any{
			"score":     volume.Score,
			"iteration": volume.Iteration,
		})
	}
	jc.Succeed("done", map[string]any{
		"volume_number": volume.Number,
		"status":        proposaldomain.VolumeStatusApproved,
		"score":         volume.Score,
		"iteration":     volume.Iteration,
	})
}

/*
iterate runs one rework cycle: append the IterationRecord, two-pass rewrite
against the ranked gaps and the user's feedback, checkpoint the rewritten
content, then rescore. The iteration cap is a circuit-breaker: a request for
a sixth cycle blocks the job for manual review rather than looping.
*/
func (p *Pipeline) iterate(jc *jobrt.Context, proposalID uuid.UUID, volume *types.Volume, feedback string) {
	dbc := dbctx.New(jc.Ctx)
	number := volume.Number

	if volume.Iteration >= proposaldomain.MaxIterations {
		p.log.Warn("Iteration cap reached",
			"proposal_id", proposalID,
			"volume", number,
			"iteration", volume.Iteration,
		)
		_ = p.volumes.UpdateFields(dbc, volume.ID, map[string]interface{}{
			"status": proposaldomain.VolumeStatusBlocked,
		})
		_, _ = p.proposals.UpdateFieldsUnlessStatus(dbc, proposalID,
			[]string{proposaldomain.StatusCancelled},
			map[string]interface{}{
				"status":       proposaldomain.StatusBlocked,
				"current_step": fmt.Sprintf("Volume %d reached the iteration cap: manual review required", number),
			})
		if p.notify != nil {
			p.notify.VolumeEvent(jc.Job.OwnerOrgID, proposalID, number, sse.EventVolumeBlocked, map[string]any{
				"reason":    "iteration_cap",
				"iteration": volume.Iteration,
			})
		}
		jc.Block("iteration_cap", fmt.Sprintf("volume %d: manual review required after %d iterations", number, volume.Iteration))
		return
	}

	nextIteration := volume.Iteration + 1
	rankedGaps := rankedGapsFromInsights(volume.Insights)

	if _, err := p.iterations.Create(dbc, []*types.IterationRecord{{
		ID:              uuid.New(),
		ProposalID:      proposalID,
		VolumeID:        volume.ID,
		Iteration:       nextIteration,
		UserFeedback:    feedback,
		IssuesAddressed: mustJSON(issueStrings(rankedGaps)),
	}}); err != nil {
		p.fail(jc, proposalID, number, volume, "iteration record", err)
		return
	}

	jc.Progress(stageName, 40, fmt.Sprintf("Rewriting volume %d (iteration %d)", number, nextIteration))
	if err := p.volumes.UpdateFields(dbc, volume.ID, map[string]interface{}{
		"status": proposaldomain.VolumeStatusIterating,
	}); err != nil {
		p.fail(jc, proposalID, number, volume, "mark iterating", err)
		return
	}
	if p.notify != nil {
		p.notify.VolumeEvent(jc.Job.OwnerOrgID, proposalID, number, sse.EventVolumeIterating, map[string]any{
			"iteration": nextIteration,
			"feedback":  feedback,
		})
	}

	out, err := steps.RewriteVolume(dbc, steps.RewriteVolumeDeps{Log: p.log, AI: p.ai}, steps.RewriteVolumeInput{
		JobID:        jc.Job.ID,
		Volume:       volume,
		RankedGaps:   rankedGaps,
		UserFeedback: feedback,
	})
	if err != nil {
		p.fail(jc, proposalID, number, volume, "rewrite", err)
		return
	}

	if err := p.volumes.Checkpoint(dbc, volume.ID, out.Content, out.PageCount, proposaldomain.VolumeStatusReadyForScoring); err != nil {
		p.fail(jc, proposalID, number, volume, "checkpoint", err)
		return
	}
	if err := p.volumes.UpdateFields(dbc, volume.ID, map[string]interface{}{
		"iteration": nextIteration,
	}); err != nil {
		p.fail(jc, proposalID, number, volume, "bump iteration", err)
		return
	}

	// Rescore against the fresh content. Reload so the scoring pass sees
	// exactly what was checkpointed.
	fresh, err := p.volumes.GetByID(dbc, volume.ID)
	if err != nil || fresh == nil {
		p.fail(jc, proposalID, number, volume, "reload volume", firstErr(err, fmt.Errorf("volume disappeared")))
		return
	}
	p.scoreAndWait(jc, proposalID, fresh)
}

// fail leaves the volume in the recoverable blocked state, emits the failure
// event so no waiter hangs, and fails the job with stage context.
func (p *Pipeline) fail(jc *jobrt.Context, proposalID uuid.UUID, number int, volume *types.Volume, stage string, err error) {
	p.log.Error("Volume consult failed",
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

func rankedGapsFromInsights(raw datatypes.JSON) []steps.RankedGap {
	if len(raw) == 0 {
		return nil
	}
	var report steps.ConsultReport
	if err := json.Unmarshal(raw, &report); err != nil {
		return nil
	}
	return report.RankedGaps
}

func issueStrings(gaps []steps.RankedGap) []string {
	out := make([]string, 0, len(gaps))
	for _, g := range gaps {
		out = append(out, fmt.Sprintf("%s: %s", g.Ref, g.Issue))
	}
	return out
}

func mustJSON(v any) datatypes.JSON {
	b, err := json.Marshal(v)
	if err != nil {
		return datatypes.JSON([]byte("null"))
	}
	return datatypes.JSON(b)
}

func firstErr(errs ...error) error {
	for _, e := range errs {
		if e != nil {
			return e
		}
	}
	return nil
}
