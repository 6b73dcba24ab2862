package proposal_validate

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	proposaldomain "github.com/draftwell/propgen-backend/internal/domain/proposal"
	jobrt "github.com/draftwell/propgen-backend/internal/jobs/runtime"
	"github.com/draftwell/propgen-backend/internal/modules/proposal/steps"
	"github.com/draftwell/propgen-backend/internal/platform/dbctx"
	"github.com/draftwell/propgen-backend/internal/sse"
)

const stageName = "validation_gate"

func (p *Pipeline) Run(jc *jobrt.Context) error {
	if jc == nil || jc.Job == nil {
		return nil
	}
	if p == nil || p.proposals == nil || p.requirements == nil {
		jc.Fail("validate", fmt.Errorf("proposal_validate: pipeline not configured"))
		return nil
	}

	proposalID, ok := jc.PayloadUUID("proposal_id")
	if !ok || proposalID == uuid.Nil {
		jc.Fail("validate", fmt.Errorf("proposal_validate: missing proposal_id"))
		return nil
	}

	// Resume path: the approval endpoint recorded the decision into the
	// waitpoint envelope and requeued this job.
	if env, found := jobrt.ParseWaitpointEnvelope(jc.Job.Result); found &&
		env.Waitpoint.Kind == jobrt.WaitKindValidationApproval &&
		env.State.Decision == jobrt.DecisionApproved {
		p.resumeApproved(jc, proposalID, env)
		return nil
	}

	dbc := dbctx.New(jc.Ctx)
	out, err := steps.ValidationGate(dbc, steps.ValidationGateDeps{
		Log:          p.log,
		Proposals:    p.proposals,
		Requirements: p.requirements,
	}, steps.ValidationGateInput{ProposalID: proposalID})
	if err != nil {
		if p.notify != nil {
			p.notify.StageFailed(jc.Job.OwnerOrgID, proposalID, stageName, err.Error(), nil)
		}
		jc.Fail(stageName, err)
		return nil
	}

	if !out.Block {
		if p.notify != nil {
			p.notify.StageCompleted(jc.Job.OwnerOrgID, proposalID, stageName, map[string]any{
				"warnings": out.Report.Warnings,
			})
		}
		jc.Succeed("done", map[string]any{
			"approved": false,
			"blocking": out.Report.Blocking,
			"warnings": out.Report.Warnings,
		})
		return nil
	}

	p.suspend(jc, proposalID, out.Report)
	return nil
}

// suspend parks the job on a durable waitpoint and marks the proposal
// blocked. There is no deadline here; the monitor's wait budget is the only
// backstop.
func (p *Pipeline) suspend(jc *jobrt.Context, proposalID uuid.UUID, report steps.ValidationReport) {
	dbc := dbctx.New(jc.Ctx)
	_, _ = p.proposals.UpdateFieldsUnlessStatus(dbc, proposalID,
		[]string{proposaldomain.StatusCancelled},
		map[string]interface{}{
			"status":       proposaldomain.StatusBlocked,
			"current_step": blockedStepMessage(report),
		})

	if p.notify != nil {
		p.notify.ProposalEvent(jc.Job.OwnerOrgID, proposalID, sse.EventProposalBlocked, map[string]any{
			"stage":    stageName,
			"blocking": report.Blocking,
			"warnings": report.Warnings,
		})
	}

	jc.WaitForUser(
		"awaiting_validation_approval",
		17,
		"Validation found blocking issues. Waiting for approval...",
		jobrt.WaitpointSpec{
			Version:  1,
			Kind:     jobrt.WaitKindValidationApproval,
			Step:     stageName,
			Blocking: true,
			Actions: []jobrt.WaitpointAction{
				{ID: "approve", Label: "Approve and continue", Token: jobrt.DecisionApproved, Variant: "primary"},
			},
		},
		jobrt.WaitpointState{Version: 1},
		map[string]any{
			"proposal_id": proposalID.String(),
			"blocking":    report.Blocking,
			"warnings":    report.Warnings,
		},
	)
}

func (p *Pipeline) resumeApproved(jc *jobrt.Context, proposalID uuid.UUID, env *jobrt.WaitpointEnvelope) {
	dbc := dbctx.New(jc.Ctx)
	_, _ = p.proposals.UpdateFieldsUnlessStatus(dbc, proposalID,
		[]string{proposaldomain.StatusCancelled},
		map[string]interface{}{
			"status":       proposaldomain.StatusProcessing,
			"current_step": "Validation approved",
		})

	if p.notify != nil {
		p.notify.StageCompleted(jc.Job.OwnerOrgID, proposalID, stageName, map[string]any{
			"approved_by_user": true,
		})
	}
	jc.Succeed("done", map[string]any{
		"approved": true,
		"data":     env.Data,
	})
}

func blockedStepMessage(report steps.ValidationReport) string {
	if len(report.Blocking) > 0 {
		return "Blocked on validation: " + strings.Join(report.Blocking, "; ")
	}
	return "Blocked on validation warnings: " + strings.Join(report.Warnings, "; ")
}
