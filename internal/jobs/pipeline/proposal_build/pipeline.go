package proposal_build

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	types "github.com/draftwell/propgen-backend/internal/domain"
	proposaldomain "github.com/draftwell/propgen-backend/internal/domain/proposal"
	"github.com/draftwell/propgen-backend/internal/jobs/orchestrator"
	jobrt "github.com/draftwell/propgen-backend/internal/jobs/runtime"
	"github.com/draftwell/propgen-backend/internal/modules/proposal/steps"
	"github.com/draftwell/propgen-backend/internal/platform/dbctx"
)

func (p *Pipeline) Run(jc *jobrt.Context) error {
	if jc == nil || jc.Job == nil {
		return nil
	}
	if p == nil || p.proposals == nil || p.volumes == nil || p.requirements == nil || p.ai == nil {
		jc.Fail("validate", fmt.Errorf("proposal_build: pipeline not configured"))
		return nil
	}
	proposalID, ok := p.proposalID(jc)
	if !ok {
		jc.Fail("validate", fmt.Errorf("proposal_build: missing proposal_id"))
		return nil
	}

	p.markProcessing(jc, proposalID)

	return p.engine.Run(jc, p.stages(proposalID), map[string]any{
		"proposal_id": proposalID.String(),
	})
}

// proposalID resolves the target proposal from the payload, falling back to
// the job's entity reference.
func (p *Pipeline) proposalID(jc *jobrt.Context) (uuid.UUID, bool) {
	if id, ok := jc.PayloadUUID("proposal_id"); ok && id != uuid.Nil {
		return id, true
	}
	if jc.Job.EntityType == "proposal" && jc.Job.EntityID != nil && *jc.Job.EntityID != uuid.Nil {
		return *jc.Job.EntityID, true
	}
	return uuid.Nil, false
}

// markProcessing flips a freshly-queued proposal to processing. Re-claims of
// the same job (poll loops, resumes) leave blocked/terminal statuses alone.
func (p *Pipeline) markProcessing(jc *jobrt.Context, proposalID uuid.UUID) {
	dbc := dbctx.New(jc.Ctx)
	prop, err := p.proposals.GetByID(dbc, proposalID)
	if err != nil || prop == nil {
		return
	}
	if prop.Status != proposaldomain.StatusQueued {
		return
	}
	_ = p.proposals.UpdateFields(dbc, proposalID, map[string]interface{}{
		"status": proposaldomain.StatusProcessing,
	})
}

type stageFn func(jc *jobrt.Context, st *orchestrator.OrchestratorState) (map[string]any, error)

/*
inlineStage wraps a stage body with the event contract: a completion event is
emitted on success AND on failure, so a consumer waiting on this stage is
never left hanging. The proposal's current_stage/current_step mirror is
updated alongside.
*/
func (p *Pipeline) inlineStage(name, step string, proposalID uuid.UUID, fn stageFn) stageFn {
	return func(jc *jobrt.Context, st *orchestrator.OrchestratorState) (map[string]any, error) {
		dbc := dbctx.New(jc.Ctx)
		_, _ = p.proposals.UpdateFieldsUnlessStatus(dbc, proposalID,
			[]string{proposaldomain.StatusCancelled},
			map[string]interface{}{
				"current_stage": name,
				"current_step":  step,
				"progress":      jc.Job.Progress,
			})

		out, err := fn(jc, st)
		if err != nil {
			if p.notify != nil {
				p.notify.StageFailed(jc.Job.OwnerOrgID, proposalID, name, err.Error(), out)
			}
			return out, err
		}
		if p.notify != nil {
			p.notify.StageCompleted(jc.Job.OwnerOrgID, proposalID, name, out)
		}
		return out, nil
	}
}

func (p *Pipeline) loadVolumes(jc *jobrt.Context, proposalID uuid.UUID) ([]*types.Volume, error) {
	return p.volumes.ListByProposal(dbctx.New(jc.Ctx), proposalID)
}

func mustJSON(v any) datatypes.JSON {
	b, err := json.Marshal(v)
	if err != nil {
		return datatypes.JSON([]byte("null"))
	}
	return datatypes.JSON(b)
}

// scoresFromVolumes reads each volume's latest scoring breakdown out of its
// merged progress map. Volumes never scored simply have no entry.
func scoresFromVolumes(volumes []*types.Volume) map[int]steps.VolumeScore {
	out := map[int]steps.VolumeScore{}
	for _, v := range volumes {
		if v == nil || len(v.Progress) == 0 {
			continue
		}
		var prog struct {
			ScoreBreakdown *steps.VolumeScore `json:"score_breakdown"`
		}
		if err := json.Unmarshal(v.Progress, &prog); err != nil || prog.ScoreBreakdown == nil {
			continue
		}
		out[v.Number] = *prog.ScoreBreakdown
	}
	return out
}
