package steps

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/draftwell/propgen-backend/internal/data/repos"
	types "github.com/draftwell/propgen-backend/internal/domain"
	"github.com/draftwell/propgen-backend/internal/platform/dbctx"
	"github.com/draftwell/propgen-backend/internal/platform/logger"
)

// minRFPChars is the floor below which the RFP text cannot plausibly carry
// a full requirement set.
const minRFPChars = 500

// ValidationReport is the persisted outcome of the validation gate.
// Blocking issues suspend the job until a human approves; warnings block
// only when VALIDATION_BLOCK_ON_WARNINGS is set.
type ValidationReport struct {
	Blocking []string `json:"blocking"`
	Warnings []string `json:"warnings"`
}

func (r ValidationReport) ShouldBlock(blockOnWarnings bool) bool {
	if len(r.Blocking) > 0 {
		return true
	}
	return blockOnWarnings && len(r.Warnings) > 0
}

// ValidateInputs runs the deterministic completeness checks over a proposal
// and its extracted requirements.
func ValidateInputs(prop *types.Proposal, reqs []*types.Requirement) ValidationReport {
	var report ValidationReport

	if prop == nil {
		report.Blocking = append(report.Blocking, "proposal record missing")
		return report
	}
	if strings.TrimSpace(prop.Title) == "" {
		report.Blocking = append(report.Blocking, "proposal title is empty")
	}
	if len(strings.TrimSpace(prop.RFPText)) < minRFPChars {
		report.Blocking = append(report.Blocking, fmt.Sprintf("rfp text shorter than %d characters", minRFPChars))
	}
	if len(reqs) == 0 {
		report.Blocking = append(report.Blocking, "no requirements extracted")
		return report
	}

	byVolume := map[int]int{}
	mandatory := 0
	for _, r := range reqs {
		if r == nil {
			continue
		}
		byVolume[r.VolumeNumber]++
		if r.Mandatory {
			mandatory++
		}
		if strings.TrimSpace(r.Text) == "" {
			report.Blocking = append(report.Blocking, fmt.Sprintf("requirement %s has empty text", r.Ref))
		}
	}
	for n := 1; n <= VolumeCount; n++ {
		if byVolume[n] == 0 {
			report.Warnings = append(report.Warnings, fmt.Sprintf("no requirements mapped to volume %d", n))
		}
	}
	if mandatory == 0 {
		report.Warnings = append(report.Warnings, "no mandatory (shall/must) requirements found")
	}

	return report
}

type ValidationGateDeps struct {
	Log          *logger.Logger
	Proposals    repos.ProposalRepo
	Requirements repos.RequirementRepo
}

type ValidationGateInput struct {
	ProposalID uuid.UUID
}

type ValidationGateOutput struct {
	Report ValidationReport `json:"report"`
	Block  bool             `json:"block"`
}

// ValidationGate runs the checks and persists the report on the proposal.
// The caller decides how to suspend when Block is true.
func ValidationGate(dbc dbctx.Context, deps ValidationGateDeps, in ValidationGateInput) (ValidationGateOutput, error) {
	out := ValidationGateOutput{}
	if deps.Log == nil || deps.Proposals == nil || deps.Requirements == nil {
		return out, fmt.Errorf("validation_gate: missing deps")
	}
	if in.ProposalID == uuid.Nil {
		return out, fmt.Errorf("validation_gate: missing proposal_id")
	}

	prop, err := deps.Proposals.GetByID(dbc, in.ProposalID)
	if err != nil {
		return out, err
	}
	reqs, err := deps.Requirements.ListByProposal(dbc, in.ProposalID)
	if err != nil {
		return out, err
	}

	report := ValidateInputs(prop, reqs)
	blockOnWarnings := envBool("VALIDATION_BLOCK_ON_WARNINGS", false)

	if prop != nil {
		if err := deps.Proposals.UpdateFields(dbc, prop.ID, map[string]interface{}{
			"validation": mustJSON(report),
		}); err != nil {
			return out, err
		}
	}

	out.Report = report
	out.Block = report.ShouldBlock(blockOnWarnings)
	return out, nil
}
