package steps

import (
	"strings"
	"testing"

	"github.com/google/uuid"

	types "github.com/draftwell/propgen-backend/internal/domain"
)

func validProposal() *types.Proposal {
	return &types.Proposal{
		ID:      uuid.New(),
		Title:   "Network Modernization",
		RFPText: strings.Repeat("The contractor shall provide services. ", 30),
	}
}

func fullRequirementSet(proposalID uuid.UUID) []*types.Requirement {
	var reqs []*types.Requirement
	for n := 1; n <= VolumeCount; n++ {
		reqs = append(reqs, &types.Requirement{
			ID:           uuid.New(),
			ProposalID:   proposalID,
			Ref:          "R-" + string(rune('0'+n)),
			Text:         "The contractor shall do the thing.",
			Mandatory:    true,
			VolumeNumber: n,
		})
	}
	return reqs
}

func TestValidateInputsClean(t *testing.T) {
	prop := validProposal()
	report := ValidateInputs(prop, fullRequirementSet(prop.ID))

	if len(report.Blocking) != 0 {
		t.Fatalf("unexpected blocking issues: %v", report.Blocking)
	}
	if len(report.Warnings) != 0 {
		t.Fatalf("unexpected warnings: %v", report.Warnings)
	}
	if report.ShouldBlock(false) || report.ShouldBlock(true) {
		t.Fatalf("clean report should never block")
	}
}

func TestValidateInputsBlockingIssues(t *testing.T) {
	report := ValidateInputs(&types.Proposal{ID: uuid.New(), RFPText: "too short"}, nil)

	if len(report.Blocking) == 0 {
		t.Fatalf("expected blocking issues")
	}
	if !report.ShouldBlock(false) {
		t.Fatalf("blocking issues must block regardless of the warnings knob")
	}
}

func TestValidateInputsWarningsOnly(t *testing.T) {
	prop := validProposal()
	reqs := fullRequirementSet(prop.ID)
	// Empty volume 4 and strip mandatory flags: warnings, not blockers.
	reqs = reqs[:3]
	for _, r := range reqs {
		r.Mandatory = false
	}

	report := ValidateInputs(prop, reqs)
	if len(report.Blocking) != 0 {
		t.Fatalf("unexpected blocking issues: %v", report.Blocking)
	}
	if len(report.Warnings) == 0 {
		t.Fatalf("expected warnings for empty volume and no mandatory requirements")
	}
	if report.ShouldBlock(false) {
		t.Fatalf("warnings must not block by default")
	}
	if !report.ShouldBlock(true) {
		t.Fatalf("warnings must block when the knob is set")
	}
}
