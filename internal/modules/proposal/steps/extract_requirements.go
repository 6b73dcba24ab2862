package steps

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/draftwell/propgen-backend/internal/data/repos"
	types "github.com/draftwell/propgen-backend/internal/domain"
	"github.com/draftwell/propgen-backend/internal/modules/proposal/prompts"
	"github.com/draftwell/propgen-backend/internal/platform/dbctx"
	"github.com/draftwell/propgen-backend/internal/platform/llm"
	"github.com/draftwell/propgen-backend/internal/platform/logger"
)

type ExtractRequirementsDeps struct {
	Log          *logger.Logger
	Proposals    repos.ProposalRepo
	Requirements repos.RequirementRepo
	AI           llm.Client
}

type ExtractRequirementsInput struct {
	ProposalID uuid.UUID
	JobID      uuid.UUID
}

type ExtractRequirementsOutput struct {
	Count     int  `json:"count"`
	Mandatory int  `json:"mandatory"`
	Reused    bool `json:"reused"`
}

// ExtractRequirements parses the RFP free text into structured requirement
// rows. Idempotent: a proposal that already has requirements keeps them, so
// a crash after this sub-step resumes without a second generation call.
func ExtractRequirements(dbc dbctx.Context, deps ExtractRequirementsDeps, in ExtractRequirementsInput) (ExtractRequirementsOutput, error) {
	out := ExtractRequirementsOutput{}
	if deps.Log == nil || deps.Proposals == nil || deps.Requirements == nil || deps.AI == nil {
		return out, fmt.Errorf("extract_requirements: missing deps")
	}
	if in.ProposalID == uuid.Nil {
		return out, fmt.Errorf("extract_requirements: missing proposal_id")
	}

	existing, err := deps.Requirements.ListByProposal(dbc, in.ProposalID)
	if err != nil {
		return out, err
	}
	if len(existing) > 0 {
		out.Count = len(existing)
		for _, r := range existing {
			if r != nil && r.Mandatory {
				out.Mandatory++
			}
		}
		out.Reused = true
		return out, nil
	}

	prop, err := deps.Proposals.GetByID(dbc, in.ProposalID)
	if err != nil {
		return out, err
	}
	if prop == nil {
		return out, fmt.Errorf("extract_requirements: proposal not found")
	}
	if strings.TrimSpace(prop.RFPText) == "" {
		return out, fmt.Errorf("extract_requirements: proposal has no rfp text")
	}

	p, err := prompts.Build(prompts.PromptRequirementExtract, prompts.Input{
		RFPText: prop.RFPText,
	})
	if err != nil {
		return out, err
	}

	obj, err := deps.AI.GenerateJSON(dbc.Ctx, llm.Request{
		System:         p.System,
		User:           p.User,
		HeartbeatJobID: in.JobID,
	})
	if err != nil {
		return out, err
	}

	reqs := parseRequirements(in.ProposalID, obj)
	if len(reqs) == 0 {
		return out, fmt.Errorf("extract_requirements: no requirements extracted")
	}

	if _, err := deps.Requirements.ReplaceForProposal(dbc, in.ProposalID, reqs); err != nil {
		return out, err
	}

	out.Count = len(reqs)
	for _, r := range reqs {
		if r.Mandatory {
			out.Mandatory++
		}
	}
	return out, nil
}

func parseRequirements(proposalID uuid.UUID, obj map[string]any) []*types.Requirement {
	arr := sliceFromAny(obj["requirements"])
	out := make([]*types.Requirement, 0, len(arr))
	seen := map[string]bool{}
	for i, item := range arr {
		m := mapFromAny(item)
		if m == nil {
			continue
		}
		text := stringFromAny(m["text"])
		if text == "" {
			continue
		}
		ref := stringFromAny(m["ref"])
		if ref == "" {
			ref = fmt.Sprintf("R-%d", i+1)
		}
		if seen[ref] {
			ref = fmt.Sprintf("%s.%d", ref, i+1)
		}
		seen[ref] = true

		volNum := intFromAny(m["volume_number"])
		if volNum < 1 || volNum > VolumeCount {
			volNum = 1
		}

		out = append(out, &types.Requirement{
			ID:           uuid.New(),
			ProposalID:   proposalID,
			Ref:          ref,
			Text:         text,
			Mandatory:    boolFromAny(m["mandatory"]),
			VolumeNumber: volNum,
			Section:      stringFromAny(m["section"]),
		})
	}
	return out
}
