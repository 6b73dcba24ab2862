package steps

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	types "github.com/draftwell/propgen-backend/internal/domain"
	"github.com/draftwell/propgen-backend/internal/modules/proposal/prompts"
	"github.com/draftwell/propgen-backend/internal/platform/dbctx"
	"github.com/draftwell/propgen-backend/internal/platform/llm"
	"github.com/draftwell/propgen-backend/internal/platform/logger"
)

type RequirementScore struct {
	Ref       string `json:"ref"`
	Score     int    `json:"score"`
	Rationale string `json:"rationale,omitempty"`
	Gap       string `json:"gap,omitempty"`
}

func (r RequirementScore) IsGap() bool      { return r.Score < GapThreshold }
func (r RequirementScore) IsCritical() bool { return r.Score < CriticalThreshold }

// VolumeScore is one scoring pass over one volume: an overall 0-100 score
// plus the per-requirement breakdown.
type VolumeScore struct {
	Overall      int                `json:"overall"`
	Requirements []RequirementScore `json:"requirements"`
}

func (s VolumeScore) Gaps() []RequirementScore {
	var out []RequirementScore
	for _, r := range s.Requirements {
		if r.IsGap() {
			out = append(out, r)
		}
	}
	return out
}

func (s VolumeScore) CriticalGaps() []RequirementScore {
	var out []RequirementScore
	for _, r := range s.Requirements {
		if r.IsCritical() {
			out = append(out, r)
		}
	}
	return out
}

func (s VolumeScore) NeedsConsult() bool { return s.Overall < ConsultThreshold }

type ScoreVolumeDeps struct {
	Log *logger.Logger
	AI  llm.Client
}

type ScoreVolumeInput struct {
	JobID        uuid.UUID
	Volume       *types.Volume
	Requirements []*types.Requirement
}

// ScoreVolume runs the scoring unit over the volume content. Requirements
// the scorer omitted come back as critical gaps: an unscored requirement is
// indistinguishable from an unaddressed one.
func ScoreVolume(dbc dbctx.Context, deps ScoreVolumeDeps, in ScoreVolumeInput) (VolumeScore, error) {
	var score VolumeScore
	if deps.Log == nil || deps.AI == nil {
		return score, fmt.Errorf("score_volume: missing deps")
	}
	if in.Volume == nil {
		return score, fmt.Errorf("score_volume: missing volume")
	}
	if strings.TrimSpace(in.Volume.Content) == "" {
		return score, fmt.Errorf("score_volume: volume %d has no content", in.Volume.Number)
	}
	if len(in.Requirements) == 0 {
		return score, fmt.Errorf("score_volume: no requirements for volume %d", in.Volume.Number)
	}

	p, err := prompts.Build(prompts.PromptVolumeScore, prompts.Input{
		VolumeNumber:     in.Volume.Number,
		VolumeTitle:      in.Volume.Title,
		VolumeContent:    in.Volume.Content,
		RequirementsJSON: string(mustJSON(in.Requirements)),
	})
	if err != nil {
		return score, err
	}

	obj, err := deps.AI.GenerateJSON(dbc.Ctx, llm.Request{
		System:         p.System,
		User:           p.User,
		HeartbeatJobID: in.JobID,
	})
	if err != nil {
		return score, err
	}

	score = parseVolumeScore(obj, in.Requirements)
	if len(score.Requirements) == 0 {
		return score, fmt.Errorf("score_volume: scorer returned no requirement breakdown")
	}
	return score, nil
}

func parseVolumeScore(obj map[string]any, reqs []*types.Requirement) VolumeScore {
	score := VolumeScore{
		Overall: clampScore(intFromAny(obj["overall_score"])),
	}

	scored := map[string]bool{}
	for _, item := range sliceFromAny(obj["requirements"]) {
		m := mapFromAny(item)
		if m == nil {
			continue
		}
		ref := stringFromAny(m["ref"])
		if ref == "" || scored[ref] {
			continue
		}
		scored[ref] = true
		score.Requirements = append(score.Requirements, RequirementScore{
			Ref:       ref,
			Score:     clampScore(intFromAny(m["score"])),
			Rationale: stringFromAny(m["rationale"]),
			Gap:       stringFromAny(m["gap"]),
		})
	}

	for _, r := range reqs {
		if r == nil || scored[r.Ref] {
			continue
		}
		score.Requirements = append(score.Requirements, RequirementScore{
			Ref:   r.Ref,
			Score: 0,
			Gap:   "requirement not evaluated by scorer",
		})
	}
	return score
}
