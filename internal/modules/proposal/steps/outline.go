package steps

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/draftwell/propgen-backend/internal/data/repos"
	types "github.com/draftwell/propgen-backend/internal/domain"
	"github.com/draftwell/propgen-backend/internal/modules/proposal/prompts"
	"github.com/draftwell/propgen-backend/internal/platform/dbctx"
	"github.com/draftwell/propgen-backend/internal/platform/llm"
	"github.com/draftwell/propgen-backend/internal/platform/logger"
)

type OutlineSection struct {
	Title           string   `json:"title"`
	Guidance        string   `json:"guidance,omitempty"`
	RequirementRefs []string `json:"requirement_refs"`
}

type OutlineVolume struct {
	Number   int              `json:"number"`
	Title    string           `json:"title"`
	Sections []OutlineSection `json:"sections"`
}

// Outline maps every requirement to a target volume/section. Fallback marks
// a deterministic reduced-confidence outline produced when the generated one
// was unusable.
type Outline struct {
	Volumes  []OutlineVolume `json:"volumes"`
	Fallback bool            `json:"fallback,omitempty"`
}

func (o Outline) Volume(number int) *OutlineVolume {
	for i := range o.Volumes {
		if o.Volumes[i].Number == number {
			return &o.Volumes[i]
		}
	}
	return nil
}

var defaultVolumeTitles = map[int]string{
	1: "Technical Approach",
	2: "Management Approach",
	3: "Past Performance",
	4: "Cost Proposal",
}

// DefaultVolumeTitle is the standard title for a volume number; intake
// seeds the volume rows with these before the outline can rename them.
func DefaultVolumeTitle(number int) string {
	if t, ok := defaultVolumeTitles[number]; ok {
		return t
	}
	return fmt.Sprintf("Volume %d", number)
}

type BuildOutlineDeps struct {
	Log          *logger.Logger
	Proposals    repos.ProposalRepo
	Requirements repos.RequirementRepo
	AI           llm.Client
}

type BuildOutlineInput struct {
	ProposalID uuid.UUID
	JobID      uuid.UUID
}

type BuildOutlineOutput struct {
	Outline Outline `json:"outline"`
	Reused  bool    `json:"reused"`
}

// BuildOutline produces the content outline for all volumes. Idempotent: a
// proposal with a persisted outline keeps it. A structurally unusable
// generation result degrades to a deterministic outline grouped by the
// requirements' section hints rather than failing the stage.
func BuildOutline(dbc dbctx.Context, deps BuildOutlineDeps, in BuildOutlineInput) (BuildOutlineOutput, error) {
	out := BuildOutlineOutput{}
	if deps.Log == nil || deps.Proposals == nil || deps.Requirements == nil || deps.AI == nil {
		return out, fmt.Errorf("build_outline: missing deps")
	}
	if in.ProposalID == uuid.Nil {
		return out, fmt.Errorf("build_outline: missing proposal_id")
	}

	prop, err := deps.Proposals.GetByID(dbc, in.ProposalID)
	if err != nil {
		return out, err
	}
	if prop == nil {
		return out, fmt.Errorf("build_outline: proposal not found")
	}

	if existing, ok := ParseOutline(prop.Outline); ok {
		out.Outline = existing
		out.Reused = true
		return out, nil
	}

	reqs, err := deps.Requirements.ListByProposal(dbc, in.ProposalID)
	if err != nil {
		return out, err
	}
	if len(reqs) == 0 {
		return out, fmt.Errorf("build_outline: no requirements for proposal")
	}

	outline := generateOutline(dbc, deps, prop, reqs, in.JobID)
	ensureOutlineCoverage(&outline, reqs)

	if err := deps.Proposals.UpdateFields(dbc, prop.ID, map[string]interface{}{
		"outline": mustJSON(outline),
	}); err != nil {
		return out, err
	}

	out.Outline = outline
	return out, nil
}

func generateOutline(dbc dbctx.Context, deps BuildOutlineDeps, prop *types.Proposal, reqs []*types.Requirement, jobID uuid.UUID) Outline {
	p, err := prompts.Build(prompts.PromptOutlineBuild, prompts.Input{
		ProposalTitle:    prop.Title,
		VolumeLimitsJSON: string(prop.VolumeLimits),
		RequirementsJSON: string(mustJSON(reqs)),
	})
	if err != nil {
		deps.Log.Warn("Outline prompt build failed, using fallback outline", "proposal_id", prop.ID, "error", err)
		return fallbackOutline(reqs)
	}

	obj, err := deps.AI.GenerateJSON(dbc.Ctx, llm.Request{
		System:         p.System,
		User:           p.User,
		HeartbeatJobID: jobID,
	})
	if err != nil {
		deps.Log.Warn("Outline generation failed, using fallback outline", "proposal_id", prop.ID, "error", err)
		return fallbackOutline(reqs)
	}

	outline := parseGeneratedOutline(obj)
	if len(outline.Volumes) == 0 {
		deps.Log.Warn("Outline generation returned no volumes, using fallback outline", "proposal_id", prop.ID)
		return fallbackOutline(reqs)
	}
	return outline
}

func parseGeneratedOutline(obj map[string]any) Outline {
	var outline Outline
	for _, v := range sliceFromAny(obj["volumes"]) {
		vm := mapFromAny(v)
		if vm == nil {
			continue
		}
		number := intFromAny(vm["number"])
		if number < 1 || number > VolumeCount {
			continue
		}
		vol := OutlineVolume{
			Number: number,
			Title:  stringFromAny(vm["title"]),
		}
		if vol.Title == "" {
			vol.Title = defaultVolumeTitles[number]
		}
		for _, s := range sliceFromAny(vm["sections"]) {
			sm := mapFromAny(s)
			if sm == nil {
				continue
			}
			title := stringFromAny(sm["title"])
			if title == "" {
				continue
			}
			vol.Sections = append(vol.Sections, OutlineSection{
				Title:           title,
				Guidance:        stringFromAny(sm["guidance"]),
				RequirementRefs: dedupeStrings(stringSliceFromAny(sm["requirement_refs"])),
			})
		}
		if len(vol.Sections) > 0 {
			outline.Volumes = append(outline.Volumes, vol)
		}
	}
	sort.Slice(outline.Volumes, func(i, j int) bool { return outline.Volumes[i].Number < outline.Volumes[j].Number })
	return outline
}

// fallbackOutline groups requirements by their section hint per volume.
func fallbackOutline(reqs []*types.Requirement) Outline {
	outline := Outline{Fallback: true}
	for n := 1; n <= VolumeCount; n++ {
		vol := OutlineVolume{Number: n, Title: defaultVolumeTitles[n]}

		bySection := map[string][]string{}
		var order []string
		for _, r := range reqs {
			if r == nil || r.VolumeNumber != n {
				continue
			}
			section := strings.TrimSpace(r.Section)
			if section == "" {
				section = "General Requirements"
			}
			if _, ok := bySection[section]; !ok {
				order = append(order, section)
			}
			bySection[section] = append(bySection[section], r.Ref)
		}
		for _, section := range order {
			vol.Sections = append(vol.Sections, OutlineSection{
				Title:           section,
				RequirementRefs: dedupeStrings(bySection[section]),
			})
		}
		if len(vol.Sections) == 0 {
			vol.Sections = []OutlineSection{{Title: "General Requirements"}}
		}
		outline.Volumes = append(outline.Volumes, vol)
	}
	return outline
}

// ensureOutlineCoverage reassigns any requirement the generated outline
// dropped so every ref appears in its volume exactly once.
func ensureOutlineCoverage(outline *Outline, reqs []*types.Requirement) {
	assigned := map[string]bool{}
	for vi := range outline.Volumes {
		for si := range outline.Volumes[vi].Sections {
			kept := outline.Volumes[vi].Sections[si].RequirementRefs[:0]
			for _, ref := range outline.Volumes[vi].Sections[si].RequirementRefs {
				if assigned[ref] {
					continue
				}
				assigned[ref] = true
				kept = append(kept, ref)
			}
			outline.Volumes[vi].Sections[si].RequirementRefs = kept
		}
	}

	for _, r := range reqs {
		if r == nil || assigned[r.Ref] {
			continue
		}
		vol := outline.Volume(r.VolumeNumber)
		if vol == nil {
			outline.Volumes = append(outline.Volumes, OutlineVolume{
				Number:   r.VolumeNumber,
				Title:    defaultVolumeTitles[r.VolumeNumber],
				Sections: []OutlineSection{{Title: "General Requirements"}},
			})
			sort.Slice(outline.Volumes, func(i, j int) bool { return outline.Volumes[i].Number < outline.Volumes[j].Number })
			vol = outline.Volume(r.VolumeNumber)
		}
		last := len(vol.Sections) - 1
		if last < 0 {
			vol.Sections = []OutlineSection{{Title: "General Requirements"}}
			last = 0
		}
		vol.Sections[last].RequirementRefs = append(vol.Sections[last].RequirementRefs, r.Ref)
		assigned[r.Ref] = true
	}
}

// ParseOutline reads a persisted outline back; ok is false when the jsonb
// is empty or unusable.
func ParseOutline(raw []byte) (Outline, bool) {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return Outline{}, false
	}
	var outline Outline
	if err := json.Unmarshal(raw, &outline); err != nil || len(outline.Volumes) == 0 {
		return Outline{}, false
	}
	return outline, true
}
