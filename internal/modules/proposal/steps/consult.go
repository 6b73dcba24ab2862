package steps

import (
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/draftwell/propgen-backend/internal/data/repos"
	types "github.com/draftwell/propgen-backend/internal/domain"
	"github.com/draftwell/propgen-backend/internal/modules/proposal/prompts"
	"github.com/draftwell/propgen-backend/internal/platform/dbctx"
	"github.com/draftwell/propgen-backend/internal/platform/llm"
	"github.com/draftwell/propgen-backend/internal/platform/logger"
)

type RankedGap struct {
	Ref             string `json:"ref"`
	Priority        int    `json:"priority"`
	Repeated        bool   `json:"repeated"`
	Issue           string `json:"issue"`
	Suggestion      string `json:"suggestion,omitempty"`
	EstimatedImpact int    `json:"estimated_impact"`
}

// ConsultReport is the improvement plan produced when a volume scores below
// the consult threshold.
type ConsultReport struct {
	Summary    string      `json:"summary"`
	RankedGaps []RankedGap `json:"ranked_gaps"`
}

type ConsultVolumeDeps struct {
	Log        *logger.Logger
	Iterations repos.IterationRepo
	AI         llm.Client
}

type ConsultVolumeInput struct {
	JobID  uuid.UUID
	Volume *types.Volume
	Score  VolumeScore
}

// ConsultVolume ranks the scoring gaps by priority and estimated impact.
// Issues already recorded in prior IterationRecords are forced to the top
// regardless of what the ranking unit returned: a gap that survived a
// rework cycle is the loop's strongest signal.
func ConsultVolume(dbc dbctx.Context, deps ConsultVolumeDeps, in ConsultVolumeInput) (ConsultReport, error) {
	var report ConsultReport
	if deps.Log == nil || deps.Iterations == nil || deps.AI == nil {
		return report, fmt.Errorf("consult_volume: missing deps")
	}
	if in.Volume == nil {
		return report, fmt.Errorf("consult_volume: missing volume")
	}

	gaps := in.Score.Gaps()
	if len(gaps) == 0 {
		return report, fmt.Errorf("consult_volume: no gaps to consult on")
	}

	priorIssues, err := priorIssueRefs(dbc, deps.Iterations, in.Volume.ID)
	if err != nil {
		return report, err
	}

	p, err := prompts.Build(prompts.PromptVolumeConsult, prompts.Input{
		VolumeNumber:    in.Volume.Number,
		VolumeTitle:     in.Volume.Title,
		IterationNumber: in.Volume.Iteration,
		ScoreJSON:       string(mustJSON(in.Score)),
		GapsJSON:        string(mustJSON(gaps)),
		PriorIssuesJSON: string(mustJSON(priorIssues)),
	})
	if err != nil {
		return report, err
	}

	obj, err := deps.AI.GenerateJSON(dbc.Ctx, llm.Request{
		System:         p.System,
		User:           p.User,
		HeartbeatJobID: in.JobID,
	})
	if err != nil {
		return report, err
	}

	report = parseConsultReport(obj)
	if len(report.RankedGaps) == 0 {
		// Reduced-confidence fallback: rank by score ascending.
		report = fallbackConsultReport(gaps)
	}
	MarkRepeatedGaps(&report, priorIssues)
	return report, nil
}

// priorIssueRefs collects the issue strings recorded across all earlier
// iterations of this volume.
func priorIssueRefs(dbc dbctx.Context, iterations repos.IterationRepo, volumeID uuid.UUID) ([]string, error) {
	records, err := iterations.ListByVolume(dbc, volumeID)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, rec := range records {
		if rec == nil || len(rec.IssuesAddressed) == 0 {
			continue
		}
		var issues []string
		if err := jsonDecode(rec.IssuesAddressed, &issues); err != nil {
			continue
		}
		out = append(out, issues...)
	}
	return dedupeStrings(out), nil
}

func parseConsultReport(obj map[string]any) ConsultReport {
	report := ConsultReport{
		Summary: stringFromAny(obj["summary"]),
	}
	for _, item := range sliceFromAny(obj["ranked_gaps"]) {
		m := mapFromAny(item)
		if m == nil {
			continue
		}
		ref := stringFromAny(m["ref"])
		issue := stringFromAny(m["issue"])
		if ref == "" && issue == "" {
			continue
		}
		report.RankedGaps = append(report.RankedGaps, RankedGap{
			Ref:             ref,
			Priority:        intFromAny(m["priority"]),
			Repeated:        boolFromAny(m["repeated"]),
			Issue:           issue,
			Suggestion:      stringFromAny(m["suggestion"]),
			EstimatedImpact: intFromAny(m["estimated_impact"]),
		})
	}
	return report
}

func fallbackConsultReport(gaps []RequirementScore) ConsultReport {
	sorted := make([]RequirementScore, len(gaps))
	copy(sorted, gaps)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Score < sorted[j].Score })

	report := ConsultReport{Summary: "automated ranking unavailable; gaps ordered by score"}
	for i, g := range sorted {
		report.RankedGaps = append(report.RankedGaps, RankedGap{
			Ref:             g.Ref,
			Priority:        i + 1,
			Issue:           g.Gap,
			EstimatedImpact: GapThreshold - g.Score,
		})
	}
	return report
}

// MarkRepeatedGaps flags gaps whose ref appeared in prior iteration issues
// and stable-sorts repeats ahead of everything else, then by priority.
func MarkRepeatedGaps(report *ConsultReport, priorIssues []string) {
	if len(report.RankedGaps) == 0 {
		return
	}
	for i := range report.RankedGaps {
		g := &report.RankedGaps[i]
		if g.Repeated {
			continue
		}
		for _, issue := range priorIssues {
			if g.Ref != "" && containsFold(issue, g.Ref) {
				g.Repeated = true
				break
			}
		}
	}
	sort.SliceStable(report.RankedGaps, func(i, j int) bool {
		a, b := report.RankedGaps[i], report.RankedGaps[j]
		if a.Repeated != b.Repeated {
			return a.Repeated
		}
		return a.Priority < b.Priority
	})
	for i := range report.RankedGaps {
		report.RankedGaps[i].Priority = i + 1
	}
}
