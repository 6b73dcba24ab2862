package steps

import (
	"fmt"
	"hash/fnv"
	"sort"
	"strings"

	types "github.com/draftwell/propgen-backend/internal/domain"
	proposaldomain "github.com/draftwell/propgen-backend/internal/domain/proposal"
)

// dupWindowWords is the sliding fingerprint window. The window advances one
// word at a time so duplicated text matches at any alignment.
const dupWindowWords = 20

// FinalReport is the outcome of the cross-volume final pass. Decision is
// the proposal's terminal status: completed, or needs_revision when any
// aggregate gate fails.
type FinalReport struct {
	MeanScore       int      `json:"mean_score"`
	MinScore        int      `json:"min_score"`
	CriticalGaps    int      `json:"critical_gaps"`
	DuplicateChunks int      `json:"duplicate_chunks"`
	Duplicates      []string `json:"duplicates,omitempty"`
	Terminology     []string `json:"terminology,omitempty"`
	MissingSections []string `json:"missing_sections,omitempty"`
	Reasons         []string `json:"reasons,omitempty"`
	Decision        string   `json:"decision"`
}

type FinalScoreInput struct {
	Volumes []*types.Volume
	Outline Outline
	// Scores holds the latest scoring pass per volume number.
	Scores map[int]VolumeScore
}

// FinalScore runs the checks no single volume can see in isolation:
// cross-volume duplicate content, terminology drift, outline completeness,
// and the aggregate score gate. A failing gate resolves to needs_revision,
// terminal but not failed.
func FinalScore(in FinalScoreInput) (FinalReport, error) {
	report := FinalReport{Decision: proposaldomain.StatusCompleted}
	if len(in.Volumes) == 0 {
		return report, fmt.Errorf("final_score: no volumes")
	}

	report.MeanScore, report.MinScore = aggregateScores(in.Volumes)
	for _, s := range in.Scores {
		report.CriticalGaps += len(s.CriticalGaps())
	}

	report.DuplicateChunks, report.Duplicates = CountDuplicateChunks(in.Volumes)
	report.Terminology = terminologyInconsistencies(in.Volumes)
	report.MissingSections = missingSections(in.Volumes, in.Outline)

	if report.MeanScore < AggregateMeanFloor {
		report.Reasons = append(report.Reasons, fmt.Sprintf("mean score %d below %d", report.MeanScore, AggregateMeanFloor))
	}
	if report.MinScore < AggregateMinFloor {
		report.Reasons = append(report.Reasons, fmt.Sprintf("minimum volume score %d below %d", report.MinScore, AggregateMinFloor))
	}
	if report.CriticalGaps > MaxCriticalGaps {
		report.Reasons = append(report.Reasons, fmt.Sprintf("%d critical gaps remain (max %d)", report.CriticalGaps, MaxCriticalGaps))
	}
	if report.DuplicateChunks > DuplicateChunkThreshold {
		report.Reasons = append(report.Reasons, fmt.Sprintf("%d duplicated content chunks across volumes (max %d)", report.DuplicateChunks, DuplicateChunkThreshold))
	}
	if len(report.MissingSections) > 0 {
		report.Reasons = append(report.Reasons, fmt.Sprintf("%d outline sections missing from content", len(report.MissingSections)))
	}

	if len(report.Reasons) > 0 {
		report.Decision = proposaldomain.StatusNeedsRevision
	}
	return report, nil
}

func aggregateScores(volumes []*types.Volume) (mean, min int) {
	min = 101
	total, n := 0, 0
	for _, v := range volumes {
		if v == nil {
			continue
		}
		total += v.Score
		n++
		if v.Score < min {
			min = v.Score
		}
	}
	if n == 0 {
		return 0, 0
	}
	return total / n, min
}

// CountDuplicateChunks fingerprints sliding word windows per volume and
// counts distinct fingerprints that appear in two or more volumes. The
// sample strings are for the report, capped to keep it readable.
func CountDuplicateChunks(volumes []*types.Volume) (int, []string) {
	type hit struct {
		volumes map[int]bool
		sample  string
	}
	byPrint := map[uint64]*hit{}

	for _, v := range volumes {
		if v == nil {
			continue
		}
		words := normalizedWords(v.Content)
		for start := 0; start+dupWindowWords <= len(words); start++ {
			window := words[start : start+dupWindowWords]
			fp := fingerprint(window)
			h, ok := byPrint[fp]
			if !ok {
				h = &hit{volumes: map[int]bool{}, sample: strings.Join(window[:5], " ") + "..."}
				byPrint[fp] = h
			}
			h.volumes[v.Number] = true
		}
	}

	count := 0
	var samples []string
	for _, h := range byPrint {
		if len(h.volumes) < 2 {
			continue
		}
		count++
		if len(samples) < 10 {
			samples = append(samples, h.sample)
		}
	}
	sort.Strings(samples)
	return count, samples
}

func normalizedWords(content string) []string {
	fields := strings.Fields(strings.ToLower(content))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.Trim(f, ".,;:!?()[]\"'`*#>-")
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

func fingerprint(words []string) uint64 {
	h := fnv.New64a()
	for _, w := range words {
		_, _ = h.Write([]byte(w))
		_, _ = h.Write([]byte{' '})
	}
	return h.Sum64()
}

// terminologyInconsistencies reports terms used with multiple spellings
// across volumes, e.g. "sub-contractor" in one and "subcontractor" in
// another.
func terminologyInconsistencies(volumes []*types.Volume) []string {
	variants := map[string]map[string]bool{}
	for _, v := range volumes {
		if v == nil {
			continue
		}
		for _, w := range normalizedWords(v.Content) {
			if len(w) < 5 {
				continue
			}
			norm := strings.ReplaceAll(w, "-", "")
			if variants[norm] == nil {
				variants[norm] = map[string]bool{}
			}
			variants[norm][w] = true
		}
	}

	var out []string
	for norm, forms := range variants {
		if len(forms) < 2 {
			continue
		}
		list := make([]string, 0, len(forms))
		for f := range forms {
			list = append(list, f)
		}
		sort.Strings(list)
		out = append(out, fmt.Sprintf("%s: %s", norm, strings.Join(list, " / ")))
	}
	sort.Strings(out)
	return out
}

// missingSections checks each outline section title appears as a header in
// its volume's content.
func missingSections(volumes []*types.Volume, outline Outline) []string {
	byNumber := map[int]*types.Volume{}
	for _, v := range volumes {
		if v != nil {
			byNumber[v.Number] = v
		}
	}

	var out []string
	for _, ov := range outline.Volumes {
		v, ok := byNumber[ov.Number]
		if !ok {
			for _, s := range ov.Sections {
				out = append(out, fmt.Sprintf("volume %d: %s", ov.Number, s.Title))
			}
			continue
		}
		lower := strings.ToLower(v.Content)
		for _, s := range ov.Sections {
			if !strings.Contains(lower, strings.ToLower(s.Title)) {
				out = append(out, fmt.Sprintf("volume %d: %s", ov.Number, s.Title))
			}
		}
	}
	return out
}
