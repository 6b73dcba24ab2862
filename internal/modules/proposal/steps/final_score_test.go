package steps

import (
	"fmt"
	"strings"
	"testing"

	"github.com/google/uuid"

	types "github.com/draftwell/propgen-backend/internal/domain"
	proposaldomain "github.com/draftwell/propgen-backend/internal/domain/proposal"
)

// distinctProse returns n distinct words so volumes share nothing by accident.
func distinctProse(prefix string, n int) string {
	var b strings.Builder
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, "%s%d ", prefix, i)
	}
	return b.String()
}

func scoredVolume(number, score int, content string) *types.Volume {
	return &types.Volume{
		ID:      uuid.New(),
		Number:  number,
		Title:   defaultVolumeTitles[number],
		Content: content,
		Score:   score,
		Status:  proposaldomain.VolumeStatusApproved,
	}
}

func cleanFinalInput() FinalScoreInput {
	return FinalScoreInput{
		Volumes: []*types.Volume{
			scoredVolume(1, 85, distinctProse("alpha", 300)),
			scoredVolume(2, 80, distinctProse("bravo", 300)),
			scoredVolume(3, 90, distinctProse("charlie", 300)),
			scoredVolume(4, 78, distinctProse("delta", 300)),
		},
	}
}

func TestFinalScoreCompletesCleanSet(t *testing.T) {
	report, err := FinalScore(cleanFinalInput())
	if err != nil {
		t.Fatalf("FinalScore: %v", err)
	}
	if report.Decision != proposaldomain.StatusCompleted {
		t.Fatalf("decision: %s, reasons: %v", report.Decision, report.Reasons)
	}
	if report.MeanScore != 83 || report.MinScore != 78 {
		t.Fatalf("aggregate: mean=%d min=%d", report.MeanScore, report.MinScore)
	}
}

func TestFinalScoreDuplicateChunksForceNeedsRevision(t *testing.T) {
	// A 50-word block duplicated verbatim across two volumes yields 31
	// sliding windows, well past the threshold, despite every score being 90.
	shared := distinctProse("shared", 50)
	in := cleanFinalInput()
	for _, v := range in.Volumes {
		v.Score = 90
	}
	in.Volumes[0].Content = distinctProse("alpha", 100) + shared
	in.Volumes[1].Content = distinctProse("bravo", 100) + shared

	report, err := FinalScore(in)
	if err != nil {
		t.Fatalf("FinalScore: %v", err)
	}
	if report.DuplicateChunks <= DuplicateChunkThreshold {
		t.Fatalf("duplicate chunks: %d, want > %d", report.DuplicateChunks, DuplicateChunkThreshold)
	}
	if report.Decision != proposaldomain.StatusNeedsRevision {
		t.Fatalf("decision: %s, want needs_revision despite mean %d", report.Decision, report.MeanScore)
	}
}

func TestFinalScoreAggregateGates(t *testing.T) {
	in := cleanFinalInput()
	in.Volumes[3].Score = 60 // drags the minimum below 70

	report, err := FinalScore(in)
	if err != nil {
		t.Fatalf("FinalScore: %v", err)
	}
	if report.Decision != proposaldomain.StatusNeedsRevision {
		t.Fatalf("decision: %s, want needs_revision", report.Decision)
	}
	if len(report.Reasons) == 0 {
		t.Fatalf("reasons must name the failed gates")
	}
}

func TestFinalScoreCriticalGapBudget(t *testing.T) {
	in := cleanFinalInput()
	in.Scores = map[int]VolumeScore{
		1: {Overall: 85, Requirements: []RequirementScore{
			{Ref: "L.1", Score: 40}, {Ref: "L.2", Score: 30}, {Ref: "L.3", Score: 20},
		}},
		2: {Overall: 80, Requirements: []RequirementScore{
			{Ref: "M.1", Score: 45}, {Ref: "M.2", Score: 10}, {Ref: "M.3", Score: 49},
		}},
	}

	report, err := FinalScore(in)
	if err != nil {
		t.Fatalf("FinalScore: %v", err)
	}
	if report.CriticalGaps != 6 {
		t.Fatalf("critical gaps: %d, want 6", report.CriticalGaps)
	}
	if report.Decision != proposaldomain.StatusNeedsRevision {
		t.Fatalf("6 critical gaps must force needs_revision")
	}
}

func TestFinalScoreMissingOutlineSections(t *testing.T) {
	in := cleanFinalInput()
	in.Outline = Outline{Volumes: []OutlineVolume{
		{Number: 1, Title: "Technical Approach", Sections: []OutlineSection{
			{Title: "Transition Plan"},
		}},
	}}

	report, err := FinalScore(in)
	if err != nil {
		t.Fatalf("FinalScore: %v", err)
	}
	if len(report.MissingSections) != 1 {
		t.Fatalf("missing sections: %v, want 1", report.MissingSections)
	}
	if report.Decision != proposaldomain.StatusNeedsRevision {
		t.Fatalf("missing section must force needs_revision")
	}
}

func TestTerminologyInconsistencies(t *testing.T) {
	volumes := []*types.Volume{
		scoredVolume(1, 85, "The sub-contractor handles integration."),
		scoredVolume(2, 85, "The subcontractor manages delivery."),
	}
	out := terminologyInconsistencies(volumes)
	if len(out) != 1 || !strings.Contains(out[0], "subcontractor") {
		t.Fatalf("terminology: %v", out)
	}
}
