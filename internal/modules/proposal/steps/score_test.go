package steps

import (
	"context"
	"strings"
	"testing"

	"github.com/google/uuid"

	types "github.com/draftwell/propgen-backend/internal/domain"
	"github.com/draftwell/propgen-backend/internal/platform/dbctx"
	"github.com/draftwell/propgen-backend/internal/platform/llm"
)

func scoringReqs() []*types.Requirement {
	return []*types.Requirement{
		{ID: uuid.New(), Ref: "L.1", Text: "a", VolumeNumber: 1},
		{ID: uuid.New(), Ref: "L.2", Text: "b", VolumeNumber: 1},
		{ID: uuid.New(), Ref: "L.3", Text: "c", VolumeNumber: 1},
	}
}

func TestScoreVolumeParsesBreakdown(t *testing.T) {
	ai := &fakeAI{generateJSON: func(req llm.Request) (map[string]any, error) {
		return map[string]any{
			"overall_score": float64(65),
			"requirements": []any{
				map[string]any{"ref": "L.1", "score": float64(85), "rationale": "solid"},
				map[string]any{"ref": "L.2", "score": float64(62), "gap": "no staffing matrix"},
				map[string]any{"ref": "L.3", "score": float64(140), "rationale": "overflow"},
			},
		}, nil
	}}

	vol := &types.Volume{ID: uuid.New(), Number: 1, Title: "Technical", Content: strings.Repeat("content ", 100)}
	score, err := ScoreVolume(dbctx.New(context.Background()), ScoreVolumeDeps{Log: testLogger(t), AI: ai}, ScoreVolumeInput{
		Volume:       vol,
		Requirements: scoringReqs(),
	})
	if err != nil {
		t.Fatalf("ScoreVolume: %v", err)
	}

	if score.Overall != 65 {
		t.Fatalf("overall: got %d, want 65", score.Overall)
	}
	if len(score.Requirements) != 3 {
		t.Fatalf("breakdown: got %d entries, want 3", len(score.Requirements))
	}
	for _, r := range score.Requirements {
		if r.Ref == "L.3" && r.Score != 100 {
			t.Fatalf("score not clamped: %d", r.Score)
		}
	}

	gaps := score.Gaps()
	if len(gaps) != 1 || gaps[0].Ref != "L.2" {
		t.Fatalf("gaps: %+v, want only L.2", gaps)
	}
	if len(score.CriticalGaps()) != 0 {
		t.Fatalf("no critical gaps expected")
	}
	if !score.NeedsConsult() {
		t.Fatalf("overall 65 must trigger consult")
	}
}

func TestScoreVolumeUnscoredRequirementIsCritical(t *testing.T) {
	ai := &fakeAI{generateJSON: func(req llm.Request) (map[string]any, error) {
		return map[string]any{
			"overall_score": float64(90),
			"requirements": []any{
				map[string]any{"ref": "L.1", "score": float64(90)},
			},
		}, nil
	}}

	vol := &types.Volume{ID: uuid.New(), Number: 1, Title: "Technical", Content: "some content"}
	score, err := ScoreVolume(dbctx.New(context.Background()), ScoreVolumeDeps{Log: testLogger(t), AI: ai}, ScoreVolumeInput{
		Volume:       vol,
		Requirements: scoringReqs(),
	})
	if err != nil {
		t.Fatalf("ScoreVolume: %v", err)
	}

	critical := score.CriticalGaps()
	if len(critical) != 2 {
		t.Fatalf("unscored requirements: got %d critical gaps, want 2", len(critical))
	}
}

func TestScoreVolumeRejectsEmptyContent(t *testing.T) {
	vol := &types.Volume{ID: uuid.New(), Number: 2, Title: "Management"}
	_, err := ScoreVolume(dbctx.New(context.Background()), ScoreVolumeDeps{Log: testLogger(t), AI: &fakeAI{}}, ScoreVolumeInput{
		Volume:       vol,
		Requirements: scoringReqs(),
	})
	if err == nil {
		t.Fatalf("expected error for empty content")
	}
}
