package steps

import (
	"context"
	"testing"

	"github.com/google/uuid"

	types "github.com/draftwell/propgen-backend/internal/domain"
	"github.com/draftwell/propgen-backend/internal/platform/dbctx"
	"github.com/draftwell/propgen-backend/internal/platform/llm"
)

type fakeIterationRepo struct {
	records []*types.IterationRecord
}

func (f *fakeIterationRepo) Create(dbc dbctx.Context, records []*types.IterationRecord) ([]*types.IterationRecord, error) {
	f.records = append(f.records, records...)
	return records, nil
}

func (f *fakeIterationRepo) ListByVolume(dbc dbctx.Context, volumeID uuid.UUID) ([]*types.IterationRecord, error) {
	return f.records, nil
}

func (f *fakeIterationRepo) CountByVolume(dbc dbctx.Context, volumeID uuid.UUID) (int, error) {
	return len(f.records), nil
}

func TestConsultVolumeRanksRepeatedIssuesFirst(t *testing.T) {
	vol := &types.Volume{ID: uuid.New(), Number: 1, Title: "Technical", Iteration: 2}
	iterations := &fakeIterationRepo{records: []*types.IterationRecord{
		{
			ID:              uuid.New(),
			VolumeID:        vol.ID,
			Iteration:       1,
			IssuesAddressed: mustJSON([]string{"L.2 staffing matrix still missing"}),
		},
	}}

	ai := &fakeAI{generateJSON: func(req llm.Request) (map[string]any, error) {
		return map[string]any{
			"summary": "two gaps remain",
			"ranked_gaps": []any{
				map[string]any{"ref": "L.5", "priority": float64(1), "issue": "weak transition plan", "estimated_impact": float64(12)},
				map[string]any{"ref": "L.2", "priority": float64(2), "issue": "staffing matrix missing", "estimated_impact": float64(8)},
			},
		}, nil
	}}

	score := VolumeScore{
		Overall: 65,
		Requirements: []RequirementScore{
			{Ref: "L.2", Score: 60, Gap: "staffing matrix missing"},
			{Ref: "L.5", Score: 55, Gap: "weak transition plan"},
		},
	}

	report, err := ConsultVolume(dbctx.New(context.Background()), ConsultVolumeDeps{
		Log:        testLogger(t),
		Iterations: iterations,
		AI:         ai,
	}, ConsultVolumeInput{Volume: vol, Score: score})
	if err != nil {
		t.Fatalf("ConsultVolume: %v", err)
	}

	if len(report.RankedGaps) != 2 {
		t.Fatalf("got %d ranked gaps, want 2", len(report.RankedGaps))
	}
	top := report.RankedGaps[0]
	if top.Ref != "L.2" || !top.Repeated {
		t.Fatalf("repeated issue not ranked first: %+v", top)
	}
	if top.Priority != 1 {
		t.Fatalf("priorities not renumbered: %+v", top)
	}
}

func TestConsultVolumeFallsBackToScoreOrdering(t *testing.T) {
	vol := &types.Volume{ID: uuid.New(), Number: 3, Title: "Past Performance"}
	ai := &fakeAI{generateJSON: func(req llm.Request) (map[string]any, error) {
		return map[string]any{"summary": "nothing parseable"}, nil
	}}

	score := VolumeScore{
		Overall: 55,
		Requirements: []RequirementScore{
			{Ref: "P.1", Score: 65, Gap: "stale references"},
			{Ref: "P.2", Score: 40, Gap: "no relevant contracts cited"},
		},
	}

	report, err := ConsultVolume(dbctx.New(context.Background()), ConsultVolumeDeps{
		Log:        testLogger(t),
		Iterations: &fakeIterationRepo{},
		AI:         ai,
	}, ConsultVolumeInput{Volume: vol, Score: score})
	if err != nil {
		t.Fatalf("ConsultVolume: %v", err)
	}

	if len(report.RankedGaps) != 2 {
		t.Fatalf("fallback produced %d gaps, want 2", len(report.RankedGaps))
	}
	if report.RankedGaps[0].Ref != "P.2" {
		t.Fatalf("fallback must rank lowest score first: %+v", report.RankedGaps[0])
	}
}

func TestConsultVolumeRequiresGaps(t *testing.T) {
	vol := &types.Volume{ID: uuid.New(), Number: 1, Title: "Technical"}
	score := VolumeScore{Overall: 95, Requirements: []RequirementScore{{Ref: "L.1", Score: 95}}}

	_, err := ConsultVolume(dbctx.New(context.Background()), ConsultVolumeDeps{
		Log:        testLogger(t),
		Iterations: &fakeIterationRepo{},
		AI:         &fakeAI{},
	}, ConsultVolumeInput{Volume: vol, Score: score})
	if err == nil {
		t.Fatalf("expected error when there are no gaps")
	}
}
