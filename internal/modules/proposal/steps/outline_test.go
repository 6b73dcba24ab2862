package steps

import (
	"testing"

	"github.com/google/uuid"

	types "github.com/draftwell/propgen-backend/internal/domain"
)

func outlineReqs() []*types.Requirement {
	return []*types.Requirement{
		{ID: uuid.New(), Ref: "L.1", Text: "a", VolumeNumber: 1, Section: "Approach"},
		{ID: uuid.New(), Ref: "L.2", Text: "b", VolumeNumber: 1, Section: "Approach"},
		{ID: uuid.New(), Ref: "M.1", Text: "c", VolumeNumber: 2, Section: "Staffing"},
		{ID: uuid.New(), Ref: "C.1", Text: "d", VolumeNumber: 4},
	}
}

func TestFallbackOutlineCoversAllRequirements(t *testing.T) {
	outline := fallbackOutline(outlineReqs())

	if !outline.Fallback {
		t.Fatalf("fallback outline must be marked")
	}
	if len(outline.Volumes) != VolumeCount {
		t.Fatalf("got %d volumes, want %d", len(outline.Volumes), VolumeCount)
	}

	assigned := map[string]bool{}
	for _, v := range outline.Volumes {
		for _, s := range v.Sections {
			for _, ref := range s.RequirementRefs {
				assigned[ref] = true
			}
		}
	}
	for _, ref := range []string{"L.1", "L.2", "M.1", "C.1"} {
		if !assigned[ref] {
			t.Fatalf("requirement %s not assigned", ref)
		}
	}
}

func TestEnsureOutlineCoverageReassignsDropped(t *testing.T) {
	outline := Outline{Volumes: []OutlineVolume{
		{Number: 1, Title: "Technical", Sections: []OutlineSection{
			{Title: "Approach", RequirementRefs: []string{"L.1", "L.1"}},
		}},
	}}

	ensureOutlineCoverage(&outline, outlineReqs())

	assigned := map[string]int{}
	for _, v := range outline.Volumes {
		for _, s := range v.Sections {
			for _, ref := range s.RequirementRefs {
				assigned[ref]++
			}
		}
	}
	for _, ref := range []string{"L.1", "L.2", "M.1", "C.1"} {
		if assigned[ref] != 1 {
			t.Fatalf("requirement %s assigned %d times, want exactly 1", ref, assigned[ref])
		}
	}
	if outline.Volume(2) == nil || outline.Volume(4) == nil {
		t.Fatalf("missing volumes not created for dropped requirements")
	}
}

func TestParseOutline(t *testing.T) {
	if _, ok := ParseOutline(nil); ok {
		t.Fatalf("nil outline parsed as valid")
	}
	if _, ok := ParseOutline([]byte("null")); ok {
		t.Fatalf("null outline parsed as valid")
	}

	outline := fallbackOutline(outlineReqs())
	parsed, ok := ParseOutline(mustJSON(outline))
	if !ok {
		t.Fatalf("round-trip outline did not parse")
	}
	if len(parsed.Volumes) != len(outline.Volumes) {
		t.Fatalf("round-trip lost volumes: got %d, want %d", len(parsed.Volumes), len(outline.Volumes))
	}
}

func TestParseGeneratedOutlineDropsJunk(t *testing.T) {
	obj := map[string]any{
		"volumes": []any{
			map[string]any{"number": float64(1), "title": "Technical", "sections": []any{
				map[string]any{"title": "Approach", "requirement_refs": []any{"L.1"}},
				map[string]any{"title": ""},
			}},
			map[string]any{"number": float64(9), "title": "Bogus", "sections": []any{
				map[string]any{"title": "X"},
			}},
			"not a map",
		},
	}

	outline := parseGeneratedOutline(obj)
	if len(outline.Volumes) != 1 {
		t.Fatalf("got %d volumes, want 1", len(outline.Volumes))
	}
	if len(outline.Volumes[0].Sections) != 1 {
		t.Fatalf("empty-title section not dropped")
	}
}
