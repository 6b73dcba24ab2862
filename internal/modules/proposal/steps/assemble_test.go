package steps

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"

	types "github.com/draftwell/propgen-backend/internal/domain"
	proposaldomain "github.com/draftwell/propgen-backend/internal/domain/proposal"
)

func approvedVolumes() []*types.Volume {
	content := strings.Repeat("Approved deliverable prose. ", 100)
	var out []*types.Volume
	for n := 1; n <= VolumeCount; n++ {
		out = append(out, &types.Volume{
			ID:        uuid.New(),
			Number:    n,
			Title:     defaultVolumeTitles[n],
			Content:   content,
			PageCount: 20,
			PageLimit: 50,
			Status:    proposaldomain.VolumeStatusApproved,
			Score:     85,
		})
	}
	return out
}

func TestAssembleComposesApprovedVolumes(t *testing.T) {
	prop := &types.Proposal{ID: uuid.New(), Title: "Network Modernization"}
	out, err := Assemble(AssembleInput{Proposal: prop, Volumes: approvedVolumes()})
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}

	if !strings.HasPrefix(out.Document, "# Network Modernization") {
		t.Fatalf("document missing title page")
	}
	for n := 1; n <= VolumeCount; n++ {
		if !strings.Contains(out.Document, defaultVolumeTitles[n]) {
			t.Fatalf("volume %d missing from document", n)
		}
	}
	if out.PageCount == 0 {
		t.Fatalf("page count not derived")
	}

	v1 := strings.Index(out.Document, "# Volume 1:")
	v4 := strings.Index(out.Document, "# Volume 4:")
	if v1 < 0 || v4 < 0 || v1 > v4 {
		t.Fatalf("volumes out of order")
	}
}

func TestAssembleAbortsWithFullFailureList(t *testing.T) {
	volumes := approvedVolumes()
	volumes[1].Status = proposaldomain.VolumeStatusIterating // not approved
	volumes[2].PageCount = 80                                // over its 50-page limit
	volumes = volumes[:3]                                    // volume 4 missing entirely

	prop := &types.Proposal{ID: uuid.New(), Title: "Broken"}
	_, err := Assemble(AssembleInput{Proposal: prop, Volumes: volumes})
	if err == nil {
		t.Fatalf("expected checklist failure")
	}

	var cf *ChecklistFailure
	if !errors.As(err, &cf) {
		t.Fatalf("error type: %T", err)
	}
	if len(cf.Failed) != 3 {
		t.Fatalf("failed checks: %v, want 3 entries", cf.Failed)
	}
	msg := err.Error()
	for _, want := range []string{"volume 2 not approved", "volume 3 exceeds page limit", "volume 4 missing"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("failure list missing %q: %s", want, msg)
		}
	}
}

func TestRunAssemblyChecklistClean(t *testing.T) {
	if failed := RunAssemblyChecklist(approvedVolumes()); len(failed) != 0 {
		t.Fatalf("unexpected failures: %v", failed)
	}
}
