package steps

import (
	"fmt"
	"sort"
	"strings"

	types "github.com/draftwell/propgen-backend/internal/domain"
	proposaldomain "github.com/draftwell/propgen-backend/internal/domain/proposal"
)

// minVolumeContentChars is the floor below which a volume cannot plausibly
// be a real deliverable.
const minVolumeContentChars = 2000

// ChecklistFailure is the assembly barrier refusing to compose a partial
// artifact: it carries every failed critical check, not just the first.
type ChecklistFailure struct {
	Failed []string
}

func (e *ChecklistFailure) Error() string {
	return "assembly checklist failed: " + strings.Join(e.Failed, "; ")
}

type AssembleInput struct {
	Proposal *types.Proposal
	Volumes  []*types.Volume
}

type AssembleOutput struct {
	Document  string `json:"-"`
	PageCount int    `json:"page_count"`
	ChecksRun int    `json:"checks_run"`
}

// Assemble runs the critical checklist and composes the final deliverable.
// Any failed check aborts with the full failure list; a partial artifact is
// never produced.
func Assemble(in AssembleInput) (AssembleOutput, error) {
	out := AssembleOutput{}
	if in.Proposal == nil {
		return out, fmt.Errorf("assemble: missing proposal")
	}

	failed := RunAssemblyChecklist(in.Volumes)
	out.ChecksRun = 4
	if len(failed) > 0 {
		return out, &ChecklistFailure{Failed: failed}
	}

	volumes := make([]*types.Volume, len(in.Volumes))
	copy(volumes, in.Volumes)
	sort.Slice(volumes, func(i, j int) bool { return volumes[i].Number < volumes[j].Number })

	var b strings.Builder
	b.WriteString("# ")
	b.WriteString(strings.TrimSpace(in.Proposal.Title))
	b.WriteString("\n\n")
	for _, v := range volumes {
		b.WriteString(fmt.Sprintf("# Volume %d: %s\n\n", v.Number, v.Title))
		b.WriteString(strings.TrimSpace(v.Content))
		b.WriteString("\n\n")
	}

	out.Document = strings.TrimSpace(b.String())
	out.PageCount = estimatePageCount(out.Document)
	return out, nil
}

// RunAssemblyChecklist returns the critical checks that fail, one message
// per failure. Empty means the barrier is clear.
func RunAssemblyChecklist(volumes []*types.Volume) []string {
	var failed []string

	present := map[int]*types.Volume{}
	for _, v := range volumes {
		if v != nil {
			present[v.Number] = v
		}
	}
	for n := 1; n <= VolumeCount; n++ {
		v, ok := present[n]
		if !ok {
			failed = append(failed, fmt.Sprintf("volume %d missing", n))
			continue
		}
		if v.Status != proposaldomain.VolumeStatusApproved && v.Status != proposaldomain.VolumeStatusComplete {
			failed = append(failed, fmt.Sprintf("volume %d not approved (status=%s)", n, v.Status))
		}
		if v.PageLimit > 0 && v.PageCount > v.PageLimit {
			failed = append(failed, fmt.Sprintf("volume %d exceeds page limit (%d > %d)", n, v.PageCount, v.PageLimit))
		}
		if len(strings.TrimSpace(v.Content)) < minVolumeContentChars {
			failed = append(failed, fmt.Sprintf("volume %d content below minimum length", n))
		}
	}
	return failed
}
