package steps

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	types "github.com/draftwell/propgen-backend/internal/domain"
	"github.com/draftwell/propgen-backend/internal/modules/proposal/prompts"
	"github.com/draftwell/propgen-backend/internal/platform/dbctx"
	"github.com/draftwell/propgen-backend/internal/platform/llm"
	"github.com/draftwell/propgen-backend/internal/platform/logger"
)

type WriteSectionsDeps struct {
	Log *logger.Logger
	AI  llm.Client
}

type WriteSectionsInput struct {
	JobID        uuid.UUID
	Volume       *types.Volume
	Sections     []OutlineSection
	Requirements []*types.Requirement
}

type WriteSectionsOutput struct {
	Content        string   `json:"-"`
	PageCount      int      `json:"page_count"`
	FailedSections []string `json:"failed_sections,omitempty"`
}

// WriteSections fans the volume's sections out to the generation service
// under a concurrency cap and assembles the results in outline order.
// Section failures are contained: the failed section is replaced with an
// inline marker and siblings are unaffected. The returned page count covers
// the full assembled content, markers included, so size checks see the real
// document shape.
func WriteSections(dbc dbctx.Context, deps WriteSectionsDeps, in WriteSectionsInput) (WriteSectionsOutput, error) {
	out := WriteSectionsOutput{}
	if deps.Log == nil || deps.AI == nil {
		return out, fmt.Errorf("write_sections: missing deps")
	}
	if in.Volume == nil {
		return out, fmt.Errorf("write_sections: missing volume")
	}
	if len(in.Sections) == 0 {
		return out, fmt.Errorf("write_sections: no sections to write")
	}

	reqsByRef := map[string]*types.Requirement{}
	for _, r := range in.Requirements {
		if r != nil {
			reqsByRef[r.Ref] = r
		}
	}
	siblingTitles := make([]string, 0, len(in.Sections))
	for _, s := range in.Sections {
		siblingTitles = append(siblingTitles, s.Title)
	}

	type sectionResult struct {
		body string
		err  error
	}

	results := make([]sectionResult, len(in.Sections))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(dbc.Ctx)
	g.SetLimit(envInt("SECTION_CONCURRENCY", 4))

	for i, section := range in.Sections {
		g.Go(func() error {
			body, err := writeOneSection(gctx, deps, in, section, siblingTitles, reqsByRef)
			mu.Lock()
			results[i] = sectionResult{body: body, err: err}
			mu.Unlock()
			// Errors are contained per section; never abort siblings.
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return out, err
	}

	var b strings.Builder
	for i, section := range in.Sections {
		res := results[i]
		b.WriteString("## ")
		b.WriteString(section.Title)
		b.WriteString("\n\n")
		if res.err != nil {
			deps.Log.Warn("Section generation failed",
				"volume", in.Volume.Number,
				"section", section.Title,
				"error", res.err,
			)
			out.FailedSections = append(out.FailedSections, section.Title)
			b.WriteString(sectionFailureMarker(section.Title, res.err))
		} else {
			b.WriteString(strings.TrimSpace(res.body))
		}
		b.WriteString("\n\n")
	}

	out.Content = strings.TrimSpace(b.String())
	out.PageCount = estimatePageCount(out.Content)
	sort.Strings(out.FailedSections)
	return out, nil
}

func writeOneSection(ctx context.Context, deps WriteSectionsDeps, in WriteSectionsInput, section OutlineSection, siblings []string, reqsByRef map[string]*types.Requirement) (string, error) {
	sectionReqs := make([]*types.Requirement, 0, len(section.RequirementRefs))
	for _, ref := range section.RequirementRefs {
		if r, ok := reqsByRef[ref]; ok {
			sectionReqs = append(sectionReqs, r)
		}
	}

	p, err := prompts.Build(prompts.PromptSectionWrite, prompts.Input{
		VolumeNumber:     in.Volume.Number,
		VolumeTitle:      in.Volume.Title,
		SectionTitle:     section.Title,
		SectionGuidance:  section.Guidance,
		SectionReqsJSON:  string(mustJSON(sectionReqs)),
		PageBudget:       in.Volume.PageLimit,
		SiblingTitlesCSV: strings.Join(siblings, ", "),
	})
	if err != nil {
		return "", err
	}

	body, err := deps.AI.Generate(ctx, llm.Request{
		System:         p.System,
		User:           p.User,
		HeartbeatJobID: in.JobID,
	})
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(body) == "" {
		return "", fmt.Errorf("empty section body")
	}
	return body, nil
}

func sectionFailureMarker(title string, err error) string {
	return fmt.Sprintf("> **[SECTION GENERATION FAILED: %s]** %s", title, shorten(err.Error(), 300))
}
