package steps

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"

	types "github.com/draftwell/propgen-backend/internal/domain"
	"github.com/draftwell/propgen-backend/internal/platform/dbctx"
	"github.com/draftwell/propgen-backend/internal/platform/llm"
)

func sectionsTestVolume() *types.Volume {
	return &types.Volume{
		ID:        uuid.New(),
		Number:    1,
		Title:     "Technical Approach",
		PageLimit: 40,
	}
}

func TestWriteSectionsContainsPartialFailure(t *testing.T) {
	sections := []OutlineSection{
		{Title: "Alpha"},
		{Title: "Bravo"},
		{Title: "Charlie"},
	}
	body := strings.Repeat("solid prose ", 60)

	ai := &fakeAI{generate: func(req llm.Request) (string, error) {
		if strings.Contains(req.User, "SECTION: Bravo") {
			return "", fmt.Errorf("model returned garbage")
		}
		return body, nil
	}}

	out, err := WriteSections(dbctx.New(context.Background()), WriteSectionsDeps{Log: testLogger(t), AI: ai}, WriteSectionsInput{
		Volume:   sectionsTestVolume(),
		Sections: sections,
	})
	if err != nil {
		t.Fatalf("WriteSections: %v", err)
	}

	if len(out.FailedSections) != 1 || out.FailedSections[0] != "Bravo" {
		t.Fatalf("failed sections: %v, want [Bravo]", out.FailedSections)
	}
	if !strings.Contains(out.Content, "SECTION GENERATION FAILED: Bravo") {
		t.Fatalf("missing inline failure marker:\n%s", out.Content)
	}
	for _, title := range []string{"Alpha", "Charlie"} {
		if !strings.Contains(out.Content, "## "+title) {
			t.Fatalf("sibling section %s missing from content", title)
		}
	}
	if out.PageCount == 0 {
		t.Fatalf("page count must reflect the assembled content")
	}

	// Marker text contributes to the page count like any other content.
	if !strings.Contains(out.Content, "## Bravo") {
		t.Fatalf("failed section header missing; page count would undercount")
	}
}

func TestWriteSectionsPreservesOutlineOrder(t *testing.T) {
	sections := []OutlineSection{
		{Title: "First"},
		{Title: "Second"},
		{Title: "Third"},
	}
	ai := &fakeAI{generate: func(req llm.Request) (string, error) {
		return "body text here", nil
	}}

	out, err := WriteSections(dbctx.New(context.Background()), WriteSectionsDeps{Log: testLogger(t), AI: ai}, WriteSectionsInput{
		Volume:   sectionsTestVolume(),
		Sections: sections,
	})
	if err != nil {
		t.Fatalf("WriteSections: %v", err)
	}

	first := strings.Index(out.Content, "## First")
	second := strings.Index(out.Content, "## Second")
	third := strings.Index(out.Content, "## Third")
	if first < 0 || second < 0 || third < 0 || !(first < second && second < third) {
		t.Fatalf("sections out of outline order: %d %d %d", first, second, third)
	}
}

func TestWriteSectionsRespectsConcurrencyCap(t *testing.T) {
	t.Setenv("SECTION_CONCURRENCY", "2")

	var inFlight, peak int64
	var mu sync.Mutex
	release := make(chan struct{})

	ai := &fakeAI{generate: func(req llm.Request) (string, error) {
		n := atomic.AddInt64(&inFlight, 1)
		mu.Lock()
		if n > peak {
			peak = n
		}
		mu.Unlock()
		<-release
		atomic.AddInt64(&inFlight, -1)
		return "body", nil
	}}

	sections := []OutlineSection{{Title: "A"}, {Title: "B"}, {Title: "C"}, {Title: "D"}}
	done := make(chan error, 1)
	go func() {
		_, err := WriteSections(dbctx.New(context.Background()), WriteSectionsDeps{Log: testLogger(t), AI: ai}, WriteSectionsInput{
			Volume:   sectionsTestVolume(),
			Sections: sections,
		})
		done <- err
	}()

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("WriteSections: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if peak > 2 {
		t.Fatalf("concurrency peak %d exceeded cap 2", peak)
	}
}
