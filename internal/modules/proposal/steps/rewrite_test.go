package steps

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/google/uuid"

	types "github.com/draftwell/propgen-backend/internal/domain"
	"github.com/draftwell/propgen-backend/internal/platform/dbctx"
	"github.com/draftwell/propgen-backend/internal/platform/llm"
)

func rewriteVolume() *types.Volume {
	return &types.Volume{
		ID:      uuid.New(),
		Number:  1,
		Title:   "Technical Approach",
		Content: strings.Repeat("original draft text ", 50),
	}
}

func TestRewriteVolumeTwoPasses(t *testing.T) {
	var calls []string
	ai := &fakeAI{generate: func(req llm.Request) (string, error) {
		if strings.Contains(req.System, "polishing") {
			calls = append(calls, "polish")
			return "polished final text", nil
		}
		calls = append(calls, "compliance")
		if !strings.Contains(req.User, "add staffing matrix") {
			t.Errorf("user feedback not passed to compliance pass")
		}
		return "compliance draft text", nil
	}}

	out, err := RewriteVolume(dbctx.New(context.Background()), RewriteVolumeDeps{Log: testLogger(t), AI: ai}, RewriteVolumeInput{
		Volume:       rewriteVolume(),
		RankedGaps:   []RankedGap{{Ref: "L.2", Priority: 1, Issue: "staffing matrix missing"}},
		UserFeedback: "add staffing matrix",
	})
	if err != nil {
		t.Fatalf("RewriteVolume: %v", err)
	}

	if len(calls) != 2 || calls[0] != "compliance" || calls[1] != "polish" {
		t.Fatalf("pass order: %v", calls)
	}
	if out.Content != "polished final text" || !out.Polished {
		t.Fatalf("polished output not used: %+v", out)
	}
}

func TestRewriteVolumeKeepsDraftWhenPolishFails(t *testing.T) {
	ai := &fakeAI{generate: func(req llm.Request) (string, error) {
		if strings.Contains(req.System, "polishing") {
			return "", fmt.Errorf("rate limited forever")
		}
		return "compliance draft text", nil
	}}

	out, err := RewriteVolume(dbctx.New(context.Background()), RewriteVolumeDeps{Log: testLogger(t), AI: ai}, RewriteVolumeInput{
		Volume:     rewriteVolume(),
		RankedGaps: []RankedGap{{Ref: "L.2", Priority: 1, Issue: "gap"}},
	})
	if err != nil {
		t.Fatalf("RewriteVolume: %v", err)
	}
	if out.Content != "compliance draft text" || out.Polished {
		t.Fatalf("compliance draft not kept: %+v", out)
	}
}

func TestRewriteVolumeFailsWhenCompliancePassFails(t *testing.T) {
	ai := &fakeAI{generate: func(req llm.Request) (string, error) {
		return "", fmt.Errorf("exhausted retries")
	}}

	_, err := RewriteVolume(dbctx.New(context.Background()), RewriteVolumeDeps{Log: testLogger(t), AI: ai}, RewriteVolumeInput{
		Volume: rewriteVolume(),
	})
	if err == nil {
		t.Fatalf("expected error when the compliance pass fails")
	}
}
