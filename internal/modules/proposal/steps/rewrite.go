package steps

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	types "github.com/draftwell/propgen-backend/internal/domain"
	"github.com/draftwell/propgen-backend/internal/modules/proposal/prompts"
	"github.com/draftwell/propgen-backend/internal/platform/dbctx"
	"github.com/draftwell/propgen-backend/internal/platform/llm"
	"github.com/draftwell/propgen-backend/internal/platform/logger"
)

type RewriteVolumeDeps struct {
	Log *logger.Logger
	AI  llm.Client
}

type RewriteVolumeInput struct {
	JobID        uuid.UUID
	Volume       *types.Volume
	RankedGaps   []RankedGap
	UserFeedback string
}

type RewriteVolumeOutput struct {
	Content   string `json:"-"`
	PageCount int    `json:"page_count"`
	Polished  bool   `json:"polished"`
}

// RewriteVolume runs the two-pass rework unit. Pass 1 closes the ranked
// compliance gaps, with explicit user feedback outranking automated
// suggestions on conflict. Pass 2 polishes readability without introducing
// new substantive claims; a failed polish keeps the compliance draft rather
// than failing the rewrite.
func RewriteVolume(dbc dbctx.Context, deps RewriteVolumeDeps, in RewriteVolumeInput) (RewriteVolumeOutput, error) {
	out := RewriteVolumeOutput{}
	if deps.Log == nil || deps.AI == nil {
		return out, fmt.Errorf("rewrite_volume: missing deps")
	}
	if in.Volume == nil {
		return out, fmt.Errorf("rewrite_volume: missing volume")
	}
	if strings.TrimSpace(in.Volume.Content) == "" {
		return out, fmt.Errorf("rewrite_volume: volume %d has no content to rewrite", in.Volume.Number)
	}

	p1, err := prompts.Build(prompts.PromptRewriteCompliance, prompts.Input{
		VolumeNumber:   in.Volume.Number,
		VolumeTitle:    in.Volume.Title,
		VolumeContent:  in.Volume.Content,
		RankedGapsJSON: string(mustJSON(in.RankedGaps)),
		UserFeedback:   in.UserFeedback,
	})
	if err != nil {
		return out, err
	}

	draft, err := deps.AI.Generate(dbc.Ctx, llm.Request{
		System:         p1.System,
		User:           p1.User,
		HeartbeatJobID: in.JobID,
	})
	if err != nil {
		return out, fmt.Errorf("rewrite_volume: compliance pass: %w", err)
	}
	draft = strings.TrimSpace(draft)
	if draft == "" {
		return out, fmt.Errorf("rewrite_volume: compliance pass returned empty content")
	}

	polished, polishErr := polishDraft(dbc, deps, in, draft)
	if polishErr != nil {
		deps.Log.Warn("Polish pass failed, keeping compliance draft",
			"volume", in.Volume.Number,
			"error", polishErr,
		)
		out.Content = draft
	} else {
		out.Content = polished
		out.Polished = true
	}

	out.PageCount = estimatePageCount(out.Content)
	return out, nil
}

func polishDraft(dbc dbctx.Context, deps RewriteVolumeDeps, in RewriteVolumeInput, draft string) (string, error) {
	p2, err := prompts.Build(prompts.PromptRewritePolish, prompts.Input{
		VolumeNumber: in.Volume.Number,
		VolumeTitle:  in.Volume.Title,
		DraftContent: draft,
	})
	if err != nil {
		return "", err
	}
	polished, err := deps.AI.Generate(dbc.Ctx, llm.Request{
		System:         p2.System,
		User:           p2.User,
		HeartbeatJobID: in.JobID,
	})
	if err != nil {
		return "", err
	}
	polished = strings.TrimSpace(polished)
	if polished == "" {
		return "", fmt.Errorf("polish pass returned empty content")
	}
	return polished, nil
}
