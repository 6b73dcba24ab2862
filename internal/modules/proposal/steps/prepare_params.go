package steps

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/draftwell/propgen-backend/internal/data/repos"
	"github.com/draftwell/propgen-backend/internal/platform/dbctx"
	"github.com/draftwell/propgen-backend/internal/platform/logger"
)

// VolumeCount is fixed by the domain: technical, management, past
// performance, cost.
const VolumeCount = 4

type PrepareParamsDeps struct {
	Log       *logger.Logger
	Proposals repos.ProposalRepo
	Volumes   repos.VolumeRepo
}

type PrepareParamsInput struct {
	ProposalID uuid.UUID
}

type PrepareParamsOutput struct {
	Limits map[int]int `json:"limits"`
}

// volumeLimitRe matches page-limit statements like "Volume 2 shall not
// exceed 30 pages" or "Volume IV: 25 page limit".
var volumeLimitRe = regexp.MustCompile(`(?i)volume\s+(\d|I{1,3}V?|IV)\s*[:\-]?\s*(?:shall\s+not\s+exceed|is\s+limited\s+to|maximum\s+of|not\s+to\s+exceed)?\s*(\d{1,3})\s*[- ]?page`)

var romanNumerals = map[string]int{"i": 1, "ii": 2, "iii": 3, "iv": 4}

// DeriveVolumeLimits extracts per-volume page limits from the RFP text,
// filling gaps with the configured default. Missing limits never mean
// "unlimited": an unbounded volume would pass the assembly size check
// vacuously.
func DeriveVolumeLimits(rfpText string, defaultLimit int) map[int]int {
	if defaultLimit <= 0 {
		defaultLimit = 50
	}
	limits := make(map[int]int, VolumeCount)
	for n := 1; n <= VolumeCount; n++ {
		limits[n] = defaultLimit
	}
	for _, m := range volumeLimitRe.FindAllStringSubmatch(rfpText, -1) {
		num := parseVolumeNumber(m[1])
		pages, err := strconv.Atoi(m[2])
		if num < 1 || num > VolumeCount || err != nil || pages <= 0 {
			continue
		}
		limits[num] = pages
	}
	return limits
}

func parseVolumeNumber(s string) int {
	s = strings.ToLower(strings.TrimSpace(s))
	if n, ok := romanNumerals[s]; ok {
		return n
	}
	n, _ := strconv.Atoi(s)
	return n
}

// PrepareParams derives structural parameters from the RFP text and stamps
// them onto the proposal and its volumes. Idempotent: re-running recomputes
// the same limits from the same text.
func PrepareParams(dbc dbctx.Context, deps PrepareParamsDeps, in PrepareParamsInput) (PrepareParamsOutput, error) {
	out := PrepareParamsOutput{}
	if deps.Log == nil || deps.Proposals == nil || deps.Volumes == nil {
		return out, fmt.Errorf("prepare_params: missing deps")
	}
	if in.ProposalID == uuid.Nil {
		return out, fmt.Errorf("prepare_params: missing proposal_id")
	}

	prop, err := deps.Proposals.GetByID(dbc, in.ProposalID)
	if err != nil {
		return out, err
	}
	if prop == nil {
		return out, fmt.Errorf("prepare_params: proposal not found")
	}

	defaultLimit := envInt("VOLUME_DEFAULT_PAGE_LIMIT", 50)
	limits := DeriveVolumeLimits(prop.RFPText, defaultLimit)

	if err := deps.Proposals.UpdateFields(dbc, prop.ID, map[string]interface{}{
		"volume_limits": mustJSON(limitsForJSON(limits)),
	}); err != nil {
		return out, err
	}

	volumes, err := deps.Volumes.ListByProposal(dbc, prop.ID)
	if err != nil {
		return out, err
	}
	for _, v := range volumes {
		if v == nil {
			continue
		}
		limit, ok := limits[v.Number]
		if !ok {
			continue
		}
		if v.PageLimit == limit {
			continue
		}
		if err := deps.Volumes.UpdateFields(dbc, v.ID, map[string]interface{}{
			"page_limit": limit,
		}); err != nil {
			return out, err
		}
	}

	out.Limits = limits
	return out, nil
}

// limitsForJSON keys by string so the map round-trips through jsonb.
func limitsForJSON(limits map[int]int) map[string]int {
	out := make(map[string]int, len(limits))
	for k, v := range limits {
		out[strconv.Itoa(k)] = v
	}
	return out
}

// ParseVolumeLimits reads the persisted volume_limits jsonb back into the
// in-memory form.
func ParseVolumeLimits(raw []byte) map[int]int {
	if len(raw) == 0 {
		return nil
	}
	var m map[string]int
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	out := make(map[int]int, len(m))
	for k, v := range m {
		n, err := strconv.Atoi(k)
		if err != nil || n < 1 {
			continue
		}
		out[n] = v
	}
	return out
}
