package steps

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gorm.io/datatypes"
)

// Scoring thresholds for the iteration loop and the final cross-volume pass.
const (
	// A requirement scoring below GapThreshold is a gap; below
	// CriticalThreshold it is critical.
	GapThreshold      = 70
	CriticalThreshold = 50

	// A volume scoring below ConsultThreshold gets an improvement
	// consultation before the human decision.
	ConsultThreshold = 80

	// Aggregate gate for the final pass.
	AggregateMeanFloor = 75
	AggregateMinFloor  = 70
	MaxCriticalGaps    = 5

	// More duplicated cross-volume chunks than this fails the final pass.
	DuplicateChunkThreshold = 10
)

// wordsPerPage is the estimate used everywhere a page count is derived
// from raw content.
const wordsPerPage = 450

func mustJSON(v any) datatypes.JSON {
	b, _ := json.Marshal(v)
	return datatypes.JSON(b)
}

func stringFromAny(v any) string {
	if v == nil {
		return ""
	}
	return strings.TrimSpace(fmt.Sprint(v))
}

func intFromAny(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case json.Number:
		i, _ := n.Int64()
		return int(i)
	case string:
		i, _ := strconv.Atoi(strings.TrimSpace(n))
		return i
	default:
		return 0
	}
}

func boolFromAny(v any) bool {
	switch b := v.(type) {
	case bool:
		return b
	case string:
		return strings.EqualFold(strings.TrimSpace(b), "true")
	default:
		return false
	}
}

func sliceFromAny(v any) []any {
	arr, ok := v.([]any)
	if !ok {
		return nil
	}
	return arr
}

func mapFromAny(v any) map[string]any {
	m, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	return m
}

func stringSliceFromAny(v any) []string {
	if v == nil {
		return nil
	}
	if ss, ok := v.([]string); ok {
		out := make([]string, 0, len(ss))
		for _, s := range ss {
			s = strings.TrimSpace(s)
			if s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	arr, ok := v.([]any)
	if !ok {
		s := stringFromAny(v)
		if s == "" {
			return nil
		}
		return []string{s}
	}
	out := make([]string, 0, len(arr))
	for _, x := range arr {
		s := stringFromAny(x)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

func dedupeStrings(in []string) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

func clampScore(n int) int {
	if n < 0 {
		return 0
	}
	if n > 100 {
		return 100
	}
	return n
}

// estimatePageCount derives a page count from raw content. Failure markers
// and section headers count toward the total like any other text.
func estimatePageCount(content string) int {
	words := len(strings.Fields(content))
	if words == 0 {
		return 0
	}
	pages := (words + wordsPerPage - 1) / wordsPerPage
	return pages
}

func shorten(s string, max int) string {
	s = strings.TrimSpace(s)
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil || i <= 0 {
		return def
	}
	return i
}

func jsonDecode(raw []byte, v any) error {
	return json.Unmarshal(raw, v)
}

func containsFold(haystack, needle string) bool {
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
