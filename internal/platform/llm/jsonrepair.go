package llm

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ParseLooseJSON parses a JSON object out of model output. Models wrap JSON
// in prose or fences and occasionally truncate it, so this strips the
// surroundings and, if plain parsing fails, balances brackets/braces before
// retrying. Callers that get an error should fall back to a
// reduced-confidence default rather than failing the stage.
func ParseLooseJSON(text string) (map[string]any, error) {
	candidate := extractObject(text)
	if candidate == "" {
		return nil, fmt.Errorf("llm: no JSON object in output")
	}

	var out map[string]any
	if err := json.Unmarshal([]byte(candidate), &out); err == nil {
		return out, nil
	}

	repaired := RepairJSON(candidate)
	if err := json.Unmarshal([]byte(repaired), &out); err != nil {
		return nil, fmt.Errorf("llm: unparseable JSON output: %w", err)
	}
	return out, nil
}

// extractObject trims code fences and prose, returning the text from the
// first '{' to the last '}' (or to the end when truncated).
func extractObject(text string) string {
	s := strings.TrimSpace(text)
	if i := strings.Index(s, "```"); i >= 0 {
		s = s[i+3:]
		s = strings.TrimPrefix(s, "json")
		if j := strings.Index(s, "```"); j >= 0 {
			s = s[:j]
		}
	}
	start := strings.Index(s, "{")
	if start < 0 {
		return ""
	}
	s = s[start:]
	if end := strings.LastIndex(s, "}"); end >= 0 {
		// Keep the tail when braces are unbalanced at the last '}'; the
		// repair pass closes whatever is still open.
		if balancedThrough(s, end) {
			return s[:end+1]
		}
	}
	return s
}

func balancedThrough(s string, end int) bool {
	depth := 0
	inStr := false
	esc := false
	for i := 0; i <= end; i++ {
		ch := s[i]
		if inStr {
			switch {
			case esc:
				esc = false
			case ch == '\\':
				esc = true
			case ch == '"':
				inStr = false
			}
			continue
		}
		switch ch {
		case '"':
			inStr = true
		case '{', '[':
			depth++
		case '}', ']':
			depth--
		}
	}
	return depth == 0
}

// RepairJSON closes unterminated strings and balances any open brackets or
// braces, dropping a trailing comma first. It never reorders or rewrites
// content, only appends closers.
func RepairJSON(s string) string {
	var stack []byte
	inStr := false
	esc := false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if inStr {
			switch {
			case esc:
				esc = false
			case ch == '\\':
				esc = true
			case ch == '"':
				inStr = false
			}
			continue
		}
		switch ch {
		case '"':
			inStr = true
		case '{':
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if len(stack) > 0 && stack[len(stack)-1] == ch {
				stack = stack[:len(stack)-1]
			}
		}
	}

	var b strings.Builder
	b.WriteString(s)
	if inStr {
		b.WriteByte('"')
	}

	out := strings.TrimRight(b.String(), " \t\r\n")
	out = strings.TrimSuffix(out, ",")

	for i := len(stack) - 1; i >= 0; i-- {
		out += string(stack[i])
	}
	return out
}
