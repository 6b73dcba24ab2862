package llm

import "testing"

func TestParseLooseJSONPlain(t *testing.T) {
	out, err := ParseLooseJSON(`{"score": 82, "gaps": []}`)
	if err != nil {
		t.Fatalf("ParseLooseJSON: %v", err)
	}
	if out["score"].(float64) != 82 {
		t.Fatalf("expected score 82, got %v", out["score"])
	}
}

func TestParseLooseJSONFenced(t *testing.T) {
	text := "Here is the result:\n```json\n{\"score\": 65, \"rationale\": \"thin coverage\"}\n```\nLet me know."
	out, err := ParseLooseJSON(text)
	if err != nil {
		t.Fatalf("ParseLooseJSON: %v", err)
	}
	if out["rationale"] != "thin coverage" {
		t.Fatalf("expected rationale, got %v", out["rationale"])
	}
}

func TestParseLooseJSONTruncated(t *testing.T) {
	text := `{"requirements": [{"id": "R1", "text": "staffing plan"}, {"id": "R2", "text": "transition`
	out, err := ParseLooseJSON(text)
	if err != nil {
		t.Fatalf("ParseLooseJSON truncated: %v", err)
	}
	reqs, ok := out["requirements"].([]any)
	if !ok || len(reqs) != 2 {
		t.Fatalf("expected 2 requirements, got %v", out["requirements"])
	}
}

func TestParseLooseJSONNoObject(t *testing.T) {
	if _, err := ParseLooseJSON("I could not produce a result."); err == nil {
		t.Fatalf("expected error for prose-only output")
	}
}

func TestRepairJSONTrailingComma(t *testing.T) {
	got := RepairJSON(`{"a": 1,`)
	if got != `{"a": 1}` {
		t.Fatalf("RepairJSON: got %q", got)
	}
}

func TestRepairJSONNestedOpen(t *testing.T) {
	got := RepairJSON(`{"a": {"b": [1, 2`)
	if got != `{"a": {"b": [1, 2]}}` {
		t.Fatalf("RepairJSON: got %q", got)
	}
}
