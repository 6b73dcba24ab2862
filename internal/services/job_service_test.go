package services

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

func TestExtractChildJobIDs(t *testing.T) {
	validate := uuid.New()
	gen2 := uuid.New()
	consult1 := uuid.New()

	state := map[string]any{
		"version": 1,
		"stages": map[string]any{
			"prepare_params": map[string]any{"status": "succeeded"},
			"validation_gate": map[string]any{
				"status":       "succeeded",
				"child_job_id": validate.String(),
			},
			"generate_volumes": map[string]any{
				"status": "running",
				"children": map[string]any{
					"volume_2": map[string]any{"job_id": gen2.String(), "status": "running"},
					"volume_3": map[string]any{"job_id": nil},
				},
			},
			"consult_volumes": map[string]any{
				"status": "pending",
				"children": map[string]any{
					// Duplicate of a stage-level id plus one fresh child.
					"volume_1": map[string]any{"job_id": consult1.String()},
					"volume_4": map[string]any{"job_id": validate.String()},
				},
			},
		},
	}
	b, err := json.Marshal(state)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	ids := extractChildJobIDs(datatypes.JSON(b))
	if len(ids) != 3 {
		t.Fatalf("got %d child ids (%v), want 3", len(ids), ids)
	}
	want := map[uuid.UUID]bool{validate: true, gen2: true, consult1: true}
	for _, id := range ids {
		if !want[id] {
			t.Fatalf("unexpected child id %s", id)
		}
	}
}

func TestExtractChildJobIDsToleratesJunk(t *testing.T) {
	for _, raw := range []string{"", "null", "{broken", `{"stages":{}}`, `{"stages":{"a":{"child_job_id":"not-a-uuid"}}}`} {
		if ids := extractChildJobIDs(datatypes.JSON([]byte(raw))); len(ids) != 0 {
			t.Fatalf("result %q yielded ids %v, want none", raw, ids)
		}
	}
}

func TestResetStateForRestart(t *testing.T) {
	childID := uuid.New()
	state := map[string]any{
		"version":       1,
		"wait_until":    "2026-08-28T10:00:00Z",
		"last_progress": 73,
		"stages": map[string]any{
			"prepare_params": map[string]any{
				"status":  "succeeded",
				"outputs": map[string]any{"page_limit": float64(50)},
			},
			"generate_volumes": map[string]any{
				"status":       "failed",
				"attempts":     3,
				"last_error":   "generation call failed",
				"child_job_id": childID.String(),
				"started_at":   "2026-08-28T09:00:00Z",
			},
		},
	}
	b, err := json.Marshal(state)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var out map[string]any
	if err := json.Unmarshal(resetStateForRestart(datatypes.JSON(b)), &out); err != nil {
		t.Fatalf("unmarshal reset state: %v", err)
	}

	if out["wait_until"] != nil {
		t.Fatalf("wait_until survived restart: %v", out["wait_until"])
	}
	if out["last_progress"] != float64(0) {
		t.Fatalf("last_progress %v, want 0", out["last_progress"])
	}

	stages := out["stages"].(map[string]any)
	prep := stages["prepare_params"].(map[string]any)
	if prep["status"] != "succeeded" {
		t.Fatalf("succeeded stage must keep its status, got %v", prep["status"])
	}
	if _, ok := prep["outputs"]; !ok {
		t.Fatalf("succeeded stage lost its outputs")
	}

	gen := stages["generate_volumes"].(map[string]any)
	if gen["status"] != "pending" || gen["attempts"] != float64(0) {
		t.Fatalf("failed stage not reset: %+v", gen)
	}
	for _, k := range []string{"child_job_id", "last_error", "started_at"} {
		if _, ok := gen[k]; ok {
			t.Fatalf("field %q survived stage reset", k)
		}
	}
}

func TestResetStateForRestartPassesThroughJunk(t *testing.T) {
	for _, raw := range []string{"", "null", "{broken"} {
		got := resetStateForRestart(datatypes.JSON([]byte(raw)))
		if string(got) != raw {
			t.Fatalf("junk %q rewritten to %q", raw, string(got))
		}
	}
}
