package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	types "github.com/draftwell/propgen-backend/internal/domain"
	domainjobs "github.com/draftwell/propgen-backend/internal/domain/jobs"
)

func runningJob(t *testing.T, payload map[string]any) *types.JobRun {
	t.Helper()
	b, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("payload: %v", err)
	}
	return &types.JobRun{
		ID:         uuid.New(),
		OwnerOrgID: uuid.New(),
		JobType:    "proposal_build",
		Status:     domainjobs.StatusRunning,
		Payload:    datatypes.JSON(b),
	}
}

func TestPayloadAccessors(t *testing.T) {
	proposalID := uuid.New()
	job := runningJob(t, map[string]any{
		"proposal_id":   proposalID.String(),
		"volume_number": 3,
		"title":         "Network Modernization",
	})
	jc := NewContext(context.Background(), nil, job, nil, nil)

	id, ok := jc.PayloadUUID("proposal_id")
	if !ok || id != proposalID {
		t.Fatalf("PayloadUUID: got %v ok=%v", id, ok)
	}
	if _, ok := jc.PayloadUUID("missing"); ok {
		t.Fatalf("PayloadUUID should miss on absent key")
	}
	if _, ok := jc.PayloadUUID("title"); ok {
		t.Fatalf("PayloadUUID should reject a non-uuid value")
	}

	// JSON numbers decode as float64.
	n, ok := jc.PayloadInt("volume_number")
	if !ok || n != 3 {
		t.Fatalf("PayloadInt: got %d ok=%v", n, ok)
	}
	s, ok := jc.PayloadString("title")
	if !ok || s != "Network Modernization" {
		t.Fatalf("PayloadString: got %q ok=%v", s, ok)
	}
}

func TestMalformedPayloadYieldsEmptyMap(t *testing.T) {
	job := &types.JobRun{
		ID:      uuid.New(),
		Status:  domainjobs.StatusRunning,
		Payload: datatypes.JSON([]byte("{not json")),
	}
	jc := NewContext(context.Background(), nil, job, nil, nil)
	if jc.Payload() == nil || len(jc.Payload()) != 0 {
		t.Fatalf("malformed payload should decode to an empty map, got %v", jc.Payload())
	}
}

func TestProgressMutatesJob(t *testing.T) {
	job := runningJob(t, nil)
	jc := NewContext(context.Background(), nil, job, nil, nil)

	jc.Progress("build_outline", 40, "Building outline")

	if job.Stage != "build_outline" || job.Progress != 40 || job.Message != "Building outline" {
		t.Fatalf("progress not applied: stage=%q pct=%d msg=%q", job.Stage, job.Progress, job.Message)
	}
	if job.HeartbeatAt == nil {
		t.Fatalf("progress should stamp a heartbeat")
	}
	if job.Status != domainjobs.StatusRunning {
		t.Fatalf("progress must not change status, got %q", job.Status)
	}
}

func TestFailIsTerminalAndUnlocks(t *testing.T) {
	job := runningJob(t, nil)
	now := job.CreatedAt
	job.LockedAt = &now
	jc := NewContext(context.Background(), nil, job, nil, nil)

	jc.Fail("generate_volumes", errors.New("generation call failed"))

	if job.Status != domainjobs.StatusFailed {
		t.Fatalf("status %q, want failed", job.Status)
	}
	if job.Error != "generation call failed" || job.Stage != "generate_volumes" {
		t.Fatalf("failure details: stage=%q error=%q", job.Stage, job.Error)
	}
	if job.LockedAt != nil {
		t.Fatalf("failed job must not stay locked")
	}
	if job.LastErrorAt == nil {
		t.Fatalf("last_error_at not stamped")
	}
}

func TestSucceedStoresResult(t *testing.T) {
	job := runningJob(t, nil)
	jc := NewContext(context.Background(), nil, job, nil, nil)

	jc.Succeed("final_score", map[string]any{"decision": "accepted"})

	if job.Status != domainjobs.StatusSucceeded || job.Progress != 100 {
		t.Fatalf("status=%q progress=%d, want succeeded/100", job.Status, job.Progress)
	}
	if job.CompletedAt == nil {
		t.Fatalf("completed_at not stamped")
	}
	var result map[string]any
	if err := json.Unmarshal(job.Result, &result); err != nil {
		t.Fatalf("result: %v", err)
	}
	if result["decision"] != "accepted" {
		t.Fatalf("result payload: %+v", result)
	}
}

func TestBlockIsRecoverableSuspension(t *testing.T) {
	job := runningJob(t, nil)
	jc := NewContext(context.Background(), nil, job, nil, nil)

	jc.Block("consult_volumes", "iteration cap reached")

	if job.Status != domainjobs.StatusBlocked {
		t.Fatalf("status %q, want blocked", job.Status)
	}
	if job.Message != "iteration cap reached" {
		t.Fatalf("block reason: %q", job.Message)
	}
	if job.CompletedAt != nil {
		t.Fatalf("blocked is not a completion")
	}
}

func TestNeedsRevisionCarriesReport(t *testing.T) {
	job := runningJob(t, nil)
	jc := NewContext(context.Background(), nil, job, nil, nil)

	jc.NeedsRevision("final_score", map[string]any{"decision": "needs_revision"})

	if job.Status != domainjobs.StatusNeedsRevision || job.Progress != 100 {
		t.Fatalf("status=%q progress=%d, want needs_revision/100", job.Status, job.Progress)
	}
	var result map[string]any
	if err := json.Unmarshal(job.Result, &result); err != nil {
		t.Fatalf("result: %v", err)
	}
	if result["decision"] != "needs_revision" {
		t.Fatalf("result payload: %+v", result)
	}
}

func TestWaitForUserClampsAndForcesBlocking(t *testing.T) {
	job := runningJob(t, nil)
	jc := NewContext(context.Background(), nil, job, nil, nil)

	jc.WaitForUser("consult_review", 150, "",
		WaitpointSpec{Kind: WaitKindVolumeDecision, Blocking: false},
		WaitpointState{VolumeNumber: 2, Iteration: 1},
		map[string]any{"score": 81.5},
	)

	if job.Status != domainjobs.StatusWaitingUser {
		t.Fatalf("status %q, want waiting_user", job.Status)
	}
	// A waiting job can never report done.
	if job.Progress != 99 {
		t.Fatalf("progress %d, want clamp to 99", job.Progress)
	}
	if job.Message == "" {
		t.Fatalf("empty message should get the default prompt")
	}

	env, ok := ParseWaitpointEnvelope(job.Result)
	if !ok {
		t.Fatalf("result is not a waitpoint envelope: %s", string(job.Result))
	}
	if !env.Waitpoint.Blocking {
		t.Fatalf("waitpoint must be forced blocking")
	}
	if env.Waitpoint.Kind != WaitKindVolumeDecision || env.Waitpoint.Version != 1 {
		t.Fatalf("spec: %+v", env.Waitpoint)
	}
	if env.State.VolumeNumber != 2 || env.State.Iteration != 1 || env.State.Version != 1 {
		t.Fatalf("state: %+v", env.State)
	}
	if env.Data["score"] != 81.5 {
		t.Fatalf("data: %+v", env.Data)
	}
}

func TestParseWaitpointEnvelopeRejects(t *testing.T) {
	if _, ok := ParseWaitpointEnvelope(nil); ok {
		t.Fatalf("empty result parsed as waitpoint")
	}
	if _, ok := ParseWaitpointEnvelope([]byte("{broken")); ok {
		t.Fatalf("malformed JSON parsed as waitpoint")
	}
	// Ordinary result JSON has no waitpoint.kind and must not parse.
	if _, ok := ParseWaitpointEnvelope([]byte(`{"decision":"accepted"}`)); ok {
		t.Fatalf("plain result parsed as waitpoint")
	}
}
