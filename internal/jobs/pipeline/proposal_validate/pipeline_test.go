package proposal_validate

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	types "github.com/draftwell/propgen-backend/internal/domain"
	domainjobs "github.com/draftwell/propgen-backend/internal/domain/jobs"
	proposaldomain "github.com/draftwell/propgen-backend/internal/domain/proposal"
	jobrt "github.com/draftwell/propgen-backend/internal/jobs/runtime"
	"github.com/draftwell/propgen-backend/internal/platform/dbctx"
	"github.com/draftwell/propgen-backend/internal/platform/logger"
	"github.com/draftwell/propgen-backend/internal/sse"
)

type fakeProposalRepo struct {
	store map[uuid.UUID]*types.Proposal
}

func newFakeProposalRepo(props ...*types.Proposal) *fakeProposalRepo {
	f := &fakeProposalRepo{store: map[uuid.UUID]*types.Proposal{}}
	for _, p := range props {
		f.store[p.ID] = p
	}
	return f
}

func (f *fakeProposalRepo) Create(_ dbctx.Context, props []*types.Proposal) ([]*types.Proposal, error) {
	return props, nil
}

func (f *fakeProposalRepo) GetByID(_ dbctx.Context, id uuid.UUID) (*types.Proposal, error) {
	p, ok := f.store[id]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (f *fakeProposalRepo) ListByOwner(_ dbctx.Context, _ uuid.UUID, _, _ int) ([]*types.Proposal, error) {
	return nil, nil
}

func (f *fakeProposalRepo) UpdateFields(_ dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	if p, ok := f.store[id]; ok {
		applyUpdates(p, updates)
	}
	return nil
}

func (f *fakeProposalRepo) UpdateFieldsUnlessStatus(_ dbctx.Context, id uuid.UUID, disallowed []string, updates map[string]interface{}) (bool, error) {
	p, ok := f.store[id]
	if !ok {
		return false, nil
	}
	for _, s := range disallowed {
		if p.Status == s {
			return false, nil
		}
	}
	applyUpdates(p, updates)
	return true, nil
}

func applyUpdates(p *types.Proposal, updates map[string]interface{}) {
	for k, val := range updates {
		switch k {
		case "status":
			p.Status = val.(string)
		case "current_step":
			p.CurrentStep = val.(string)
		case "validation":
			p.Validation = val.(datatypes.JSON)
		}
	}
}

type fakeRequirementRepo struct {
	reqs []*types.Requirement
}

func (f *fakeRequirementRepo) ReplaceForProposal(_ dbctx.Context, _ uuid.UUID, reqs []*types.Requirement) ([]*types.Requirement, error) {
	return reqs, nil
}

func (f *fakeRequirementRepo) ListByProposal(_ dbctx.Context, _ uuid.UUID) ([]*types.Requirement, error) {
	return f.reqs, nil
}

func (f *fakeRequirementRepo) ListByVolume(_ dbctx.Context, _ uuid.UUID, volumeNumber int) ([]*types.Requirement, error) {
	var out []*types.Requirement
	for _, r := range f.reqs {
		if r.VolumeNumber == volumeNumber {
			out = append(out, r)
		}
	}
	return out, nil
}

type fakeNotifier struct {
	proposalEvents []sse.Event
	stageCompleted int
	stageFailed    int
}

func (f *fakeNotifier) JobCreated(uuid.UUID, *types.JobRun)                       {}
func (f *fakeNotifier) JobProgress(uuid.UUID, *types.JobRun, string, int, string) {}
func (f *fakeNotifier) JobFailed(uuid.UUID, *types.JobRun, string, string)        {}
func (f *fakeNotifier) JobDone(uuid.UUID, *types.JobRun)                          {}

func (f *fakeNotifier) StageCompleted(uuid.UUID, uuid.UUID, string, map[string]any) {
	f.stageCompleted++
}

func (f *fakeNotifier) StageFailed(uuid.UUID, uuid.UUID, string, string, map[string]any) {
	f.stageFailed++
}

func (f *fakeNotifier) ProposalEvent(_ uuid.UUID, _ uuid.UUID, event sse.Event, _ map[string]any) {
	f.proposalEvents = append(f.proposalEvents, event)
}

func (f *fakeNotifier) VolumeEvent(uuid.UUID, uuid.UUID, int, sse.Event, map[string]any) {}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	return log
}

func validateJob(t *testing.T, proposalID uuid.UUID) *types.JobRun {
	t.Helper()
	b, err := json.Marshal(map[string]any{"proposal_id": proposalID.String()})
	if err != nil {
		t.Fatalf("payload: %v", err)
	}
	return &types.JobRun{
		ID:         uuid.New(),
		OwnerOrgID: uuid.New(),
		JobType:    "proposal_validate",
		Status:     domainjobs.StatusRunning,
		Payload:    datatypes.JSON(b),
	}
}

func fullRequirementSet(proposalID uuid.UUID) []*types.Requirement {
	var out []*types.Requirement
	for n := 1; n <= 4; n++ {
		out = append(out, &types.Requirement{
			ID:           uuid.New(),
			ProposalID:   proposalID,
			Ref:          "L." + string(rune('0'+n)),
			Text:         "requirement text",
			Mandatory:    n == 1,
			VolumeNumber: n,
		})
	}
	return out
}

func TestValidationPassesCleanInputs(t *testing.T) {
	proposalID := uuid.New()
	prop := &types.Proposal{
		ID:      proposalID,
		Title:   "Network Modernization",
		RFPText: strings.Repeat("The contractor shall provide services. ", 20),
		Status:  proposaldomain.StatusProcessing,
	}

	fp := newFakeProposalRepo(prop)
	fn := &fakeNotifier{}
	p := &Pipeline{
		log:          testLogger(t),
		proposals:    fp,
		requirements: &fakeRequirementRepo{reqs: fullRequirementSet(proposalID)},
		notify:       fn,
	}

	job := validateJob(t, proposalID)
	jc := jobrt.NewContext(context.Background(), nil, job, nil, nil)
	if err := p.Run(jc); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if job.Status != domainjobs.StatusSucceeded {
		t.Fatalf("job status %q, want succeeded", job.Status)
	}
	if fn.stageCompleted != 1 {
		t.Fatalf("stage-completed events: got %d, want 1", fn.stageCompleted)
	}
	if len(fp.store[proposalID].Validation) == 0 {
		t.Fatalf("validation report not persisted")
	}
}

func TestValidationSuspendsOnBlockingIssues(t *testing.T) {
	proposalID := uuid.New()
	// RFP text far below the plausibility floor: a blocking issue.
	prop := &types.Proposal{
		ID:      proposalID,
		Title:   "Thin RFP",
		RFPText: "too short",
		Status:  proposaldomain.StatusProcessing,
	}

	fp := newFakeProposalRepo(prop)
	fn := &fakeNotifier{}
	p := &Pipeline{
		log:          testLogger(t),
		proposals:    fp,
		requirements: &fakeRequirementRepo{reqs: fullRequirementSet(proposalID)},
		notify:       fn,
	}

	job := validateJob(t, proposalID)
	jc := jobrt.NewContext(context.Background(), nil, job, nil, nil)
	if err := p.Run(jc); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if job.Status != domainjobs.StatusWaitingUser {
		t.Fatalf("job status %q, want waiting_user", job.Status)
	}
	env, ok := jobrt.ParseWaitpointEnvelope(job.Result)
	if !ok || env.Waitpoint.Kind != jobrt.WaitKindValidationApproval {
		t.Fatalf("expected a validation-approval waitpoint, got %s", string(job.Result))
	}
	if len(env.Waitpoint.Actions) != 1 || env.Waitpoint.Actions[0].Token != jobrt.DecisionApproved {
		t.Fatalf("waitpoint actions: %+v", env.Waitpoint.Actions)
	}
	if fp.store[proposalID].Status != proposaldomain.StatusBlocked {
		t.Fatalf("proposal status %q, want blocked", fp.store[proposalID].Status)
	}
	if len(fn.proposalEvents) != 1 || fn.proposalEvents[0] != sse.EventProposalBlocked {
		t.Fatalf("proposal events: %v, want one blocked event", fn.proposalEvents)
	}
}

func TestValidationResumesAfterApproval(t *testing.T) {
	proposalID := uuid.New()
	prop := &types.Proposal{
		ID:      proposalID,
		Title:   "Thin RFP",
		RFPText: "too short",
		Status:  proposaldomain.StatusProcessing,
	}

	fp := newFakeProposalRepo(prop)
	fn := &fakeNotifier{}
	p := &Pipeline{
		log:          testLogger(t),
		proposals:    fp,
		requirements: &fakeRequirementRepo{reqs: fullRequirementSet(proposalID)},
		notify:       fn,
	}

	job := validateJob(t, proposalID)
	jc := jobrt.NewContext(context.Background(), nil, job, nil, nil)
	if err := p.Run(jc); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if job.Status != domainjobs.StatusWaitingUser {
		t.Fatalf("job status %q, want waiting_user before approval", job.Status)
	}

	// What the approval endpoint does: record the decision, requeue.
	env, _ := jobrt.ParseWaitpointEnvelope(job.Result)
	env.State.Decision = jobrt.DecisionApproved
	b, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	job.Result = datatypes.JSON(b)
	job.Status = domainjobs.StatusQueued

	jc = jobrt.NewContext(context.Background(), nil, job, nil, nil)
	if err := p.Run(jc); err != nil {
		t.Fatalf("Run after approval: %v", err)
	}

	if job.Status != domainjobs.StatusSucceeded {
		t.Fatalf("job status %q, want succeeded after approval", job.Status)
	}
	if fp.store[proposalID].Status != proposaldomain.StatusProcessing {
		t.Fatalf("proposal status %q, want processing after approval", fp.store[proposalID].Status)
	}
	if fn.stageCompleted != 1 {
		t.Fatalf("stage-completed events: got %d, want 1", fn.stageCompleted)
	}

	var result map[string]any
	if err := json.Unmarshal(job.Result, &result); err != nil {
		t.Fatalf("result: %v", err)
	}
	if result["approved"] != true {
		t.Fatalf("result should record the human approval: %+v", result)
	}
}
