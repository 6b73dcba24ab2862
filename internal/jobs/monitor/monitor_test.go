package monitor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	types "github.com/draftwell/propgen-backend/internal/domain"
	domainjobs "github.com/draftwell/propgen-backend/internal/domain/jobs"
	"github.com/draftwell/propgen-backend/internal/platform/dbctx"
	"github.com/draftwell/propgen-backend/internal/platform/logger"
)

type sweepRepo struct {
	mu      sync.Mutex
	jobs    map[uuid.UUID]*types.JobRun
	stalled []*types.JobRun
	overCap []*types.JobRun
	expired []*types.JobRun
}

func newSweepRepo() *sweepRepo {
	return &sweepRepo{jobs: map[uuid.UUID]*types.JobRun{}}
}

func (r *sweepRepo) add(j *types.JobRun) *types.JobRun {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[j.ID] = j
	return j
}

func (r *sweepRepo) Create(dbc dbctx.Context, jobs []*types.JobRun) ([]*types.JobRun, error) {
	return jobs, nil
}

func (r *sweepRepo) GetByIDs(dbc dbctx.Context, ids []uuid.UUID) ([]*types.JobRun, error) {
	return nil, nil
}

func (r *sweepRepo) GetLatestByEntity(dbc dbctx.Context, ownerOrgID uuid.UUID, entityType string, entityID uuid.UUID, jobType string) (*types.JobRun, error) {
	return nil, nil
}

func (r *sweepRepo) ClaimNextRunnable(dbc dbctx.Context, maxAttempts int, retryDelay, staleRunning time.Duration) (*types.JobRun, error) {
	return nil, nil
}

func (r *sweepRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	return nil
}

func (r *sweepRepo) UpdateFieldsUnlessStatus(dbc dbctx.Context, id uuid.UUID, disallowed []string, updates map[string]interface{}) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j := r.jobs[id]
	if j == nil {
		return false, nil
	}
	for _, s := range disallowed {
		if j.Status == s {
			return false, nil
		}
	}
	if s, ok := updates["status"].(string); ok {
		j.Status = s
	}
	if s, ok := updates["stage"].(string); ok {
		j.Stage = s
	}
	if s, ok := updates["message"].(string); ok {
		j.Message = s
	}
	if s, ok := updates["error"].(string); ok {
		j.Error = s
	}
	return true, nil
}

func (r *sweepRepo) Heartbeat(dbc dbctx.Context, id uuid.UUID) error { return nil }

func (r *sweepRepo) Touch(ctx context.Context, id uuid.UUID) error { return nil }

func (r *sweepRepo) ListStalled(dbc dbctx.Context, inactiveFor time.Duration, limit int) ([]*types.JobRun, error) {
	return r.stalled, nil
}

func (r *sweepRepo) ListOverCap(dbc dbctx.Context, olderThan time.Duration, limit int) ([]*types.JobRun, error) {
	return r.overCap, nil
}

func (r *sweepRepo) ListExpiredWaits(dbc dbctx.Context, olderThan time.Duration, limit int) ([]*types.JobRun, error) {
	return r.expired, nil
}

func (r *sweepRepo) HasRunnableForEntity(dbc dbctx.Context, ownerOrgID uuid.UUID, entityType string, entityID uuid.UUID, jobType string) (bool, error) {
	return false, nil
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	return log
}

func TestSweepFailsStalledJobs(t *testing.T) {
	repo := newSweepRepo()
	stalled := repo.add(&types.JobRun{
		ID:         uuid.New(),
		OwnerOrgID: uuid.New(),
		JobType:    "proposal_build",
		Status:     domainjobs.StatusRunning,
		Attempts:   2,
	})
	repo.stalled = []*types.JobRun{stalled}

	m := NewMonitor(repo, nil, testLogger(t))
	m.Sweep(context.Background())

	if stalled.Status != domainjobs.StatusFailed {
		t.Fatalf("stalled job: got %q, want failed", stalled.Status)
	}
	if stalled.Stage != "stalled" || stalled.Error == "" {
		t.Fatalf("stalled job: stage=%q error=%q", stalled.Stage, stalled.Error)
	}
}

func TestSweepFailsJobsOverHardCap(t *testing.T) {
	repo := newSweepRepo()
	ancient := repo.add(&types.JobRun{
		ID:         uuid.New(),
		OwnerOrgID: uuid.New(),
		JobType:    "proposal_build",
		Status:     domainjobs.StatusRunning,
	})
	repo.overCap = []*types.JobRun{ancient}

	m := NewMonitor(repo, nil, testLogger(t))
	m.Sweep(context.Background())

	if ancient.Status != domainjobs.StatusFailed {
		t.Fatalf("over-cap job: got %q, want failed", ancient.Status)
	}
	if ancient.Stage != "timeout" || ancient.Error == "" {
		t.Fatalf("over-cap job: stage=%q error=%q", ancient.Stage, ancient.Error)
	}
}

func TestSweepBlocksExpiredWaits(t *testing.T) {
	repo := newSweepRepo()
	wait := repo.add(&types.JobRun{
		ID:         uuid.New(),
		OwnerOrgID: uuid.New(),
		JobType:    "proposal_build",
		Status:     domainjobs.StatusWaitingUser,
	})
	repo.expired = []*types.JobRun{wait}

	m := NewMonitor(repo, nil, testLogger(t))
	m.Sweep(context.Background())

	if wait.Status != domainjobs.StatusBlocked {
		t.Fatalf("expired wait: got %q, want blocked", wait.Status)
	}
	if wait.Stage != "wait_expired" {
		t.Fatalf("expired wait stage: %q", wait.Stage)
	}
}

func TestSweepNeverTouchesCanceledJobs(t *testing.T) {
	repo := newSweepRepo()
	canceled := repo.add(&types.JobRun{
		ID:         uuid.New(),
		OwnerOrgID: uuid.New(),
		JobType:    "proposal_build",
		Status:     domainjobs.StatusCanceled,
		Attempts:   5,
	})
	repo.stalled = []*types.JobRun{canceled}
	repo.overCap = []*types.JobRun{canceled}

	m := NewMonitor(repo, nil, testLogger(t))
	m.Sweep(context.Background())

	if canceled.Status != domainjobs.StatusCanceled {
		t.Fatalf("canceled job mutated: %q", canceled.Status)
	}
}
