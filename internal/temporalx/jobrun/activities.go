package jobrun

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.temporal.io/sdk/activity"
	"gorm.io/gorm"

	"github.com/draftwell/propgen-backend/internal/data/repos"
	types "github.com/draftwell/propgen-backend/internal/domain"
	domainjobs "github.com/draftwell/propgen-backend/internal/domain/jobs"
	jobrt "github.com/draftwell/propgen-backend/internal/jobs/runtime"
	"github.com/draftwell/propgen-backend/internal/platform/dbctx"
	"github.com/draftwell/propgen-backend/internal/platform/logger"
	"github.com/draftwell/propgen-backend/internal/services"
)

type Activities struct {
	Log      *logger.Logger
	DB       *gorm.DB
	Jobs     repos.JobRunRepo
	Registry *jobrt.Registry
	Notify   services.JobNotifier
}

// Tick loads the job, runs its handler once, and reports the post-run
// status. Suspended and terminal jobs are reported without running so
// the workflow decides whether to park, finish, or keep polling.
func (a *Activities) Tick(ctx context.Context, jobID string) (TickResult, error) {
	res := TickResult{JobID: strings.TrimSpace(jobID)}
	if a == nil || a.DB == nil || a.Jobs == nil || a.Registry == nil {
		return res, fmt.Errorf("jobrun: activity not configured")
	}

	id, err := uuid.Parse(res.JobID)
	if err != nil || id == uuid.Nil {
		return res, fmt.Errorf("jobrun: invalid job_id")
	}

	job, err := a.loadJob(ctx, id)
	if err != nil {
		return res, err
	}
	if job == nil {
		return res, fmt.Errorf("jobrun: job not found")
	}

	status := strings.ToLower(strings.TrimSpace(job.Status))
	if domainjobs.IsTerminalStatus(status) || status == domainjobs.StatusWaitingUser || status == domainjobs.StatusBlocked {
		a.reportIdle(job, status)
		snapshotInto(&res, job)
		return res, nil
	}

	stopHB := a.startHeartbeat(ctx, id)
	defer stopHB()

	a.markRunning(ctx, id, job)
	ranToNil := a.runHandler(ctx, id, job)

	after, err := a.loadJob(ctx, id)
	if err != nil {
		return res, err
	}
	if after == nil {
		return res, fmt.Errorf("jobrun: job not found after tick")
	}

	// A handler that returns nil while the row still says "running" never
	// reached a terminal call and never yielded; left alone it would stall
	// the parent fan-out forever. Close it out as succeeded, keeping
	// whatever result it wrote.
	if ranToNil && strings.EqualFold(strings.TrimSpace(after.Status), domainjobs.StatusRunning) {
		a.forceSucceed(ctx, id, after)
		if reloaded, rerr := a.loadJob(ctx, id); rerr == nil && reloaded != nil {
			after = reloaded
		}
	}

	snapshotInto(&res, after)
	return res, nil
}

// reportIdle re-emits the notification for a job the tick will not run,
// so late subscribers still hear about completions. Canceled jobs emit
// nothing: cancellation is not a completion.
func (a *Activities) reportIdle(job *types.JobRun, status string) {
	if a.Notify == nil || job.OwnerOrgID == uuid.Nil {
		return
	}
	switch status {
	case domainjobs.StatusSucceeded, domainjobs.StatusNeedsRevision:
		a.Notify.JobDone(job.OwnerOrgID, job)
	case domainjobs.StatusFailed:
		a.Notify.JobFailed(job.OwnerOrgID, job, job.Stage, strings.TrimSpace(job.Error))
	case domainjobs.StatusWaitingUser, domainjobs.StatusBlocked:
		a.Notify.JobProgress(job.OwnerOrgID, job, job.Stage, job.Progress, job.Message)
	}
}

// markRunning bumps attempts and stamps liveness, guarded against a
// concurrent cancel. The in-memory row is updated to match.
func (a *Activities) markRunning(ctx context.Context, id uuid.UUID, job *types.JobRun) {
	now := time.Now().UTC()
	_ = a.DB.WithContext(ctx).
		Model(&types.JobRun{}).
		Where("id = ? AND status <> ?", id, domainjobs.StatusCanceled).
		Updates(map[string]any{
			"status":       domainjobs.StatusRunning,
			"attempts":     gorm.Expr("attempts + 1"),
			"locked_at":    now,
			"heartbeat_at": now,
			"updated_at":   now,
		}).Error

	job.Status = domainjobs.StatusRunning
	job.LockedAt = &now
	job.HeartbeatAt = &now
	job.UpdatedAt = now
}

// runHandler dispatches to the registered handler with panic containment.
// Returns true only when the handler completed and returned nil.
func (a *Activities) runHandler(ctx context.Context, id uuid.UUID, job *types.JobRun) (ranToNil bool) {
	jc := jobrt.NewContext(ctx, a.DB, job, a.Jobs, a.Notify)

	h, ok := a.Registry.Get(job.JobType)
	if !ok {
		jc.Fail("dispatch", fmt.Errorf("no handler registered for job_type=%s", job.JobType))
		return false
	}

	defer func() {
		if r := recover(); r != nil {
			if a.Log != nil {
				a.Log.Error("Job handler panic", "job_id", id, "job_type", job.JobType, "panic", r)
			}
			jc.Fail("panic", fmt.Errorf("panic: unexpected error"))
			ranToNil = false
		}
	}()

	if runErr := h.Run(jc); runErr != nil {
		jc.Fail("run", runErr)
		return false
	}
	return true
}

func (a *Activities) forceSucceed(ctx context.Context, id uuid.UUID, job *types.JobRun) {
	if a.Log != nil {
		a.Log.Warn("Handler returned nil without a terminal status; marking succeeded", "job_id", id, "job_type", job.JobType, "stage", job.Stage)
	}
	finalStage := "done"
	if s := strings.TrimSpace(job.Stage); s != "" && !strings.EqualFold(s, "queued") && !strings.EqualFold(s, "running") {
		finalStage = s
	}
	var finalResult any
	if raw := strings.TrimSpace(string(job.Result)); raw != "" && raw != "null" {
		finalResult = json.RawMessage(job.Result)
	}
	jc := jobrt.NewContext(ctx, a.DB, job, a.Jobs, a.Notify)
	jc.Succeed(finalStage, finalResult)
}

func (a *Activities) loadJob(ctx context.Context, jobID uuid.UUID) (*types.JobRun, error) {
	rows, err := a.Jobs.GetByIDs(dbctx.Context{Ctx: ctx, Tx: a.DB}, []uuid.UUID{jobID})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 || rows[0] == nil {
		return nil, nil
	}
	return rows[0], nil
}

// startHeartbeat keeps both liveness signals fresh while the handler
// runs: the Temporal activity heartbeat and the job_run heartbeat the
// stall monitor sweeps on.
func (a *Activities) startHeartbeat(ctx context.Context, jobID uuid.UUID) func() {
	done := make(chan struct{})
	go func() {
		temporalHB := time.NewTicker(10 * time.Second)
		defer temporalHB.Stop()
		dbHB := time.NewTicker(30 * time.Second)
		defer dbHB.Stop()

		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-temporalHB.C:
				activity.RecordHeartbeat(ctx)
			case <-dbHB.C:
				if jobID != uuid.Nil {
					_ = a.Jobs.Heartbeat(dbctx.Context{Ctx: ctx, Tx: a.DB}, jobID)
				}
			}
		}
	}()
	return func() { close(done) }
}

func snapshotInto(res *TickResult, job *types.JobRun) {
	res.Status = job.Status
	res.Stage = job.Stage
	res.Progress = job.Progress
	res.Message = job.Message
	res.WaitUntil = extractWaitUntil(job.Result)
}

func extractWaitUntil(raw []byte) *time.Time {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return nil
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil
	}
	s, ok := obj["wait_until"].(string)
	if !ok || s == "" {
		return nil
	}
	ts, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		ts, err = time.Parse(time.RFC3339, s)
		if err != nil {
			return nil
		}
	}
	return &ts
}
