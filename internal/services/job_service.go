package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	temporalsdkclient "go.temporal.io/sdk/client"
	"go.temporal.io/sdk/temporal"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/draftwell/propgen-backend/internal/data/repos"
	types "github.com/draftwell/propgen-backend/internal/domain"
	domainjobs "github.com/draftwell/propgen-backend/internal/domain/jobs"
	"github.com/draftwell/propgen-backend/internal/platform/dbctx"
	"github.com/draftwell/propgen-backend/internal/platform/logger"
)

// JobService owns the job_run lifecycle from the control surface's point
// of view: enqueue, dispatch to Temporal, resume signals, cancel and
// restart. Enqueue satisfies the orchestrator's ChildEnqueuer, so the
// stage engine spawns children through the same path handlers use.
type JobService interface {
	Enqueue(ctx context.Context, ownerOrgID uuid.UUID, jobType string, entityType string, entityID *uuid.UUID, payload map[string]any) (*types.JobRun, error)
	EnqueueTx(dbc dbctx.Context, ownerOrgID uuid.UUID, jobType string, entityType string, entityID *uuid.UUID, payload map[string]any) (*types.JobRun, error)
	Dispatch(ctx context.Context, jobID uuid.UUID) error
	SignalResume(ctx context.Context, jobID uuid.UUID) error
	GetByID(dbc dbctx.Context, ownerOrgID uuid.UUID, jobID uuid.UUID) (*types.JobRun, error)
	GetLatestForEntity(dbc dbctx.Context, ownerOrgID uuid.UUID, entityType string, entityID uuid.UUID, jobType string) (*types.JobRun, error)
	Cancel(dbc dbctx.Context, ownerOrgID uuid.UUID, jobID uuid.UUID) (*types.JobRun, error)
	Restart(dbc dbctx.Context, ownerOrgID uuid.UUID, jobID uuid.UUID) (*types.JobRun, error)
}

type jobService struct {
	db     *gorm.DB
	log    *logger.Logger
	repo   repos.JobRunRepo
	notify JobNotifier

	temporal          temporalsdkclient.Client
	temporalTaskQueue string
}

func NewJobService(
	db *gorm.DB,
	baseLog *logger.Logger,
	repo repos.JobRunRepo,
	notify JobNotifier,
	tc temporalsdkclient.Client,
	taskQueue string,
) JobService {
	return &jobService{
		db:                db,
		log:               baseLog.With("service", "JobService"),
		repo:              repo,
		notify:            notify,
		temporal:          tc,
		temporalTaskQueue: strings.TrimSpace(taskQueue),
	}
}

func (s *jobService) Enqueue(ctx context.Context, ownerOrgID uuid.UUID, jobType string, entityType string, entityID *uuid.UUID, payload map[string]any) (*types.JobRun, error) {
	return s.EnqueueTx(dbctx.Context{Ctx: ctx}, ownerOrgID, jobType, entityType, entityID, payload)
}

func (s *jobService) EnqueueTx(dbc dbctx.Context, ownerOrgID uuid.UUID, jobType string, entityType string, entityID *uuid.UUID, payload map[string]any) (*types.JobRun, error) {
	if ownerOrgID == uuid.Nil {
		return nil, fmt.Errorf("missing owner_org_id")
	}
	if jobType == "" {
		return nil, fmt.Errorf("missing job_type")
	}
	if payload == nil {
		payload = map[string]any{}
	}
	transaction := dbc.Tx
	if transaction == nil {
		transaction = s.db
	}
	b, _ := json.Marshal(payload)
	now := time.Now()
	job := &types.JobRun{
		ID:         uuid.New(),
		OwnerOrgID: ownerOrgID,
		JobType:    jobType,
		EntityType: entityType,
		EntityID:   entityID,
		Status:     domainjobs.StatusQueued,
		Stage:      "queued",
		Progress:   0,
		Attempts:   0,
		Message:    "Queued",
		Payload:    datatypes.JSON(b),
		Result:     datatypes.JSON([]byte(`{}`)),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if _, err := s.repo.Create(dbctx.Context{Ctx: dbc.Ctx, Tx: transaction}, []*types.JobRun{job}); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	if s.notify != nil {
		s.notify.JobCreated(ownerOrgID, job)
	}

	// Inside a real transaction the workflow must not start before commit:
	// the tick would load a row that isn't visible yet. Callers invoke
	// Dispatch after commit. gorm.DB pointers are cloned freely
	// (WithContext/Session), so pointer inequality is not a tx detector.
	if isDBTransaction(dbc.Tx) {
		if s.log != nil {
			s.log.Debug("Job enqueued inside transaction; awaiting dispatch after commit", "job_id", job.ID, "job_type", job.JobType)
		}
		return job, nil
	}
	if err := s.Dispatch(dbc.Ctx, job.ID); err != nil {
		return job, err
	}
	return job, nil
}

type txCommitter interface {
	Commit() error
	Rollback() error
}

func isDBTransaction(db *gorm.DB) bool {
	if db == nil || db.Statement == nil || db.Statement.ConnPool == nil {
		return false
	}
	_, ok := db.Statement.ConnPool.(txCommitter)
	return ok
}

// Dispatch starts the Temporal workflow backing a queued job. Without a
// Temporal client configured the queued row is left for the DB-polling
// worker to claim, so this is a no-op rather than an error.
func (s *jobService) Dispatch(ctx context.Context, jobID uuid.UUID) error {
	if jobID == uuid.Nil {
		return fmt.Errorf("missing job id")
	}
	if s == nil || s.temporal == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	err := s.startTemporalJobWorkflow(ctx, jobID, enums.WORKFLOW_ID_REUSE_POLICY_REJECT_DUPLICATE)
	if err == nil {
		return nil
	}
	if _, ok := err.(*serviceerror.WorkflowExecutionAlreadyStarted); ok {
		return nil
	}

	now := time.Now().UTC()
	// Best-effort: mark job as failed if we couldn't dispatch.
	if s.repo != nil {
		_ = s.repo.UpdateFields(dbctx.Context{Ctx: ctx, Tx: s.db}, jobID, map[string]interface{}{
			"status":        domainjobs.StatusFailed,
			"stage":         "dispatch",
			"message":       "",
			"error":         err.Error(),
			"last_error_at": now,
			"locked_at":     nil,
			"updated_at":    now,
		})
	}
	if s.notify != nil && s.repo != nil {
		if rows, rerr := s.repo.GetByIDs(dbctx.Context{Ctx: ctx, Tx: s.db}, []uuid.UUID{jobID}); rerr == nil && len(rows) > 0 && rows[0] != nil {
			j := rows[0]
			s.notify.JobFailed(j.OwnerOrgID, j, "dispatch", err.Error())
		}
	}
	return fmt.Errorf("start temporal workflow: %w", err)
}

func (s *jobService) SignalResume(ctx context.Context, jobID uuid.UUID) error {
	if s == nil || s.temporal == nil || jobID == uuid.Nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	// Keep literal to avoid an import cycle with jobrun.
	err := s.temporal.SignalWorkflow(ctx, jobID.String(), "", "job_resume", nil)
	if err != nil {
		if _, ok := err.(*serviceerror.NotFound); ok {
			return nil
		}
		if temporal.IsCanceledError(err) || temporal.IsTimeoutError(err) {
			return nil
		}
	}
	return err
}

func (s *jobService) GetByID(dbc dbctx.Context, ownerOrgID uuid.UUID, jobID uuid.UUID) (*types.JobRun, error) {
	if ownerOrgID == uuid.Nil {
		return nil, fmt.Errorf("missing owner_org_id")
	}
	if jobID == uuid.Nil {
		return nil, fmt.Errorf("missing job id")
	}
	transaction := dbc.Tx
	if transaction == nil {
		transaction = s.db
	}
	rows, err := s.repo.GetByIDs(dbctx.Context{Ctx: dbc.Ctx, Tx: transaction}, []uuid.UUID{jobID})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 || rows[0] == nil {
		return nil, fmt.Errorf("job not found")
	}
	if rows[0].OwnerOrgID != ownerOrgID {
		return nil, fmt.Errorf("job not found")
	}
	return rows[0], nil
}

func (s *jobService) GetLatestForEntity(dbc dbctx.Context, ownerOrgID uuid.UUID, entityType string, entityID uuid.UUID, jobType string) (*types.JobRun, error) {
	if ownerOrgID == uuid.Nil {
		return nil, fmt.Errorf("missing owner_org_id")
	}
	if entityType == "" || entityID == uuid.Nil || jobType == "" {
		return nil, fmt.Errorf("missing entity/job info")
	}
	transaction := dbc.Tx
	if transaction == nil {
		transaction = s.db
	}
	return s.repo.GetLatestByEntity(dbctx.Context{Ctx: dbc.Ctx, Tx: transaction}, ownerOrgID, entityType, entityID, jobType)
}

func (s *jobService) Cancel(dbc dbctx.Context, ownerOrgID uuid.UUID, jobID uuid.UUID) (*types.JobRun, error) {
	if ownerOrgID == uuid.Nil {
		return nil, fmt.Errorf("missing owner_org_id")
	}
	if jobID == uuid.Nil {
		return nil, fmt.Errorf("missing job id")
	}
	transaction := dbc.Tx
	if transaction == nil {
		transaction = s.db
	}

	var updated *types.JobRun
	shouldNotify := false

	err := transaction.WithContext(dbc.Ctx).Transaction(func(txx *gorm.DB) error {
		inner := dbctx.Context{Ctx: dbc.Ctx, Tx: txx}
		job, err := s.GetByID(inner, ownerOrgID, jobID)
		if err != nil {
			return err
		}

		status := strings.ToLower(strings.TrimSpace(job.Status))
		if domainjobs.IsTerminalStatus(status) {
			updated = job
			return nil
		}

		now := time.Now().UTC()
		if err := s.repo.UpdateFields(inner, jobID, map[string]interface{}{
			"status":       domainjobs.StatusCanceled,
			"message":      "Canceled",
			"locked_at":    nil,
			"heartbeat_at": now,
			"updated_at":   now,
		}); err != nil {
			return err
		}

		job.Status = domainjobs.StatusCanceled
		job.Message = "Canceled"
		job.LockedAt = nil
		job.HeartbeatAt = &now
		job.UpdatedAt = now
		updated = job
		shouldNotify = true

		// A root build job owns child stage jobs; cancel the ones still
		// in flight so the fan-out doesn't keep burning generation calls.
		if isOrchestratorJobType(job.JobType) {
			for _, cid := range extractChildJobIDs(job.Result) {
				if cid == uuid.Nil {
					continue
				}
				if err := txx.WithContext(dbc.Ctx).
					Model(&types.JobRun{}).
					Where("id = ? AND status NOT IN ?", cid, []string{
						domainjobs.StatusSucceeded, domainjobs.StatusFailed, domainjobs.StatusCanceled, domainjobs.StatusNeedsRevision,
					}).
					Updates(map[string]interface{}{
						"status":       domainjobs.StatusCanceled,
						"locked_at":    nil,
						"heartbeat_at": now,
						"updated_at":   now,
					}).Error; err != nil {
					// Partial child cancellation must not fail the cancel.
					s.log.Warn("Cancel child job failed", "job_id", jobID, "child_job_id", cid, "error", err)
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if shouldNotify && s.notify != nil && updated != nil {
		s.notify.JobProgress(ownerOrgID, updated, updated.Stage, updated.Progress, "Canceled")
	}

	// Best-effort: cancel the Temporal workflow(s) backing this job run.
	if s.temporal != nil {
		_ = s.temporal.CancelWorkflow(dbc.Ctx, jobID.String(), "")
		if updated != nil && isOrchestratorJobType(updated.JobType) {
			for _, cid := range extractChildJobIDs(updated.Result) {
				if cid == uuid.Nil {
					continue
				}
				_ = s.temporal.CancelWorkflow(dbc.Ctx, cid.String(), "")
			}
		}
	}
	return updated, nil
}

func (s *jobService) Restart(dbc dbctx.Context, ownerOrgID uuid.UUID, jobID uuid.UUID) (*types.JobRun, error) {
	if ownerOrgID == uuid.Nil {
		return nil, fmt.Errorf("missing owner_org_id")
	}
	if jobID == uuid.Nil {
		return nil, fmt.Errorf("missing job id")
	}
	transaction := dbc.Tx
	if transaction == nil {
		transaction = s.db
	}

	var updated *types.JobRun
	shouldNotify := false

	err := transaction.WithContext(dbc.Ctx).Transaction(func(txx *gorm.DB) error {
		inner := dbctx.Context{Ctx: dbc.Ctx, Tx: txx}
		job, err := s.GetByID(inner, ownerOrgID, jobID)
		if err != nil {
			return err
		}

		status := strings.ToLower(strings.TrimSpace(job.Status))
		if status != domainjobs.StatusCanceled && status != domainjobs.StatusFailed && status != domainjobs.StatusBlocked {
			return fmt.Errorf("job not restartable")
		}

		now := time.Now().UTC()
		nextResult := job.Result
		if isOrchestratorJobType(job.JobType) {
			nextResult = resetStateForRestart(nextResult)
		}

		if err := s.repo.UpdateFields(inner, jobID, map[string]interface{}{
			"status":        domainjobs.StatusQueued,
			"stage":         "queued",
			"progress":      0,
			"message":       "Restarting…",
			"error":         "",
			"last_error_at": nil,
			"result":        nextResult,
			"locked_at":     nil,
			"heartbeat_at":  now,
			"updated_at":    now,
		}); err != nil {
			return err
		}

		job.Status = domainjobs.StatusQueued
		job.Stage = "queued"
		job.Progress = 0
		job.Message = "Restarting…"
		job.Error = ""
		job.LastErrorAt = nil
		job.Result = nextResult
		job.LockedAt = nil
		job.HeartbeatAt = &now
		job.UpdatedAt = now

		updated = job
		shouldNotify = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	if shouldNotify && s.notify != nil && updated != nil {
		s.notify.JobProgress(ownerOrgID, updated, updated.Stage, updated.Progress, "Restarting")
	}

	if updated != nil && s.temporal != nil {
		ctx := dbc.Ctx
		if ctx == nil {
			ctx = context.Background()
		}
		if err := s.startTemporalJobWorkflow(ctx, jobID, enums.WORKFLOW_ID_REUSE_POLICY_ALLOW_DUPLICATE); err != nil {
			return nil, fmt.Errorf("restart temporal workflow: %w", err)
		}
	}
	return updated, nil
}

func isOrchestratorJobType(jobType string) bool {
	return strings.EqualFold(strings.TrimSpace(jobType), "proposal_build")
}

// extractChildJobIDs walks the persisted orchestrator state for child
// stage jobs and fan-out children.
func extractChildJobIDs(result datatypes.JSON) []uuid.UUID {
	if len(result) == 0 || string(result) == "null" {
		return nil
	}
	var obj map[string]any
	if err := json.Unmarshal(result, &obj); err != nil {
		return nil
	}
	stageMap, ok := obj["stages"].(map[string]any)
	if !ok || len(stageMap) == 0 {
		return nil
	}

	seen := map[uuid.UUID]bool{}
	var out []uuid.UUID
	add := func(raw any) {
		idStr := strings.TrimSpace(fmt.Sprint(raw))
		if idStr == "" || idStr == "<nil>" {
			return
		}
		id, err := uuid.Parse(idStr)
		if err != nil || id == uuid.Nil || seen[id] {
			return
		}
		seen[id] = true
		out = append(out, id)
	}
	for _, v := range stageMap {
		m, ok := v.(map[string]any)
		if !ok || m == nil {
			continue
		}
		if raw, ok := m["child_job_id"]; ok {
			add(raw)
		}
		if children, ok := m["children"].(map[string]any); ok {
			for _, cv := range children {
				cm, ok := cv.(map[string]any)
				if !ok || cm == nil {
					continue
				}
				add(cm["job_id"])
			}
		}
	}
	return out
}

// resetStateForRestart clears every non-succeeded stage back to pending
// so the engine re-runs it from scratch. Succeeded stages keep their
// outputs; that's what makes restart a resume rather than a redo.
func resetStateForRestart(result datatypes.JSON) datatypes.JSON {
	if len(result) == 0 || string(result) == "null" {
		return result
	}
	var obj map[string]any
	if err := json.Unmarshal(result, &obj); err != nil {
		return result
	}

	// Never honor a previous wait window.
	obj["wait_until"] = nil
	obj["last_progress"] = 0

	if stageMap, ok := obj["stages"].(map[string]any); ok {
		for _, v := range stageMap {
			m, ok := v.(map[string]any)
			if !ok || m == nil {
				continue
			}
			st := strings.ToLower(strings.TrimSpace(fmt.Sprint(m["status"])))
			if st == "succeeded" {
				continue
			}
			m["status"] = "pending"
			m["attempts"] = 0
			delete(m, "child_job_id")
			delete(m, "child_job_status")
			delete(m, "children")
			delete(m, "last_error")
			delete(m, "started_at")
			delete(m, "finished_at")
			delete(m, "next_run_at")
		}
	}

	b, err := json.Marshal(obj)
	if err != nil {
		return result
	}
	return datatypes.JSON(b)
}

func (s *jobService) startTemporalJobWorkflow(ctx context.Context, jobID uuid.UUID, reusePolicy enums.WorkflowIdReusePolicy) error {
	if s == nil || s.temporal == nil || jobID == uuid.Nil {
		return fmt.Errorf("temporal not configured")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	tq := strings.TrimSpace(s.temporalTaskQueue)
	if tq == "" {
		tq = "propgen"
	}
	opts := temporalsdkclient.StartWorkflowOptions{
		ID:                    jobID.String(),
		TaskQueue:             tq,
		WorkflowIDReusePolicy: reusePolicy,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    30 * time.Second,
			BackoffCoefficient: 1.0,
			MaximumInterval:    30 * time.Second,
			MaximumAttempts:    5,
		},
	}
	_, err := s.temporal.ExecuteWorkflow(ctx, opts, "job_run")
	return err
}
