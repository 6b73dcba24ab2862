package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/draftwell/propgen-backend/internal/data/repos"
	types "github.com/draftwell/propgen-backend/internal/domain"
	domainjobs "github.com/draftwell/propgen-backend/internal/domain/jobs"
	"github.com/draftwell/propgen-backend/internal/platform/dbctx"
	"github.com/draftwell/propgen-backend/internal/sse"
)

// JobNotifier fans job and pipeline lifecycle events out to subscribers.
// Stage events fire on success AND failure; a stage that ends silently is a
// bug, not a policy.
//
// Defined here (rather than in internal/services, which provides the
// implementation) so the runtime Context can depend on it without an
// import cycle; services aliases this type.
type JobNotifier interface {
	JobCreated(orgID uuid.UUID, job *types.JobRun)
	JobProgress(orgID uuid.UUID, job *types.JobRun, stage string, progress int, message string)
	JobFailed(orgID uuid.UUID, job *types.JobRun, stage string, errorMessage string)
	JobDone(orgID uuid.UUID, job *types.JobRun)

	StageCompleted(orgID, proposalID uuid.UUID, stage string, data map[string]any)
	StageFailed(orgID, proposalID uuid.UUID, stage string, errorMessage string, data map[string]any)
	ProposalEvent(orgID, proposalID uuid.UUID, event sse.Event, data map[string]any)
	VolumeEvent(orgID, proposalID uuid.UUID, volumeNumber int, event sse.Event, data map[string]any)
}

/*
Context is the execution contract between the job system and all pipeline
code. It is a capability-scoped handle for a single claimed job run wrapping:
  - the database handle,
  - the mutable job_run row,
  - the notification side-channel,
  - and the only sanctioned ways to report progress or terminate execution.

Pipelines never touch job_run directly; every transition goes through this
object so the cancel guard stays in one place.
*/
type Context struct {
	Ctx         context.Context
	DB          *gorm.DB
	Job         *types.JobRun
	Repo        repos.JobRunRepo
	Notify      JobNotifier
	LastMessage string
	payload     map[string]any
}

// NewContext constructs a runtime.Context for a claimed job execution. The
// payload JSON is decoded eagerly; a malformed payload yields an empty map
// and handlers validate their required fields.
func NewContext(ctx context.Context, db *gorm.DB, job *types.JobRun, repo repos.JobRunRepo, notify JobNotifier) *Context {
	c := &Context{
		Ctx:    ctx,
		DB:     db,
		Job:    job,
		Repo:   repo,
		Notify: notify,
	}
	_ = c.decodePayload()
	return c
}

func (c *Context) decodePayload() error {
	if c.Job == nil {
		return nil
	}
	if len(c.Job.Payload) == 0 {
		c.payload = map[string]any{}
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(c.Job.Payload, &m); err != nil {
		c.payload = map[string]any{}
		return err
	}
	c.payload = m
	return nil
}

// Payload never returns nil.
func (c *Context) Payload() map[string]any {
	if c.payload == nil {
		c.payload = map[string]any{}
	}
	return c.payload
}

// PayloadUUID reads a payload field and parses it as a UUID. Keeps UUID
// validation out of pipelines.
func (c *Context) PayloadUUID(key string) (uuid.UUID, bool) {
	v, ok := c.Payload()[key]
	if !ok || v == nil {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(fmt.Sprint(v))
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

// PayloadInt reads a payload field as an int. JSON numbers decode as
// float64, so both forms are accepted.
func (c *Context) PayloadInt(key string) (int, bool) {
	v, ok := c.Payload()[key]
	if !ok || v == nil {
		return 0, false
	}
	switch t := v.(type) {
	case float64:
		return int(t), true
	case int:
		return t, true
	default:
		return 0, false
	}
}

func (c *Context) PayloadString(key string) (string, bool) {
	v, ok := c.Payload()[key]
	if !ok || v == nil {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

/*
Update applies arbitrary field updates to the underlying job_run row,
guarded so a canceled job is never overwritten. Intended for low-level
state writes (orchestrator snapshots into result); lifecycle transitions
should go through Progress/Fail/Succeed/Block so invariants stay central.
*/
func (c *Context) Update(updates map[string]any) error {
	if c.Job == nil || c.Job.ID == uuid.Nil {
		return nil
	}
	_, err := c.Repo.UpdateFieldsUnlessStatus(dbctx.Context{Ctx: c.Ctx}, c.Job.ID, []string{domainjobs.StatusCanceled}, toIfaceMap(updates))
	return err
}

// Progress publishes a non-terminal status update: stage/progress/message
// plus a heartbeat stamp, then a notifier event.
func (c *Context) Progress(stage string, pct int, msg string) {
	if c == nil {
		return
	}
	ctx := c.Ctx
	if ctx == nil {
		ctx = context.Background()
	}
	now := time.Now()

	if c.Repo != nil && c.Job != nil && c.Job.ID != uuid.Nil {
		ok, _ := c.Repo.UpdateFieldsUnlessStatus(dbctx.Context{Ctx: ctx}, c.Job.ID, []string{domainjobs.StatusCanceled}, map[string]interface{}{
			"stage":        stage,
			"progress":     pct,
			"message":      msg,
			"heartbeat_at": now,
			"updated_at":   now,
		})
		if !ok {
			return
		}
	}

	if c.Job != nil {
		c.Job.Stage = stage
		c.Job.Progress = pct
		c.Job.Message = msg
		c.Job.HeartbeatAt = &now
		c.Job.UpdatedAt = now
	}

	if c.Notify != nil && c.Job != nil {
		c.Notify.JobProgress(c.Job.OwnerOrgID, c.Job, stage, pct, msg)
	}
}

/*
Fail marks this job run as terminally failed:
  - status=failed, stage, error, last_error_at=now,
  - locked_at cleared so other workers won't treat it as in-progress,
  - a 'failed' notification.

If the guarded update is rejected (job was canceled), nothing is emitted.
*/
func (c *Context) Fail(stage string, err error) {
	if c == nil {
		return
	}
	ctx := c.Ctx
	if ctx == nil {
		ctx = context.Background()
	}
	now := time.Now()
	msg := ""
	if err != nil {
		msg = err.Error()
	}

	if c.Repo != nil && c.Job != nil && c.Job.ID != uuid.Nil {
		ok, _ := c.Repo.UpdateFieldsUnlessStatus(dbctx.Context{Ctx: ctx}, c.Job.ID, []string{domainjobs.StatusCanceled}, map[string]interface{}{
			"status":        domainjobs.StatusFailed,
			"stage":         stage,
			"message":       "",
			"error":         msg,
			"last_error_at": now,
			"locked_at":     nil,
			"updated_at":    now,
		})
		if !ok {
			return
		}
	}

	if c.Job != nil {
		c.Job.Status = domainjobs.StatusFailed
		c.Job.Stage = stage
		c.Job.Message = ""
		c.Job.Error = msg
		c.Job.LastErrorAt = &now
		c.Job.LockedAt = nil
		c.Job.UpdatedAt = now
	}

	if c.Notify != nil && c.Job != nil {
		c.Notify.JobFailed(c.Job.OwnerOrgID, c.Job, stage, msg)
	}
}

// Succeed marks this job run as terminally succeeded, stores the result
// JSON, and emits a 'done' notification. Guarded like Fail.
func (c *Context) Succeed(finalStage string, result any) {
	if c == nil {
		return
	}
	ctx := c.Ctx
	if ctx == nil {
		ctx = context.Background()
	}
	now := time.Now()
	var res datatypes.JSON
	if result != nil {
		b, _ := json.Marshal(result)
		res = datatypes.JSON(b)
	}

	if c.Repo != nil && c.Job != nil && c.Job.ID != uuid.Nil {
		ok, _ := c.Repo.UpdateFieldsUnlessStatus(dbctx.Context{Ctx: ctx}, c.Job.ID, []string{domainjobs.StatusCanceled}, map[string]interface{}{
			"status":       domainjobs.StatusSucceeded,
			"stage":        finalStage,
			"progress":     100,
			"message":      "",
			"error":        "",
			"result":       res,
			"locked_at":    nil,
			"heartbeat_at": now,
			"completed_at": now,
			"updated_at":   now,
		})
		if !ok {
			return
		}
	}

	if c.Job != nil {
		c.Job.Status = domainjobs.StatusSucceeded
		c.Job.Stage = finalStage
		c.Job.Progress = 100
		c.Job.Message = ""
		c.Job.Error = ""
		c.Job.Result = res
		c.Job.LockedAt = nil
		c.Job.HeartbeatAt = &now
		c.Job.CompletedAt = &now
		c.Job.UpdatedAt = now
	}

	if c.Notify != nil && c.Job != nil {
		c.Notify.JobDone(c.Job.OwnerOrgID, c.Job)
	}
}

/*
Block suspends this job for manual review. Unlike Fail it is recoverable:
an operator can restart the job after resolving whatever exhausted the
automated options (iteration cap, stalled stage, repeated step failure).
Workers skip blocked jobs; the wait can last days.
*/
func (c *Context) Block(stage string, reason string) {
	if c == nil {
		return
	}
	ctx := c.Ctx
	if ctx == nil {
		ctx = context.Background()
	}
	now := time.Now()

	if c.Repo != nil && c.Job != nil && c.Job.ID != uuid.Nil {
		ok, _ := c.Repo.UpdateFieldsUnlessStatus(dbctx.Context{Ctx: ctx}, c.Job.ID, []string{domainjobs.StatusCanceled}, map[string]interface{}{
			"status":     domainjobs.StatusBlocked,
			"stage":      stage,
			"message":    reason,
			"locked_at":  nil,
			"updated_at": now,
		})
		if !ok {
			return
		}
	}

	if c.Job != nil {
		c.Job.Status = domainjobs.StatusBlocked
		c.Job.Stage = stage
		c.Job.Message = reason
		c.Job.LockedAt = nil
		c.Job.UpdatedAt = now
	}

	if c.Notify != nil && c.Job != nil {
		c.Notify.JobProgress(c.Job.OwnerOrgID, c.Job, stage, c.Job.Progress, reason)
	}
}

/*
NeedsRevision is the qualified-failure terminal state: the pipeline ran to
completion but the output did not clear the acceptance bar. The result
payload carries the full report so reviewers can see exactly which checks
missed.
*/
func (c *Context) NeedsRevision(finalStage string, result any) {
	if c == nil {
		return
	}
	ctx := c.Ctx
	if ctx == nil {
		ctx = context.Background()
	}
	now := time.Now()
	var res datatypes.JSON
	if result != nil {
		b, _ := json.Marshal(result)
		res = datatypes.JSON(b)
	}

	if c.Repo != nil && c.Job != nil && c.Job.ID != uuid.Nil {
		ok, _ := c.Repo.UpdateFieldsUnlessStatus(dbctx.Context{Ctx: ctx}, c.Job.ID, []string{domainjobs.StatusCanceled}, map[string]interface{}{
			"status":       domainjobs.StatusNeedsRevision,
			"stage":        finalStage,
			"progress":     100,
			"message":      "",
			"error":        "",
			"result":       res,
			"locked_at":    nil,
			"completed_at": now,
			"updated_at":   now,
		})
		if !ok {
			return
		}
	}

	if c.Job != nil {
		c.Job.Status = domainjobs.StatusNeedsRevision
		c.Job.Stage = finalStage
		c.Job.Progress = 100
		c.Job.Result = res
		c.Job.LockedAt = nil
		c.Job.CompletedAt = &now
		c.Job.UpdatedAt = now
	}

	if c.Notify != nil && c.Job != nil {
		c.Notify.JobDone(c.Job.OwnerOrgID, c.Job)
	}
}

func toIfaceMap(in map[string]any) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
