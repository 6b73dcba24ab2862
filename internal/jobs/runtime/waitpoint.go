package runtime

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	domainjobs "github.com/draftwell/propgen-backend/internal/domain/jobs"
	"github.com/draftwell/propgen-backend/internal/platform/dbctx"
)

// Waitpoint kinds used by the proposal pipeline.
const (
	WaitKindValidationApproval = "proposal.validation_approval"
	WaitKindVolumeDecision     = "proposal.volume_decision"
)

// Decision tokens accepted at a volume-decision waitpoint.
const (
	DecisionApproved = "approved"
	DecisionIterate  = "iterate"
)

// WaitpointAction is a UI hint for one resume option.
type WaitpointAction struct {
	ID      string `json:"id"`
	Label   string `json:"label,omitempty"`
	Token   string `json:"token,omitempty"`
	Variant string `json:"variant,omitempty"`
}

/*
WaitpointSpec describes what the job is waiting for. Kind identifies the
gate (validation approval, volume decision), Step pins it to a pipeline
step, Blocking=true means the job is paused until a resume arrives.
*/
type WaitpointSpec struct {
	Version  int               `json:"version"`
	Kind     string            `json:"kind"`
	Step     string            `json:"step,omitempty"`
	Blocking bool              `json:"blocking"`
	Actions  []WaitpointAction `json:"actions,omitempty"`
}

/*
WaitpointState is durable resume bookkeeping: which volume the gate belongs
to, how many times the gate has fired, and the decision recorded by the
resume endpoint before the job is requeued.
*/
type WaitpointState struct {
	Version      int    `json:"version"`
	VolumeNumber int    `json:"volume_number,omitempty"`
	Iteration    int    `json:"iteration,omitempty"`
	Decision     string `json:"decision,omitempty"`
	UserFeedback string `json:"user_feedback,omitempty"`
}

// WaitpointEnvelope is stored in job_run.result while status=waiting_user.
type WaitpointEnvelope struct {
	Waitpoint WaitpointSpec  `json:"waitpoint"`
	State     WaitpointState `json:"state,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// ParseWaitpointEnvelope decodes the envelope out of a result column.
func ParseWaitpointEnvelope(raw []byte) (*WaitpointEnvelope, bool) {
	if len(raw) == 0 {
		return nil, false
	}
	var env WaitpointEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, false
	}
	if strings.TrimSpace(env.Waitpoint.Kind) == "" {
		return nil, false
	}
	return &env, true
}

/*
WaitForUser is the durable pause primitive. It:
  - sets job_run.status = waiting_user,
  - clears locked_at,
  - stores a machine-readable waitpoint envelope in job_run.result,
  - emits a progress update.

There is no deadline; the monitor exempts waiting_user jobs from the stall
sweep, so a human gate can stay open for days.
*/
func (c *Context) WaitForUser(
	stage string,
	pct int,
	msg string,
	spec WaitpointSpec,
	state WaitpointState,
	data map[string]any,
) {
	if c == nil || c.Job == nil || c.Job.ID == uuid.Nil {
		return
	}
	ctx := c.Ctx
	if ctx == nil {
		ctx = context.Background()
	}
	now := time.Now().UTC()
	if strings.TrimSpace(stage) == "" {
		stage = "waiting_user"
	}
	if strings.TrimSpace(msg) == "" {
		msg = "Waiting for your response..."
	}
	if pct < 0 {
		pct = 0
	}
	if pct > 99 {
		pct = 99
	}
	if spec.Version <= 0 {
		spec.Version = 1
	}
	if strings.TrimSpace(spec.Kind) == "" {
		spec.Kind = "unknown"
	}

	spec.Blocking = true

	if state.Version <= 0 {
		state.Version = 1
	}

	env := WaitpointEnvelope{
		Waitpoint: spec,
		State:     state,
		Data:      data,
	}
	b, _ := json.Marshal(env)
	res := datatypes.JSON(b)

	if c.Repo != nil {
		_, _ = c.Repo.UpdateFieldsUnlessStatus(
			dbctx.Context{Ctx: ctx},
			c.Job.ID,
			[]string{domainjobs.StatusCanceled},
			map[string]interface{}{
				"status":       domainjobs.StatusWaitingUser,
				"stage":        stage,
				"progress":     pct,
				"message":      msg,
				"error":        "",
				"result":       res,
				"locked_at":    nil,
				"heartbeat_at": now,
				"updated_at":   now,
			},
		)
	}

	c.Job.Status = domainjobs.StatusWaitingUser
	c.Job.Stage = stage
	c.Job.Progress = pct
	c.Job.Message = msg
	c.Job.Error = ""
	c.Job.Result = res
	c.Job.LockedAt = nil
	c.Job.HeartbeatAt = &now
	c.Job.UpdatedAt = now

	if c.Notify != nil {
		c.Notify.JobProgress(c.Job.OwnerOrgID, c.Job, stage, pct, msg)
	}
}
