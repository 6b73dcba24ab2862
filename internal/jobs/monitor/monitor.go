package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/draftwell/propgen-backend/internal/data/repos"
	types "github.com/draftwell/propgen-backend/internal/domain"
	domainjobs "github.com/draftwell/propgen-backend/internal/domain/jobs"
	"github.com/draftwell/propgen-backend/internal/platform/dbctx"
	"github.com/draftwell/propgen-backend/internal/platform/envutil"
	"github.com/draftwell/propgen-backend/internal/platform/logger"
	"github.com/draftwell/propgen-backend/internal/services"
)

/*
Monitor is the safety net over the job table, independent of any stage
logic. Three sweeps:
  - stall: running jobs whose heartbeat has not advanced within the
    inactivity window get failed with a stall reason. The window is
    generous (30m) because generation calls are legitimately slow and
    heartbeat them while alive; a truly silent job is presumed stuck.
  - hard cap: active jobs older than the wall-clock cap get failed
    regardless of activity.
  - wait budget: waiting_user jobs open past the (multi-day) budget get
    blocked, not failed, so corrective action can still resume them. The
    distinct stage string keeps a timeout distinguishable from a negative
    decision in logs.

Every transition emits a notification, so a job never disappears silently.
*/
type Monitor struct {
	repo   repos.JobRunRepo
	notify services.JobNotifier
	log    *logger.Logger

	sweepEvery time.Duration
	stallAfter time.Duration
	hardCap    time.Duration
	waitBudget time.Duration
}

func NewMonitor(repo repos.JobRunRepo, notify services.JobNotifier, log *logger.Logger) *Monitor {
	return &Monitor{
		repo:       repo,
		notify:     notify,
		log:        log.With("component", "JobMonitor"),
		sweepEvery: envutil.GetEnvAsDuration("MONITOR_SWEEP_EVERY", 1*time.Minute),
		stallAfter: envutil.GetEnvAsDuration("MONITOR_STALL_AFTER", 30*time.Minute),
		hardCap:    envutil.GetEnvAsDuration("MONITOR_HARD_CAP", 6*time.Hour),
		waitBudget: envutil.GetEnvAsDuration("MONITOR_WAIT_BUDGET", 7*24*time.Hour),
	}
}

func (m *Monitor) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(m.sweepEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				m.log.Info("Monitor stopped")
				return
			case <-ticker.C:
				m.Sweep(ctx)
			}
		}
	}()
}

// Sweep runs one pass of all three checks. Exported so tests can drive it
// without the ticker.
func (m *Monitor) Sweep(ctx context.Context) {
	dbc := dbctx.New(ctx)
	m.sweepStalled(dbc)
	m.sweepOverCap(dbc)
	m.sweepExpiredWaits(dbc)
}

func (m *Monitor) sweepStalled(dbc dbctx.Context) {
	rows, err := m.repo.ListStalled(dbc, m.stallAfter, 200)
	if err != nil {
		m.log.Warn("ListStalled failed", "error", err)
		return
	}
	for _, job := range rows {
		reason := fmt.Sprintf("no heartbeat for more than %s", m.stallAfter)
		m.fail(dbc, job, "stalled", reason)
	}
}

func (m *Monitor) sweepOverCap(dbc dbctx.Context) {
	rows, err := m.repo.ListOverCap(dbc, m.hardCap, 200)
	if err != nil {
		m.log.Warn("ListOverCap failed", "error", err)
		return
	}
	for _, job := range rows {
		reason := fmt.Sprintf("exceeded wall-clock cap of %s", m.hardCap)
		m.fail(dbc, job, "timeout", reason)
	}
}

func (m *Monitor) sweepExpiredWaits(dbc dbctx.Context) {
	rows, err := m.repo.ListExpiredWaits(dbc, m.waitBudget, 200)
	if err != nil {
		m.log.Warn("ListExpiredWaits failed", "error", err)
		return
	}
	for _, job := range rows {
		reason := fmt.Sprintf("waiting for user input longer than %s", m.waitBudget)
		m.block(dbc, job, "wait_expired", reason)
	}
}

func (m *Monitor) block(dbc dbctx.Context, job *types.JobRun, stage, reason string) {
	now := time.Now()
	ok, err := m.repo.UpdateFieldsUnlessStatus(dbc, job.ID, []string{domainjobs.StatusCanceled}, map[string]interface{}{
		"status":     domainjobs.StatusBlocked,
		"stage":      stage,
		"message":    reason,
		"locked_at":  nil,
		"updated_at": now,
	})
	if err != nil {
		m.log.Warn("block job failed", "job_id", job.ID, "error", err)
		return
	}
	if !ok {
		return
	}
	m.log.Warn("Job blocked by monitor", "job_id", job.ID, "job_type", job.JobType, "stage", stage, "reason", reason)
	job.Status = domainjobs.StatusBlocked
	job.Stage = stage
	job.Message = reason
	if m.notify != nil {
		m.notify.JobProgress(job.OwnerOrgID, job, stage, job.Progress, reason)
	}
}

func (m *Monitor) fail(dbc dbctx.Context, job *types.JobRun, stage, reason string) {
	now := time.Now()
	ok, err := m.repo.UpdateFieldsUnlessStatus(dbc, job.ID, []string{domainjobs.StatusCanceled}, map[string]interface{}{
		"status":        domainjobs.StatusFailed,
		"stage":         stage,
		"error":         reason,
		"last_error_at": now,
		"locked_at":     nil,
		"updated_at":    now,
	})
	if err != nil {
		m.log.Warn("fail job failed", "job_id", job.ID, "error", err)
		return
	}
	if !ok {
		return
	}
	m.log.Warn("Job failed by monitor", "job_id", job.ID, "job_type", job.JobType, "stage", stage, "reason", reason)
	job.Status = domainjobs.StatusFailed
	job.Stage = stage
	job.Error = reason
	if m.notify != nil {
		m.notify.JobFailed(job.OwnerOrgID, job, stage, reason)
	}
}
