// Package worker runs the claim-based execution pool used when no
// Temporal cluster is configured: each goroutine polls job_run for
// runnable rows and drives the registered handler to completion.
package worker

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/draftwell/propgen-backend/internal/data/repos"
	types "github.com/draftwell/propgen-backend/internal/domain"
	"github.com/draftwell/propgen-backend/internal/jobs/runtime"
	"github.com/draftwell/propgen-backend/internal/platform/dbctx"
	"github.com/draftwell/propgen-backend/internal/platform/envutil"
	"github.com/draftwell/propgen-backend/internal/platform/logger"
	"github.com/draftwell/propgen-backend/internal/services"
)

type Worker struct {
	db       *gorm.DB
	log      *logger.Logger
	repo     repos.JobRunRepo
	registry *runtime.Registry
	notify   services.JobNotifier
}

func NewWorker(db *gorm.DB, baseLog *logger.Logger, repo repos.JobRunRepo, registry *runtime.Registry, notify services.JobNotifier) *Worker {
	return &Worker{
		db:       db,
		log:      baseLog.With("component", "JobWorker"),
		repo:     repo,
		registry: registry,
		notify:   notify,
	}
}

// Start launches WORKER_CONCURRENCY claim loops and returns immediately;
// the loops exit when ctx is canceled.
func (w *Worker) Start(ctx context.Context) {
	n := envutil.GetEnvAsInt("WORKER_CONCURRENCY", 4, w.log)
	if n < 1 {
		n = 1
	}
	w.log.Info("Starting job worker pool", "concurrency", n)
	for i := 1; i <= n; i++ {
		go w.claimLoop(ctx, i)
	}
}

func (w *Worker) claimLoop(ctx context.Context, workerID int) {
	maxAttempts := envutil.GetEnvAsInt("WORKER_MAX_ATTEMPTS", 5, w.log)
	retryDelay := envutil.GetEnvAsDuration("WORKER_RETRY_DELAY", 30*time.Second)
	// Shorter than the monitor's 30m stall window: a crashed worker's job is
	// reclaimed and retried before the monitor gives up on it.
	staleRunning := envutil.GetEnvAsDuration("WORKER_STALE_RUNNING", 10*time.Minute)

	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info("Worker loop stopped", "worker_id", workerID)
			return
		case <-ticker.C:
		}

		job, err := w.repo.ClaimNextRunnable(dbctx.New(ctx), maxAttempts, retryDelay, staleRunning)
		if err != nil {
			w.log.Warn("Claim failed", "worker_id", workerID, "error", err)
			continue
		}
		if job == nil {
			continue
		}
		w.execute(ctx, workerID, job)
	}
}

// execute runs one claimed job. Handler panics and returned errors both
// land in jc.Fail; most pipelines report their own failures and return
// nil, so the error path here is a safety net.
func (w *Worker) execute(ctx context.Context, workerID int, job *types.JobRun) {
	jc := runtime.NewContext(ctx, w.db, job, w.repo, w.notify)

	h, ok := w.registry.Get(job.JobType)
	if !ok {
		w.log.Warn("No handler for job_type", "worker_id", workerID, "job_type", job.JobType, "job_id", job.ID)
		jc.Fail("dispatch", fmt.Errorf("no handler registered for job_type=%s", job.JobType))
		return
	}

	defer func() {
		if r := recover(); r != nil {
			w.log.Error("Job handler panic", "worker_id", workerID, "job_id", job.ID, "job_type", job.JobType, "panic", r)
			jc.Fail("panic", fmt.Errorf("handler panic: %v", r))
		}
	}()

	if err := h.Run(jc); err != nil {
		jc.Fail("run", err)
	}
}
