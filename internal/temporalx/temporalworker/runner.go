// Package temporalworker hosts the Temporal-side execution of job runs:
// one worker per process polling the task queue for the job_run workflow
// and its tick activity.
package temporalworker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/activity"
	temporalsdkclient "go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"
	"gorm.io/gorm"

	"github.com/draftwell/propgen-backend/internal/data/repos"
	jobrt "github.com/draftwell/propgen-backend/internal/jobs/runtime"
	"github.com/draftwell/propgen-backend/internal/platform/envutil"
	"github.com/draftwell/propgen-backend/internal/platform/logger"
	"github.com/draftwell/propgen-backend/internal/services"
	"github.com/draftwell/propgen-backend/internal/temporalx"
	"github.com/draftwell/propgen-backend/internal/temporalx/jobrun"
)

type Runner struct {
	log *logger.Logger

	tc       temporalsdkclient.Client
	db       *gorm.DB
	jobRepo  repos.JobRunRepo
	registry *jobrt.Registry
	notify   services.JobNotifier
}

func NewRunner(
	log *logger.Logger,
	tc temporalsdkclient.Client,
	db *gorm.DB,
	jobRepo repos.JobRunRepo,
	registry *jobrt.Registry,
	notify services.JobNotifier,
) (*Runner, error) {
	if tc == nil {
		return nil, fmt.Errorf("temporal client is not configured")
	}
	if db == nil || jobRepo == nil || registry == nil {
		return nil, fmt.Errorf("temporal worker missing deps")
	}
	return &Runner{
		log:      log,
		tc:       tc,
		db:       db,
		jobRepo:  jobRepo,
		registry: registry,
		notify:   notify,
	}, nil
}

/*
Start brings the worker up, retrying within TEMPORAL_WORKER_START_MAX_WAIT
so a server that races the Temporal cluster at boot still comes online.
A NamespaceNotFound during startup triggers one ensure-namespace pass when
auto-registration is on; if the budget runs out with the namespace still
missing, that error is surfaced as terminal since no amount of retrying
fixes configuration.

On success the worker runs until ctx is canceled.
*/
func (r *Runner) Start(ctx context.Context) error {
	if r == nil || r.tc == nil {
		return fmt.Errorf("temporal worker not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	cfg := temporalx.LoadConfig()
	r.log.Info("Starting Temporal worker", "address", cfg.Address, "namespace", cfg.Namespace, "task_queue", cfg.TaskQueue)

	budget := envutil.GetEnvAsDuration("TEMPORAL_WORKER_START_MAX_WAIT", 60*time.Second)
	step := envutil.GetEnvAsDuration("TEMPORAL_WORKER_START_BACKOFF", 250*time.Millisecond)
	stepMax := envutil.GetEnvAsDuration("TEMPORAL_WORKER_START_BACKOFF_MAX", 5*time.Second)
	deadline := time.Now().Add(budget)

	wait := step
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		startErr := r.startOnce(ctx, cfg, attempt)
		if startErr == nil {
			return nil
		}

		var nsMissing *serviceerror.NamespaceNotFound
		if errors.As(startErr, &nsMissing) && envutil.GetEnvAsBool("TEMPORAL_AUTO_REGISTER_NAMESPACE", false) {
			if ensureErr := temporalx.EnsureNamespace(ctx, cfg, r.log); ensureErr != nil {
				r.log.Warn("Namespace ensure failed", "namespace", cfg.Namespace, "error", ensureErr)
			}
		}

		if budget <= 0 || time.Now().After(deadline) {
			if errors.As(startErr, &nsMissing) {
				return fmt.Errorf("temporal namespace %s not found: %w", cfg.Namespace, startErr)
			}
			return startErr
		}

		r.log.Warn("Temporal worker start failed; retrying", "task_queue", cfg.TaskQueue, "attempt", attempt, "error", startErr)
		time.Sleep(wait)
		if wait *= 2; stepMax > 0 && wait > stepMax {
			wait = stepMax
		}
	}
}

// startOnce builds a fresh worker and attempts one Start. A failed
// attempt stops the worker so no poller goroutines leak into the retry.
func (r *Runner) startOnce(ctx context.Context, cfg temporalx.Config, attempt int) error {
	w := r.newWorker(cfg)
	if err := w.Start(); err != nil {
		w.Stop()
		return err
	}
	go func() {
		<-ctx.Done()
		w.Stop()
	}()
	r.log.Info("Temporal worker started", "namespace", cfg.Namespace, "task_queue", cfg.TaskQueue, "attempts", attempt)
	return nil
}

func (r *Runner) newWorker(cfg temporalx.Config) worker.Worker {
	concurrency := envutil.GetEnvAsInt("WORKER_CONCURRENCY", 4, r.log)
	if concurrency < 1 {
		concurrency = 1
	}

	w := worker.New(r.tc, cfg.TaskQueue, worker.Options{
		MaxConcurrentActivityExecutionSize:     concurrency,
		MaxConcurrentWorkflowTaskExecutionSize: concurrency,
	})

	acts := &jobrun.Activities{
		Log:      r.log,
		DB:       r.db,
		Jobs:     r.jobRepo,
		Registry: r.registry,
		Notify:   r.notify,
	}
	w.RegisterWorkflowWithOptions(jobrun.Workflow, workflow.RegisterOptions{Name: jobrun.WorkflowName})
	w.RegisterActivityWithOptions(acts.Tick, activity.RegisterOptions{Name: jobrun.ActivityTick})
	return w
}
