package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/draftwell/propgen-backend/internal/clients/gcs"
	"github.com/draftwell/propgen-backend/internal/clients/redis"
	"github.com/draftwell/propgen-backend/internal/data/db"
	"github.com/draftwell/propgen-backend/internal/data/repos"
	apphttp "github.com/draftwell/propgen-backend/internal/http"
	httpH "github.com/draftwell/propgen-backend/internal/http/handlers"
	"github.com/draftwell/propgen-backend/internal/jobs/monitor"
	"github.com/draftwell/propgen-backend/internal/jobs/pipeline/proposal_build"
	"github.com/draftwell/propgen-backend/internal/jobs/pipeline/proposal_validate"
	"github.com/draftwell/propgen-backend/internal/jobs/pipeline/volume_consult"
	"github.com/draftwell/propgen-backend/internal/jobs/pipeline/volume_generate"
	jobrt "github.com/draftwell/propgen-backend/internal/jobs/runtime"
	"github.com/draftwell/propgen-backend/internal/jobs/worker"
	"github.com/draftwell/propgen-backend/internal/observability"
	"github.com/draftwell/propgen-backend/internal/platform/envutil"
	"github.com/draftwell/propgen-backend/internal/platform/llm"
	"github.com/draftwell/propgen-backend/internal/platform/logger"
	"github.com/draftwell/propgen-backend/internal/services"
	"github.com/draftwell/propgen-backend/internal/sse"
	"github.com/draftwell/propgen-backend/internal/temporalx"
	"github.com/draftwell/propgen-backend/internal/temporalx/temporalworker"
)

func main() {
	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "development"
	}
	log, err := logger.New(logMode)
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx := context.Background()

	// Tracing (no-op unless OTEL_ENABLED)
	if shutdown := observability.InitOTel(ctx, log, observability.OtelConfig{
		ServiceName: "propgen",
		Environment: envutil.GetEnv("APP_ENV", "development", log),
		Version:     envutil.GetEnv("APP_VERSION", "", log),
	}); shutdown != nil {
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdown(sctx)
		}()
	}

	// Postgres
	pg, err := db.NewPostgresService(log)
	if err != nil {
		log.Error("Postgres init failed", "error", err)
		os.Exit(1)
	}
	if err := pg.AutoMigrateAll(); err != nil {
		log.Error("Postgres auto migration failed", "error", err)
		os.Exit(1)
	}
	gdb := pg.DB()

	// Repos
	store := repos.New(gdb, log)

	// SSE hub + redis backplane
	hub := sse.NewHub(log)
	bus, err := redis.NewSSEBus(log)
	if err != nil {
		log.Warn("Redis SSE bus unavailable; events stay replica-local", "error", err)
		bus = nil
	}
	notify := services.NewJobNotifier(hub, bus, log)

	// Generation gateway; the job repo doubles as its heartbeat sink.
	ai, err := llm.NewClient(log, store.JobRun)
	if err != nil {
		log.Error("Could not init generation client", "error", err)
		os.Exit(1)
	}

	// Artifact bucket (optional; assembly falls back to DB-only persistence)
	bucket, err := gcs.NewBucketService(log)
	if err != nil {
		log.Warn("Artifact bucket unavailable", "error", err)
		bucket = nil
	}

	// Temporal (optional; without it the DB-polling worker drives jobs)
	tc, err := temporalx.NewClient(log)
	if err != nil {
		log.Error("Temporal init failed", "error", err)
		os.Exit(1)
	}

	taskQueue := temporalx.LoadConfig().TaskQueue
	jobService := services.NewJobService(gdb, log, store.JobRun, notify, tc, taskQueue)
	proposalService := services.NewProposalService(gdb, log, store.Proposal, store.Volume, store.JobRun, jobService, bucket)

	// Job handlers
	registry := jobrt.NewRegistry()
	for _, h := range []jobrt.Handler{
		proposal_build.New(gdb, log, store.Proposal, store.Volume, store.Requirement, store.JobRun, bucket, ai, notify, jobService),
		proposal_validate.New(gdb, log, store.Proposal, store.Requirement, notify),
		volume_generate.New(gdb, log, store.Proposal, store.Volume, store.Requirement, ai, notify),
		volume_consult.New(gdb, log, store.Proposal, store.Volume, store.Iteration, store.Requirement, ai, notify),
	} {
		if err := registry.Register(h); err != nil {
			log.Error("Register job handler failed", "job_type", h.Type(), "error", err)
			os.Exit(1)
		}
	}

	// Stall monitor runs in every mode.
	monitor.NewMonitor(store.JobRun, notify, log).Start(ctx)

	if tc != nil {
		runner, err := temporalworker.NewRunner(log, tc, gdb, store.JobRun, registry, notify)
		if err != nil {
			log.Error("Temporal worker init failed", "error", err)
			os.Exit(1)
		}
		if err := runner.Start(ctx); err != nil {
			log.Error("Temporal worker start failed", "error", err)
			os.Exit(1)
		}
	} else {
		// No Temporal: claim-based polling worker drives queued jobs.
		worker.NewWorker(gdb, log, store.JobRun, registry, notify).Start(ctx)
	}

	// HTTP control surface
	server := apphttp.NewServer(apphttp.RouterConfig{
		ServiceName:     "propgen",
		ProposalHandler: httpH.NewProposalHandler(proposalService, jobService),
		JobHandler:      httpH.NewJobHandler(jobService),
		RealtimeHandler: httpH.NewRealtimeHandler(log, hub),
		HealthHandler:   httpH.NewHealthHandler(),
	})

	addr := ":" + envutil.GetEnv("PORT", "8080", log)
	log.Info("Starting HTTP server", "address", addr)
	if err := server.Run(addr); err != nil {
		log.Error("HTTP server exited", "error", err)
		os.Exit(1)
	}
}
