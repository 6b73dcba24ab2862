package http

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	httpH "github.com/draftwell/propgen-backend/internal/http/handlers"
	httpMW "github.com/draftwell/propgen-backend/internal/http/middleware"
)

type RouterConfig struct {
	ServiceName string

	ProposalHandler *httpH.ProposalHandler
	JobHandler      *httpH.JobHandler
	RealtimeHandler *httpH.RealtimeHandler
	HealthHandler   *httpH.HealthHandler
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	r := gin.Default()
	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "propgen"
	}
	r.Use(otelgin.Middleware(serviceName))
	r.Use(httpMW.CORS())

	if cfg.HealthHandler != nil {
		r.GET("/healthcheck", cfg.HealthHandler.HealthCheck)
	}

	api := r.Group("/api")
	api.Use(httpMW.RequireOrg())
	{
		if cfg.RealtimeHandler != nil {
			api.GET("/sse/stream", cfg.RealtimeHandler.SSEStream)
		}

		if cfg.ProposalHandler != nil {
			api.POST("/proposals", cfg.ProposalHandler.CreateProposal)
			api.GET("/proposals", cfg.ProposalHandler.ListProposals)
			api.GET("/proposals/:id", cfg.ProposalHandler.GetProposal)
			api.POST("/proposals/:id/validation/approve", cfg.ProposalHandler.ApproveValidation)
			api.POST("/proposals/:id/volumes/:number/decision", cfg.ProposalHandler.VolumeDecision)
			api.POST("/proposals/:id/cancel", cfg.ProposalHandler.CancelProposal)
			api.GET("/proposals/:id/artifact", cfg.ProposalHandler.DownloadArtifact)
		}

		if cfg.JobHandler != nil {
			api.GET("/jobs/:id", cfg.JobHandler.GetJob)
			api.POST("/jobs/:id/cancel", cfg.JobHandler.CancelJob)
			api.POST("/jobs/:id/restart", cfg.JobHandler.RestartJob)
		}
	}

	return r
}
