package services

import (
	"context"

	"github.com/google/uuid"

	"github.com/draftwell/propgen-backend/internal/clients/redis"
	types "github.com/draftwell/propgen-backend/internal/domain"
	jobrt "github.com/draftwell/propgen-backend/internal/jobs/runtime"
	"github.com/draftwell/propgen-backend/internal/platform/logger"
	"github.com/draftwell/propgen-backend/internal/sse"
)

// JobNotifier fans job and pipeline lifecycle events out to subscribers.
// Stage events fire on success AND failure; a stage that ends silently is a
// bug, not a policy.
//
// The interface itself lives in internal/jobs/runtime so the job Context
// can reference it without importing this package (which would be an
// import cycle); this alias keeps services.JobNotifier as the public name.
type JobNotifier = jobrt.JobNotifier

type jobNotifier struct {
	hub *sse.Hub
	bus redis.SSEBus
	log *logger.Logger
}

// NewJobNotifier broadcasts to the local hub and, when a bus is configured,
// publishes to redis so other API replicas forward to their own clients.
func NewJobNotifier(hub *sse.Hub, bus redis.SSEBus, log *logger.Logger) JobNotifier {
	return &jobNotifier{
		hub: hub,
		bus: bus,
		log: log.With("service", "JobNotifier"),
	}
}

func (n *jobNotifier) emit(msg sse.Message) {
	if n.hub != nil {
		n.hub.Broadcast(msg)
	}
	if n.bus != nil {
		if err := n.bus.Publish(context.Background(), msg); err != nil {
			n.log.Warn("publish SSE message to redis", "error", err)
		}
	}
}

func (n *jobNotifier) JobCreated(orgID uuid.UUID, job *types.JobRun) {
	n.emit(sse.Message{
		Channel: sse.OrgChannel(orgID),
		Event:   sse.EventJobCreated,
		Data:    map[string]any{"job": job},
	})
}

func (n *jobNotifier) JobProgress(orgID uuid.UUID, job *types.JobRun, stage string, progress int, message string) {
	n.emit(sse.Message{
		Channel: sse.OrgChannel(orgID),
		Event:   sse.EventJobProgress,
		Data: map[string]any{
			"job_id":   job.ID,
			"job_type": job.JobType,
			"stage":    stage,
			"progress": progress,
			"message":  message,
			"job":      job,
		},
	})
}

func (n *jobNotifier) JobFailed(orgID uuid.UUID, job *types.JobRun, stage string, errorMessage string) {
	n.emit(sse.Message{
		Channel: sse.OrgChannel(orgID),
		Event:   sse.EventJobFailed,
		Data: map[string]any{
			"job_id":   job.ID,
			"job_type": job.JobType,
			"stage":    stage,
			"error":    errorMessage,
			"job":      job,
		},
	})
}

func (n *jobNotifier) JobDone(orgID uuid.UUID, job *types.JobRun) {
	n.emit(sse.Message{
		Channel: sse.OrgChannel(orgID),
		Event:   sse.EventJobDone,
		Data: map[string]any{
			"job_id":   job.ID,
			"job_type": job.JobType,
			"job":      job,
		},
	})
}

func (n *jobNotifier) StageCompleted(orgID, proposalID uuid.UUID, stage string, data map[string]any) {
	n.proposalBroadcast(orgID, proposalID, sse.EventProposalStageCompleted, stage, "", data)
}

func (n *jobNotifier) StageFailed(orgID, proposalID uuid.UUID, stage string, errorMessage string, data map[string]any) {
	n.proposalBroadcast(orgID, proposalID, sse.EventProposalStageFailed, stage, errorMessage, data)
}

func (n *jobNotifier) ProposalEvent(orgID, proposalID uuid.UUID, event sse.Event, data map[string]any) {
	n.proposalBroadcast(orgID, proposalID, event, "", "", data)
}

func (n *jobNotifier) VolumeEvent(orgID, proposalID uuid.UUID, volumeNumber int, event sse.Event, data map[string]any) {
	if data == nil {
		data = map[string]any{}
	}
	data["volume_number"] = volumeNumber
	n.proposalBroadcast(orgID, proposalID, event, "", "", data)
}

func (n *jobNotifier) proposalBroadcast(orgID, proposalID uuid.UUID, event sse.Event, stage, errorMessage string, data map[string]any) {
	payload := map[string]any{"proposal_id": proposalID}
	if stage != "" {
		payload["stage"] = stage
	}
	if errorMessage != "" {
		payload["error"] = errorMessage
	}
	for k, v := range data {
		payload[k] = v
	}
	// Both the proposal-scoped channel and the org firehose get the event.
	n.emit(sse.Message{Channel: sse.ProposalChannel(proposalID), Event: event, Data: payload})
	n.emit(sse.Message{Channel: sse.OrgChannel(orgID), Event: event, Data: payload})
}
