package handlers

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/draftwell/propgen-backend/internal/http/middleware"
	"github.com/draftwell/propgen-backend/internal/http/response"
	"github.com/draftwell/propgen-backend/internal/platform/logger"
	"github.com/draftwell/propgen-backend/internal/sse"
)

type RealtimeHandler struct {
	log *logger.Logger
	hub *sse.Hub
}

func NewRealtimeHandler(log *logger.Logger, hub *sse.Hub) *RealtimeHandler {
	return &RealtimeHandler{
		log: log.With("handler", "Realtime"),
		hub: hub,
	}
}

// GET /api/sse/stream?proposal_id=...
//
// Every stream gets the org firehose; a proposal_id query narrows in on
// one run's channel as well. The connection blocks until the client
// disconnects.
func (h *RealtimeHandler) SSEStream(c *gin.Context) {
	orgID, ok := middleware.OrgID(c)
	if !ok {
		response.RespondError(c, http.StatusUnauthorized, "missing_org", fmt.Errorf("missing org"))
		return
	}

	client := h.hub.NewClient(orgID)
	h.hub.AddChannel(client, sse.OrgChannel(orgID))

	if raw := strings.TrimSpace(c.Query("proposal_id")); raw != "" {
		proposalID, err := uuid.Parse(raw)
		if err != nil {
			h.hub.CloseClient(client)
			response.RespondError(c, http.StatusBadRequest, "invalid_proposal_id", err)
			return
		}
		h.hub.AddChannel(client, sse.ProposalChannel(proposalID))
	}

	h.log.Info("SSE stream open", "owner_org_id", orgID, "client_id", client.ID)
	h.hub.ServeHTTP(c.Writer, c.Request, client)
	h.hub.CloseClient(client)
}
