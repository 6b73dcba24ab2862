package handlers

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/draftwell/propgen-backend/internal/http/middleware"
	"github.com/draftwell/propgen-backend/internal/http/response"
	"github.com/draftwell/propgen-backend/internal/platform/dbctx"
	"github.com/draftwell/propgen-backend/internal/services"
)

type ProposalHandler struct {
	proposals services.ProposalService
	jobs      services.JobService
}

func NewProposalHandler(proposals services.ProposalService, jobs services.JobService) *ProposalHandler {
	return &ProposalHandler{proposals: proposals, jobs: jobs}
}

// POST /api/proposals
func (h *ProposalHandler) CreateProposal(c *gin.Context) {
	orgID, ok := middleware.OrgID(c)
	if !ok {
		response.RespondError(c, http.StatusUnauthorized, "missing_org", fmt.Errorf("missing org"))
		return
	}
	var req struct {
		Title   string `json:"title"`
		RFPText string `json:"rfp_text"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	prop, job, err := h.proposals.Create(c.Request.Context(), orgID, req.Title, req.RFPText)
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "create_proposal_failed", err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"proposal": prop, "job": job})
}

// GET /api/proposals
func (h *ProposalHandler) ListProposals(c *gin.Context) {
	orgID, ok := middleware.OrgID(c)
	if !ok {
		response.RespondError(c, http.StatusUnauthorized, "missing_org", fmt.Errorf("missing org"))
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	props, err := h.proposals.List(dbctx.Context{Ctx: c.Request.Context()}, orgID, limit, offset)
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "list_proposals_failed", err)
		return
	}
	response.RespondOK(c, gin.H{"proposals": props})
}

// GET /api/proposals/:id
func (h *ProposalHandler) GetProposal(c *gin.Context) {
	orgID, proposalID, ok := h.orgAndProposal(c)
	if !ok {
		return
	}
	dbc := dbctx.Context{Ctx: c.Request.Context()}
	prop, err := h.proposals.GetByID(dbc, orgID, proposalID)
	if err != nil {
		response.RespondError(c, http.StatusNotFound, "proposal_not_found", err)
		return
	}
	vols, err := h.proposals.Volumes(dbc, orgID, proposalID)
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "list_volumes_failed", err)
		return
	}
	response.RespondOK(c, gin.H{"proposal": prop, "volumes": vols})
}

// POST /api/proposals/:id/validation/approve
func (h *ProposalHandler) ApproveValidation(c *gin.Context) {
	orgID, proposalID, ok := h.orgAndProposal(c)
	if !ok {
		return
	}
	job, err := h.proposals.ApproveValidation(c.Request.Context(), orgID, proposalID)
	if err != nil {
		response.RespondError(c, http.StatusConflict, "approve_validation_failed", err)
		return
	}
	response.RespondOK(c, gin.H{"job": job})
}

// POST /api/proposals/:id/volumes/:number/decision
func (h *ProposalHandler) VolumeDecision(c *gin.Context) {
	orgID, proposalID, ok := h.orgAndProposal(c)
	if !ok {
		return
	}
	number, err := strconv.Atoi(c.Param("number"))
	if err != nil || number < 1 {
		response.RespondError(c, http.StatusBadRequest, "invalid_volume_number", fmt.Errorf("invalid volume number"))
		return
	}
	var req struct {
		Decision string `json:"decision"`
		Feedback string `json:"feedback"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	job, err := h.proposals.DecideVolume(c.Request.Context(), orgID, proposalID, number, req.Decision, req.Feedback)
	if err != nil {
		status := http.StatusConflict
		if strings.Contains(err.Error(), "unknown decision") {
			status = http.StatusBadRequest
		}
		response.RespondError(c, status, "volume_decision_failed", err)
		return
	}
	response.RespondOK(c, gin.H{"job": job})
}

// POST /api/proposals/:id/cancel
func (h *ProposalHandler) CancelProposal(c *gin.Context) {
	orgID, proposalID, ok := h.orgAndProposal(c)
	if !ok {
		return
	}
	prop, err := h.proposals.Cancel(c.Request.Context(), orgID, proposalID)
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "cancel_proposal_failed", err)
		return
	}
	response.RespondOK(c, gin.H{"proposal": prop})
}

// GET /api/proposals/:id/artifact
func (h *ProposalHandler) DownloadArtifact(c *gin.Context) {
	orgID, proposalID, ok := h.orgAndProposal(c)
	if !ok {
		return
	}
	data, contentType, err := h.proposals.Artifact(c.Request.Context(), orgID, proposalID)
	if err != nil {
		response.RespondError(c, http.StatusNotFound, "artifact_not_found", err)
		return
	}
	c.Data(http.StatusOK, contentType, data)
}

func (h *ProposalHandler) orgAndProposal(c *gin.Context) (uuid.UUID, uuid.UUID, bool) {
	orgID, ok := middleware.OrgID(c)
	if !ok {
		response.RespondError(c, http.StatusUnauthorized, "missing_org", fmt.Errorf("missing org"))
		return uuid.Nil, uuid.Nil, false
	}
	proposalID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_proposal_id", err)
		return uuid.Nil, uuid.Nil, false
	}
	return orgID, proposalID, true
}
