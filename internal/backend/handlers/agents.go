package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"NetPulse/internal/backend/models"
)

func (h *Handlers) ListAgents(c *gin.Context) {
	var filter models.AgentFilter
	if err := c.ShouldBindQuery(&filter); err != nil {
		h.badRequest(c, err)
		return
	}

	agents := h.registry.ListAgents(filter)
	c.JSON(http.StatusOK, SuccessResponse("agents_list", gin.H{
		"agents": agents,
		"count":  len(agents),
	}))
}

func (h *Handlers) GetAgent(c *gin.Context) {
	agent, err := h.registry.GetAgent(c.Param("id"))
	if err != nil {
		h.respondError(c, "get agent", err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse("agent_found", agent))
}

func (h *Handlers) GetAgentStats(c *gin.Context) {
	stats, err := h.history.AgentStats(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, "agent stats", err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse("agent_stats", stats))
}

func (h *Handlers) GetAgentResults(c *gin.Context) {
	results, err := h.history.AgentResults(c.Request.Context(), c.Param("id"), queryInt(c, "limit", 100))
	if err != nil {
		h.respondError(c, "agent results", err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse("agent_results", results))
}

func (h *Handlers) GetAgentLogs(c *gin.Context) {
	logs, err := h.agentLogs.List(c.Request.Context(), c.Param("id"), queryInt(c, "limit", 100))
	if err != nil {
		h.respondError(c, "agent logs", err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse("agent_logs", logs))
}

func (h *Handlers) EnableAgent(c *gin.Context) {
	h.setAgentEnabled(c, true)
}

func (h *Handlers) DisableAgent(c *gin.Context) {
	h.setAgentEnabled(c, false)
}

func (h *Handlers) setAgentEnabled(c *gin.Context, enabled bool) {
	agent, err := h.registry.SetEnabled(c.Param("id"), enabled)
	if err != nil {
		h.respondError(c, "set agent enabled", err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse("agent_updated", agent))
}

// IssueBootstrapToken mints a first-registration token; ttl is optional.
func (h *Handlers) IssueBootstrapToken(c *gin.Context) {
	var req struct {
		TTL string `json:"ttl"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			h.badRequest(c, err)
			return
		}
	}

	var ttl time.Duration
	if req.TTL != "" {
		d, err := time.ParseDuration(req.TTL)
		if err != nil || d <= 0 {
			c.JSON(http.StatusBadRequest, ErrorResponse("VALIDATION_ERROR", "ttl must be a positive duration such as 24h"))
			return
		}
		ttl = d
	}

	token, err := h.registry.IssueBootstrapToken(ttl)
	if err != nil {
		h.respondError(c, "issue bootstrap token", err)
		return
	}
	c.JSON(http.StatusCreated, SuccessResponse("bootstrap_token_issued", token))
}
