package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"NetPulse/internal/backend/models"
	"NetPulse/internal/backend/services"
	shared "NetPulse/internal/shared/models"
)

const agentKey = "agent"

// AgentAuthMiddleware resolves the bearer token to the agent it was issued to.
func (h *Handlers) AgentAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.GetHeader("Authorization")
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse("MISSING_TOKEN", "Authorization header is required"))
			return
		}
		token = strings.TrimSpace(strings.TrimPrefix(token, "Bearer "))

		agent, err := h.registry.Authenticate(token)
		if err != nil {
			h.logger.Debug("agent auth failed", "ip", c.ClientIP(), "error", err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse("INVALID_TOKEN", "Invalid or expired agent token"))
			return
		}

		c.Set(agentKey, agent)
		c.Next()
	}
}

func (h *Handlers) getAgentFromContext(c *gin.Context) *models.Agent {
	agent, exists := c.Get(agentKey)
	if !exists {
		c.JSON(http.StatusUnauthorized, ErrorResponse("UNAUTHORIZED", "Agent not authenticated"))
		return nil
	}
	return agent.(*models.Agent)
}

// checkCollectorID rejects bodies that name a different collector than the
// token belongs to.
func (h *Handlers) checkCollectorID(c *gin.Context, agent *models.Agent, collectorID string) bool {
	if collectorID != "" && collectorID != agent.ID {
		h.respondError(c, "collector check", fmt.Errorf("%w: token belongs to %s, body names %s", services.ErrAgentMismatch, agent.ID, collectorID))
		return false
	}
	return true
}

func (h *Handlers) RegisterCollector(c *gin.Context) {
	var req shared.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}

	res, err := h.registry.Register(c.Request.Context(), &req)
	if err != nil {
		h.respondError(c, "register", err)
		return
	}

	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	c.JSON(status, SuccessResponse("collector_registered", shared.RegisterResponse{
		CollectorID: res.AgentID,
		Token:       res.Token,
		ExpiresAt:   res.ExpiresAt,
		ServerTime:  res.ServerTime,
	}))
}

func (h *Handlers) Heartbeat(c *gin.Context) {
	agent := h.getAgentFromContext(c)
	if agent == nil {
		return
	}

	var req shared.HeartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}
	if !h.checkCollectorID(c, agent, req.CollectorID) {
		return
	}

	action, err := h.monitor.ReceiveHeartbeat(c.Request.Context(), agent.ID, &req)
	if err != nil {
		h.respondError(c, "heartbeat", err)
		return
	}

	c.JSON(http.StatusOK, SuccessResponse("heartbeat_received", shared.HeartbeatResponse{
		ServerTime: time.Now().UTC(),
		Action:     string(action),
	}))
}

// PendingBatches serves GET /batches?collectorId=&status=&limit=. status may
// be a comma separated list.
func (h *Handlers) PendingBatches(c *gin.Context) {
	agent := h.getAgentFromContext(c)
	if agent == nil {
		return
	}
	if !h.checkCollectorID(c, agent, c.Query("collectorId")) {
		return
	}

	var statuses []models.BatchStatus
	for _, s := range strings.Split(c.Query("status"), ",") {
		if s = strings.ToUpper(strings.TrimSpace(s)); s != "" {
			statuses = append(statuses, models.BatchStatus(s))
		}
	}

	batches, err := h.orchestrator.PendingBatchesForAgent(agent.ID, statuses, queryInt(c, "limit", 0))
	if err != nil {
		h.respondError(c, "pending batches", err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse("batches", batches))
}

func (h *Handlers) CollectorBatchTasks(c *gin.Context) {
	agent := h.getAgentFromContext(c)
	if agent == nil {
		return
	}

	tasks, err := h.orchestrator.TasksForBatch(agent.ID, c.Param("batchId"))
	if err != nil {
		h.respondError(c, "batch tasks", err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse("tasks", tasks))
}

func (h *Handlers) CollectorBatchStatus(c *gin.Context) {
	agent := h.getAgentFromContext(c)
	if agent == nil {
		return
	}

	var req shared.StatusUpdate
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}
	if req.Status == "" {
		h.badRequest(c, errors.New("status is required"))
		return
	}

	batch, err := h.orchestrator.UpdateBatchStatus(c.Request.Context(), agent.ID, c.Param("batchId"), &models.BatchStatusUpdate{
		Status:  models.BatchStatus(strings.ToUpper(req.Status)),
		Message: req.Message,
	})
	if err != nil {
		h.respondError(c, "batch status", err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse("batch_status_updated", batch))
}

func (h *Handlers) CollectorTaskStatus(c *gin.Context) {
	agent := h.getAgentFromContext(c)
	if agent == nil {
		return
	}

	var req shared.StatusUpdate
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}
	if req.Status == "" {
		h.badRequest(c, errors.New("status is required"))
		return
	}

	task, err := h.orchestrator.UpdateTaskStatus(c.Request.Context(), agent.ID, c.Param("taskId"), &models.TaskStatusUpdate{
		Status:          models.TaskStatus(strings.ToUpper(req.Status)),
		StartTime:       req.StartTime,
		EndTime:         req.EndTime,
		ExecutionTimeMs: req.ExecutionTime,
		Message:         req.Message,
	})
	if err != nil {
		h.respondError(c, "task status", err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse("task_status_updated", task))
}

// SubmitResults accepts a list of results and acknowledges each one. A bad
// entry does not reject its siblings.
func (h *Handlers) SubmitResults(c *gin.Context) {
	agent := h.getAgentFromContext(c)
	if agent == nil {
		return
	}

	var reports []shared.ResultReport
	if err := c.ShouldBindJSON(&reports); err != nil {
		h.badRequest(c, err)
		return
	}
	if len(reports) == 0 {
		h.badRequest(c, errors.New("at least one result is required"))
		return
	}

	acks := make([]shared.ResultAck, 0, len(reports))
	accepted := 0
	for i := range reports {
		task, _, err := h.orchestrator.SubmitResult(c.Request.Context(), agent.ID, &reports[i])
		ack := shared.ResultAck{TaskID: reports[i].TaskID}
		if err != nil {
			h.logger.Warn("result rejected", "agent_id", agent.ID, "task_id", reports[i].TaskID, "error", err)
			ack.Error = err.Error()
		} else {
			ack.Accepted = true
			ack.Status = string(task.Status)
			accepted++
		}
		acks = append(acks, ack)
	}

	c.JSON(http.StatusOK, SuccessResponse(fmt.Sprintf("%d of %d results accepted", accepted, len(reports)), acks))
}

func (h *Handlers) SubmitLogs(c *gin.Context) {
	agent := h.getAgentFromContext(c)
	if agent == nil {
		return
	}

	var entries []shared.LogEntry
	if err := c.ShouldBindJSON(&entries); err != nil {
		h.badRequest(c, err)
		return
	}

	n, err := h.agentLogs.Ingest(c.Request.Context(), agent.ID, entries)
	if err != nil {
		h.respondError(c, "submit logs", err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse("logs_stored", gin.H{"count": n}))
}
