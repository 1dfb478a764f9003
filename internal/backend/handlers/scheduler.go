package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"NetPulse/internal/backend/models"
)

func (h *Handlers) SchedulerStats(c *gin.Context) {
	c.JSON(http.StatusOK, SuccessResponse("scheduler_stats", h.scheduler.Stats()))
}

func (h *Handlers) SchedulerHealth(c *gin.Context) {
	health := h.scheduler.Health()
	status := http.StatusOK
	if !health.Healthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, SuccessResponse("scheduler_health", health))
}

// SchedulerHistory summarizes stored results over ?window= (default 24h).
func (h *Handlers) SchedulerHistory(c *gin.Context) {
	window := 24 * time.Hour
	if w := c.Query("window"); w != "" {
		d, err := time.ParseDuration(w)
		if err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse("VALIDATION_ERROR", "window must be a duration such as 1h"))
			return
		}
		window = d
	}

	sum, err := h.history.Summary(c.Request.Context(), window)
	if err != nil {
		h.respondError(c, "history summary", err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse("scheduler_history", sum))
}

func (h *Handlers) StartScheduler(c *gin.Context) {
	if err := h.scheduler.Start(c.Request.Context()); err != nil {
		h.respondError(c, "start scheduler", err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse("scheduler_started", h.scheduler.Health()))
}

func (h *Handlers) StopScheduler(c *gin.Context) {
	h.scheduler.Stop()
	c.JSON(http.StatusOK, SuccessResponse("scheduler_stopped", h.scheduler.Health()))
}

func (h *Handlers) ReloadTasks(c *gin.Context) {
	n, err := h.scheduler.ReloadAllTasks(c.Request.Context())
	if err != nil {
		h.respondError(c, "reload tasks", err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse("tasks_reloaded", gin.H{"count": n}))
}

func (h *Handlers) CleanupTasks(c *gin.Context) {
	n := h.scheduler.CleanupExpiredTasks(c.Request.Context())
	c.JSON(http.StatusOK, SuccessResponse("cleanup_completed", gin.H{"removedBatches": n}))
}

func (h *Handlers) ListDefinitions(c *gin.Context) {
	tasks := h.scheduler.Tasks()
	c.JSON(http.StatusOK, SuccessResponse("task_definitions", gin.H{
		"tasks": tasks,
		"count": len(tasks),
	}))
}

func (h *Handlers) CreateDefinition(c *gin.Context) {
	var def models.TaskDefinition
	if err := c.ShouldBindJSON(&def); err != nil {
		h.badRequest(c, err)
		return
	}

	created, err := h.scheduler.CreateDefinition(c.Request.Context(), &def)
	if err != nil {
		h.respondError(c, "create definition", err)
		return
	}
	c.JSON(http.StatusCreated, SuccessResponse("task_definition_created", created))
}

func (h *Handlers) GetDefinition(c *gin.Context) {
	def, err := h.scheduler.GetDefinition(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, "get definition", err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse("task_definition", def))
}

func (h *Handlers) PauseDefinition(c *gin.Context) {
	if err := h.scheduler.Pause(c.Param("id")); err != nil {
		h.respondError(c, "pause definition", err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse("task_definition_paused", gin.H{"id": c.Param("id")}))
}

func (h *Handlers) ResumeDefinition(c *gin.Context) {
	if err := h.scheduler.Resume(c.Param("id")); err != nil {
		h.respondError(c, "resume definition", err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse("task_definition_resumed", gin.H{"id": c.Param("id")}))
}

func (h *Handlers) StopDefinition(c *gin.Context) {
	if err := h.scheduler.StopTask(c.Request.Context(), c.Param("id")); err != nil {
		h.respondError(c, "stop definition", err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse("task_definition_stopped", gin.H{"id": c.Param("id")}))
}
