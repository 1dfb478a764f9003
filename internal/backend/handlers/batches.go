package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"NetPulse/internal/backend/models"
)

func (h *Handlers) CreateBatch(c *gin.Context) {
	var req struct {
		models.CreateBatchRequest
		Tasks  []models.TaskSpec `json:"tasks"`
		Submit bool              `json:"submit"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}
	ctx := c.Request.Context()

	batch, err := h.orchestrator.CreateBatch(ctx, &req.CreateBatchRequest)
	if err != nil {
		h.respondError(c, "create batch", err)
		return
	}

	var created *models.CreateTasksResult
	if len(req.Tasks) > 0 {
		if created, err = h.orchestrator.CreateTasks(ctx, batch.ID, req.Tasks); err != nil {
			h.respondError(c, "create tasks", err)
			return
		}
	}
	if req.Submit {
		if batch, err = h.orchestrator.SubmitBatch(ctx, batch.ID); err != nil {
			h.respondError(c, "submit batch", err)
			return
		}
	} else if batch, err = h.orchestrator.GetBatch(batch.ID); err != nil {
		h.respondError(c, "get batch", err)
		return
	}

	c.JSON(http.StatusCreated, SuccessResponse("batch_created", gin.H{
		"batch": batch,
		"tasks": created,
	}))
}

func (h *Handlers) ListBatches(c *gin.Context) {
	batches := h.orchestrator.ListBatches(c.Query("agentId"), models.BatchStatus(strings.ToUpper(c.Query("status"))))
	c.JSON(http.StatusOK, SuccessResponse("batches", gin.H{
		"batches": batches,
		"count":   len(batches),
	}))
}

func (h *Handlers) GetBatch(c *gin.Context) {
	batch, err := h.orchestrator.GetBatch(c.Param("id"))
	if err != nil {
		h.respondError(c, "get batch", err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse("batch_found", batch))
}

func (h *Handlers) GetBatchTasks(c *gin.Context) {
	tasks, err := h.orchestrator.TasksForBatch("", c.Param("id"))
	if err != nil {
		h.respondError(c, "batch tasks", err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse("tasks", tasks))
}

// AddTasks creates tasks in a PENDING batch. Specs that fail are reported
// individually; the status is 207 when some failed and 422 when all did.
func (h *Handlers) AddTasks(c *gin.Context) {
	var specs []models.TaskSpec
	if err := c.ShouldBindJSON(&specs); err != nil {
		h.badRequest(c, err)
		return
	}
	if len(specs) == 0 {
		h.badRequest(c, errors.New("at least one task spec is required"))
		return
	}

	res, err := h.orchestrator.CreateTasks(c.Request.Context(), c.Param("id"), specs)
	if err != nil {
		h.respondError(c, "create tasks", err)
		return
	}

	status := http.StatusCreated
	switch {
	case len(res.Created) == 0:
		status = http.StatusUnprocessableEntity
	case len(res.Errors) > 0:
		status = http.StatusMultiStatus
	}
	c.JSON(status, SuccessResponse("tasks_created", res))
}

func (h *Handlers) SubmitBatch(c *gin.Context) {
	batch, err := h.orchestrator.SubmitBatch(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, "submit batch", err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse("batch_submitted", batch))
}

func (h *Handlers) CancelBatch(c *gin.Context) {
	batch, err := h.orchestrator.CancelBatch(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, "cancel batch", err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse("batch_cancelled", batch))
}

func (h *Handlers) GetTask(c *gin.Context) {
	task, err := h.orchestrator.GetTask(c.Param("id"))
	if err != nil {
		h.respondError(c, "get task", err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse("task_found", task))
}

func (h *Handlers) GetTaskResults(c *gin.Context) {
	results, err := h.history.TaskResults(c.Request.Context(), c.Param("id"), queryInt(c, "limit", 100))
	if err != nil {
		h.respondError(c, "task results", err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse("task_results", results))
}

func (h *Handlers) CancelTask(c *gin.Context) {
	task, err := h.orchestrator.CancelTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, "cancel task", err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse("task_cancelled", task))
}

func (h *Handlers) RescheduleTask(c *gin.Context) {
	task, err := h.orchestrator.RescheduleTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, "reschedule task", err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse("task_rescheduled", task))
}
