package models

import "time"

type BatchStatus string

const (
	BatchPending   BatchStatus = "PENDING"
	BatchSubmitted BatchStatus = "SUBMITTED"
	BatchRunning   BatchStatus = "RUNNING"
	BatchCompleted BatchStatus = "COMPLETED"
	BatchFailed    BatchStatus = "FAILED"
	BatchCancelled BatchStatus = "CANCELLED"
)

func (s BatchStatus) IsTerminal() bool {
	return s == BatchCompleted || s == BatchFailed || s == BatchCancelled
}

// TaskCounts are maintained incrementally as tasks change status.
type TaskCounts struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}

// Add adjusts the bucket for status by delta.
func (c *TaskCounts) Add(status TaskStatus, delta int) {
	switch status {
	case TaskPending:
		c.Pending += delta
	case TaskRunning, TaskTimeout:
		c.Running += delta
	case TaskCompleted:
		c.Completed += delta
	case TaskFailed:
		c.Failed += delta
	case TaskCancelled:
		c.Cancelled += delta
	}
}

func (c TaskCounts) Terminal() int {
	return c.Completed + c.Failed + c.Cancelled
}

type TaskBatch struct {
	ID          string      `json:"id"`
	TaskDefID   string      `json:"taskDefId"`
	AgentID     string      `json:"agentId"`
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Status      BatchStatus `json:"status"`
	Counts      TaskCounts  `json:"counts"`
	CreatedAt   time.Time   `json:"createdAt"`
	UpdatedAt   time.Time   `json:"updatedAt"`
	SubmittedAt *time.Time  `json:"submittedAt,omitempty"`
	StartedAt   *time.Time  `json:"startedAt,omitempty"`
	FinishedAt  *time.Time  `json:"finishedAt,omitempty"`
	CancelledAt *time.Time  `json:"cancelledAt,omitempty"`
}

func (b *TaskBatch) Clone() *TaskBatch {
	if b == nil {
		return nil
	}
	c := *b
	c.SubmittedAt = cloneTime(b.SubmittedAt)
	c.StartedAt = cloneTime(b.StartedAt)
	c.FinishedAt = cloneTime(b.FinishedAt)
	c.CancelledAt = cloneTime(b.CancelledAt)
	return &c
}

type CreateBatchRequest struct {
	TaskDefID   string `json:"taskDefId"`
	AgentID     string `json:"agentId" binding:"required"`
	Name        string `json:"name" binding:"required"`
	Description string `json:"description"`
}

type BatchStatusUpdate struct {
	Status  BatchStatus `json:"status" binding:"required"`
	Message string      `json:"message,omitempty"`
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
