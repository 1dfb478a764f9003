package storage

import (
	"context"
	"time"

	"NetPulse/internal/backend/models"
)

// ResultStore is the metric-history sink. Records are append-only.
type ResultStore interface {
	Append(ctx context.Context, result *models.CollectionResult) error
	Summary(ctx context.Context, since time.Time) (*models.ResultSummary, error)
	AgentSummary(ctx context.Context, agentID string) (*models.ResultSummary, error)
	ListByAgent(ctx context.Context, agentID string, limit int) ([]*models.CollectionResult, error)
	ListByTask(ctx context.Context, taskID string, limit int) ([]*models.CollectionResult, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// TaskDefinitionStore keeps the recurring collection jobs.
type TaskDefinitionStore interface {
	ListEnabled(ctx context.Context) ([]models.TaskDefinition, error)
	List(ctx context.Context) ([]models.TaskDefinition, error)
	Get(ctx context.Context, id string) (*models.TaskDefinition, error)
	Save(ctx context.Context, def *models.TaskDefinition) error
	SetEnabled(ctx context.Context, id string, enabled bool) error
	MarkExecuted(ctx context.Context, id string, last, next time.Time) error
	Delete(ctx context.Context, id string) error
}

// CollectorStore mirrors the agent registry for other services and for
// restoring known agents after a restart.
type CollectorStore interface {
	Upsert(ctx context.Context, agent *models.Agent) error
	Get(ctx context.Context, id string) (*models.Agent, error)
	List(ctx context.Context) ([]*models.Agent, error)
}

type LogStore interface {
	Append(ctx context.Context, entries []models.AgentLogEntry) error
	ListByAgent(ctx context.Context, agentID string, limit int) ([]models.AgentLogEntry, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// Publisher sends serialized events to an external broker.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
	Close() error
}
