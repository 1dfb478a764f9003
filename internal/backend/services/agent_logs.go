package services

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"NetPulse/internal/backend/models"
	shared "NetPulse/internal/shared/models"
)

type LogStore interface {
	Append(ctx context.Context, entries []models.AgentLogEntry) error
	ListByAgent(ctx context.Context, agentID string, limit int) ([]models.AgentLogEntry, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

const maxLogBatch = 500

var logLevels = map[string]string{
	"DEBUG":   "DEBUG",
	"INFO":    "INFO",
	"WARN":    "WARN",
	"WARNING": "WARN",
	"ERROR":   "ERROR",
}

// AgentLogService persists log lines shipped by agents.
type AgentLogService struct {
	store  LogStore
	logger *slog.Logger
	now    func() time.Time
}

func NewAgentLogService(store LogStore, logger *slog.Logger) *AgentLogService {
	if logger == nil {
		logger = slog.Default()
	}
	return &AgentLogService{store: store, logger: logger, now: time.Now}
}

// Ingest validates and stores entries for agentID. The whole batch is
// rejected if any entry is invalid.
func (s *AgentLogService) Ingest(ctx context.Context, agentID string, entries []shared.LogEntry) (int, error) {
	if len(entries) == 0 {
		return 0, nil
	}
	if len(entries) > maxLogBatch {
		return 0, fmt.Errorf("%w: at most %d log entries per request", ErrValidation, maxLogBatch)
	}

	now := s.now()
	out := make([]models.AgentLogEntry, 0, len(entries))
	for i, e := range entries {
		level, ok := logLevels[strings.ToUpper(strings.TrimSpace(e.Level))]
		if !ok {
			return 0, fmt.Errorf("%w: entry %d has unknown level %q", ErrValidation, i, e.Level)
		}
		if strings.TrimSpace(e.Message) == "" {
			return 0, fmt.Errorf("%w: entry %d has empty message", ErrValidation, i)
		}
		ts := e.Timestamp
		if ts.IsZero() {
			ts = now
		}
		out = append(out, models.AgentLogEntry{
			AgentID:   agentID,
			Level:     level,
			Message:   e.Message,
			TaskID:    e.TaskID,
			BatchID:   e.BatchID,
			Context:   e.Context,
			Timestamp: ts,
		})
		if level == "ERROR" {
			s.logger.Warn("agent reported error", "agent_id", agentID, "task_id", e.TaskID, "message", e.Message)
		}
	}

	if err := s.store.Append(ctx, out); err != nil {
		s.logger.Error("failed to store agent logs", "agent_id", agentID, "count", len(out), "error", err)
		return 0, fmt.Errorf("failed to store agent logs: %w", err)
	}
	return len(out), nil
}

func (s *AgentLogService) List(ctx context.Context, agentID string, limit int) ([]models.AgentLogEntry, error) {
	logs, err := s.store.ListByAgent(ctx, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list agent logs: %w", err)
	}
	return logs, nil
}

func (s *AgentLogService) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	return s.store.DeleteOlderThan(ctx, cutoff)
}
