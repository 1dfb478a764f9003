package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"NetPulse/internal/backend/models"
)

// HistoryStore is the read side of the metric-history sink.
type HistoryStore interface {
	Summary(ctx context.Context, since time.Time) (*models.ResultSummary, error)
	AgentSummary(ctx context.Context, agentID string) (*models.ResultSummary, error)
	ListByAgent(ctx context.Context, agentID string, limit int) ([]*models.CollectionResult, error)
	ListByTask(ctx context.Context, taskID string, limit int) ([]*models.CollectionResult, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

type SummaryCache interface {
	Get(key string) (models.ResultSummary, bool)
	Set(key string, value models.ResultSummary)
	Clear()
}

// HistoryService answers statistics queries against the history sink.
type HistoryService struct {
	registry *AgentRegistry
	store    HistoryStore
	cache    SummaryCache
	logger   *slog.Logger
	now      func() time.Time
}

// NewHistoryService builds the service; cache may be nil.
func NewHistoryService(registry *AgentRegistry, store HistoryStore, cache SummaryCache, logger *slog.Logger) *HistoryService {
	if logger == nil {
		logger = slog.Default()
	}
	return &HistoryService{
		registry: registry,
		store:    store,
		cache:    cache,
		logger:   logger,
		now:      time.Now,
	}
}

// Summary aggregates results recorded within window of now.
func (h *HistoryService) Summary(ctx context.Context, window time.Duration) (*models.ResultSummary, error) {
	if window <= 0 {
		return nil, fmt.Errorf("%w: window must be positive", ErrValidation)
	}

	key := window.String()
	if h.cache != nil {
		if sum, ok := h.cache.Get(key); ok {
			return &sum, nil
		}
	}

	sum, err := h.store.Summary(ctx, h.now().Add(-window))
	if err != nil {
		h.logger.Error("failed to load history summary", "window", key, "error", err)
		return nil, fmt.Errorf("failed to load history summary: %w", err)
	}
	if h.cache != nil {
		h.cache.Set(key, *sum)
	}
	return sum, nil
}

// AgentStats combines the registry view of an agent with its result history.
func (h *HistoryService) AgentStats(ctx context.Context, agentID string) (*models.AgentStats, error) {
	agent, err := h.registry.GetAgent(agentID)
	if err != nil {
		return nil, err
	}

	sum, err := h.store.AgentSummary(ctx, agentID)
	if err != nil {
		h.logger.Error("failed to load agent summary", "agent_id", agentID, "error", err)
		return nil, fmt.Errorf("failed to load agent summary: %w", err)
	}

	stats := &models.AgentStats{
		Agent:          agent,
		TotalResults:   sum.Total,
		SuccessResults: sum.Success,
		FailedResults:  sum.Failed,
		AvgDurationMs:  sum.AvgDurationMs,
		LastActivity:   sum.LastAt,
		Uptime:         h.now().Sub(agent.RegisteredAt).Round(time.Second).String(),
	}
	if sum.Total > 0 {
		stats.SuccessRate = float64(sum.Success) / float64(sum.Total) * 100
	}
	if hb := agent.LastHeartbeat; !hb.IsZero() && (stats.LastActivity == nil || hb.After(*stats.LastActivity)) {
		stats.LastActivity = &hb
	}
	return stats, nil
}

func (h *HistoryService) AgentResults(ctx context.Context, agentID string, limit int) ([]*models.CollectionResult, error) {
	results, err := h.store.ListByAgent(ctx, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list agent results: %w", err)
	}
	return results, nil
}

func (h *HistoryService) TaskResults(ctx context.Context, taskID string, limit int) ([]*models.CollectionResult, error) {
	results, err := h.store.ListByTask(ctx, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list task results: %w", err)
	}
	return results, nil
}

// Prune drops history older than cutoff and invalidates cached summaries.
func (h *HistoryService) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	n, err := h.store.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 && h.cache != nil {
		h.cache.Clear()
	}
	return n, nil
}
