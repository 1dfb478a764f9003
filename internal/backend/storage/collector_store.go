package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"NetPulse/internal/backend/models"
	"NetPulse/internal/events"
)

type collectorStore struct {
	db *sql.DB
}

func NewCollectorStore(db *sql.DB) CollectorStore {
	return &collectorStore{db: db}
}

const collectorColumns = `id, hostname, ip, port, version, capabilities, tags, status, enabled,
	last_error, last_heartbeat, registered_at, updated_at`

func (s *collectorStore) Upsert(ctx context.Context, agent *models.Agent) error {
	caps, err := json.Marshal(agent.Capabilities)
	if err != nil {
		return fmt.Errorf("failed to marshal capabilities: %w", err)
	}
	tags, err := json.Marshal(agent.Tags)
	if err != nil {
		return fmt.Errorf("failed to marshal tags: %w", err)
	}

	query := `
		INSERT INTO collectors (` + collectorColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			hostname = excluded.hostname,
			ip = excluded.ip,
			port = excluded.port,
			version = excluded.version,
			capabilities = excluded.capabilities,
			tags = excluded.tags,
			status = excluded.status,
			enabled = excluded.enabled,
			last_error = excluded.last_error,
			last_heartbeat = excluded.last_heartbeat,
			updated_at = excluded.updated_at
	`
	_, err = s.db.ExecContext(ctx, query,
		agent.ID,
		agent.Hostname,
		agent.IP,
		agent.Port,
		agent.Version,
		string(caps),
		string(tags),
		string(agent.Status),
		agent.Enabled,
		agent.LastError,
		toMillis(agent.LastHeartbeat),
		toMillis(agent.RegisteredAt),
		toMillis(agent.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert collector: %w", err)
	}
	return nil
}

func (s *collectorStore) Get(ctx context.Context, id string) (*models.Agent, error) {
	query := `SELECT ` + collectorColumns + ` FROM collectors WHERE id = $1`

	agent, err := scanCollector(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get collector: %w", err)
	}
	return agent, nil
}

func (s *collectorStore) List(ctx context.Context) ([]*models.Agent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+collectorColumns+` FROM collectors ORDER BY hostname, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list collectors: %w", err)
	}
	defer rows.Close()

	var out []*models.Agent
	for rows.Next() {
		agent, err := scanCollector(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan collector: %w", err)
		}
		out = append(out, agent)
	}
	return out, rows.Err()
}

func scanCollector(row rowScanner) (*models.Agent, error) {
	var (
		a                       models.Agent
		caps, tags, status      string
		heartbeat, reg, updated int64
	)
	if err := row.Scan(
		&a.ID, &a.Hostname, &a.IP, &a.Port, &a.Version, &caps, &tags, &status, &a.Enabled,
		&a.LastError, &heartbeat, &reg, &updated,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(caps), &a.Capabilities); err != nil {
		return nil, fmt.Errorf("failed to unmarshal capabilities: %w", err)
	}
	if err := json.Unmarshal([]byte(tags), &a.Tags); err != nil {
		return nil, fmt.Errorf("failed to unmarshal tags: %w", err)
	}
	a.Status = models.AgentStatus(status)
	a.LastHeartbeat = fromMillis(heartbeat)
	a.RegisteredAt = fromMillis(reg)
	a.UpdatedAt = fromMillis(updated)
	return &a, nil
}

// MirrorAgents keeps the collector table in step with registry events. The
// returned func stops mirroring.
func MirrorAgents(bus *events.Bus, store CollectorStore, log *slog.Logger) func() {
	return bus.Subscribe(func(e events.Event) {
		agent, ok := e.Data.(*models.Agent)
		if !ok || agent == nil {
			return
		}
		if err := store.Upsert(context.Background(), agent); err != nil {
			log.Warn("failed to mirror collector", "agent_id", agent.ID, "event", e.Type, "error", err)
		}
	}, events.AgentRegistered, events.AgentStatusChanged, events.AgentOffline)
}
