package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"NetPulse/internal/backend/models"
)

type logStore struct {
	db *sql.DB
}

func NewLogStore(db *sql.DB) LogStore {
	return &logStore{db: db}
}

// Append writes entries in one transaction. Entries without an ID get one.
func (s *logStore) Append(ctx context.Context, entries []models.AgentLogEntry) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin log transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO agent_logs (id, agent_id, level, message, task_id, batch_id, context, ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare log insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		if e.ID == "" {
			e.ID = uuid.NewString()
		}
		data := []byte("{}")
		if len(e.Context) > 0 {
			if data, err = json.Marshal(e.Context); err != nil {
				return fmt.Errorf("failed to marshal log context: %w", err)
			}
		}
		if _, err := stmt.ExecContext(ctx,
			e.ID, e.AgentID, e.Level, e.Message, e.TaskID, e.BatchID, string(data), toMillis(e.Timestamp),
		); err != nil {
			return fmt.Errorf("failed to insert agent log: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit agent logs: %w", err)
	}
	return nil
}

func (s *logStore) ListByAgent(ctx context.Context, agentID string, limit int) ([]models.AgentLogEntry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent_id, level, message, task_id, batch_id, context, ts
		FROM agent_logs WHERE agent_id = $1
		ORDER BY ts DESC, id
		LIMIT $2
	`, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list agent logs: %w", err)
	}
	defer rows.Close()

	out := []models.AgentLogEntry{}
	for rows.Next() {
		var (
			e    models.AgentLogEntry
			data string
			ts   int64
		)
		if err := rows.Scan(&e.ID, &e.AgentID, &e.Level, &e.Message, &e.TaskID, &e.BatchID, &data, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan agent log: %w", err)
		}
		if data != "" && data != "{}" {
			if err := json.Unmarshal([]byte(data), &e.Context); err != nil {
				return nil, fmt.Errorf("failed to unmarshal log context: %w", err)
			}
		}
		e.Timestamp = fromMillis(ts)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *logStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM agent_logs WHERE ts < $1`, toMillis(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to delete agent logs: %w", err)
	}
	return res.RowsAffected()
}
