package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"NetPulse/internal/backend/models"
)

var ErrDefinitionNotFound = errors.New("task definition not found")

type taskDefinitionStore struct {
	db *sql.DB
}

func NewTaskDefinitionStore(db *sql.DB) TaskDefinitionStore {
	return &taskDefinitionStore{db: db}
}

const definitionColumns = `id, name, description, agent_id, interval_seconds, enabled, specs,
	next_execution_at, last_execution_at, created_at, updated_at`

func (s *taskDefinitionStore) Save(ctx context.Context, def *models.TaskDefinition) error {
	specs, err := json.Marshal(def.Specs)
	if err != nil {
		return fmt.Errorf("failed to marshal specs: %w", err)
	}

	query := `
		INSERT INTO task_definitions (` + definitionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			agent_id = excluded.agent_id,
			interval_seconds = excluded.interval_seconds,
			enabled = excluded.enabled,
			specs = excluded.specs,
			next_execution_at = excluded.next_execution_at,
			last_execution_at = excluded.last_execution_at,
			updated_at = excluded.updated_at
	`
	_, err = s.db.ExecContext(ctx, query,
		def.ID,
		def.Name,
		def.Description,
		def.AgentID,
		def.IntervalSeconds,
		def.Enabled,
		string(specs),
		toMillis(def.NextExecutionAt),
		nullMillis(def.LastExecutionAt),
		toMillis(def.CreatedAt),
		toMillis(def.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save task definition: %w", err)
	}
	return nil
}

func (s *taskDefinitionStore) Get(ctx context.Context, id string) (*models.TaskDefinition, error) {
	query := `SELECT ` + definitionColumns + ` FROM task_definitions WHERE id = $1`

	def, err := scanDefinition(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get task definition: %w", err)
	}
	return def, nil
}

func (s *taskDefinitionStore) ListEnabled(ctx context.Context) ([]models.TaskDefinition, error) {
	return s.query(ctx, `SELECT `+definitionColumns+` FROM task_definitions WHERE enabled = $1 ORDER BY id`, true)
}

func (s *taskDefinitionStore) List(ctx context.Context) ([]models.TaskDefinition, error) {
	return s.query(ctx, `SELECT `+definitionColumns+` FROM task_definitions ORDER BY id`)
}

func (s *taskDefinitionStore) query(ctx context.Context, query string, args ...any) ([]models.TaskDefinition, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list task definitions: %w", err)
	}
	defer rows.Close()

	out := []models.TaskDefinition{}
	for rows.Next() {
		def, err := scanDefinition(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task definition: %w", err)
		}
		out = append(out, *def)
	}
	return out, rows.Err()
}

func (s *taskDefinitionStore) SetEnabled(ctx context.Context, id string, enabled bool) error {
	return s.exec(ctx, `UPDATE task_definitions SET enabled = $1, updated_at = $2 WHERE id = $3`,
		enabled, toMillis(time.Now()), id)
}

func (s *taskDefinitionStore) MarkExecuted(ctx context.Context, id string, last, next time.Time) error {
	return s.exec(ctx, `UPDATE task_definitions SET last_execution_at = $1, next_execution_at = $2, updated_at = $3 WHERE id = $4`,
		toMillis(last), toMillis(next), toMillis(time.Now()), id)
}

func (s *taskDefinitionStore) Delete(ctx context.Context, id string) error {
	return s.exec(ctx, `DELETE FROM task_definitions WHERE id = $1`, id)
}

func (s *taskDefinitionStore) exec(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update task definition: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update task definition: %w", err)
	}
	if n == 0 {
		return ErrDefinitionNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDefinition(row rowScanner) (*models.TaskDefinition, error) {
	var (
		def                    models.TaskDefinition
		specs                  string
		next, created, updated int64
		last                   sql.NullInt64
	)
	if err := row.Scan(
		&def.ID, &def.Name, &def.Description, &def.AgentID, &def.IntervalSeconds, &def.Enabled, &specs,
		&next, &last, &created, &updated,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(specs), &def.Specs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal specs: %w", err)
	}
	def.NextExecutionAt = fromMillis(next)
	def.LastExecutionAt = timePtr(last)
	def.CreatedAt = fromMillis(created)
	def.UpdatedAt = fromMillis(updated)
	return &def, nil
}
