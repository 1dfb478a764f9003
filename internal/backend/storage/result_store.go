package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"NetPulse/internal/backend/models"
)

type resultStore struct {
	db *sql.DB
}

func NewResultStore(db *sql.DB) ResultStore {
	return &resultStore{db: db}
}

func (s *resultStore) Append(ctx context.Context, r *models.CollectionResult) error {
	query := `
		INSERT INTO collection_results (
			id, task_id, batch_id, agent_id, device_id, metric_id, raw_value,
			processed_value, result_type, status, error_message, duration_ms, ts, received_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO NOTHING
	`

	var processed sql.NullFloat64
	if r.ProcessedValue != nil {
		processed = sql.NullFloat64{Float64: *r.ProcessedValue, Valid: true}
	}

	_, err := s.db.ExecContext(ctx, query,
		r.ID,
		r.TaskID,
		r.BatchID,
		r.AgentID,
		r.DeviceID,
		r.MetricID,
		r.RawValue,
		processed,
		r.ResultType,
		string(r.Status),
		r.ErrorMessage,
		r.DurationMs,
		toMillis(r.Timestamp),
		toMillis(r.ReceivedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to append result: %w", err)
	}
	return nil
}

const summaryColumns = `
	COUNT(*),
	COALESCE(SUM(CASE WHEN status = 'SUCCESS' THEN 1 ELSE 0 END), 0),
	CAST(COALESCE(AVG(duration_ms), 0) AS DOUBLE PRECISION),
	COALESCE(MIN(duration_ms), 0),
	COALESCE(MAX(duration_ms), 0),
	COALESCE(MAX(ts), 0)
`

func (s *resultStore) Summary(ctx context.Context, since time.Time) (*models.ResultSummary, error) {
	query := `SELECT ` + summaryColumns + ` FROM collection_results WHERE ts >= $1`

	sum, err := scanSummary(s.db.QueryRowContext(ctx, query, toMillis(since)))
	if err != nil {
		return nil, fmt.Errorf("failed to summarize results: %w", err)
	}
	sum.Since = since
	return sum, nil
}

func (s *resultStore) AgentSummary(ctx context.Context, agentID string) (*models.ResultSummary, error) {
	query := `SELECT ` + summaryColumns + ` FROM collection_results WHERE agent_id = $1`

	sum, err := scanSummary(s.db.QueryRowContext(ctx, query, agentID))
	if err != nil {
		return nil, fmt.Errorf("failed to summarize agent results: %w", err)
	}
	return sum, nil
}

func scanSummary(row *sql.Row) (*models.ResultSummary, error) {
	var (
		sum  models.ResultSummary
		last int64
	)
	if err := row.Scan(&sum.Total, &sum.Success, &sum.AvgDurationMs, &sum.MinDurationMs, &sum.MaxDurationMs, &last); err != nil {
		return nil, err
	}
	sum.Failed = sum.Total - sum.Success
	if last > 0 {
		t := fromMillis(last)
		sum.LastAt = &t
	}
	return &sum, nil
}

func (s *resultStore) ListByAgent(ctx context.Context, agentID string, limit int) ([]*models.CollectionResult, error) {
	return s.list(ctx, `agent_id = $1`, agentID, limit)
}

func (s *resultStore) ListByTask(ctx context.Context, taskID string, limit int) ([]*models.CollectionResult, error) {
	return s.list(ctx, `task_id = $1`, taskID, limit)
}

func (s *resultStore) list(ctx context.Context, where string, arg any, limit int) ([]*models.CollectionResult, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	query := `
		SELECT id, task_id, batch_id, agent_id, device_id, metric_id, raw_value,
			processed_value, result_type, status, error_message, duration_ms, ts, received_at
		FROM collection_results
		WHERE ` + where + `
		ORDER BY ts DESC, id
		LIMIT $2
	`

	rows, err := s.db.QueryContext(ctx, query, arg, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query results: %w", err)
	}
	defer rows.Close()

	out := []*models.CollectionResult{}
	for rows.Next() {
		var (
			r             models.CollectionResult
			status        string
			processed     sql.NullFloat64
			ts, receiveMs int64
		)
		if err := rows.Scan(
			&r.ID, &r.TaskID, &r.BatchID, &r.AgentID, &r.DeviceID, &r.MetricID, &r.RawValue,
			&processed, &r.ResultType, &status, &r.ErrorMessage, &r.DurationMs, &ts, &receiveMs,
		); err != nil {
			return nil, fmt.Errorf("failed to scan result: %w", err)
		}
		r.Status = models.ResultStatus(status)
		if processed.Valid {
			v := processed.Float64
			r.ProcessedValue = &v
		}
		r.Timestamp = fromMillis(ts)
		r.ReceivedAt = fromMillis(receiveMs)
		out = append(out, &r)
	}
	return out, rows.Err()
}

func (s *resultStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM collection_results WHERE ts < $1`, toMillis(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to delete old results: %w", err)
	}
	return res.RowsAffected()
}
