package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"NetPulse/internal/shared/collectors"
	shared "NetPulse/internal/shared/models"
)

// TaskHandler runs one collection task through the matching collector.
type TaskHandler struct {
	collectors *collectors.Set
	timeout    time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

func NewTaskHandler(set *collectors.Set, timeout time.Duration, logger *slog.Logger) *TaskHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &TaskHandler{
		collectors: set,
		timeout:    timeout,
		logger:     logger,
		now:        time.Now,
	}
}

// ExecuteTask never fails: collection errors become a FAILED report.
func (t *TaskHandler) ExecuteTask(ctx context.Context, task *shared.Task) shared.ResultReport {
	report := shared.ResultReport{
		TaskID:   task.ID,
		BatchID:  task.BatchID,
		DeviceID: task.DeviceID,
		MetricID: task.MetricID,
	}

	start := t.now()
	m, err := t.collect(ctx, task)
	elapsed := t.now().Sub(start)

	report.Timestamp = t.now().UTC()
	report.ExecutionTime = elapsed.Milliseconds()
	if err != nil {
		t.logger.Debug("collection failed", "task_id", task.ID, "protocol", task.Protocol, "target", task.Target, "error", err)
		report.Status = "FAILED"
		report.ResultType = "error"
		report.ErrorMessage = err.Error()
		return report
	}

	if m.Duration > 0 {
		report.ExecutionTime = m.Duration.Milliseconds()
	}
	report.Status = "SUCCESS"
	report.ResultValue = m.RawValue
	report.ProcessedValue = m.Value
	report.ResultType = m.ResultType
	if report.ResultValue == "" && m.Value != nil {
		report.ResultValue = strconv.FormatFloat(*m.Value, 'f', -1, 64)
	}
	return report
}

func (t *TaskHandler) collect(ctx context.Context, task *shared.Task) (*collectors.Measurement, error) {
	if task.ID == "" {
		return nil, fmt.Errorf("task ID is empty")
	}
	if task.Target == "" {
		return nil, fmt.Errorf("task target is empty")
	}

	c, err := t.collectors.ForProtocol(task.Protocol)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	return c.Collect(ctx, collectors.DeviceSpec{
		DeviceID:   task.DeviceID,
		MetricID:   task.MetricID,
		Protocol:   task.Protocol,
		Target:     task.Target,
		MetricType: task.MetricType,
		Params:     task.Params,
	})
}
