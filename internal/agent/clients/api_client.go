// Package clients talks to the coordinator's agent protocol.
package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	shared "NetPulse/internal/shared/models"
)

const collectorPath = "/api/v1/collector"

type APIClient struct {
	baseURL string
	http    *http.Client

	mu          sync.RWMutex
	token       string
	collectorID string
}

func NewAPIClient(baseURL string, timeout time.Duration) *APIClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &APIClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

func (a *APIClient) CollectorID() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.collectorID
}

// Registered reports whether the client holds a token.
func (a *APIClient) Registered() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.token != ""
}

// Forget drops the token so the next call has to register again. The
// collector id is kept so the coordinator can match the agent up.
func (a *APIClient) Forget() {
	a.mu.Lock()
	a.token = ""
	a.mu.Unlock()
}

func (a *APIClient) Register(ctx context.Context, req *shared.RegisterRequest) (*shared.RegisterResponse, error) {
	if req.CollectorID == "" {
		req.CollectorID = a.CollectorID()
	}

	var res shared.RegisterResponse
	if err := a.do(ctx, http.MethodPost, "/register", nil, req, &res, false); err != nil {
		return nil, err
	}

	a.mu.Lock()
	a.token = res.Token
	a.collectorID = res.CollectorID
	a.mu.Unlock()
	return &res, nil
}

func (a *APIClient) Heartbeat(ctx context.Context, req *shared.HeartbeatRequest) (*shared.HeartbeatResponse, error) {
	req.CollectorID = a.CollectorID()
	var res shared.HeartbeatResponse
	if err := a.do(ctx, http.MethodPost, "/heartbeat", nil, req, &res, true); err != nil {
		return nil, err
	}
	return &res, nil
}

// PendingBatches lists SUBMITTED and RUNNING batches assigned to this agent.
func (a *APIClient) PendingBatches(ctx context.Context, limit int) ([]shared.Batch, error) {
	q := url.Values{}
	q.Set("collectorId", a.CollectorID())
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}

	var batches []shared.Batch
	if err := a.do(ctx, http.MethodGet, "/batches", q, nil, &batches, true); err != nil {
		return nil, err
	}
	return batches, nil
}

func (a *APIClient) BatchTasks(ctx context.Context, batchID string) ([]shared.Task, error) {
	var tasks []shared.Task
	if err := a.do(ctx, http.MethodGet, "/batches/"+url.PathEscape(batchID)+"/tasks", nil, nil, &tasks, true); err != nil {
		return nil, err
	}
	return tasks, nil
}

func (a *APIClient) UpdateBatchStatus(ctx context.Context, batchID string, update *shared.StatusUpdate) error {
	return a.do(ctx, http.MethodPut, "/batches/"+url.PathEscape(batchID)+"/status", nil, update, nil, true)
}

func (a *APIClient) UpdateTaskStatus(ctx context.Context, taskID string, update *shared.StatusUpdate) error {
	return a.do(ctx, http.MethodPut, "/tasks/"+url.PathEscape(taskID)+"/status", nil, update, nil, true)
}

func (a *APIClient) SubmitResults(ctx context.Context, reports []shared.ResultReport) ([]shared.ResultAck, error) {
	var acks []shared.ResultAck
	if err := a.do(ctx, http.MethodPost, "/results", nil, reports, &acks, true); err != nil {
		return nil, err
	}
	return acks, nil
}

func (a *APIClient) SubmitLogs(ctx context.Context, entries []shared.LogEntry) error {
	return a.do(ctx, http.MethodPost, "/logs", nil, entries, nil, true)
}

// do sends body as JSON and decodes the envelope's data into out.
func (a *APIClient) do(ctx context.Context, method, path string, query url.Values, body, out any, auth bool) error {
	var token string
	if auth {
		a.mu.RLock()
		token = a.token
		a.mu.RUnlock()
		if token == "" {
			return ErrNotRegistered
		}
	}

	endpoint := a.baseURL + collectorPath + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrBackendDown, method, path, err)
	}
	defer resp.Body.Close()

	var env shared.Envelope[json.RawMessage]
	if err := json.NewDecoder(io.LimitReader(resp.Body, 8<<20)).Decode(&env); err != nil && !errors.Is(err, io.EOF) {
		if resp.StatusCode >= 300 {
			return &APIError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		}
		return fmt.Errorf("failed to decode response: %w", err)
	}

	if resp.StatusCode >= 300 || (!env.Success && env.Error != "") {
		return &APIError{StatusCode: resp.StatusCode, Code: env.Error, Message: env.Message}
	}

	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("failed to decode %s data: %w", path, err)
		}
	}
	return nil
}
