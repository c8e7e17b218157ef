package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/fyrsmithlabs/wardend/internal/task"
)

// Result is what a worker proposes after performing a unit of work:
// the mutations it wants applied and an outcome payload. The worker is
// never trusted to self-enforce; the orchestrator gates every mutation.
type Result struct {
	Mutations []task.Mutation `json:"mutations"`
	Summary   string          `json:"summary"`
	Payload   string          `json:"payload,omitempty"`
}

// Executor is the external unit-of-work performer (an LLM call, a
// script, a remote service). Execute proposes work; Apply performs one
// approved mutation; Applied reports the independent log of what
// actually changed, which the audit layer compares against pre-flight
// approvals.
type Executor interface {
	Execute(ctx context.Context, t *task.Task, role *Role) (*Result, error)
	Apply(ctx context.Context, t *task.Task, m task.Mutation) error
	Applied(ctx context.Context, taskID string) ([]task.Mutation, error)
}

// HTTPExecutor speaks the worker contract over HTTP:
// POST {base}/execute, POST {base}/apply, GET {base}/applied/{taskID}.
type HTTPExecutor struct {
	baseURL string
	client  *http.Client
}

// NewHTTPExecutor creates an executor client against the given base URL.
func NewHTTPExecutor(baseURL string, timeout time.Duration) *HTTPExecutor {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTPExecutor{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

type executeRequest struct {
	Task *task.Task `json:"task"`
	Role *Role      `json:"role"`
}

type applyRequest struct {
	TaskID   string        `json:"task_id"`
	Mutation task.Mutation `json:"mutation"`
}

// Execute implements Executor.
func (e *HTTPExecutor) Execute(ctx context.Context, t *task.Task, role *Role) (*Result, error) {
	var result Result
	if err := e.do(ctx, http.MethodPost, "/execute", executeRequest{Task: t, Role: role}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Apply implements Executor.
func (e *HTTPExecutor) Apply(ctx context.Context, t *task.Task, m task.Mutation) error {
	return e.do(ctx, http.MethodPost, "/apply", applyRequest{TaskID: t.ID, Mutation: m}, nil)
}

// Applied implements Executor.
func (e *HTTPExecutor) Applied(ctx context.Context, taskID string) ([]task.Mutation, error) {
	var out struct {
		Mutations []task.Mutation `json:"mutations"`
	}
	if err := e.do(ctx, http.MethodGet, "/applied/"+taskID, nil, &out); err != nil {
		return nil, err
	}
	return out.Mutations, nil
}

func (e *HTTPExecutor) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, e.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("worker request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("worker returned status %d: %s", resp.StatusCode, string(b))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("invalid worker response: %w", err)
	}
	return nil
}
