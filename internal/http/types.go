// internal/http/types.go
package http

import (
	"github.com/fyrsmithlabs/wardend/internal/report"
	"github.com/fyrsmithlabs/wardend/internal/worker"
)

// SubmitTaskRequest is the request body for POST /api/v1/tasks.
type SubmitTaskRequest struct {
	Domain      string         `json:"domain"`
	Description string         `json:"description"`
	ParentID    string         `json:"parent_id,omitempty"`
	ScopeHints  []string       `json:"scope_hints,omitempty"`
	Inputs      map[string]int `json:"inputs,omitempty"`
}

// SubmitTaskResponse is the response body for POST /api/v1/tasks.
type SubmitTaskResponse struct {
	TaskID string `json:"task_id"`
}

// TaskStatusResponse is the response body for GET /api/v1/tasks/:id
// while the task is still running. Sealed tasks return the completion
// record instead.
type TaskStatusResponse struct {
	TaskID  string `json:"task_id"`
	State   string `json:"state"`
	Running bool   `json:"running"`
}

// SubmitBatchRequest is the request body for POST /api/v1/batches.
// Sibling tasks run under the declared ordering constraint; domain and
// description label the parent node of the task tree.
type SubmitBatchRequest struct {
	Ordering    string              `json:"ordering"`
	Domain      string              `json:"domain,omitempty"`
	Description string              `json:"description,omitempty"`
	Tasks       []SubmitTaskRequest `json:"tasks"`
}

// SubmitBatchResponse is the response body for POST /api/v1/batches.
// The parent record seals after every sibling record has.
type SubmitBatchResponse struct {
	Parent  *report.CompletionRecord   `json:"parent"`
	Records []*report.CompletionRecord `json:"records"`
}

// SignalRequest is the request body for POST /api/v1/signals.
type SignalRequest struct {
	Description string   `json:"description"`
	Roles       []string `json:"roles"`
	Domain      string   `json:"domain,omitempty"`
	Pattern     string   `json:"pattern,omitempty"`
	Occurrences int      `json:"occurrences,omitempty"`
	Impact      string   `json:"impact,omitempty"`
	DataLoss    bool     `json:"data_loss,omitempty"`
}

// SignalResponse is the response body for POST /api/v1/signals.
type SignalResponse struct {
	SignalID string         `json:"signal_id"`
	Severity int            `json:"severity"`
	Deltas   []worker.Delta `json:"deltas"`
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}
