package http

import (
	"github.com/fyrsmithlabs/deepresearch/internal/gateway"
	"github.com/fyrsmithlabs/deepresearch/internal/workflow"
)

// RunRequest is the request body for POST /api/v1/runs and
// POST /api/v1/runs/stream.
type RunRequest struct {
	Query    string            `json:"query"`
	Scope    string            `json:"scope,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// RunResponse is the response body for POST /api/v1/runs. LogError is set
// when the run finished but its log could not be written.
type RunResponse struct {
	*workflow.RunResult
	LogError string `json:"log_error,omitempty"`
}

// ToolsResponse is the response body for GET /api/v1/tools.
type ToolsResponse struct {
	Tools []gateway.ToolDescriptor `json:"tools"`
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// StreamError is the data of an SSE "error" event.
type StreamError struct {
	RunID string `json:"run_id"`
	Error string `json:"error"`
}
