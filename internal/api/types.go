package api

import (
	"encoding/json"

	"github.com/mattjoyce/conductor/internal/agents"
	"github.com/mattjoyce/conductor/internal/chain"
	"github.com/mattjoyce/conductor/internal/config"
	"github.com/mattjoyce/conductor/internal/history"
	"github.com/mattjoyce/conductor/internal/orchestrator"
)

// SpawnFields are the optional process parameters shared by request bodies.
type SpawnFields struct {
	Agent  string        `json:"agent,omitempty"`
	Dir    string        `json:"dir,omitempty"`
	Params agents.Params `json:"params,omitempty"`
}

func (f SpawnFields) options() orchestrator.SpawnOptions {
	return orchestrator.SpawnOptions{Agent: f.Agent, Dir: f.Dir, Params: f.Params}
}

// DispatchRequest is the body of POST /workers/{name}/dispatch.
type DispatchRequest struct {
	Task string `json:"task"`
	SpawnFields
}

// MessageRequest is the body of POST /workers/{name}/steer.
type MessageRequest struct {
	Message string `json:"message"`
}

// CallRequest is the body of POST /workers/{name}/call.
type CallRequest struct {
	Type       string `json:"type"`
	Message    string `json:"message,omitempty"`
	EndpointID string `json:"endpoint_id,omitempty"`
}

// CallResponse wraps the data a worker returned.
type CallResponse struct {
	Data json.RawMessage `json:"data,omitempty"`
}

// RunRequest is the body of POST /runs.
type RunRequest struct {
	Task string `json:"task"`
	SpawnFields
}

// ParallelRequest is the body of POST /runs/parallel.
type ParallelRequest struct {
	Tasks []string `json:"tasks"`
	// Limit 0 uses ephemeral.max_concurrency.
	Limit int `json:"limit,omitempty"`
	SpawnFields
}

// ChainRequest is the body of POST /runs/chain.
type ChainRequest struct {
	Steps      []chain.Step         `json:"steps"`
	OnFailure  config.FailurePolicy `json:"on_failure,omitempty"`
	MaxRetries int                  `json:"max_retries,omitempty"`
}

// RunResponse carries a run result, which may be partial when Error is set.
type RunResponse struct {
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// ChainResponse is returned by GET /chains/{id}.
type ChainResponse struct {
	Chain *history.ChainRecord `json:"chain"`
	Steps []history.RunRecord  `json:"steps"`
}

// ErrorResponse is returned on errors.
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Workers       int    `json:"workers"`
	Busy          int    `json:"busy"`
	Dead          int    `json:"dead"`
}
