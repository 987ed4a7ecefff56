package events

import "github.com/mattjoyce/conductor/internal/protocol"

// Event types published by the orchestrator.
const (
	WorkerSpawned = "worker.spawned"
	WorkerBusy    = "worker.busy"
	WorkerIdle    = "worker.idle"
	WorkerDead    = "worker.dead"
	WorkerTool    = "worker.tool"

	RunStarted  = "run.started"
	RunTool     = "run.tool"
	RunFinished = "run.finished"

	ChainStarted  = "chain.started"
	ChainStep     = "chain.step"
	ChainFinished = "chain.finished"
)

// WorkerPayload accompanies worker.* events.
type WorkerPayload struct {
	Worker   string `json:"worker"`
	Agent    string `json:"agent,omitempty"`
	Pid      int    `json:"pid,omitempty"`
	From     string `json:"from,omitempty"`
	To       string `json:"to"`
	ExitCode *int   `json:"exit_code,omitempty"`
	Tool     string `json:"tool,omitempty"`
}

// RunPayload accompanies run.* events.
type RunPayload struct {
	RunID       string                `json:"run_id"`
	ChainID     string                `json:"chain_id,omitempty"`
	Task        string                `json:"task,omitempty"`
	Agent       string                `json:"agent,omitempty"`
	Tool        string                `json:"tool,omitempty"`
	Text        string                `json:"text,omitempty"`
	Error       string                `json:"error,omitempty"`
	Interrupted bool                  `json:"interrupted,omitempty"`
	DurationMS  int64                 `json:"duration_ms,omitempty"`
	Usage       *protocol.UsageTotals `json:"usage,omitempty"`
}

// ChainPayload accompanies chain.* events.
type ChainPayload struct {
	ChainID string `json:"chain_id"`
	Steps   int    `json:"steps,omitempty"`
	Index   int    `json:"index,omitempty"`
	Output  string `json:"output,omitempty"`
	Error   string `json:"error,omitempty"`
}
