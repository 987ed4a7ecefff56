package orchestrator

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mattjoyce/conductor/internal/agents"
	"github.com/mattjoyce/conductor/internal/chain"
	"github.com/mattjoyce/conductor/internal/config"
	"github.com/mattjoyce/conductor/internal/ephemeral"
	"github.com/mattjoyce/conductor/internal/events"
	"github.com/mattjoyce/conductor/internal/history"
	"github.com/mattjoyce/conductor/internal/proc"
	"github.com/mattjoyce/conductor/internal/protocol"
)

var (
	// ErrUnknownAgent is returned when an agent name is not in the catalog.
	ErrUnknownAgent = errors.New("unknown agent")
	// ErrUnknownWorker is returned for operations on a name with no worker.
	ErrUnknownWorker = errors.New("unknown worker")
)

// AgentResolver looks up agent definitions by name.
type AgentResolver interface {
	Get(name string) (agents.Definition, bool)
}

// Recorder persists run history. *history.Store implements it.
type Recorder interface {
	RecordRun(ctx context.Context, rec history.RunRecord) error
	StartChain(ctx context.Context, rec history.ChainRecord) error
	FinishChain(ctx context.Context, id string, status history.Status, output, errText string, failedStep *int) error
	RecordTransition(ctx context.Context, rec history.TransitionRecord) error
}

// Options wires an Orchestrator. Only Config is required.
type Options struct {
	Config   *config.Config
	Launcher proc.Launcher
	Agents   AgentResolver
	Hub      *events.Hub
	History  Recorder
	Logger   *slog.Logger
}

// SpawnOptions parameterize a worker or ephemeral process.
type SpawnOptions struct {
	Agent  string        `json:"agent,omitempty"`
	Dir    string        `json:"dir,omitempty"`
	Params agents.Params `json:"params"`
}

// DispatchResult is the outcome of EnsureAndDispatch.
type DispatchResult struct {
	Worker  string               `json:"worker"`
	Spawned bool                 `json:"spawned"`
	Output  string               `json:"output"`
	Usage   protocol.UsageTotals `json:"usage"`
}

// ParallelResult is one entry of RunParallel, in input order.
type ParallelResult struct {
	Index  int               `json:"index"`
	Task   string            `json:"task"`
	Result *ephemeral.Result `json:"result,omitempty"`
	Err    error             `json:"-"`
	Error  string            `json:"error,omitempty"`
}

// ChainResult is the outcome of RunChain, complete or partial.
type ChainResult struct {
	ID string `json:"id"`
	*chain.Result
	Runs []*ephemeral.Result `json:"runs"`
}
