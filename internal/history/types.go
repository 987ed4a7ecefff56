package history

import (
	"errors"
	"time"

	"github.com/mattjoyce/conductor/internal/ephemeral"
	"github.com/mattjoyce/conductor/internal/protocol"
)

type Status string

const (
	StatusRunning     Status = "running"
	StatusOK          Status = "ok"
	StatusFailed      Status = "failed"
	StatusInterrupted Status = "interrupted"
)

type Kind string

const (
	KindEphemeral Kind = "ephemeral"
	KindParallel  Kind = "parallel"
	KindChainStep Kind = "chain_step"
)

// RunRecord is one row of ephemeral_run.
type RunRecord struct {
	ID        string               `json:"id"`
	Kind      Kind                 `json:"kind"`
	ChainID   string               `json:"chain_id,omitempty"`
	StepIndex *int                 `json:"step_index,omitempty"`
	Task      string               `json:"task"`
	Agent     string               `json:"agent,omitempty"`
	Status    Status               `json:"status"`
	Text      string               `json:"text,omitempty"`
	Error     string               `json:"error,omitempty"`
	ExitCode  int                  `json:"exit_code"`
	Usage     protocol.UsageTotals `json:"usage"`
	LogPath   string               `json:"log_path,omitempty"`
	Stderr    string               `json:"stderr,omitempty"`
	StartedAt time.Time            `json:"started_at"`
	Duration  time.Duration        `json:"duration"`
}

// RunFromResult converts a finished ephemeral run into a record.
func RunFromResult(kind Kind, res *ephemeral.Result, runErr error) RunRecord {
	rec := RunRecord{
		ID:        res.ID,
		Kind:      kind,
		Task:      res.Task,
		Agent:     res.Agent,
		Status:    StatusOK,
		Text:      res.Text,
		ExitCode:  res.ExitCode,
		Usage:     res.Usage,
		LogPath:   res.LogPath,
		Stderr:    res.Stderr,
		StartedAt: res.StartedAt,
		Duration:  res.Duration,
	}
	switch {
	case runErr == nil:
	case errors.Is(runErr, ephemeral.ErrInterrupted):
		rec.Status = StatusInterrupted
		rec.Error = runErr.Error()
	default:
		rec.Status = StatusFailed
		rec.Error = runErr.Error()
	}
	return rec
}

// ChainRecord is one row of chain_run.
type ChainRecord struct {
	ID          string     `json:"id"`
	Steps       int        `json:"steps"`
	Policy      string     `json:"policy"`
	Status      Status     `json:"status"`
	Output      string     `json:"output,omitempty"`
	Error       string     `json:"error,omitempty"`
	FailedStep  *int       `json:"failed_step,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// TransitionRecord is one row of worker_log.
type TransitionRecord struct {
	ID       int64     `json:"id"`
	Worker   string    `json:"worker"`
	Agent    string    `json:"agent,omitempty"`
	Pid      int       `json:"pid,omitempty"`
	From     string    `json:"from,omitempty"`
	To       string    `json:"to"`
	ExitCode *int      `json:"exit_code,omitempty"`
	At       time.Time `json:"at"`
}

// RunFilter narrows ListRuns.
type RunFilter struct {
	ChainID string
	Kind    Kind
	Limit   int
}
