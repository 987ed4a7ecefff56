package ephemeral

import (
	"errors"
	"fmt"
	"time"

	"github.com/mattjoyce/conductor/internal/agents"
	"github.com/mattjoyce/conductor/internal/protocol"
)

// ErrInterrupted is returned when the run's context ends before the process exits.
var ErrInterrupted = errors.New("run interrupted")

// maxStderrBytes caps the amount of stderr captured from a run.
const maxStderrBytes = 64 * 1024

// Options are the per-run settings.
type Options struct {
	// ID overrides the generated run id.
	ID  string
	Dir string
	// Agent is the catalog name the params came from, for display only.
	Agent  string
	Params agents.Params
	// LogPath receives every event line and stderr.
	LogPath string
	// LogDir, when LogPath is empty, receives <run id>.log.
	LogDir     string
	OnProgress func(Progress)
}

// Progress is reported for tool activity and completed assistant messages.
type Progress struct {
	RunID   string               `json:"run_id"`
	Kind    protocol.EventKind   `json:"kind"`
	Tool    string               `json:"tool,omitempty"`
	IsError bool                 `json:"is_error,omitempty"`
	Text    string               `json:"text,omitempty"`
	Usage   protocol.UsageTotals `json:"usage"`
}

// Result is what a run produced, complete or partial.
type Result struct {
	ID          string               `json:"id"`
	Task        string               `json:"task"`
	Agent       string               `json:"agent,omitempty"`
	Text        string               `json:"text"`
	Usage       protocol.UsageTotals `json:"usage"`
	StartedAt   time.Time            `json:"started_at"`
	Duration    time.Duration        `json:"duration"`
	LogPath     string               `json:"log_path,omitempty"`
	ExitCode    int                  `json:"exit_code"`
	StopReason  string               `json:"stop_reason,omitempty"`
	Stderr      string               `json:"stderr,omitempty"`
	Interrupted bool                 `json:"interrupted"`
}

// ExitError reports a run whose process exited non-zero.
type ExitError struct {
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("agent exited with code %d: %s", e.Code, e.Stderr)
	}
	return fmt.Sprintf("agent exited with code %d", e.Code)
}

// AgentError reports a run whose final assistant message ended in error.
type AgentError struct {
	Message string
}

func (e *AgentError) Error() string {
	return "agent reported error: " + e.Message
}
