package worker

import (
	"errors"
	"log/slog"
	"time"

	"github.com/mattjoyce/conductor/internal/agents"
	"github.com/mattjoyce/conductor/internal/proc"
	"github.com/mattjoyce/conductor/internal/protocol"
)

// State is a worker lifecycle state.
type State string

const (
	StateStarting State = "starting"
	StateIdle     State = "idle"
	StateBusy     State = "busy"
	StateDead     State = "dead"
)

var (
	// ErrBusy is returned when a prompt is dispatched to a busy worker.
	ErrBusy = errors.New("worker is busy")
	// ErrNotIdle is returned when a prompt is dispatched before the worker is ready.
	ErrNotIdle = errors.New("worker is not idle")
	// ErrDead is returned for any operation on a dead worker.
	ErrDead = errors.New("worker is dead")
	// ErrRetiring is returned when a prompt reaches a worker being reaped.
	ErrRetiring = errors.New("worker is shutting down")
)

const (
	DefaultRPCTimeout = 300 * time.Second
	DefaultKillGrace  = 3 * time.Second
)

// Options configures Spawn.
type Options struct {
	Name    string
	Dir     string
	Command string
	Args    []string
	// Agent is the catalog name the params came from, for display only.
	Agent  string
	Params agents.Params

	RPCTimeout time.Duration
	KillGrace  time.Duration
	// LogDir receives <name>-<timestamp>.log with stderr and events. Empty disables it.
	LogDir string

	Launcher proc.Launcher
	Logger   *slog.Logger

	// OnTransition is called after every state change, outside the worker lock.
	OnTransition func(Transition)
	// OnEvent is called for every event line, after state is updated.
	OnEvent func(name string, ev protocol.Event)
}

// Transition describes one state change.
type Transition struct {
	Worker   string    `json:"worker"`
	From     State     `json:"from"`
	To       State     `json:"to"`
	At       time.Time `json:"at"`
	ExitCode int       `json:"exit_code,omitempty"`
}

// Info is a point-in-time snapshot of a worker.
type Info struct {
	Name       string               `json:"name"`
	Agent      string               `json:"agent,omitempty"`
	State      State                `json:"state"`
	Pid        int                  `json:"pid"`
	Dir        string               `json:"dir,omitempty"`
	SpawnedAt  time.Time            `json:"spawned_at"`
	LastActive time.Time            `json:"last_active"`
	LastOutput string               `json:"last_output,omitempty"`
	Usage      protocol.UsageTotals `json:"usage"`
	Pending    int                  `json:"pending"`
	ExitCode   *int                 `json:"exit_code,omitempty"`
	LogPath    string               `json:"log_path,omitempty"`
}
