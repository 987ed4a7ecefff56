// Package proc launches child processes in their own process group and
// exposes the pipes and signals the orchestrator needs.
package proc

import (
	"context"
	"io"
	"os"
)

//go:generate mockgen -destination=mocks/mock_launcher.go -package=mocks github.com/mattjoyce/conductor/internal/proc Launcher

// Spec describes a child process to start.
type Spec struct {
	// Name labels the process in logs.
	Name    string
	Dir     string
	Command string
	Args    []string
	// Env is appended to the parent environment.
	Env []string
	// Stderr receives the child's stderr. Nil discards it.
	Stderr io.Writer
}

// Process is a running child.
type Process interface {
	Pid() int
	Stdin() io.WriteCloser
	Stdout() io.Reader
	// Signal delivers sig to the child's whole process group.
	Signal(sig os.Signal) error
	// Kill sends SIGKILL to the process group.
	Kill() error
	// Wait blocks until the child exits and returns its exit code.
	// A child killed by a signal reports 128+signal. Safe to call more than once.
	// Read Stdout to EOF before calling Wait.
	Wait() (int, error)
}

// Launcher starts processes.
type Launcher interface {
	Launch(ctx context.Context, spec Spec) (Process, error)
}

// LauncherFunc adapts a function to Launcher.
type LauncherFunc func(ctx context.Context, spec Spec) (Process, error)

func (f LauncherFunc) Launch(ctx context.Context, spec Spec) (Process, error) {
	return f(ctx, spec)
}
