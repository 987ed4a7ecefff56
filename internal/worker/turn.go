package worker

import (
	"context"
	"sync"

	"github.com/mattjoyce/conductor/internal/protocol"
)

// Turn is one dispatched prompt. It completes on agent_end, on a rejected
// prompt, or when the process exits.
type Turn struct {
	Task string

	done chan struct{}
	once sync.Once

	// guarded by the owning worker's mu until done is closed
	started bool
	output  string
	usage   protocol.UsageTotals
	err     error
}

func newTurn(task string) *Turn {
	return &Turn{Task: task, done: make(chan struct{})}
}

// Done is closed when the turn completes.
func (t *Turn) Done() <-chan struct{} { return t.done }

// Wait blocks until the turn completes and returns the last assistant text
// produced during it.
func (t *Turn) Wait(ctx context.Context) (string, error) {
	select {
	case <-t.done:
		return t.output, t.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Usage returns what the turn consumed. Valid after Done is closed.
func (t *Turn) Usage() protocol.UsageTotals {
	<-t.done
	return t.usage
}

// finish must be called with the worker lock held.
func (t *Turn) finish(err error) {
	t.once.Do(func() {
		t.err = err
		close(t.done)
	})
}
