package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/mattjoyce/conductor/internal/protocol"
)

// DefaultTimeout applies when Send is called with a non-positive timeout.
const DefaultTimeout = 300 * time.Second

type outcome struct {
	data json.RawMessage
	err  error
}

type pendingRequest struct {
	command protocol.CommandType
	timer   *time.Timer
	done    chan outcome // buffered(1); written by whoever deletes the entry
}

// Correlator owns the pending-request map and request-id counter of one worker.
type Correlator struct {
	wmu sync.Mutex
	w   io.Writer

	mu      sync.Mutex
	nextID  uint64
	pending map[string]*pendingRequest
	closed  error
}

// NewCorrelator writes framed requests to w.
func NewCorrelator(w io.Writer) *Correlator {
	return &Correlator{
		w:       w,
		pending: make(map[string]*pendingRequest),
	}
}

// Send writes cmd with a fresh id and blocks until its outcome: the response
// data, a *RemoteError, a *TimeoutError, an *ExitError, or ctx.Err().
func (c *Correlator) Send(ctx context.Context, cmd protocol.Command, timeout time.Duration) (json.RawMessage, error) {
	if err := cmd.Validate(); err != nil {
		return nil, fmt.Errorf("invalid command: %w", err)
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	c.mu.Lock()
	if c.closed != nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %w", ErrNotWritable, c.closed)
	}
	c.nextID++
	id := strconv.FormatUint(c.nextID, 10)
	// Registered and timed before the write so a fast response always finds
	// its entry and a stalled write still expires.
	p := &pendingRequest{command: cmd.Type, done: make(chan outcome, 1)}
	c.pending[id] = p
	p.timer = time.AfterFunc(timeout, func() {
		c.expire(id, timeout)
	})
	c.mu.Unlock()

	// A child that stops reading stdin blocks the write; the call must still
	// end on its timeout or ctx.
	written := make(chan error, 1)
	go func() {
		c.wmu.Lock()
		defer c.wmu.Unlock()
		written <- protocol.EncodeRequest(c.w, protocol.Request{ID: id, Command: cmd})
	}()

	for {
		select {
		case err := <-written:
			written = nil
			if err == nil {
				continue
			}
			if c.remove(id) {
				return nil, fmt.Errorf("%w: %w", ErrNotWritable, err)
			}
			out := <-p.done
			return out.data, out.err
		case out := <-p.done:
			return out.data, out.err
		case <-ctx.Done():
			if c.remove(id) {
				return nil, ctx.Err()
			}
			// Lost the race to another path; its outcome is already buffered.
			out := <-p.done
			return out.data, out.err
		}
	}
}

// Resolve delivers a response to its pending call. It reports false when no
// call with that id is pending (late, duplicate or unknown).
func (c *Correlator) Resolve(resp protocol.Response) bool {
	c.mu.Lock()
	p, ok := c.pending[resp.ID]
	if ok {
		delete(c.pending, resp.ID)
		if p.timer != nil {
			p.timer.Stop()
		}
	}
	c.mu.Unlock()
	if !ok {
		return false
	}

	if resp.Success {
		p.done <- outcome{data: resp.Data}
		return true
	}
	msg := resp.Error
	if msg == "" {
		msg = DefaultErrorMessage
	}
	p.done <- outcome{err: &RemoteError{Command: p.command, Message: msg}}
	return true
}

// Close rejects every pending call with err and refuses new ones.
// It returns the number of calls rejected. Only the first Close has effect.
func (c *Correlator) Close(err error) int {
	c.mu.Lock()
	if c.closed != nil {
		c.mu.Unlock()
		return 0
	}
	c.closed = err
	drained := c.pending
	c.pending = make(map[string]*pendingRequest)
	c.mu.Unlock()

	for _, p := range drained {
		if p.timer != nil {
			p.timer.Stop()
		}
		p.done <- outcome{err: err}
	}
	return len(drained)
}

// Pending returns the number of outstanding calls.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Correlator) expire(id string, elapsed time.Duration) {
	c.mu.Lock()
	p, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if ok {
		p.done <- outcome{err: &TimeoutError{Elapsed: elapsed, Command: p.command}}
	}
}

// remove drops an entry without delivering an outcome.
func (c *Correlator) remove(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[id]
	if !ok {
		return false
	}
	delete(c.pending, id)
	if p.timer != nil {
		p.timer.Stop()
	}
	return true
}
