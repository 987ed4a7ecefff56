// Package proctest provides an in-memory proc.Process for tests that need to
// script a worker's stdout and inspect what it was sent.
package proctest

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/mattjoyce/conductor/internal/proc"
	"github.com/mattjoyce/conductor/internal/protocol"
)

// Option configures a fake Process.
type Option func(*Process)

// IgnoreTerm makes the fake survive SIGTERM so only Kill ends it.
func IgnoreTerm() Option {
	return func(p *Process) { p.ignoreTerm = true }
}

// WithPid sets the reported pid.
func WithPid(pid int) Option {
	return func(p *Process) { p.pid = pid }
}

// Process is a scriptable fake child process.
type Process struct {
	pid        int
	ignoreTerm bool

	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter

	requests chan protocol.Request

	mu      sync.Mutex
	signals []os.Signal
	kills   int

	exitOnce sync.Once
	exited   chan struct{}
	code     int
}

// New returns a running fake.
func New(opts ...Option) *Process {
	p := &Process{
		pid:      4242,
		requests: make(chan protocol.Request, 64),
		exited:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.stdinR, p.stdinW = io.Pipe()
	p.stdoutR, p.stdoutW = io.Pipe()
	go p.readRequests()
	return p
}

func (p *Process) readRequests() {
	scanner := bufio.NewScanner(p.stdinR)
	scanner.Buffer(make([]byte, 0, 64*1024), protocol.MaxLineBytes)
	for scanner.Scan() {
		var req protocol.Request
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			continue
		}
		p.requests <- req
	}
}

func (p *Process) Pid() int              { return p.pid }
func (p *Process) Stdin() io.WriteCloser { return p.stdinW }
func (p *Process) Stdout() io.Reader     { return p.stdoutR }

// Signal records sig. SIGTERM ends the fake with 143 unless IgnoreTerm was set.
func (p *Process) Signal(sig os.Signal) error {
	if p.Exited() {
		return os.ErrProcessDone
	}
	p.mu.Lock()
	p.signals = append(p.signals, sig)
	p.mu.Unlock()

	switch sig {
	case syscall.SIGKILL:
		p.Exit(128 + int(syscall.SIGKILL))
	case syscall.SIGTERM:
		if !p.ignoreTerm {
			p.Exit(128 + int(syscall.SIGTERM))
		}
	}
	return nil
}

// Kill ends the fake with 137.
func (p *Process) Kill() error {
	if p.Exited() {
		return os.ErrProcessDone
	}
	p.mu.Lock()
	p.kills++
	p.mu.Unlock()
	p.Exit(128 + int(syscall.SIGKILL))
	return nil
}

func (p *Process) Wait() (int, error) {
	<-p.exited
	return p.code, nil
}

// Exit terminates the fake with code. Later calls are no-ops.
func (p *Process) Exit(code int) {
	p.exitOnce.Do(func() {
		p.code = code
		_ = p.stdoutW.Close()
		_ = p.stdinR.CloseWithError(io.ErrClosedPipe)
		close(p.exited)
	})
}

// Exited reports whether the fake has terminated.
func (p *Process) Exited() bool {
	select {
	case <-p.exited:
		return true
	default:
		return false
	}
}

// Done is closed when the fake terminates.
func (p *Process) Done() <-chan struct{} { return p.exited }

// Signals returns the signals delivered so far.
func (p *Process) Signals() []os.Signal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]os.Signal(nil), p.signals...)
}

// Kills returns how many times Kill was called.
func (p *Process) Kills() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.kills
}

// Emit writes one raw line to stdout.
func (p *Process) Emit(line string) error {
	_, err := io.WriteString(p.stdoutW, line+"\n")
	return err
}

// EmitJSON writes v as one stdout line.
func (p *Process) EmitJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return p.Emit(string(data))
}

// Respond writes a success response for id.
func (p *Process) Respond(id string, data any) error {
	resp := map[string]any{"type": "response", "id": id, "success": true}
	if data != nil {
		resp["data"] = data
	}
	return p.EmitJSON(resp)
}

// Fail writes an error response for id.
func (p *Process) Fail(id, message string) error {
	return p.EmitJSON(map[string]any{"type": "response", "id": id, "success": false, "error": message})
}

// Event writes a bare typed event line such as {"type":"agent_start"}.
func (p *Process) Event(kind protocol.EventKind, fields map[string]any) error {
	obj := map[string]any{"type": string(kind)}
	for k, v := range fields {
		obj[k] = v
	}
	return p.EmitJSON(obj)
}

// AssistantMessage writes a message_end event whose text is text.
func (p *Process) AssistantMessage(text string, usage *protocol.Usage) error {
	msg := map[string]any{
		"role":    "assistant",
		"content": []map[string]any{{"type": "text", "text": text}},
	}
	if usage != nil {
		msg["usage"] = usage
	}
	return p.Event(protocol.EventMessageEnd, map[string]any{"message": msg})
}

// Turn plays a full prompt turn: agent_start, one assistant message, agent_end.
func (p *Process) Turn(text string) error {
	if err := p.Event(protocol.EventAgentStart, nil); err != nil {
		return err
	}
	if err := p.AssistantMessage(text, nil); err != nil {
		return err
	}
	return p.Event(protocol.EventAgentEnd, nil)
}

// NextRequest returns the next request written to stdin or fails the test.
func (p *Process) NextRequest(t testing.TB) protocol.Request {
	t.Helper()
	select {
	case req := <-p.requests:
		return req
	case <-time.After(2 * time.Second):
		t.Fatal("no request written to fake process stdin")
		return protocol.Request{}
	}
}

// Requests exposes the stream of decoded stdin requests.
func (p *Process) Requests() <-chan protocol.Request { return p.requests }

// Launcher hands out fakes and records every Spec it was asked to launch.
type Launcher struct {
	mu    sync.Mutex
	specs []proc.Spec
	procs []*Process
	// New builds the next fake. Defaults to New().
	New func(spec proc.Spec) *Process
	// Err, when set, fails every launch.
	Err error
}

func (l *Launcher) Launch(ctx context.Context, spec proc.Spec) (proc.Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.specs = append(l.specs, spec)
	if l.Err != nil {
		return nil, fmt.Errorf("launch %s: %w", spec.Name, l.Err)
	}
	var p *Process
	if l.New != nil {
		p = l.New(spec)
	} else {
		p = New()
	}
	l.procs = append(l.procs, p)
	return p, nil
}

// Specs returns the launch specs seen so far.
func (l *Launcher) Specs() []proc.Spec {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]proc.Spec(nil), l.specs...)
}

// Processes returns the fakes launched so far.
func (l *Launcher) Processes() []*Process {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*Process(nil), l.procs...)
}

// Last returns the most recently launched fake, waiting briefly for one.
func (l *Launcher) Last(t testing.TB) *Process {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		l.mu.Lock()
		n := len(l.procs)
		var p *Process
		if n > 0 {
			p = l.procs[n-1]
		}
		l.mu.Unlock()
		if p != nil {
			return p
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("no process launched")
	return nil
}
