// Command stub-agent stands in for a real agent so conductor can be run
// end to end without a model. With --mode rpc it answers line-delimited
// commands on stdin; with --mode json it runs the task given as its last
// argument, prints the event stream and exits.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/conductor/internal/protocol"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

type options struct {
	mode   string
	model  string
	tools  []string
	prompt string
	delay  time.Duration
	fail   bool
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("stub-agent", flag.ContinueOnError)
	fs.SetOutput(stderr)
	mode := fs.String("mode", "json", "rpc or json")
	model := fs.String("model", "stub", "Model name echoed in replies")
	tools := fs.String("tools", "", "Comma-separated tools; the first is reported as used")
	promptFile := fs.String("append-system-prompt", "", "System prompt file")
	delay := fs.Duration("delay", 0, "Time each turn takes")
	fail := fs.Bool("fail", false, "End every turn with an error")
	fs.Bool("p", false, "Print mode (accepted for compatibility)")
	fs.Bool("no-session", false, "Accepted for compatibility")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	opts := options{mode: *mode, model: *model, delay: *delay, fail: *fail}
	for _, t := range strings.Split(*tools, ",") {
		if t = strings.TrimSpace(t); t != "" {
			opts.tools = append(opts.tools, t)
		}
	}
	if *promptFile != "" {
		data, err := os.ReadFile(*promptFile)
		if err != nil {
			fmt.Fprintf(stderr, "read system prompt: %v\n", err)
			return 2
		}
		opts.prompt = strings.TrimSpace(string(data))
	}

	out := &emitter{w: stdout}
	switch opts.mode {
	case "json":
		task := strings.TrimSpace(strings.Join(fs.Args(), " "))
		if task == "" {
			fmt.Fprintln(stderr, "no task given")
			return 2
		}
		if !runTurn(context.Background(), out, opts, task, nil) {
			fmt.Fprintln(stderr, "stub failure")
			return 1
		}
		return 0
	case "rpc":
		a := &agent{opts: opts, out: out}
		if err := a.serve(stdin); err != nil {
			fmt.Fprintf(stderr, "read commands: %v\n", err)
			return 1
		}
		return 0
	default:
		fmt.Fprintf(stderr, "unknown mode %q\n", opts.mode)
		return 2
	}
}

// emitter writes one JSON value per line. Turns and responses share it.
type emitter struct {
	mu sync.Mutex
	w  io.Writer
}

func (e *emitter) line(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	_, _ = e.w.Write(append(data, '\n'))
}

type response struct {
	Type    string               `json:"type"`
	ID      string               `json:"id"`
	Command protocol.CommandType `json:"command"`
	Success bool                 `json:"success"`
	Data    any                  `json:"data,omitempty"`
	Error   string               `json:"error,omitempty"`
}

type kindOnly struct {
	Type protocol.EventKind `json:"type"`
}

type toolEvent struct {
	Type protocol.EventKind `json:"type"`
	protocol.ToolExecution
}

type messageEvent struct {
	Type    protocol.EventKind        `json:"type"`
	Message protocol.AssistantMessage `json:"message"`
}

// runTurn emits one complete turn for message. It reports false when the
// turn ended in error or was cancelled.
func runTurn(ctx context.Context, out *emitter, opts options, message string, steered func() []string) bool {
	out.line(kindOnly{Type: protocol.EventAgentStart})
	defer out.line(kindOnly{Type: protocol.EventAgentEnd})

	if len(opts.tools) > 0 {
		te := protocol.ToolExecution{ToolCallID: uuid.NewString(), ToolName: opts.tools[0], Args: json.RawMessage(`{}`)}
		out.line(toolEvent{Type: protocol.EventToolExecutionStart, ToolExecution: te})
		out.line(toolEvent{Type: protocol.EventToolExecutionEnd, ToolExecution: te})
	}

	timer := time.NewTimer(opts.delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		out.line(messageEvent{Type: protocol.EventMessageEnd, Message: protocol.AssistantMessage{
			Role: "assistant", StopReason: "aborted",
		}})
		return false
	case <-timer.C:
	}

	msg := protocol.AssistantMessage{Role: "assistant", StopReason: "stop"}
	if opts.fail {
		msg.StopReason = "error"
		msg.ErrorMessage = "stub failure"
	} else {
		text := reply(opts, message, steered)
		msg.Content = []protocol.ContentPart{{Type: "text", Text: text}}
		msg.Usage = &protocol.Usage{Input: int64(len(message)), Output: int64(len(text))}
	}
	out.line(messageEvent{Type: protocol.EventMessageEnd, Message: msg})
	return !opts.fail
}

func reply(opts options, message string, steered func() []string) string {
	text := fmt.Sprintf("[%s] %s", opts.model, message)
	if steered != nil {
		if extra := steered(); len(extra) > 0 {
			text += " (steered: " + strings.Join(extra, "; ") + ")"
		}
	}
	return text
}

// agent serves rpc mode. At most one turn runs at a time.
type agent struct {
	opts options
	out  *emitter

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	steers []string
	turns  int
}

func (a *agent) serve(r io.Reader) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), protocol.MaxLineBytes)
	for sc.Scan() {
		var req protocol.Request
		if err := json.Unmarshal(sc.Bytes(), &req); err != nil || req.ID == "" {
			continue
		}
		if a.handle(req) {
			return nil
		}
	}
	// stdin closed: abandon any turn in flight.
	a.abort()
	a.wait()
	return sc.Err()
}

// handle answers one request and reports whether the agent should exit.
func (a *agent) handle(req protocol.Request) bool {
	resp := response{Type: "response", ID: req.ID, Command: req.Type, Success: true}
	switch req.Type {
	case protocol.CommandStatus:
		a.mu.Lock()
		resp.Data = map[string]any{"model": a.opts.model, "turns": a.turns, "busy": a.done != nil}
		a.mu.Unlock()
	case protocol.CommandPrompt:
		if err := a.startTurn(req.Message); err != nil {
			resp.Success, resp.Error = false, err.Error()
		}
	case protocol.CommandSteer:
		a.mu.Lock()
		a.steers = append(a.steers, req.Message)
		a.mu.Unlock()
	case protocol.CommandAbort:
		a.abort()
	case protocol.CommandShutdown:
		a.wait()
		a.out.line(resp)
		return true
	case protocol.CommandPeers:
		resp.Data = map[string]any{"peers": []string{}}
	case protocol.CommandConnect, protocol.CommandSend, protocol.CommandBroadcast:
	default:
		resp.Success, resp.Error = false, fmt.Sprintf("unknown command %q", req.Type)
	}
	a.out.line(resp)
	return false
}

func (a *agent) startTurn(message string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.done != nil {
		return fmt.Errorf("agent is busy")
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	a.cancel, a.done = cancel, done

	go func() {
		defer close(done)
		runTurn(ctx, a.out, a.opts, message, a.takeSteers)
		cancel()
		a.mu.Lock()
		a.turns++
		a.cancel, a.done = nil, nil
		a.mu.Unlock()
	}()
	return nil
}

func (a *agent) takeSteers() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := a.steers
	a.steers = nil
	return s
}

func (a *agent) abort() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel != nil {
		a.cancel()
	}
}

func (a *agent) wait() {
	a.mu.Lock()
	done := a.done
	a.mu.Unlock()
	if done != nil {
		<-done
	}
}
