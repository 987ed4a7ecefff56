package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/mattjoyce/conductor/internal/proc"
	"github.com/mattjoyce/conductor/internal/protocol"
	"github.com/mattjoyce/conductor/internal/rpc"
)

// Worker is one live agent process and its RPC session.
type Worker struct {
	name    string
	opts    Options
	logger  *slog.Logger
	proc    proc.Process
	rpc     *rpc.Correlator
	log     *logSink
	cleanup func()

	exited   chan struct{}
	killOnce sync.Once
	killErr  error

	mu         sync.Mutex
	state      State
	changed    chan struct{} // closed and replaced on every transition
	turn       *Turn
	lastOutput string
	usage      protocol.UsageTotals
	spawnedAt  time.Time
	lastActive time.Time
	exitCode   *int
	retiring   bool
}

// Spawn starts the worker process and returns it in the idle state.
func Spawn(ctx context.Context, opts Options) (*Worker, error) {
	if strings.TrimSpace(opts.Name) == "" {
		return nil, fmt.Errorf("worker name is required")
	}
	if opts.Command == "" {
		return nil, fmt.Errorf("worker command is required")
	}
	if opts.RPCTimeout <= 0 {
		opts.RPCTimeout = DefaultRPCTimeout
	}
	if opts.KillGrace <= 0 {
		opts.KillGrace = DefaultKillGrace
	}
	if opts.Launcher == nil {
		opts.Launcher = proc.ExecLauncher{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	logger := opts.Logger.With("worker", opts.Name)

	paramArgs, cleanup, err := opts.Params.Args("")
	if err != nil {
		return nil, fmt.Errorf("prepare worker %s: %w", opts.Name, err)
	}
	sink, err := openLog(opts.LogDir, opts.Name)
	if err != nil {
		cleanup()
		return nil, err
	}

	args := append(append([]string(nil), opts.Args...), paramArgs...)
	spec := proc.Spec{Name: opts.Name, Dir: opts.Dir, Command: opts.Command, Args: args}
	if opts.LogDir != "" {
		spec.Stderr = sink
	}
	p, err := opts.Launcher.Launch(ctx, spec)
	if err != nil {
		cleanup()
		_ = sink.Close()
		return nil, fmt.Errorf("spawn worker %s: %w", opts.Name, err)
	}

	now := time.Now()
	w := &Worker{
		name:       opts.Name,
		opts:       opts,
		logger:     logger,
		proc:       p,
		rpc:        rpc.NewCorrelator(p.Stdin()),
		log:        sink,
		cleanup:    cleanup,
		exited:     make(chan struct{}),
		state:      StateStarting,
		changed:    make(chan struct{}),
		spawnedAt:  now,
		lastActive: now,
	}
	logger.Info("worker spawned", "pid", p.Pid(), "command", opts.Command, "agent", opts.Agent)
	w.notify(Transition{Worker: w.name, To: StateStarting, At: now})

	// Readiness is the open stdin pipe; there is no handshake.
	w.mu.Lock()
	tr := w.transitionLocked(StateIdle)
	w.mu.Unlock()
	w.notify(tr)

	go w.run()
	return w, nil
}

// Name returns the registry name.
func (w *Worker) Name() string { return w.name }

// State returns the current lifecycle state.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Exited is closed once the worker is dead.
func (w *Worker) Exited() <-chan struct{} { return w.exited }

// LastOutput returns the most recent non-empty assistant text.
func (w *Worker) LastOutput() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastOutput
}

// Info returns a snapshot for status listings.
func (w *Worker) Info() Info {
	w.mu.Lock()
	defer w.mu.Unlock()
	info := Info{
		Name:       w.name,
		Agent:      w.opts.Agent,
		State:      w.state,
		Pid:        w.proc.Pid(),
		Dir:        w.opts.Dir,
		SpawnedAt:  w.spawnedAt,
		LastActive: w.lastActive,
		LastOutput: w.lastOutput,
		Usage:      w.usage,
		Pending:    w.rpc.Pending(),
		LogPath:    w.log.path,
	}
	if w.exitCode != nil {
		code := *w.exitCode
		info.ExitCode = &code
	}
	return info
}

// Dispatch sends task as a prompt. It is accepted only from idle and moves
// the worker to busy. The returned Turn completes on agent_end.
func (w *Worker) Dispatch(ctx context.Context, task string) (*Turn, error) {
	if strings.TrimSpace(task) == "" {
		return nil, fmt.Errorf("task is empty")
	}

	w.mu.Lock()
	switch {
	case w.state == StateDead:
		w.mu.Unlock()
		return nil, ErrDead
	case w.retiring:
		w.mu.Unlock()
		return nil, ErrRetiring
	case w.state == StateBusy:
		w.mu.Unlock()
		return nil, ErrBusy
	case w.state == StateStarting:
		w.mu.Unlock()
		return nil, ErrNotIdle
	}
	turn := newTurn(task)
	w.turn = turn
	tr := w.transitionLocked(StateBusy)
	w.mu.Unlock()
	w.notify(tr)

	if _, err := w.rpc.Send(ctx, protocol.Prompt(task), w.opts.RPCTimeout); err != nil {
		w.abandon(turn, err)
		return nil, fmt.Errorf("dispatch to %s: %w", w.name, err)
	}
	return turn, nil
}

// rejected reports whether err proves the agent is not working on the prompt:
// it answered with an error, or the prompt was never written.
func rejected(err error) bool {
	var remote *rpc.RemoteError
	return errors.As(err, &remote) || errors.Is(err, rpc.ErrNotWritable)
}

// Retire reports whether the worker has been idle for at least idleFor and,
// if so, stops it accepting prompts. The check and the mark happen under one
// lock, so a prompt either lands first and keeps the worker or is refused.
func (w *Worker) Retire(idleFor time.Duration) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.retiring {
		return true
	}
	if w.state != StateIdle || time.Since(w.lastActive) < idleFor {
		return false
	}
	w.retiring = true
	return true
}

// Prompt dispatches task and waits for the turn to finish.
func (w *Worker) Prompt(ctx context.Context, task string) (string, error) {
	turn, err := w.Dispatch(ctx, task)
	if err != nil {
		return "", err
	}
	return turn.Wait(ctx)
}

// abandon drops a turn whose prompt was not acknowledged. The worker returns
// to idle only when the prompt was rejected and agent_start was not seen.
// After a timeout or cancellation the prompt may still be running, so the
// worker stays busy until agent_end or exit.
func (w *Worker) abandon(turn *Turn, err error) {
	w.mu.Lock()
	var tr *Transition
	if w.turn == turn {
		w.turn = nil
		if rejected(err) && !turn.started && w.state == StateBusy {
			t := w.transitionLocked(StateIdle)
			tr = &t
		}
	}
	turn.finish(err)
	w.mu.Unlock()
	if tr != nil {
		w.notify(*tr)
	}
}

// WaitIdle blocks until the worker is idle. It returns ErrDead if the worker
// dies first.
func (w *Worker) WaitIdle(ctx context.Context) error {
	for {
		w.mu.Lock()
		state, changed := w.state, w.changed
		w.mu.Unlock()
		switch state {
		case StateIdle:
			return nil
		case StateDead:
			return ErrDead
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Call sends an auxiliary command. Prompts must go through Dispatch so the
// busy guard applies.
func (w *Worker) Call(ctx context.Context, cmd protocol.Command) (json.RawMessage, error) {
	if cmd.Type == protocol.CommandPrompt {
		return nil, fmt.Errorf("use Dispatch for %s commands", cmd.Type)
	}
	if w.State() == StateDead {
		return nil, ErrDead
	}
	return w.rpc.Send(ctx, cmd, w.opts.RPCTimeout)
}

// CallTimeout is Call with an explicit RPC timeout.
func (w *Worker) CallTimeout(ctx context.Context, cmd protocol.Command, timeout time.Duration) (json.RawMessage, error) {
	if cmd.Type == protocol.CommandPrompt {
		return nil, fmt.Errorf("use Dispatch for %s commands", cmd.Type)
	}
	if w.State() == StateDead {
		return nil, ErrDead
	}
	return w.rpc.Send(ctx, cmd, timeout)
}

// Kill terminates the process group: SIGTERM, then one SIGKILL if the worker
// is still alive after the kill grace period. Killing a dead worker is a no-op.
func (w *Worker) Kill() error {
	select {
	case <-w.exited:
		return nil
	default:
	}
	w.killOnce.Do(func() { w.killErr = w.terminate() })
	return w.killErr
}

func (w *Worker) terminate() error {
	grace := w.opts.KillGrace
	w.logger.Info("killing worker", "grace", grace)
	if err := w.proc.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		w.logger.Warn("failed to send SIGTERM", "error", err)
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-w.exited:
		return nil
	case <-timer.C:
	}

	w.logger.Warn("worker did not exit after SIGTERM, sending SIGKILL")
	if err := w.proc.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill worker %s: %w", w.name, err)
	}

	timer.Reset(grace)
	select {
	case <-w.exited:
		return nil
	case <-timer.C:
		return fmt.Errorf("worker %s did not exit after SIGKILL", w.name)
	}
}

// run owns the stdout stream for the life of the process.
func (w *Worker) run() {
	dec := protocol.NewDecoder(w.proc.Stdout())
	for msg := range dec.Messages() {
		switch m := msg.(type) {
		case protocol.Response:
			if !w.rpc.Resolve(m) {
				w.logger.Debug("dropping response with no pending request", "id", m.ID)
			}
		case protocol.Event:
			w.log.event(m)
			w.applyEvent(m)
		case protocol.Unparseable:
			w.log.raw(m.Line)
			w.logger.Debug("dropping unparseable line", "reason", m.Reason)
		}
	}
	if err := dec.Err(); err != nil && !errors.Is(err, io.ErrClosedPipe) {
		w.logger.Warn("worker stdout read failed", "error", err)
	}

	code, err := w.proc.Wait()
	if err != nil {
		w.logger.Warn("wait for worker failed", "error", err)
	}
	w.onExit(code)
}

func (w *Worker) applyEvent(ev protocol.Event) {
	var trs []Transition

	w.mu.Lock()
	w.lastActive = time.Now()
	switch ev.Kind {
	case protocol.EventAgentStart:
		if w.turn != nil {
			w.turn.started = true
		}
		if w.state == StateIdle {
			trs = append(trs, w.transitionLocked(StateBusy))
		}
	case protocol.EventMessageEnd:
		if msg, ok := ev.AssistantMessage(); ok {
			if text := msg.Text(); text != "" {
				w.lastOutput = text
				if w.turn != nil {
					w.turn.output = text
				}
			}
			w.usage.Add(msg.Usage)
			if w.turn != nil {
				w.turn.usage.Add(msg.Usage)
			}
		}
	case protocol.EventAgentEnd:
		if w.turn != nil {
			w.turn.finish(nil)
			w.turn = nil
		}
		if w.state == StateBusy {
			trs = append(trs, w.transitionLocked(StateIdle))
		}
	}
	w.mu.Unlock()

	for _, tr := range trs {
		w.notify(tr)
	}
	if w.opts.OnEvent != nil {
		w.opts.OnEvent(w.name, ev)
	}
}

func (w *Worker) onExit(code int) {
	exitErr := &rpc.ExitError{Code: code}
	rejected := w.rpc.Close(exitErr)
	// Releases any write still blocked on a child that stopped reading.
	_ = w.proc.Stdin().Close()

	w.mu.Lock()
	from := w.state
	w.exitCode = &code
	if w.turn != nil {
		w.turn.finish(exitErr)
		w.turn = nil
	}
	tr := w.transitionLocked(StateDead)
	tr.ExitCode = code
	w.mu.Unlock()

	if err := w.log.Close(); err != nil {
		w.logger.Warn("failed to close worker log", "error", err)
	}
	w.cleanup()
	close(w.exited)

	w.logger.Info("worker exited", "exit_code", code, "from", from, "rejected_requests", rejected)
	w.notify(tr)
}

// transitionLocked must be called with w.mu held.
func (w *Worker) transitionLocked(to State) Transition {
	tr := Transition{Worker: w.name, From: w.state, To: to, At: time.Now()}
	w.state = to
	close(w.changed)
	w.changed = make(chan struct{})
	return tr
}

func (w *Worker) notify(tr Transition) {
	w.logger.Debug("worker state changed", "from", tr.From, "to", tr.To)
	if w.opts.OnTransition != nil {
		w.opts.OnTransition(tr)
	}
}
