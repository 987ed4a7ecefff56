// Package orchestrator owns the worker registry and is the single entry
// point for dispatching to workers and running ephemeral tasks, parallel
// batches and chains.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/mattjoyce/conductor/internal/agents"
	"github.com/mattjoyce/conductor/internal/config"
	"github.com/mattjoyce/conductor/internal/ephemeral"
	"github.com/mattjoyce/conductor/internal/events"
	"github.com/mattjoyce/conductor/internal/history"
	"github.com/mattjoyce/conductor/internal/proc"
	"github.com/mattjoyce/conductor/internal/protocol"
	"github.com/mattjoyce/conductor/internal/worker"
)

// shutdownRPCTimeout bounds the polite shutdown request before Kill.
const shutdownRPCTimeout = 2 * time.Second

// Orchestrator holds one registry of named workers. Instances are independent.
type Orchestrator struct {
	cfg      *config.Config
	launcher proc.Launcher
	agents   AgentResolver
	hub      *events.Hub
	history  Recorder
	logger   *slog.Logger
	runner   *ephemeral.Runner

	mu      sync.Mutex
	workers map[string]*worker.Worker
}

// New builds an Orchestrator from opts.
func New(opts Options) (*Orchestrator, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if opts.Launcher == nil {
		opts.Launcher = proc.ExecLauncher{}
	}
	if opts.Agents == nil {
		opts.Agents = agents.Empty()
	}
	if opts.Hub == nil {
		opts.Hub = events.NewHub(256)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	logger := opts.Logger.With("component", "orchestrator")

	return &Orchestrator{
		cfg:      opts.Config,
		launcher: opts.Launcher,
		agents:   opts.Agents,
		hub:      opts.Hub,
		history:  opts.History,
		logger:   logger,
		runner: ephemeral.NewRunner(ephemeral.Config{
			Command:   opts.Config.Ephemeral.Command,
			Args:      opts.Config.Ephemeral.Args,
			KillGrace: opts.Config.Ephemeral.KillGrace,
			Launcher:  opts.Launcher,
			Logger:    opts.Logger.With("component", "ephemeral"),
		}),
		workers: make(map[string]*worker.Worker),
	}, nil
}

// Hub returns the event hub the orchestrator publishes to.
func (o *Orchestrator) Hub() *events.Hub { return o.hub }

// resolve merges the named agent's params with explicit overrides.
func (o *Orchestrator) resolve(opts SpawnOptions) (agents.Params, error) {
	if opts.Agent == "" {
		return opts.Params, nil
	}
	def, ok := o.agents.Get(opts.Agent)
	if !ok {
		return agents.Params{}, fmt.Errorf("%w: %q", ErrUnknownAgent, opts.Agent)
	}
	return def.Params().Merge(opts.Params), nil
}

// ensure returns the live worker registered under name, spawning a fresh one
// when the name is absent or its worker is dead. Spawn options only apply to
// a fresh worker.
func (o *Orchestrator) ensure(ctx context.Context, name string, opts SpawnOptions) (*worker.Worker, bool, error) {
	if strings.TrimSpace(name) == "" {
		return nil, false, fmt.Errorf("worker name is required")
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	// Re-checked under the lock right before spawning.
	if w, ok := o.workers[name]; ok && w.State() != worker.StateDead {
		return w, false, nil
	}

	params, err := o.resolve(opts)
	if err != nil {
		return nil, false, err
	}
	w, err := worker.Spawn(ctx, worker.Options{
		Name:         name,
		Dir:          opts.Dir,
		Command:      o.cfg.Worker.Command,
		Args:         o.cfg.Worker.Args,
		Agent:        opts.Agent,
		Params:       params,
		RPCTimeout:   o.cfg.Worker.RPCTimeout,
		KillGrace:    o.cfg.Worker.KillGrace,
		LogDir:       o.cfg.Worker.LogDir,
		Launcher:     o.launcher,
		Logger:       o.logger.With("component", "worker"),
		OnTransition: o.onTransition(opts.Agent),
		OnEvent:      o.onWorkerEvent,
	})
	if err != nil {
		return nil, false, err
	}
	o.workers[name] = w
	return w, true, nil
}

// EnsureAndDispatch sends task to the worker called name, spawning it if
// needed, and waits for the turn to finish. A busy worker is handled by the
// configured busy policy: reject returns worker.ErrBusy, wait blocks until
// the worker is idle or ctx ends.
func (o *Orchestrator) EnsureAndDispatch(ctx context.Context, name, task string, opts SpawnOptions) (*DispatchResult, error) {
	spawnedAny := false
	for {
		w, spawned, err := o.ensure(ctx, name, opts)
		if err != nil {
			return nil, err
		}
		spawnedAny = spawnedAny || spawned

		turn, err := w.Dispatch(ctx, task)
		switch {
		case err == nil:
			out, err := turn.Wait(ctx)
			if err != nil {
				return nil, fmt.Errorf("worker %s: %w", name, err)
			}
			return &DispatchResult{Worker: name, Spawned: spawnedAny, Output: out, Usage: turn.Usage()}, nil

		case errors.Is(err, worker.ErrDead):
			// Died between lookup and dispatch; the next ensure replaces it.
			continue

		case errors.Is(err, worker.ErrRetiring):
			select {
			case <-w.Exited():
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}

		case errors.Is(err, worker.ErrBusy) && o.cfg.Worker.BusyPolicy == config.BusyWait:
			if err := w.WaitIdle(ctx); err != nil && !errors.Is(err, worker.ErrDead) {
				return nil, err
			}
			continue

		default:
			return nil, err
		}
	}
}

func (o *Orchestrator) lookup(name string) (*worker.Worker, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	w, ok := o.workers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownWorker, name)
	}
	return w, nil
}

// Call issues an auxiliary command to a live worker.
func (o *Orchestrator) Call(ctx context.Context, name string, cmd protocol.Command) ([]byte, error) {
	w, err := o.lookup(name)
	if err != nil {
		return nil, err
	}
	return w.Call(ctx, cmd)
}

// Steer injects a message into the worker's current turn.
func (o *Orchestrator) Steer(ctx context.Context, name, message string) error {
	_, err := o.Call(ctx, name, protocol.Steer(message))
	return err
}

// Abort asks the worker to stop its current turn.
func (o *Orchestrator) Abort(ctx context.Context, name string) error {
	_, err := o.Call(ctx, name, protocol.Abort())
	return err
}

// Kill terminates the named worker. Killing a dead worker is a no-op.
func (o *Orchestrator) Kill(name string) error {
	w, err := o.lookup(name)
	if err != nil {
		return err
	}
	return w.Kill()
}

// Shutdown asks the worker to exit with a shutdown RPC, then kills it if it
// is still running after the kill grace period.
func (o *Orchestrator) Shutdown(ctx context.Context, name string) error {
	w, err := o.lookup(name)
	if err != nil {
		return err
	}
	if w.State() == worker.StateDead {
		return nil
	}
	if _, err := w.CallTimeout(ctx, protocol.Shutdown(), shutdownRPCTimeout); err != nil {
		o.logger.Debug("shutdown request not acknowledged", "worker", name, "error", err)
	}

	grace := time.NewTimer(o.cfg.Worker.KillGrace)
	defer grace.Stop()
	select {
	case <-w.Exited():
		return nil
	case <-grace.C:
	case <-ctx.Done():
	}
	return w.Kill()
}

// List returns a snapshot of every registered worker sorted by name.
// Dead workers stay listed until their name is dispatched to again.
func (o *Orchestrator) List() []worker.Info {
	o.mu.Lock()
	ws := make([]*worker.Worker, 0, len(o.workers))
	for _, w := range o.workers {
		ws = append(ws, w)
	}
	o.mu.Unlock()

	out := make([]worker.Info, 0, len(ws))
	for _, w := range ws {
		out = append(out, w.Info())
	}
	slices.SortFunc(out, func(a, b worker.Info) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// Get returns one worker's snapshot.
func (o *Orchestrator) Get(name string) (worker.Info, error) {
	w, err := o.lookup(name)
	if err != nil {
		return worker.Info{}, err
	}
	return w.Info(), nil
}

// Close kills every live worker.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	ws := make([]*worker.Worker, 0, len(o.workers))
	for _, w := range o.workers {
		ws = append(ws, w)
	}
	o.mu.Unlock()

	var wg sync.WaitGroup
	errs := make([]error, len(ws))
	for i, w := range ws {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = w.Kill()
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}

// ReapIdle kills workers idle for longer than worker.idle_timeout, checking
// every interval until ctx ends. It returns immediately when the timeout is 0.
func (o *Orchestrator) ReapIdle(ctx context.Context, interval time.Duration) {
	timeout := o.cfg.Worker.IdleTimeout
	if timeout <= 0 {
		return
	}
	if interval <= 0 {
		interval = min(timeout/2, 30*time.Second)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, info := range o.List() {
				if info.State == worker.StateIdle {
					o.reap(ctx, info.Name, timeout)
				}
			}
		}
	}
}

// reap shuts the named worker down if it is still idle past timeout. The
// worker itself decides, so a prompt dispatched since the List snapshot
// keeps it alive.
func (o *Orchestrator) reap(ctx context.Context, name string, timeout time.Duration) bool {
	w, err := o.lookup(name)
	if err != nil || !w.Retire(timeout) {
		return false
	}
	o.logger.Info("reaping idle worker", "worker", name, "idle_for", time.Since(w.Info().LastActive).Round(time.Second))
	if err := o.Shutdown(ctx, name); err != nil {
		o.logger.Warn("failed to reap idle worker", "worker", name, "error", err)
	}
	return true
}

func (o *Orchestrator) onTransition(agent string) func(worker.Transition) {
	return func(tr worker.Transition) {
		var typ string
		switch tr.To {
		case worker.StateStarting:
			typ = events.WorkerSpawned
		case worker.StateBusy:
			typ = events.WorkerBusy
		case worker.StateIdle:
			typ = events.WorkerIdle
		case worker.StateDead:
			typ = events.WorkerDead
		default:
			return
		}
		payload := events.WorkerPayload{Worker: tr.Worker, Agent: agent, From: string(tr.From), To: string(tr.To)}
		if tr.To == worker.StateDead {
			code := tr.ExitCode
			payload.ExitCode = &code
		}
		o.hub.Publish(typ, payload)

		if o.history == nil {
			return
		}
		rec := history.TransitionRecord{
			Worker:   tr.Worker,
			Agent:    agent,
			From:     string(tr.From),
			To:       string(tr.To),
			ExitCode: payload.ExitCode,
			At:       tr.At,
		}
		if err := o.history.RecordTransition(context.Background(), rec); err != nil {
			o.logger.Warn("failed to record worker transition", "worker", tr.Worker, "error", err)
		}
	}
}

func (o *Orchestrator) onWorkerEvent(name string, ev protocol.Event) {
	if ev.Kind != protocol.EventToolExecutionStart {
		return
	}
	if te, ok := ev.ToolExecution(); ok {
		o.hub.Publish(events.WorkerTool, events.WorkerPayload{Worker: name, To: string(worker.StateBusy), Tool: te.ToolName})
	}
}
