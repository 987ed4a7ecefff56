package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/conductor/internal/agents"
	"github.com/mattjoyce/conductor/internal/proc"
	"github.com/mattjoyce/conductor/internal/proc/proctest"
	"github.com/mattjoyce/conductor/internal/protocol"
	"github.com/mattjoyce/conductor/internal/rpc"
)

type recorder struct {
	mu  sync.Mutex
	trs []Transition
}

func (r *recorder) add(tr Transition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trs = append(r.trs, tr)
}

func (r *recorder) states() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]State, 0, len(r.trs))
	for _, tr := range r.trs {
		out = append(out, tr.To)
	}
	return out
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fixedLauncher(p proc.Process, specs *[]proc.Spec) proc.Launcher {
	return proc.LauncherFunc(func(_ context.Context, spec proc.Spec) (proc.Process, error) {
		if specs != nil {
			*specs = append(*specs, spec)
		}
		return p, nil
	})
}

func spawnFake(t *testing.T, mutate func(*Options), fakeOpts ...proctest.Option) (*Worker, *proctest.Process, *recorder) {
	t.Helper()
	fake := proctest.New(fakeOpts...)
	rec := &recorder{}
	opts := Options{
		Name:         "a",
		Command:      "agent",
		Launcher:     fixedLauncher(fake, nil),
		RPCTimeout:   time.Second,
		KillGrace:    50 * time.Millisecond,
		Logger:       discardLogger(),
		OnTransition: rec.add,
	}
	if mutate != nil {
		mutate(&opts)
	}
	w, err := Spawn(context.Background(), opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		fake.Exit(0)
		<-w.Exited()
	})
	return w, fake, rec
}

// dispatch drives Dispatch against the fake and acknowledges the prompt.
func dispatch(t *testing.T, w *Worker, fake *proctest.Process, task string) *Turn {
	t.Helper()
	type result struct {
		turn *Turn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		turn, err := w.Dispatch(context.Background(), task)
		ch <- result{turn, err}
	}()

	req := fake.NextRequest(t)
	require.Equal(t, protocol.CommandPrompt, req.Type)
	require.Equal(t, task, req.Message)
	assert.Equal(t, StateBusy, w.State(), "busy immediately after dispatch")
	require.NoError(t, fake.Respond(req.ID, map[string]bool{"ack": true}))

	r := <-ch
	require.NoError(t, r.err)
	return r.turn
}

func TestSpawnEntersIdle(t *testing.T) {
	w, _, rec := spawnFake(t, nil)
	assert.Equal(t, StateIdle, w.State())
	assert.Equal(t, []State{StateStarting, StateIdle}, rec.states())

	info := w.Info()
	assert.Equal(t, "a", info.Name)
	assert.Equal(t, 4242, info.Pid)
	assert.Nil(t, info.ExitCode)
}

func TestDispatchLifecycle(t *testing.T) {
	w, fake, rec := spawnFake(t, nil)

	turn := dispatch(t, w, fake, "ping")
	assert.Equal(t, StateBusy, w.State())

	require.NoError(t, fake.Turn("pong"))
	out, err := turn.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "pong", out)

	assert.Equal(t, StateIdle, w.State())
	require.Eventually(t, func() bool { return len(rec.states()) == 4 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []State{StateStarting, StateIdle, StateBusy, StateIdle}, rec.states())
	assert.Equal(t, "pong", w.LastOutput())
}

func TestCallResolvesWithData(t *testing.T) {
	w, fake, _ := spawnFake(t, nil)

	go func() {
		req := fake.NextRequest(t)
		_ = fake.Respond(req.ID, map[string]bool{"ack": true})
	}()
	data, err := w.Call(context.Background(), protocol.Status())
	require.NoError(t, err)
	assert.JSONEq(t, `{"ack":true}`, string(data))
}

func TestCallRejectsPrompt(t *testing.T) {
	w, _, _ := spawnFake(t, nil)
	_, err := w.Call(context.Background(), protocol.Prompt("x"))
	require.Error(t, err)
}

func TestDispatchGuards(t *testing.T) {
	w, fake, _ := spawnFake(t, nil)

	_, err := w.Dispatch(context.Background(), "  ")
	require.Error(t, err)

	dispatch(t, w, fake, "first")
	_, err = w.Dispatch(context.Background(), "second")
	require.ErrorIs(t, err, ErrBusy)
}

func TestRemoteErrorReturnsToIdle(t *testing.T) {
	w, fake, rec := spawnFake(t, nil)

	errCh := make(chan error, 1)
	go func() {
		_, err := w.Dispatch(context.Background(), "bad")
		errCh <- err
	}()
	req := fake.NextRequest(t)
	require.NoError(t, fake.Fail(req.ID, "no model configured"))

	err := <-errCh
	var remote *rpc.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "no model configured", remote.Message)
	assert.Equal(t, StateIdle, w.State())
	assert.Equal(t, []State{StateStarting, StateIdle, StateBusy, StateIdle}, rec.states())
}

func TestPromptTimeoutStaysBusy(t *testing.T) {
	w, fake, rec := spawnFake(t, func(o *Options) { o.RPCTimeout = 50 * time.Millisecond })

	start := time.Now()
	_, err := w.Dispatch(context.Background(), "slow")
	require.ErrorIs(t, err, rpc.ErrTimeout)
	assert.Less(t, time.Since(start), time.Second)
	assert.Contains(t, err.Error(), "prompt")

	// The agent may still be running the prompt.
	assert.Equal(t, StateBusy, w.State())
	_, err = w.Dispatch(context.Background(), "next")
	require.ErrorIs(t, err, ErrBusy)

	// A response for the expired id changes nothing.
	req := fake.NextRequest(t)
	require.NoError(t, fake.Respond(req.ID, nil))
	assert.Equal(t, 0, w.Info().Pending)

	require.NoError(t, fake.Turn("late"))
	require.Eventually(t, func() bool { return w.State() == StateIdle }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []State{StateStarting, StateIdle, StateBusy, StateIdle}, rec.states())
	assert.Equal(t, "late", w.LastOutput())
}

func TestCancelledPromptBlocksNextDispatch(t *testing.T) {
	w, fake, _ := spawnFake(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := w.Dispatch(ctx, "first")
		errCh <- err
	}()
	first := fake.NextRequest(t)
	assert.Equal(t, "first", first.Message)
	cancel()
	require.ErrorIs(t, <-errCh, context.Canceled)

	assert.Equal(t, StateBusy, w.State())
	_, err := w.Dispatch(context.Background(), "second")
	require.ErrorIs(t, err, ErrBusy)
	select {
	case req := <-fake.Requests():
		t.Fatalf("unexpected request %s while the first prompt runs", req.Type)
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, fake.Respond(first.ID, nil))
	require.NoError(t, fake.Turn("first done"))
	require.Eventually(t, func() bool { return w.State() == StateIdle }, time.Second, 5*time.Millisecond)

	turn := dispatch(t, w, fake, "second")
	require.NoError(t, fake.Turn("second done"))
	out, err := turn.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "second done", out)
}

func TestRetireOnlyIdleWorkers(t *testing.T) {
	w, fake, _ := spawnFake(t, nil)
	assert.False(t, w.Retire(time.Hour), "recently active")

	turn := dispatch(t, w, fake, "work")
	assert.False(t, w.Retire(0), "busy")

	require.NoError(t, fake.Turn("done"))
	_, err := turn.Wait(context.Background())
	require.NoError(t, err)

	require.True(t, w.Retire(0))
	assert.True(t, w.Retire(time.Hour), "already retiring")
	_, err = w.Dispatch(context.Background(), "too late")
	require.ErrorIs(t, err, ErrRetiring)
	assert.Equal(t, StateIdle, w.State())
	select {
	case req := <-fake.Requests():
		t.Fatalf("unexpected request %s to a retiring worker", req.Type)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestKillMidTask(t *testing.T) {
	w, fake, rec := spawnFake(t, nil)
	turn := dispatch(t, w, fake, "long job")
	require.NoError(t, fake.Event(protocol.EventAgentStart, nil))

	callErr := make(chan error, 1)
	go func() {
		_, err := w.Call(context.Background(), protocol.Status())
		callErr <- err
	}()
	fake.NextRequest(t)
	require.Eventually(t, func() bool { return w.Info().Pending == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, w.Kill())

	err := <-callErr
	require.ErrorIs(t, err, rpc.ErrProcessExited)
	assert.Contains(t, err.Error(), "143")

	_, err = turn.Wait(context.Background())
	require.ErrorIs(t, err, rpc.ErrProcessExited)

	assert.Equal(t, StateDead, w.State())
	assert.Equal(t, 0, w.Info().Pending)
	require.NotNil(t, w.Info().ExitCode)
	assert.Equal(t, 143, *w.Info().ExitCode)
	require.Eventually(t, func() bool {
		states := rec.states()
		return states[len(states)-1] == StateDead
	}, time.Second, 5*time.Millisecond)

	_, err = w.Dispatch(context.Background(), "again")
	require.ErrorIs(t, err, ErrDead)
	_, err = w.Call(context.Background(), protocol.Status())
	require.ErrorIs(t, err, ErrDead)
}

func TestKillEscalatesExactlyOnce(t *testing.T) {
	w, fake, _ := spawnFake(t, nil, proctest.IgnoreTerm())

	start := time.Now()
	require.NoError(t, w.Kill())
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	assert.Equal(t, []os.Signal{syscall.SIGTERM}, fake.Signals())
	assert.Equal(t, 1, fake.Kills())
	assert.Equal(t, StateDead, w.State())

	require.NoError(t, w.Kill(), "killing a dead worker is a no-op")
	assert.Equal(t, 1, fake.Kills())
}

func TestConcurrentKillSignalsOnce(t *testing.T) {
	w, fake, _ := spawnFake(t, nil, proctest.IgnoreTerm())

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, w.Kill())
		}()
	}
	wg.Wait()
	assert.Len(t, fake.Signals(), 1)
	assert.Equal(t, 1, fake.Kills())
}

func TestExitCascade(t *testing.T) {
	logDir := t.TempDir()
	var specs []proc.Spec
	fake := proctest.New()
	rec := &recorder{}
	w, err := Spawn(context.Background(), Options{
		Name:         "cascade",
		Command:      "agent",
		Params:       agents.Params{Model: "m", SystemPrompt: "be brief"},
		LogDir:       logDir,
		Launcher:     fixedLauncher(fake, &specs),
		Logger:       discardLogger(),
		OnTransition: rec.add,
	})
	require.NoError(t, err)

	require.Len(t, specs, 1)
	args := specs[0].Args
	require.Contains(t, args, "--append-system-prompt")
	promptPath := args[len(args)-1]
	_, err = os.Stat(promptPath)
	require.NoError(t, err, "prompt file exists while the worker runs")
	assert.Equal(t, []string{"--model", "m"}, args[:2])

	errs := make(chan error, 3)
	for range 3 {
		go func() {
			_, err := w.Call(context.Background(), protocol.Status())
			errs <- err
		}()
		fake.NextRequest(t)
	}
	require.NoError(t, fake.Event(protocol.EventAgentStart, nil))
	require.NoError(t, fake.Emit("not json at all"))

	fake.Exit(2)
	for range 3 {
		err := <-errs
		var exit *rpc.ExitError
		require.ErrorAs(t, err, &exit)
		assert.Equal(t, 2, exit.Code)
	}
	<-w.Exited()

	assert.Equal(t, 0, w.Info().Pending)
	assert.False(t, w.log.isOpen(), "log handle closed on exit")
	_, err = os.Stat(promptPath)
	assert.True(t, os.IsNotExist(err), "prompt file removed on exit")

	data, err := os.ReadFile(w.Info().LogPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "[agent_start]")
	assert.Contains(t, string(data), "[unparseable] not json at all")
}

func TestUsageAndUnknownEvents(t *testing.T) {
	var seen []protocol.EventKind
	var mu sync.Mutex
	w, fake, _ := spawnFake(t, func(o *Options) {
		o.OnEvent = func(_ string, ev protocol.Event) {
			mu.Lock()
			seen = append(seen, ev.Kind)
			mu.Unlock()
		}
	})

	turn := dispatch(t, w, fake, "count tokens")
	usage := &protocol.Usage{Input: 10, Output: 5}
	usage.Cost.Total = 0.25
	require.NoError(t, fake.Event(protocol.EventAgentStart, nil))
	require.NoError(t, fake.Event("compaction_start", map[string]any{"reason": "overflow"}))
	require.NoError(t, fake.AssistantMessage("done", usage))
	require.NoError(t, fake.Event(protocol.EventAgentEnd, nil))

	out, err := turn.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "done", out)
	assert.Equal(t, int64(10), turn.Usage().Input)

	totals := w.Info().Usage
	assert.Equal(t, 1, totals.Turns)
	assert.Equal(t, int64(5), totals.Output)
	assert.InDelta(t, 0.25, totals.Cost, 1e-9)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, seen, protocol.EventKind("compaction_start"))
}

func TestTurnOutputIsPerTurn(t *testing.T) {
	w, fake, _ := spawnFake(t, nil)

	first := dispatch(t, w, fake, "one")
	require.NoError(t, fake.Turn("first answer"))
	out, err := first.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, "first answer", out)
	require.Eventually(t, func() bool { return w.State() == StateIdle }, time.Second, 5*time.Millisecond)

	second := dispatch(t, w, fake, "two")
	require.NoError(t, fake.Event(protocol.EventAgentStart, nil))
	require.NoError(t, fake.Event(protocol.EventAgentEnd, nil))
	out, err = second.Wait(context.Background())
	require.NoError(t, err)
	assert.Empty(t, out, "a silent turn does not inherit the previous answer")
	assert.Equal(t, "first answer", w.LastOutput())
}

func TestWaitIdle(t *testing.T) {
	w, fake, _ := spawnFake(t, nil)
	require.NoError(t, w.WaitIdle(context.Background()))

	dispatch(t, w, fake, "work")
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, w.WaitIdle(ctx), context.DeadlineExceeded)

	done := make(chan error, 1)
	go func() { done <- w.WaitIdle(context.Background()) }()
	require.NoError(t, fake.Event(protocol.EventAgentEnd, nil))
	require.NoError(t, <-done)

	fake.Exit(0)
	<-w.Exited()
	require.ErrorIs(t, w.WaitIdle(context.Background()), ErrDead)
}

func TestSpawnErrors(t *testing.T) {
	_, err := Spawn(context.Background(), Options{Command: "agent"})
	require.Error(t, err)

	_, err = Spawn(context.Background(), Options{Name: "x"})
	require.Error(t, err)

	var specs []proc.Spec
	failing := proc.LauncherFunc(func(_ context.Context, spec proc.Spec) (proc.Process, error) {
		specs = append(specs, spec)
		return nil, errors.New("exec format error")
	})
	_, err = Spawn(context.Background(), Options{
		Name:     "x",
		Command:  "agent",
		Params:   agents.Params{SystemPrompt: "temp"},
		Launcher: failing,
		Logger:   discardLogger(),
	})
	require.ErrorContains(t, err, "exec format error")
	require.Len(t, specs, 1)
	promptPath := specs[0].Args[len(specs[0].Args)-1]
	assert.True(t, strings.Contains(promptPath, "conductor-prompt-"))
	_, statErr := os.Stat(promptPath)
	assert.True(t, os.IsNotExist(statErr), "prompt file removed when launch fails")
}
