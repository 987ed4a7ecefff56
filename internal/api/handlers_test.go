package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/conductor/internal/chain"
	"github.com/mattjoyce/conductor/internal/config"
	"github.com/mattjoyce/conductor/internal/ephemeral"
	"github.com/mattjoyce/conductor/internal/events"
	"github.com/mattjoyce/conductor/internal/history"
	"github.com/mattjoyce/conductor/internal/orchestrator"
	"github.com/mattjoyce/conductor/internal/protocol"
	"github.com/mattjoyce/conductor/internal/worker"
)

// mockController implements Controller with overridable funcs.
type mockController struct {
	dispatchFunc func(ctx context.Context, name, task string, opts orchestrator.SpawnOptions) (*orchestrator.DispatchResult, error)
	callFunc     func(ctx context.Context, name string, cmd protocol.Command) ([]byte, error)
	killFunc     func(name string) error
	shutdownFunc func(ctx context.Context, name string) error
	runFunc      func(ctx context.Context, task string, opts orchestrator.SpawnOptions) (*ephemeral.Result, error)
	parallelFunc func(ctx context.Context, tasks []string, limit int, opts orchestrator.SpawnOptions) ([]orchestrator.ParallelResult, error)
	chainFunc    func(ctx context.Context, steps []chain.Step, policy chain.Policy) (*orchestrator.ChainResult, error)
	workers      []worker.Info
	steered      []string
	aborted      []string
}

func (m *mockController) EnsureAndDispatch(ctx context.Context, name, task string, opts orchestrator.SpawnOptions) (*orchestrator.DispatchResult, error) {
	return m.dispatchFunc(ctx, name, task, opts)
}

func (m *mockController) Call(ctx context.Context, name string, cmd protocol.Command) ([]byte, error) {
	return m.callFunc(ctx, name, cmd)
}

func (m *mockController) Steer(_ context.Context, name, message string) error {
	m.steered = append(m.steered, name+":"+message)
	return nil
}

func (m *mockController) Abort(_ context.Context, name string) error {
	m.aborted = append(m.aborted, name)
	return nil
}

func (m *mockController) Kill(name string) error { return m.killFunc(name) }

func (m *mockController) Shutdown(ctx context.Context, name string) error {
	return m.shutdownFunc(ctx, name)
}

func (m *mockController) List() []worker.Info { return m.workers }

func (m *mockController) Get(name string) (worker.Info, error) {
	for _, info := range m.workers {
		if info.Name == name {
			return info, nil
		}
	}
	return worker.Info{}, fmt.Errorf("%w: %q", orchestrator.ErrUnknownWorker, name)
}

func (m *mockController) RunEphemeral(ctx context.Context, task string, opts orchestrator.SpawnOptions) (*ephemeral.Result, error) {
	return m.runFunc(ctx, task, opts)
}

func (m *mockController) RunParallel(ctx context.Context, tasks []string, limit int, opts orchestrator.SpawnOptions) ([]orchestrator.ParallelResult, error) {
	return m.parallelFunc(ctx, tasks, limit, opts)
}

func (m *mockController) RunChain(ctx context.Context, steps []chain.Step, policy chain.Policy) (*orchestrator.ChainResult, error) {
	return m.chainFunc(ctx, steps, policy)
}

// mockRuns implements RunStore.
type mockRuns struct {
	runs   []history.RunRecord
	filter history.RunFilter
}

func (m *mockRuns) ListRuns(_ context.Context, f history.RunFilter) ([]history.RunRecord, error) {
	m.filter = f
	return m.runs, nil
}

func (m *mockRuns) GetRun(_ context.Context, id string) (*history.RunRecord, error) {
	for _, r := range m.runs {
		if r.ID == id {
			return &r, nil
		}
	}
	return nil, nil
}

func (m *mockRuns) GetChain(_ context.Context, id string) (*history.ChainRecord, []history.RunRecord, error) {
	if id != "chain-1" {
		return nil, nil, nil
	}
	return &history.ChainRecord{ID: id, Steps: 2, Status: history.StatusOK}, m.runs, nil
}

func newTestServer(ctl Controller, runs RunStore) *Server {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(Config{Listen: "localhost:0"}, ctl, runs, events.NewHub(10), logger)
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestHealthzCountsWorkers(t *testing.T) {
	ctl := &mockController{workers: []worker.Info{
		{Name: "a", State: worker.StateBusy},
		{Name: "b", State: worker.StateIdle},
		{Name: "c", State: worker.StateDead},
	}}
	rr := do(t, newTestServer(ctl, nil).Handler(), http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rr.Code)

	var resp HealthzResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 3, resp.Workers)
	assert.Equal(t, 1, resp.Busy)
	assert.Equal(t, 1, resp.Dead)
}

func TestAuthToken(t *testing.T) {
	ctl := &mockController{}
	s := newTestServer(ctl, nil)
	s.config.Token = "secret"
	h := s.Handler()

	rr := do(t, h, http.MethodGet, "/workers", "")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	req := httptest.NewRequest(http.MethodGet, "/workers", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	req = httptest.NewRequest(http.MethodGet, "/workers", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = do(t, h, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rr.Code, "healthz stays open")
}

func TestExtractToken(t *testing.T) {
	tests := []struct {
		header  string
		want    string
		wantErr bool
	}{
		{header: "", wantErr: true},
		{header: "Basic abc", wantErr: true},
		{header: "Bearer ", wantErr: true},
		{header: "Bearer   tok  ", want: "tok"},
		{header: "Bearer tok", want: "tok"},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if tt.header != "" {
			req.Header.Set("Authorization", tt.header)
		}
		got, err := ExtractToken(req)
		if tt.wantErr {
			assert.Error(t, err, tt.header)
			continue
		}
		require.NoError(t, err, tt.header)
		assert.Equal(t, tt.want, got)
	}
	assert.False(t, ValidateToken("", ""))
	assert.False(t, ValidateToken("a", "ab"))
	assert.True(t, ValidateToken("ab", "ab"))
}

func TestDispatch(t *testing.T) {
	var gotName, gotTask string
	var gotOpts orchestrator.SpawnOptions
	ctl := &mockController{
		dispatchFunc: func(_ context.Context, name, task string, opts orchestrator.SpawnOptions) (*orchestrator.DispatchResult, error) {
			gotName, gotTask, gotOpts = name, task, opts
			if name == "busy" {
				return nil, worker.ErrBusy
			}
			return &orchestrator.DispatchResult{Worker: name, Spawned: true, Output: "done"}, nil
		},
	}
	h := newTestServer(ctl, nil).Handler()

	rr := do(t, h, http.MethodPost, "/workers/a/dispatch", `{"task":"fix it","agent":"coder","params":{"model":"m1"}}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, "a", gotName)
	assert.Equal(t, "fix it", gotTask)
	assert.Equal(t, "coder", gotOpts.Agent)
	assert.Equal(t, "m1", gotOpts.Params.Model)

	var res orchestrator.DispatchResult
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&res))
	assert.Equal(t, "done", res.Output)
	assert.True(t, res.Spawned)

	rr = do(t, h, http.MethodPost, "/workers/busy/dispatch", `{"task":"x"}`)
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = do(t, h, http.MethodPost, "/workers/a/dispatch", `{"task":"  "}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = do(t, h, http.MethodPost, "/workers/a/dispatch", `{"task":"x","bogus":1}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestWorkerControlRoutes(t *testing.T) {
	var killed, shutdown []string
	ctl := &mockController{
		workers: []worker.Info{{Name: "a", State: worker.StateIdle}},
		killFunc: func(name string) error {
			if name != "a" {
				return fmt.Errorf("%w: %q", orchestrator.ErrUnknownWorker, name)
			}
			killed = append(killed, name)
			return nil
		},
		shutdownFunc: func(_ context.Context, name string) error {
			shutdown = append(shutdown, name)
			return nil
		},
		callFunc: func(_ context.Context, name string, cmd protocol.Command) ([]byte, error) {
			if cmd.Type == protocol.CommandStatus {
				return []byte(`{"model":"m1"}`), nil
			}
			return nil, worker.ErrDead
		},
	}
	h := newTestServer(ctl, nil).Handler()

	rr := do(t, h, http.MethodGet, "/workers/a", "")
	require.Equal(t, http.StatusOK, rr.Code)
	rr = do(t, h, http.MethodGet, "/workers/nope", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = do(t, h, http.MethodPost, "/workers/a/steer", `{"message":"focus"}`)
	assert.Equal(t, http.StatusNoContent, rr.Code)
	rr = do(t, h, http.MethodPost, "/workers/a/steer", `{}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	rr = do(t, h, http.MethodPost, "/workers/a/abort", "")
	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.Equal(t, []string{"a:focus"}, ctl.steered)
	assert.Equal(t, []string{"a"}, ctl.aborted)

	rr = do(t, h, http.MethodPost, "/workers/a/call", `{"type":"status"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"data":{"model":"m1"}}`, rr.Body.String())
	rr = do(t, h, http.MethodPost, "/workers/a/call", `{"type":"peers"}`)
	assert.Equal(t, http.StatusConflict, rr.Code)
	rr = do(t, h, http.MethodPost, "/workers/a/call", `{"type":"prompt","message":"x"}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	rr = do(t, h, http.MethodPost, "/workers/a/call", `{"type":"launch"}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = do(t, h, http.MethodDelete, "/workers/a", "")
	assert.Equal(t, http.StatusNoContent, rr.Code)
	rr = do(t, h, http.MethodDelete, "/workers/a?graceful=true", "")
	assert.Equal(t, http.StatusNoContent, rr.Code)
	rr = do(t, h, http.MethodDelete, "/workers/ghost", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, []string{"a"}, killed)
	assert.Equal(t, []string{"a"}, shutdown)
}

func TestRunRoutes(t *testing.T) {
	ctl := &mockController{
		runFunc: func(_ context.Context, task string, _ orchestrator.SpawnOptions) (*ephemeral.Result, error) {
			res := &ephemeral.Result{ID: "r1", Task: task, Text: "partial"}
			if task == "crash" {
				return res, &ephemeral.ExitError{Code: 2}
			}
			return res, nil
		},
		parallelFunc: func(_ context.Context, tasks []string, limit int, _ orchestrator.SpawnOptions) ([]orchestrator.ParallelResult, error) {
			if limit < 0 {
				return nil, fmt.Errorf("parallel run: %w", errors.New("invalid"))
			}
			out := make([]orchestrator.ParallelResult, len(tasks))
			for i, task := range tasks {
				out[i] = orchestrator.ParallelResult{Index: i, Task: task}
			}
			return out, nil
		},
		chainFunc: func(_ context.Context, steps []chain.Step, policy chain.Policy) (*orchestrator.ChainResult, error) {
			assert.Equal(t, config.FailSkip, policy.OnFailure)
			return &orchestrator.ChainResult{ID: "c1", Result: &chain.Result{Output: "final"}}, nil
		},
	}
	h := newTestServer(ctl, nil).Handler()

	rr := do(t, h, http.MethodPost, "/runs", `{"task":"hello"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"id":"r1"`)

	rr = do(t, h, http.MethodPost, "/runs", `{"task":"crash"}`)
	require.Equal(t, http.StatusBadGateway, rr.Code)
	var failed RunResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&failed))
	assert.Contains(t, failed.Error, "code 2")
	assert.NotNil(t, failed.Result, "partial result is returned")

	rr = do(t, h, http.MethodPost, "/runs/parallel", `{"tasks":["a","b"],"limit":1}`)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"task":"b"`)
	rr = do(t, h, http.MethodPost, "/runs/parallel", `{"tasks":[]}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = do(t, h, http.MethodPost, "/runs/chain", `{"steps":[{"task":"a"},{"task":"b {previous}"}],"on_failure":"skip"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"output":"final"`)
}

func TestHistoryRoutes(t *testing.T) {
	runs := &mockRuns{runs: []history.RunRecord{{ID: "r1", Task: "t", Status: history.StatusOK}}}
	h := newTestServer(&mockController{}, runs).Handler()

	rr := do(t, h, http.MethodGet, "/runs?kind=parallel&limit=5", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, history.KindParallel, runs.filter.Kind)
	assert.Equal(t, 5, runs.filter.Limit)

	rr = do(t, h, http.MethodGet, "/runs?limit=x", "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = do(t, h, http.MethodGet, "/runs/r1", "")
	require.Equal(t, http.StatusOK, rr.Code)
	rr = do(t, h, http.MethodGet, "/runs/missing", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = do(t, h, http.MethodGet, "/chains/chain-1", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var chainResp ChainResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&chainResp))
	assert.Equal(t, 2, chainResp.Chain.Steps)
	assert.Len(t, chainResp.Steps, 1)

	noHistory := newTestServer(&mockController{}, nil).Handler()
	rr = do(t, noHistory, http.MethodGet, "/runs", "")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("x: %w", orchestrator.ErrUnknownAgent), http.StatusBadRequest},
		{worker.ErrDead, http.StatusConflict},
		{fmt.Errorf("%w: %w", ephemeral.ErrInterrupted, context.Canceled), 499},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{errors.New("boom"), http.StatusBadGateway},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}

func TestEventsStreamsBacklogAndLive(t *testing.T) {
	s := newTestServer(&mockController{}, nil)
	s.events.Publish(events.WorkerSpawned, events.WorkerPayload{Worker: "a", To: "starting"})
	s.events.Publish(events.WorkerIdle, events.WorkerPayload{Worker: "a", To: "idle"})

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events", nil)
	require.NoError(t, err)
	req.Header.Set("Last-Event-ID", "1")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	readEvent := func() (string, string) {
		var typ, data string
		for {
			line, err := reader.ReadString('\n')
			require.NoError(t, err)
			line = strings.TrimRight(line, "\n")
			switch {
			case line == "":
				return typ, data
			case strings.HasPrefix(line, "event: "):
				typ = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				data = strings.TrimPrefix(line, "data: ")
			}
		}
	}

	typ, data := readEvent()
	assert.Equal(t, events.WorkerIdle, typ, "events up to Last-Event-ID are skipped")
	assert.Contains(t, data, `"to":"idle"`)

	s.events.Publish(events.RunStarted, events.RunPayload{RunID: "r1"})
	typ, data = readEvent()
	assert.Equal(t, events.RunStarted, typ)
	assert.True(t, bytes.Contains([]byte(data), []byte(`"run_id":"r1"`)))
}
