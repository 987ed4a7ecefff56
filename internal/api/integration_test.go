package api_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/conductor/internal/api"
	"github.com/mattjoyce/conductor/internal/config"
	"github.com/mattjoyce/conductor/internal/history"
	"github.com/mattjoyce/conductor/internal/orchestrator"
	"github.com/mattjoyce/conductor/internal/proc"
	"github.com/mattjoyce/conductor/internal/proc/proctest"
	"github.com/mattjoyce/conductor/internal/protocol"
	"github.com/mattjoyce/conductor/internal/storage"
)

// TestAPIIntegration drives a real orchestrator and history store through HTTP.
func TestAPIIntegration(t *testing.T) {
	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	defer db.Close()
	store := history.New(db)

	launcher := &proctest.Launcher{New: func(spec proc.Spec) *proctest.Process {
		p := proctest.New()
		task := spec.Args[len(spec.Args)-1]
		go func() {
			_ = p.AssistantMessage("answer to "+task, &protocol.Usage{Input: 3, Output: 4})
			p.Exit(0)
		}()
		return p
	}}

	cfg := config.Defaults()
	cfg.Ephemeral.LogDir = ""
	cfg.Worker.LogDir = ""
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	orch, err := orchestrator.New(orchestrator.Options{Config: cfg, Launcher: launcher, History: store, Logger: logger})
	require.NoError(t, err)
	defer orch.Close()

	srv := httptest.NewServer(api.New(api.Config{Token: "k"}, orch, store, orch.Hub(), logger).Handler())
	defer srv.Close()

	call := func(method, path, body string) *http.Response {
		t.Helper()
		req, err := http.NewRequest(method, srv.URL+path, strings.NewReader(body))
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer k")
		client := &http.Client{Timeout: 5 * time.Second}
		resp, err := client.Do(req)
		require.NoError(t, err)
		t.Cleanup(func() { _ = resp.Body.Close() })
		return resp
	}

	resp := call(http.MethodPost, "/runs", `{"task":"life"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var run struct {
		Result struct {
			ID   string `json:"id"`
			Text string `json:"text"`
		} `json:"result"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&run))
	assert.Equal(t, "answer to life", run.Result.Text)

	resp = call(http.MethodGet, "/runs/"+run.Result.ID, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var rec history.RunRecord
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rec))
	assert.Equal(t, history.StatusOK, rec.Status)
	assert.Equal(t, int64(4), rec.Usage.Output)

	resp = call(http.MethodPost, "/runs/chain", `{"steps":[{"task":"one"},{"task":"two after {previous}"}]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var chainRun struct {
		Result struct {
			ID     string `json:"id"`
			Output string `json:"output"`
		} `json:"result"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&chainRun))
	assert.Equal(t, "answer to two after answer to one", chainRun.Result.Output)

	resp = call(http.MethodGet, "/runs?chain_id="+chainRun.Result.ID, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var steps []history.RunRecord
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&steps))
	assert.Len(t, steps, 2)
}
