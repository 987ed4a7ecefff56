package history

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/conductor/internal/ephemeral"
	"github.com/mattjoyce/conductor/internal/protocol"
	"github.com/mattjoyce/conductor/internal/storage"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(db)
}

func TestRecordAndListRuns(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Minute)

	for i := 0; i < 3; i++ {
		require.NoError(t, s.RecordRun(ctx, RunRecord{
			ID:        fmt.Sprintf("run-%d", i),
			Kind:      KindEphemeral,
			Task:      fmt.Sprintf("task %d", i),
			Status:    StatusOK,
			Text:      "done",
			Usage:     protocol.UsageTotals{Turns: 1, Input: 10, Output: 20, Cost: 0.5},
			StartedAt: base.Add(time.Duration(i) * time.Second),
			Duration:  1500 * time.Millisecond,
		}))
	}

	runs, err := s.ListRuns(ctx, RunFilter{Limit: 2})
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "run-2", runs[0].ID, "newest first")
	assert.Equal(t, int64(20), runs[0].Usage.Output)
	assert.InDelta(t, 0.5, runs[0].Usage.Cost, 1e-9)
	assert.Equal(t, 1500*time.Millisecond, runs[0].Duration)

	got, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "task 1", got.Task)
	assert.Nil(t, got.StepIndex)

	missing, err := s.GetRun(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestRecordRunValidation(t *testing.T) {
	s := openTestStore(t)
	require.Error(t, s.RecordRun(context.Background(), RunRecord{Task: "x"}))
	require.Error(t, s.RecordRun(context.Background(), RunRecord{ID: "x"}))
}

func TestChainLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	id := NewChainID()

	require.NoError(t, s.StartChain(ctx, ChainRecord{ID: id, Steps: 2, Policy: "abort"}))
	for i := 1; i >= 0; i-- {
		idx := i
		require.NoError(t, s.RecordRun(ctx, RunRecord{
			ID: fmt.Sprintf("step-%d", i), Kind: KindChainStep, ChainID: id, StepIndex: &idx,
			Task: "t", Status: StatusOK,
		}))
	}
	failed := 1
	require.NoError(t, s.FinishChain(ctx, id, StatusFailed, "partial", "boom", &failed))

	c, steps, err := s.GetChain(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, StatusFailed, c.Status)
	assert.Equal(t, "partial", c.Output)
	require.NotNil(t, c.FailedStep)
	assert.Equal(t, 1, *c.FailedStep)
	assert.NotNil(t, c.CompletedAt)
	require.Len(t, steps, 2)
	assert.Equal(t, 0, *steps[0].StepIndex, "steps in order")

	require.Error(t, s.FinishChain(ctx, "unknown", StatusOK, "", "", nil))
	none, _, err := s.GetChain(ctx, "unknown")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestTransitions(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	code := 143
	for _, tr := range []TransitionRecord{
		{Worker: "a", To: "starting", Pid: 10},
		{Worker: "a", From: "starting", To: "idle"},
		{Worker: "b", To: "starting"},
		{Worker: "a", From: "idle", To: "dead", ExitCode: &code},
	} {
		require.NoError(t, s.RecordTransition(ctx, tr))
	}

	got, err := s.ListTransitions(ctx, "a", 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "idle", got[0].To)
	assert.Equal(t, "dead", got[1].To)
	require.NotNil(t, got[1].ExitCode)
	assert.Equal(t, 143, *got[1].ExitCode)

	require.Error(t, s.RecordTransition(ctx, TransitionRecord{To: "idle"}))
}

func TestPrune(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.RecordRun(ctx, RunRecord{ID: "old", Kind: KindEphemeral, Task: "t", Status: StatusOK, StartedAt: time.Now().Add(-48 * time.Hour)}))
	require.NoError(t, s.RecordRun(ctx, RunRecord{ID: "new", Kind: KindEphemeral, Task: "t", Status: StatusOK}))

	require.NoError(t, s.Prune(ctx, 24*time.Hour))
	runs, err := s.ListRuns(ctx, RunFilter{})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "new", runs[0].ID)
}

func TestRunFromResult(t *testing.T) {
	res := &ephemeral.Result{ID: "r1", Task: "t", Text: "partial", ExitCode: 143}

	assert.Equal(t, StatusOK, RunFromResult(KindEphemeral, res, nil).Status)

	rec := RunFromResult(KindParallel, res, fmt.Errorf("%w: %w", ephemeral.ErrInterrupted, context.Canceled))
	assert.Equal(t, StatusInterrupted, rec.Status)
	assert.Equal(t, "partial", rec.Text)

	rec = RunFromResult(KindEphemeral, res, errors.New("exit 1"))
	assert.Equal(t, StatusFailed, rec.Status)
	assert.Equal(t, "exit 1", rec.Error)
}
