package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/mattjoyce/conductor/internal/chain"
	"github.com/mattjoyce/conductor/internal/ephemeral"
	"github.com/mattjoyce/conductor/internal/events"
	"github.com/mattjoyce/conductor/internal/fanout"
	"github.com/mattjoyce/conductor/internal/history"
	"github.com/mattjoyce/conductor/internal/protocol"
)

// runMeta ties a run to the batch or chain it belongs to.
type runMeta struct {
	kind      history.Kind
	chainID   string
	stepIndex *int
}

// RunEphemeral runs task in a fresh one-shot process and waits for it.
// Interrupted and failed runs return their partial result with the error.
func (o *Orchestrator) RunEphemeral(ctx context.Context, task string, opts SpawnOptions) (*ephemeral.Result, error) {
	return o.runOne(ctx, task, opts, runMeta{kind: history.KindEphemeral})
}

func (o *Orchestrator) runOne(ctx context.Context, task string, opts SpawnOptions, meta runMeta) (*ephemeral.Result, error) {
	params, err := o.resolve(opts)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	o.hub.Publish(events.RunStarted, events.RunPayload{RunID: id, ChainID: meta.chainID, Task: task, Agent: opts.Agent})

	res, runErr := o.runner.Run(ctx, task, ephemeral.Options{
		ID:     id,
		Dir:    opts.Dir,
		Agent:  opts.Agent,
		Params: params,
		LogDir: o.cfg.Ephemeral.LogDir,
		OnProgress: func(p ephemeral.Progress) {
			if p.Kind != protocol.EventToolExecutionStart {
				return
			}
			o.hub.Publish(events.RunTool, events.RunPayload{RunID: id, ChainID: meta.chainID, Tool: p.Tool})
		},
	})

	finished := events.RunPayload{RunID: id, ChainID: meta.chainID, Task: task, Agent: opts.Agent}
	if runErr != nil {
		finished.Error = runErr.Error()
		finished.Interrupted = errors.Is(runErr, ephemeral.ErrInterrupted)
	}
	if res != nil {
		usage := res.Usage
		finished.Text = res.Text
		finished.DurationMS = res.Duration.Milliseconds()
		finished.Usage = &usage
		o.record(meta, res, runErr)
	}
	o.hub.Publish(events.RunFinished, finished)

	if runErr != nil {
		return res, runErr
	}
	return res, nil
}

func (o *Orchestrator) record(meta runMeta, res *ephemeral.Result, runErr error) {
	if o.history == nil {
		return
	}
	rec := history.RunFromResult(meta.kind, res, runErr)
	rec.ChainID = meta.chainID
	rec.StepIndex = meta.stepIndex
	// The run's own ctx may already be cancelled; the record must still land.
	if err := o.history.RecordRun(context.Background(), rec); err != nil {
		o.logger.Warn("failed to record run", "run_id", res.ID, "error", err)
	}
}

// RunParallel runs every task in its own ephemeral process with at most
// limit running at once. A limit of 0 uses ephemeral.max_concurrency.
// Results are in input order; one task failing does not stop the others.
func (o *Orchestrator) RunParallel(ctx context.Context, tasks []string, limit int, opts SpawnOptions) ([]ParallelResult, error) {
	if limit == 0 {
		limit = o.cfg.Ephemeral.MaxConcurrency
	}
	if _, err := o.resolve(opts); err != nil {
		return nil, err
	}

	ran := make([]bool, len(tasks))
	results, err := fanout.Map(ctx, tasks, limit, func(ctx context.Context, i int, task string) ParallelResult {
		ran[i] = true
		pr := ParallelResult{Index: i, Task: task}
		pr.Result, pr.Err = o.runOne(ctx, task, opts, runMeta{kind: history.KindParallel})
		if pr.Err != nil {
			pr.Error = pr.Err.Error()
		}
		return pr
	})
	if err != nil {
		// Tasks never started when ctx ended still report which task they were.
		for i := range results {
			if !ran[i] {
				skipped := fmt.Errorf("%w: not started: %w", ephemeral.ErrInterrupted, err)
				results[i] = ParallelResult{Index: i, Task: tasks[i], Err: skipped, Error: skipped.Error()}
			}
		}
		return results, fmt.Errorf("parallel run: %w", err)
	}
	return results, nil
}

// RunChain runs steps in order, each in a fresh ephemeral process, feeding
// each step the previous step's output. A zero policy uses the chain section
// of the config. The partial result is returned with any *chain.StepError.
func (o *Orchestrator) RunChain(ctx context.Context, steps []chain.Step, policy chain.Policy) (*ChainResult, error) {
	if policy.OnFailure == "" {
		policy = chain.PolicyFromConfig(o.cfg.Chain)
	}
	for i, step := range steps {
		if _, err := o.resolve(SpawnOptions{Agent: step.Agent}); err != nil {
			return nil, fmt.Errorf("chain step %d: %w", i, err)
		}
	}

	out := &ChainResult{ID: history.NewChainID(), Runs: make([]*ephemeral.Result, len(steps))}
	started := events.ChainPayload{ChainID: out.ID, Steps: len(steps)}
	o.hub.Publish(events.ChainStarted, started)
	if o.history != nil {
		rec := history.ChainRecord{ID: out.ID, Steps: len(steps), Policy: string(policy.OnFailure), Status: history.StatusRunning}
		if err := o.history.StartChain(ctx, rec); err != nil {
			o.logger.Warn("failed to record chain start", "chain_id", out.ID, "error", err)
		}
	}

	run := func(ctx context.Context, index int, step chain.Step, task string) (string, error) {
		idx := index
		res, err := o.runOne(ctx, task, SpawnOptions{Agent: step.Agent, Dir: step.Dir, Params: step.Params},
			runMeta{kind: history.KindChainStep, chainID: out.ID, stepIndex: &idx})
		if res != nil {
			out.Runs[index] = res
		}
		stepEv := events.ChainPayload{ChainID: out.ID, Index: index}
		if err != nil {
			stepEv.Error = err.Error()
		} else {
			stepEv.Output = res.Text
		}
		o.hub.Publish(events.ChainStep, stepEv)
		if err != nil {
			return "", err
		}
		return res.Text, nil
	}

	res, err := chain.Run(ctx, steps, run, policy)
	out.Result = res
	o.finishChain(out, err)
	return out, err
}

func (o *Orchestrator) finishChain(out *ChainResult, runErr error) {
	payload := events.ChainPayload{ChainID: out.ID}
	status := history.StatusOK
	var failed *int
	if out.Result != nil {
		payload.Output = out.Output
	}
	if runErr != nil {
		payload.Error = runErr.Error()
		status = history.StatusFailed
		if errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded) {
			status = history.StatusInterrupted
		}
		var se *chain.StepError
		if errors.As(runErr, &se) {
			idx := se.Index
			failed = &idx
			payload.Index = idx
		}
	}
	o.hub.Publish(events.ChainFinished, payload)

	if o.history == nil {
		return
	}
	if err := o.history.FinishChain(context.Background(), out.ID, status, payload.Output, payload.Error, failed); err != nil {
		o.logger.Warn("failed to record chain finish", "chain_id", out.ID, "error", err)
	}
}
