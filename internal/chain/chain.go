// Package chain runs tasks one after another, feeding each step the output
// of the step before it through the {previous} placeholder.
package chain

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mattjoyce/conductor/internal/agents"
	"github.com/mattjoyce/conductor/internal/config"
)

// Placeholder is replaced by the previous step's output.
const Placeholder = "{previous}"

// Step is one task template with optional per-step overrides.
type Step struct {
	Task   string        `json:"task"`
	Agent  string        `json:"agent,omitempty"`
	Dir    string        `json:"dir,omitempty"`
	Params agents.Params `json:"params,omitempty"`
}

// RunFunc executes one resolved step and returns its aggregated text.
type RunFunc func(ctx context.Context, index int, step Step, task string) (string, error)

// Policy decides what happens when a step fails.
type Policy struct {
	OnFailure  config.FailurePolicy
	MaxRetries int
}

// PolicyFromConfig builds a Policy from the chain section of the config.
func PolicyFromConfig(cfg config.ChainConfig) Policy {
	return Policy{OnFailure: cfg.FailurePolicy, MaxRetries: cfg.MaxRetries}
}

// StepResult records one executed step.
type StepResult struct {
	Index    int    `json:"index"`
	Task     string `json:"task"`
	Output   string `json:"output,omitempty"`
	Attempts int    `json:"attempts"`
	Skipped  bool   `json:"skipped,omitempty"`
	Err      error  `json:"-"`
	Error    string `json:"error,omitempty"`
}

// Result is the progress of a chain, complete or partial.
type Result struct {
	Steps []StepResult `json:"steps"`
	// Output is the text of the last successful step.
	Output string `json:"output"`
}

// StepError reports the step that stopped the chain.
type StepError struct {
	Index int
	Err   error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("chain step %d failed: %v", e.Index, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// Resolve substitutes previous for every placeholder in template.
func Resolve(template, previous string) string {
	return strings.ReplaceAll(template, Placeholder, previous)
}

// Run executes steps strictly in order. Step 0 sees an empty previous output.
//
// On failure the policy applies: abort stops the chain, retry re-runs the
// step up to MaxRetries more times before stopping, and skip records the
// failure and carries the last successful output forward. Cancellation always
// stops the chain. The partial Result is returned alongside any *StepError.
func Run(ctx context.Context, steps []Step, run RunFunc, policy Policy) (*Result, error) {
	if len(steps) == 0 {
		return nil, errors.New("chain has no steps")
	}
	if run == nil {
		return nil, errors.New("chain run func is nil")
	}

	attempts := 1
	if policy.OnFailure == config.FailRetry && policy.MaxRetries > 0 {
		attempts += policy.MaxRetries
	}

	res := &Result{Steps: make([]StepResult, 0, len(steps))}
	previous := ""
	for i, step := range steps {
		if err := ctx.Err(); err != nil {
			return res, &StepError{Index: i, Err: err}
		}

		sr := StepResult{Index: i, Task: Resolve(step.Task, previous)}
		var out string
		var err error
		for sr.Attempts < attempts {
			sr.Attempts++
			out, err = run(ctx, i, step, sr.Task)
			if err == nil || ctx.Err() != nil {
				break
			}
		}

		if err != nil {
			sr.Err = err
			sr.Error = err.Error()
			if ctx.Err() != nil || policy.OnFailure != config.FailSkip {
				res.Steps = append(res.Steps, sr)
				return res, &StepError{Index: i, Err: err}
			}
			sr.Skipped = true
			res.Steps = append(res.Steps, sr)
			continue
		}

		sr.Output = out
		res.Steps = append(res.Steps, sr)
		previous = out
		res.Output = out
	}
	return res, nil
}
