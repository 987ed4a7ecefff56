package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/mattjoyce/conductor/internal/agents"
	"github.com/mattjoyce/conductor/internal/chain"
	"github.com/mattjoyce/conductor/internal/config"
	"github.com/mattjoyce/conductor/internal/ephemeral"
	"github.com/mattjoyce/conductor/internal/history"
	"github.com/mattjoyce/conductor/internal/log"
	"github.com/mattjoyce/conductor/internal/orchestrator"
	"github.com/mattjoyce/conductor/internal/storage"
)

// exitInterrupted is returned when a run was cancelled by a signal.
const exitInterrupted = 130

// spawnFlags are shared by run, parallel and chain.
type spawnFlags struct {
	config  *string
	agent   *string
	model   *string
	tools   *string
	dir     *string
	jsonOut *bool
}

func addSpawnFlags(fs *flag.FlagSet) spawnFlags {
	return spawnFlags{
		config:  fs.String("config", "", "Path to configuration file or directory"),
		agent:   fs.String("agent", "", "Agent definition to spawn with"),
		model:   fs.String("model", "", "Model override"),
		tools:   fs.String("tools", "", "Comma-separated tool list override"),
		dir:     fs.String("dir", "", "Working directory for spawned processes"),
		jsonOut: fs.Bool("json", false, "Print the result as JSON"),
	}
}

func (f spawnFlags) options() orchestrator.SpawnOptions {
	return orchestrator.SpawnOptions{
		Agent: *f.agent,
		Dir:   *f.dir,
		Params: agents.Params{
			Model: *f.model,
			Tools: splitList(*f.tools),
		},
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// localOrchestrator builds an orchestrator for one CLI invocation, recording
// history to state.path. The returned cleanup closes the database.
func localOrchestrator(cfg *config.Config) (*orchestrator.Orchestrator, func(), error) {
	log.Setup(cfg.Service.LogLevel)

	catalog, err := loadCatalog(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("load agent catalog: %w", err)
	}

	opts := orchestrator.Options{Config: cfg, Agents: catalog, Logger: log.Get()}
	cleanup := func() {}
	if cfg.State.Path != "" {
		db, err := storage.OpenSQLite(context.Background(), cfg.State.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("open history: %w", err)
		}
		opts.History = history.New(db)
		cleanup = func() { _ = db.Close() }
	}

	orch, err := orchestrator.New(opts)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return orch, cleanup, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func runTask(args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	sf := addSpawnFlags(fs)
	logDir := fs.String("log", "", "Directory for the run log (overrides ephemeral.log_dir)")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	task := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if task == "" {
		fmt.Fprintln(os.Stderr, "Usage: conductor run [--agent NAME --model M --tools a,b --log DIR] <task>")
		return 1
	}

	cfg, _, err := loadConfig(*sf.config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	if *logDir != "" {
		cfg.Ephemeral.LogDir = *logDir
	}

	orch, cleanup, err := localOrchestrator(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	defer cleanup()

	ctx, stop := signalContext()
	defer stop()

	res, runErr := orch.RunEphemeral(ctx, task, sf.options())
	if *sf.jsonOut {
		writeJSON(os.Stdout, res, runErr)
	} else if res != nil && res.Text != "" {
		fmt.Println(res.Text)
	}
	return reportRunError(runErr)
}

func runParallel(args []string) int {
	fs := flag.NewFlagSet("parallel", flag.ContinueOnError)
	sf := addSpawnFlags(fs)
	limit := fs.Int("limit", 0, "Maximum concurrent runs (default ephemeral.max_concurrency)")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	tasks := fs.Args()
	if len(tasks) == 0 {
		fmt.Fprintln(os.Stderr, "Usage: conductor parallel [--limit N] <task>...")
		return 1
	}

	cfg, _, err := loadConfig(*sf.config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	orch, cleanup, err := localOrchestrator(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	defer cleanup()

	ctx, stop := signalContext()
	defer stop()

	results, runErr := orch.RunParallel(ctx, tasks, *limit, sf.options())
	if *sf.jsonOut {
		writeJSON(os.Stdout, results, runErr)
		return reportRunError(runErr)
	}

	failed := 0
	for _, r := range results {
		fmt.Printf("=== [%d] %s\n", r.Index, r.Task)
		if r.Result != nil && r.Result.Text != "" {
			fmt.Println(r.Result.Text)
		}
		if r.Err != nil {
			failed++
			fmt.Printf("error: %s\n", r.Error)
		}
	}
	if code := reportRunError(runErr); code != 0 {
		return code
	}
	if failed > 0 {
		fmt.Fprintf(os.Stderr, "%d of %d tasks failed\n", failed, len(results))
		return 1
	}
	return 0
}

func runChain(args []string) int {
	fs := flag.NewFlagSet("chain", flag.ContinueOnError)
	sf := addSpawnFlags(fs)
	onFailure := fs.String("on-failure", "", "Step failure policy: abort, skip or retry (default chain.failure_policy)")
	retries := fs.Int("retries", 0, "Extra attempts per step with --on-failure retry")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	tasks := fs.Args()
	if len(tasks) == 0 {
		fmt.Fprintf(os.Stderr, "Usage: conductor chain [--on-failure P] <task>... (use %s for the prior output)\n", chain.Placeholder)
		return 1
	}

	switch config.FailurePolicy(*onFailure) {
	case "", config.FailAbort, config.FailSkip, config.FailRetry:
	default:
		fmt.Fprintf(os.Stderr, "Invalid --on-failure %q: want abort, skip or retry\n", *onFailure)
		return 1
	}

	cfg, _, err := loadConfig(*sf.config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	orch, cleanup, err := localOrchestrator(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	defer cleanup()

	opts := sf.options()
	steps := make([]chain.Step, len(tasks))
	for i, t := range tasks {
		steps[i] = chain.Step{Task: t, Agent: opts.Agent, Dir: opts.Dir, Params: opts.Params}
	}
	policy := chain.Policy{OnFailure: config.FailurePolicy(*onFailure), MaxRetries: *retries}

	ctx, stop := signalContext()
	defer stop()

	res, runErr := orch.RunChain(ctx, steps, policy)
	if *sf.jsonOut {
		writeJSON(os.Stdout, res, runErr)
	} else if res != nil && res.Result != nil {
		for _, s := range res.Steps {
			switch {
			case s.Skipped:
				fmt.Fprintf(os.Stderr, "step %d skipped: %s\n", s.Index, s.Error)
			case s.Err != nil:
				fmt.Fprintf(os.Stderr, "step %d failed after %d attempt(s)\n", s.Index, s.Attempts)
			}
		}
		if res.Output != "" {
			fmt.Println(res.Output)
		}
	}
	return reportRunError(runErr)
}

func writeJSON(w io.Writer, result any, err error) {
	out := struct {
		Result any    `json:"result,omitempty"`
		Error  string `json:"error,omitempty"`
	}{Result: result}
	if err != nil {
		out.Error = err.Error()
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(out)
}

func reportRunError(err error) int {
	if err == nil {
		return 0
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	if errors.Is(err, ephemeral.ErrInterrupted) || errors.Is(err, context.Canceled) {
		return exitInterrupted
	}
	return 1
}
