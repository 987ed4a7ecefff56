package ephemeral

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/conductor/internal/proc"
	"github.com/mattjoyce/conductor/internal/protocol"
)

// Config is shared by every run of a Runner.
type Config struct {
	Command   string
	Args      []string
	KillGrace time.Duration
	Launcher  proc.Launcher
	Logger    *slog.Logger
}

// Runner spawns ephemeral agent processes.
type Runner struct {
	cfg    Config
	logger *slog.Logger
}

// NewRunner returns a Runner. Zero fields take defaults.
func NewRunner(cfg Config) *Runner {
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = 3 * time.Second
	}
	if cfg.Launcher == nil {
		cfg.Launcher = proc.ExecLauncher{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Runner{cfg: cfg, logger: cfg.Logger}
}

// Run executes task to completion and returns the aggregated result. On
// cancellation it returns the partial result and an error matching
// ErrInterrupted.
func (r *Runner) Run(ctx context.Context, task string, opts Options) (*Result, error) {
	if strings.TrimSpace(task) == "" {
		return nil, fmt.Errorf("task is empty")
	}
	if r.cfg.Command == "" {
		return nil, fmt.Errorf("ephemeral command is required")
	}

	res := &Result{
		ID:        opts.ID,
		Task:      task,
		Agent:     opts.Agent,
		StartedAt: time.Now(),
		LogPath:   opts.LogPath,
	}
	if res.ID == "" {
		res.ID = uuid.NewString()
	}
	if res.LogPath == "" && opts.LogDir != "" {
		res.LogPath = filepath.Join(opts.LogDir, res.ID+".log")
	}
	logger := r.logger.With("run_id", res.ID)
	defer func() { res.Duration = time.Since(res.StartedAt) }()

	paramArgs, cleanup, err := opts.Params.Args("")
	if err != nil {
		return res, fmt.Errorf("prepare run: %w", err)
	}
	defer cleanup()

	logW, closeLog, err := openRunLog(res.LogPath)
	if err != nil {
		return res, err
	}
	defer closeLog()

	stderr := &cappedBuffer{max: maxStderrBytes}
	args := append(append(append([]string(nil), r.cfg.Args...), paramArgs...), task)

	logger.Debug("spawning ephemeral run", "command", r.cfg.Command, "agent", opts.Agent, "dir", opts.Dir)
	p, err := r.cfg.Launcher.Launch(ctx, proc.Spec{
		Name:    "run-" + shortID(res.ID),
		Dir:     opts.Dir,
		Command: r.cfg.Command,
		Args:    args,
		Stderr:  io.MultiWriter(stderr, logW),
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			res.Interrupted = true
			return res, fmt.Errorf("%w: %w", ErrInterrupted, ctxErr)
		}
		return res, fmt.Errorf("start run: %w", err)
	}
	// Nothing is ever sent to an ephemeral process.
	_ = p.Stdin().Close()

	var interrupted atomic.Bool
	exited := make(chan struct{})
	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		select {
		case <-exited:
			return
		case <-ctx.Done():
		}
		interrupted.Store(true)
		logger.Info("run cancelled, sending SIGTERM")
		if err := p.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
			logger.Warn("failed to send SIGTERM", "error", err)
		}
		grace := time.NewTimer(r.cfg.KillGrace)
		defer grace.Stop()
		select {
		case <-exited:
			return
		case <-grace.C:
		}
		logger.Warn("run did not exit after SIGTERM, sending SIGKILL")
		if err := p.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			logger.Error("failed to send SIGKILL", "error", err)
		}
	}()

	var agentErr string
	dec := protocol.NewDecoder(p.Stdout())
	for msg := range dec.Messages() {
		switch m := msg.(type) {
		case protocol.Event:
			_, _ = fmt.Fprintf(logW, "[%s] %s\n", m.Kind, m.Data)
			agentErr = r.applyEvent(res, m, opts.OnProgress, agentErr)
		case protocol.Unparseable:
			_, _ = fmt.Fprintf(logW, "[unparseable] %s\n", m.Line)
		case protocol.Response:
			logger.Debug("ignoring response line from ephemeral run", "id", m.ID)
		}
	}
	if err := dec.Err(); err != nil {
		logger.Warn("run stdout read failed", "error", err)
	}

	code, waitErr := p.Wait()
	close(exited)
	<-watchDone

	res.ExitCode = code
	res.Stderr = stderr.String()

	if interrupted.Load() {
		res.Interrupted = true
		logger.Info("run interrupted", "exit_code", code)
		return res, fmt.Errorf("%w: %w", ErrInterrupted, ctx.Err())
	}
	if waitErr != nil {
		return res, waitErr
	}
	if code != 0 {
		logger.Warn("run exited with non-zero status", "exit_code", code)
		return res, &ExitError{Code: code, Stderr: strings.TrimSpace(res.Stderr)}
	}
	if agentErr != "" {
		return res, &AgentError{Message: agentErr}
	}
	logger.Debug("run finished", "turns", res.Usage.Turns, "cost", res.Usage.Cost)
	return res, nil
}

// applyEvent folds one event into res and returns the error message carried
// by the latest assistant message, if any.
func (r *Runner) applyEvent(res *Result, ev protocol.Event, onProgress func(Progress), agentErr string) string {
	switch ev.Kind {
	case protocol.EventToolExecutionStart, protocol.EventToolExecutionEnd:
		te, ok := ev.ToolExecution()
		if !ok || onProgress == nil {
			return agentErr
		}
		onProgress(Progress{RunID: res.ID, Kind: ev.Kind, Tool: te.ToolName, IsError: te.IsError, Usage: res.Usage})

	case protocol.EventMessageEnd:
		msg, ok := ev.AssistantMessage()
		if !ok {
			return agentErr
		}
		res.Usage.Add(msg.Usage)
		text := msg.Text()
		if text != "" {
			res.Text = text
		}
		if msg.StopReason != "" {
			res.StopReason = msg.StopReason
		}
		agentErr = ""
		if msg.StopReason == "error" {
			agentErr = msg.ErrorMessage
			if agentErr == "" {
				agentErr = "unknown error"
			}
		}
		if onProgress != nil {
			onProgress(Progress{RunID: res.ID, Kind: ev.Kind, Text: text, Usage: res.Usage})
		}
	}
	return agentErr
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// openRunLog returns a writer for the run log, safe for the stderr copier and
// the event loop to share, and a closer that runs once.
func openRunLog(path string) (io.Writer, func(), error) {
	if path == "" {
		return io.Discard, func() {}, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, nil, fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open run log: %w", err)
	}
	w := &lockedWriter{w: f}
	var once sync.Once
	return w, func() {
		once.Do(func() {
			w.mu.Lock()
			defer w.mu.Unlock()
			_ = f.Close()
			w.w = io.Discard
		})
	}, nil
}

type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

// cappedBuffer keeps the first max bytes written and discards the rest.
type cappedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
	max int
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if room := c.max - c.buf.Len(); room > 0 {
		if len(p) > room {
			c.buf.Write(p[:room])
		} else {
			c.buf.Write(p)
		}
	}
	return len(p), nil
}

func (c *cappedBuffer) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.String()
}
