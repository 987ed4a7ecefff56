// Package history records ephemeral runs, chains and worker transitions in
// SQLite so they survive restarts and can be listed over the API.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	maxStderrBytes   = 64 * 1024
	defaultListLimit = 50
	// Fixed width so timestamps sort lexicographically in SQL.
	timeFormat = "2006-01-02T15:04:05.000000000Z07:00"
)

type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// NewChainID returns an id for a chain_run row.
func NewChainID() string { return uuid.NewString() }

// RecordRun inserts or replaces a run row.
func (s *Store) RecordRun(ctx context.Context, rec RunRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("run id is empty")
	}
	if rec.Task == "" {
		return fmt.Errorf("run task is empty")
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now()
	}

	var stepIndex any
	if rec.StepIndex != nil {
		stepIndex = *rec.StepIndex
	}

	_, err := s.db.ExecContext(ctx, `
INSERT OR REPLACE INTO ephemeral_run(
  id, kind, chain_id, step_index, task, agent, status, text, error, exit_code,
  turns, input_tokens, output_tokens, cost, log_path, stderr, started_at, duration_ms
)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`,
		rec.ID, string(rec.Kind), nullString(rec.ChainID), stepIndex, rec.Task, nullString(rec.Agent),
		string(rec.Status), nullString(rec.Text), nullString(rec.Error), rec.ExitCode,
		rec.Usage.Turns, rec.Usage.Input, rec.Usage.Output, rec.Usage.Cost,
		nullString(rec.LogPath), nullString(truncate(rec.Stderr, maxStderrBytes)),
		rec.StartedAt.UTC().Format(timeFormat), rec.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("record run: %w", err)
	}
	return nil
}

// GetRun returns one run, or (nil, nil) if it does not exist.
func (s *Store) GetRun(ctx context.Context, id string) (*RunRecord, error) {
	rows, err := s.db.QueryContext(ctx, selectRuns+` WHERE id = ?;`, id)
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	defer rows.Close()
	runs, err := scanRuns(rows)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, nil
	}
	return &runs[0], nil
}

// ListRuns returns runs newest first. Chain steps come back in step order
// when filtering by chain.
func (s *Store) ListRuns(ctx context.Context, f RunFilter) ([]RunRecord, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	var (
		where []string
		args  []any
	)
	if f.ChainID != "" {
		where = append(where, "chain_id = ?")
		args = append(args, f.ChainID)
	}
	if f.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(f.Kind))
	}

	q := selectRuns
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	if f.ChainID != "" {
		q += " ORDER BY step_index ASC"
	} else {
		q += " ORDER BY started_at DESC, rowid DESC"
	}
	q += " LIMIT ?;"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()
	return scanRuns(rows)
}

const selectRuns = `
SELECT id, kind, chain_id, step_index, task, agent, status, text, error, exit_code,
  turns, input_tokens, output_tokens, cost, log_path, stderr, started_at, duration_ms
FROM ephemeral_run`

func scanRuns(rows *sql.Rows) ([]RunRecord, error) {
	var out []RunRecord
	for rows.Next() {
		var (
			r          RunRecord
			kind       string
			status     string
			chainID    sql.NullString
			stepIndex  sql.NullInt64
			agent      sql.NullString
			text       sql.NullString
			errText    sql.NullString
			logPath    sql.NullString
			stderr     sql.NullString
			startedAtS string
			durationMS int64
		)
		if err := rows.Scan(
			&r.ID, &kind, &chainID, &stepIndex, &r.Task, &agent, &status, &text, &errText, &r.ExitCode,
			&r.Usage.Turns, &r.Usage.Input, &r.Usage.Output, &r.Usage.Cost, &logPath, &stderr, &startedAtS, &durationMS,
		); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.Kind = Kind(kind)
		r.Status = Status(status)
		r.ChainID = chainID.String
		if stepIndex.Valid {
			i := int(stepIndex.Int64)
			r.StepIndex = &i
		}
		r.Agent = agent.String
		r.Text = text.String
		r.Error = errText.String
		r.LogPath = logPath.String
		r.Stderr = stderr.String
		if t, err := time.Parse(time.RFC3339Nano, startedAtS); err == nil {
			r.StartedAt = t
		}
		r.Duration = time.Duration(durationMS) * time.Millisecond
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return out, nil
}

// StartChain inserts a running chain row.
func (s *Store) StartChain(ctx context.Context, rec ChainRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("chain id is empty")
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO chain_run(id, steps, policy, status, started_at)
VALUES(?, ?, ?, ?, ?);
`, rec.ID, rec.Steps, rec.Policy, string(StatusRunning), rec.StartedAt.UTC().Format(timeFormat))
	if err != nil {
		return fmt.Errorf("start chain: %w", err)
	}
	return nil
}

// FinishChain marks a chain complete with its final status.
func (s *Store) FinishChain(ctx context.Context, id string, status Status, output, errText string, failedStep *int) error {
	var failed any
	if failedStep != nil {
		failed = *failedStep
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE chain_run
SET status = ?, output = ?, error = ?, failed_step = ?, completed_at = ?
WHERE id = ?;
`, string(status), nullString(output), nullString(errText), failed, time.Now().UTC().Format(timeFormat), id)
	if err != nil {
		return fmt.Errorf("finish chain: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("finish chain: chain %q not found", id)
	}
	return nil
}

// GetChain returns a chain and its steps, or (nil, nil, nil) if absent.
func (s *Store) GetChain(ctx context.Context, id string) (*ChainRecord, []RunRecord, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, steps, policy, status, output, error, failed_step, started_at, completed_at
FROM chain_run WHERE id = ?;
`, id)

	var (
		c            ChainRecord
		status       string
		output       sql.NullString
		errText      sql.NullString
		failedStep   sql.NullInt64
		startedAtS   string
		completedAtS sql.NullString
	)
	err := row.Scan(&c.ID, &c.Steps, &c.Policy, &status, &output, &errText, &failedStep, &startedAtS, &completedAtS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("get chain: %w", err)
	}
	c.Status = Status(status)
	c.Output = output.String
	c.Error = errText.String
	if failedStep.Valid {
		i := int(failedStep.Int64)
		c.FailedStep = &i
	}
	if t, err := time.Parse(time.RFC3339Nano, startedAtS); err == nil {
		c.StartedAt = t
	}
	if completedAtS.Valid {
		if t, err := time.Parse(time.RFC3339Nano, completedAtS.String); err == nil {
			c.CompletedAt = &t
		}
	}

	steps, err := s.ListRuns(ctx, RunFilter{ChainID: id, Limit: c.Steps + 1})
	if err != nil {
		return nil, nil, err
	}
	return &c, steps, nil
}

// RecordTransition appends to worker_log.
func (s *Store) RecordTransition(ctx context.Context, rec TransitionRecord) error {
	if rec.Worker == "" {
		return fmt.Errorf("worker name is empty")
	}
	if rec.At.IsZero() {
		rec.At = time.Now()
	}
	var exitCode any
	if rec.ExitCode != nil {
		exitCode = *rec.ExitCode
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO worker_log(worker, agent, pid, from_state, to_state, exit_code, at)
VALUES(?, ?, ?, ?, ?, ?, ?);
`, rec.Worker, nullString(rec.Agent), rec.Pid, nullString(rec.From), rec.To, exitCode, rec.At.UTC().Format(timeFormat))
	if err != nil {
		return fmt.Errorf("record transition: %w", err)
	}
	return nil
}

// ListTransitions returns a worker's transitions oldest first.
func (s *Store) ListTransitions(ctx context.Context, worker string, limit int) ([]TransitionRecord, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, worker, agent, pid, from_state, to_state, exit_code, at
FROM (
  SELECT * FROM worker_log WHERE worker = ? ORDER BY id DESC LIMIT ?
) ORDER BY id ASC;
`, worker, limit)
	if err != nil {
		return nil, fmt.Errorf("list transitions: %w", err)
	}
	defer rows.Close()

	var out []TransitionRecord
	for rows.Next() {
		var (
			r        TransitionRecord
			agent    sql.NullString
			pid      sql.NullInt64
			from     sql.NullString
			exitCode sql.NullInt64
			atS      string
		)
		if err := rows.Scan(&r.ID, &r.Worker, &agent, &pid, &from, &r.To, &exitCode, &atS); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		r.Agent = agent.String
		r.Pid = int(pid.Int64)
		r.From = from.String
		if exitCode.Valid {
			c := int(exitCode.Int64)
			r.ExitCode = &c
		}
		if t, err := time.Parse(time.RFC3339Nano, atS); err == nil {
			r.At = t
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transitions: %w", err)
	}
	return out, nil
}

// Prune deletes history older than retention.
func (s *Store) Prune(ctx context.Context, retention time.Duration) error {
	if retention <= 0 {
		return nil
	}
	cutoff := time.Now().Add(-retention).UTC().Format(timeFormat)
	for _, q := range []string{
		`DELETE FROM ephemeral_run WHERE started_at < ?;`,
		`DELETE FROM chain_run WHERE started_at < ?;`,
		`DELETE FROM worker_log WHERE at < ?;`,
	} {
		if _, err := s.db.ExecContext(ctx, q, cutoff); err != nil {
			return fmt.Errorf("prune history: %w", err)
		}
	}
	return nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
