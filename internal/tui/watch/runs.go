package watch

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/conductor/internal/events"
)

const maxRuns = 8

// RunState tracks one ephemeral run seen on the stream.
type RunState struct {
	ID       string
	ChainID  string
	Task     string
	Agent    string
	Status   string
	Tool     string
	Text     string
	Started  time.Time
	Duration time.Duration
	Cost     float64
}

// applyRunEvent folds a run.* event into runs, newest first.
func applyRunEvent(runs []*RunState, e events.Event) []*RunState {
	var p events.RunPayload
	if err := e.Decode(&p); err != nil || p.RunID == "" {
		return runs
	}

	var r *RunState
	for _, existing := range runs {
		if existing.ID == p.RunID {
			r = existing
			break
		}
	}
	if r == nil {
		if e.Type != events.RunStarted {
			return runs
		}
		r = &RunState{ID: p.RunID, ChainID: p.ChainID, Task: p.Task, Agent: p.Agent, Status: "running", Started: e.At}
		runs = append([]*RunState{r}, runs...)
		if len(runs) > maxRuns {
			runs = runs[:maxRuns]
		}
		return runs
	}

	switch e.Type {
	case events.RunTool:
		r.Tool = p.Tool
	case events.RunFinished:
		r.Tool = ""
		r.Text = p.Text
		r.Duration = time.Duration(p.DurationMS) * time.Millisecond
		if p.Usage != nil {
			r.Cost = p.Usage.Cost
		}
		switch {
		case p.Interrupted:
			r.Status = "interrupted"
		case p.Error != "":
			r.Status = "failed"
		default:
			r.Status = "ok"
		}
	}
	return runs
}

func renderRuns(runs []*RunState, theme Theme, width int, now time.Time) string {
	innerWidth := width - 4
	if len(runs) == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("RUNS"),
			theme.Dim.Render("  No runs yet..."),
		)
		return theme.Border.Width(innerWidth).Render(content)
	}

	lines := []string{theme.Title.Render("RUNS")}
	for _, r := range runs {
		elapsed := r.Duration
		if r.Status == "running" {
			elapsed = now.Sub(r.Started).Round(time.Second)
		}
		detail := truncate(r.Task, 40)
		if r.Tool != "" {
			detail += theme.Dim.Render("  tool: " + r.Tool)
		}
		id := r.ID
		if len(id) > 8 {
			id = id[:8]
		}
		lines = append(lines, fmt.Sprintf(" %s %-12s %8s  $%.4f  %s",
			theme.Highlight.Render(id),
			theme.State(r.Status),
			elapsed.Round(time.Millisecond),
			r.Cost,
			detail,
		))
	}
	return theme.Border.Width(innerWidth).Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
