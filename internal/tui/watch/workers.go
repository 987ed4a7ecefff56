package watch

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/conductor/internal/events"
)

// WorkerState is one row of the worker table.
type WorkerState struct {
	Name     string
	Agent    string
	State    string
	Tool     string
	ExitCode *int
	Since    time.Time
}

// applyWorkerEvent folds a worker.* event into workers.
func applyWorkerEvent(workers map[string]*WorkerState, e events.Event) {
	var p events.WorkerPayload
	if err := e.Decode(&p); err != nil || p.Worker == "" {
		return
	}
	w, ok := workers[p.Worker]
	if !ok {
		w = &WorkerState{Name: p.Worker}
		workers[p.Worker] = w
	}
	if p.Agent != "" {
		w.Agent = p.Agent
	}

	switch e.Type {
	case events.WorkerTool:
		w.Tool = p.Tool
		return
	case events.WorkerSpawned:
		w.ExitCode = nil
	case events.WorkerDead:
		w.ExitCode = p.ExitCode
	}
	if e.Type != events.WorkerBusy {
		w.Tool = ""
	}
	w.State = p.To
	w.Since = e.At
}

var workerColumns = []table.Column{
	{Title: "WORKER", Width: 18},
	{Title: "AGENT", Width: 14},
	{Title: "STATE", Width: 10},
	{Title: "FOR", Width: 10},
	{Title: "DETAIL", Width: 24},
}

func newWorkerTable(theme Theme) table.Model {
	t := table.New(
		table.WithColumns(workerColumns),
		table.WithHeight(8),
		table.WithFocused(true),
	)
	styles := table.DefaultStyles()
	styles.Header = styles.Header.Foreground(theme.Header.GetForeground()).Bold(true)
	styles.Selected = styles.Selected.Foreground(lipgloss.Color("229")).Background(lipgloss.Color("57"))
	t.SetStyles(styles)
	return t
}

// workerRows renders the table rows sorted by name.
func workerRows(workers map[string]*WorkerState, now time.Time) []table.Row {
	names := make([]string, 0, len(workers))
	for name := range workers {
		names = append(names, name)
	}
	slices.Sort(names)

	rows := make([]table.Row, 0, len(names))
	for _, name := range names {
		w := workers[name]
		age := "-"
		if !w.Since.IsZero() {
			age = formatDuration(now.Sub(w.Since))
		}
		detail := ""
		switch {
		case w.Tool != "":
			detail = "tool: " + w.Tool
		case w.ExitCode != nil:
			detail = fmt.Sprintf("exit %d", *w.ExitCode)
		}
		rows = append(rows, table.Row{w.Name, w.Agent, w.State, age, detail})
	}
	return rows
}

func renderWorkers(t table.Model, count int, theme Theme, width int) string {
	innerWidth := width - 4
	if count == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("WORKERS"),
			theme.Dim.Render("  No workers yet..."),
		)
		return theme.Border.Width(innerWidth).Render(content)
	}
	content := lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render("WORKERS"),
		strings.TrimRight(t.View(), "\n"),
	)
	return theme.Border.Width(innerWidth).Render(content)
}
