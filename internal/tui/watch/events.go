package watch

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/conductor/internal/events"
)

const maxEventLog = 50

func renderEventStream(eventLog []events.Event, theme Theme, width int) string {
	innerWidth := width - 4

	if len(eventLog) == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("EVENT STREAM"),
			theme.Dim.Render("  Waiting for events..."),
		)
		return theme.Border.Width(innerWidth).Render(content)
	}

	var lines []string
	for i, e := range eventLog {
		if i >= 10 {
			break
		}
		lines = append(lines, formatEvent(e, theme))
	}

	eventsText := lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n"))
	content := lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render("EVENT STREAM"),
		eventsText,
	)
	return theme.Border.Width(innerWidth).Render(content)
}

func formatEvent(e events.Event, theme Theme) string {
	ts := theme.Dim.Render(e.At.Format("15:04:05"))

	var typeStyle lipgloss.Style
	switch e.Type {
	case events.WorkerIdle, events.ChainFinished:
		typeStyle = theme.StatusIdle
	case events.WorkerBusy, events.RunStarted, events.ChainStarted:
		typeStyle = theme.StatusBusy
	case events.WorkerDead:
		typeStyle = theme.StatusFailed
	case events.WorkerTool, events.RunTool:
		typeStyle = theme.Highlight
	default:
		typeStyle = theme.Dim
	}

	return fmt.Sprintf("%s %s %s", ts, typeStyle.Render(fmt.Sprintf("%-16s", e.Type)), describeEvent(e))
}

// describeEvent picks the interesting fields of a payload for one line.
func describeEvent(e events.Event) string {
	switch {
	case strings.HasPrefix(e.Type, "worker."):
		var p events.WorkerPayload
		if err := e.Decode(&p); err == nil {
			parts := []string{p.Worker}
			if p.Tool != "" {
				parts = append(parts, p.Tool)
			}
			if p.ExitCode != nil {
				parts = append(parts, fmt.Sprintf("exit %d", *p.ExitCode))
			}
			return strings.Join(parts, " ")
		}
	case strings.HasPrefix(e.Type, "run."):
		var p events.RunPayload
		if err := e.Decode(&p); err == nil {
			id := p.RunID
			if len(id) > 8 {
				id = id[:8]
			}
			parts := []string{"[" + id + "]"}
			switch {
			case p.Tool != "":
				parts = append(parts, p.Tool)
			case p.Error != "":
				parts = append(parts, truncate(p.Error, 50))
			case p.Task != "":
				parts = append(parts, truncate(p.Task, 50))
			}
			return strings.Join(parts, " ")
		}
	case strings.HasPrefix(e.Type, "chain."):
		var p events.ChainPayload
		if err := e.Decode(&p); err == nil {
			id := p.ChainID
			if len(id) > 8 {
				id = id[:8]
			}
			if p.Error != "" {
				return fmt.Sprintf("[%s] step %d: %s", id, p.Index, truncate(p.Error, 40))
			}
			return fmt.Sprintf("[%s] step %d", id, p.Index)
		}
	}
	return truncate(string(e.Data), 60)
}
