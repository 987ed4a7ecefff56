// Package watch implements the conductor watch TUI: a live worker table,
// recent runs and the raw event stream, fed by the API's SSE endpoint.
package watch

import "github.com/charmbracelet/lipgloss"

// Theme centralizes all styling for the watch TUI.
type Theme struct {
	StatusIdle     lipgloss.Style
	StatusBusy     lipgloss.Style
	StatusFailed   lipgloss.Style
	StatusStarting lipgloss.Style
	StatusDead     lipgloss.Style

	Border    lipgloss.Style
	Title     lipgloss.Style
	Header    lipgloss.Style
	Dim       lipgloss.Style
	Highlight lipgloss.Style

	PulseActive   lipgloss.Style
	PulseInactive lipgloss.Style
}

func NewDefaultTheme() Theme {
	purple := lipgloss.Color("#874BFD")

	return Theme{
		StatusIdle:     lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00")),
		StatusBusy:     lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFF00")),
		StatusFailed:   lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000")),
		StatusStarting: lipgloss.NewStyle().Foreground(lipgloss.Color("#61AFEF")),
		StatusDead:     lipgloss.NewStyle().Foreground(lipgloss.Color("#666666")),

		Border: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(purple),
		Title: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Padding(0, 1),
		Header: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#61AFEF")),
		Dim:       lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),
		Highlight: lipgloss.NewStyle().Foreground(lipgloss.Color("#E5C07B")),

		PulseActive:   lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00")),
		PulseInactive: lipgloss.NewStyle().Foreground(lipgloss.Color("#444444")),
	}
}

// State renders a worker state or run status in its colour.
func (t Theme) State(s string) string {
	switch s {
	case "idle", "ok":
		return t.StatusIdle.Render(s)
	case "busy", "running":
		return t.StatusBusy.Render(s)
	case "starting":
		return t.StatusStarting.Render(s)
	case "dead":
		return t.StatusDead.Render(s)
	case "failed", "interrupted":
		return t.StatusFailed.Render(s)
	default:
		return t.Dim.Render(s)
	}
}
