package watch

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/conductor/internal/events"
)

// Model is the BubbleTea model for the watch TUI.
type Model struct {
	apiURL string
	token  string

	width  int
	height int

	health   HealthState
	workers  map[string]*WorkerState
	runs     []*RunState
	eventLog []events.Event

	table table.Model
	pulse Pulse
	theme Theme
	now   func() time.Time

	hubEvents chan events.Event
	lastError string
}

// New creates a watch model for the API at apiURL. token may be empty.
func New(apiURL, token string) *Model {
	theme := NewDefaultTheme()
	return &Model{
		apiURL:    apiURL,
		token:     token,
		workers:   make(map[string]*WorkerState),
		hubEvents: make(chan events.Event, 100),
		table:     newWorkerTable(theme),
		theme:     theme,
		now:       time.Now,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		subscribeToEvents(m.apiURL, m.token, m.hubEvents),
		receiveNextEvent(m.hubEvents),
		func() tea.Msg { return fetchHealth(m.apiURL, m.token) },
		func() tea.Msg { return fetchWorkers(m.apiURL, m.token) },
		tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) }),
		tea.EnterAltScreen,
	)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}
		var cmd tea.Cmd
		m.table, cmd = m.table.Update(msg)
		return m, cmd

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tickMsg:
		m.pulse.Decay(m.now())
		m.table.SetRows(workerRows(m.workers, m.now()))
		return m, tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })

	case eventMsg:
		m = m.applyEvent(events.Event(msg))
		return m, receiveNextEvent(m.hubEvents)

	case workersMsg:
		for _, info := range msg {
			if _, seen := m.workers[info.Name]; seen {
				continue
			}
			m.workers[info.Name] = &WorkerState{
				Name:     info.Name,
				Agent:    info.Agent,
				State:    string(info.State),
				ExitCode: info.ExitCode,
				Since:    info.LastActive,
			}
		}
		m.table.SetRows(workerRows(m.workers, m.now()))

	case healthMsg:
		m.health.Status = msg.Status
		m.health.UptimeSeconds = msg.UptimeSeconds
		m.health.Workers = msg.Workers
		m.health.Busy = msg.Busy
		m.health.Dead = msg.Dead
		m.health.Connected = true
		m.health.LastCheck = m.now()
		m.lastError = ""
		return m, tea.Tick(5*time.Second, func(time.Time) tea.Msg {
			return fetchHealth(m.apiURL, m.token)
		})

	case sseDisconnectedMsg:
		m.health.Connected = false
		m.lastError = "SSE disconnected, reconnecting..."
		return m, tea.Tick(3*time.Second, func(time.Time) tea.Msg { return reconnectMsg{} })

	case reconnectMsg:
		return m, subscribeToEvents(m.apiURL, m.token, m.hubEvents)

	case errMsg:
		m.lastError = msg.Error()
		return m, tea.Tick(5*time.Second, func(time.Time) tea.Msg {
			return fetchHealth(m.apiURL, m.token)
		})
	}

	return m, nil
}

// applyEvent updates every panel from one hub event.
func (m Model) applyEvent(e events.Event) Model {
	m.eventLog = append([]events.Event{e}, m.eventLog...)
	if len(m.eventLog) > maxEventLog {
		m.eventLog = m.eventLog[:maxEventLog]
	}
	m.pulse.OnEvent(m.now())

	applyWorkerEvent(m.workers, e)
	m.runs = applyRunEvent(m.runs, e)
	m.table.SetRows(workerRows(m.workers, m.now()))

	m.health.Connected = true
	m.lastError = ""
	return m
}

func (m Model) View() string {
	if m.width == 0 {
		return "Connecting to conductor..."
	}
	now := m.now()

	parts := []string{
		renderHeader(m.health, m.pulse, m.theme, m.width, now),
		renderWorkers(m.table, len(m.workers), m.theme, m.width),
		renderRuns(m.runs, m.theme, m.width, now),
		renderEventStream(m.eventLog, m.theme, m.width),
	}
	if m.lastError != "" {
		parts = append(parts, m.theme.StatusFailed.Render(fmt.Sprintf(" ! %s", m.lastError)))
	}
	parts = append(parts, lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render(" [q] Quit • [↑/↓] Select worker"))

	return lipgloss.NewStyle().Margin(1, 2).Render(lipgloss.JoinVertical(lipgloss.Left, parts...))
}
